package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/joe/transfer-queue/pkg/filesystem"
)

// DefaultDirPermissions is used when a transfer has to create its own parent directory.
const DefaultDirPermissions = 0o755

// FileOption configures a FileTransfer.
type FileOption func(*FileTransfer)

// WithLimiter throttles reads through limiter, which may be shared by many transfers.
func WithLimiter(limiter *rate.Limiter) FileOption {
	return func(f *FileTransfer) {
		f.limiter = limiter
	}
}

// FileTransfer streams one file from a source filesystem to a target filesystem.
// Both handles stay open across Transfer calls; one call moves at most one buffer.
type FileTransfer struct {
	core

	src     filesystem.FileSystem
	dst     filesystem.FileSystem
	limiter *rate.Limiter

	mu      sync.Mutex
	reader  filesystem.File
	writer  filesystem.File
	buf     []byte
	modTime time.Time
	done    bool
	closed  bool
}

// NewFileTransfer creates a copy of p.Source on src to p.Target on dst.
func NewFileTransfer(p Params, src, dst filesystem.FileSystem, opts ...FileOption) *FileTransfer {
	p.IsDirectory = false
	f := &FileTransfer{src: src, dst: dst}
	f.init(p)

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Size is the declared byte size of the source file.
func (f *FileTransfer) Size() int64 {
	return max(f.size, 0)
}

// Transfer copies the next chunk of up to bufferSize bytes.
func (f *FileTransfer) Transfer(ctx context.Context, bufferSize int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done {
		return 0, io.EOF
	}

	if f.closed {
		return 0, ErrCancelled
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if f.reader == nil {
		if err := f.open(); err != nil {
			return 0, err
		}
	}

	if len(f.buf) != max(bufferSize, 1) {
		f.buf = make([]byte, max(bufferSize, 1))
	}

	chunk := f.buf
	if f.limiter != nil {
		if burst := f.limiter.Burst(); burst > 0 && len(chunk) > burst {
			chunk = chunk[:burst]
		}

		if err := f.limiter.WaitN(ctx, len(chunk)); err != nil {
			return 0, err
		}
	}

	nr, readErr := f.reader.Read(chunk)
	if nr > 0 {
		nw, err := f.writer.Write(chunk[:nr])
		if err != nil {
			return int64(nw), fmt.Errorf("failed to write to %s: %w", f.target, err)
		}

		if nw != nr {
			return int64(nw), fmt.Errorf("short write to %s: %w", f.target, io.ErrShortWrite)
		}
	}

	if errors.Is(readErr, io.EOF) {
		if err := f.finish(); err != nil {
			return int64(nr), err
		}

		return int64(nr), io.EOF
	}

	if readErr != nil {
		return int64(nr), fmt.Errorf("failed to read from %s: %w", f.source, readErr)
	}

	return int64(nr), nil
}

// Close releases both handles. A target that was not completely written is removed.
func (f *FileTransfer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || f.done {
		f.closed = true
		return nil
	}

	f.closed = true

	if f.reader != nil {
		_ = f.reader.Close()
	}

	if f.writer != nil {
		_ = f.writer.Close()
		_ = f.dst.Remove(f.target)
	}

	return nil
}

func (f *FileTransfer) open() error {
	reader, err := f.src.Open(f.source)
	if err != nil {
		return err //nolint:wrapcheck // Filesystems already name the path
	}

	if info, err := reader.Stat(); err == nil {
		f.modTime = info.ModTime()
	}

	if f.parentID == 0 {
		// No directory task precedes a root-level file
		if dir := parentDir(f.target); dir != "" {
			if err := f.dst.MkdirAll(dir, DefaultDirPermissions); err != nil {
				_ = reader.Close()
				return err //nolint:wrapcheck // Filesystems already name the path
			}
		}
	}

	writer, err := f.dst.Create(f.target)
	if err != nil {
		_ = reader.Close()
		return err //nolint:wrapcheck // Filesystems already name the path
	}

	f.reader = reader
	f.writer = writer

	return nil
}

func (f *FileTransfer) finish() error {
	_ = f.reader.Close()

	// Close before setting times; network filesystems apply them on close otherwise
	if err := f.writer.Close(); err != nil {
		_ = f.dst.Remove(f.target)
		f.closed = true

		return fmt.Errorf("failed to close %s: %w", f.target, err)
	}

	if !f.modTime.IsZero() {
		_ = f.dst.Chtimes(f.target, f.modTime, f.modTime)
	}

	f.done = true

	return nil
}

// parentDir handles both slash and OS-separated targets.
func parentDir(target string) string {
	var dir string
	if strings.Contains(target, "/") {
		dir = path.Dir(target)
	} else {
		dir = filepath.Dir(target)
	}

	if dir == "." || dir == "/" {
		return ""
	}

	return dir
}
