package filesystem

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/pkg/sftp"
)

// sftpFile is the subset of *sftp.File a pooled handle needs.
type sftpFile interface {
	io.Reader
	io.Writer
	io.Closer
	Stat() (os.FileInfo, error)
}

// clientReleaser returns clients to wherever they were checked out from.
type clientReleaser interface {
	Release(client *sftp.Client)
}

// PooledSFTPFile ties an open remote file to the pool client it was opened on.
// Closing the file returns the client, so a transfer holding a file open across many
// Transfer calls keeps exactly one client checked out.
type PooledSFTPFile struct {
	file   sftpFile
	client *sftp.Client
	pool   clientReleaser

	mu     sync.Mutex
	closed bool
}

// NewPooledSFTPFile wraps file. None of the arguments may be nil.
func NewPooledSFTPFile(file sftpFile, client *sftp.Client, pool clientReleaser) (*PooledSFTPFile, error) {
	switch {
	case file == nil:
		return nil, errors.New("file cannot be nil")
	case client == nil:
		return nil, errors.New("client cannot be nil")
	case pool == nil:
		return nil, errors.New("pool cannot be nil")
	}

	return &PooledSFTPFile{file: file, client: client, pool: pool}, nil
}

// Close closes the remote file and always releases the client, even when the close fails.
// Subsequent calls are no-ops.
func (f *PooledSFTPFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}

	f.closed = true

	err := f.file.Close()
	f.pool.Release(f.client)

	return err //nolint:wrapcheck // Passed through from the sftp file
}

func (f *PooledSFTPFile) Read(p []byte) (int, error) {
	if f.isClosed() {
		return 0, fs.ErrClosed
	}

	return f.file.Read(p) //nolint:wrapcheck // io.Reader contract, io.EOF must stay unwrapped
}

// Stat returns file information for the remote file.
func (f *PooledSFTPFile) Stat() (os.FileInfo, error) {
	if f.isClosed() {
		return nil, fs.ErrClosed
	}

	return f.file.Stat() //nolint:wrapcheck // Passed through from the sftp file
}

func (f *PooledSFTPFile) Write(p []byte) (int, error) {
	if f.isClosed() {
		return 0, fs.ErrClosed
	}

	return f.file.Write(p) //nolint:wrapcheck // io.Writer contract
}

func (f *PooledSFTPFile) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}
