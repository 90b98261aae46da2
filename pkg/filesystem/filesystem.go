// Package filesystem provides an abstraction layer for the path spaces the transfer engine
// moves data between (local disk, SFTP, object storage, in-memory scratch space).
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kr/fs"
)

// Exported variables.
var (
	ErrUnsupported = errors.New("operation not supported by this filesystem")
)

// File is an interface that abstracts file operations.
// This allows us to work with both real files and remote/mock files.
type File interface {
	io.Reader
	io.Writer
	io.Closer
	Stat() (os.FileInfo, error)
}

// FileSystem is an interface that abstracts filesystem operations.
// Every backend the engine talks to implements it; optional behaviour is exposed
// through the capability interfaces below and discovered with a type assertion.
type FileSystem interface {
	Open(path string) (File, error)
	Create(path string) (File, error)
	Mkdir(path string, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Remove(path string) error
	Chmod(path string, mode os.FileMode) error
	Chtimes(path string, atime, mtime time.Time) error
	Stat(path string) (os.FileInfo, error)

	// ReadDir lists the direct children of a directory in a single call.
	ReadDir(path string) ([]os.FileInfo, error)

	// Join joins path elements using the separator of this filesystem.
	Join(elem ...string) string
}

// NativeWalker is implemented by filesystems that can walk a subtree with their
// own recursive walker instead of listing one directory at a time.
type NativeWalker interface {
	Walk(root string) Walker
}

// Walker is a pre-order iterator over a directory tree.
// *github.com/kr/fs.Walker satisfies it.
type Walker interface {
	Step() bool
	Path() string
	Stat() os.FileInfo
	Err() error
	SkipDir()
}

// CommandRunner is implemented by filesystems that can execute a command next to the data.
type CommandRunner interface {
	Run(ctx context.Context, command string) ([]byte, error)
}

// Exists reports whether path exists on fsys.
func Exists(fsys FileSystem, path string) (bool, error) {
	_, err := fsys.Stat(path)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, err
}

// RealFileSystem implements FileSystem using actual os/filepath functions.
type RealFileSystem struct{}

// NewRealFileSystem creates a new RealFileSystem instance.
func NewRealFileSystem() *RealFileSystem {
	return &RealFileSystem{}
}

// Chmod changes the mode of a file.
func (r *RealFileSystem) Chmod(path string, mode os.FileMode) error {
	err := os.Chmod(path, mode)
	if err != nil {
		return fmt.Errorf("failed to change mode for %s: %w", path, err)
	}

	return nil
}

// Chtimes changes the access and modification times of a file.
func (r *RealFileSystem) Chtimes(path string, atime, mtime time.Time) error {
	err := os.Chtimes(path, atime, mtime)
	if err != nil {
		return fmt.Errorf("failed to change times for %s: %w", path, err)
	}

	return nil
}

// Create creates a file for writing.
func (r *RealFileSystem) Create(path string) (File, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	return file, nil
}

// Join joins path elements with the OS separator.
func (r *RealFileSystem) Join(elem ...string) string {
	return filepath.Join(elem...)
}

// Mkdir creates a single directory.
func (r *RealFileSystem) Mkdir(path string, perm os.FileMode) error {
	err := os.Mkdir(path, perm)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	return nil
}

// MkdirAll creates a directory and all necessary parents.
func (r *RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	err := os.MkdirAll(path, perm)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	return nil
}

// Open opens a file for reading.
func (r *RealFileSystem) Open(path string) (File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	return file, nil
}

// ReadDir lists a directory, sorted by name.
func (r *RealFileSystem) ReadDir(path string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", path, err)
	}

	infos := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Entry vanished between readdir and lstat
			continue
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// Remove removes a file or empty directory.
func (r *RealFileSystem) Remove(path string) error {
	err := os.Remove(path)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

// Run executes command through the local shell.
func (r *RealFileSystem) Run(ctx context.Context, command string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("command %q failed: %w", command, err)
	}

	return out, nil
}

// Stat returns file information.
func (r *RealFileSystem) Stat(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return info, nil
}

// Walk walks the local tree with kr/fs, which lists each directory in name order.
func (r *RealFileSystem) Walk(root string) Walker {
	return fs.Walk(root)
}
