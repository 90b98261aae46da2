package filesystem

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
)

// sharedMem backs every mem:// URL opened through CreateFileSystem in this process.
var sharedMem = sync.OnceValue(NewMemFileSystem)

// MemFileSystem is a process-local scratch filesystem on top of go-billy's memfs.
type MemFileSystem struct {
	fs billy.Filesystem
}

// NewMemFileSystem returns an empty, independent in-memory filesystem.
func NewMemFileSystem() *MemFileSystem {
	return &MemFileSystem{fs: memfs.New()}
}

// SharedMemFileSystem returns the process-wide instance used for mem:// URLs.
func SharedMemFileSystem() *MemFileSystem {
	return sharedMem()
}

// Chmod changes the mode of a file.
func (m *MemFileSystem) Chmod(path string, mode os.FileMode) error {
	change, ok := m.fs.(billy.Change)
	if !ok {
		return fmt.Errorf("failed to change mode for %s: %w", path, ErrUnsupported)
	}

	err := change.Chmod(path, mode)
	if err != nil {
		return fmt.Errorf("failed to change mode for %s: %w", path, err)
	}

	return nil
}

// Chtimes changes the access and modification times of a file.
func (m *MemFileSystem) Chtimes(path string, atime, mtime time.Time) error {
	change, ok := m.fs.(billy.Change)
	if !ok {
		return nil
	}

	err := change.Chtimes(path, atime, mtime)
	if err != nil {
		return fmt.Errorf("failed to change times for %s: %w", path, err)
	}

	return nil
}

// Create creates or truncates a file, creating parents as needed.
func (m *MemFileSystem) Create(path string) (File, error) {
	file, err := m.fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	return &memFile{File: file, fs: m.fs}, nil
}

// Join joins path elements.
func (m *MemFileSystem) Join(elem ...string) string {
	return m.fs.Join(elem...)
}

// Mkdir creates a single directory; it fails when path exists.
func (m *MemFileSystem) Mkdir(path string, perm os.FileMode) error {
	_, err := m.fs.Stat(path)
	if err == nil {
		return fmt.Errorf("failed to create directory %s: %w", path, os.ErrExist)
	}

	return m.MkdirAll(path, perm)
}

// MkdirAll creates a directory and all necessary parents.
func (m *MemFileSystem) MkdirAll(path string, perm os.FileMode) error {
	err := m.fs.MkdirAll(path, perm)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	return nil
}

// Open opens a file for reading.
func (m *MemFileSystem) Open(path string) (File, error) {
	file, err := m.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	return &memFile{File: file, fs: m.fs}, nil
}

// ReadDir lists a directory sorted by name.
func (m *MemFileSystem) ReadDir(path string) ([]os.FileInfo, error) {
	infos, err := m.fs.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", path, err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	return infos, nil
}

// Remove removes a file or empty directory.
func (m *MemFileSystem) Remove(path string) error {
	err := m.fs.Remove(path)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

// Stat returns file information.
func (m *MemFileSystem) Stat(path string) (os.FileInfo, error) {
	info, err := m.fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return info, nil
}

// memFile adds Stat to a billy file, which only exposes its name.
type memFile struct {
	billy.File

	fs billy.Filesystem
}

func (f *memFile) Stat() (os.FileInfo, error) {
	return f.fs.Stat(f.Name()) //nolint:wrapcheck // Same error a direct Stat returns
}
