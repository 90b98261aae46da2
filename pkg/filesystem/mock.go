package filesystem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Op names a MockFileSystem operation for fault injection.
type Op string

// Ops that can be failed with FailOn.
const (
	OpChmod   Op = "chmod"
	OpCreate  Op = "create"
	OpMkdir   Op = "mkdir"
	OpOpen    Op = "open"
	OpRead    Op = "read"
	OpReadDir Op = "readdir"
	OpRemove  Op = "remove"
	OpRun     Op = "run"
	OpStat    Op = "stat"
	OpWrite   Op = "write"
)

// Exported variables.
var (
	ErrNotEmpty    = errors.New("directory not empty")
	ErrIsDirectory = errors.New("is a directory")
)

// MockFileSystem is an in-memory filesystem implementation for testing.
// Paths are slash-separated. Besides plain storage it can inject failures per
// operation and path, hold reads of a file until released, and record commands.
type MockFileSystem struct {
	mu       sync.RWMutex
	files    map[string]*mockFile
	faults   map[faultKey]error
	gates    map[string]chan struct{}
	commands []string
}

type faultKey struct {
	op   Op
	path string
}

type mockFile struct {
	data    []byte
	modTime time.Time
	isDir   bool
	perm    os.FileMode
}

type mockFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
	perm    os.FileMode
}

func (fi *mockFileInfo) IsDir() bool        { return fi.isDir }
func (fi *mockFileInfo) ModTime() time.Time { return fi.modTime }
func (fi *mockFileInfo) Name() string       { return fi.name }
func (fi *mockFileInfo) Size() int64        { return fi.size }
func (fi *mockFileInfo) Sys() any           { return nil }

func (fi *mockFileInfo) Mode() os.FileMode {
	if fi.isDir {
		return os.ModeDir | fi.perm
	}

	return fi.perm
}

// NewMockFileSystem creates a new in-memory filesystem.
func NewMockFileSystem() *MockFileSystem {
	return &MockFileSystem{
		files:  make(map[string]*mockFile),
		faults: make(map[faultKey]error),
		gates:  make(map[string]chan struct{}),
	}
}

// AddDir adds a directory (and its parents) to the mock filesystem.
func (m *MockFileSystem) AddDir(p string, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = clean(p)
	m.mkdirAllLocked(path.Dir(p), 0o755) //nolint:mnd // Default directory mode
	m.files[p] = &mockFile{modTime: modTime, isDir: true, perm: 0o755} //nolint:mnd // Default directory mode
}

// AddFile adds a file to the mock filesystem with the given content and modtime.
func (m *MockFileSystem) AddFile(p string, content []byte, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = clean(p)
	m.mkdirAllLocked(path.Dir(p), 0o755) //nolint:mnd // Default directory mode
	m.files[p] = &mockFile{
		data:    append([]byte(nil), content...),
		modTime: modTime,
		perm:    0o644, //nolint:mnd // Default file mode
	}
}

// Chmod changes the mode of a file.
func (m *MockFileSystem) Chmod(p string, mode os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = clean(p)
	if err := m.faultLocked(OpChmod, p); err != nil {
		return err
	}

	file, exists := m.files[p]
	if !exists {
		return fmt.Errorf("failed to change mode for %s: %w", p, os.ErrNotExist)
	}

	file.perm = mode.Perm()

	return nil
}

// Chtimes changes the modification time of a file.
func (m *MockFileSystem) Chtimes(p string, _, mtime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, exists := m.files[clean(p)]
	if !exists {
		return fmt.Errorf("failed to change times for %s: %w", p, os.ErrNotExist)
	}

	file.modTime = mtime

	return nil
}

// Commands returns the commands passed to Run, in call order.
func (m *MockFileSystem) Commands() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]string(nil), m.commands...)
}

// Create creates or truncates a file. The parent directory must exist.
func (m *MockFileSystem) Create(p string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = clean(p)
	if err := m.faultLocked(OpCreate, p); err != nil {
		return nil, err
	}

	parent, exists := m.files[path.Dir(p)]
	if path.Dir(p) != "/" && (!exists || !parent.isDir) {
		return nil, fmt.Errorf("failed to create %s: %w", p, os.ErrNotExist)
	}

	m.files[p] = &mockFile{modTime: time.Now(), perm: 0o644} //nolint:mnd // Default file mode

	return &mockFileHandle{fs: m, path: p, writer: &bytes.Buffer{}}, nil
}

// Exists checks if a path exists in the mock filesystem.
func (m *MockFileSystem) Exists(p string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.files[clean(p)]

	return exists
}

// FailOn makes op on p fail with err until cleared with a nil err. For OpRun, p is the
// command line.
func (m *MockFileSystem) FailOn(op Op, p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := faultKey{op: op, path: p}
	if op != OpRun {
		key.path = clean(p)
	}

	if err == nil {
		delete(m.faults, key)
		return
	}

	m.faults[key] = err
}

// Gate holds reads of p after the first chunk until the returned release func is called.
// Release is idempotent.
func (m *MockFileSystem) Gate(p string) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	gate := make(chan struct{})
	m.gates[clean(p)] = gate

	var once sync.Once

	return func() {
		once.Do(func() { close(gate) })
	}
}

// GetFile retrieves a file's content from the mock filesystem.
func (m *MockFileSystem) GetFile(p string) ([]byte, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	file, exists := m.files[clean(p)]
	if !exists {
		return nil, time.Time{}, os.ErrNotExist
	}

	if file.isDir {
		return nil, time.Time{}, ErrIsDirectory
	}

	return append([]byte(nil), file.data...), file.modTime, nil
}

// Join joins path elements with forward slashes.
func (m *MockFileSystem) Join(elem ...string) string {
	return path.Join(elem...)
}

// ListFiles returns all paths in the mock filesystem, sorted.
func (m *MockFileSystem) ListFiles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths
}

// Mkdir creates a single directory. The parent must exist.
func (m *MockFileSystem) Mkdir(p string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = clean(p)
	if err := m.faultLocked(OpMkdir, p); err != nil {
		return err
	}

	if _, exists := m.files[p]; exists {
		return fmt.Errorf("failed to create directory %s: %w", p, os.ErrExist)
	}

	if parent := path.Dir(p); parent != "/" {
		if dir, exists := m.files[parent]; !exists || !dir.isDir {
			return fmt.Errorf("failed to create directory %s: %w", p, os.ErrNotExist)
		}
	}

	m.files[p] = &mockFile{modTime: time.Now(), isDir: true, perm: perm.Perm()}

	return nil
}

// MkdirAll creates a directory and all necessary parents.
func (m *MockFileSystem) MkdirAll(p string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = clean(p)
	if err := m.faultLocked(OpMkdir, p); err != nil {
		return err
	}

	if file, exists := m.files[p]; exists && !file.isDir {
		return fmt.Errorf("failed to create directory %s: %w", p, os.ErrExist)
	}

	m.mkdirAllLocked(p, perm)

	return nil
}

// Mode returns the permission bits of p.
func (m *MockFileSystem) Mode(p string) (os.FileMode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	file, exists := m.files[clean(p)]
	if !exists {
		return 0, false
	}

	return file.perm, true
}

// Open opens a file for reading.
func (m *MockFileSystem) Open(p string) (File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p = clean(p)
	if err := m.faultLocked(OpOpen, p); err != nil {
		return nil, err
	}

	file, exists := m.files[p]
	if !exists {
		return nil, fmt.Errorf("failed to open %s: %w", p, os.ErrNotExist)
	}

	if file.isDir {
		return nil, fmt.Errorf("failed to open %s: %w", p, ErrIsDirectory)
	}

	return &mockFileHandle{
		fs:     m,
		path:   p,
		reader: bytes.NewReader(file.data),
		gate:   m.gates[p],
	}, nil
}

// ReadDir lists the direct children of a directory, sorted by name.
func (m *MockFileSystem) ReadDir(p string) ([]os.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p = clean(p)
	if err := m.faultLocked(OpReadDir, p); err != nil {
		return nil, err
	}

	if dir, exists := m.files[p]; p != "/" && (!exists || !dir.isDir) {
		return nil, fmt.Errorf("failed to read directory %s: %w", p, os.ErrNotExist)
	}

	var infos []os.FileInfo

	for child, file := range m.files {
		if child != p && path.Dir(child) == p {
			infos = append(infos, file.info(child))
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	return infos, nil
}

// Remove removes a file or empty directory.
func (m *MockFileSystem) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = clean(p)
	if err := m.faultLocked(OpRemove, p); err != nil {
		return err
	}

	file, exists := m.files[p]
	if !exists {
		return fmt.Errorf("failed to remove %s: %w", p, os.ErrNotExist)
	}

	if file.isDir {
		for other := range m.files {
			if strings.HasPrefix(other, p+"/") {
				return fmt.Errorf("failed to remove %s: %w", p, ErrNotEmpty)
			}
		}
	}

	delete(m.files, p)

	return nil
}

// Run records command and returns its text as output.
func (m *MockFileSystem) Run(ctx context.Context, command string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.commands = append(m.commands, command)

	if err := m.faultLocked(OpRun, command); err != nil {
		return nil, err
	}

	return []byte(command), nil
}

// Stat returns file information.
func (m *MockFileSystem) Stat(p string) (os.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p = clean(p)
	if err := m.faultLocked(OpStat, p); err != nil {
		return nil, err
	}

	if p == "/" {
		return &mockFileInfo{name: "/", isDir: true, perm: 0o755}, nil //nolint:mnd // Root directory mode
	}

	file, exists := m.files[p]
	if !exists {
		return nil, fmt.Errorf("failed to stat %s: %w", p, os.ErrNotExist)
	}

	return file.info(p), nil
}

func (m *MockFileSystem) faultLocked(op Op, p string) error {
	if err, ok := m.faults[faultKey{op: op, path: p}]; ok {
		return err
	}

	return nil
}

func (m *MockFileSystem) mkdirAllLocked(p string, perm os.FileMode) {
	if p == "/" || p == "." {
		return
	}

	m.mkdirAllLocked(path.Dir(p), perm)

	if _, exists := m.files[p]; !exists {
		m.files[p] = &mockFile{modTime: time.Now(), isDir: true, perm: perm.Perm()}
	}
}

func (f *mockFile) info(p string) *mockFileInfo {
	return &mockFileInfo{
		name:    path.Base(p),
		size:    int64(len(f.data)),
		modTime: f.modTime,
		isDir:   f.isDir,
		perm:    f.perm,
	}
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// mockFileHandle implements File for a single open of a mock file.
type mockFileHandle struct {
	fs     *MockFileSystem
	path   string
	reader *bytes.Reader
	writer *bytes.Buffer
	gate   chan struct{}
	reads  int
	closed bool
}

func (f *mockFileHandle) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	if f.writer == nil {
		return nil
	}

	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if file, exists := f.fs.files[f.path]; exists {
		file.data = f.writer.Bytes()
	}

	return nil
}

func (f *mockFileHandle) Read(p []byte) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}

	if f.reader == nil {
		return 0, io.EOF
	}

	f.fs.mu.RLock()
	err := f.fs.faultLocked(OpRead, f.path)
	f.fs.mu.RUnlock()

	if err != nil {
		return 0, err
	}

	if f.gate != nil && f.reads > 0 {
		<-f.gate
	}
	f.reads++

	return f.reader.Read(p) //nolint:wrapcheck // io.Reader contract
}

func (f *mockFileHandle) Stat() (os.FileInfo, error) {
	if f.closed {
		return nil, os.ErrClosed
	}

	return f.fs.Stat(f.path)
}

func (f *mockFileHandle) Write(p []byte) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}

	if f.writer == nil {
		return 0, os.ErrPermission
	}

	f.fs.mu.RLock()
	err := f.fs.faultLocked(OpWrite, f.path)
	f.fs.mu.RUnlock()

	if err != nil {
		return 0, err
	}

	return f.writer.Write(p) //nolint:wrapcheck // io.Writer contract
}
