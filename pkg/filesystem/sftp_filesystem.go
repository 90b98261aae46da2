package filesystem

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"time"

	"github.com/pkg/sftp"
)

// PoolConfig configures the SFTP client pool size limits.
type PoolConfig struct {
	InitialSize int
	MinSize     int
	MaxSize     int
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		InitialSize: 4, //nolint:mnd // Default pool size
		MinSize:     1,
		MaxSize:     16, //nolint:mnd // Maximum pool connections
	}
}

// Validate checks 0 < MinSize <= InitialSize <= MaxSize.
func (c PoolConfig) Validate() error {
	if c.MinSize <= 0 {
		return fmt.Errorf("minSize must be greater than 0, got %d", c.MinSize) //nolint:err113 // Validation error with actual values
	}
	if c.InitialSize < c.MinSize {
		return fmt.Errorf("initialSize (%d) must be >= minSize (%d)", c.InitialSize, c.MinSize) //nolint:err113 // Validation error with actual values
	}
	if c.InitialSize > c.MaxSize {
		return fmt.Errorf("initialSize (%d) must be <= maxSize (%d)", c.InitialSize, c.MaxSize) //nolint:err113 // Validation error with actual values
	}

	return nil
}

// SFTPFileSystem implements FileSystem for SFTP connections.
// Every operation checks a client out of the pool for its own duration; open files
// hold their client until closed.
type SFTPFileSystem struct {
	conn *SFTPConnection
	pool *SFTPClientPool
}

// NewSFTPFileSystem creates a new SFTP filesystem on an established connection.
func NewSFTPFileSystem(conn *SFTPConnection, config PoolConfig) (*SFTPFileSystem, error) {
	pool, err := NewSFTPClientPool(conn.SSHClient(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create SFTP client pool: %w", err)
	}

	return &SFTPFileSystem{
		conn: conn,
		pool: pool,
	}, nil
}

// Chmod changes the mode of a remote file.
func (fs *SFTPFileSystem) Chmod(path string, mode os.FileMode) error {
	return fs.withClient(func(client *sftp.Client) error {
		err := client.Chmod(path, mode)
		if err != nil {
			return fmt.Errorf("failed to change mode for remote file %s: %w", path, err)
		}

		return nil
	})
}

// Chtimes changes the access and modification times of a remote file.
func (fs *SFTPFileSystem) Chtimes(path string, atime, mtime time.Time) error {
	return fs.withClient(func(client *sftp.Client) error {
		err := client.Chtimes(path, atime, mtime)
		if err != nil {
			return fmt.Errorf("failed to change times for remote file %s: %w", path, err)
		}

		return nil
	})
}

// Close closes the pool and then the SSH connection.
func (fs *SFTPFileSystem) Close() error {
	poolErr := fs.pool.Close()
	connErr := fs.conn.Close()

	if poolErr != nil {
		return poolErr
	}

	return connErr
}

// Create creates a remote file for writing.
func (fs *SFTPFileSystem) Create(path string) (File, error) {
	return fs.openPooled(path, func(client *sftp.Client) (*sftp.File, error) {
		return client.Create(path)
	}, "create")
}

// Join joins remote path elements with forward slashes.
func (fs *SFTPFileSystem) Join(elem ...string) string {
	return path.Join(elem...)
}

// Mkdir creates a single remote directory.
func (fs *SFTPFileSystem) Mkdir(path string, perm os.FileMode) error {
	return fs.withClient(func(client *sftp.Client) error {
		err := client.Mkdir(path)
		if err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", path, err)
		}

		// Servers apply their umask to mkdir; set the requested mode explicitly
		_ = client.Chmod(path, perm)

		return nil
	})
}

// MkdirAll creates a remote directory and all necessary parents.
func (fs *SFTPFileSystem) MkdirAll(path string, _ os.FileMode) error {
	return fs.withClient(func(client *sftp.Client) error {
		err := client.MkdirAll(path)
		if err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", path, err)
		}

		return nil
	})
}

// Open opens a remote file for reading.
func (fs *SFTPFileSystem) Open(path string) (File, error) {
	return fs.openPooled(path, func(client *sftp.Client) (*sftp.File, error) {
		return client.Open(path)
	}, "open")
}

// PoolMaxSize returns the maximum allowed pool size.
func (fs *SFTPFileSystem) PoolMaxSize() int {
	return fs.pool.MaxSize()
}

// PoolMinSize returns the minimum allowed pool size.
func (fs *SFTPFileSystem) PoolMinSize() int {
	return fs.pool.MinSize()
}

// PoolSize returns the current actual number of connections in the pool.
func (fs *SFTPFileSystem) PoolSize() int {
	return fs.pool.Size()
}

// PoolTargetSize returns the current target pool size.
func (fs *SFTPFileSystem) PoolTargetSize() int {
	return fs.pool.TargetSize()
}

// ReadDir lists a remote directory in one round trip, sorted by name.
func (fs *SFTPFileSystem) ReadDir(path string) ([]os.FileInfo, error) {
	var infos []os.FileInfo

	err := fs.withClient(func(client *sftp.Client) error {
		entries, err := client.ReadDir(path)
		if err != nil {
			return fmt.Errorf("failed to read remote directory %s: %w", path, err)
		}

		infos = entries

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	return infos, nil
}

// Remove removes a remote file or empty directory.
func (fs *SFTPFileSystem) Remove(path string) error {
	return fs.withClient(func(client *sftp.Client) error {
		err := client.Remove(path)
		if err != nil {
			return fmt.Errorf("failed to remove remote file %s: %w", path, err)
		}

		return nil
	})
}

// ResizePool sets the target pool size.
func (fs *SFTPFileSystem) ResizePool(targetSize int) {
	fs.pool.Resize(targetSize)
}

// Run executes a command on the remote host over its own SSH session.
func (fs *SFTPFileSystem) Run(ctx context.Context, command string) ([]byte, error) {
	return fs.conn.Run(ctx, command)
}

// Stat returns file information for a remote file.
func (fs *SFTPFileSystem) Stat(path string) (os.FileInfo, error) {
	var info os.FileInfo

	err := fs.withClient(func(client *sftp.Client) error {
		var statErr error

		info, statErr = client.Stat(path)
		if statErr != nil {
			return fmt.Errorf("failed to stat remote file %s: %w", path, statErr)
		}

		return nil
	})

	return info, err
}

func (fs *SFTPFileSystem) openPooled(
	path string, open func(*sftp.Client) (*sftp.File, error), verb string,
) (File, error) {
	client, err := fs.pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire SFTP client: %w", err)
	}

	file, err := open(client)
	if err != nil {
		fs.pool.Release(client)
		return nil, fmt.Errorf("failed to %s remote file %s: %w", verb, path, err)
	}

	pooledFile, err := NewPooledSFTPFile(file, client, fs.pool)
	if err != nil {
		_ = file.Close()
		fs.pool.Release(client)

		return nil, err
	}

	return pooledFile, nil
}

func (fs *SFTPFileSystem) withClient(op func(*sftp.Client) error) error {
	client, err := fs.pool.Acquire()
	if err != nil {
		return fmt.Errorf("failed to acquire SFTP client: %w", err)
	}
	defer fs.pool.Release(client)

	return op(client)
}
