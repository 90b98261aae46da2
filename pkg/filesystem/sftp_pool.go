package filesystem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Exported variables.
var (
	ErrPoolClosed = errors.New("connection pool is closed")
)

// SFTPClientPool manages a pool of SFTP clients multiplexed over a single SSH connection.
// A buffered channel doubles as the semaphore: Acquire blocks while every client is checked out.
type SFTPClientPool struct {
	sshClient  *ssh.Client
	clients    chan *sftp.Client
	newClient  func() (*sftp.Client, error)
	maxSize    int
	minSize    int
	targetSize atomic.Int32
	actualSize atomic.Int32

	mu     sync.Mutex
	closed bool
}

// NewSFTPClientPool creates a pool with initialSize clients pre-created.
// Bounds must satisfy 0 < minSize <= initialSize <= maxSize.
func NewSFTPClientPool(sshClient *ssh.Client, config PoolConfig) (*SFTPClientPool, error) {
	err := config.Validate()
	if err != nil {
		return nil, err
	}

	pool := &SFTPClientPool{
		sshClient: sshClient,
		clients:   make(chan *sftp.Client, config.MaxSize),
		minSize:   config.MinSize,
		maxSize:   config.MaxSize,
	}
	pool.newClient = pool.createClient
	pool.targetSize.Store(int32(config.InitialSize)) //nolint:gosec // validated against MaxSize

	for i := range config.InitialSize {
		client, err := pool.newClient()
		if err != nil {
			_ = pool.Close()

			return nil, fmt.Errorf("failed to create client %d/%d: %w", i+1, config.InitialSize, err)
		}

		pool.clients <- client
		pool.actualSize.Add(1)
	}

	return pool, nil
}

// Acquire retrieves a client, blocking until one is free.
func (p *SFTPClientPool) Acquire() (*sftp.Client, error) {
	return p.AcquireContext(context.Background())
}

// AcquireContext retrieves a client, blocking until one is free or ctx is done.
func (p *SFTPClientPool) AcquireContext(ctx context.Context) (*sftp.Client, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case client, ok := <-p.clients:
		if !ok {
			return nil, ErrPoolClosed
		}

		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes every idle client. Clients checked out at the time are closed on Release.
// The SSH connection is not owned by the pool and stays open. Close is idempotent.
func (p *SFTPClientPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.clients)
	p.mu.Unlock()

	var errs []error
	for client := range p.clients {
		errs = append(errs, client.Close())
	}

	p.actualSize.Store(0)
	p.targetSize.Store(0)

	return errors.Join(errs...)
}

// MaxSize returns the maximum pool size.
func (p *SFTPClientPool) MaxSize() int {
	return p.maxSize
}

// MinSize returns the minimum pool size.
func (p *SFTPClientPool) MinSize() int {
	return p.minSize
}

// Release returns a client to the pool.
// When the pool holds more clients than its target the client is closed instead (lazy scale-down).
func (p *SFTPClientPool) Release(client *sftp.Client) {
	if client == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		_ = client.Close()
		return
	}

	for {
		target := p.targetSize.Load()
		actual := p.actualSize.Load()

		if actual <= target {
			break
		}

		if p.actualSize.CompareAndSwap(actual, actual-1) {
			_ = client.Close()
			return
		}
	}

	select {
	case p.clients <- client:
	default:
		p.actualSize.Add(-1)
		_ = client.Close()
	}
}

// Resize changes the target pool size, clamped to [minSize, maxSize].
// Growing happens immediately; shrinking happens as clients are released.
func (p *SFTPClientPool) Resize(targetSize int) {
	clamped := min(max(targetSize, p.minSize), p.maxSize)
	p.targetSize.Store(int32(clamped)) //nolint:gosec // clamped to maxSize

	p.scaleUp()
}

// Size returns the current number of clients owned by the pool.
func (p *SFTPClientPool) Size() int {
	return int(p.actualSize.Load())
}

// TargetSize returns the desired pool size.
func (p *SFTPClientPool) TargetSize() int {
	return int(p.targetSize.Load())
}

// createClient opens a new SFTP subsystem channel with concurrent writes enabled.
// Partial targets left by a failed concurrent write are removed by the transfer task.
func (p *SFTPClientPool) createClient() (*sftp.Client, error) {
	return sftp.NewClient(p.sshClient, sftp.UseConcurrentWrites(true)) //nolint:wrapcheck // Wrapped by callers
}

func (p *SFTPClientPool) scaleUp() {
	for {
		if p.actualSize.Load() >= p.targetSize.Load() {
			return
		}

		client, err := p.newClient()
		if err != nil {
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = client.Close()

			return
		}

		select {
		case p.clients <- client:
			p.actualSize.Add(1)
			p.mu.Unlock()
		default:
			p.mu.Unlock()
			_ = client.Close()

			return
		}
	}
}
