package filesystem

// ResizablePool is implemented by filesystems backed by a connection pool that can be
// resized at runtime (SFTP). The scheduler sizes the pool to its worker count so every
// worker can hold a connection.
type ResizablePool interface {
	// ResizePool sets the target pool size, clamped to [PoolMinSize, PoolMaxSize].
	// Growth is eager; shrinking happens as connections are returned.
	ResizePool(targetSize int)

	PoolSize() int
	PoolTargetSize() int
	PoolMinSize() int
	PoolMaxSize() int
}
