package task

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/joe/transfer-queue/pkg/filesystem"
)

// ChangePermissionTransfer applies a POSIX mode to one path. Recursive requests are
// expanded into one task per entry; Recursive is kept for display.
type ChangePermissionTransfer struct {
	core

	fsys      filesystem.FileSystem
	mode      os.FileMode
	recursive bool

	once sync.Once
	err  error
}

// NewChangePermissionTransfer sets mode on p.Source.
func NewChangePermissionTransfer(
	p Params, fsys filesystem.FileSystem, mode os.FileMode, recursive bool,
) *ChangePermissionTransfer {
	c := &ChangePermissionTransfer{fsys: fsys, mode: mode, recursive: recursive}
	c.init(p)

	return c
}

// Close is a no-op.
func (c *ChangePermissionTransfer) Close() error {
	return nil
}

// Mode is the permission set being applied.
func (c *ChangePermissionTransfer) Mode() os.FileMode {
	return c.mode
}

// Recursive reports whether the request covered a whole subtree.
func (c *ChangePermissionTransfer) Recursive() bool {
	return c.recursive
}

// Size is 1.
func (c *ChangePermissionTransfer) Size() int64 {
	return c.unitSize()
}

// Transfer applies the mode.
func (c *ChangePermissionTransfer) Transfer(ctx context.Context, _ int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ran := false

	c.once.Do(func() {
		ran = true
		c.err = c.fsys.Chmod(c.source, c.mode)
	})

	if c.err != nil {
		return 0, c.err
	}

	if ran {
		return c.Size(), io.EOF
	}

	return 0, io.EOF
}
