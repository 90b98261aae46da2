package task

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/joe/transfer-queue/pkg/filesystem"
)

// DirectoryTransfer creates the target directory of a copied tree. It carries no payload;
// its progress is the sum of its children.
type DirectoryTransfer struct {
	core

	dst  filesystem.FileSystem
	perm os.FileMode

	once sync.Once
	err  error
}

// NewDirectoryTransfer creates p.Target on dst with perm.
func NewDirectoryTransfer(p Params, dst filesystem.FileSystem, perm os.FileMode) *DirectoryTransfer {
	p.IsDirectory = true
	d := &DirectoryTransfer{dst: dst, perm: perm}
	d.init(p)

	return d
}

// Close is a no-op; directories hold no handles.
func (d *DirectoryTransfer) Close() error {
	return nil
}

// Size is 1; directory progress is aggregated from children.
func (d *DirectoryTransfer) Size() int64 {
	return d.unitSize()
}

// Transfer creates the directory (and missing parents) on the first call.
func (d *DirectoryTransfer) Transfer(ctx context.Context, _ int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.once.Do(func() {
		d.err = d.dst.MkdirAll(d.target, d.perm)
	})

	if d.err != nil {
		return 0, d.err
	}

	return 0, io.EOF
}
