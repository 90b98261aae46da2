package task

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/joe/transfer-queue/pkg/filesystem"
)

// DeleteTransfer removes one path: a file, or a directory that its child deletes have
// already emptied. Scheduling guarantees children are deleted first.
type DeleteTransfer struct {
	core

	fsys filesystem.FileSystem

	once sync.Once
	err  error
}

// NewDeleteTransfer removes p.Source from fsys.
func NewDeleteTransfer(p Params, fsys filesystem.FileSystem) *DeleteTransfer {
	d := &DeleteTransfer{fsys: fsys}
	d.init(p)

	return d
}

// Close is a no-op.
func (d *DeleteTransfer) Close() error {
	return nil
}

// Size is 1.
func (d *DeleteTransfer) Size() int64 {
	return d.unitSize()
}

// Transfer removes the path. A path that is already gone counts as deleted.
func (d *DeleteTransfer) Transfer(ctx context.Context, _ int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ran := false

	d.once.Do(func() {
		ran = true

		err := d.fsys.Remove(d.source)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			d.err = err
		}
	})

	if d.err != nil {
		return 0, d.err
	}

	if ran {
		return d.Size(), io.EOF
	}

	return 0, io.EOF
}
