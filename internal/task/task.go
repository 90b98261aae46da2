// Package task defines the units of work the engine schedules: copying a file, creating
// a directory, deleting a path, changing permissions and running a command.
//
// The set of variants is closed. Code that needs per-variant behaviour switches on the
// concrete type instead of adding methods to Task.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Exported variables.
var (
	// ErrCancelled marks a task that stopped because it was removed or its session went away.
	ErrCancelled = errors.New("cancelled")
	ErrNoRunner  = errors.New("filesystem cannot run commands")
)

// ID identifies a task. Zero means "no task", used as the parent of root-level tasks.
type ID int64

// lastID is shared by every constructor so ids are unique across submissions.
var lastID atomic.Int64

// NextID returns a fresh, monotonically increasing id.
func NextID() ID {
	return ID(lastID.Add(1))
}

// Priority selects the scheduling lane.
type Priority int

// Priorities.
const (
	Normal Priority = iota
	High
)

func (p Priority) String() string {
	if p == High {
		return "high"
	}

	return "normal"
}

// Kind names a variant for logs and metrics.
type Kind string

// Kinds.
const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
	KindDelete    Kind = "delete"
	KindChmod     Kind = "chmod"
	KindCommand   Kind = "command"
)

// Task is one filesystem operation.
//
// Transfer performs the next slice of work and reports how many bytes (or, for
// non-payload tasks, work units) it moved. It returns io.EOF, possibly together with a
// final count, once the task is exhausted; any other error is a failure of the task.
// Close releases handles and may be called at any time, any number of times.
type Task interface {
	ID() ID
	ParentID() ID
	Source() string
	Target() string
	IsDirectory() bool
	Priority() Priority

	// Size is the total expected work. Non-payload tasks report at least 1.
	Size() int64

	// Scanning is true while a directory's children are still being enumerated.
	Scanning() bool
	MarkScanned()

	Transfer(ctx context.Context, bufferSize int) (int64, error)
	Close() error

	isTask()
}

// Params holds the fields common to every variant.
type Params struct {
	ParentID    ID
	Source      string
	Target      string
	IsDirectory bool
	Priority    Priority
	Size        int64
}

type core struct {
	id       ID
	parentID ID
	source   string
	target   string
	isDir    bool
	priority Priority
	size     int64
	scanning atomic.Bool
}

func (c *core) init(p Params) {
	c.id = NextID()
	c.parentID = p.ParentID
	c.source = p.Source
	c.target = p.Target
	c.isDir = p.IsDirectory
	c.priority = p.Priority
	c.size = p.Size
	c.scanning.Store(p.IsDirectory)
}

func (c *core) ID() ID             { return c.id }
func (c *core) IsDirectory() bool  { return c.isDir }
func (c *core) MarkScanned()       { c.scanning.Store(false) }
func (c *core) ParentID() ID       { return c.parentID }
func (c *core) Priority() Priority { return c.priority }
func (c *core) Scanning() bool     { return c.scanning.Load() }
func (c *core) Source() string     { return c.source }
func (c *core) Target() string     { return c.target }

func (c *core) isTask() {}

// unitSize is the size of tasks that move no payload.
func (c *core) unitSize() int64 {
	return max(c.size, 1)
}

// OwnSize is the work t adds to its own and its ancestors' totals. A copied directory
// adds nothing; its total is the sum of what is found beneath it. Deleting or chmodding
// a directory is a unit of work of its own.
func OwnSize(t Task) int64 {
	if _, ok := t.(*DirectoryTransfer); ok {
		return 0
	}

	return t.Size()
}

// KindOf reports the variant of t.
func KindOf(t Task) Kind {
	switch t.(type) {
	case *FileTransfer:
		return KindFile
	case *DirectoryTransfer:
		return KindDirectory
	case *DeleteTransfer:
		return KindDelete
	case *ChangePermissionTransfer:
		return KindChmod
	case *CommandTransfer:
		return KindCommand
	}

	panic(fmt.Sprintf("task: unknown variant %T", t))
}

// Describe renders t for logs and the queue view.
func Describe(t Task) string {
	switch v := t.(type) {
	case *FileTransfer:
		return fmt.Sprintf("copy %s -> %s", v.Source(), v.Target())
	case *DirectoryTransfer:
		return "mkdir " + v.Target()
	case *DeleteTransfer:
		return "delete " + v.Source()
	case *ChangePermissionTransfer:
		return fmt.Sprintf("chmod %#o %s", v.Mode(), v.Source())
	case *CommandTransfer:
		return "run " + v.Command()
	}

	return fmt.Sprintf("%T", t)
}
