package engine

import (
	"github.com/joe/transfer-queue/internal/registry"
	"github.com/joe/transfer-queue/internal/task"
)

// Event is the interface implemented by all engine events.
type Event interface {
	isEvent()
}

// EventEmitter is the interface for emitting events.
type EventEmitter interface {
	Emit(event Event)
}

// EmitterFunc adapts a function to an EventEmitter.
type EmitterFunc func(Event)

// Emit calls f(event).
func (f EmitterFunc) Emit(event Event) { f(event) }

// TaskStateChanged is emitted when a node moves to a new state.
type TaskStateChanged struct {
	ID    task.ID
	Kind  task.Kind
	Path  string
	State registry.State
	// Err is set for Failed nodes.
	Err error
}

func (TaskStateChanged) isEvent() {}

// TaskRemoved is emitted when a node leaves the tree, either pruned after completion or
// removed by Cancel. State is the node's last state.
type TaskRemoved struct {
	ID    task.ID
	Kind  task.Kind
	Path  string
	State registry.State
}

func (TaskRemoved) isEvent() {}

// SubmissionFinished is emitted when a submission has inserted everything it will insert.
type SubmissionFinished struct {
	Handle   string
	Inserted int
	Rejected int
	Errors   []error
}

func (SubmissionFinished) isEvent() {}

func eventFor(c registry.Change) Event {
	kind := task.KindOf(c.Task)

	if c.Removed {
		return TaskRemoved{ID: c.Task.ID(), Kind: kind, Path: c.Task.Source(), State: c.State}
	}

	return TaskStateChanged{ID: c.Task.ID(), Kind: kind, Path: c.Task.Source(), State: c.State, Err: c.Err}
}
