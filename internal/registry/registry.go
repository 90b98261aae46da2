// Package registry holds the live task tree: every submitted task, its scheduling state,
// and the aggregate size and throughput figures shown to users.
//
// All mutations are serialized by one mutex. Claim, ChangeState and Remove are
// linearizable with respect to each other, which keeps the ancestor-validity and
// aggregation invariants intact while many workers run.
package registry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joe/transfer-queue/internal/clock"
	"github.com/joe/transfer-queue/internal/logging"
	"github.com/joe/transfer-queue/internal/task"
)

// Exported variables.
var (
	ErrChildFailed  = errors.New("a child task failed")
	ErrParentFailed = errors.New("parent task failed")
)

// State is the scheduling state of a node.
type State int

// States. Done and Failed are terminal.
const (
	Ready State = iota
	Processing
	Failed
	Done
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Processing:
		return "processing"
	case Failed:
		return "failed"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// canTransition lists the only legal moves.
func canTransition(from, to State) bool {
	switch from {
	case Ready:
		return to == Processing || to == Failed
	case Processing:
		return to == Done || to == Failed
	default:
		return false
	}
}

type node struct {
	task        task.Task
	state       State
	parent      *node
	children    []*node
	filesize    int64
	transferred int64
	window      window
	err         error
	started     time.Time
	finished    time.Time
}

func (n *node) settled() bool {
	if n.state != Done {
		return false
	}

	if !n.task.IsDirectory() {
		return true
	}

	return !n.task.Scanning() && len(n.children) == 0
}

func (n *node) detach(child *node) {
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock used for timestamps and throughput windows.
func WithClock(c clock.TimeProvider) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry maps task ids to nodes and mirrors the parent/child structure of the tasks.
type Registry struct {
	mu      sync.Mutex
	nodes   map[task.ID]*node
	roots   []*node
	changed chan struct{}

	clock  clock.TimeProvider
	logger *zap.Logger

	acct   accounting
	notify notifier
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		nodes:   make(map[task.ID]*node),
		changed: make(chan struct{}),
		clock:   clock.Real{},
	}

	for _, opt := range opts {
		opt(r)
	}

	r.logger = logging.Or(r.logger).Named("registry")
	r.notify.init()

	return r
}

// Insert admits t. It returns false when the id is already known, when the parent is
// missing or is not a directory, or when any ancestor has failed.
func (r *Registry) Insert(t task.Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[t.ID()]; exists {
		return false
	}

	var parent *node

	if pid := t.ParentID(); pid != 0 {
		parent = r.nodes[pid]
		if parent == nil || !parent.task.IsDirectory() {
			return false
		}

		for a := parent; a != nil; a = a.parent {
			if a.state == Failed {
				return false
			}
		}
	}

	n := &node{task: t, state: Ready, parent: parent}
	r.nodes[t.ID()] = n

	if parent != nil {
		parent.children = append(parent.children, n)
	} else {
		r.roots = append(r.roots, n)
	}

	// Copied directories only aggregate what is found beneath them
	if own := task.OwnSize(t); own > 0 {
		computeFilesize(n, own, r.clock.Now(), FieldFilesize)
	}

	r.emitLocked(n)
	r.broadcastLocked()

	return true
}

// ChangeState moves a node to state to. Only Ready→Processing, Ready→Failed,
// Processing→Done and Processing→Failed succeed. err is recorded for Failed.
//
// A directory that fails takes its Ready descendants with it. A node that becomes Done
// is pruned once it is settled.
func (r *Registry) ChangeState(id task.ID, to State, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.nodes[id]
	if n == nil || !canTransition(n.state, to) {
		return false
	}

	now := r.clock.Now()

	if to == Done {
		r.flushLocked(now)
	}

	r.setStateLocked(n, to, err, now)

	switch to {
	case Failed:
		r.failDescendantsLocked(n, now)
	case Done:
		r.pruneLocked(n)
	case Ready, Processing:
	}

	r.broadcastLocked()

	return true
}

// FailReady fails id with cause err, but only while it is still Ready. A node that a
// worker has already claimed is left alone. Ready descendants fail with it.
func (r *Registry) FailReady(id task.ID, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.nodes[id]
	if n == nil || n.state != Ready {
		return false
	}

	now := r.clock.Now()
	r.setStateLocked(n, Failed, err, now)
	r.failDescendantsLocked(n, now)
	r.broadcastLocked()

	return true
}

// Scanned records that all children of the directory id have been inserted.
func (r *Registry) Scanned(id task.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.nodes[id]
	if n == nil {
		return false
	}

	n.task.MarkScanned()
	r.pruneLocked(n)
	r.broadcastLocked()

	return true
}

// Remove cancels id and its whole subtree. Nodes that had not finished become Failed with
// task.ErrCancelled; the untransferred remainder of id is subtracted from every ancestor.
// Removing an unknown id returns false and changes nothing.
func (r *Registry) Remove(id task.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.nodes[id]
	if n == nil {
		return false
	}

	now := r.clock.Now()
	r.flushLocked(now)

	stack := []*node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = append(stack, cur.children...)

		if !cur.state.Terminal() {
			r.setStateLocked(cur, Failed, task.ErrCancelled, now)
		}

		delete(r.nodes, cur.task.ID())
		r.notify.push(Change{Task: cur.task, State: cur.state, Err: cur.err, Removed: true})
	}

	if remainder := n.filesize - n.transferred; remainder > 0 {
		for a := n.parent; a != nil; a = a.parent {
			a.filesize -= remainder
		}
	}

	parent := n.parent
	r.unlinkLocked(n)

	if parent != nil {
		r.pruneLocked(parent)
	}

	r.logger.Debug("removed subtree", zap.Int64("task_id", int64(id)), zap.String("kind", string(task.KindOf(n.task))))
	r.broadcastLocked()

	return true
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id task.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.nodes[id]

	return ok
}

// Active reports whether id is registered and Processing. Workers check it before every
// transfer step.
func (r *Registry) Active(id task.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.nodes[id]

	return n != nil && n.state == Processing
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.nodes)
}

// Pending counts nodes that are Ready or Processing.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0

	for _, n := range r.nodes {
		if !n.state.Terminal() {
			count++
		}
	}

	return count
}

// Changed returns a channel that is closed on the next mutation.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.changed
}

func (r *Registry) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Registry) emitLocked(n *node) {
	r.notify.push(Change{Task: n.task, State: n.state, Err: n.err})
}

func (r *Registry) setStateLocked(n *node, to State, err error, now time.Time) {
	n.state = to

	switch to {
	case Processing:
		n.started = now
	case Done, Failed:
		n.finished = now
		n.err = err
	case Ready:
	}

	r.emitLocked(n)
}

// failDescendantsLocked fails every Ready node below n without running it.
func (r *Registry) failDescendantsLocked(n *node, now time.Time) {
	stack := append([]*node(nil), n.children...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur.state == Ready {
			r.setStateLocked(cur, Failed, ErrParentFailed, now)
			r.logger.Debug("failed with parent", zap.Int64("task_id", int64(cur.task.ID())))
		}

		stack = append(stack, cur.children...)
	}
}

// pruneLocked forgets n if it is settled, then repeats for its parent.
func (r *Registry) pruneLocked(n *node) {
	for n != nil && n.settled() {
		parent := n.parent

		delete(r.nodes, n.task.ID())
		r.unlinkLocked(n)
		r.notify.push(Change{Task: n.task, State: Done, Removed: true})

		n = parent
	}
}

func (r *Registry) unlinkLocked(n *node) {
	if n.parent != nil {
		n.parent.detach(n)
		return
	}

	for i, root := range r.roots {
		if root == n {
			r.roots = append(r.roots[:i], r.roots[i+1:]...)
			return
		}
	}
}
