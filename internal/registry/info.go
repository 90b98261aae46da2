package registry

import (
	"time"

	"github.com/joe/transfer-queue/internal/task"
)

// NodeInfo is a point-in-time copy of a node for readers outside the registry.
type NodeInfo struct {
	ID          task.ID
	ParentID    task.ID
	Task        task.Task
	Kind        task.Kind
	State       State
	Err         error
	Filesize    int64
	Transferred int64
	// Speed is in bytes per second over the last second.
	Speed    float64
	Depth    int
	Scanning bool
	Children int
	Started  time.Time
	Finished time.Time
}

// ETA estimates the time left. ok is false while nothing is moving.
func (i NodeInfo) ETA() (eta time.Duration, ok bool) {
	if i.Speed <= 0 {
		return 0, false
	}

	remaining := max(i.Filesize-i.Transferred, 0)

	return time.Duration(float64(remaining) / i.Speed * float64(time.Second)), true
}

// Progress is the completed fraction in [0, 1].
func (i NodeInfo) Progress() float64 {
	if i.Filesize <= 0 {
		if i.State == Done {
			return 1
		}

		return 0
	}

	return min(float64(i.Transferred)/float64(i.Filesize), 1)
}

// Get returns a snapshot of id with all due byte deltas applied.
func (r *Registry) Get(id task.ID) (NodeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.nodes[id]
	if n == nil {
		return NodeInfo{}, false
	}

	now := r.clock.Now()
	r.flushLocked(now)

	depth := 0
	for a := n.parent; a != nil; a = a.parent {
		depth++
	}

	return infoOf(n, depth, now), true
}

// Snapshot returns every node in depth-first order.
func (r *Registry) Snapshot() []NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.flushLocked(now)

	return r.collectLocked(r.roots, 0, now)
}

// Roots returns the ids of top-level nodes in insertion order.
func (r *Registry) Roots() []task.ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]task.ID, 0, len(r.roots))
	for _, n := range r.roots {
		ids = append(ids, n.task.ID())
	}

	return ids
}

// ForEachDescendant calls fn for every node below id, depth-first. fn runs after the
// registry is unlocked and may call back into it.
func (r *Registry) ForEachDescendant(id task.ID, fn func(NodeInfo)) bool {
	r.mu.Lock()

	n := r.nodes[id]
	if n == nil {
		r.mu.Unlock()
		return false
	}

	now := r.clock.Now()
	r.flushLocked(now)

	depth := 1
	for a := n.parent; a != nil; a = a.parent {
		depth++
	}

	infos := r.collectLocked(n.children, depth, now)
	r.mu.Unlock()

	for _, info := range infos {
		fn(info)
	}

	return true
}

type frame struct {
	n     *node
	depth int
}

func (r *Registry) collectLocked(start []*node, depth int, now time.Time) []NodeInfo {
	var infos []NodeInfo

	stack := make([]frame, 0, len(start))
	for i := len(start) - 1; i >= 0; i-- {
		stack = append(stack, frame{n: start[i], depth: depth})
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		infos = append(infos, infoOf(f.n, f.depth, now))

		for i := len(f.n.children) - 1; i >= 0; i-- {
			stack = append(stack, frame{n: f.n.children[i], depth: f.depth + 1})
		}
	}

	return infos
}

func infoOf(n *node, depth int, now time.Time) NodeInfo {
	return NodeInfo{
		ID:          n.task.ID(),
		ParentID:    n.task.ParentID(),
		Task:        n.task,
		Kind:        task.KindOf(n.task),
		State:       n.state,
		Err:         n.err,
		Filesize:    n.filesize,
		Transferred: n.transferred,
		Speed:       float64(n.window.lastSecondBytes(now)) / speedWindow.Seconds(),
		Depth:       depth,
		Scanning:    n.task.Scanning(),
		Children:    len(n.children),
		Started:     n.started,
		Finished:    n.finished,
	}
}
