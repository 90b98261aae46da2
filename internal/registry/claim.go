package registry

import (
	"time"

	"go.uber.org/zap"

	"github.com/joe/transfer-queue/internal/task"
)

// Lane is a class of worker.
type Lane int

// Lanes.
const (
	// LaneNormal workers take Normal work first and High work when no Normal node is ready.
	LaneNormal Lane = iota
	// LaneHigh workers only take High work.
	LaneHigh
)

func (l Lane) String() string {
	if l == LaneHigh {
		return "high"
	}

	return "normal"
}

func (l Lane) priorities() []task.Priority {
	if l == LaneHigh {
		return []task.Priority{task.High}
	}

	return []task.Priority{task.Normal, task.High}
}

// Claim picks the next runnable node for lane and marks it Processing.
//
// When nothing is runnable it returns a nil task and a channel that is closed on the next
// mutation; the caller waits on it before trying again. Claim may fail nodes while
// searching: a Ready node under a failed parent, and a delete directory whose remaining
// children have all failed.
func (r *Registry) Claim(lane Lane) (task.Task, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	mutated := false

	for _, p := range lane.priorities() {
		for _, root := range append([]*node(nil), r.roots...) {
			n := r.candidateLocked(root, p, now, &mutated)
			if n == nil {
				continue
			}

			r.setStateLocked(n, Processing, nil, now)
			r.broadcastLocked()

			return n.task, nil
		}
	}

	if mutated {
		r.broadcastLocked()
	}

	return nil, r.changed
}

// candidateLocked searches the subtree of n depth-first. Copy-like tasks run top-down:
// a node is offered once its parent is Done. Deletes run bottom-up.
func (r *Registry) candidateLocked(n *node, p task.Priority, now time.Time, mutated *bool) *node {
	if _, ok := n.task.(*task.DeleteTransfer); ok {
		return r.deleteCandidateLocked(n, p, now, mutated)
	}

	switch n.state {
	case Ready:
		if n.parent != nil && n.parent.state == Failed {
			r.setStateLocked(n, Failed, ErrParentFailed, now)
			*mutated = true

			return nil
		}

		if n.task.Priority() == p && (n.parent == nil || n.parent.state == Done) {
			return n
		}
	case Done:
		for _, c := range n.children {
			if found := r.candidateLocked(c, p, now, mutated); found != nil {
				return found
			}
		}
	case Failed:
		for _, c := range n.children {
			if c.state == Ready {
				r.setStateLocked(c, Failed, ErrParentFailed, now)
				*mutated = true
			}
		}
	case Processing:
	}

	return nil
}

func (r *Registry) deleteCandidateLocked(n *node, p task.Priority, now time.Time, mutated *bool) *node {
	if n.state != Ready {
		return nil
	}

	allFailed := len(n.children) > 0

	for _, c := range n.children {
		if found := r.candidateLocked(c, p, now, mutated); found != nil {
			return found
		}

		if c.state != Failed {
			allFailed = false
		}
	}

	if n.task.Scanning() {
		return nil
	}

	if allFailed {
		r.setStateLocked(n, Failed, ErrChildFailed, now)
		r.logger.Debug("delete blocked by failed children", zap.Int64("task_id", int64(n.task.ID())))
		*mutated = true

		return nil
	}

	if len(n.children) == 0 && n.task.Priority() == p {
		return n
	}

	return nil
}
