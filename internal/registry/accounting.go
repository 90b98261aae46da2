package registry

import (
	"slices"
	"sync"
	"time"

	"github.com/joe/transfer-queue/internal/task"
)

// speedWindow is the span of the rolling throughput window.
const speedWindow = time.Second

// Field selects the aggregates a delta is applied to.
type Field uint8

// Fields.
const (
	FieldFilesize Field = 1 << iota
	FieldTransferred
	FieldCounter
)

type byteEvent struct {
	id    task.ID
	delta int64
	at    time.Time
}

// accounting queues byte deltas so workers never contend on the tree lock per chunk.
type accounting struct {
	mu      sync.Mutex
	pending []byteEvent
}

// Record queues delta transferred bytes for id. The delta reaches the node and its
// ancestors on the next flush.
func (r *Registry) Record(id task.ID, delta int64) {
	if delta == 0 {
		return
	}

	r.acct.mu.Lock()
	defer r.acct.mu.Unlock()

	// Stamped under the queue lock so no event predates a flush that already drained
	r.acct.pending = append(r.acct.pending, byteEvent{id: id, delta: delta, at: r.clock.Now()})
}

// Flush applies every queued delta stamped at or before now, oldest first.
func (r *Registry) Flush(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flushLocked(now)
}

func (r *Registry) flushLocked(now time.Time) {
	r.acct.mu.Lock()

	var due []byteEvent

	kept := r.acct.pending[:0]
	for _, e := range r.acct.pending {
		if e.at.After(now) {
			kept = append(kept, e)
		} else {
			due = append(due, e)
		}
	}

	clear(r.acct.pending[len(kept):])
	r.acct.pending = kept
	r.acct.mu.Unlock()

	slices.SortStableFunc(due, func(a, b byteEvent) int {
		return a.at.Compare(b.at)
	})

	for _, e := range due {
		// Cancelled nodes are gone; their late bytes no longer count
		if n := r.nodes[e.id]; n != nil {
			computeFilesize(n, e.delta, e.at, FieldTransferred|FieldCounter)
		}
	}
}

// computeFilesize applies delta to the selected fields of n and every ancestor.
func computeFilesize(n *node, delta int64, at time.Time, fields Field) {
	for cur := n; cur != nil; cur = cur.parent {
		if fields&FieldFilesize != 0 {
			cur.filesize += delta
		}

		if fields&FieldTransferred != 0 {
			cur.transferred += delta
		}

		if fields&FieldCounter != 0 {
			cur.window.add(at, delta)
		}
	}
}

type sample struct {
	at    time.Time
	bytes int64
}

// window keeps the byte samples of the last second.
type window struct {
	samples []sample
}

// add keeps samples ordered by time; trim relies on it.
func (w *window) add(at time.Time, n int64) {
	i := len(w.samples)
	for i > 0 && w.samples[i-1].at.After(at) {
		i--
	}

	w.samples = slices.Insert(w.samples, i, sample{at: at, bytes: n})
	w.trim(w.samples[len(w.samples)-1].at)
}

// lastSecondBytes sums the samples taken at or after now-1s.
func (w *window) lastSecondBytes(now time.Time) int64 {
	w.trim(now)

	var total int64
	for _, s := range w.samples {
		if !s.at.After(now) {
			total += s.bytes
		}
	}

	return total
}

func (w *window) trim(now time.Time) {
	cutoff := now.Add(-speedWindow)

	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}

	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}
