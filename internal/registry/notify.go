package registry

import (
	"context"
	"sync"

	"github.com/joe/transfer-queue/internal/task"
)

// Change is one state change of a node, delivered to subscribers in the order the
// registry applied it. Removed is set when the node left the tree, by pruning or removal.
type Change struct {
	Task    task.Task
	State   State
	Err     error
	Removed bool
}

type notifier struct {
	mu     sync.Mutex
	queue  []Change
	signal chan struct{}
	subs   map[int]func(Change)
	nextID int
}

func (n *notifier) init() {
	n.signal = make(chan struct{}, 1)
	n.subs = make(map[int]func(Change))
}

func (n *notifier) push(c Change) {
	n.mu.Lock()
	n.queue = append(n.queue, c)
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) take() ([]Change, []func(Change)) {
	n.mu.Lock()
	defer n.mu.Unlock()

	batch := n.queue
	n.queue = nil

	subs := make([]func(Change), 0, len(n.subs))
	for id := range n.nextID {
		if fn, ok := n.subs[id]; ok {
			subs = append(subs, fn)
		}
	}

	return batch, subs
}

func (n *notifier) deliver() {
	batch, subs := n.take()
	for _, c := range batch {
		for _, fn := range subs {
			fn(c)
		}
	}
}

// Subscribe registers fn for every future change. Calls come from the goroutine running
// Run, never while the registry is locked.
func (r *Registry) Subscribe(fn func(Change)) (unsubscribe func()) {
	r.notify.mu.Lock()
	id := r.notify.nextID
	r.notify.nextID++
	r.notify.subs[id] = fn
	r.notify.mu.Unlock()

	return func() {
		r.notify.mu.Lock()
		delete(r.notify.subs, id)
		r.notify.mu.Unlock()
	}
}

// Run delivers changes to subscribers until ctx is done, then delivers what is left.
func (r *Registry) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.notify.deliver()
			return nil
		case <-r.notify.signal:
			r.notify.deliver()
		}
	}
}
