// Package engine ties the registry, the scheduler and the tree builder together behind
// the operations a front end needs: submit work, watch it, cancel it and wait for it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/joe/transfer-queue/internal/builder"
	"github.com/joe/transfer-queue/internal/clock"
	"github.com/joe/transfer-queue/internal/logging"
	"github.com/joe/transfer-queue/internal/metrics"
	"github.com/joe/transfer-queue/internal/registry"
	"github.com/joe/transfer-queue/internal/scheduler"
	"github.com/joe/transfer-queue/internal/task"
	"github.com/joe/transfer-queue/pkg/filesystem"
)

// Exported variables.
var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNotAFile       = errors.New("not a regular file")
	ErrRejected       = errors.New("task rejected by the registry")
)

// waitPoll bounds how long Wait sleeps between checks when the tree is quiet.
const waitPoll = time.Second

// Options configures an Engine. Zero values select defaults.
type Options struct {
	// Workers is the size of the normal pool; 0 means scheduler.DefaultWorkers().
	Workers    int
	BufferSize int
	// Disposed reports that the owning session has gone away. Running tasks are stopped
	// and marked cancelled once it returns true.
	Disposed func() bool
	// Limiter, if set, throttles every file copied by SubmitHighPriority. Submissions
	// carry their own limiter in the request.
	Limiter *rate.Limiter
	Clock   clock.TimeProvider
	Logger  *zap.Logger
}

// Engine is the transfer queue.
type Engine struct {
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	builder *builder.Builder
	limiter *rate.Limiter
	logger  *zap.Logger

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	handles  map[string]*Handle
	emitters map[int]EventEmitter
	nextSub  int
	builds   sync.WaitGroup
}

// New creates an engine. Nothing runs until Start.
func New(opts Options) *Engine {
	logger := logging.Or(opts.Logger)

	var regOpts []registry.Option
	if opts.Clock != nil {
		regOpts = append(regOpts, registry.WithClock(opts.Clock))
	}

	regOpts = append(regOpts, registry.WithLogger(logger))
	reg := registry.New(regOpts...)

	return &Engine{
		reg: reg,
		sched: scheduler.New(reg, scheduler.Config{
			Workers:    opts.Workers,
			BufferSize: opts.BufferSize,
			Disposed:   opts.Disposed,
			Clock:      opts.Clock,
			Logger:     logger,
		}),
		builder:  builder.New(reg, logger),
		limiter:  opts.Limiter,
		logger:   logger.Named("engine"),
		handles:  make(map[string]*Handle),
		emitters: make(map[int]EventEmitter),
	}
}

// Start launches the notification dispatcher and the workers. They stop when ctx is done
// or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.reg.Run(ctx) })
	g.Go(func() error { return e.sched.Run(ctx) })

	e.started = true
	e.cancel = cancel
	e.group = g

	e.logger.Info("engine started", zap.Int("workers", e.sched.Workers()))

	return nil
}

// Close cancels in-flight submissions, stops the workers and waits for them. Running
// tasks end as cancelled. Close is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel, g := e.cancel, e.group
	e.cancel, e.group = nil, nil

	for _, h := range e.handles {
		h.cancel()
	}
	e.mu.Unlock()

	e.builds.Wait()

	if cancel == nil {
		return nil
	}

	cancel()

	err := g.Wait()
	e.logger.Info("engine stopped")

	return err //nolint:wrapcheck // Errors come from our own goroutines
}

// Registry exposes the underlying tree for read-only views.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// Workers returns the size of the normal pool.
func (e *Engine) Workers() int {
	return e.sched.Workers()
}

// Submit expands req in the background and returns at once. Each inserted node is
// scheduled as soon as its parent allows it, so execution overlaps the expansion.
func (e *Engine) Submit(ctx context.Context, req builder.Request) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := newHandle(cancel)

	e.mu.Lock()
	e.handles[h.id] = h
	e.builds.Add(1)
	e.mu.Unlock()

	e.attach(req.Source)
	e.attach(req.Target)

	log := e.logger.With(zap.String("handle", h.id), zap.Stringer("mode", req.Mode), zap.Int("selections", len(req.Selections)))
	log.Debug("submission started")

	go func() {
		defer e.builds.Done()
		defer cancel()

		err := e.builder.Build(ctx, req, h.observer())
		h.finish(err)

		e.mu.Lock()
		delete(e.handles, h.id)
		e.mu.Unlock()

		if err != nil {
			log.Warn("submission aborted", zap.Error(err))
		} else {
			log.Debug("submission finished", zap.Int("inserted", len(h.Inserted())), zap.Int("rejected", h.Rejected()))
		}

		e.emit(SubmissionFinished{
			Handle:   h.id,
			Inserted: len(h.Inserted()),
			Rejected: h.Rejected(),
			Errors:   h.Errors(),
		})
	}()

	return h
}

// SubmitHighPriority queues a single root-level copy of src to dst that only the
// reserved worker and idle normal workers may run.
func (e *Engine) SubmitHighPriority(srcFS filesystem.FileSystem, src string, dstFS filesystem.FileSystem, dst string) (task.ID, error) {
	info, err := srcFS.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", src, err)
	}

	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s: %w", src, ErrNotAFile)
	}

	var opts []task.FileOption
	if e.limiter != nil {
		opts = append(opts, task.WithLimiter(e.limiter))
	}

	t := task.NewFileTransfer(task.Params{
		Source:   src,
		Target:   dst,
		Size:     info.Size(),
		Priority: task.High,
	}, srcFS, dstFS, opts...)

	e.attach(srcFS)
	e.attach(dstFS)

	if !e.reg.Insert(t) {
		metrics.RecordRejectedInsert()
		return 0, fmt.Errorf("%s: %w", src, ErrRejected)
	}

	e.logger.Debug("high priority task queued", zap.Int64("task_id", int64(t.ID())), zap.String("path", src))

	return t.ID(), nil
}

// OnStateChange registers emitter for TaskStateChanged, TaskRemoved and
// SubmissionFinished events. Task events arrive in the order the registry applied them,
// from a single goroutine.
func (e *Engine) OnStateChange(emitter EventEmitter) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.emitters[id] = emitter
	e.mu.Unlock()

	stop := e.reg.Subscribe(func(c registry.Change) {
		emitter.Emit(eventFor(c))
	})

	var once sync.Once

	return func() {
		once.Do(func() {
			stop()

			e.mu.Lock()
			delete(e.emitters, id)
			e.mu.Unlock()
		})
	}
}

// Cancel removes id and its subtree. Running tasks stop before their next chunk.
// Cancelling an unknown or already removed id returns false.
func (e *Engine) Cancel(id task.ID) bool {
	if !e.reg.Remove(id) {
		return false
	}

	e.logger.Debug("task cancelled by request", zap.Int64("task_id", int64(id)))

	return true
}

// Get returns a snapshot of one node.
func (e *Engine) Get(id task.ID) (registry.NodeInfo, bool) {
	return e.reg.Get(id)
}

// Snapshot returns every node in depth-first order.
func (e *Engine) Snapshot() []registry.NodeInfo {
	return e.reg.Snapshot()
}

// Failed returns the failed nodes still in the tree.
func (e *Engine) Failed() []registry.NodeInfo {
	var failed []registry.NodeInfo

	for _, info := range e.reg.Snapshot() {
		if info.State == registry.Failed {
			failed = append(failed, info)
		}
	}

	return failed
}

// Wait blocks until every submission has finished expanding and no node is Ready or
// Processing.
func (e *Engine) Wait(ctx context.Context) error {
	for _, h := range e.pendingHandles() {
		select {
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck // Callers compare against context errors
		case <-h.Done():
		}
	}

	for {
		changed := e.reg.Changed()
		if e.reg.Pending() == 0 && len(e.pendingHandles()) == 0 {
			return nil
		}

		timer := time.NewTimer(waitPoll)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err() //nolint:wrapcheck // Callers compare against context errors
		case <-changed:
		case <-timer.C:
		}

		timer.Stop()
	}
}

func (e *Engine) pendingHandles() []*Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	handles := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}

	return handles
}

func (e *Engine) attach(fsys filesystem.FileSystem) {
	if fsys != nil {
		e.sched.Attach(fsys)
	}
}

func (e *Engine) emit(event Event) {
	e.mu.Lock()
	emitters := make([]EventEmitter, 0, len(e.emitters))

	for _, em := range e.emitters {
		emitters = append(emitters, em)
	}
	e.mu.Unlock()

	for _, em := range emitters {
		em.Emit(event)
	}
}

// Handle follows one submission.
type Handle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	result builder.Result
	err    error
}

func newHandle(cancel context.CancelFunc) *Handle {
	return &Handle{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID is the submission's unique identifier.
func (h *Handle) ID() string { return h.id }

// Done is closed when the submission has inserted everything it will insert.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until Done and returns the error that aborted the expansion, if any.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // Callers compare against context errors
	case <-h.done:
		return h.err
	}
}

// Inserted returns the ids of the inserted tasks in insertion order.
func (h *Handle) Inserted() []task.ID { return h.result.IDs() }

// Rejected returns the number of tasks the registry refused.
func (h *Handle) Rejected() int { return h.result.RejectedCount() }

// Errors returns per-path failures met while expanding.
func (h *Handle) Errors() []error { return h.result.Errors() }

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

func (h *Handle) observer() builder.Observer {
	return handleObserver{h}
}

type handleObserver struct {
	h *Handle
}

func (o handleObserver) Inserted(t task.Task) { o.h.result.Inserted(t) }
func (o handleObserver) Failed(err error)     { o.h.result.Failed(err) }

func (o handleObserver) Rejected(t task.Task) {
	metrics.RecordRejectedInsert()
	o.h.result.Rejected(t)
}
