// Package scheduler runs the tasks held by a registry with a bounded set of long-lived
// workers, plus one worker reserved for high priority work.
package scheduler

import (
	"context"
	"errors"
	"io"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joe/transfer-queue/internal/clock"
	"github.com/joe/transfer-queue/internal/logging"
	"github.com/joe/transfer-queue/internal/metrics"
	"github.com/joe/transfer-queue/internal/registry"
	"github.com/joe/transfer-queue/internal/task"
	pkgerrors "github.com/joe/transfer-queue/pkg/errors"
	"github.com/joe/transfer-queue/pkg/filesystem"
)

// Exported constants.
const (
	// DefaultBufferSize is the chunk size handed to Task.Transfer.
	DefaultBufferSize = 32 * 1024
	// FlushInterval is how often queued byte deltas are folded into the tree.
	FlushInterval = 500 * time.Millisecond
	// IdleTimeout bounds how long an idle worker waits for a registry change.
	IdleTimeout = time.Second
	// MaxDefaultWorkers caps the default size of the normal pool.
	MaxDefaultWorkers = 6
)

// DefaultWorkers is min(max(NumCPU, 1), MaxDefaultWorkers).
func DefaultWorkers() int {
	return min(max(runtime.NumCPU(), 1), MaxDefaultWorkers)
}

// Config configures a Scheduler. Zero values select defaults.
type Config struct {
	// Workers is the size of the normal pool.
	Workers    int
	BufferSize int
	// Disposed reports that the owning session is gone. Workers stop their task when it
	// returns true.
	Disposed func() bool
	Clock    clock.TimeProvider
	Logger   *zap.Logger
}

// Scheduler claims nodes from a registry and executes them.
type Scheduler struct {
	reg      *registry.Registry
	workers  int
	buffer   int
	disposed func() bool
	clock    clock.TimeProvider
	logger   *zap.Logger
	enricher pkgerrors.Enricher
}

// New creates a scheduler for reg.
func New(reg *registry.Registry, cfg Config) *Scheduler {
	s := &Scheduler{
		reg:      reg,
		workers:  cfg.Workers,
		buffer:   cfg.BufferSize,
		disposed: cfg.Disposed,
		clock:    cfg.Clock,
		logger:   logging.Or(cfg.Logger).Named("scheduler"),
		enricher: pkgerrors.NewEnricher(),
	}

	if s.workers <= 0 {
		s.workers = DefaultWorkers()
	}

	if s.buffer <= 0 {
		s.buffer = DefaultBufferSize
	}

	if s.disposed == nil {
		s.disposed = func() bool { return false }
	}

	if s.clock == nil {
		s.clock = clock.Real{}
	}

	return s
}

// Workers returns the size of the normal pool.
func (s *Scheduler) Workers() int {
	return s.workers
}

// Attach sizes the connection pool of fsys, if it has one, so every worker can hold a
// connection at the same time.
func (s *Scheduler) Attach(fsys filesystem.FileSystem) {
	pool, ok := fsys.(filesystem.ResizablePool)
	if !ok {
		return
	}

	pool.ResizePool(s.workers + 1)
	s.logger.Debug("resized connection pool",
		zap.Int("target", pool.PoolTargetSize()),
		zap.Int("size", pool.PoolSize()))
}

// Run starts the workers and the flush loop and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range s.workers {
		g.Go(func() error {
			return s.work(ctx, registry.LaneNormal, i)
		})
	}

	g.Go(func() error {
		return s.work(ctx, registry.LaneHigh, 0)
	})

	g.Go(func() error {
		return s.flushLoop(ctx)
	})

	s.logger.Debug("scheduler started", zap.Int("workers", s.workers))

	return g.Wait() //nolint:wrapcheck // Workers only return nil
}

func (s *Scheduler) flushLoop(ctx context.Context) error {
	ticker := s.clock.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C():
			s.reg.Flush(now)
			metrics.SetRegistrySize(s.reg.Len())
		}
	}
}

func (s *Scheduler) work(ctx context.Context, lane registry.Lane, index int) error {
	log := s.logger.With(zap.Stringer("lane", lane), zap.Int("worker", index))
	log.Debug("worker started")

	defer log.Debug("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		t, wake := s.reg.Claim(lane)
		if t == nil {
			timer := time.NewTimer(IdleTimeout)

			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-wake:
			case <-timer.C:
			}

			timer.Stop()

			continue
		}

		s.execute(ctx, lane, t)
	}
}

// execute drives t until it is exhausted, fails or is cancelled. The task's handles are
// released on every path.
func (s *Scheduler) execute(ctx context.Context, lane registry.Lane, t task.Task) {
	metrics.WorkerBusy(lane.String(), 1)
	defer metrics.WorkerBusy(lane.String(), -1)

	id := t.ID()
	kind := task.KindOf(t)
	log := s.logger.With(
		zap.Int64("task_id", int64(id)),
		zap.String("kind", string(kind)),
		zap.String("path", t.Source()),
	)

	log.Debug("task started", zap.Stringer("lane", lane))

	for {
		if !s.reg.Active(id) {
			_ = t.Close()
			s.cancelled(log, kind, "removed")

			return
		}

		if s.disposed() {
			_ = t.Close()
			s.reg.ChangeState(id, registry.Failed, task.ErrCancelled)
			s.cancelled(log, kind, "session disposed")

			return
		}

		n, err := t.Transfer(ctx, s.buffer)
		if n > 0 {
			s.reg.Record(id, n)

			if kind == task.KindFile {
				metrics.RecordBytes(n)
			}
		}

		if errors.Is(err, io.EOF) {
			_ = t.Close()

			if s.reg.ChangeState(id, registry.Done, nil) {
				metrics.RecordTask(string(kind), metrics.OutcomeDone)
				log.Debug("task done")
			} else {
				s.cancelled(log, kind, "removed")
			}

			return
		}

		if err != nil {
			_ = t.Close()
			s.fail(ctx, log, t, kind, err)

			return
		}
	}
}

func (s *Scheduler) fail(ctx context.Context, log *zap.Logger, t task.Task, kind task.Kind, err error) {
	if ctx.Err() != nil || errors.Is(err, task.ErrCancelled) {
		s.reg.ChangeState(t.ID(), registry.Failed, task.ErrCancelled)
		s.cancelled(log, kind, "shutdown")

		return
	}

	enriched := s.enricher.Enrich(err, t.Source())
	if !s.reg.ChangeState(t.ID(), registry.Failed, enriched) {
		s.cancelled(log, kind, "removed")
		return
	}

	metrics.RecordTask(string(kind), metrics.OutcomeFailed)
	log.Warn("task failed", zap.Error(err))
}

// cancelled is the benign end of a task: it is logged at debug level only.
func (s *Scheduler) cancelled(log *zap.Logger, kind task.Kind, reason string) {
	metrics.RecordTask(string(kind), metrics.OutcomeCancelled)
	log.Debug("task cancelled", zap.String("reason", reason))
}
