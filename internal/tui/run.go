package tui

import (
	"context"
	"errors"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/joe/transfer-queue/internal/engine"
	"github.com/joe/transfer-queue/internal/logging"
	"github.com/joe/transfer-queue/internal/registry"
)

// ErrInterrupted is returned when the user quits the view before the work finished.
var ErrInterrupted = errors.New("interrupted")

// ProgressLogInterval is how often progress is logged without a terminal.
const ProgressLogInterval = 2 * time.Second

// Engine is what Run needs from the engine.
type Engine interface {
	Queue
	Wait(ctx context.Context) error
	OnStateChange(emitter engine.EventEmitter) (unsubscribe func())
}

// Options configures Run.
type Options struct {
	// NoTUI forces progress logging even on a terminal.
	NoTUI  bool
	Logger *zap.Logger
}

// Run shows the queue until all work has finished, the user quits, or ctx is done.
func Run(ctx context.Context, eng Engine, opts Options) error {
	logger := logging.Or(opts.Logger).Named("progress")

	if opts.NoTUI || !term.IsTerminal(int(os.Stdout.Fd())) {
		return LogProgress(ctx, eng, logger, ProgressLogInterval)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bridge := NewEventBridge()
	defer bridge.Close()

	unsubscribe := eng.OnStateChange(bridge)
	defer unsubscribe()

	model := NewModel(eng, bridge)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		if eng.Wait(ctx) == nil {
			program.Send(DoneMsg{})
		}
	}()

	_, err := program.Run()

	switch {
	case errors.Is(err, tea.ErrProgramKilled):
		return ctx.Err()
	case err != nil:
		return err //nolint:wrapcheck // Terminal errors are reported as they are
	case model.Quitting():
		return ErrInterrupted
	}

	return nil
}

// ProgressSource is what LogProgress reads.
type ProgressSource interface {
	Snapshot() []registry.NodeInfo
	Wait(ctx context.Context) error
}

// LogProgress logs a summary of q every interval until q has no work left.
func LogProgress(ctx context.Context, q ProgressSource, logger *zap.Logger, interval time.Duration) error {
	waitErr := make(chan error, 1)

	go func() {
		waitErr <- q.Wait(ctx)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-waitErr:
			logSummary(logger, "work finished", q.Snapshot())
			return err
		case <-ticker.C:
			logSummary(logger, "progress", q.Snapshot())
		}
	}
}

func logSummary(logger *zap.Logger, msg string, nodes []registry.NodeInfo) {
	var (
		total, transferred int64
		speed              float64
		running, failed    int
	)

	for _, n := range nodes {
		switch n.State {
		case registry.Processing:
			running++
		case registry.Failed:
			failed++
		case registry.Ready, registry.Done:
		}

		if n.Depth == 0 {
			total += n.Filesize
			transferred += n.Transferred
			speed += n.Speed
		}
	}

	logger.Info(msg,
		zap.Int("queued", len(nodes)),
		zap.Int("running", running),
		zap.Int("failed", failed),
		zap.String("transferred", FormatBytes(transferred)),
		zap.String("total", FormatBytes(total)),
		zap.String("rate", FormatRate(speed)))
}
