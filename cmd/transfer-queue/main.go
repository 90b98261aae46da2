// Package main is the entry point for the transfer-queue application.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/joe/transfer-queue/internal/builder"
	"github.com/joe/transfer-queue/internal/config"
	"github.com/joe/transfer-queue/internal/engine"
	"github.com/joe/transfer-queue/internal/logging"
	"github.com/joe/transfer-queue/internal/metrics"
	"github.com/joe/transfer-queue/internal/tui"
	pkgerrors "github.com/joe/transfer-queue/pkg/errors"
	"github.com/joe/transfer-queue/pkg/filesystem"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(cfg.LoggingConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	code := run(cfg)

	_ = logging.Sync()

	os.Exit(code)
}

func run(cfg *config.Config) int {
	logger := logging.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr, logger)
		defer shutdown()
	}

	limiter := cfg.Limiter()

	eng := engine.New(engine.Options{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		Limiter:    limiter,
		Logger:     logger,
	})

	// Connections are closed after the engine has stopped using them
	handles, closeAll, err := submit(ctx, cfg, eng, limiter)
	defer closeAll()

	if err != nil {
		_ = eng.Close()

		logger.Error("failed to open filesystems", zap.Error(err))

		return 1
	}

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", zap.Error(err))
		return 1
	}

	defer func() { _ = eng.Close() }()

	runErr := tui.Run(ctx, eng, tui.Options{NoTUI: cfg.NoTUI, Logger: logger})

	return report(logger, eng, handles, runErr)
}

// submit opens every path named on the command line and queues one request per source.
// The returned closer releases all connections; it is never nil.
func submit(
	ctx context.Context,
	cfg *config.Config,
	eng *engine.Engine,
	limiter *rate.Limiter,
) ([]*engine.Handle, func(), error) {
	var closers []func()

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	opts := cfg.FileSystemOptions()

	var (
		dstFS   filesystem.FileSystem
		dstPath string
	)

	if cfg.Mode == builder.ModeTransfer {
		fsys, p, closer, err := filesystem.CreateFileSystem(ctx, cfg.DestPath, opts)
		if err != nil {
			return nil, closeAll, fmt.Errorf("failed to open destination %s: %w", cfg.DestPath, err)
		}

		closers = append(closers, closer)
		dstFS, dstPath = fsys, p
	}

	handles := make([]*engine.Handle, 0, len(cfg.Sources))

	for _, src := range cfg.Sources {
		srcFS, srcPath, closer, err := filesystem.CreateFileSystem(ctx, src, opts)
		if err != nil {
			return handles, closeAll, fmt.Errorf("failed to open source %s: %w", src, err)
		}

		closers = append(closers, closer)

		handles = append(handles, eng.Submit(ctx, builder.Request{
			Mode:       cfg.Mode,
			Source:     srcFS,
			Target:     dstFS,
			Selections: []builder.Selection{{Path: srcPath}},
			TargetDir:  dstPath,
			Perm:       cfg.PermMode,
			Recursive:  cfg.Recursive,
			Priority:   cfg.Priority(),
			Exclude:    cfg.Exclude,
			Limiter:    limiter,
		}))
	}

	return handles, closeAll, nil
}

// report logs what went wrong and returns the process exit code.
func report(logger *zap.Logger, eng *engine.Engine, handles []*engine.Handle, runErr error) int {
	code := 0

	switch {
	case errors.Is(runErr, tui.ErrInterrupted), errors.Is(runErr, context.Canceled):
		logger.Info("stopped before all work finished")

		code = 1
	case runErr != nil:
		logger.Error("queue view failed", zap.Error(runErr))

		code = 1
	}

	for _, h := range handles {
		for _, err := range h.Errors() {
			logger.Error("could not expand selection", zap.String("handle", h.ID()), zap.Error(err))

			code = 1
		}
	}

	for _, info := range eng.Failed() {
		fields := []zap.Field{zap.String("path", info.Task.Source()), zap.Error(info.Err)}
		if hint := pkgerrors.FormatSuggestions(info.Err); hint != "" {
			fields = append(fields, zap.String("suggestions", hint))
		}

		logger.Error("task failed", fields...)

		code = 1
	}

	return code
}

func serveMetrics(addr string, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = server.Shutdown(ctx)
	}
}
