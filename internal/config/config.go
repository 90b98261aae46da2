// Package config handles application configuration and command-line argument parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/joe/transfer-queue/internal/builder"
	"github.com/joe/transfer-queue/internal/logging"
	"github.com/joe/transfer-queue/internal/task"
	"github.com/joe/transfer-queue/pkg/filesystem"
)

// Exported variables.
var (
	ErrNoSources   = errors.New("at least one source path is required")
	ErrNoDest      = errors.New("destination path is required for transfers")
	ErrNoPerm      = errors.New("--perm is required for chmod")
	ErrInvalidFlag = errors.New("invalid flag value")
)

const maxPerm = 0o7777

// Config holds the application configuration
type Config struct {
	Sources   []string     `arg:"positional" help:"Paths to operate on (local path, sftp://user@host/path, s3://bucket/prefix or mem:///path)"`
	DestPath  string       `arg:"-d,--dest" help:"Destination directory for transfers"`
	Mode      builder.Mode `arg:"-m,--mode" default:"transfer" help:"Operation: transfer|delete|chmod|remote-rm"`
	Perm      string       `arg:"--perm" help:"Octal mode applied by chmod, e.g. 755"`
	Recursive bool         `arg:"-r,--recursive" help:"Apply chmod to everything below the selected directories"`
	Exclude   []string     `arg:"-e,--exclude,separate" help:"Glob pattern to skip (repeatable, ** supported)"`
	High      bool         `arg:"--high" help:"Queue the work as high priority"`

	Workers        int   `arg:"-w,--workers" default:"0" help:"Number of normal workers (0 = min(cpus, 6))"`
	BufferSize     int   `arg:"--buffer-size" default:"32768" help:"Bytes copied per chunk"`
	BandwidthLimit int64 `arg:"--bwlimit" default:"0" help:"Bytes per second shared by all copies (0 = unlimited)"`

	LogLevel    string `arg:"--log-level" default:"info" help:"debug|info|warn|error"`
	LogFormat   string `arg:"--log-format" default:"console" help:"console|json"`
	LogFile     string `arg:"--log-file" help:"Write logs to this file instead of stderr"`
	MetricsAddr string `arg:"--metrics-addr" help:"Serve Prometheus metrics on this address, e.g. :9090"`
	NoTUI       bool   `arg:"--no-tui" help:"Log progress instead of showing the queue view"`

	S3Region       string `arg:"--s3-region,env:AWS_REGION" help:"S3 region"`
	S3Endpoint     string `arg:"--s3-endpoint" help:"S3-compatible endpoint URL"`
	S3PathStyle    bool   `arg:"--s3-path-style" help:"Use path-style S3 addressing"`
	S3AccessKey    string `arg:"--s3-access-key,env:AWS_ACCESS_KEY_ID" help:"S3 access key (default credential chain when empty)"`
	S3SecretKey    string `arg:"--s3-secret-key,env:AWS_SECRET_ACCESS_KEY" help:"S3 secret key"`
	StrictHostKeys bool   `arg:"--strict-host-keys" help:"Verify SFTP host keys against ~/.ssh/known_hosts"`
	PoolSize       int    `arg:"--sftp-pool" default:"4" help:"Initial SFTP connections per host"`
	PoolMax        int    `arg:"--sftp-pool-max" default:"16" help:"Maximum SFTP connections per host"`

	// PermMode is Perm parsed by PostProcessConfig.
	PermMode os.FileMode `arg:"-"`
}

// Description returns the program description for go-arg
func (Config) Description() string {
	return "A concurrent transfer queue for local, SFTP, S3 and in-memory paths"
}

// Version returns the version string for go-arg
func (Config) Version() string {
	return "transfer-queue 1.0.0"
}

// ParseFlags parses command-line flags and returns configuration
func ParseFlags() (*Config, error) {
	cfg := &Config{
		Mode:       builder.ModeTransfer,
		BufferSize: 32 * 1024, //nolint:mnd // Default chunk size
		LogLevel:   "info",
		LogFormat:  "console",
		PoolSize:   filesystem.DefaultPoolConfig().InitialSize,
		PoolMax:    filesystem.DefaultPoolConfig().MaxSize,
	}

	arg.MustParse(cfg)

	return PostProcessConfig(cfg)
}

// PostProcessConfig validates a parsed config and fills derived fields.
//
//nolint:cyclop // One check per flag
func PostProcessConfig(cfg *Config) (*Config, error) {
	if len(cfg.Sources) == 0 {
		return nil, ErrNoSources
	}

	if cfg.Mode == builder.ModeTransfer && cfg.DestPath == "" {
		return nil, ErrNoDest
	}

	if cfg.Mode == builder.ModeChangePermission {
		if cfg.Perm == "" {
			return nil, ErrNoPerm
		}

		perm, err := strconv.ParseUint(cfg.Perm, 8, 32)
		if err != nil || perm > maxPerm {
			return nil, fmt.Errorf("%w: --perm %q is not an octal mode", ErrInvalidFlag, cfg.Perm)
		}

		cfg.PermMode = os.FileMode(perm)
	}

	if cfg.Workers < 0 {
		return nil, fmt.Errorf("%w: --workers must be >= 0, got %d", ErrInvalidFlag, cfg.Workers)
	}

	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("%w: --buffer-size must be > 0, got %d", ErrInvalidFlag, cfg.BufferSize)
	}

	if cfg.BandwidthLimit < 0 {
		return nil, fmt.Errorf("%w: --bwlimit must be >= 0, got %d", ErrInvalidFlag, cfg.BandwidthLimit)
	}

	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("%w: --log-level: %w", ErrInvalidFlag, err)
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "console", "json":
	default:
		return nil, fmt.Errorf("%w: --log-format must be console or json, got %q", ErrInvalidFlag, cfg.LogFormat)
	}

	if err := cfg.PoolConfig().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlag, err)
	}

	if err := cfg.ValidatePaths(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidatePaths checks that every source, and the destination if set, parses as a path
// on a supported backend.
func (cfg *Config) ValidatePaths() error {
	for _, src := range cfg.Sources {
		if _, err := filesystem.ParsePath(src); err != nil {
			return fmt.Errorf("invalid source %s: %w", src, err)
		}
	}

	if cfg.DestPath != "" {
		if _, err := filesystem.ParsePath(cfg.DestPath); err != nil {
			return fmt.Errorf("invalid destination %s: %w", cfg.DestPath, err)
		}
	}

	return nil
}

// PoolConfig returns the SFTP pool sizing.
func (cfg *Config) PoolConfig() filesystem.PoolConfig {
	return filesystem.PoolConfig{
		InitialSize: cfg.PoolSize,
		MinSize:     1,
		MaxSize:     cfg.PoolMax,
	}
}

// FileSystemOptions returns the backend settings for filesystem.CreateFileSystem.
func (cfg *Config) FileSystemOptions() filesystem.Options {
	return filesystem.Options{
		Pool:           cfg.PoolConfig(),
		StrictHostKeys: cfg.StrictHostKeys,
		S3: filesystem.S3Options{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			UsePathStyle:    cfg.S3PathStyle,
		},
	}
}

// LoggingConfig returns the settings for logging.Init.
func (cfg *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      cfg.LogLevel,
		Format:     strings.ToLower(cfg.LogFormat),
		OutputPath: cfg.LogFile,
	}
}

// Priority returns the priority submitted work is queued with.
func (cfg *Config) Priority() task.Priority {
	if cfg.High {
		return task.High
	}

	return task.Normal
}

// Limiter returns the shared bandwidth limiter, or nil when unlimited. The burst is one
// second of traffic so a chunk never waits longer than that.
func (cfg *Config) Limiter() *rate.Limiter {
	if cfg.BandwidthLimit <= 0 {
		return nil
	}

	burst := int(min(cfg.BandwidthLimit, int64(1<<30))) //nolint:mnd // 1 GiB cap keeps burst in int range

	return rate.NewLimiter(rate.Limit(cfg.BandwidthLimit), burst)
}
