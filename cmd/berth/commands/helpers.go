package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dyluth/berth/internal/config"
	"github.com/dyluth/berth/internal/fault"
	"github.com/dyluth/berth/internal/logging"
	"github.com/dyluth/berth/internal/metrics"
	"github.com/dyluth/berth/internal/printer"
	"github.com/dyluth/berth/internal/provision"
)

// loadConfig reads the configuration named by --config
func loadConfig() (*config.BerthConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, fault.ErrInvalidConfig) {
			return nil, printer.ErrorWithContext(
				"invalid configuration",
				err.Error(),
				map[string]string{"Config": configPath},
				[]string{"Fix the reported field and retry"},
			)
		}
		return nil, fmt.Errorf(`%s not found or unreadable

Create a default configuration first:
  berth init

Error details: %w`, configPath, err)
	}
	return cfg, nil
}

// selectFamilies returns the configured families named in names, or all of them
func selectFamilies(cfg *config.BerthConfig, names []string) ([]config.Family, error) {
	if len(names) == 0 {
		return cfg.Provision.Families, nil
	}

	byName := make(map[string]config.Family, len(cfg.Provision.Families))
	for _, f := range cfg.Provision.Families {
		byName[f.Name] = f
	}

	var selected []config.Family
	seen := make(map[string]bool)
	for _, name := range names {
		f, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown family '%s'", name)
		}
		if !seen[name] {
			seen[name] = true
			selected = append(selected, f)
		}
	}
	return selected, nil
}

// newLocker picks the Redis lock when an address is configured, else lock files
func newLocker(ctx context.Context, cfg config.LockConfig) (provision.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		return &provision.FileLocker{Dir: cfg.Dir}, func() {}, nil
	}

	locker, err := provision.NewRedisLocker(ctx, cfg.RedisAddr, cfg.TTL)
	if err != nil {
		return nil, nil, err
	}
	return locker, func() { locker.Close() }, nil
}

// newRecorder returns a metrics recorder when a textfile is configured
func newRecorder(cfg *config.BerthConfig) *metrics.PrometheusRecorder {
	if cfg.Metrics == nil || cfg.Metrics.Textfile == "" {
		return nil
	}
	return metrics.NewPrometheusRecorder()
}

// flushMetrics writes the textfile; failures are logged, never fatal
func flushMetrics(rec *metrics.PrometheusRecorder, cfg *config.BerthConfig) {
	if rec == nil {
		return
	}
	if err := rec.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		slog.Warn("Failed to write metrics", logging.Path(cfg.Metrics.Textfile), logging.Error(err))
	}
}

// absPath resolves a flag value against the working directory
func absPath(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return p, nil
	}
	return filepath.Abs(p)
}
