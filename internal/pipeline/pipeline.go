// Package pipeline turns a build target into one executable through ordered,
// cache-keyed steps: base -> builder -> compile -> runner.
//
// The dependency manifest is verified before any step runs. Each step's key
// covers only what the step consumes, so a source change rebuilds compile and
// runner while the base and builder images are reused.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dyluth/berth/internal/config"
	"github.com/dyluth/berth/internal/manifest"
)

// Prepare verifies the manifests, scans the source tree and plans the steps.
// It performs no engine calls.
func Prepare(cfg config.BuildConfig, linkage Linkage) (*Plan, error) {
	lock, err := manifest.Verify(cfg.SourceRoot, cfg.Manifest, cfg.SourceManifest)
	if err != nil {
		return nil, err
	}

	source, err := ScanSource(cfg.SourceRoot, OutputDir(cfg))
	if err != nil {
		return nil, err
	}

	return NewPlan(cfg, linkage, lock, source)
}

// OutputDir resolves the configured output directory against the source root
func OutputDir(cfg config.BuildConfig) string {
	if filepath.IsAbs(cfg.OutputDir) {
		return cfg.OutputDir
	}
	return filepath.Join(cfg.SourceRoot, cfg.OutputDir)
}

// Execute runs every step of plan and publishes the artifact. Nothing is
// published unless every step succeeded.
func Execute(ctx context.Context, runner *Runner, plan *Plan, outputDir string) (*Record, error) {
	if runner.Engine == nil {
		return nil, fmt.Errorf("runner has no engine")
	}

	outcomes, err := runner.Run(ctx, plan)
	if err != nil {
		return nil, err
	}

	return Publish(ctx, runner.Engine, plan, outcomes, outputDir)
}
