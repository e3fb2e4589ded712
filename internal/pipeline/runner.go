package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dyluth/berth/internal/fault"
	"github.com/dyluth/berth/internal/logging"
)

// StepOutcome records how a step was satisfied
type StepOutcome struct {
	Name     StageName     `json:"name"`
	Key      string        `json:"key"`
	Tag      string        `json:"tag"`
	Cached   bool          `json:"cached"`
	Duration time.Duration `json:"duration_ns"`
}

// Runner executes a plan's steps strictly in order
type Runner struct {
	Engine   Engine
	Observer Observer
	Logger   *slog.Logger

	// NoCache rebuilds every step even when its tag exists
	NoCache bool
}

// Run builds every step, reusing images whose cache key is already tagged.
// The first failure aborts the run and is classified by the failing step.
func (r *Runner) Run(ctx context.Context, plan *Plan) ([]StepOutcome, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	outcomes := make([]StepOutcome, 0, len(plan.Steps))
	for i := range plan.Steps {
		step := &plan.Steps[i]

		if err := ctx.Err(); err != nil {
			return outcomes, fault.Stage(step.Failure, string(step.Name), fmt.Errorf("canceled before start: %w", err))
		}

		if r.Observer != nil {
			r.Observer.StepStarted(step)
		}

		t0 := time.Now()
		cached, err := r.runStep(ctx, plan, step)
		elapsed := time.Since(t0)

		if r.Observer != nil {
			r.Observer.StepFinished(step, cached, elapsed, err)
		}

		if err != nil {
			logger.Error("Build step failed", logging.Stage(string(step.Name)), logging.CacheKey(step.ShortKey()), logging.Error(err))
			return outcomes, err
		}

		logger.Info("Build step complete",
			logging.Stage(string(step.Name)),
			logging.CacheKey(step.ShortKey()),
			slog.Bool("cached", cached),
			logging.Duration(elapsed))

		outcomes = append(outcomes, StepOutcome{
			Name:     step.Name,
			Key:      step.Key,
			Tag:      step.Tag,
			Cached:   cached,
			Duration: elapsed,
		})
	}

	return outcomes, nil
}

func (r *Runner) runStep(ctx context.Context, plan *Plan, step *Step) (bool, error) {
	if !r.NoCache {
		exists, err := r.Engine.ImageExists(ctx, step.Tag)
		if err != nil {
			return false, fault.Stage(step.Failure, string(step.Name), fmt.Errorf("cache lookup for %s: %w", step.Tag, err))
		}
		if exists {
			return true, nil
		}
	}

	req := BuildRequest{
		Tag:        step.Tag,
		Dockerfile: step.Dockerfile(),
		Platform:   plan.Platform,
		RunID:      plan.RunID,
		Stage:      step.Name,
		CacheKey:   step.Key,
		Linkage:    plan.Linkage.Mode(),
		Revision:   plan.Revision,
	}
	if step.UsesSource {
		req.Source = plan.Source
	}

	if err := r.Engine.BuildImage(ctx, req); err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return false, err
		}
		return false, fault.Stage(step.Failure, string(step.Name), err)
	}

	return false, nil
}
