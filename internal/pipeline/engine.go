package pipeline

import (
	"context"
	"io"
	"time"
)

// BuildRequest asks an engine to build one step image
type BuildRequest struct {
	Tag        string
	Dockerfile string
	Source     *SourceTree // Nil when the step takes no build context
	Platform   string

	RunID    string
	Stage    StageName
	CacheKey string
	Linkage  string
	Revision string
}

// Engine executes steps. The Docker implementation lives in internal/docker.
type Engine interface {
	// ImageExists reports whether ref is present locally
	ImageExists(ctx context.Context, ref string) (bool, error)

	// BuildImage builds and tags one step image
	BuildImage(ctx context.Context, req BuildRequest) error

	// ExportFile copies the regular file at path inside image ref to w
	ExportFile(ctx context.Context, ref, path string, w io.Writer) error

	// TagImage adds target as a tag of source
	TagImage(ctx context.Context, source, target string) error
}

// Observer is notified around every step
type Observer interface {
	StepStarted(step *Step)
	StepFinished(step *Step, cached bool, elapsed time.Duration, err error)
}

// Observers fans notifications out to several observers
type Observers []Observer

func (o Observers) StepStarted(step *Step) {
	for _, obs := range o {
		obs.StepStarted(step)
	}
}

func (o Observers) StepFinished(step *Step, cached bool, elapsed time.Duration, err error) {
	for _, obs := range o {
		obs.StepFinished(step, cached, elapsed, err)
	}
}
