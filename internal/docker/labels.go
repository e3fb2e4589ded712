package docker

import (
	"github.com/dyluth/berth/internal/pipeline"
	"github.com/google/uuid"
)

// Label keys used for berth images
const (
	LabelProject  = "berth.project"
	LabelRunID    = "berth.run_id"
	LabelStage    = "berth.stage"
	LabelCacheKey = "berth.cache_key"
	LabelLinkage  = "berth.linkage"
	LabelRevision = "berth.revision"
)

// BuildLabels creates the label set for a step image.
// The revision label is omitted when the source tree is not under version control.
func BuildLabels(req pipeline.BuildRequest) map[string]string {
	labels := map[string]string{
		LabelProject:  "true",
		LabelRunID:    req.RunID,
		LabelStage:    string(req.Stage),
		LabelCacheKey: req.CacheKey,
		LabelLinkage:  req.Linkage,
	}

	if req.Revision != "" {
		labels[LabelRevision] = req.Revision
	}

	return labels
}

// GenerateRunID creates a new UUID for a build run.
// Each invocation of `berth build` gets a unique run ID.
func GenerateRunID() string {
	return uuid.New().String()
}
