package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dyluth/berth/internal/pipeline"
	"github.com/dyluth/berth/internal/provision"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder_Steps(t *testing.T) {
	pr := NewPrometheusRecorder()

	base := &pipeline.Step{Name: pipeline.StageBase}
	compile := &pipeline.Step{Name: pipeline.StageCompile}

	pr.StepFinished(base, true, 10*time.Millisecond, nil)
	pr.StepFinished(compile, false, 90*time.Second, nil)
	pr.StepFinished(compile, false, 5*time.Second, errors.New("exit 101"))

	assert.Equal(t, 1.0, testutil.ToFloat64(pr.stepResults.WithLabelValues("base", ResultCached)))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.stepResults.WithLabelValues("compile", ResultBuilt)))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.stepResults.WithLabelValues("compile", ResultFailed)))
	assert.Equal(t, 5.0, testutil.ToFloat64(pr.stepDuration.WithLabelValues("compile")))
}

func TestPrometheusRecorder_Families(t *testing.T) {
	pr := NewPrometheusRecorder()

	pr.FamilyFinished(provision.Result{Family: "bitcoin", Outcome: provision.OutcomeFailed, Incomplete: true, Duration: time.Second})
	pr.FamilyFinished(provision.Result{Family: "elements", Outcome: provision.OutcomeCreated, Incomplete: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(pr.familyIncomplete.WithLabelValues("bitcoin")))
	assert.Equal(t, 0.0, testutil.ToFloat64(pr.familyIncomplete.WithLabelValues("elements")), "a successful run completes the volume")
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.familyResults.WithLabelValues("elements", "created")))
}

func TestPrometheusRecorder_WriteTextfile(t *testing.T) {
	pr := NewPrometheusRecorder()
	pr.BuildPublished(&pipeline.Record{
		Linkage:    "static-musl",
		Artifact:   pipeline.Artifact{Size: 4096},
		FinishedAt: time.Unix(1700000000, 0),
	})

	path := filepath.Join(t.TempDir(), "berth.prom")
	require.NoError(t, pr.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `berth_artifact_size_bytes{linkage="static-musl"} 4096`)
	assert.Contains(t, string(data), `berth_build_last_success_timestamp_seconds{linkage="static-musl"} 1.7e+09`)
}

func TestPrometheusRecorder_Registry(t *testing.T) {
	pr := NewPrometheusRecorder()
	pr.StepFinished(&pipeline.Step{Name: pipeline.StageRunner}, false, time.Second, nil)

	families, err := pr.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["berth_step_results_total"])
	assert.True(t, names["berth_step_duration_seconds"])
}
