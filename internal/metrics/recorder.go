// Package metrics records build steps and provisioning results as Prometheus
// metrics. berth is a short-lived command, so metrics are written to a
// node_exporter textfile collector instead of being served.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/berth/internal/pipeline"
	"github.com/dyluth/berth/internal/provision"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Step results
const (
	ResultBuilt  = "built"
	ResultCached = "cached"
	ResultFailed = "failed"
)

// PrometheusRecorder observes the build runner and the provisioner
type PrometheusRecorder struct {
	mu  sync.Mutex
	reg *prom.Registry

	stepDuration     *prom.GaugeVec
	stepResults      *prom.CounterVec
	buildSuccess     *prom.GaugeVec
	artifactSize     *prom.GaugeVec
	familyDuration   *prom.GaugeVec
	familyResults    *prom.CounterVec
	familyIncomplete *prom.GaugeVec
}

var (
	_ pipeline.Observer  = (*PrometheusRecorder)(nil)
	_ provision.Observer = (*PrometheusRecorder)(nil)
)

// NewPrometheusRecorder constructs the metrics and registers them on a new registry
func NewPrometheusRecorder() *PrometheusRecorder {
	pr := &PrometheusRecorder{reg: prom.NewRegistry()}

	pr.stepDuration = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "berth",
		Name:      "step_duration_seconds",
		Help:      "Duration of the last run of each build step",
	}, []string{"step"})
	pr.stepResults = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "berth",
		Name:      "step_results_total",
		Help:      "Build step results: built, cached or failed",
	}, []string{"step", "result"})
	pr.buildSuccess = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "berth",
		Name:      "build_last_success_timestamp_seconds",
		Help:      "Completion time of the last successful build per linkage mode",
	}, []string{"linkage"})
	pr.artifactSize = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "berth",
		Name:      "artifact_size_bytes",
		Help:      "Size of the published executable per linkage mode",
	}, []string{"linkage"})
	pr.familyDuration = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "berth",
		Name:      "family_duration_seconds",
		Help:      "Duration of the last provisioning run per family",
	}, []string{"family"})
	pr.familyResults = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "berth",
		Name:      "family_results_total",
		Help:      "Provisioning outcomes per family",
	}, []string{"family", "outcome"})
	pr.familyIncomplete = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "berth",
		Name:      "family_incomplete",
		Help:      "1 when the family's socket volume is flagged incomplete",
	}, []string{"family"})

	pr.reg.MustRegister(pr.stepDuration, pr.stepResults, pr.buildSuccess, pr.artifactSize,
		pr.familyDuration, pr.familyResults, pr.familyIncomplete)
	return pr
}

// Registry exposes the underlying registry
func (p *PrometheusRecorder) Registry() *prom.Registry {
	return p.reg
}

func (p *PrometheusRecorder) StepStarted(step *pipeline.Step) {}

func (p *PrometheusRecorder) StepFinished(step *pipeline.Step, cached bool, elapsed time.Duration, err error) {
	if p == nil {
		return
	}
	result := ResultBuilt
	switch {
	case err != nil:
		result = ResultFailed
	case cached:
		result = ResultCached
	}
	p.stepDuration.WithLabelValues(string(step.Name)).Set(elapsed.Seconds())
	p.stepResults.WithLabelValues(string(step.Name), result).Inc()
}

// BuildPublished records a successful build
func (p *PrometheusRecorder) BuildPublished(rec *pipeline.Record) {
	if p == nil || rec == nil {
		return
	}
	p.buildSuccess.WithLabelValues(rec.Linkage).Set(float64(rec.FinishedAt.Unix()))
	p.artifactSize.WithLabelValues(rec.Linkage).Set(float64(rec.Artifact.Size))
}

func (p *PrometheusRecorder) FamilyFinished(r provision.Result) {
	if p == nil {
		return
	}
	p.familyDuration.WithLabelValues(r.Family).Set(r.Duration.Seconds())
	p.familyResults.WithLabelValues(r.Family, string(r.Outcome)).Inc()

	incomplete := 0.0
	if r.Incomplete && r.Outcome == provision.OutcomeFailed {
		incomplete = 1
	}
	p.familyIncomplete.WithLabelValues(r.Family).Set(incomplete)
}

// WriteTextfile writes every metric to path in the text exposition format.
// The file is replaced atomically, as the textfile collector requires.
func (p *PrometheusRecorder) WriteTextfile(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := prom.WriteToTextfile(path, p.reg); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
