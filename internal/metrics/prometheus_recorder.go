package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "heyiso"

// PrometheusRecorder implements Recorder using a private Prometheus registry
// that is dumped to a node-exporter textfile at the end of a run.
type PrometheusRecorder struct {
	registry      *prom.Registry
	stageDuration *prom.HistogramVec
	stageResults  *prom.CounterVec
	unitBuilds    *prom.CounterVec
	packages      prom.Gauge
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder constructs and registers the pipeline metrics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{registry: reg}
	pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Duration of individual pipeline stages",
		Buckets:   []float64{0.1, 1, 5, 15, 60, 180, 600, 1800, 3600},
	}, []string{"stage"})
	pr.stageResults = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "stage_results_total",
		Help:      "Stage result counts by outcome",
	}, []string{"stage", "result"})
	pr.unitBuilds = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "component_builds_total",
		Help:      "Component scheduler decisions by unit",
	}, []string{"unit", "action"})
	pr.packages = prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "offline_packages",
		Help:      "Packages in the resolved offline installer list",
	})
	reg.MustRegister(pr.stageDuration, pr.stageResults, pr.unitBuilds, pr.packages)
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	if p == nil || p.stageResults == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) IncUnitBuild(unit string, rebuilt bool) {
	if p == nil || p.unitBuilds == nil {
		return
	}
	action := "reused"
	if rebuilt {
		action = "rebuilt"
	}
	p.unitBuilds.WithLabelValues(unit, action).Inc()
}

func (p *PrometheusRecorder) SetPackageCount(n int) {
	if p == nil || p.packages == nil {
		return
	}
	p.packages.Set(float64(n))
}

// WriteTextfile writes the current metric values in the text exposition format.
func (p *PrometheusRecorder) WriteTextfile(path string) error {
	if p == nil || p.registry == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prom.WriteToTextfile(path, p.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
