// Package metrics holds the Prometheus collectors shared by the pipeline stages.
package metrics

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// PipelineMetrics is safe to use through a nil pointer: every Record method is
// a no-op in that case, so stages can run without a registry.
type PipelineMetrics struct {
	stepDurationSeconds *prometheus.HistogramVec
	stepRunsTotal       *prometheus.CounterVec
	droppedLabelLines   *prometheus.CounterVec
	downloadedBytes     *prometheus.CounterVec
	trainingJobsTotal   *prometheus.CounterVec
	evaluationsTotal    *prometheus.CounterVec
	pipelineRunsTotal   *prometheus.CounterVec
}

func NewPipelineMetrics(registry prometheus.Registerer) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		stepDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marine_step_duration_seconds",
				Help:    "Time taken by a pipeline step",
				Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
			},
			[]string{"step", "status"},
		),
		stepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marine_step_runs_total",
				Help: "Total number of pipeline steps executed",
			},
			[]string{"step", "status"},
		),
		droppedLabelLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marine_dropped_label_lines_total",
				Help: "Annotation lines dropped while merging datasets",
			},
			[]string{"dataset", "reason"},
		),
		downloadedBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marine_downloaded_bytes_total",
				Help: "Bytes downloaded per dataset source",
			},
			[]string{"source"},
		),
		trainingJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marine_training_jobs_total",
				Help: "Training jobs by model family and final status",
			},
			[]string{"family", "status"},
		),
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marine_evaluations_total",
				Help: "Test split evaluations by status",
			},
			[]string{"status"},
		),
		pipelineRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marine_pipeline_runs_total",
				Help: "Queued pipeline runs by final status",
			},
			[]string{"status"},
		),
	}

	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PipelineMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.stepDurationSeconds,
		m.stepRunsTotal,
		m.droppedLabelLines,
		m.downloadedBytes,
		m.trainingJobsTotal,
		m.evaluationsTotal,
		m.pipelineRunsTotal,
	}
}

func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *PipelineMetrics) RecordStep(step, status string, seconds float64) {
	if m == nil {
		return
	}
	m.stepDurationSeconds.WithLabelValues(step, status).Observe(seconds)
	m.stepRunsTotal.WithLabelValues(step, status).Inc()
}

func (m *PipelineMetrics) RecordDroppedLine(dataset, reason string) {
	if m == nil {
		return
	}
	m.droppedLabelLines.WithLabelValues(dataset, reason).Inc()
}

func (m *PipelineMetrics) RecordDownloadedBytes(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadedBytes.WithLabelValues(source).Add(float64(n))
}

func (m *PipelineMetrics) RecordTrainingJob(family, status string) {
	if m == nil {
		return
	}
	m.trainingJobsTotal.WithLabelValues(family, status).Inc()
}

func (m *PipelineMetrics) RecordEvaluation(status string) {
	if m == nil {
		return
	}
	m.evaluationsTotal.WithLabelValues(status).Inc()
}

func (m *PipelineMetrics) RecordRun(status string) {
	if m == nil {
		return
	}
	m.pipelineRunsTotal.WithLabelValues(status).Inc()
}

type stepCounter struct {
	vec    *prometheus.CounterVec
	labels []string
}

// stepCounters are the counters recorded by step processes rather than by the
// process running the batch.
func (m *PipelineMetrics) stepCounters() map[string]stepCounter {
	return map[string]stepCounter{
		"marine_dropped_label_lines_total": {m.droppedLabelLines, []string{"dataset", "reason"}},
		"marine_downloaded_bytes_total":    {m.downloadedBytes, []string{"source"}},
		"marine_training_jobs_total":       {m.trainingJobsTotal, []string{"family", "status"}},
		"marine_evaluations_total":         {m.evaluationsTotal, []string{"status"}},
	}
}

// ImportTextfile adds the step counters found in r, a file written by a step
// process with prometheus.WriteToTextfile, to m. Other families are ignored.
func (m *PipelineMetrics) ImportTextfile(r io.Reader) error {
	if m == nil {
		return nil
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return fmt.Errorf("error parsing metrics textfile: %w", err)
	}

	counters := m.stepCounters()
	for name, family := range families {
		c, ok := counters[name]
		if !ok || family.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, metric := range family.GetMetric() {
			value := metric.GetCounter().GetValue()
			if value <= 0 {
				continue
			}
			found := make(map[string]string, len(metric.GetLabel()))
			for _, l := range metric.GetLabel() {
				found[l.GetName()] = l.GetValue()
			}
			labels := make(prometheus.Labels, len(c.labels))
			for _, n := range c.labels {
				labels[n] = found[n]
			}
			c.vec.With(labels).Add(value)
		}
	}
	return nil
}
