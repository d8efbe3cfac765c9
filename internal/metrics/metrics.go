// Package metrics exposes run counters and host usage to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "secretary"

// Collector is a prometheus.Collector for backup runs.
type Collector struct {
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	running       prometheus.Gauge
	filesSeen     *prometheus.CounterVec
	chunksStored  *prometheus.CounterVec
	bytesStored   *prometheus.CounterVec
	reportsByType *prometheus.CounterVec
	lastSuccess   *prometheus.GaugeVec
}

// NewCollector returns an unregistered Collector.
func NewCollector() *Collector {
	return &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished backup runs by setup and status.",
		}, []string{"setup", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of backup runs.",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
		}, []string{"setup"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_progress",
			Help:      "Backup runs currently executing.",
		}),
		filesSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_seen_total",
			Help:      "Source files enumerated.",
		}, []string{"setup"}),
		chunksStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_stored_total",
			Help:      "Chunks written to targets.",
		}, []string{"setup"}),
		bytesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_stored_total",
			Help:      "Chunk bytes written to targets.",
		}, []string{"setup"}),
		reportsByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_reports_total",
			Help:      "Status reports emitted by runs, by level.",
		}, []string{"setup", "level"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run of each setup.",
		}, []string{"setup"}),
	}
}

// RunStarted marks a run as in progress.
func (c *Collector) RunStarted() { c.running.Inc() }

// Run holds the figures of a finished run.
type Run struct {
	Setup        string
	Succeeded    bool
	Duration     time.Duration
	End          time.Time
	FilesSeen    int64
	ChunksStored int64
	BytesStored  int64
	// Reports counts status reports by level name.
	Reports map[string]int
}

// RunFinished records a finished run and ends its in-progress mark.
func (c *Collector) RunFinished(r Run) {
	c.running.Dec()
	status := "failed"
	if r.Succeeded {
		status = "succeeded"
		c.lastSuccess.WithLabelValues(r.Setup).Set(float64(r.End.Unix()))
	}
	c.runs.WithLabelValues(r.Setup, status).Inc()
	c.runDuration.WithLabelValues(r.Setup).Observe(r.Duration.Seconds())
	c.filesSeen.WithLabelValues(r.Setup).Add(float64(r.FilesSeen))
	c.chunksStored.WithLabelValues(r.Setup).Add(float64(r.ChunksStored))
	c.bytesStored.WithLabelValues(r.Setup).Add(float64(r.BytesStored))
	for level, n := range r.Reports {
		c.reportsByType.WithLabelValues(r.Setup, level).Add(float64(n))
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.runs.Describe(ch)
	c.runDuration.Describe(ch)
	c.running.Describe(ch)
	c.filesSeen.Describe(ch)
	c.chunksStored.Describe(ch)
	c.bytesStored.Describe(ch)
	c.reportsByType.Describe(ch)
	c.lastSuccess.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.runs.Collect(ch)
	c.runDuration.Collect(ch)
	c.running.Collect(ch)
	c.filesSeen.Collect(ch)
	c.chunksStored.Collect(ch)
	c.bytesStored.Collect(ch)
	c.reportsByType.Collect(ch)
	c.lastSuccess.Collect(ch)
}
