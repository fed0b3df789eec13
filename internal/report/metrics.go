package report

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Outcome label values of gridsweep_trials_total.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Metrics tracks the progress of one sweep invocation. It implements
// engine.Observer, and every counter can be explained by the per-job
// outcomes of the run.
type Metrics struct {
	registry *prometheus.Registry
	trials   *prometheus.CounterVec
	duration prometheus.Histogram
	running  prometheus.Gauge

	started   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
	inFlight  atomic.Int64

	runID     string
	total     int
	startTime time.Time
	failures  *FailureLog
}

// NewMetrics registers the sweep collectors on a private registry. total is
// the number of jobs selected for this run.
func NewMetrics(runID string, total int) *Metrics {
	labels := prometheus.Labels{"run_id": runID}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gridsweep_trials_total",
			Help:        "Trials finished, by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "gridsweep_trial_duration_seconds",
			Help:        "Wall time of one trial including result persistence",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "gridsweep_trials_running",
			Help:        "Trials currently executing",
			ConstLabels: labels,
		}),
		runID:     runID,
		total:     total,
		startTime: time.Now(),
		failures:  NewFailureLog(50),
	}
	jobs := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "gridsweep_jobs",
		Help:        "Jobs selected for this run",
		ConstLabels: labels,
	})
	jobs.Set(float64(total))

	for _, o := range []string{OutcomeSucceeded, OutcomeFailed, OutcomeSkipped} {
		m.trials.WithLabelValues(o)
	}
	m.registry.MustRegister(
		m.trials,
		m.duration,
		m.running,
		jobs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the sweep collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Failures returns the log of recent failed trials.
func (m *Metrics) Failures() *FailureLog {
	return m.failures
}

func (m *Metrics) TrialStarted(int) {
	m.started.Add(1)
	m.inFlight.Add(1)
	m.running.Inc()
}

func (m *Metrics) TrialFinished(index int, d time.Duration, err error) {
	m.inFlight.Add(-1)
	m.running.Dec()
	m.duration.Observe(d.Seconds())
	if err != nil {
		m.failed.Add(1)
		m.trials.WithLabelValues(OutcomeFailed).Inc()
		m.failures.Record(index, d, err)
		return
	}
	m.succeeded.Add(1)
	m.trials.WithLabelValues(OutcomeSucceeded).Inc()
}

func (m *Metrics) TrialSkipped(int) {
	m.skipped.Add(1)
	m.trials.WithLabelValues(OutcomeSkipped).Inc()
}

// Progress is a point-in-time view of a run.
type Progress struct {
	RunID     string  `json:"run_id"`
	Total     int     `json:"total"`
	Started   uint64  `json:"started"`
	Running   int64   `json:"running"`
	Succeeded uint64  `json:"succeeded"`
	Failed    uint64  `json:"failed"`
	Skipped   uint64  `json:"skipped"`
	Percent   float64 `json:"percent"`
	Elapsed   float64 `json:"elapsed_seconds"`
}

// Snapshot returns the current progress.
func (m *Metrics) Snapshot() Progress {
	p := Progress{
		RunID:     m.runID,
		Total:     m.total,
		Started:   m.started.Load(),
		Running:   m.inFlight.Load(),
		Succeeded: m.succeeded.Load(),
		Failed:    m.failed.Load(),
		Skipped:   m.skipped.Load(),
		Elapsed:   time.Since(m.startTime).Seconds(),
	}
	if m.total > 0 {
		done := p.Succeeded + p.Failed + p.Skipped
		p.Percent = 100 * float64(done) / float64(m.total)
	}
	return p
}
