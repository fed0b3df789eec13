package report

import (
	"errors"
	"sync"
	"time"

	"github.com/psantana5/gridsweep/pkg/engine"
)

// FailureSample describes one failed trial.
type FailureSample struct {
	Index    int       `json:"index"`
	Params   string    `json:"params,omitempty"`
	Error    string    `json:"error"`
	Duration float64   `json:"duration_seconds"`
	At       time.Time `json:"at"`
}

// FailureLog keeps the last N failures in a ring buffer.
type FailureLog struct {
	samples []FailureSample
	maxSize int
	total   int
	mu      sync.RWMutex
}

// NewFailureLog creates a failure log with fixed size
func NewFailureLog(maxSize int) *FailureLog {
	return &FailureLog{
		samples: make([]FailureSample, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a failure sample, dropping the oldest one when full.
func (f *FailureLog) Record(index int, d time.Duration, err error) {
	sample := FailureSample{
		Index:    index,
		Error:    err.Error(),
		Duration: d.Seconds(),
		At:       time.Now(),
	}
	var te *engine.TrialError
	if errors.As(err, &te) {
		sample.Params = engine.FormatAssignment(te.Assignment)
		sample.Error = te.Err.Error()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.total++
	if len(f.samples) >= f.maxSize {
		f.samples = f.samples[1:]
	}
	f.samples = append(f.samples, sample)
}

// Recent returns up to n failures, newest first. n <= 0 returns all kept.
func (f *FailureLog) Recent(n int) []FailureSample {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n <= 0 || n > len(f.samples) {
		n = len(f.samples)
	}
	out := make([]FailureSample, n)
	for i := 0; i < n; i++ {
		out[i] = f.samples[len(f.samples)-1-i]
	}
	return out
}

// Total returns the number of failures ever recorded.
func (f *FailureLog) Total() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.total
}
