package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/gridsweep/pkg/engine"
	"github.com/psantana5/gridsweep/pkg/space"
)

var _ engine.Observer = (*Metrics)(nil)

func sampleRun(m *Metrics) {
	m.TrialStarted(0)
	m.TrialFinished(0, 20*time.Millisecond, nil)
	m.TrialStarted(1)
	m.TrialFinished(1, 10*time.Millisecond, &engine.TrialError{
		Index:      1,
		Assignment: space.Assignment{"alpha": 2},
		Err:        errors.New("exit status 1"),
	})
	m.TrialSkipped(2)
	m.TrialStarted(3)
}

func TestSnapshot(t *testing.T) {
	m := NewMetrics("run-1", 4)
	sampleRun(m)

	p := m.Snapshot()
	assert.Equal(t, "run-1", p.RunID)
	assert.Equal(t, uint64(3), p.Started)
	assert.Equal(t, int64(1), p.Running)
	assert.Equal(t, uint64(1), p.Succeeded)
	assert.Equal(t, uint64(1), p.Failed)
	assert.Equal(t, uint64(1), p.Skipped)
	assert.InDelta(t, 75.0, p.Percent, 1e-9)
}

func TestFailureLog(t *testing.T) {
	f := NewFailureLog(2)
	for i := 0; i < 3; i++ {
		f.Record(i, time.Second, fmt.Errorf("boom %d", i))
	}
	recent := f.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, 2, recent[0].Index)
	assert.Equal(t, 1, recent[1].Index)
	assert.Equal(t, 3, f.Total())
	assert.Len(t, f.Recent(1), 1)
}

func TestFailureLogUnwrapsTrialError(t *testing.T) {
	m := NewMetrics("r", 2)
	sampleRun(m)

	recent := m.Failures().Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, "alpha=2", recent[0].Params)
	assert.Equal(t, "exit status 1", recent[0].Error)
}

func TestEncodeTextFormat(t *testing.T) {
	m := NewMetrics("run-1", 4)
	sampleRun(m)

	data, err := m.Encode()
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `gridsweep_trials_total{outcome="failed",run_id="run-1"} 1`)
	assert.Contains(t, text, `gridsweep_trials_total{outcome="skipped",run_id="run-1"} 1`)
	assert.Contains(t, text, `gridsweep_trials_running{run_id="run-1"} 1`)
	assert.Contains(t, text, `gridsweep_jobs{run_id="run-1"} 4`)
	assert.Contains(t, text, "gridsweep_trial_duration_seconds_count")
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics("run-1", 1)
	path := filepath.Join(t.TempDir(), "gridsweep.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# TYPE gridsweep_trials_total counter")
}

func TestRouter(t *testing.T) {
	m := NewMetrics("run-1", 4)
	sampleRun(m)
	r := NewRouter(m)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gridsweep_trials_total")

	rec = get("/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	var p Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, uint64(1), p.Failed)

	rec = get("/failures?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var failures []FailureSample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failures))
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Index)

	rec = get("/failures?limit=x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/progress", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServe(t *testing.T) {
	m := NewMetrics("run-1", 1)
	s, err := Serve("127.0.0.1:0", m, nil)
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", strings.TrimSpace(string(body)))
}
