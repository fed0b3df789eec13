package trial

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Reducer folds the numeric matrix printed by an experiment program (one
// row per independent run) into the value stored for the job.
type Reducer interface {
	Reduce(matrix [][]float64) (any, error)
}

// ReducerFunc adapts a function to Reducer.
type ReducerFunc func(matrix [][]float64) (any, error)

func (f ReducerFunc) Reduce(matrix [][]float64) (any, error) { return f(matrix) }

// Summary is the per-job result of the summary reducer.
type Summary struct {
	Mean   float64 `json:"mean"`
	StdErr float64 `json:"std_err"`
}

// Curve is the per-job result of the curve reducer.
type Curve struct {
	Means   []float64 `json:"means"`
	StdErrs []float64 `json:"std_errs"`
}

var (
	// Raw stores the matrix unchanged.
	Raw Reducer = ReducerFunc(func(m [][]float64) (any, error) { return m, nil })

	// SummaryReducer averages each run (row), then reports the mean over
	// runs and its standard error.
	SummaryReducer Reducer = ReducerFunc(summarize)

	// CurveReducer reports, per column, the mean over runs and its
	// standard error.
	CurveReducer Reducer = ReducerFunc(curve)
)

// ParseReducer maps a reducer name to its implementation.
func ParseReducer(name string) (Reducer, error) {
	switch name {
	case "", "raw":
		return Raw, nil
	case "summary":
		return SummaryReducer, nil
	case "curve":
		return CurveReducer, nil
	default:
		return nil, fmt.Errorf("unknown reducer %q (want raw, summary or curve)", name)
	}
}

func summarize(m [][]float64) (any, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("summary: empty matrix")
	}
	rowMeans := make([]float64, len(m))
	for i, row := range m {
		rowMeans[i] = stat.Mean(row, nil)
	}
	mean, std := stat.PopMeanStdDev(rowMeans, nil)
	return Summary{Mean: mean, StdErr: stat.StdErr(std, float64(len(rowMeans)))}, nil
}

func curve(m [][]float64) (any, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("curve: empty matrix")
	}
	cols := len(m[0])
	out := Curve{Means: make([]float64, cols), StdErrs: make([]float64, cols)}
	column := make([]float64, len(m))
	for c := 0; c < cols; c++ {
		for r := range m {
			column[r] = m[r][c]
		}
		mean, std := stat.PopMeanStdDev(column, nil)
		out.Means[c] = mean
		out.StdErrs[c] = stat.StdErr(std, float64(len(m)))
	}
	return out, nil
}
