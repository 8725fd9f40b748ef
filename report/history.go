// Package report turns a solver run into a JSON history, convergence
// statistics and a log-scale convergence plot.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/openfluke/multigrid/mg"
)

// Float is a float64 that encodes NaN and infinities as JSON null. A raw
// residual sum can be negative, which makes its norm NaN.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func (f *Float) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = Float(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Sample is one measurement of the finest level.
type Sample struct {
	Cycle    int           `json:"cycle"`
	Residual Float         `json:"residual"`
	Error    Float         `json:"error"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// History is the persisted record of a completed run. Cycle 0 is the
// warm-up measurement.
type History struct {
	Backend   string        `json:"backend"`
	Mesh      string        `json:"mesh"`
	Levels    int           `json:"levels"`
	Sweeps    int           `json:"sweeps"`
	Cycles    int           `json:"cycles"`
	Operator  string        `json:"operator"`
	Norm      string        `json:"residual_norm"`
	RHS       string        `json:"rhs"`
	Converged bool          `json:"converged"`
	Forward   time.Duration `json:"forward_ns"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Samples   []Sample      `json:"samples"`
	Stats     Stats         `json:"stats"`
}

// Stats summarise the convergence of the error and residual norms.
type Stats struct {
	// ErrorRate is the mean per-cycle reduction of the error norm, fitted as
	// exp(slope) of log(error) against cycle.
	ErrorRate    Float `json:"error_rate"`
	ResidualRate Float `json:"residual_rate"`
	// ErrorReduction is final error over warm-up error.
	ErrorReduction Float   `json:"error_reduction"`
	ErrorRatios    []Float `json:"error_ratios"`
	WorstRatio     Float   `json:"worst_ratio"`
}

// FromResult builds the history of res.
func FromResult(backend string, res *mg.Result) History {
	h := History{
		Backend:   backend,
		Mesh:      res.Mesh.String(),
		Levels:    res.Params.Levels,
		Sweeps:    res.Params.Sweeps,
		Cycles:    len(res.Cycles),
		Operator:  res.Params.Operator,
		Norm:      res.Params.ResidualNorm.String(),
		RHS:       res.Params.RHS.String(),
		Converged: res.Converged,
		Forward:   res.Forward.Host,
		Elapsed:   res.Elapsed,
	}
	h.Samples = append(h.Samples, sample(res.WarmUp))
	for _, ev := range res.Cycles {
		h.Samples = append(h.Samples, sample(ev))
	}
	h.Stats = Summarize(h.Samples)
	return h
}

func sample(ev mg.CycleEvent) Sample {
	return Sample{Cycle: ev.Cycle, Residual: Float(ev.Norms.Residual), Error: Float(ev.Norms.Error), Elapsed: ev.Elapsed}
}

// Summarize computes the convergence statistics of samples. Non-positive or
// NaN norms (a raw residual sum can be negative) are left out of the fits.
func Summarize(samples []Sample) Stats {
	var st Stats
	errs := make([]float64, len(samples))
	res := make([]float64, len(samples))
	for i, s := range samples {
		errs[i], res[i] = float64(s.Error), float64(s.Residual)
	}
	st.ErrorRate = rate(samples, errs)
	st.ResidualRate = rate(samples, res)
	if n := len(errs); n > 1 && errs[0] > 0 {
		st.ErrorReduction = Float(errs[n-1] / errs[0])
		ratios := make([]float64, n-1)
		floats.DivTo(ratios, errs[1:], errs[:n-1])
		st.WorstRatio = Float(floats.Max(ratios))
		st.ErrorRatios = make([]Float, len(ratios))
		for i, r := range ratios {
			st.ErrorRatios[i] = Float(r)
		}
	}
	return st
}

func rate(samples []Sample, v []float64) Float {
	var xs, ys []float64
	for i, s := range samples {
		if v[i] > 0 && !math.IsInf(v[i], 0) {
			xs = append(xs, float64(s.Cycle))
			ys = append(ys, math.Log(v[i]))
		}
	}
	if len(xs) < 2 {
		return Float(math.NaN())
	}
	_, beta := stat.LinearRegression(xs, ys, nil, false)
	return Float(math.Exp(beta))
}

// WriteJSON encodes h indented.
func (h History) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(h)
}

// Save writes h to path.
func (h History) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := h.WriteJSON(f); err != nil {
		f.Close()
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	return f.Close()
}

// ReadHistory decodes a history written by Save.
func ReadHistory(path string) (History, error) {
	var h History
	b, err := os.ReadFile(path)
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(b, &h); err != nil {
		return h, fmt.Errorf("report: parse %s: %w", path, err)
	}
	return h, nil
}
