package report

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfluke/multigrid/cpu"
	"github.com/openfluke/multigrid/mesh"
	"github.com/openfluke/multigrid/mg"
)

func geometric(n int, e0, q float64) []Sample {
	out := make([]Sample, n)
	for i := range out {
		v := e0 * math.Pow(q, float64(i))
		out[i] = Sample{Cycle: i, Error: Float(v), Residual: Float(10 * v)}
	}
	return out
}

func TestSummarizeGeometric(t *testing.T) {
	st := Summarize(geometric(8, 0.5, 0.1))
	if math.Abs(float64(st.ErrorRate)-0.1) > 1e-9 {
		t.Errorf("Expected error rate 0.1, got %g", st.ErrorRate)
	}
	if math.Abs(float64(st.ResidualRate)-0.1) > 1e-9 {
		t.Errorf("Expected residual rate 0.1, got %g", st.ResidualRate)
	}
	if math.Abs(float64(st.ErrorReduction)-1e-7) > 1e-15 {
		t.Errorf("Expected reduction 1e-7, got %g", st.ErrorReduction)
	}
	if len(st.ErrorRatios) != 7 || math.Abs(float64(st.WorstRatio)-0.1) > 1e-9 {
		t.Errorf("Unexpected ratios %v (worst %g)", st.ErrorRatios, st.WorstRatio)
	}
}

func TestSummarizeSkipsInvalidResiduals(t *testing.T) {
	s := geometric(5, 1, 0.5)
	s[1].Residual = Float(math.NaN())
	s[3].Residual = -2
	st := Summarize(s)
	if math.Abs(float64(st.ResidualRate)-0.5) > 1e-9 {
		t.Errorf("Expected residual rate 0.5 from the valid samples, got %g", st.ResidualRate)
	}
	if !math.IsNaN(float64(Summarize(s[:1]).ErrorRate)) {
		t.Error("A single sample has no rate")
	}
}

func testResult(t *testing.T) *mg.Result {
	t.Helper()
	m, err := mesh.Unit(3, 0.25)
	if err != nil {
		t.Fatal(err)
	}
	res := &mg.Result{Params: mg.DefaultParams(), Mesh: m, Elapsed: time.Second}
	for i, s := range geometric(6, 0.3, 0.2) {
		ev := mg.CycleEvent{Cycle: s.Cycle, Norms: mg.Norms{Residual: float64(s.Residual), Error: float64(s.Error)}}
		if i == 0 {
			res.WarmUp = ev
		} else {
			res.Cycles = append(res.Cycles, ev)
		}
	}
	return res
}

func TestHistoryRoundTrip(t *testing.T) {
	h := FromResult("cpu", testResult(t))
	if len(h.Samples) != 6 || h.Cycles != 5 || h.Mesh != "[ 3, 3, 3]" {
		t.Fatalf("Unexpected history %+v", h)
	}
	path := filepath.Join(t.TempDir(), "history.json")
	if err := h.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := ReadHistory(path)
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	if got.Samples[5].Error != h.Samples[5].Error || got.Stats.ErrorRate != h.Stats.ErrorRate || got.Norm != "raw" {
		t.Errorf("History changed on disk: %+v", got)
	}
}

func TestFloatNull(t *testing.T) {
	h := FromResult("cpu", testResult(t))
	h.Samples[0].Residual = Float(math.NaN())
	path := filepath.Join(t.TempDir(), "nan.json")
	if err := h.Save(path); err != nil {
		t.Fatalf("Save with a NaN norm: %v", err)
	}
	got, err := ReadHistory(path)
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	if !math.IsNaN(float64(got.Samples[0].Residual)) {
		t.Errorf("Expected NaN back, got %g", got.Samples[0].Residual)
	}
}

func TestPlotConvergence(t *testing.T) {
	h := FromResult("cpu", testResult(t))
	dir := t.TempDir()
	for _, name := range []string{"conv.png", "conv.svg"} {
		path := filepath.Join(dir, name)
		if err := PlotConvergence(h, path); err != nil {
			t.Fatalf("PlotConvergence(%s): %v", name, err)
		}
		if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
			t.Errorf("%s not written: %v", name, err)
		}
	}
	h.Samples = []Sample{{Cycle: 0, Residual: Float(math.NaN()), Error: 0}}
	if err := PlotConvergence(h, filepath.Join(dir, "empty.png")); err == nil {
		t.Error("Expected an error with nothing to plot")
	}
}

func TestWriteFields(t *testing.T) {
	dev := cpu.New()
	defer dev.Close()
	m, err := mesh.Unit(2, 0.25)
	if err != nil {
		t.Fatalf("mesh.Unit: %v", err)
	}
	s, err := mg.NewSolver(dev, m, mg.Params{Levels: 1, Sweeps: 1, Cycles: 1, Operator: "poisson"})
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}
	defer s.Close()
	if _, err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	finest, fields, err := Snapshot(s)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(fields) != 4 || finest.Total != 64 {
		t.Fatalf("Snapshot returned %d fields over %d elements", len(fields), finest.Total)
	}

	dir := filepath.Join(t.TempDir(), "out")
	if err := WriteFields(dir, finest, fields); err != nil {
		t.Fatalf("WriteFields: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "a.raw"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	back := make([]float32, finest.Total)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, back); err != nil {
		t.Fatalf("binary.Read: %v", err)
	}
	for i, v := range fields["a"] {
		if back[i] != v {
			t.Fatalf("Element %d: wrote %g, read %g", i, v, back[i])
		}
	}

	index, err := os.ReadFile(filepath.Join(dir, FieldsIndex))
	if err != nil {
		t.Fatalf("ReadFile index: %v", err)
	}
	for _, want := range []string{`Dimensions="5 5 5"`, `Dimensions="4 4 4">u.raw`, "r.raw", "b.raw"} {
		if !strings.Contains(string(index), want) {
			t.Errorf("Index lacks %q", want)
		}
	}

	if err := WriteFields(dir, finest, map[string][]float32{"u": make([]float32, 3)}); err == nil {
		t.Error("Expected a length mismatch error")
	}
	if err := WriteFields(dir, finest, map[string][]float32{"phi": make([]float32, 64)}); err == nil {
		t.Error("Expected an unknown field error")
	}
}
