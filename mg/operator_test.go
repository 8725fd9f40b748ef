package mg

import (
	"errors"
	"math"
	"testing"
)

func TestRelaxResidualConsistent(t *testing.T) {
	dev := newDevice(t)
	s := newSolver(t, dev, 1, Params{Levels: 1, Sweeps: 3, Cycles: 1, Operator: "poisson"})
	if _, err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	lvl := level(t, s, 0)
	// a non-trivial starting guess on the 2x2x2 grid
	start := []float32{0.1, -0.2, 0.3, 0.05, -0.4, 0.25, 0.0, 0.7}
	if err := dev.Write(lvl.U, start); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Operator().Relax(lvl, 3); err != nil {
		t.Fatalf("Relax: %v", err)
	}

	u := snapshot(t, s, 0, FieldU)
	b := snapshot(t, s, 0, FieldB)
	r := snapshot(t, s, 0, FieldR)
	au := hostApply(lvl.Mesh, u, 0)
	for i := range r {
		want := float64(b[i]) - au[i]
		if math.Abs(float64(r[i])-want) > 1e-4*math.Max(1, math.Abs(want)) {
			t.Errorf("Element %d: r=%g, b-Au=%g", i, r[i], want)
		}
	}
	changed := false
	for i := range u {
		if u[i] != start[i] {
			changed = true
		}
	}
	if !changed {
		t.Error("Relax did not update u")
	}
}

func TestForwardMatchesHostStencil(t *testing.T) {
	for _, tc := range []struct {
		op    string
		shift float64
	}{
		{"poisson", 0},
		{"heat", 1 / 0.25},
	} {
		dev := newDevice(t)
		s := newSolver(t, dev, 3, Params{Levels: 1, Sweeps: 1, Cycles: 1, Operator: tc.op})
		if _, err := s.Initialize(); err != nil {
			t.Fatalf("%s Initialize: %v", tc.op, err)
		}
		lvl := level(t, s, 0)
		a := snapshot(t, s, 0, FieldA)
		b := snapshot(t, s, 0, FieldB)
		want := hostApply(lvl.Mesh, a, tc.shift)
		for i := range b {
			if math.Abs(float64(b[i])-want[i]) > 1e-3*math.Max(1, math.Abs(want[i])) {
				t.Fatalf("%s element %d: forward %g, host %g", tc.op, i, b[i], want[i])
			}
		}
	}
}

func TestApplyUsesSolution(t *testing.T) {
	dev := newDevice(t)
	s := newSolver(t, dev, 2, Params{Levels: 1, Sweeps: 1, Cycles: 1, Operator: "poisson"})
	lvl := level(t, s, 0)
	u := make([]float32, lvl.Mesh.Total)
	for i := range u {
		u[i] = float32(i%5) - 2
	}
	dev.Write(lvl.U, u)
	timing, err := s.Operator().Apply(lvl)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if timing.Elements != lvl.Mesh.Total || timing.Interior != 8 {
		t.Errorf("Unexpected timing record %+v", timing)
	}
	b := snapshot(t, s, 0, FieldB)
	want := hostApply(lvl.Mesh, u, 0)
	for i := range b {
		if math.Abs(float64(b[i])-want[i]) > 1e-3 {
			t.Fatalf("Element %d: Apply %g, host %g", i, b[i], want[i])
		}
	}
}

func TestForwardTiming(t *testing.T) {
	dev := newDevice(t)
	s := newSolver(t, dev, 4, Params{Levels: 1, Sweeps: 1, Cycles: 1, Operator: "poisson"})
	timing, err := s.Operator().Forward(level(t, s, 0), FieldA)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if timing.Device <= 0 || timing.Device > timing.Host {
		t.Errorf("Expected 0 < device %v <= host %v", timing.Device, timing.Host)
	}
}

func TestUnknownOperator(t *testing.T) {
	dev := newDevice(t)
	_, err := NewSolver(dev, unitMesh(t, 2), Params{Levels: 1, Sweeps: 1, Cycles: 1, Operator: "biharmonic"})
	if !errors.Is(err, ErrUnknownOperator) {
		t.Errorf("Expected ErrUnknownOperator, got %v", err)
	}
}

func TestVariantRegistry(t *testing.T) {
	ids := VariantIDs()
	if len(ids) < 2 || ids[0] != "heat" || ids[1] != "poisson" {
		t.Errorf("Unexpected variants %v", ids)
	}
	v, err := LookupVariant("heat")
	if err != nil || !v.UsesTimestep {
		t.Errorf("heat variant: %+v, %v", v, err)
	}
}
