package gpu

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/openfluke/multigrid/accel"
	"github.com/openfluke/multigrid/cpu"
	"github.com/openfluke/multigrid/mesh"
	"github.com/openfluke/multigrid/mg"
)

func TestCatalogueCoversHostKernels(t *testing.T) {
	have := map[string]bool{}
	for _, n := range Names() {
		have[n] = true
	}
	for _, n := range cpu.Names() {
		if !have[n] {
			t.Errorf("Kernel %s has no WGSL implementation", n)
		}
	}
}

func TestShaderBindings(t *testing.T) {
	for _, name := range Names() {
		src, ok := Source(name)
		if !ok {
			t.Fatalf("Source(%s) missing", name)
		}
		s, _ := lookup(name)
		for i, b := range s.bindings {
			decl := "var<storage, read_write> " + b.ident
			if b.readOnly {
				decl = "var<storage, read> " + b.ident
			}
			if !strings.Contains(src, decl) {
				t.Errorf("%s: binding %d (%s) not declared", name, i+1, b.ident)
			}
		}
		if !strings.Contains(src, "@compute @workgroup_size(64)") || !strings.Contains(src, "fn main(") {
			t.Errorf("%s: no compute entry point", name)
		}
	}
	src, _ := Source(accel.JacobiSig("heat").Name)
	if !strings.Contains(src, "1.0 / P.dt") {
		t.Error("Heat relaxation does not use the timestep shift")
	}
}

func TestGrid(t *testing.T) {
	cases := []struct {
		items  int
		maxDim uint32
		x, y   uint32
	}{
		{1, 65535, 1, 1},
		{64, 65535, 1, 1},
		{65, 65535, 2, 1},
		{1 << 24, 65535, 65535, 5},
		{1 << 12, 16, 16, 4},
	}
	for _, c := range cases {
		x, y, err := grid(c.items, c.maxDim)
		if err != nil {
			t.Fatalf("grid(%d): %v", c.items, err)
		}
		if x != c.x || y != c.y {
			t.Errorf("grid(%d, %d) = (%d, %d), expected (%d, %d)", c.items, c.maxDim, x, y, c.x, c.y)
		}
		if int(x)*int(y)*workgroupSize < c.items {
			t.Errorf("grid(%d) does not cover every item", c.items)
		}
	}
	if _, _, err := grid(1<<20, 8); err == nil {
		t.Error("Expected an error past the two-dimensional limit")
	}
}

func TestMaxCubeExponent(t *testing.T) {
	if got := maxCubeExponent(1<<30, 65535); got != 10 {
		t.Errorf("Expected 10, got %d", got)
	}
	if got := maxCubeExponent(1<<27/4, 65535); got != 8 {
		t.Errorf("Expected 8 for 128 MiB, got %d", got)
	}
}

func TestUniformLayout(t *testing.T) {
	m, _ := mesh.Unit(3, 0.5)
	u := uniform(m, m.Total, 7, 128)
	if len(u)*4 != 32 {
		t.Fatalf("Uniform block is %d bytes, expected 32", len(u)*4)
	}
	if u[0] != 8 || u[3] != 512 || u[6] != 7 || u[7] != 128 {
		t.Errorf("Unexpected uniform words %v", u)
	}
	if math.Float32frombits(u[4]) != m.CellSize || math.Float32frombits(u[5]) != 0.5 {
		t.Errorf("Unexpected float words %v", u)
	}
}

// newDevice skips the test on machines without a WebGPU adapter.
func newDevice(t *testing.T) *Device {
	t.Helper()
	d, err := New(ContextOptions{Logf: t.Logf})
	if err != nil {
		t.Skipf("no WebGPU adapter: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestProbe(t *testing.T) {
	d := newDevice(t)
	rep := d.Context().Probe()
	if rep.Limits.MaxComputeWorkgroupsPerDimension == 0 || rep.MaxElements == 0 {
		t.Errorf("Probe returned empty limits: %+v", rep)
	}
	if _, err := rep.JSON(); err != nil {
		t.Errorf("JSON: %v", err)
	}
}

func TestReduceMatchesHost(t *testing.T) {
	d := newDevice(t)
	prog, err := d.Compile(accel.ReduceStepSig)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer prog.Release()
	red, err := mg.NewReducer(d, prog)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{1, 3, 1000, 1 << 16} {
		data := make([]float32, n)
		for i := range data {
			data[i] = float32(i%7) * 0.125
		}
		buf, err := d.Alloc("sum", n)
		if err != nil {
			t.Fatal(err)
		}
		d.Write(buf, data)
		got, err := red.Sum(buf, n)
		if err != nil {
			t.Fatalf("Sum(%d): %v", n, err)
		}
		want := 0.0
		for _, v := range data {
			want += float64(v)
		}
		if math.Abs(got-want) > 1e-6*math.Max(1, want) {
			t.Errorf("Sum(%d) = %g, expected %g", n, got, want)
		}
		d.Free(buf)
	}
}

// The device and host backends run the same cycle to close norms.
func TestSolverMatchesHost(t *testing.T) {
	d := newDevice(t)
	host := cpu.New()
	defer host.Close()

	finest, _ := mesh.Unit(4, 0.25)
	p := mg.Params{Levels: 4, Sweeps: 3, Cycles: 4, Operator: "poisson", ResidualNorm: mg.NormL2}
	run := func(dev accel.Device) *mg.Result {
		s, err := mg.NewSolver(dev, finest, p)
		if err != nil {
			t.Fatalf("NewSolver(%s): %v", dev.Name(), err)
		}
		defer s.Close()
		res, err := s.Run()
		if err != nil {
			t.Fatalf("Run(%s): %v", dev.Name(), err)
		}
		return res
	}
	g, h := run(d), run(host)
	for i := range g.Cycles {
		ge, he := g.Cycles[i].Norms.Error, h.Cycles[i].Norms.Error
		if math.Abs(ge-he) > 1e-3*he+1e-6 {
			t.Errorf("Cycle %d: device error norm %e, host %e", i+1, ge, he)
		}
	}
}

func TestDispatchRejectsShortBuffer(t *testing.T) {
	d := newDevice(t)
	prog, err := d.Compile(accel.SquaredResidualSig)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer prog.Release()
	k, _ := prog.Kernel(accel.KernelSquaredResidual)
	m, _ := mesh.Unit(2, 0.25)
	buf, _ := d.Alloc("r", 4)
	_, err = d.Dispatch(k, m.All, accel.Bind(k.Signature()).Mesh("mesh", m).Buffer("r", buf))
	if !errors.Is(err, accel.ErrDispatch) {
		t.Errorf("Expected ErrDispatch, got %v", err)
	}
}

func TestForwardTimingIsBounded(t *testing.T) {
	d := newDevice(t)
	m, err := mesh.Unit(4, 0.25)
	if err != nil {
		t.Fatalf("mesh.Unit: %v", err)
	}
	s, err := mg.NewSolver(d, m, mg.Params{Levels: 1, Sweeps: 1, Cycles: 1, Operator: "poisson"})
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}
	defer s.Close()
	lvl, err := s.Hierarchy().Level(0)
	if err != nil {
		t.Fatalf("Level: %v", err)
	}
	timing, err := s.Operator().Forward(lvl, mg.FieldA)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if timing.Device <= 0 || timing.Device > timing.Host {
		t.Errorf("Expected 0 < device %v <= host %v", timing.Device, timing.Host)
	}
}
