package mg

import (
	"testing"

	"github.com/openfluke/multigrid/cpu"
	"github.com/openfluke/multigrid/mesh"
)

// newDevice returns a host device closed at the end of the test.
func newDevice(t *testing.T, opts ...cpu.Option) *cpu.Device {
	t.Helper()
	dev := cpu.New(opts...)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func unitMesh(t *testing.T, e int) mesh.Descriptor {
	t.Helper()
	d, err := mesh.Unit(e, 0.25)
	if err != nil {
		t.Fatalf("mesh.Unit(%d): %v", e, err)
	}
	return d
}

func newSolver(t *testing.T, dev *cpu.Device, e int, p Params) *Solver {
	t.Helper()
	s, err := NewSolver(dev, unitMesh(t, e), p)
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// hostApply is an independent evaluation of A·u with ghost-reflected
// Dirichlet faces, used as the reference for device results.
func hostApply(d mesh.Descriptor, u []float32, shift float64) []float64 {
	out := make([]float64, d.Total)
	h2 := float64(d.CellSize) * float64(d.CellSize)
	for z := 0; z < d.Dims[2]; z++ {
		for y := 0; y < d.Dims[1]; y++ {
			for x := 0; x < d.Dims[0]; x++ {
				i := d.Index(x, y, z)
				ui := float64(u[i])
				sum := 0.0
				for _, o := range [][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}} {
					nb := -ui
					if d.InBounds(x+o[0], y+o[1], z+o[2]) {
						nb = float64(u[d.Index(x+o[0], y+o[1], z+o[2])])
					}
					sum += ui - nb
				}
				out[i] = shift*ui + sum/h2
			}
		}
	}
	return out
}

func snapshot(t *testing.T, s *Solver, level int, f Field) []float32 {
	t.Helper()
	out, err := s.Hierarchy().Snapshot(level, f)
	if err != nil {
		t.Fatalf("Snapshot(%d, %s): %v", level, f, err)
	}
	return out
}

func level(t *testing.T, s *Solver, i int) *Level {
	t.Helper()
	lvl, err := s.Hierarchy().Level(i)
	if err != nil {
		t.Fatalf("Level(%d): %v", i, err)
	}
	return lvl
}
