package mg

import (
	"errors"
	"math"
	"testing"

	"github.com/openfluke/multigrid/accel"
	"github.com/openfluke/multigrid/cpu"
)

func TestBuildHierarchyScaling(t *testing.T) {
	dev := newDevice(t)
	finest := unitMesh(t, 4)
	h, err := BuildHierarchy(dev, finest, 5)
	if err != nil {
		t.Fatalf("BuildHierarchy: %v", err)
	}
	defer h.Release()

	if h.Len() != 5 {
		t.Fatalf("Expected 5 levels, got %d", h.Len())
	}
	for i := 0; i < h.Len(); i++ {
		lvl, err := h.Level(i)
		if err != nil {
			t.Fatalf("Level(%d): %v", i, err)
		}
		for ax := 0; ax < 3; ax++ {
			if lvl.Mesh.Exponent[ax] != 4-i {
				t.Errorf("Level %d axis %d: expected exponent %d, got %d", i, ax, 4-i, lvl.Mesh.Exponent[ax])
			}
		}
		want := float64(finest.CellSize) * math.Pow(2, float64(i))
		if math.Abs(float64(lvl.Mesh.CellSize)-want) > 1e-7 {
			t.Errorf("Level %d: expected cell size %g, got %g", i, want, lvl.Mesh.CellSize)
		}
		if lvl.Mesh.Timestep != finest.Timestep {
			t.Errorf("Level %d: timestep %g, expected %g", i, lvl.Mesh.Timestep, finest.Timestep)
		}
		for _, f := range Fields {
			if buf := lvl.Field(f); buf == nil || buf.Len() != lvl.Mesh.Total {
				t.Errorf("Level %d field %s not sized to %d elements", i, f, lvl.Mesh.Total)
			}
		}
		if i > 0 {
			prev, _ := h.Level(i - 1)
			if lvl.Mesh.Total >= prev.Mesh.Total {
				t.Errorf("Level %d is not coarser than level %d", i, i-1)
			}
		}
	}
}

func TestBuildHierarchyRejectsDepth(t *testing.T) {
	dev := newDevice(t)
	if _, err := BuildHierarchy(dev, unitMesh(t, 3), 5); err == nil {
		t.Error("Expected error for 5 levels on a 2^3 grid")
	}
	if _, err := BuildHierarchy(dev, unitMesh(t, 3), 0); err == nil {
		t.Error("Expected error for zero levels")
	}
}

func TestBuildHierarchyAllocationFailure(t *testing.T) {
	// room for the finest level only
	finest := unitMesh(t, 3)
	dev := newDevice(t, cpu.WithMemoryLimit(int64(4*finest.Total*4+64)))

	h, err := BuildHierarchy(dev, finest, 3)
	if err == nil {
		h.Release()
		t.Fatal("Expected allocation failure")
	}
	if !errors.Is(err, accel.ErrAllocation) {
		t.Errorf("Expected ErrAllocation, got %v", err)
	}
	if got := dev.Allocated(); got != 0 {
		t.Errorf("Failed build left %d bytes allocated", got)
	}
}

func TestHierarchyBoundsAndRelease(t *testing.T) {
	dev := newDevice(t)
	h, err := BuildHierarchy(dev, unitMesh(t, 2), 2)
	if err != nil {
		t.Fatalf("BuildHierarchy: %v", err)
	}
	if _, err := h.Level(2); !errors.Is(err, ErrLevelRange) {
		t.Errorf("Level(2): expected ErrLevelRange, got %v", err)
	}
	if _, err := h.Level(-1); !errors.Is(err, ErrLevelRange) {
		t.Errorf("Level(-1): expected ErrLevelRange, got %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if dev.Allocated() != 0 {
		t.Errorf("Release left %d bytes allocated", dev.Allocated())
	}
	if err := h.Release(); !errors.Is(err, ErrReleased) {
		t.Errorf("Second Release: expected ErrReleased, got %v", err)
	}
	if _, err := h.Snapshot(0, FieldU); !errors.Is(err, ErrReleased) {
		t.Errorf("Snapshot after release: expected ErrReleased, got %v", err)
	}
}
