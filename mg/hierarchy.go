package mg

import (
	"errors"
	"fmt"

	"github.com/openfluke/multigrid/accel"
	"github.com/openfluke/multigrid/mesh"
)

// Field selects one of the four buffers of a level.
type Field int

const (
	FieldU Field = iota // solution estimate
	FieldB              // right-hand side
	FieldR              // residual, also scratch for norms
	FieldA              // reference field for error diagnostics
)

func (f Field) String() string {
	switch f {
	case FieldU:
		return "u"
	case FieldB:
		return "b"
	case FieldR:
		return "r"
	case FieldA:
		return "a"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

// Fields lists every level field in declaration order.
var Fields = []Field{FieldU, FieldB, FieldR, FieldA}

// Level is one resolution of the hierarchy. Its buffers are owned by the
// level and never shared with another one.
type Level struct {
	Index int
	Mesh  mesh.Descriptor

	U, B, R, A accel.Buffer
}

// Field returns the buffer backing f.
func (l *Level) Field(f Field) accel.Buffer {
	switch f {
	case FieldU:
		return l.U
	case FieldB:
		return l.B
	case FieldR:
		return l.R
	case FieldA:
		return l.A
	default:
		return nil
	}
}

// Hierarchy is the ordered set of levels, index 0 finest.
type Hierarchy struct {
	dev      accel.Device
	levels   []*Level
	released bool
}

// BuildHierarchy derives nl level meshes from finest and allocates their
// fields. On failure every buffer allocated so far is freed.
func BuildHierarchy(dev accel.Device, finest mesh.Descriptor, nl int) (*Hierarchy, error) {
	if nl < 1 || nl > finest.MaxLevels() {
		return nil, fmt.Errorf("mg: %d levels requested, mesh %v supports 1..%d", nl, finest, finest.MaxLevels())
	}
	h := &Hierarchy{dev: dev, levels: make([]*Level, 0, nl)}
	for l := 0; l < nl; l++ {
		m, err := mesh.Coarsen(finest, l)
		if err != nil {
			h.free()
			return nil, fmt.Errorf("mg: level %d: %w", l, err)
		}
		lvl := &Level{Index: l, Mesh: m}
		for _, f := range Fields {
			buf, err := dev.Alloc(fmt.Sprintf("L%d_%s", l, f), m.Total)
			if err != nil {
				h.levels = append(h.levels, lvl)
				h.free()
				return nil, fmt.Errorf("mg: allocate level %d field %s: %w", l, f, err)
			}
			lvl.set(f, buf)
		}
		h.levels = append(h.levels, lvl)
	}
	return h, nil
}

func (l *Level) set(f Field, buf accel.Buffer) {
	switch f {
	case FieldU:
		l.U = buf
	case FieldB:
		l.B = buf
	case FieldR:
		l.R = buf
	case FieldA:
		l.A = buf
	}
}

func (h *Hierarchy) free() error {
	var errs []error
	for _, lvl := range h.levels {
		for _, f := range Fields {
			if buf := lvl.Field(f); buf != nil {
				errs = append(errs, h.dev.Free(buf))
				lvl.set(f, nil)
			}
		}
	}
	h.levels = nil
	return errors.Join(errs...)
}

// Len is the number of levels.
func (h *Hierarchy) Len() int { return len(h.levels) }

// Level returns level i.
func (h *Hierarchy) Level(i int) (*Level, error) {
	if h.released {
		return nil, ErrReleased
	}
	if i < 0 || i >= len(h.levels) {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrLevelRange, i, len(h.levels))
	}
	return h.levels[i], nil
}

// Finest returns level 0.
func (h *Hierarchy) Finest() (*Level, error) { return h.Level(0) }

// Coarsest returns the last level.
func (h *Hierarchy) Coarsest() (*Level, error) { return h.Level(len(h.levels) - 1) }

// Snapshot copies field f of level i back to the host. It is the read-only
// view handed to writers once a run has completed.
func (h *Hierarchy) Snapshot(i int, f Field) ([]float32, error) {
	lvl, err := h.Level(i)
	if err != nil {
		return nil, err
	}
	buf := lvl.Field(f)
	if buf == nil {
		return nil, fmt.Errorf("mg: no field %s", f)
	}
	out := make([]float32, lvl.Mesh.Total)
	if err := h.dev.Read(buf, out); err != nil {
		return nil, fmt.Errorf("mg: snapshot level %d field %s: %w", i, f, err)
	}
	return out, nil
}

// Release waits for outstanding device work, then frees every field of every
// level. It must be called exactly once.
func (h *Hierarchy) Release() error {
	if h.released {
		return ErrReleased
	}
	h.released = true
	ferr := h.dev.Finish()
	return errors.Join(ferr, h.free())
}
