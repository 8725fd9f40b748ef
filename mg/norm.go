package mg

import (
	"fmt"
	"math"

	"github.com/openfluke/multigrid/accel"
)

// NormMode selects how the residual norm is accumulated.
type NormMode int

const (
	// NormRaw sums the residual values as they are: sqrt(h³·Σr). The sum can
	// be negative, in which case the norm is NaN.
	NormRaw NormMode = iota
	// NormL2 squares the residual first: sqrt(h³·Σr²).
	NormL2
)

func (m NormMode) String() string {
	switch m {
	case NormRaw:
		return "raw"
	case NormL2:
		return "l2"
	default:
		return "unknown"
	}
}

// ParseNormMode accepts "raw" and "l2".
func ParseNormMode(s string) (NormMode, error) {
	switch s {
	case "", "raw":
		return NormRaw, nil
	case "l2":
		return NormL2, nil
	default:
		return 0, fmt.Errorf("mg: unknown residual norm %q", s)
	}
}

// Norms is one diagnostic sample on a level.
type Norms struct {
	Residual float64 `json:"residual"`
	Error    float64 `json:"error"`
}

// Monitor derives residual and error norms through the Reducer. Both norms
// use the residual buffer as scratch, so r is stale after a measurement.
type Monitor struct {
	dev         accel.Device
	red         *Reducer
	sqErr, sqRs accel.Kernel
	mode        NormMode
}

// NewMonitor resolves the pointwise kernels feeding the reduction.
func NewMonitor(dev accel.Device, prog accel.Program, red *Reducer, mode NormMode) (*Monitor, error) {
	m := &Monitor{dev: dev, red: red, mode: mode}
	var err error
	if m.sqErr, err = prog.Kernel(accel.KernelSquaredError); err != nil {
		return nil, err
	}
	if m.sqRs, err = prog.Kernel(accel.KernelSquaredResidual); err != nil {
		return nil, err
	}
	return m, nil
}

// Mode is the residual accumulation mode.
func (m *Monitor) Mode() NormMode { return m.mode }

// ResidualNorm reduces level.r.
func (m *Monitor) ResidualNorm(lvl *Level) (float64, error) {
	if m.mode == NormL2 {
		_, err := m.dev.Dispatch(m.sqRs, lvl.Mesh.All, accel.Bind(m.sqRs.Signature()).
			Mesh("mesh", lvl.Mesh).
			Buffer("r", lvl.R))
		if err != nil {
			return 0, fmt.Errorf("mg: square residual level %d: %w", lvl.Index, err)
		}
	}
	s, err := m.red.Sum(lvl.R, lvl.Mesh.Total)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(lvl.Mesh.Volume() * s), nil
}

// ErrorNorm overwrites level.r with (u-a)² and reduces it.
func (m *Monitor) ErrorNorm(lvl *Level) (float64, error) {
	_, err := m.dev.Dispatch(m.sqErr, lvl.Mesh.All, accel.Bind(m.sqErr.Signature()).
		Mesh("mesh", lvl.Mesh).
		Buffer("u", lvl.U).
		Buffer("a", lvl.A).
		Buffer("r", lvl.R))
	if err != nil {
		return 0, fmt.Errorf("mg: squared error level %d: %w", lvl.Index, err)
	}
	s, err := m.red.Sum(lvl.R, lvl.Mesh.Total)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(lvl.Mesh.Volume() * s), nil
}

// Measure evaluates the residual norm, then the error norm.
func (m *Monitor) Measure(lvl *Level) (Norms, error) {
	r, err := m.ResidualNorm(lvl)
	if err != nil {
		return Norms{}, err
	}
	e, err := m.ErrorNorm(lvl)
	if err != nil {
		return Norms{}, err
	}
	return Norms{Residual: r, Error: e}, nil
}
