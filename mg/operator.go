package mg

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfluke/multigrid/accel"
)

// Variant describes a discrete operator. Backends provide its kernels under
// "<ID>/forward", "<ID>/residual" and "<ID>/jacobiStep".
type Variant struct {
	ID          string
	Description string
	// UsesTimestep marks operators whose diagonal depends on mesh.Timestep.
	UsesTimestep bool
}

var (
	variantsMu sync.RWMutex
	variants   = map[string]Variant{
		"poisson": {ID: "poisson", Description: "-Δu = f, seven-point stencil"},
		"heat":    {ID: "heat", Description: "(1/dt - Δ)u = f, one backward-Euler step", UsesTimestep: true},
	}
)

// RegisterVariant adds an operator variant to the registry.
func RegisterVariant(v Variant) {
	variantsMu.Lock()
	defer variantsMu.Unlock()
	variants[v.ID] = v
}

// LookupVariant returns the variant registered under id.
func LookupVariant(id string) (Variant, error) {
	variantsMu.RLock()
	defer variantsMu.RUnlock()
	v, ok := variants[id]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %q", ErrUnknownOperator, id)
	}
	return v, nil
}

// VariantIDs lists the registered variants.
func VariantIDs() []string {
	variantsMu.RLock()
	defer variantsMu.RUnlock()
	out := make([]string, 0, len(variants))
	for id := range variants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Operator bundles the forward, residual and relaxation kernels of one
// variant.
type Operator struct {
	Variant Variant

	dev                       accel.Device
	forward, residual, jacobi accel.Kernel
}

// NewOperator resolves the kernels of variant v from a compiled program.
func NewOperator(dev accel.Device, prog accel.Program, v Variant) (*Operator, error) {
	op := &Operator{Variant: v, dev: dev}
	var err error
	if op.forward, err = prog.Kernel(accel.ForwardSig(v.ID).Name); err != nil {
		return nil, err
	}
	if op.residual, err = prog.Kernel(accel.ResidualSig(v.ID).Name); err != nil {
		return nil, err
	}
	if op.jacobi, err = prog.Kernel(accel.JacobiSig(v.ID).Name); err != nil {
		return nil, err
	}
	return op, nil
}

// Timing is the diagnostic record of a forward application.
type Timing struct {
	Host     time.Duration // enqueue to completion as seen by the host
	Device   time.Duration // execution time reported by the event
	Elements int
	Interior int
}

func (t Timing) String() string {
	return fmt.Sprintf("%d elements (%d interior) host %v device %v", t.Elements, t.Interior, t.Host, t.Device)
}

// Forward computes b = A·src over every element of the level and waits for
// the result, returning its timing.
func (op *Operator) Forward(lvl *Level, src Field) (Timing, error) {
	m := lvl.Mesh
	start := time.Now()
	ev, err := op.dev.Dispatch(op.forward, m.All, accel.Bind(op.forward.Signature()).
		Mesh("mesh", m).
		Buffer("a", lvl.Field(src)).
		Buffer("b", lvl.B))
	if err != nil {
		return Timing{}, fmt.Errorf("mg: forward level %d: %w", lvl.Index, err)
	}
	if err := ev.Wait(); err != nil {
		return Timing{}, fmt.Errorf("mg: forward level %d: %w", lvl.Index, err)
	}
	return Timing{
		Host:     time.Since(start),
		Device:   ev.Elapsed(),
		Elements: m.Total,
		Interior: m.Interior.Total(),
	}, nil
}

// Apply computes b = A·u. It is a diagnostic pass, not part of the cycle.
func (op *Operator) Apply(lvl *Level) (Timing, error) {
	return op.Forward(lvl, FieldU)
}

// Residual enqueues r = b - A·u.
func (op *Operator) Residual(lvl *Level) error {
	m := lvl.Mesh
	_, err := op.dev.Dispatch(op.residual, m.All, accel.Bind(op.residual.Signature()).
		Mesh("mesh", m).
		Buffer("u", lvl.U).
		Buffer("b", lvl.B).
		Buffer("r", lvl.R))
	if err != nil {
		return fmt.Errorf("mg: residual level %d: %w", lvl.Index, err)
	}
	return nil
}

func (op *Operator) jacobiStep(lvl *Level) error {
	m := lvl.Mesh
	_, err := op.dev.Dispatch(op.jacobi, m.All, accel.Bind(op.jacobi.Signature()).
		Mesh("mesh", m).
		Buffer("u", lvl.U).
		Buffer("r", lvl.R))
	if err != nil {
		return fmt.Errorf("mg: jacobi level %d: %w", lvl.Index, err)
	}
	return nil
}

// Relax runs sweeps damped Jacobi steps, each preceded by a residual, and
// finishes with one more residual so r matches the final u.
func (op *Operator) Relax(lvl *Level, sweeps int) error {
	for j := 0; j < sweeps; j++ {
		if err := op.Residual(lvl); err != nil {
			return err
		}
		if err := op.jacobiStep(lvl); err != nil {
			return err
		}
	}
	return op.Residual(lvl)
}

// Signatures lists the kernels variant id needs compiled.
func Signatures(id string) []accel.Signature {
	return append(accel.CoreSignatures(), accel.OperatorSignatures(id)...)
}
