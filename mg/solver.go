// Package mg is a geometric multigrid engine for Poisson-type problems on
// structured 3D grids. All numerical work is issued to an accel.Device in a
// fixed order; the host only blocks to read back norms.
package mg

import (
	"errors"
	"fmt"
	"time"

	"github.com/openfluke/multigrid/accel"
	"github.com/openfluke/multigrid/mesh"
)

// RHSMode selects how the finest right-hand side is produced.
type RHSMode int

const (
	// RHSDiscrete sets b = A·a so the discrete solution is exactly a.
	RHSDiscrete RHSMode = iota
	// RHSAnalytic keeps the continuous source -Δa written by init.
	RHSAnalytic
)

func (m RHSMode) String() string {
	if m == RHSAnalytic {
		return "analytic"
	}
	return "discrete"
}

// ParseRHSMode accepts "discrete" and "analytic".
func ParseRHSMode(s string) (RHSMode, error) {
	switch s {
	case "", "discrete":
		return RHSDiscrete, nil
	case "analytic":
		return RHSAnalytic, nil
	default:
		return 0, fmt.Errorf("mg: unknown rhs mode %q", s)
	}
}

// Params are fixed for a run.
type Params struct {
	Levels int // nl
	Sweeps int // nj, Jacobi sweeps per relaxation
	Cycles int // nc

	Operator     string
	ResidualNorm NormMode
	RHS          RHSMode
	// Tolerance stops the run once the finest error norm drops below it.
	// Zero runs exactly Cycles cycles.
	Tolerance float64
}

// DefaultParams mirrors the reference run: 4 levels, 5 sweeps, 10 cycles.
func DefaultParams() Params {
	return Params{Levels: 4, Sweeps: 5, Cycles: 10, Operator: "poisson"}
}

func (p Params) Validate() error {
	switch {
	case p.Levels < 1:
		return fmt.Errorf("mg: levels must be >= 1, got %d", p.Levels)
	case p.Sweeps < 0:
		return fmt.Errorf("mg: sweeps must be >= 0, got %d", p.Sweeps)
	case p.Cycles < 0:
		return fmt.Errorf("mg: cycles must be >= 0, got %d", p.Cycles)
	case p.Tolerance < 0:
		return fmt.Errorf("mg: tolerance must be >= 0, got %g", p.Tolerance)
	}
	return nil
}

// Result is the record of a completed run. It is only returned when every
// device command succeeded.
type Result struct {
	Params  Params
	Mesh    mesh.Descriptor
	Forward Timing
	WarmUp  CycleEvent
	Cycles  []CycleEvent
	// Converged is set when a positive Tolerance stopped the run early.
	Converged bool
	Elapsed   time.Duration
}

// Final returns the last measurement of the run.
func (r *Result) Final() CycleEvent {
	if len(r.Cycles) == 0 {
		return r.WarmUp
	}
	return r.Cycles[len(r.Cycles)-1]
}

// Option configures a Solver.
type Option func(*Solver)

// WithObserver registers an observer for cycle events.
func WithObserver(o Observer) Option {
	return func(s *Solver) { s.observers = append(s.observers, o) }
}

// WithLogf installs a progress logger, e.g. log.Printf.
func WithLogf(fn func(format string, args ...any)) Option {
	return func(s *Solver) { s.logf = fn }
}

// Solver owns the compiled program and the hierarchy of one problem.
type Solver struct {
	dev    accel.Device
	params Params
	prog   accel.Program

	h     *Hierarchy
	op    *Operator
	tr    *Transfer
	red   *Reducer
	mon   *Monitor
	ctl   *Controller
	initK accel.Kernel

	observers []Observer
	logf      func(string, ...any)
	closed    bool
}

// NewSolver compiles the kernels of p.Operator and builds the hierarchy
// below finest.
func NewSolver(dev accel.Device, finest mesh.Descriptor, p Params, opts ...Option) (*Solver, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	v, err := LookupVariant(p.Operator)
	if err != nil {
		return nil, err
	}
	if v.UsesTimestep && finest.Timestep <= 0 {
		return nil, fmt.Errorf("mg: operator %s needs a positive timestep, got %g", v.ID, finest.Timestep)
	}
	s := &Solver{dev: dev, params: p, logf: func(string, ...any) {}}
	for _, o := range opts {
		o(s)
	}

	if s.prog, err = dev.Compile(Signatures(v.ID)...); err != nil {
		return nil, fmt.Errorf("mg: compile %s program on %s: %w", v.ID, dev.Name(), err)
	}
	if err := s.resolve(v); err != nil {
		s.prog.Release()
		return nil, err
	}
	if s.h, err = BuildHierarchy(dev, finest, p.Levels); err != nil {
		s.prog.Release()
		return nil, err
	}
	s.ctl = NewController(s.h, s.op, s.tr, p.Sweeps)
	s.logf("mg %d %d %d (%s on %s)", p.Levels, p.Sweeps, p.Cycles, v.ID, dev.Name())
	return s, nil
}

func (s *Solver) resolve(v Variant) error {
	var err error
	if s.initK, err = s.prog.Kernel(accel.KernelInit); err != nil {
		return err
	}
	if s.op, err = NewOperator(s.dev, s.prog, v); err != nil {
		return err
	}
	if s.tr, err = NewTransfer(s.dev, s.prog); err != nil {
		return err
	}
	if s.red, err = NewReducer(s.dev, s.prog); err != nil {
		return err
	}
	s.mon, err = NewMonitor(s.dev, s.prog, s.red, s.params.ResidualNorm)
	return err
}

func (s *Solver) Hierarchy() *Hierarchy   { return s.h }
func (s *Solver) Operator() *Operator     { return s.op }
func (s *Solver) Transfer() *Transfer     { return s.tr }
func (s *Solver) Reducer() *Reducer       { return s.red }
func (s *Solver) Monitor() *Monitor       { return s.mon }
func (s *Solver) Controller() *Controller { return s.ctl }
func (s *Solver) Params() Params          { return s.params }
func (s *Solver) Device() accel.Device    { return s.dev }

// AddObserver registers o for subsequent cycle events.
func (s *Solver) AddObserver(o Observer) { s.observers = append(s.observers, o) }

func (s *Solver) finest() (*Level, error) { return s.h.Finest() }

func (s *Solver) notify(ev CycleEvent) {
	for _, o := range s.observers {
		o.OnCycle(ev)
	}
}

// Initialize fills every level with the reference field, zero solution and
// residual, and produces the finest right-hand side.
func (s *Solver) Initialize() (Timing, error) {
	for i := 0; i < s.h.Len(); i++ {
		lvl, err := s.h.Level(i)
		if err != nil {
			return Timing{}, err
		}
		_, err = s.dev.Dispatch(s.initK, lvl.Mesh.All, accel.Bind(s.initK.Signature()).
			Mesh("mesh", lvl.Mesh).
			Buffer("u", lvl.U).
			Buffer("b", lvl.B).
			Buffer("r", lvl.R).
			Buffer("a", lvl.A))
		if err != nil {
			return Timing{}, fmt.Errorf("mg: init level %d: %w", i, err)
		}
	}
	if s.params.RHS != RHSDiscrete {
		return Timing{}, nil
	}
	fine, err := s.finest()
	if err != nil {
		return Timing{}, err
	}
	t, err := s.op.Forward(fine, FieldA)
	if err != nil {
		return Timing{}, err
	}
	s.logf("fwd %v %s", fine.Mesh, t)
	return t, nil
}

func (s *Solver) measure(cycle int, start time.Time) (CycleEvent, error) {
	fine, err := s.finest()
	if err != nil {
		return CycleEvent{}, err
	}
	n, err := s.mon.Measure(fine)
	if err != nil {
		return CycleEvent{}, fmt.Errorf("mg: norms after cycle %d: %w", cycle, err)
	}
	ev := CycleEvent{Cycle: cycle, Mesh: fine.Mesh, Level: fine.Mesh.String(), Norms: n, Elapsed: time.Since(start)}
	s.notify(ev)
	return ev, nil
}

// WarmUp relaxes the finest level once and measures it.
func (s *Solver) WarmUp() (CycleEvent, error) {
	start := time.Now()
	fine, err := s.finest()
	if err != nil {
		return CycleEvent{}, err
	}
	if err := s.op.Relax(fine, s.params.Sweeps); err != nil {
		return CycleEvent{}, err
	}
	return s.measure(0, start)
}

// Solve runs the V-cycles, measuring the finest level after each one. It
// reports whether the tolerance stopped the run early.
func (s *Solver) Solve() ([]CycleEvent, bool, error) {
	events := make([]CycleEvent, 0, s.params.Cycles)
	for c := 1; c <= s.params.Cycles; c++ {
		start := time.Now()
		if err := s.ctl.VCycle(); err != nil {
			return nil, false, fmt.Errorf("mg: cycle %d: %w", c, err)
		}
		ev, err := s.measure(c, start)
		if err != nil {
			return nil, false, err
		}
		events = append(events, ev)
		if s.params.Tolerance > 0 && ev.Norms.Error < s.params.Tolerance {
			return events, true, nil
		}
	}
	return events, false, nil
}

// Run initializes, warms up and solves. Nothing is returned when a device
// command fails part way.
func (s *Solver) Run() (*Result, error) {
	if s.closed {
		return nil, ErrReleased
	}
	start := time.Now()
	fwd, err := s.Initialize()
	if err != nil {
		return nil, err
	}
	warm, err := s.WarmUp()
	if err != nil {
		return nil, err
	}
	cycles, converged, err := s.Solve()
	if err != nil {
		return nil, err
	}
	if err := s.dev.Finish(); err != nil {
		return nil, fmt.Errorf("mg: finish: %w", err)
	}
	fine, _ := s.finest()
	return &Result{
		Params:    s.params,
		Mesh:      fine.Mesh,
		Forward:   fwd,
		WarmUp:    warm,
		Cycles:    cycles,
		Converged: converged,
		Elapsed:   time.Since(start),
	}, nil
}

// Close releases the hierarchy and the program.
func (s *Solver) Close() error {
	if s.closed {
		return ErrReleased
	}
	s.closed = true
	err := s.h.Release()
	s.prog.Release()
	if errors.Is(err, ErrReleased) {
		return nil
	}
	return err
}
