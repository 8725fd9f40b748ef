package mg

import "fmt"

// Phase is the position of the controller within a V-cycle.
type Phase int

const (
	Descending Phase = iota
	CoarseSolve
	Ascending
	Done
)

func (p Phase) String() string {
	switch p {
	case Descending:
		return "descending"
	case CoarseSolve:
		return "coarse"
	case Ascending:
		return "ascending"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// State is one node of the V-cycle state machine. Level is meaningful for
// Descending and Ascending only.
type State struct {
	Phase Phase
	Level int
}

func (s State) String() string {
	if s.Phase == Descending || s.Phase == Ascending {
		return fmt.Sprintf("%s(%d)", s.Phase, s.Level)
	}
	return s.Phase.String()
}

// Controller drives V-cycles over a hierarchy.
type Controller struct {
	h      *Hierarchy
	op     *Operator
	tr     *Transfer
	sweeps int

	// OnStep, if set, sees every state before it executes.
	OnStep func(State)
}

// NewController binds a hierarchy, an operator and the transfer kernels.
func NewController(h *Hierarchy, op *Operator, tr *Transfer, sweeps int) *Controller {
	return &Controller{h: h, op: op, tr: tr, sweeps: sweeps}
}

// Start is the initial state of a cycle.
func (c *Controller) Start() State {
	if c.h.Len() == 1 {
		return State{Phase: CoarseSolve}
	}
	return State{Phase: Descending, Level: 0}
}

// Step performs the work of s and returns the next state.
func (c *Controller) Step(s State) (State, error) {
	nl := c.h.Len()
	if c.OnStep != nil {
		c.OnStep(s)
	}
	switch s.Phase {
	case Descending:
		fine, err := c.h.Level(s.Level)
		if err != nil {
			return s, err
		}
		coarse, err := c.h.Level(s.Level + 1)
		if err != nil {
			return s, err
		}
		if err := c.op.Relax(fine, c.sweeps); err != nil {
			return s, err
		}
		if err := c.tr.Restrict(fine, coarse); err != nil {
			return s, err
		}
		if s.Level == nl-2 {
			return State{Phase: CoarseSolve}, nil
		}
		return State{Phase: Descending, Level: s.Level + 1}, nil

	case CoarseSolve:
		coarsest, err := c.h.Coarsest()
		if err != nil {
			return s, err
		}
		if err := c.op.Relax(coarsest, c.sweeps); err != nil {
			return s, err
		}
		if nl == 1 {
			return State{Phase: Done}, nil
		}
		return State{Phase: Ascending, Level: nl - 2}, nil

	case Ascending:
		fine, err := c.h.Level(s.Level)
		if err != nil {
			return s, err
		}
		coarse, err := c.h.Level(s.Level + 1)
		if err != nil {
			return s, err
		}
		if err := c.tr.Prolong(coarse, fine); err != nil {
			return s, err
		}
		if err := c.op.Relax(fine, c.sweeps); err != nil {
			return s, err
		}
		if s.Level == 0 {
			return State{Phase: Done}, nil
		}
		return State{Phase: Ascending, Level: s.Level - 1}, nil

	default:
		return s, fmt.Errorf("mg: step from terminal state %v", s)
	}
}

// VCycle runs one full traversal from Start to Done.
func (c *Controller) VCycle() error {
	s := c.Start()
	for s.Phase != Done {
		var err error
		if s, err = c.Step(s); err != nil {
			return err
		}
	}
	return nil
}
