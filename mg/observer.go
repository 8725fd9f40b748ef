package mg

import (
	"log"
	"time"

	"github.com/openfluke/multigrid/mesh"
)

// CycleEvent is emitted after the warm-up relaxation (Cycle 0) and after
// every completed V-cycle, measured on the finest level.
type CycleEvent struct {
	Cycle   int             `json:"cycle"`
	Mesh    mesh.Descriptor `json:"-"`
	Level   string          `json:"level"`
	Norms   Norms           `json:"norms"`
	Elapsed time.Duration   `json:"elapsed_ns"`
}

// Observer receives cycle events. Implementations must not block the solver.
type Observer interface {
	OnCycle(ev CycleEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(CycleEvent)

func (f ObserverFunc) OnCycle(ev CycleEvent) { f(ev) }

// ConsoleObserver logs one line per event.
type ConsoleObserver struct {
	Logger *log.Logger // nil uses the standard logger
}

func (o *ConsoleObserver) OnCycle(ev CycleEvent) {
	printf := log.Printf
	if o.Logger != nil {
		printf = o.Logger.Printf
	}
	printf("nrm %s cyc %2d %+e %+e (%v)", ev.Level, ev.Cycle, ev.Norms.Residual, ev.Norms.Error, ev.Elapsed)
}

// ChannelObserver forwards events to a channel, dropping them when it is full.
type ChannelObserver struct {
	Events chan CycleEvent
}

func NewChannelObserver(bufferSize int) *ChannelObserver {
	return &ChannelObserver{Events: make(chan CycleEvent, bufferSize)}
}

func (o *ChannelObserver) OnCycle(ev CycleEvent) {
	select {
	case o.Events <- ev:
	default:
	}
}
