// Package accel defines the accelerator contract the multigrid core runs on:
// buffer allocation, program compilation into named kernels, dispatch over a
// work shape with typed bindings, and blocking synchronisation.
//
// A Device owns exactly one in-order command stream. Dispatches touching the
// same buffer execute in submission order without extra fences.
package accel

import (
	"time"

	"github.com/openfluke/multigrid/mesh"
)

// Buffer is a device allocation of float32 elements.
type Buffer interface {
	Label() string
	Len() int
}

// Kernel is a compiled entry point.
type Kernel interface {
	Signature() Signature
}

// Program is the set of kernels produced by one compilation.
type Program interface {
	Kernel(name string) (Kernel, error)
	Release()
}

// Event tracks one submitted command.
type Event interface {
	// Wait blocks until the command has executed and returns its status.
	Wait() error
	// Elapsed is the execution time as the backend measures it: the kernel
	// run on the host queue, submit to completion for WebGPU. It is only
	// meaningful after Wait and is used for diagnostics.
	Elapsed() time.Duration
}

// Device is an accelerator with a single in-order queue.
type Device interface {
	Name() string

	Compile(sigs ...Signature) (Program, error)

	Alloc(label string, n int) (Buffer, error)
	Free(buf Buffer) error

	Dispatch(k Kernel, shape mesh.Shape, args *Binding) (Event, error)

	// Write uploads src into the start of buf.
	Write(buf Buffer, src []float32) error
	// Read blocks until every prior command has run, then copies the first
	// len(dst) elements of buf into dst.
	Read(buf Buffer, dst []float32) error
	// Finish blocks until the queue is empty.
	Finish() error

	Close() error
}

// CheckDispatch validates the generic preconditions every backend enforces
// before enqueueing a kernel.
func CheckDispatch(k Kernel, shape mesh.Shape, args *Binding) error {
	if k == nil {
		return Errorf(KindDispatch, "dispatch", "nil kernel")
	}
	name := k.Signature().Name
	if args == nil {
		return Errorf(KindDispatch, name, "nil binding")
	}
	if args.Signature().Name != name {
		return Errorf(KindDispatch, name, "binding built for %s", args.Signature().Name)
	}
	for i, n := range shape {
		if n < 1 {
			return Errorf(KindDispatch, name, "work shape %v has empty axis %d", shape, i)
		}
	}
	return args.Complete()
}
