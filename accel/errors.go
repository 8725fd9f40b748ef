package accel

import (
	"errors"
	"fmt"
)

// Kind classifies accelerator failures. Every kind is fatal for a run.
type Kind int

const (
	KindAllocation Kind = iota // buffer or kernel creation
	KindCompile                // program build
	KindDispatch               // invalid arguments or work shape at enqueue
	KindSync                   // wait or read-back
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrAllocation = errors.New("accel: allocation failed")
	ErrCompile    = errors.New("accel: compile failed")
	ErrDispatch   = errors.New("accel: dispatch failed")
	ErrSync       = errors.New("accel: sync failed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindAllocation:
		return ErrAllocation
	case KindCompile:
		return ErrCompile
	case KindDispatch:
		return ErrDispatch
	default:
		return ErrSync
	}
}

func (k Kind) String() string {
	switch k {
	case KindAllocation:
		return "allocation"
	case KindCompile:
		return "compile"
	case KindDispatch:
		return "dispatch"
	case KindSync:
		return "sync"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by accelerator backends.
type Error struct {
	Kind Kind
	Op   string // kernel name, buffer label or queue operation
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("accel: %s error in %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("accel: %s error in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
