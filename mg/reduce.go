package mg

import (
	"fmt"
	"math/bits"

	"github.com/openfluke/multigrid/accel"
	"github.com/openfluke/multigrid/mesh"
)

// Reducer sums device buffers with a fixed binary tree of halving passes.
// It keeps no state beyond the compiled kernel.
type Reducer struct {
	dev  accel.Device
	step accel.Kernel
}

// NewReducer resolves the reduceStep kernel.
func NewReducer(dev accel.Device, prog accel.Program) (*Reducer, error) {
	k, err := prog.Kernel(accel.KernelReduceStep)
	if err != nil {
		return nil, err
	}
	return &Reducer{dev: dev, step: k}, nil
}

// Passes returns ⌈log2 n⌉, the number of halving passes for n elements.
func Passes(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// Sum folds the first n elements of buf in place and returns buf[0]. Pass i
// runs 2^(L-i-1) work items, so the summation order depends only on n. The
// buffer contents are destroyed.
func (r *Reducer) Sum(buf accel.Buffer, n int) (float64, error) {
	if n < 1 || n > accel.MaxReduceElements {
		return 0, accel.Errorf(accel.KindDispatch, accel.KernelReduceStep, "length %d outside [1,%d]", n, accel.MaxReduceElements)
	}
	if buf == nil || buf.Len() < n {
		return 0, accel.Errorf(accel.KindDispatch, accel.KernelReduceStep, "buffer shorter than %d", n)
	}
	L := Passes(n)
	for i := 0; i < L; i++ {
		p := 1 << (L - i - 1)
		_, err := r.dev.Dispatch(r.step, mesh.Linear(p), accel.Bind(r.step.Signature()).
			Buffer("buffer", buf).
			Int("n", n))
		if err != nil {
			return 0, fmt.Errorf("mg: reduce pass %d/%d: %w", i, L, err)
		}
	}
	var out [1]float32
	if err := r.dev.Read(buf, out[:]); err != nil {
		return 0, fmt.Errorf("mg: reduce read-back: %w", err)
	}
	return float64(out[0]), nil
}
