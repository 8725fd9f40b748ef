package mg

import (
	"fmt"

	"github.com/openfluke/multigrid/accel"
)

// Transfer moves data between adjacent levels.
type Transfer struct {
	dev               accel.Device
	restrict, prolong accel.Kernel
}

// NewTransfer resolves the restriction and prolongation kernels.
func NewTransfer(dev accel.Device, prog accel.Program) (*Transfer, error) {
	t := &Transfer{dev: dev}
	var err error
	if t.restrict, err = prog.Kernel(accel.KernelRestrict); err != nil {
		return nil, err
	}
	if t.prolong, err = prog.Kernel(accel.KernelProlong); err != nil {
		return nil, err
	}
	return t, nil
}

func adjacent(fine, coarse *Level) error {
	if coarse.Index != fine.Index+1 {
		return fmt.Errorf("%w: levels %d and %d are not adjacent", ErrLevelRange, fine.Index, coarse.Index)
	}
	return nil
}

// Restrict averages fine.r into coarse.b and resets coarse.u to zero, setting
// up the coarse correction equation A·e = restricted residual.
func (t *Transfer) Restrict(fine, coarse *Level) error {
	if err := adjacent(fine, coarse); err != nil {
		return err
	}
	_, err := t.dev.Dispatch(t.restrict, coarse.Mesh.All, accel.Bind(t.restrict.Signature()).
		Mesh("meshCoarse", coarse.Mesh).
		Buffer("rFine", fine.R).
		Buffer("uCoarse", coarse.U).
		Buffer("bCoarse", coarse.B))
	if err != nil {
		return fmt.Errorf("mg: restrict %d->%d: %w", fine.Index, coarse.Index, err)
	}
	return nil
}

// Prolong interpolates coarse.u and adds it to fine.u. The coarse level must
// already have been relaxed; its fields are left untouched.
func (t *Transfer) Prolong(coarse, fine *Level) error {
	if err := adjacent(fine, coarse); err != nil {
		return err
	}
	_, err := t.dev.Dispatch(t.prolong, fine.Mesh.All, accel.Bind(t.prolong.Signature()).
		Mesh("meshFine", fine.Mesh).
		Buffer("uCoarse", coarse.U).
		Buffer("uFine", fine.U))
	if err != nil {
		return fmt.Errorf("mg: prolong %d->%d: %w", coarse.Index, fine.Index, err)
	}
	return nil
}
