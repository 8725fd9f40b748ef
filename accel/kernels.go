package accel

// Kernel entry points shared by every operator variant.
const (
	KernelInit            = "mg/init"
	KernelRestrict        = "mg/restrict"
	KernelProlong         = "mg/prolong"
	KernelSquaredError    = "mg/squaredError"
	KernelSquaredResidual = "mg/squaredResidual"
	KernelReduceStep      = "mg/reduceStep"
)

// MaxReduceElements bounds the length accepted by the reduction kernel.
const MaxReduceElements = 1 << 30

// JacobiWeight is the damping factor of every jacobiStep kernel; 6/7 is the
// smoothing optimum for the 3D seven-point stencil.
const JacobiWeight float32 = 6.0 / 7.0

func mp(name string) Param { return Param{Name: name, Kind: MeshParam} }
func bp(name string) Param { return Param{Name: name, Kind: BufferParam} }
func ip(name string) Param { return Param{Name: name, Kind: IntParam} }

var (
	InitSig = Signature{Name: KernelInit, Params: []Param{mp("mesh"), bp("u"), bp("b"), bp("r"), bp("a")}}

	RestrictSig = Signature{Name: KernelRestrict, Params: []Param{mp("meshCoarse"), bp("rFine"), bp("uCoarse"), bp("bCoarse")}}
	ProlongSig  = Signature{Name: KernelProlong, Params: []Param{mp("meshFine"), bp("uCoarse"), bp("uFine")}}

	SquaredErrorSig    = Signature{Name: KernelSquaredError, Params: []Param{mp("mesh"), bp("u"), bp("a"), bp("r")}}
	SquaredResidualSig = Signature{Name: KernelSquaredResidual, Params: []Param{mp("mesh"), bp("r")}}
	ReduceStepSig      = Signature{Name: KernelReduceStep, Params: []Param{bp("buffer"), ip("n")}}
)

// ForwardSig is b = A·a for operator op.
func ForwardSig(op string) Signature {
	return Signature{Name: op + "/forward", Params: []Param{mp("mesh"), bp("a"), bp("b")}}
}

// ResidualSig is r = b - A·u for operator op.
func ResidualSig(op string) Signature {
	return Signature{Name: op + "/residual", Params: []Param{mp("mesh"), bp("u"), bp("b"), bp("r")}}
}

// JacobiSig is the pointwise relaxation u += ω·r/diag for operator op.
func JacobiSig(op string) Signature {
	return Signature{Name: op + "/jacobiStep", Params: []Param{mp("mesh"), bp("u"), bp("r")}}
}

// OperatorSignatures lists the three kernels an operator variant provides.
func OperatorSignatures(op string) []Signature {
	return []Signature{ForwardSig(op), ResidualSig(op), JacobiSig(op)}
}

// CoreSignatures lists the operator-independent kernels.
func CoreSignatures() []Signature {
	return []Signature{InitSig, RestrictSig, ProlongSig, SquaredErrorSig, SquaredResidualSig, ReduceStepSig}
}
