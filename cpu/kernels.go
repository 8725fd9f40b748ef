package cpu

import (
	"fmt"
	"math"

	"github.com/openfluke/multigrid/accel"
	"github.com/openfluke/multigrid/mesh"
)

func init() {
	Register(Impl{Sig: accel.InitSig, Check: elementCheck("mesh", "u", "b", "r", "a"), Body: initBody})
	Register(Impl{Sig: accel.RestrictSig, Check: restrictCheck, Body: restrictBody})
	Register(Impl{Sig: accel.ProlongSig, Check: prolongCheck, Body: prolongBody})
	Register(Impl{Sig: accel.SquaredErrorSig, Check: elementCheck("mesh", "u", "a", "r"), Body: squaredErrorBody})
	Register(Impl{Sig: accel.SquaredResidualSig, Check: elementCheck("mesh", "r"), Body: squaredResidualBody})
	Register(Impl{Sig: accel.ReduceStepSig, Check: reduceCheck, Body: reduceBody})

	RegisterOperator("poisson", func(mesh.Descriptor) float32 { return 0 })
	RegisterOperator("heat", func(d mesh.Descriptor) float32 { return 1 / d.Timestep })
}

// neighbour offsets of the six faces
var faces = [6][3]int{{-1, 0, 0}, {+1, 0, 0}, {0, -1, 0}, {0, +1, 0}, {0, 0, -1}, {0, 0, +1}}

// stencil evaluates (A·u)_i. Faces on the domain boundary see the ghost
// value -u_i (homogeneous Dirichlet).
func stencil(d mesh.Descriptor, u []float32, i int, shift float32) float32 {
	x, y, z := d.Coord(i)
	ui := u[i]
	var sum float32
	for _, f := range faces {
		nx, ny, nz := x+f[0], y+f[1], z+f[2]
		if d.InBounds(nx, ny, nz) {
			sum += ui - u[d.Index(nx, ny, nz)]
		} else {
			sum += 2 * ui
		}
	}
	return shift*ui + sum/(d.CellSize*d.CellSize)
}

// diagonal is the diagonal of A at element i; it depends on geometry only.
func diagonal(d mesh.Descriptor, i int, shift float32) float32 {
	x, y, z := d.Coord(i)
	var w float32
	for _, f := range faces {
		if d.InBounds(x+f[0], y+f[1], z+f[2]) {
			w++
		} else {
			w += 2
		}
	}
	return shift + w/(d.CellSize*d.CellSize)
}

// RegisterOperator registers the forward, residual and jacobiStep kernels of
// an operator A = shift·I - Δh under the given id.
func RegisterOperator(id string, shift func(mesh.Descriptor) float32) {
	check := func(bufs ...string) func(mesh.Shape, *Args) error {
		inner := elementCheck("mesh", bufs...)
		return func(shape mesh.Shape, a *Args) error {
			if s := shift(a.Mesh("mesh")); math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
				return fmt.Errorf("operator %s: invalid diagonal shift %g", id, s)
			}
			return inner(shape, a)
		}
	}
	Register(Impl{
		Sig:   accel.ForwardSig(id),
		Check: check("a", "b"),
		Body: func(_ mesh.Shape, a *Args, lo, hi int) {
			d := a.Mesh("mesh")
			s := shift(d)
			src, dst := a.F("a"), a.F("b")
			for i := lo; i < hi; i++ {
				dst[i] = stencil(d, src, i, s)
			}
		},
	})
	Register(Impl{
		Sig:   accel.ResidualSig(id),
		Check: check("u", "b", "r"),
		Body: func(_ mesh.Shape, a *Args, lo, hi int) {
			d := a.Mesh("mesh")
			s := shift(d)
			u, b, r := a.F("u"), a.F("b"), a.F("r")
			for i := lo; i < hi; i++ {
				r[i] = b[i] - stencil(d, u, i, s)
			}
		},
	})
	Register(Impl{
		Sig:   accel.JacobiSig(id),
		Check: check("u", "r"),
		Body: func(_ mesh.Shape, a *Args, lo, hi int) {
			d := a.Mesh("mesh")
			s := shift(d)
			u, r := a.F("u"), a.F("r")
			for i := lo; i < hi; i++ {
				u[i] += accel.JacobiWeight * r[i] / diagonal(d, i, s)
			}
		},
	})
}

// Analytic is the reference field sin(πx/Lx)·sin(πy/Ly)·sin(πz/Lz) at the
// centre of element i, and the matching source -Δa.
func Analytic(d mesh.Descriptor, i int) (a, f float32) {
	x, y, z := d.Coord(i)
	cx, cy, cz := d.Center(x, y, z)
	h := float64(d.CellSize)
	lx, ly, lz := float64(d.Dims[0])*h, float64(d.Dims[1])*h, float64(d.Dims[2])*h
	v := math.Sin(math.Pi*cx/lx) * math.Sin(math.Pi*cy/ly) * math.Sin(math.Pi*cz/lz)
	k := math.Pi * math.Pi * (1/(lx*lx) + 1/(ly*ly) + 1/(lz*lz))
	return float32(v), float32(k * v)
}

func initBody(_ mesh.Shape, a *Args, lo, hi int) {
	d := a.Mesh("mesh")
	u, b, r, ref := a.F("u"), a.F("b"), a.F("r"), a.F("a")
	for i := lo; i < hi; i++ {
		ref[i], b[i] = Analytic(d, i)
		u[i] = 0
		r[i] = 0
	}
}

func restrictCheck(shape mesh.Shape, a *Args) error {
	c := a.Mesh("meshCoarse")
	if shape != c.All {
		return fmt.Errorf("work shape %v does not match coarse mesh %v", shape, c.All)
	}
	if n := len(a.F("rFine")); n < 8*c.Total {
		return fmt.Errorf("fine residual holds %d elements, coarse mesh needs %d", n, 8*c.Total)
	}
	for _, name := range []string{"uCoarse", "bCoarse"} {
		if n := len(a.F(name)); n < c.Total {
			return fmt.Errorf("buffer %q holds %d elements, coarse mesh needs %d", name, n, c.Total)
		}
	}
	return nil
}

// restrictBody averages the eight fine residual children of each coarse
// element into bCoarse and zeroes the coarse initial guess.
func restrictBody(_ mesh.Shape, a *Args, lo, hi int) {
	c := a.Mesh("meshCoarse")
	fx, fy := 2*c.Dims[0], 2*c.Dims[1]
	rf, uc, bc := a.F("rFine"), a.F("uCoarse"), a.F("bCoarse")
	for i := lo; i < hi; i++ {
		x, y, z := c.Coord(i)
		var sum float32
		for _, o := range children {
			sum += rf[(2*x+o[0])+fx*((2*y+o[1])+fy*(2*z+o[2]))]
		}
		bc[i] = sum / 8
		uc[i] = 0
	}
}

var children = [8][3]int{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0}, {0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1}}

func prolongCheck(shape mesh.Shape, a *Args) error {
	f := a.Mesh("meshFine")
	if shape != f.All {
		return fmt.Errorf("work shape %v does not match fine mesh %v", shape, f.All)
	}
	for ax, e := range f.Exponent {
		if e < 1 {
			return fmt.Errorf("fine mesh has no coarse parent on axis %d", ax)
		}
	}
	if n := len(a.F("uFine")); n < f.Total {
		return fmt.Errorf("fine solution holds %d elements, mesh needs %d", n, f.Total)
	}
	if n := len(a.F("uCoarse")); n < f.Total/8 {
		return fmt.Errorf("coarse solution holds %d elements, needs %d", n, f.Total/8)
	}
	return nil
}

// prolongBody adds the trilinear interpolant of the coarse correction to each
// fine element: weight 3/4 on the parent and 1/4 on the nearer neighbour per
// axis, with odd reflection outside the domain.
func prolongBody(_ mesh.Shape, a *Args, lo, hi int) {
	f := a.Mesh("meshFine")
	cd := [3]int{f.Dims[0] / 2, f.Dims[1] / 2, f.Dims[2] / 2}
	uc, uf := a.F("uCoarse"), a.F("uFine")
	for i := lo; i < hi; i++ {
		x, y, z := f.Coord(i)
		fine := [3]int{x, y, z}
		var idx [3][2]int
		var sgn [3][2]float32
		for ax := 0; ax < 3; ax++ {
			p := fine[ax] / 2
			n := p + 1
			if fine[ax]%2 == 0 {
				n = p - 1
			}
			idx[ax] = [2]int{p, n}
			sgn[ax] = [2]float32{1, 1}
			if n < 0 || n >= cd[ax] {
				idx[ax][1] = p
				sgn[ax][1] = -1
			}
		}
		var v float32
		for k := 0; k < 8; k++ {
			w := float32(1)
			var c [3]int
			for ax := 0; ax < 3; ax++ {
				j := (k >> ax) & 1
				c[ax] = idx[ax][j]
				if j == 0 {
					w *= 0.75
				} else {
					w *= 0.25 * sgn[ax][1]
				}
			}
			v += w * uc[c[0]+cd[0]*(c[1]+cd[1]*c[2])]
		}
		uf[i] += v
	}
}

func squaredErrorBody(_ mesh.Shape, a *Args, lo, hi int) {
	u, ref, r := a.F("u"), a.F("a"), a.F("r")
	for i := lo; i < hi; i++ {
		e := u[i] - ref[i]
		r[i] = e * e
	}
}

func squaredResidualBody(_ mesh.Shape, a *Args, lo, hi int) {
	r := a.F("r")
	for i := lo; i < hi; i++ {
		r[i] *= r[i]
	}
}

func reduceCheck(shape mesh.Shape, a *Args) error {
	n := a.Int("n")
	if n < 1 || n > accel.MaxReduceElements {
		return fmt.Errorf("length %d outside [1,%d]", n, accel.MaxReduceElements)
	}
	if len(a.F("buffer")) < n {
		return fmt.Errorf("buffer holds %d elements, length is %d", len(a.F("buffer")), n)
	}
	if shape[1] != 1 || shape[2] != 1 || shape[0] >= n {
		return fmt.Errorf("work shape %v invalid for length %d", shape, n)
	}
	return nil
}

// reduceBody folds the upper half of the live range onto the lower half:
// item k adds buffer[k+p] into buffer[k], p being the pass width.
func reduceBody(shape mesh.Shape, a *Args, lo, hi int) {
	buf, n, p := a.F("buffer"), a.Int("n"), shape[0]
	for k := lo; k < hi; k++ {
		if k+p < n {
			buf[k] += buf[k+p]
		}
	}
}
