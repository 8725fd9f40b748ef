package gpu

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openfluke/multigrid/accel"
)

// workgroupSize is the 1D workgroup every kernel is compiled with.
const workgroupSize = 64

// uniform layout shared by every kernel, eight 32-bit words
const prelude = `
struct Params {
	nx: u32, ny: u32, nz: u32, items: u32,
	h: f32, dt: f32, arg: u32, stride: u32,
};
@group(0) @binding(0) var<uniform> P: Params;

const PI: f32 = 3.14159265358979;

fn item(gid: vec3<u32>) -> u32 { return gid.x + gid.y * P.stride; }

fn coord(i: u32) -> vec3<u32> {
	return vec3<u32>(i % P.nx, (i / P.nx) % P.ny, i / (P.nx * P.ny));
}

fn inside(c: vec3<i32>) -> bool {
	return all(c >= vec3<i32>(0)) && all(c < vec3<i32>(i32(P.nx), i32(P.ny), i32(P.nz)));
}

fn at(c: vec3<i32>) -> u32 {
	return u32(c.x) + P.nx * (u32(c.y) + P.ny * u32(c.z));
}

fn face(f: u32) -> vec3<i32> {
	var faces = array<vec3<i32>, 6>(
		vec3<i32>(-1, 0, 0), vec3<i32>(1, 0, 0),
		vec3<i32>(0, -1, 0), vec3<i32>(0, 1, 0),
		vec3<i32>(0, 0, -1), vec3<i32>(0, 0, 1));
	return faces[f];
}
`

// stencil reads the global src array; ghost cells mirror with opposite sign.
const stencilFn = `
fn stencil(i: u32, shift: f32) -> f32 {
	let c = vec3<i32>(coord(i));
	let ui = src[i];
	var sum = 0.0;
	for (var f = 0u; f < 6u; f = f + 1u) {
		let n = c + face(f);
		if (inside(n)) {
			sum += ui - src[at(n)];
		} else {
			sum += 2.0 * ui;
		}
	}
	return shift * ui + sum / (P.h * P.h);
}
`

const diagonalFn = `
fn diagonal(i: u32, shift: f32) -> f32 {
	let c = vec3<i32>(coord(i));
	var w = 0.0;
	for (var f = 0u; f < 6u; f = f + 1u) {
		w += select(2.0, 1.0, inside(c + face(f)));
	}
	return shift + w / (P.h * P.h);
}
`

// binding is one storage buffer of a shader, in signature order.
type binding struct {
	ident    string
	readOnly bool
}

// shader is the WGSL source of one kernel.
type shader struct {
	sig      accel.Signature
	bindings []binding
	helpers  []string
	body     string
	// needsTimestep rejects dispatches on meshes without a timestep
	needsTimestep bool
}

func (s shader) source() string {
	var b strings.Builder
	b.WriteString(prelude)
	for i, bd := range s.bindings {
		access := "read_write"
		if bd.readOnly {
			access = "read"
		}
		fmt.Fprintf(&b, "@group(0) @binding(%d) var<storage, %s> %s : array<f32>;\n", i+1, access, bd.ident)
	}
	for _, h := range s.helpers {
		b.WriteString(h)
	}
	fmt.Fprintf(&b, `
@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let i = item(gid);
	if (i >= P.items) { return; }
%s
}
`, workgroupSize, s.body)
	return b.String()
}

var (
	catalogueMu sync.RWMutex
	catalogue   = map[string]shader{}
)

func register(s shader) {
	if n := countBuffers(s.sig); n != len(s.bindings) {
		panic(fmt.Sprintf("gpu: %s declares %d bindings for %d buffer parameters", s.sig.Name, len(s.bindings), n))
	}
	catalogueMu.Lock()
	defer catalogueMu.Unlock()
	catalogue[s.sig.Name] = s
}

func lookup(name string) (shader, bool) {
	catalogueMu.RLock()
	defer catalogueMu.RUnlock()
	s, ok := catalogue[name]
	return s, ok
}

// Names lists the kernels with a WGSL implementation.
func Names() []string {
	catalogueMu.RLock()
	defer catalogueMu.RUnlock()
	out := make([]string, 0, len(catalogue))
	for k := range catalogue {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Source returns the WGSL of a registered kernel.
func Source(name string) (string, bool) {
	s, ok := lookup(name)
	if !ok {
		return "", false
	}
	return s.source(), true
}

func countBuffers(sig accel.Signature) int {
	n := 0
	for _, p := range sig.Params {
		if p.Kind == accel.BufferParam {
			n++
		}
	}
	return n
}

func rw(ident string) binding { return binding{ident: ident} }
func ro(ident string) binding { return binding{ident: ident, readOnly: true} }

// RegisterOperator adds the forward, residual and jacobiStep shaders of the
// operator shift·I - Δh. shift is a WGSL f32 expression that may read the
// uniform P, e.g. "1.0 / P.dt".
func RegisterOperator(id, shift string, needsTimestep bool) {
	register(shader{
		sig:           accel.ForwardSig(id),
		bindings:      []binding{ro("src"), rw("dst")},
		helpers:       []string{stencilFn},
		body:          fmt.Sprintf("\tdst[i] = stencil(i, %s);", shift),
		needsTimestep: needsTimestep,
	})
	register(shader{
		sig:           accel.ResidualSig(id),
		bindings:      []binding{ro("src"), ro("b"), rw("r")},
		helpers:       []string{stencilFn},
		body:          fmt.Sprintf("\tr[i] = b[i] - stencil(i, %s);", shift),
		needsTimestep: needsTimestep,
	})
	register(shader{
		sig:           accel.JacobiSig(id),
		bindings:      []binding{rw("u"), ro("r")},
		helpers:       []string{diagonalFn},
		body:          fmt.Sprintf("\tu[i] += %v * r[i] / diagonal(i, %s);", wgslFloat(accel.JacobiWeight), shift),
		needsTimestep: needsTimestep,
	})
}

func wgslFloat(v float32) string {
	s := fmt.Sprintf("%.9g", v)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func init() {
	register(shader{
		sig:      accel.InitSig,
		bindings: []binding{rw("u"), rw("b"), rw("r"), rw("a")},
		body: `	let L = vec3<f32>(f32(P.nx), f32(P.ny), f32(P.nz)) * P.h;
	let x = (vec3<f32>(coord(i)) + vec3<f32>(0.5)) * P.h;
	let v = sin(PI * x.x / L.x) * sin(PI * x.y / L.y) * sin(PI * x.z / L.z);
	let k = PI * PI * (1.0 / (L.x * L.x) + 1.0 / (L.y * L.y) + 1.0 / (L.z * L.z));
	a[i] = v;
	b[i] = k * v;
	u[i] = 0.0;
	r[i] = 0.0;`,
	})

	// dispatched over the coarse mesh
	register(shader{
		sig:      accel.RestrictSig,
		bindings: []binding{ro("rFine"), rw("uCoarse"), rw("bCoarse")},
		body: `	let c = coord(i);
	let fx = 2u * P.nx;
	let fy = 2u * P.ny;
	var sum = 0.0;
	for (var k = 0u; k < 8u; k = k + 1u) {
		let f = 2u * c + vec3<u32>(k & 1u, (k >> 1u) & 1u, (k >> 2u) & 1u);
		sum += rFine[f.x + fx * (f.y + fy * f.z)];
	}
	bCoarse[i] = sum / 8.0;
	uCoarse[i] = 0.0;`,
	})

	// dispatched over the fine mesh
	register(shader{
		sig:      accel.ProlongSig,
		bindings: []binding{ro("uCoarse"), rw("uFine")},
		body: `	let f = vec3<i32>(coord(i));
	let cd = vec3<i32>(i32(P.nx / 2u), i32(P.ny / 2u), i32(P.nz / 2u));
	let p = f / 2;
	var nb = select(p - vec3<i32>(1), p + vec3<i32>(1), (f & vec3<i32>(1)) == vec3<i32>(1));
	let outside = (nb < vec3<i32>(0)) | (nb >= cd);
	let sg = select(vec3<f32>(0.25), vec3<f32>(-0.25), outside);
	nb = select(nb, p, outside);
	var v = 0.0;
	for (var k = 0u; k < 8u; k = k + 1u) {
		let o = vec3<bool>((k & 1u) == 1u, ((k >> 1u) & 1u) == 1u, ((k >> 2u) & 1u) == 1u);
		let c = select(p, nb, o);
		let w = select(vec3<f32>(0.75), sg, o);
		v += w.x * w.y * w.z * uCoarse[u32(c.x) + u32(cd.x) * (u32(c.y) + u32(cd.y) * u32(c.z))];
	}
	uFine[i] += v;`,
	})

	register(shader{
		sig:      accel.SquaredErrorSig,
		bindings: []binding{ro("u"), ro("a"), rw("r")},
		body: `	let e = u[i] - a[i];
	r[i] = e * e;`,
	})

	register(shader{
		sig:      accel.SquaredResidualSig,
		bindings: []binding{rw("r")},
		body:     `	r[i] = r[i] * r[i];`,
	})

	// items is the pass width p, arg the live length n
	register(shader{
		sig:      accel.ReduceStepSig,
		bindings: []binding{rw("buf")},
		body: `	if (i + P.items < P.arg) {
		buf[i] += buf[i + P.items];
	}`,
	})

	RegisterOperator("poisson", "0.0", false)
	RegisterOperator("heat", "(1.0 / P.dt)", true)
}
