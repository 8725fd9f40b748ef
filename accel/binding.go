package accel

import (
	"fmt"

	"github.com/openfluke/multigrid/mesh"
)

// ParamKind is the type of a kernel parameter.
type ParamKind int

const (
	MeshParam   ParamKind = iota // mesh.Descriptor passed by value
	BufferParam                  // device field buffer
	IntParam                     // 32-bit scalar
)

func (k ParamKind) String() string {
	switch k {
	case MeshParam:
		return "mesh"
	case BufferParam:
		return "buffer"
	case IntParam:
		return "int"
	default:
		return "unknown"
	}
}

// Param is one named, typed kernel parameter.
type Param struct {
	Name string
	Kind ParamKind
}

// Signature names a kernel entry point and its parameters. Parameter order
// only matters to backends that lay arguments out positionally.
type Signature struct {
	Name   string
	Params []Param
}

func (s Signature) param(name string) (int, bool) {
	for i, p := range s.Params {
		if p.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Binding holds the arguments of one dispatch. Setters validate the name and
// kind against the signature; the first mismatch sticks and is reported by
// Err and by Dispatch.
type Binding struct {
	sig     Signature
	meshes  map[string]mesh.Descriptor
	buffers map[string]Buffer
	ints    map[string]int32
	err     error
}

// Bind starts a binding for sig.
func Bind(sig Signature) *Binding {
	return &Binding{
		sig:     sig,
		meshes:  make(map[string]mesh.Descriptor, 1),
		buffers: make(map[string]Buffer, len(sig.Params)),
		ints:    make(map[string]int32, 1),
	}
}

func (b *Binding) check(name string, kind ParamKind) bool {
	if b.err != nil {
		return false
	}
	i, ok := b.sig.param(name)
	if !ok {
		b.err = Errorf(KindDispatch, b.sig.Name, "no parameter %q", name)
		return false
	}
	if got := b.sig.Params[i].Kind; got != kind {
		b.err = Errorf(KindDispatch, b.sig.Name, "parameter %q is %s, bound as %s", name, got, kind)
		return false
	}
	return true
}

// Mesh binds a mesh descriptor parameter.
func (b *Binding) Mesh(name string, d mesh.Descriptor) *Binding {
	if b.check(name, MeshParam) {
		b.meshes[name] = d
	}
	return b
}

// Buffer binds a field buffer parameter.
func (b *Binding) Buffer(name string, buf Buffer) *Binding {
	if b.check(name, BufferParam) {
		if buf == nil {
			b.err = Errorf(KindDispatch, b.sig.Name, "nil buffer for %q", name)
			return b
		}
		b.buffers[name] = buf
	}
	return b
}

// Int binds a scalar parameter.
func (b *Binding) Int(name string, v int) *Binding {
	if b.check(name, IntParam) {
		if int(int32(v)) != v {
			b.err = Errorf(KindDispatch, b.sig.Name, "int parameter %q overflows int32: %d", name, v)
			return b
		}
		b.ints[name] = int32(v)
	}
	return b
}

// Signature returns the signature the binding was created for.
func (b *Binding) Signature() Signature { return b.sig }

// Err returns the first bind-time error.
func (b *Binding) Err() error { return b.err }

// Complete checks that every parameter of the signature is bound.
func (b *Binding) Complete() error {
	if b.err != nil {
		return b.err
	}
	for _, p := range b.sig.Params {
		var ok bool
		switch p.Kind {
		case MeshParam:
			_, ok = b.meshes[p.Name]
		case BufferParam:
			_, ok = b.buffers[p.Name]
		case IntParam:
			_, ok = b.ints[p.Name]
		}
		if !ok {
			return Errorf(KindDispatch, b.sig.Name, "parameter %q (%s) not bound", p.Name, p.Kind)
		}
	}
	return nil
}

// MeshArg returns a bound mesh descriptor.
func (b *Binding) MeshArg(name string) mesh.Descriptor { return b.meshes[name] }

// BufferArg returns a bound buffer.
func (b *Binding) BufferArg(name string) Buffer { return b.buffers[name] }

// IntArg returns a bound scalar.
func (b *Binding) IntArg(name string) int { return int(b.ints[name]) }

func (b *Binding) String() string {
	return fmt.Sprintf("%s(%d params)", b.sig.Name, len(b.sig.Params))
}
