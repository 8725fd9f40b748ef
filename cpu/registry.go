package cpu

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openfluke/multigrid/accel"
	"github.com/openfluke/multigrid/mesh"
)

// Args exposes the resolved arguments of a dispatch to a kernel body.
type Args struct {
	b    *accel.Binding
	data map[string][]float32
}

func (a *Args) Mesh(name string) mesh.Descriptor {
	return a.b.MeshArg(name)
}

func (a *Args) F(name string) []float32 {
	return a.data[name]
}

func (a *Args) Int(name string) int {
	return a.b.IntArg(name)
}

// Impl is the host implementation of one kernel. Check runs at dispatch time
// on the caller's goroutine; Body runs on the queue over work items [lo, hi).
type Impl struct {
	Sig   accel.Signature
	Check func(shape mesh.Shape, a *Args) error
	Body  func(shape mesh.Shape, a *Args, lo, hi int)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Impl{}
)

// Register adds a host kernel. Operator variants register their forward,
// residual and jacobiStep kernels here under "<id>/<kernel>".
func Register(impl Impl) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[impl.Sig.Name] = impl
}

func lookup(name string) (Impl, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	impl, ok := registry[name]
	return impl, ok
}

// Names lists the registered kernels.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// elementCheck is the Check of kernels dispatched one item per element of
// the mesh parameter m, reading and writing the listed buffers in full.
func elementCheck(m string, bufs ...string) func(mesh.Shape, *Args) error {
	return func(shape mesh.Shape, a *Args) error {
		d := a.Mesh(m)
		if shape != d.All {
			return fmt.Errorf("work shape %v does not match mesh %v", shape, d.All)
		}
		for _, name := range bufs {
			if n := len(a.F(name)); n < d.Total {
				return fmt.Errorf("buffer %q holds %d elements, mesh needs %d", name, n, d.Total)
			}
		}
		return nil
	}
}
