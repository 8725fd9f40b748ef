// Package cpu is an in-process accelerator. Commands run on a single queue
// goroutine in submission order; each kernel is split across cores with
// pargo's parallel.Range.
package cpu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/exascience/pargo/parallel"

	"github.com/openfluke/multigrid/accel"
	"github.com/openfluke/multigrid/mesh"
)

// Option configures a Device.
type Option func(*Device)

// WithMemoryLimit caps the total number of bytes the device will allocate.
func WithMemoryLimit(bytes int64) Option {
	return func(d *Device) { d.limit = bytes }
}

// WithBatches sets the number of parallel batches per dispatch. Zero lets
// pargo pick one per available core.
func WithBatches(n int) Option {
	return func(d *Device) { d.batches = n }
}

// WithFault installs a hook run on the queue before every kernel. A non-nil
// return fails the command as if the device had faulted.
func WithFault(fn func(kernel string) error) Option {
	return func(d *Device) { d.fault = fn }
}

// Device implements accel.Device on the host.
type Device struct {
	limit   int64
	batches int
	fault   func(string) error

	mu        sync.Mutex
	allocated int64
	closed    bool
	queue     chan command
	stopped   chan struct{}

	// written only by the queue goroutine
	failed error
}

type command struct {
	op  string
	run func() error
	ev  *event
}

type event struct {
	done    chan struct{}
	err     error
	elapsed time.Duration
}

func (e *event) Wait() error {
	<-e.done
	return e.err
}

func (e *event) Elapsed() time.Duration {
	<-e.done
	return e.elapsed
}

// New starts a device and its queue goroutine.
func New(opts ...Option) *Device {
	d := &Device{
		limit:   1 << 34,
		queue:   make(chan command, 256),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	go d.loop()
	return d
}

func (d *Device) loop() {
	defer close(d.stopped)
	for c := range d.queue {
		if d.failed != nil {
			c.ev.err = d.failed
			close(c.ev.done)
			continue
		}
		start := time.Now()
		err := c.run()
		c.ev.elapsed = time.Since(start)
		if err != nil {
			var ae *accel.Error
			if !errors.As(err, &ae) {
				err = accel.Wrap(accel.KindSync, c.op, err)
			}
			d.failed = err
		}
		c.ev.err = err
		close(c.ev.done)
	}
}

func (d *Device) submit(op string, run func() error) (*event, error) {
	ev := &event{done: make(chan struct{})}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, accel.Errorf(accel.KindSync, op, "device closed")
	}
	d.queue <- command{op: op, run: run, ev: ev}
	return ev, nil
}

func (d *Device) Name() string { return "cpu" }

type buffer struct {
	label string
	data  []float32
	dev   *Device
	freed bool // guarded by dev.mu
}

func (b *buffer) Label() string { return b.label }
func (b *buffer) Len() int      { return len(b.data) }

func (d *Device) own(buf accel.Buffer, kind accel.Kind, op string) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok || b.dev != d {
		return nil, accel.Errorf(kind, op, "buffer %q does not belong to this device", labelOf(buf))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.freed {
		return nil, accel.Errorf(kind, op, "buffer %q already freed", b.label)
	}
	return b, nil
}

func labelOf(buf accel.Buffer) string {
	if buf == nil {
		return "<nil>"
	}
	return buf.Label()
}

// Alloc returns a zeroed buffer of n float32 elements.
func (d *Device) Alloc(label string, n int) (accel.Buffer, error) {
	if n < 1 {
		return nil, accel.Errorf(accel.KindAllocation, label, "invalid length %d", n)
	}
	size := int64(n) * 4
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, accel.Errorf(accel.KindAllocation, label, "device closed")
	}
	if d.allocated+size > d.limit {
		return nil, accel.Errorf(accel.KindAllocation, label, "%d bytes requested, %d of %d in use", size, d.allocated, d.limit)
	}
	d.allocated += size
	return &buffer{label: label, data: make([]float32, n), dev: d}, nil
}

// Free releases buf. Commands already queued against it still run; later
// use of the buffer fails.
func (d *Device) Free(buf accel.Buffer) error {
	b, err := d.own(buf, accel.KindAllocation, "free")
	if err != nil {
		return err
	}
	d.mu.Lock()
	b.freed = true
	d.allocated -= int64(len(b.data)) * 4
	d.mu.Unlock()
	return nil
}

// Allocated reports the bytes currently held by live buffers.
func (d *Device) Allocated() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

func (d *Device) Write(buf accel.Buffer, src []float32) error {
	b, err := d.own(buf, accel.KindSync, "write")
	if err != nil {
		return err
	}
	if len(src) > len(b.data) {
		return accel.Errorf(accel.KindSync, "write "+b.label, "%d elements into buffer of %d", len(src), len(b.data))
	}
	data := append([]float32(nil), src...)
	ev, err := d.submit("write "+b.label, func() error {
		copy(b.data, data)
		return nil
	})
	if err != nil {
		return err
	}
	return ev.Wait()
}

func (d *Device) Read(buf accel.Buffer, dst []float32) error {
	b, err := d.own(buf, accel.KindSync, "read")
	if err != nil {
		return err
	}
	if len(dst) > len(b.data) {
		return accel.Errorf(accel.KindSync, "read "+b.label, "%d elements from buffer of %d", len(dst), len(b.data))
	}
	ev, err := d.submit("read "+b.label, func() error {
		copy(dst, b.data)
		return nil
	})
	if err != nil {
		return err
	}
	return ev.Wait()
}

func (d *Device) Finish() error {
	ev, err := d.submit("finish", func() error { return nil })
	if err != nil {
		return err
	}
	return ev.Wait()
}

// Close drains the queue and stops the device. It is safe to call twice.
func (d *Device) Close() error {
	err := d.Finish()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.stopped
	return err
}

type program struct {
	kernels map[string]*kernel
}

type kernel struct {
	sig  accel.Signature
	impl Impl
}

func (k *kernel) Signature() accel.Signature { return k.sig }

func (p *program) Kernel(name string) (accel.Kernel, error) {
	k, ok := p.kernels[name]
	if !ok {
		return nil, accel.Errorf(accel.KindAllocation, name, "kernel not in program")
	}
	return k, nil
}

func (p *program) Release() {}

// Compile resolves every signature against the registered host kernels.
func (d *Device) Compile(sigs ...accel.Signature) (accel.Program, error) {
	p := &program{kernels: make(map[string]*kernel, len(sigs))}
	for _, sig := range sigs {
		impl, ok := lookup(sig.Name)
		if !ok {
			return nil, accel.Errorf(accel.KindCompile, sig.Name, "no host implementation")
		}
		if err := sameParams(sig, impl.Sig); err != nil {
			return nil, err
		}
		p.kernels[sig.Name] = &kernel{sig: sig, impl: impl}
	}
	return p, nil
}

func sameParams(want, have accel.Signature) error {
	if len(want.Params) != len(have.Params) {
		return accel.Errorf(accel.KindCompile, want.Name, "expected %d parameters, implementation takes %d", len(want.Params), len(have.Params))
	}
	for i, p := range want.Params {
		if have.Params[i] != p {
			return accel.Errorf(accel.KindCompile, want.Name, "parameter %d: expected %s %s, implementation has %s %s",
				i, p.Name, p.Kind, have.Params[i].Name, have.Params[i].Kind)
		}
	}
	return nil
}

// Dispatch validates the binding, resolves its buffers and enqueues the kernel.
func (d *Device) Dispatch(k accel.Kernel, shape mesh.Shape, b *accel.Binding) (accel.Event, error) {
	if err := accel.CheckDispatch(k, shape, b); err != nil {
		return nil, err
	}
	kk, ok := k.(*kernel)
	if !ok {
		return nil, accel.Errorf(accel.KindDispatch, k.Signature().Name, "kernel from another device")
	}
	name := kk.sig.Name
	args := &Args{b: b, data: make(map[string][]float32, len(kk.sig.Params))}
	for _, p := range kk.sig.Params {
		if p.Kind != accel.BufferParam {
			continue
		}
		buf, err := d.own(b.BufferArg(p.Name), accel.KindDispatch, name)
		if err != nil {
			return nil, err
		}
		args.data[p.Name] = buf.data
	}
	if err := kk.impl.Check(shape, args); err != nil {
		return nil, accel.Wrap(accel.KindDispatch, name, err)
	}
	body := kk.impl.Body
	batches := d.batches
	ev, err := d.submit(name, func() error {
		if d.fault != nil {
			if err := d.fault(name); err != nil {
				return accel.Wrap(accel.KindSync, name, err)
			}
		}
		total := shape.Total()
		if total < 2*parallelGrain {
			body(shape, args, 0, total)
			return nil
		}
		parallel.Range(0, total, batches, func(lo, hi int) {
			body(shape, args, lo, hi)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// dispatches smaller than two grains run inline on the queue goroutine
const parallelGrain = 4096

func (d *Device) String() string {
	return fmt.Sprintf("cpu(%d bytes allocated)", d.Allocated())
}
