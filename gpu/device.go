package gpu

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/multigrid/accel"
	"github.com/openfluke/multigrid/mesh"
)

// ErrNoAdapter is returned when no WebGPU adapter is available.
var ErrNoAdapter = errors.New("gpu: no adapter available")

// pollBudget bounds the polls spent waiting for the queue to drain.
const pollBudget = 100000

// Device implements accel.Device on a WebGPU queue. The queue is in-order,
// so dispatches need no fences between them; blocking calls drain it by
// polling the device.
type Device struct {
	ctx   *Context
	name  string
	owned bool
	limit int64

	mu        sync.Mutex
	allocated int64
	closed    bool
}

// Option configures a Device.
type Option func(*Device)

// WithMemoryLimit caps the bytes the device will allocate below the adapter's
// own limits.
func WithMemoryLimit(bytes int64) Option {
	return func(d *Device) { d.limit = bytes }
}

// New opens a device on its own context.
func New(opts ContextOptions, dopts ...Option) (*Device, error) {
	ctx, err := NewContext(opts)
	if err != nil {
		return nil, err
	}
	d := NewWithContext(ctx, dopts...)
	d.owned = true
	return d, nil
}

// NewWithContext runs on an existing context, which the caller releases.
func NewWithContext(ctx *Context, opts ...Option) *Device {
	d := &Device{ctx: ctx, name: "webgpu:" + ctx.Adapter.GetInfo().Name, limit: math.MaxInt64}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Device) Name() string { return d.name }

// Context exposes the underlying WebGPU objects.
func (d *Device) Context() *Context { return d.ctx }

type buffer struct {
	label string
	n     int
	buf   *wgpu.Buffer
	dev   *Device
	freed bool // guarded by dev.mu
}

func (b *buffer) Label() string { return b.label }
func (b *buffer) Len() int      { return b.n }

func (d *Device) own(buf accel.Buffer, kind accel.Kind, op string) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok || b.dev != d {
		label := "<nil>"
		if buf != nil {
			label = buf.Label()
		}
		return nil, accel.Errorf(kind, op, "buffer %q does not belong to this device", label)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.freed {
		return nil, accel.Errorf(kind, op, "buffer %q already freed", b.label)
	}
	return b, nil
}

// Alloc creates a zero-initialised storage buffer of n float32 elements.
func (d *Device) Alloc(label string, n int) (accel.Buffer, error) {
	if n < 1 {
		return nil, accel.Errorf(accel.KindAllocation, label, "invalid length %d", n)
	}
	size := uint64(n) * 4
	if size > d.ctx.Limits.MaxStorageBufferBindingSize || size > d.ctx.Limits.MaxBufferSize {
		return nil, accel.Errorf(accel.KindAllocation, label, "%d bytes exceed the adapter binding limit %d",
			size, d.ctx.Limits.MaxStorageBufferBindingSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, accel.Errorf(accel.KindAllocation, label, "device closed")
	}
	if d.allocated+int64(size) > d.limit {
		return nil, accel.Errorf(accel.KindAllocation, label, "%d bytes requested, %d of %d in use", size, d.allocated, d.limit)
	}
	wb, err := d.ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, accel.Wrap(accel.KindAllocation, label, err)
	}
	d.allocated += int64(size)
	return &buffer{label: label, n: n, buf: wb, dev: d}, nil
}

func (d *Device) Free(buf accel.Buffer) error {
	b, err := d.own(buf, accel.KindAllocation, "free")
	if err != nil {
		return err
	}
	d.mu.Lock()
	b.freed = true
	d.allocated -= int64(b.n) * 4
	d.mu.Unlock()
	b.buf.Destroy()
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
	if len(src) > b.n {
		return accel.Errorf(accel.KindSync, "write "+b.label, "%d elements into buffer of %d", len(src), b.n)
	}
	if len(src) == 0 {
		return nil
	}
	d.ctx.Queue.WriteBuffer(b.buf, 0, wgpu.ToBytes(src))
	return nil
}

// Read copies through a mappable staging buffer once the queue has drained.
func (d *Device) Read(buf accel.Buffer, dst []float32) error {
	b, err := d.own(buf, accel.KindSync, "read")
	if err != nil {
		return err
	}
	op := "read " + b.label
	if len(dst) > b.n {
		return accel.Errorf(accel.KindSync, op, "%d elements from buffer of %d", len(dst), b.n)
	}
	if len(dst) == 0 {
		return nil
	}
	size := uint64(len(dst)) * 4
	staging, err := d.ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.label + "_Staging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return accel.Wrap(accel.KindSync, op, err)
	}
	defer staging.Destroy()

	enc, err := d.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return accel.Wrap(accel.KindSync, op, err)
	}
	enc.CopyBufferToBuffer(b.buf, 0, staging, 0, size)
	cmd, err := enc.Finish(nil)
	enc.Release()
	if err != nil {
		return accel.Wrap(accel.KindSync, op, err)
	}
	d.ctx.Queue.Submit(cmd)
	cmd.Release()

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return accel.Wrap(accel.KindSync, op, err)
	}
	timeout := time.After(10 * time.Second)
wait:
	for {
		d.ctx.Device.Poll(false, nil)
		select {
		case <-done:
			break wait
		case <-timeout:
			return accel.Errorf(accel.KindSync, op, "map timed out")
		default:
			time.Sleep(100 * time.Microsecond)
		}
	}
	if mapErr != nil {
		return accel.Wrap(accel.KindSync, op, mapErr)
	}
	data := staging.GetMappedRange(0, uint(size))
	if data == nil {
		return accel.Errorf(accel.KindSync, op, "no mapped range")
	}
	copy(dst, wgpu.FromBytes[float32](data))
	staging.Unmap()
	return nil
}

func (d *Device) Finish() error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return accel.Errorf(accel.KindSync, "finish", "device closed")
	}
	if !d.ctx.poll(pollBudget) {
		return accel.Errorf(accel.KindSync, "finish", "queue did not drain")
	}
	return nil
}

// Close drains the queue and releases the context if the device opened it.
// It is safe to call twice.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	err := d.Finish()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	if d.owned {
		d.ctx.Release()
	}
	return err
}

type program struct {
	kernels map[string]*kernel
}

type kernel struct {
	sig      accel.Signature
	src      shader
	pipeline *wgpu.ComputePipeline
	layout   *wgpu.BindGroupLayout
}

func (k *kernel) Signature() accel.Signature { return k.sig }

func (p *program) Kernel(name string) (accel.Kernel, error) {
	k, ok := p.kernels[name]
	if !ok {
		return nil, accel.Errorf(accel.KindAllocation, name, "kernel not in program")
	}
	return k, nil
}

func (p *program) Release() {
	for _, k := range p.kernels {
		k.layout.Release()
		k.pipeline.Release()
	}
	p.kernels = nil
}

// Compile builds one compute pipeline per signature from the WGSL catalogue.
func (d *Device) Compile(sigs ...accel.Signature) (accel.Program, error) {
	p := &program{kernels: make(map[string]*kernel, len(sigs))}
	for _, sig := range sigs {
		k, err := d.compile(sig)
		if err != nil {
			p.Release()
			return nil, err
		}
		p.kernels[sig.Name] = k
	}
	return p, nil
}

func (d *Device) compile(sig accel.Signature) (*kernel, error) {
	src, ok := lookup(sig.Name)
	if !ok {
		return nil, accel.Errorf(accel.KindCompile, sig.Name, "no WGSL implementation")
	}
	if err := sameParams(sig, src.sig); err != nil {
		return nil, err
	}
	module, err := d.ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          sig.Name,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: src.source()},
	})
	if err != nil {
		return nil, accel.Wrap(accel.KindCompile, sig.Name, err)
	}
	defer module.Release()
	pipeline, err := d.ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   sig.Name,
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	if err != nil {
		return nil, accel.Wrap(accel.KindCompile, sig.Name, err)
	}
	return &kernel{sig: sig, src: src, pipeline: pipeline, layout: pipeline.GetBindGroupLayout(0)}, nil
}

func sameParams(want, have accel.Signature) error {
	if len(want.Params) != len(have.Params) {
		return accel.Errorf(accel.KindCompile, want.Name, "expected %d parameters, shader takes %d", len(want.Params), len(have.Params))
	}
	for i, p := range want.Params {
		if have.Params[i] != p {
			return accel.Errorf(accel.KindCompile, want.Name, "parameter %d: expected %s %s, shader has %s %s",
				i, p.Name, p.Kind, have.Params[i].Name, have.Params[i].Kind)
		}
	}
	return nil
}

// grid folds a 1D count of workgroups into (x, y) when it exceeds the
// per-dimension limit.
func grid(items int, maxDim uint32) (x, y uint32, err error) {
	groups := (items + workgroupSize - 1) / workgroupSize
	if maxDim == 0 {
		maxDim = 65535
	}
	if groups <= int(maxDim) {
		return uint32(groups), 1, nil
	}
	x = maxDim
	yy := (groups + int(x) - 1) / int(x)
	if yy > int(maxDim) {
		return 0, 0, fmt.Errorf("%d work items exceed the dispatch limit", items)
	}
	return x, uint32(yy), nil
}

// uniform packs the shared Params block.
func uniform(m mesh.Descriptor, items, arg int, stride uint32) []uint32 {
	return []uint32{
		uint32(m.Dims[0]), uint32(m.Dims[1]), uint32(m.Dims[2]), uint32(items),
		math.Float32bits(m.CellSize), math.Float32bits(m.Timestep), uint32(arg), stride,
	}
}

// event times a submission from Submit until the queue drains, observed on
// the host. The bindings expose no per-pass timestamp writes, so device
// timestamps are not available.
type event struct {
	ctx     *Context
	start   time.Time
	elapsed time.Duration
	done    bool
	err     error
}

func (e *event) Wait() error {
	if e.done {
		return e.err
	}
	e.done = true
	if !e.ctx.poll(pollBudget) {
		e.err = accel.Errorf(accel.KindSync, "wait", "queue did not drain")
	}
	e.elapsed = time.Since(e.start)
	return e.err
}

func (e *event) Elapsed() time.Duration {
	e.Wait()
	return e.elapsed
}

// Dispatch validates the binding, uploads the uniform block and submits one
// compute pass.
func (d *Device) Dispatch(k accel.Kernel, shape mesh.Shape, b *accel.Binding) (accel.Event, error) {
	if err := accel.CheckDispatch(k, shape, b); err != nil {
		return nil, err
	}
	kk, ok := k.(*kernel)
	if !ok {
		return nil, accel.Errorf(accel.KindDispatch, k.Signature().Name, "kernel from another device")
	}
	name := kk.sig.Name

	var m mesh.Descriptor
	var arg int
	bufs := make([]*buffer, 0, len(kk.sig.Params))
	for _, p := range kk.sig.Params {
		switch p.Kind {
		case accel.MeshParam:
			m = b.MeshArg(p.Name)
		case accel.IntParam:
			arg = b.IntArg(p.Name)
		case accel.BufferParam:
			buf, err := d.own(b.BufferArg(p.Name), accel.KindDispatch, name)
			if err != nil {
				return nil, err
			}
			bufs = append(bufs, buf)
		}
	}
	if err := checkShape(kk, shape, m, arg, bufs); err != nil {
		return nil, accel.Wrap(accel.KindDispatch, name, err)
	}

	items := shape.Total()
	gx, gy, err := grid(items, d.ctx.Limits.MaxComputeWorkgroupsPerDimension)
	if err != nil {
		return nil, accel.Wrap(accel.KindDispatch, name, err)
	}
	params, err := d.ctx.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    name + "_Params",
		Contents: wgpu.ToBytes(uniform(m, items, arg, gx*workgroupSize)),
		Usage:    wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, accel.Wrap(accel.KindDispatch, name, err)
	}
	defer params.Release()

	entries := []wgpu.BindGroupEntry{{Binding: 0, Buffer: params, Size: params.GetSize()}}
	for i, buf := range bufs {
		entries = append(entries, wgpu.BindGroupEntry{Binding: uint32(i + 1), Buffer: buf.buf, Size: buf.buf.GetSize()})
	}
	bg, err := d.ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   name + "_Bind",
		Layout:  kk.layout,
		Entries: entries,
	})
	if err != nil {
		return nil, accel.Wrap(accel.KindDispatch, name, err)
	}
	defer bg.Release()

	enc, err := d.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, accel.Wrap(accel.KindDispatch, name, err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(kk.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(gx, gy, 1)
	pass.End()
	cmd, err := enc.Finish(nil)
	enc.Release()
	if err != nil {
		return nil, accel.Wrap(accel.KindDispatch, name, err)
	}
	start := time.Now()
	d.ctx.Queue.Submit(cmd)
	cmd.Release()
	return &event{ctx: d.ctx, start: start}, nil
}

// checkShape enforces the same extents the host backend checks, so a
// malformed dispatch fails at enqueue rather than reading out of bounds.
func checkShape(k *kernel, shape mesh.Shape, m mesh.Descriptor, arg int, bufs []*buffer) error {
	switch k.sig.Name {
	case accel.KernelReduceStep:
		if arg < 1 || arg > accel.MaxReduceElements {
			return fmt.Errorf("length %d outside [1,%d]", arg, accel.MaxReduceElements)
		}
		if bufs[0].n < arg {
			return fmt.Errorf("buffer holds %d elements, length is %d", bufs[0].n, arg)
		}
		if shape[1] != 1 || shape[2] != 1 || shape[0] >= arg {
			return fmt.Errorf("work shape %v invalid for length %d", shape, arg)
		}
		return nil
	case accel.KernelRestrict:
		if shape != m.All {
			return fmt.Errorf("work shape %v does not match coarse mesh %v", shape, m.All)
		}
		if bufs[0].n < 8*m.Total || bufs[1].n < m.Total || bufs[2].n < m.Total {
			return fmt.Errorf("buffers too short for coarse mesh %v", m)
		}
		return nil
	case accel.KernelProlong:
		if shape != m.All {
			return fmt.Errorf("work shape %v does not match fine mesh %v", shape, m.All)
		}
		for ax, e := range m.Exponent {
			if e < 1 {
				return fmt.Errorf("fine mesh has no coarse parent on axis %d", ax)
			}
		}
		if bufs[0].n < m.Total/8 || bufs[1].n < m.Total {
			return fmt.Errorf("buffers too short for fine mesh %v", m)
		}
		return nil
	}
	if k.src.needsTimestep && !(m.Timestep > 0) {
		return fmt.Errorf("operator needs a positive timestep, got %g", m.Timestep)
	}
	if shape != m.All {
		return fmt.Errorf("work shape %v does not match mesh %v", shape, m.All)
	}
	for _, b := range bufs {
		if b.n < m.Total {
			return fmt.Errorf("buffer %q holds %d elements, mesh needs %d", b.label, b.n, m.Total)
		}
	}
	return nil
}

func (d *Device) String() string {
	return fmt.Sprintf("%s(%d bytes allocated)", d.Name(), d.Allocated())
}
