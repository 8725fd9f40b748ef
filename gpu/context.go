// Package gpu runs the multigrid kernels through WebGPU compute shaders.
package gpu

import (
	"fmt"
	"strings"

	"github.com/openfluke/webgpu/wgpu"
)

// Context holds one WebGPU adapter, its device and queue. Unlike a process
// wide singleton, several contexts may coexist and each is released by its
// owner.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	Limits   wgpu.Limits
}

// ContextOptions tune adapter selection.
type ContextOptions struct {
	// Prefer selects the first enumerated adapter whose name or vendor
	// contains this substring (case-insensitive), e.g. "nvidia".
	Prefer string
	// Logf reports the selected adapter. Nil is silent.
	Logf func(format string, args ...any)
}

// NewContext picks an adapter (preferred name, then high performance, then
// low power, then default) and opens a device on it.
func NewContext(opts ContextOptions) (*Context, error) {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	c := &Context{Instance: wgpu.CreateInstance(nil)}
	if c.Instance == nil {
		return nil, fmt.Errorf("gpu: failed to create WebGPU instance")
	}

	if want := strings.ToLower(opts.Prefer); want != "" {
		for _, a := range c.Instance.EnumerateAdapters(nil) {
			info := a.GetInfo()
			if strings.Contains(strings.ToLower(info.Name), want) || strings.Contains(strings.ToLower(info.VendorName), want) {
				c.Adapter = a
				break
			}
		}
	}

	var err error
	for _, o := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, err = c.Instance.RequestAdapter(o)
	}
	if c.Adapter == nil {
		c.Instance.Release()
		return nil, fmt.Errorf("%w: all adapter attempts failed: %v", ErrNoAdapter, err)
	}

	info := c.Adapter.GetInfo()
	logf("gpu: adapter %s (%s, %s)", info.Name, info.VendorName, info.BackendType)

	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		c.Adapter.Release()
		c.Instance.Release()
		return nil, fmt.Errorf("gpu: request device: %w", err)
	}
	c.Queue = c.Device.GetQueue()
	c.Limits = c.Adapter.GetLimits().Limits
	return c, nil
}

// Release drops the device, adapter and instance.
func (c *Context) Release() {
	if c.Device != nil {
		c.Device.Release()
		c.Device = nil
	}
	if c.Adapter != nil {
		c.Adapter.Release()
		c.Adapter = nil
	}
	if c.Instance != nil {
		c.Instance.Release()
		c.Instance = nil
	}
}

// poll drives the device until submitted work completes or maxIter polls
// have passed.
func (c *Context) poll(maxIter int) bool {
	for i := 0; i < maxIter; i++ {
		if c.Device.Poll(true, nil) {
			return true
		}
	}
	return false
}
