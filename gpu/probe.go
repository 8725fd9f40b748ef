package gpu

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Report summarises the adapter a context runs on.
type Report struct {
	WhenISO     string   `json:"when_iso"`
	Runtime     string   `json:"runtime"`
	Backend     string   `json:"backend"`
	AdapterType string   `json:"adapter_type"`
	VendorID    string   `json:"vendor_id_hex"`
	DeviceID    string   `json:"device_id_hex"`
	Name        string   `json:"name"`
	Driver      string   `json:"driver"`
	Limits      Limits   `json:"limits"`
	Features    []string `json:"features"`

	// MaxElements is the largest field the adapter can bind as one storage
	// buffer, and MaxExponent the finest cubic grid that fits it.
	MaxElements uint64 `json:"max_elements"`
	MaxExponent int    `json:"max_exponent"`
}

// Limits are the adapter limits the kernels depend on.
type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

// Probe reports the adapter of c.
func (c *Context) Probe() Report {
	info := c.Adapter.GetInfo()
	var feats []string
	for _, f := range c.Adapter.EnumerateFeatures() {
		feats = append(feats, f.String())
	}
	rt := "native"
	if runtime.GOOS == "js" {
		rt = "wasm"
	}
	l := c.Limits
	maxBytes := min(l.MaxStorageBufferBindingSize, l.MaxBufferSize)
	return Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     rt,
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits: Limits{
			MaxComputeInvocationsPerWorkgroup: l.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupSizeX:          l.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupsPerDimension:  l.MaxComputeWorkgroupsPerDimension,
			MaxStorageBufferBindingSize:       l.MaxStorageBufferBindingSize,
			MaxBufferSize:                     l.MaxBufferSize,
		},
		Features:    feats,
		MaxElements: maxBytes / 4,
		MaxExponent: maxCubeExponent(maxBytes/4, l.MaxComputeWorkgroupsPerDimension),
	}
}

// maxCubeExponent is the largest e such that 2^(3e) elements fit in one
// buffer and in a folded dispatch grid.
func maxCubeExponent(elements uint64, maxDim uint32) int {
	e := 0
	for e < 10 {
		n := uint64(1) << (3 * (e + 1))
		if n > elements {
			break
		}
		if _, _, err := grid(int(n), maxDim); err != nil {
			break
		}
		e++
	}
	return e
}

// JSON renders the report indented.
func (r Report) JSON() (string, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
