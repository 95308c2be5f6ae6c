package gridrun

import "github.com/gogpu/gridrun/internal/gpucore"

// GridConfig is the fixed 6-dimensional grid of one invocation: threads
// per workgroup and workgroups launched, per axis.
type GridConfig = gpucore.GridConfig

// ElementLayout is the minimum binding size and alignment of the IN or OUT
// element type, as produced by the caller's codec.
type ElementLayout = gpucore.ElementLayout

// Limits are the device limits a run is validated against.
type Limits = gpucore.Limits

// AdapterInfo describes the adapter behind a harness.
type AdapterInfo = gpucore.AdapterInfo

// Grid override names baked into the kernel.
const (
	WorkgroupSizeX = gpucore.OverrideWorkgroupSizeX
	WorkgroupSizeY = gpucore.OverrideWorkgroupSizeY
	WorkgroupSizeZ = gpucore.OverrideWorkgroupSizeZ
	DispatchCountX = gpucore.OverrideDispatchCountX
	DispatchCountY = gpucore.OverrideDispatchCountY
	DispatchCountZ = gpucore.OverrideDispatchCountZ
)

// SizeFor returns layout.MinSize times the grid's total invocation count.
// ok is false when the product overflows uint64.
func SizeFor(layout ElementLayout, grid GridConfig) (size uint64, ok bool) {
	return gpucore.SizeFor(layout, grid)
}

// DefaultLimits returns the WebGPU default limits.
func DefaultLimits() Limits {
	return gpucore.DefaultLimits()
}
