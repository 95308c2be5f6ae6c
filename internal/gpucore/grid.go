package gpucore

import (
	"fmt"
	"math/bits"
)

// Names of the pipeline-overridable constants the grid is baked into.
const (
	OverrideWorkgroupSizeX = "workgroup_size_x"
	OverrideWorkgroupSizeY = "workgroup_size_y"
	OverrideWorkgroupSizeZ = "workgroup_size_z"
	OverrideDispatchCountX = "dispatch_count_x"
	OverrideDispatchCountY = "dispatch_count_y"
	OverrideDispatchCountZ = "dispatch_count_z"
)

// copyAlignment is the WebGPU COPY_BUFFER_ALIGNMENT.
const copyAlignment = 4

// GridConfig is the fixed 6-dimensional launch shape of one dispatch.
type GridConfig struct {
	// WorkgroupSize is the number of invocations per workgroup, per axis.
	WorkgroupSize [3]uint32

	// DispatchCount is the number of workgroups launched, per axis.
	DispatchCount [3]uint32
}

// Total returns the total invocation count, the product of all six
// components. ok is false if the product overflows uint64.
func (g GridConfig) Total() (total uint64, ok bool) {
	total = 1
	for _, v := range [...]uint32{
		g.WorkgroupSize[0], g.WorkgroupSize[1], g.WorkgroupSize[2],
		g.DispatchCount[0], g.DispatchCount[1], g.DispatchCount[2],
	} {
		hi, lo := bits.Mul64(total, uint64(v))
		if hi != 0 {
			return 0, false
		}
		total = lo
	}
	return total, true
}

// Overrides returns the six grid values keyed by override name.
func (g GridConfig) Overrides() map[string]uint32 {
	return map[string]uint32{
		OverrideWorkgroupSizeX: g.WorkgroupSize[0],
		OverrideWorkgroupSizeY: g.WorkgroupSize[1],
		OverrideWorkgroupSizeZ: g.WorkgroupSize[2],
		OverrideDispatchCountX: g.DispatchCount[0],
		OverrideDispatchCountY: g.DispatchCount[1],
		OverrideDispatchCountZ: g.DispatchCount[2],
	}
}

// String formats the grid as "(x,y,z)x(x,y,z)".
func (g GridConfig) String() string {
	return fmt.Sprintf("(%d,%d,%d)x(%d,%d,%d)",
		g.WorkgroupSize[0], g.WorkgroupSize[1], g.WorkgroupSize[2],
		g.DispatchCount[0], g.DispatchCount[1], g.DispatchCount[2])
}

// Validate checks the grid against the device limits.
func (g GridConfig) Validate(lim Limits) error {
	axes := [3]string{"x", "y", "z"}
	invocations := uint64(1)
	for i, axis := range axes {
		if g.WorkgroupSize[i] == 0 {
			return fmt.Errorf("%w: workgroup_size_%s is zero", ErrInvalidGrid, axis)
		}
		if g.DispatchCount[i] == 0 {
			return fmt.Errorf("%w: dispatch_count_%s is zero", ErrInvalidGrid, axis)
		}
		if limit := lim.MaxComputeWorkgroupSize[i]; limit != 0 && g.WorkgroupSize[i] > limit {
			return fmt.Errorf("%w: workgroup_size_%s = %d exceeds limit %d",
				ErrInvalidGrid, axis, g.WorkgroupSize[i], limit)
		}
		if limit := lim.MaxComputeWorkgroupsPerDimension; limit != 0 && g.DispatchCount[i] > limit {
			return fmt.Errorf("%w: dispatch_count_%s = %d exceeds limit %d",
				ErrInvalidGrid, axis, g.DispatchCount[i], limit)
		}
		invocations *= uint64(g.WorkgroupSize[i])
	}
	if limit := lim.MaxComputeInvocationsPerWorkgroup; limit != 0 && invocations > uint64(limit) {
		return fmt.Errorf("%w: %d invocations per workgroup exceeds limit %d",
			ErrInvalidGrid, invocations, limit)
	}
	return nil
}

// ElementLayout is the binding size and alignment of one element type as
// produced by the caller's codec.
type ElementLayout struct {
	// MinSize is the minimum binding size in bytes.
	MinSize uint64

	// Align is the alignment of the element type in bytes. It is checked
	// to be a power of two and otherwise informational: elements are
	// packed at a stride of MinSize, which the caller's codec already
	// rounds to the element's alignment.
	Align uint64
}

// Validate reports whether the layout can size and bind a buffer.
func (l ElementLayout) Validate() error {
	if l.MinSize == 0 {
		return fmt.Errorf("%w: min size is zero", ErrInvalidLayout)
	}
	if l.MinSize%copyAlignment != 0 {
		return fmt.Errorf("%w: min size %d is not a multiple of %d", ErrInvalidLayout, l.MinSize, copyAlignment)
	}
	if l.Align != 0 && l.Align&(l.Align-1) != 0 {
		return fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidLayout, l.Align)
	}
	return nil
}

// SizeFor returns layout.MinSize times the grid's total invocation count.
// layout.Align does not contribute. ok is false if the product overflows
// uint64.
func SizeFor(layout ElementLayout, grid GridConfig) (size uint64, ok bool) {
	total, ok := grid.Total()
	if !ok {
		return 0, false
	}
	hi, lo := bits.Mul64(layout.MinSize, total)
	if hi != 0 {
		return 0, false
	}
	return lo, true
}
