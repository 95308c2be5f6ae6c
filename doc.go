// Package gridrun runs a single data-parallel WGSL compute kernel to
// completion and returns its output bytes.
//
// # Overview
//
// One invocation selects a compute-capable device, allocates an input,
// an output and a staging buffer sized from the element layouts of two
// opaque types, compiles the kernel with the grid baked in as constants,
// dispatches one 6-dimensional grid and copies the output back to host
// memory.
//
// # Quick Start
//
//	import "github.com/gogpu/gridrun"
//
//	out, err := gridrun.Run(ctx, gridrun.Request{
//	    Kernel: kernelSource,
//	    Input:  inputBytes,
//	    In:     gridrun.ElementLayout{MinSize: 4, Align: 4},
//	    Out:    gridrun.ElementLayout{MinSize: 16, Align: 16},
//	    Grid: gridrun.GridConfig{
//	        WorkgroupSize: [3]uint32{8, 8, 4},
//	        DispatchCount: [3]uint32{32, 32, 32},
//	    },
//	})
//
// # Kernel Contract
//
// The kernel declares a @compute entry point named "main" (see
// WithEntryPoint) and two bindings in group 0: the input at binding 0 as
// var<storage, read> (or var<uniform>, see WithUniformInput) and the
// output at binding 1 as var<storage, read_write>. It may declare any of
// the overrides workgroup_size_{x,y,z} and dispatch_count_{x,y,z}; they
// are replaced by constants holding the grid before compilation, so the
// kernel can compute its global index from built-in identifiers alone.
//
// # Output
//
// The output is always Out.MinSize times the total invocation count bytes,
// whatever the kernel writes. Slots the kernel leaves untouched are zero.
//
// # Errors
//
// Every failure is a *StageError naming the state the invocation was
// moving into. Its Kind is one of the Err* sentinels and matches with
// errors.Is. Nothing is retried and no partial output is returned.
//
// # Architecture
//
// The library is organized into:
//   - Public API: Harness, Request, GridConfig, ElementLayout, options
//   - internal/native: device on gogpu/wgpu HAL (Vulkan), naga WGSL to SPIR-V
//   - internal/dispatch: buffers, pipeline, command recording, readback
//   - internal/wgsl: kernel reflection, specialization, type layouts
//   - internal/gpucore: device interface, grid and layout arithmetic
package gridrun
