// Package gpucore defines the device abstraction the dispatch harness runs on.
//
// The [Device] interface is the seam between the harness stages in
// internal/dispatch and a concrete GPU backend. internal/native implements it
// on top of gogpu/wgpu/hal; gpucoretest implements it in memory for tests.
//
// Resource lifecycle:
//   - Resources are created via Create* methods
//   - Resources must be explicitly destroyed via Destroy* methods
//   - IDs become invalid after destruction and must not be reused
package gpucore

import (
	"time"

	"github.com/gogpu/gputypes"
)

// Device is a compute-capable GPU device together with its queue.
//
// A Device is owned by a single harness. Implementations need not support
// concurrent recording from multiple goroutines.
type Device interface {
	// === Capabilities ===

	// Info describes the adapter the device was opened on.
	Info() AdapterInfo

	// Limits returns the limits the device was opened with.
	Limits() Limits

	// === Buffer Management ===

	// CreateBuffer creates a GPU buffer. New buffers are zero-filled.
	CreateBuffer(desc *BufferDesc) (BufferID, error)

	// WriteBuffer uploads data into a buffer created with CopyDst usage.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// DestroyBuffer releases a GPU buffer.
	DestroyBuffer(id BufferID)

	// MapRead maps size bytes of a MapRead buffer starting at offset and
	// returns a view of the mapped range. The view is only valid until
	// Unmap is called.
	MapRead(id BufferID, offset, size uint64) ([]byte, error)

	// Unmap releases a mapping obtained from MapRead.
	Unmap(id BufferID)

	// === Pipeline Management ===

	// CreateShaderModule compiles a WGSL module.
	CreateShaderModule(desc *ShaderModuleDesc) (ShaderModuleID, error)

	// DestroyShaderModule releases a shader module.
	DestroyShaderModule(id ShaderModuleID)

	// CreateBindGroupLayout creates a bind group layout.
	CreateBindGroupLayout(desc *BindGroupLayoutDesc) (BindGroupLayoutID, error)

	// DestroyBindGroupLayout releases a bind group layout.
	DestroyBindGroupLayout(id BindGroupLayoutID)

	// CreatePipelineLayout combines bind group layouts into a pipeline layout.
	CreatePipelineLayout(label string, layouts []BindGroupLayoutID) (PipelineLayoutID, error)

	// DestroyPipelineLayout releases a pipeline layout.
	DestroyPipelineLayout(id PipelineLayoutID)

	// CreateComputePipeline creates a compute pipeline.
	CreateComputePipeline(desc *ComputePipelineDesc) (ComputePipelineID, error)

	// DestroyComputePipeline releases a compute pipeline.
	DestroyComputePipeline(id ComputePipelineID)

	// CreateBindGroup binds buffers to the slots of a layout.
	CreateBindGroup(desc *BindGroupDesc) (BindGroupID, error)

	// DestroyBindGroup releases a bind group.
	DestroyBindGroup(id BindGroupID)

	// === Command Recording and Execution ===

	// CreateCommandEncoder starts recording a command buffer.
	CreateCommandEncoder(label string) (CommandEncoder, error)

	// Submit hands a finished command buffer to the queue. It does not
	// wait for the work to execute.
	Submit(cmd CommandBuffer) (SubmissionID, error)

	// Wait blocks until the submission completes or timeout elapses.
	// It reports false, nil on timeout.
	Wait(id SubmissionID, timeout time.Duration) (bool, error)

	// ReleaseSubmission frees the fence and command buffer behind a
	// submission. Waiting on a released submission is an error.
	ReleaseSubmission(id SubmissionID)

	// Destroy releases the device. Devices shared with a host application
	// leave the underlying device alive.
	Destroy()
}

// CommandEncoder records commands into a single command buffer.
//
// Usage:
//  1. Obtain encoder from Device.CreateCommandEncoder()
//  2. Record compute passes and copies
//  3. Call Finish() to obtain the command buffer
//  4. Submit it with Device.Submit()
//
// Commands execute in recording order. A copy recorded after a compute pass
// observes the pass's writes.
type CommandEncoder interface {
	// BeginComputePass begins a compute pass.
	BeginComputePass(label string) ComputePassEncoder

	// CopyBufferToBuffer records a copy of size bytes from src to dst.
	CopyBufferToBuffer(src BufferID, srcOffset uint64, dst BufferID, dstOffset uint64, size uint64)

	// Finish ends recording and returns the command buffer.
	Finish() (CommandBuffer, error)

	// Discard abandons recording. The encoder cannot be used afterwards.
	Discard()
}

// ComputePassEncoder records compute commands.
//
// The encoder is single-use and cannot be reused after End().
type ComputePassEncoder interface {
	// SetPipeline sets the active compute pipeline.
	SetPipeline(pipeline ComputePipelineID)

	// SetBindGroup sets a bind group at the specified index.
	SetBindGroup(index uint32, group BindGroupID)

	// Dispatch dispatches compute workgroups.
	// x, y, z are the number of workgroups in each dimension.
	Dispatch(x, y, z uint32)

	// End finishes the compute pass.
	End()
}

// CommandBuffer is a finished, not yet submitted recording.
// Its concrete type belongs to the Device that produced it.
type CommandBuffer interface {
	Label() string
}

// AdapterInfo describes the physical adapter behind a device.
type AdapterInfo struct {
	// Name is the adapter name reported by the driver.
	Name string

	// DeviceType is discrete, integrated, virtual, CPU or other.
	DeviceType gputypes.DeviceType

	// Backend is the graphics API the device runs on.
	Backend gputypes.Backend

	// Shared is true when the device belongs to a host application.
	Shared bool
}

// Limits describes the device limits the harness validates against.
type Limits struct {
	// MaxBufferSize is the maximum size of a single buffer in bytes.
	MaxBufferSize uint64

	// MaxStorageBufferBindingSize is the maximum size of a storage binding.
	MaxStorageBufferBindingSize uint64

	// MaxUniformBufferBindingSize is the maximum size of a uniform binding.
	MaxUniformBufferBindingSize uint64

	// MaxComputeWorkgroupSize is the per-axis workgroup size limit.
	MaxComputeWorkgroupSize [3]uint32

	// MaxComputeInvocationsPerWorkgroup bounds the product of the workgroup size.
	MaxComputeInvocationsPerWorkgroup uint32

	// MaxComputeWorkgroupsPerDimension bounds each dispatch count.
	MaxComputeWorkgroupsPerDimension uint32
}

// DefaultLimits returns the WebGPU default limits.
func DefaultLimits() Limits {
	return LimitsFrom(gputypes.DefaultLimits())
}

// LimitsFrom extracts the compute-relevant limits from a full limit set.
func LimitsFrom(l gputypes.Limits) Limits {
	return Limits{
		MaxBufferSize:                     uint64(l.MaxBufferSize),
		MaxStorageBufferBindingSize:       uint64(l.MaxStorageBufferBindingSize),
		MaxUniformBufferBindingSize:       uint64(l.MaxUniformBufferBindingSize),
		MaxComputeWorkgroupSize:           [3]uint32{uint32(l.MaxComputeWorkgroupSizeX), uint32(l.MaxComputeWorkgroupSizeY), uint32(l.MaxComputeWorkgroupSizeZ)},
		MaxComputeInvocationsPerWorkgroup: uint32(l.MaxComputeInvocationsPerWorkgroup),
		MaxComputeWorkgroupsPerDimension:  uint32(l.MaxComputeWorkgroupsPerDimension),
	}
}
