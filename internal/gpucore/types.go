package gpucore

import "github.com/gogpu/gputypes"

// Resource IDs
//
// These opaque IDs represent GPU resources. Each Device implementation
// maintains a mapping between IDs and actual backend resources.

// BufferID is an opaque handle to a GPU buffer.
type BufferID uint64

// ShaderModuleID is an opaque handle to a compiled shader module.
type ShaderModuleID uint64

// ComputePipelineID is an opaque handle to a compute pipeline.
type ComputePipelineID uint64

// BindGroupLayoutID is an opaque handle to a bind group layout.
type BindGroupLayoutID uint64

// BindGroupID is an opaque handle to a bind group.
type BindGroupID uint64

// PipelineLayoutID is an opaque handle to a pipeline layout.
type PipelineLayoutID uint64

// SubmissionID identifies one queue submission.
type SubmissionID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage
}

// ShaderModuleDesc describes a WGSL shader module.
type ShaderModuleDesc struct {
	Label string
	WGSL  string
}

// BindGroupLayoutEntry describes one buffer binding slot visible to compute.
type BindGroupLayoutEntry struct {
	Binding        uint32
	Type           gputypes.BufferBindingType
	MinBindingSize uint64
}

// BindGroupLayoutDesc describes a bind group layout.
type BindGroupLayoutDesc struct {
	Label   string
	Entries []BindGroupLayoutEntry
}

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	Label      string
	Layout     PipelineLayoutID
	Module     ShaderModuleID
	EntryPoint string
}

// BindGroupEntry binds a buffer range to a slot. Size 0 binds the rest of
// the buffer from Offset.
type BindGroupEntry struct {
	Binding uint32
	Buffer  BufferID
	Offset  uint64
	Size    uint64
}

// BindGroupDesc describes a bind group.
type BindGroupDesc struct {
	Label   string
	Layout  BindGroupLayoutID
	Entries []BindGroupEntry
}
