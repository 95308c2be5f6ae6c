package native

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gridrun/internal/gpucore"
)

// zeroChunk bounds the host memory used to zero-fill new buffers.
const zeroChunk = 1 << 20

// Device implements gpucore.Device using hal.Device and hal.Queue directly.
//
// Thread Safety: resource maps are guarded by a mutex. Recording and
// submission are expected from one goroutine at a time.
type Device struct {
	mu       sync.Mutex
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	external bool // shared device: don't destroy on Destroy
	info     gpucore.AdapterInfo
	limits   gpucore.Limits

	// ID generation
	nextID atomic.Uint64

	// Resource tracking maps gpucore IDs to hal resources
	buffers          map[gpucore.BufferID]*bufferEntry
	shaderModules    map[gpucore.ShaderModuleID]hal.ShaderModule
	computePipelines map[gpucore.ComputePipelineID]hal.ComputePipeline
	bindGroupLayouts map[gpucore.BindGroupLayoutID]hal.BindGroupLayout
	pipelineLayouts  map[gpucore.PipelineLayoutID]hal.PipelineLayout
	bindGroups       map[gpucore.BindGroupID]hal.BindGroup
	submissions      map[gpucore.SubmissionID]*submission
}

type bufferEntry struct {
	buf    hal.Buffer
	size   uint64
	usage  gputypes.BufferUsage
	mapped []byte
}

type submission struct {
	cmd   hal.CommandBuffer
	fence hal.Fence
}

var _ gpucore.Device = (*Device)(nil)

func newDevice(device hal.Device, queue hal.Queue, info gpucore.AdapterInfo, limits gpucore.Limits) *Device {
	d := &Device{
		device:           device,
		queue:            queue,
		info:             info,
		limits:           limits,
		buffers:          make(map[gpucore.BufferID]*bufferEntry),
		shaderModules:    make(map[gpucore.ShaderModuleID]hal.ShaderModule),
		computePipelines: make(map[gpucore.ComputePipelineID]hal.ComputePipeline),
		bindGroupLayouts: make(map[gpucore.BindGroupLayoutID]hal.BindGroupLayout),
		pipelineLayouts:  make(map[gpucore.PipelineLayoutID]hal.PipelineLayout),
		bindGroups:       make(map[gpucore.BindGroupID]hal.BindGroup),
		submissions:      make(map[gpucore.SubmissionID]*submission),
	}
	// Start ID generation at 1 (0 is invalid)
	d.nextID.Store(1)
	return d
}

// newID generates a unique resource ID.
func (d *Device) newID() uint64 {
	return d.nextID.Add(1) - 1
}

// Info describes the adapter behind the device.
func (d *Device) Info() gpucore.AdapterInfo { return d.info }

// Limits returns the limits the device was opened with.
func (d *Device) Limits() gpucore.Limits { return d.limits }

// === Buffer Management ===

// CreateBuffer creates a GPU buffer and zero-fills it. Buffers that are
// not mappable get CopyDst added so they can be cleared through the queue.
func (d *Device) CreateBuffer(desc *gpucore.BufferDesc) (gpucore.BufferID, error) {
	if desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("buffer %q: size must be positive", desc.Label)
	}
	usage := desc.Usage
	mappable := usage.Contains(gputypes.BufferUsageMapRead)
	if !mappable {
		usage |= gputypes.BufferUsageCopyDst
	}

	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: usage,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("create buffer %q: %w", desc.Label, err)
	}
	if !mappable {
		zeros := make([]byte, min(desc.Size, zeroChunk))
		for off := uint64(0); off < desc.Size; off += uint64(len(zeros)) {
			n := min(desc.Size-off, uint64(len(zeros)))
			d.queue.WriteBuffer(buf, off, zeros[:n])
		}
	}

	id := gpucore.BufferID(d.newID())
	d.mu.Lock()
	d.buffers[id] = &bufferEntry{buf: buf, size: desc.Size, usage: desc.Usage}
	d.mu.Unlock()
	return id, nil
}

// WriteBuffer uploads data through the queue.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	entry, ok := d.buffers[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("buffer %d not found", id)
	}
	if offset+uint64(len(data)) > entry.size {
		return fmt.Errorf("write of %d bytes at offset %d overruns buffer of %d bytes", len(data), offset, entry.size)
	}
	if len(data) > 0 {
		d.queue.WriteBuffer(entry.buf, offset, data)
	}
	return nil
}

// DestroyBuffer releases a GPU buffer.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	entry, ok := d.buffers[id]
	if ok {
		delete(d.buffers, id)
	}
	d.mu.Unlock()

	if ok {
		d.device.DestroyBuffer(entry.buf)
	}
}

// MapRead reads a MapRead buffer range into host memory. The returned
// slice stays valid until Unmap.
func (d *Device) MapRead(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("buffer %d not found", id)
	}
	if !entry.usage.Contains(gputypes.BufferUsageMapRead) {
		return nil, fmt.Errorf("buffer %d lacks MapRead usage", id)
	}
	if entry.mapped != nil {
		return nil, fmt.Errorf("buffer %d already mapped", id)
	}
	if offset+size > entry.size {
		return nil, fmt.Errorf("map range %d+%d exceeds buffer size %d", offset, size, entry.size)
	}
	data := make([]byte, size)
	if err := d.queue.ReadBuffer(entry.buf, offset, data); err != nil {
		return nil, fmt.Errorf("read buffer %d: %w", id, err)
	}
	entry.mapped = data
	return data, nil
}

// Unmap releases the host copy of a mapping.
func (d *Device) Unmap(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.buffers[id]; ok {
		entry.mapped = nil
	}
}

// === Pipeline Management ===

// CreateShaderModule compiles WGSL to SPIR-V and creates a module from it.
func (d *Device) CreateShaderModule(desc *gpucore.ShaderModuleDesc) (gpucore.ShaderModuleID, error) {
	spirv, err := compileWGSL(desc.WGSL)
	if err != nil {
		return gpucore.InvalidID, err
	}
	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("create shader module: %w", err)
	}

	id := gpucore.ShaderModuleID(d.newID())
	d.mu.Lock()
	d.shaderModules[id] = module
	d.mu.Unlock()
	return id, nil
}

// DestroyShaderModule releases a shader module.
func (d *Device) DestroyShaderModule(id gpucore.ShaderModuleID) {
	d.mu.Lock()
	module, ok := d.shaderModules[id]
	if ok {
		delete(d.shaderModules, id)
	}
	d.mu.Unlock()

	if ok {
		d.device.DestroyShaderModule(module)
	}
}

// CreateBindGroupLayout creates a layout of compute-visible buffer bindings.
func (d *Device) CreateBindGroupLayout(desc *gpucore.BindGroupLayoutDesc) (gpucore.BindGroupLayoutID, error) {
	entries := make([]gputypes.BindGroupLayoutEntry, len(desc.Entries))
	for i, e := range desc.Entries {
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    e.Binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer: &gputypes.BufferBindingLayout{
				Type:           e.Type,
				MinBindingSize: e.MinBindingSize,
			},
		}
	}
	layout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label,
		Entries: entries,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("create bind group layout: %w", err)
	}

	id := gpucore.BindGroupLayoutID(d.newID())
	d.mu.Lock()
	d.bindGroupLayouts[id] = layout
	d.mu.Unlock()
	return id, nil
}

// DestroyBindGroupLayout releases a bind group layout.
func (d *Device) DestroyBindGroupLayout(id gpucore.BindGroupLayoutID) {
	d.mu.Lock()
	layout, ok := d.bindGroupLayouts[id]
	if ok {
		delete(d.bindGroupLayouts, id)
	}
	d.mu.Unlock()

	if ok {
		d.device.DestroyBindGroupLayout(layout)
	}
}

// CreatePipelineLayout creates a pipeline layout from bind group layouts.
func (d *Device) CreatePipelineLayout(label string, layouts []gpucore.BindGroupLayoutID) (gpucore.PipelineLayoutID, error) {
	d.mu.Lock()
	halLayouts := make([]hal.BindGroupLayout, len(layouts))
	for i, id := range layouts {
		layout, ok := d.bindGroupLayouts[id]
		if !ok {
			d.mu.Unlock()
			return gpucore.InvalidID, fmt.Errorf("bind group layout %d not found", id)
		}
		halLayouts[i] = layout
	}
	d.mu.Unlock()

	pl, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label,
		BindGroupLayouts: halLayouts,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("create pipeline layout: %w", err)
	}

	id := gpucore.PipelineLayoutID(d.newID())
	d.mu.Lock()
	d.pipelineLayouts[id] = pl
	d.mu.Unlock()
	return id, nil
}

// DestroyPipelineLayout releases a pipeline layout.
func (d *Device) DestroyPipelineLayout(id gpucore.PipelineLayoutID) {
	d.mu.Lock()
	pl, ok := d.pipelineLayouts[id]
	if ok {
		delete(d.pipelineLayouts, id)
	}
	d.mu.Unlock()

	if ok {
		d.device.DestroyPipelineLayout(pl)
	}
}

// CreateComputePipeline creates a compute pipeline.
func (d *Device) CreateComputePipeline(desc *gpucore.ComputePipelineDesc) (gpucore.ComputePipelineID, error) {
	d.mu.Lock()
	layout, okLayout := d.pipelineLayouts[desc.Layout]
	module, okModule := d.shaderModules[desc.Module]
	d.mu.Unlock()
	if !okLayout {
		return gpucore.InvalidID, fmt.Errorf("pipeline layout %d not found", desc.Layout)
	}
	if !okModule {
		return gpucore.InvalidID, fmt.Errorf("shader module %d not found", desc.Module)
	}

	pipeline, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: layout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: desc.EntryPoint,
		},
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("create compute pipeline: %w", err)
	}

	id := gpucore.ComputePipelineID(d.newID())
	d.mu.Lock()
	d.computePipelines[id] = pipeline
	d.mu.Unlock()
	return id, nil
}

// DestroyComputePipeline releases a compute pipeline.
func (d *Device) DestroyComputePipeline(id gpucore.ComputePipelineID) {
	d.mu.Lock()
	pipeline, ok := d.computePipelines[id]
	if ok {
		delete(d.computePipelines, id)
	}
	d.mu.Unlock()

	if ok {
		d.device.DestroyComputePipeline(pipeline)
	}
}

// CreateBindGroup binds buffer ranges to the slots of a layout.
func (d *Device) CreateBindGroup(desc *gpucore.BindGroupDesc) (gpucore.BindGroupID, error) {
	d.mu.Lock()
	layout, ok := d.bindGroupLayouts[desc.Layout]
	if !ok {
		d.mu.Unlock()
		return gpucore.InvalidID, fmt.Errorf("bind group layout %d not found", desc.Layout)
	}
	entries := make([]gputypes.BindGroupEntry, len(desc.Entries))
	for i, e := range desc.Entries {
		entry, ok := d.buffers[e.Buffer]
		if !ok {
			d.mu.Unlock()
			return gpucore.InvalidID, fmt.Errorf("buffer %d not found", e.Buffer)
		}
		entries[i] = gputypes.BindGroupEntry{
			Binding: e.Binding,
			Resource: gputypes.BufferBinding{
				Buffer: entry.buf.NativeHandle(),
				Offset: e.Offset,
				Size:   e.Size, // 0 = rest of the buffer
			},
		}
	}
	d.mu.Unlock()

	group, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   desc.Label,
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("create bind group: %w", err)
	}

	id := gpucore.BindGroupID(d.newID())
	d.mu.Lock()
	d.bindGroups[id] = group
	d.mu.Unlock()
	return id, nil
}

// DestroyBindGroup releases a bind group.
func (d *Device) DestroyBindGroup(id gpucore.BindGroupID) {
	d.mu.Lock()
	group, ok := d.bindGroups[id]
	if ok {
		delete(d.bindGroups, id)
	}
	d.mu.Unlock()

	if ok {
		d.device.DestroyBindGroup(group)
	}
}

// === Command Recording and Execution ===

// CreateCommandEncoder creates an encoder and begins recording.
func (d *Device) CreateCommandEncoder(label string) (gpucore.CommandEncoder, error) {
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("begin encoding: %w", err)
	}
	return &commandEncoder{device: d, encoder: encoder, label: label}, nil
}

// Submit submits a command buffer with a fresh fence.
func (d *Device) Submit(cmd gpucore.CommandBuffer) (gpucore.SubmissionID, error) {
	cb, ok := cmd.(*commandBuffer)
	if !ok {
		return 0, fmt.Errorf("foreign command buffer %T", cmd)
	}
	fence, err := d.device.CreateFence()
	if err != nil {
		d.device.FreeCommandBuffer(cb.cmd)
		return 0, fmt.Errorf("create fence: %w", err)
	}
	if err := d.queue.Submit([]hal.CommandBuffer{cb.cmd}, fence, 1); err != nil {
		d.device.DestroyFence(fence)
		d.device.FreeCommandBuffer(cb.cmd)
		return 0, fmt.Errorf("submit: %w", err)
	}

	id := gpucore.SubmissionID(d.newID())
	d.mu.Lock()
	d.submissions[id] = &submission{cmd: cb.cmd, fence: fence}
	d.mu.Unlock()
	return id, nil
}

// Wait waits on the submission's fence.
func (d *Device) Wait(id gpucore.SubmissionID, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	s, ok := d.submissions[id]
	d.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("submission %d not found", id)
	}
	done, err := d.device.Wait(s.fence, 1, timeout)
	if err != nil {
		return false, fmt.Errorf("wait for GPU: %w", err)
	}
	return done, nil
}

// ReleaseSubmission frees the fence and command buffer of a submission.
func (d *Device) ReleaseSubmission(id gpucore.SubmissionID) {
	d.mu.Lock()
	s, ok := d.submissions[id]
	if ok {
		delete(d.submissions, id)
	}
	d.mu.Unlock()

	if ok {
		d.device.DestroyFence(s.fence)
		d.device.FreeCommandBuffer(s.cmd)
	}
}

// Destroy releases every tracked resource, then the device and instance
// unless the device is shared.
func (d *Device) Destroy() {
	d.mu.Lock()
	subs := d.submissions
	groups := d.bindGroups
	pipelines := d.computePipelines
	pipelineLayouts := d.pipelineLayouts
	layouts := d.bindGroupLayouts
	modules := d.shaderModules
	buffers := d.buffers
	d.submissions = make(map[gpucore.SubmissionID]*submission)
	d.bindGroups = make(map[gpucore.BindGroupID]hal.BindGroup)
	d.computePipelines = make(map[gpucore.ComputePipelineID]hal.ComputePipeline)
	d.pipelineLayouts = make(map[gpucore.PipelineLayoutID]hal.PipelineLayout)
	d.bindGroupLayouts = make(map[gpucore.BindGroupLayoutID]hal.BindGroupLayout)
	d.shaderModules = make(map[gpucore.ShaderModuleID]hal.ShaderModule)
	d.buffers = make(map[gpucore.BufferID]*bufferEntry)
	d.mu.Unlock()

	leaked := len(subs) + len(groups) + len(pipelines) + len(pipelineLayouts) +
		len(layouts) + len(modules) + len(buffers)
	if leaked > 0 {
		slogger().Warn("native: releasing resources left alive at destroy", "count", leaked)
	}
	for _, s := range subs {
		d.device.DestroyFence(s.fence)
		d.device.FreeCommandBuffer(s.cmd)
	}
	for _, g := range groups {
		d.device.DestroyBindGroup(g)
	}
	for _, p := range pipelines {
		d.device.DestroyComputePipeline(p)
	}
	for _, pl := range pipelineLayouts {
		d.device.DestroyPipelineLayout(pl)
	}
	for _, l := range layouts {
		d.device.DestroyBindGroupLayout(l)
	}
	for _, m := range modules {
		d.device.DestroyShaderModule(m)
	}
	for _, b := range buffers {
		d.device.DestroyBuffer(b.buf)
	}

	if d.external {
		return
	}
	if d.device != nil {
		d.device.Destroy()
		d.device = nil
	}
	if d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
}
