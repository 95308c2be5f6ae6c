// Package gpucoretest provides an in-memory gpucore.Device for tests.
//
// The fake keeps every buffer in host memory, enforces the WebGPU usage
// rules the harness depends on, records every call, and executes recorded
// command buffers in order when a submission is waited on. Dispatches run a
// caller-supplied [KernelFunc] instead of compiled shader code.
package gpucoretest

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gridrun/internal/gpucore"
)

// ErrInjected is the default error returned by injected failures.
var ErrInjected = errors.New("gpucoretest: injected failure")

// Dispatch is what a KernelFunc sees for one Dispatch command.
type Dispatch struct {
	// WGSL is the source the pipeline's module was created from.
	WGSL string

	// EntryPoint is the pipeline's entry point.
	EntryPoint string

	// Workgroups is the dispatch count per axis.
	Workgroups [3]uint32

	// Bindings maps a binding slot of group 0 to the bound buffer range.
	// Writes through the slices land in device memory.
	Bindings map[uint32][]byte
}

// KernelFunc emulates a compute kernel.
type KernelFunc func(d Dispatch)

// Device is a recording, in-memory gpucore.Device.
type Device struct {
	// Kernel runs for every Dispatch. Nil kernels leave buffers untouched.
	Kernel KernelFunc

	// Failure injection. A non-nil error makes the matching call fail.
	FailCreateBuffer        error
	FailWriteBuffer         error
	FailShaderModule        error
	FailBindGroupLayout     error
	FailPipelineLayout      error
	FailComputePipeline     error
	FailBindGroup           error
	FailCommandEncoder      error
	FailSubmit              error
	FailMap                 error
	FailCreateBufferOnIndex int // 1-based CreateBuffer call that fails; 0 disables

	// PendingWaits is the number of Wait calls that time out before the
	// submission completes. Hang makes every Wait time out.
	PendingWaits int
	Hang         bool

	mu        sync.Mutex
	info      gpucore.AdapterInfo
	limits    gpucore.Limits
	nextID    uint64
	calls     []string
	destroyed bool

	buffers         map[gpucore.BufferID]*buffer
	modules         map[gpucore.ShaderModuleID]gpucore.ShaderModuleDesc
	bindLayouts     map[gpucore.BindGroupLayoutID]gpucore.BindGroupLayoutDesc
	pipelineLayouts map[gpucore.PipelineLayoutID][]gpucore.BindGroupLayoutID
	pipelines       map[gpucore.ComputePipelineID]gpucore.ComputePipelineDesc
	bindGroups      map[gpucore.BindGroupID]gpucore.BindGroupDesc
	submissions     map[gpucore.SubmissionID]*submission
	createBuffers   int
}

type buffer struct {
	desc   gpucore.BufferDesc
	data   []byte
	mapped bool
}

type submission struct {
	cmd  *commandBuffer
	done bool
	err  error
}

var _ gpucore.Device = (*Device)(nil)

// New returns a fake device with WebGPU default limits.
func New() *Device {
	return &Device{
		info: gpucore.AdapterInfo{
			Name:       "gpucoretest",
			DeviceType: gputypes.DeviceTypeIntegratedGPU,
		},
		limits:          gpucore.DefaultLimits(),
		nextID:          1,
		buffers:         make(map[gpucore.BufferID]*buffer),
		modules:         make(map[gpucore.ShaderModuleID]gpucore.ShaderModuleDesc),
		bindLayouts:     make(map[gpucore.BindGroupLayoutID]gpucore.BindGroupLayoutDesc),
		pipelineLayouts: make(map[gpucore.PipelineLayoutID][]gpucore.BindGroupLayoutID),
		pipelines:       make(map[gpucore.ComputePipelineID]gpucore.ComputePipelineDesc),
		bindGroups:      make(map[gpucore.BindGroupID]gpucore.BindGroupDesc),
		submissions:     make(map[gpucore.SubmissionID]*submission),
	}
}

// SetLimits replaces the limits reported by Limits.
func (d *Device) SetLimits(l gpucore.Limits) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limits = l
}

// Calls returns the names of the device calls made so far, in order.
func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Called reports whether a call with the given name was made.
func (d *Device) Called(name string) bool {
	for _, c := range d.Calls() {
		if c == name {
			return true
		}
	}
	return false
}

// LiveResources returns the labels of resources not yet destroyed,
// sorted. Submissions count as resources until released.
func (d *Device) LiveResources() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var live []string
	for _, b := range d.buffers {
		live = append(live, "buffer:"+b.desc.Label)
	}
	for _, m := range d.modules {
		live = append(live, "module:"+m.Label)
	}
	for _, l := range d.bindLayouts {
		live = append(live, "bind_group_layout:"+l.Label)
	}
	for range d.pipelineLayouts {
		live = append(live, "pipeline_layout")
	}
	for _, p := range d.pipelines {
		live = append(live, "pipeline:"+p.Label)
	}
	for _, g := range d.bindGroups {
		live = append(live, "bind_group:"+g.Label)
	}
	for range d.submissions {
		live = append(live, "submission")
	}
	sort.Strings(live)
	return live
}

// Buffer returns a copy of a buffer's contents and its descriptor.
func (d *Device) Buffer(id gpucore.BufferID) ([]byte, gpucore.BufferDesc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return nil, gpucore.BufferDesc{}, false
	}
	return append([]byte(nil), b.data...), b.desc, true
}

// ShaderSources returns the WGSL of every shader module created so far
// that is still alive.
func (d *Device) ShaderSources() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, m := range d.modules {
		out = append(out, m.WGSL)
	}
	return out
}

// Destroyed reports whether Destroy was called.
func (d *Device) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *Device) record(name string) {
	d.calls = append(d.calls, name)
}

func (d *Device) newID() uint64 {
	id := d.nextID
	d.nextID++
	return id
}

// Info returns the adapter description.
func (d *Device) Info() gpucore.AdapterInfo {
	return d.info
}

// Limits returns the configured limits.
func (d *Device) Limits() gpucore.Limits {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limits
}

// CreateBuffer allocates a zero-filled host buffer.
func (d *Device) CreateBuffer(desc *gpucore.BufferDesc) (gpucore.BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("CreateBuffer")
	d.createBuffers++
	if d.FailCreateBuffer != nil {
		return gpucore.InvalidID, d.FailCreateBuffer
	}
	if d.FailCreateBufferOnIndex != 0 && d.createBuffers == d.FailCreateBufferOnIndex {
		return gpucore.InvalidID, ErrInjected
	}
	if desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("gpucoretest: buffer %q has zero size", desc.Label)
	}
	if desc.Size > d.limits.MaxBufferSize {
		return gpucore.InvalidID, fmt.Errorf("gpucoretest: buffer %q size %d over limit %d",
			desc.Label, desc.Size, d.limits.MaxBufferSize)
	}
	if desc.Usage.Contains(gputypes.BufferUsageMapRead) &&
		desc.Usage&^(gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst) != 0 {
		return gpucore.InvalidID, fmt.Errorf("gpucoretest: buffer %q: MapRead only combines with CopyDst", desc.Label)
	}
	id := gpucore.BufferID(d.newID())
	d.buffers[id] = &buffer{desc: *desc, data: make([]byte, desc.Size)}
	return id, nil
}

// WriteBuffer copies data into the buffer.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("WriteBuffer")
	if d.FailWriteBuffer != nil {
		return d.FailWriteBuffer
	}
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("gpucoretest: buffer %d not found", id)
	}
	if !b.desc.Usage.Contains(gputypes.BufferUsageCopyDst) {
		return fmt.Errorf("gpucoretest: buffer %q lacks CopyDst usage", b.desc.Label)
	}
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("gpucoretest: write of %d bytes at %d overruns buffer %q", len(data), offset, b.desc.Label)
	}
	copy(b.data[offset:], data)
	return nil
}

// DestroyBuffer releases the buffer.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("DestroyBuffer")
	delete(d.buffers, id)
}

// MapRead returns a view of the buffer's memory.
func (d *Device) MapRead(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("MapRead")
	if d.FailMap != nil {
		return nil, d.FailMap
	}
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("gpucoretest: buffer %d not found", id)
	}
	if !b.desc.Usage.Contains(gputypes.BufferUsageMapRead) {
		return nil, fmt.Errorf("gpucoretest: buffer %q lacks MapRead usage", b.desc.Label)
	}
	if b.mapped {
		return nil, fmt.Errorf("gpucoretest: buffer %q already mapped", b.desc.Label)
	}
	if offset+size > uint64(len(b.data)) {
		return nil, fmt.Errorf("gpucoretest: map range %d+%d out of bounds", offset, size)
	}
	b.mapped = true
	return b.data[offset : offset+size], nil
}

// Unmap ends a mapping.
func (d *Device) Unmap(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("Unmap")
	if b, ok := d.buffers[id]; ok {
		b.mapped = false
	}
}

// Mapped reports whether a buffer is currently mapped.
func (d *Device) Mapped(id gpucore.BufferID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	return ok && b.mapped
}

// CreateShaderModule stores the source. No compilation happens.
func (d *Device) CreateShaderModule(desc *gpucore.ShaderModuleDesc) (gpucore.ShaderModuleID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("CreateShaderModule")
	if d.FailShaderModule != nil {
		return gpucore.InvalidID, d.FailShaderModule
	}
	id := gpucore.ShaderModuleID(d.newID())
	d.modules[id] = *desc
	return id, nil
}

// DestroyShaderModule releases a module.
func (d *Device) DestroyShaderModule(id gpucore.ShaderModuleID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("DestroyShaderModule")
	delete(d.modules, id)
}

// CreateBindGroupLayout stores the layout.
func (d *Device) CreateBindGroupLayout(desc *gpucore.BindGroupLayoutDesc) (gpucore.BindGroupLayoutID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("CreateBindGroupLayout")
	if d.FailBindGroupLayout != nil {
		return gpucore.InvalidID, d.FailBindGroupLayout
	}
	seen := make(map[uint32]bool)
	for _, e := range desc.Entries {
		if seen[e.Binding] {
			return gpucore.InvalidID, fmt.Errorf("gpucoretest: duplicate binding %d", e.Binding)
		}
		seen[e.Binding] = true
	}
	id := gpucore.BindGroupLayoutID(d.newID())
	d.bindLayouts[id] = *desc
	return id, nil
}

// DestroyBindGroupLayout releases a layout.
func (d *Device) DestroyBindGroupLayout(id gpucore.BindGroupLayoutID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("DestroyBindGroupLayout")
	delete(d.bindLayouts, id)
}

// CreatePipelineLayout stores the pipeline layout.
func (d *Device) CreatePipelineLayout(_ string, layouts []gpucore.BindGroupLayoutID) (gpucore.PipelineLayoutID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("CreatePipelineLayout")
	if d.FailPipelineLayout != nil {
		return gpucore.InvalidID, d.FailPipelineLayout
	}
	for _, l := range layouts {
		if _, ok := d.bindLayouts[l]; !ok {
			return gpucore.InvalidID, fmt.Errorf("gpucoretest: bind group layout %d not found", l)
		}
	}
	id := gpucore.PipelineLayoutID(d.newID())
	d.pipelineLayouts[id] = append([]gpucore.BindGroupLayoutID(nil), layouts...)
	return id, nil
}

// DestroyPipelineLayout releases a pipeline layout.
func (d *Device) DestroyPipelineLayout(id gpucore.PipelineLayoutID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("DestroyPipelineLayout")
	delete(d.pipelineLayouts, id)
}

// CreateComputePipeline stores the pipeline.
func (d *Device) CreateComputePipeline(desc *gpucore.ComputePipelineDesc) (gpucore.ComputePipelineID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("CreateComputePipeline")
	if d.FailComputePipeline != nil {
		return gpucore.InvalidID, d.FailComputePipeline
	}
	if _, ok := d.modules[desc.Module]; !ok {
		return gpucore.InvalidID, fmt.Errorf("gpucoretest: shader module %d not found", desc.Module)
	}
	if _, ok := d.pipelineLayouts[desc.Layout]; !ok {
		return gpucore.InvalidID, fmt.Errorf("gpucoretest: pipeline layout %d not found", desc.Layout)
	}
	id := gpucore.ComputePipelineID(d.newID())
	d.pipelines[id] = *desc
	return id, nil
}

// DestroyComputePipeline releases a pipeline.
func (d *Device) DestroyComputePipeline(id gpucore.ComputePipelineID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("DestroyComputePipeline")
	delete(d.pipelines, id)
}

// CreateBindGroup checks the entries against the layout and buffer usages.
func (d *Device) CreateBindGroup(desc *gpucore.BindGroupDesc) (gpucore.BindGroupID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("CreateBindGroup")
	if d.FailBindGroup != nil {
		return gpucore.InvalidID, d.FailBindGroup
	}
	layout, ok := d.bindLayouts[desc.Layout]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("gpucoretest: bind group layout %d not found", desc.Layout)
	}
	if len(layout.Entries) != len(desc.Entries) {
		return gpucore.InvalidID, fmt.Errorf("gpucoretest: layout has %d entries, bind group has %d",
			len(layout.Entries), len(desc.Entries))
	}
	for _, le := range layout.Entries {
		e, found := findEntry(desc.Entries, le.Binding)
		if !found {
			return gpucore.InvalidID, fmt.Errorf("gpucoretest: binding %d not provided", le.Binding)
		}
		b, ok := d.buffers[e.Buffer]
		if !ok {
			return gpucore.InvalidID, fmt.Errorf("gpucoretest: buffer %d not found", e.Buffer)
		}
		need := gputypes.BufferUsageStorage
		if le.Type == gputypes.BufferBindingTypeUniform {
			need = gputypes.BufferUsageUniform
		}
		if !b.desc.Usage.Contains(need) {
			return gpucore.InvalidID, fmt.Errorf("gpucoretest: buffer %q lacks usage for binding %d", b.desc.Label, le.Binding)
		}
		size := e.Size
		if size == 0 {
			size = b.desc.Size - e.Offset
		}
		if e.Offset+size > b.desc.Size {
			return gpucore.InvalidID, fmt.Errorf("gpucoretest: binding %d range out of bounds", le.Binding)
		}
		if size < le.MinBindingSize {
			return gpucore.InvalidID, fmt.Errorf("gpucoretest: binding %d size %d below minimum %d",
				le.Binding, size, le.MinBindingSize)
		}
	}
	id := gpucore.BindGroupID(d.newID())
	d.bindGroups[id] = *desc
	return id, nil
}

func findEntry(entries []gpucore.BindGroupEntry, binding uint32) (gpucore.BindGroupEntry, bool) {
	for _, e := range entries {
		if e.Binding == binding {
			return e, true
		}
	}
	return gpucore.BindGroupEntry{}, false
}

// DestroyBindGroup releases a bind group.
func (d *Device) DestroyBindGroup(id gpucore.BindGroupID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("DestroyBindGroup")
	delete(d.bindGroups, id)
}

// CreateCommandEncoder starts a recording.
func (d *Device) CreateCommandEncoder(label string) (gpucore.CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("CreateCommandEncoder")
	if d.FailCommandEncoder != nil {
		return nil, d.FailCommandEncoder
	}
	return &commandEncoder{device: d, cmd: &commandBuffer{label: label}}, nil
}

// Submit queues a command buffer. Execution happens when the submission is
// waited on.
func (d *Device) Submit(cmd gpucore.CommandBuffer) (gpucore.SubmissionID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("Submit")
	if d.FailSubmit != nil {
		return 0, d.FailSubmit
	}
	cb, ok := cmd.(*commandBuffer)
	if !ok {
		return 0, fmt.Errorf("gpucoretest: foreign command buffer %T", cmd)
	}
	id := gpucore.SubmissionID(d.newID())
	d.submissions[id] = &submission{cmd: cb}
	return id, nil
}

// Wait completes the submission, executing its commands on first success.
func (d *Device) Wait(id gpucore.SubmissionID, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	d.record("Wait")
	s, ok := d.submissions[id]
	if !ok {
		d.mu.Unlock()
		return false, fmt.Errorf("gpucoretest: submission %d not found", id)
	}
	if d.Hang {
		d.mu.Unlock()
		time.Sleep(timeout)
		return false, nil
	}
	defer d.mu.Unlock()
	if d.PendingWaits > 0 {
		d.PendingWaits--
		return false, nil
	}
	if !s.done {
		s.err = d.execute(s.cmd)
		s.done = true
	}
	return true, s.err
}

// ReleaseSubmission forgets a submission.
func (d *Device) ReleaseSubmission(id gpucore.SubmissionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("ReleaseSubmission")
	delete(d.submissions, id)
}

// Destroy marks the device destroyed.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("Destroy")
	d.destroyed = true
}
