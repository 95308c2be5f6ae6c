package native

import (
	"errors"
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gridrun/internal/gpucore"
)

// commandEncoder records into a hal.CommandEncoder, resolving gpucore IDs
// as commands arrive. An unknown ID poisons the encoder; Finish reports it.
type commandEncoder struct {
	device  *Device
	encoder hal.CommandEncoder
	label   string
	err     error
	done    bool
}

type commandBuffer struct {
	label string
	cmd   hal.CommandBuffer
}

func (c *commandBuffer) Label() string { return c.label }

func (e *commandEncoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *commandEncoder) BeginComputePass(label string) gpucore.ComputePassEncoder {
	pass := e.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
	return &computePass{encoder: e, pass: pass}
}

func (e *commandEncoder) CopyBufferToBuffer(src gpucore.BufferID, srcOffset uint64, dst gpucore.BufferID, dstOffset, size uint64) {
	e.device.mu.Lock()
	srcEntry, okSrc := e.device.buffers[src]
	dstEntry, okDst := e.device.buffers[dst]
	e.device.mu.Unlock()
	if !okSrc || !okDst {
		e.fail(fmt.Errorf("copy between unknown buffers %d and %d", src, dst))
		return
	}
	e.encoder.CopyBufferToBuffer(srcEntry.buf, dstEntry.buf, []hal.BufferCopy{
		{SrcOffset: srcOffset, DstOffset: dstOffset, Size: size},
	})
}

func (e *commandEncoder) Finish() (gpucore.CommandBuffer, error) {
	if e.done {
		return nil, errors.New("encoder already finished")
	}
	e.done = true
	if e.err != nil {
		e.encoder.DiscardEncoding()
		return nil, e.err
	}
	cmd, err := e.encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("end encoding: %w", err)
	}
	return &commandBuffer{label: e.label, cmd: cmd}, nil
}

func (e *commandEncoder) Discard() {
	if e.done {
		return
	}
	e.done = true
	e.encoder.DiscardEncoding()
}

type computePass struct {
	encoder *commandEncoder
	pass    hal.ComputePassEncoder
}

func (p *computePass) SetPipeline(id gpucore.ComputePipelineID) {
	d := p.encoder.device
	d.mu.Lock()
	pipeline, ok := d.computePipelines[id]
	d.mu.Unlock()
	if !ok {
		p.encoder.fail(fmt.Errorf("compute pipeline %d not found", id))
		return
	}
	p.pass.SetPipeline(pipeline)
}

func (p *computePass) SetBindGroup(index uint32, id gpucore.BindGroupID) {
	d := p.encoder.device
	d.mu.Lock()
	group, ok := d.bindGroups[id]
	d.mu.Unlock()
	if !ok {
		p.encoder.fail(fmt.Errorf("bind group %d not found", id))
		return
	}
	p.pass.SetBindGroup(index, group, nil)
}

func (p *computePass) Dispatch(x, y, z uint32) {
	p.pass.Dispatch(x, y, z)
}

func (p *computePass) End() {
	p.pass.End()
}
