package gpucoretest

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gridrun/internal/gpucore"
)

type command interface {
	isCommand()
}

type dispatchCmd struct {
	pipeline   gpucore.ComputePipelineID
	bindGroups map[uint32]gpucore.BindGroupID
	workgroups [3]uint32
}

type copyCmd struct {
	src, dst       gpucore.BufferID
	srcOff, dstOff uint64
	size           uint64
}

func (dispatchCmd) isCommand() {}
func (copyCmd) isCommand()     {}

type commandBuffer struct {
	label string
	cmds  []command
}

func (c *commandBuffer) Label() string { return c.label }

type commandEncoder struct {
	device   *Device
	cmd      *commandBuffer
	finished bool
	err      error
}

func (e *commandEncoder) BeginComputePass(string) gpucore.ComputePassEncoder {
	e.device.mu.Lock()
	e.device.record("BeginComputePass")
	e.device.mu.Unlock()
	return &computePass{encoder: e, bindGroups: make(map[uint32]gpucore.BindGroupID)}
}

func (e *commandEncoder) CopyBufferToBuffer(src gpucore.BufferID, srcOff uint64, dst gpucore.BufferID, dstOff, size uint64) {
	e.device.mu.Lock()
	e.device.record("CopyBufferToBuffer")
	e.device.mu.Unlock()
	if size%4 != 0 || srcOff%4 != 0 || dstOff%4 != 0 {
		e.err = fmt.Errorf("gpucoretest: unaligned copy %d+%d -> %d", srcOff, size, dstOff)
	}
	e.cmd.cmds = append(e.cmd.cmds, copyCmd{src: src, dst: dst, srcOff: srcOff, dstOff: dstOff, size: size})
}

func (e *commandEncoder) Finish() (gpucore.CommandBuffer, error) {
	e.device.mu.Lock()
	e.device.record("Finish")
	e.device.mu.Unlock()
	if e.finished {
		return nil, errors.New("gpucoretest: encoder already finished")
	}
	e.finished = true
	if e.err != nil {
		return nil, e.err
	}
	return e.cmd, nil
}

func (e *commandEncoder) Discard() {
	e.device.mu.Lock()
	e.device.record("Discard")
	e.device.mu.Unlock()
	e.finished = true
}

type computePass struct {
	encoder    *commandEncoder
	pipeline   gpucore.ComputePipelineID
	bindGroups map[uint32]gpucore.BindGroupID
}

func (p *computePass) SetPipeline(pipeline gpucore.ComputePipelineID) {
	p.pipeline = pipeline
}

func (p *computePass) SetBindGroup(index uint32, group gpucore.BindGroupID) {
	p.bindGroups[index] = group
}

func (p *computePass) Dispatch(x, y, z uint32) {
	groups := make(map[uint32]gpucore.BindGroupID, len(p.bindGroups))
	for k, v := range p.bindGroups {
		groups[k] = v
	}
	d := p.encoder.device
	d.mu.Lock()
	d.record(fmt.Sprintf("Dispatch(%d,%d,%d)", x, y, z))
	d.mu.Unlock()
	p.encoder.cmd.cmds = append(p.encoder.cmd.cmds, dispatchCmd{
		pipeline:   p.pipeline,
		bindGroups: groups,
		workgroups: [3]uint32{x, y, z},
	})
}

func (p *computePass) End() {}

// execute runs a command buffer against device memory. d.mu is held.
func (d *Device) execute(cb *commandBuffer) error {
	for _, c := range cb.cmds {
		switch c := c.(type) {
		case dispatchCmd:
			if err := d.runDispatch(c); err != nil {
				return err
			}
		case copyCmd:
			if err := d.runCopy(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Device) runDispatch(c dispatchCmd) error {
	pipeline, ok := d.pipelines[c.pipeline]
	if !ok {
		return fmt.Errorf("gpucoretest: dispatch without a valid pipeline")
	}
	groupID, ok := c.bindGroups[0]
	if !ok {
		return fmt.Errorf("gpucoretest: dispatch without bind group 0")
	}
	group, ok := d.bindGroups[groupID]
	if !ok {
		return fmt.Errorf("gpucoretest: bind group %d not found", groupID)
	}
	bindings := make(map[uint32][]byte, len(group.Entries))
	for _, e := range group.Entries {
		b, ok := d.buffers[e.Buffer]
		if !ok {
			return fmt.Errorf("gpucoretest: buffer %d destroyed before dispatch", e.Buffer)
		}
		if b.mapped {
			return fmt.Errorf("gpucoretest: buffer %q is mapped during dispatch", b.desc.Label)
		}
		size := e.Size
		if size == 0 {
			size = b.desc.Size - e.Offset
		}
		bindings[e.Binding] = b.data[e.Offset : e.Offset+size : e.Offset+size]
	}
	if d.Kernel != nil {
		d.Kernel(Dispatch{
			WGSL:       d.modules[pipeline.Module].WGSL,
			EntryPoint: pipeline.EntryPoint,
			Workgroups: c.workgroups,
			Bindings:   bindings,
		})
	}
	return nil
}

func (d *Device) runCopy(c copyCmd) error {
	src, ok := d.buffers[c.src]
	if !ok {
		return fmt.Errorf("gpucoretest: copy source %d not found", c.src)
	}
	dst, ok := d.buffers[c.dst]
	if !ok {
		return fmt.Errorf("gpucoretest: copy destination %d not found", c.dst)
	}
	if !src.desc.Usage.Contains(gputypes.BufferUsageCopySrc) {
		return fmt.Errorf("gpucoretest: buffer %q lacks CopySrc usage", src.desc.Label)
	}
	if !dst.desc.Usage.Contains(gputypes.BufferUsageCopyDst) {
		return fmt.Errorf("gpucoretest: buffer %q lacks CopyDst usage", dst.desc.Label)
	}
	if c.srcOff+c.size > src.desc.Size || c.dstOff+c.size > dst.desc.Size {
		return fmt.Errorf("gpucoretest: copy of %d bytes out of bounds", c.size)
	}
	copy(dst.data[c.dstOff:c.dstOff+c.size], src.data[c.srcOff:c.srcOff+c.size])
	return nil
}
