package dispatch

import (
	"fmt"

	"github.com/gogpu/gridrun/internal/gpucore"
)

// Record encodes one command buffer that runs the pipeline over the grid's
// dispatch count and then copies the whole output buffer into staging.
// The copy follows the dispatch in the same command buffer, so it observes
// the kernel's writes.
func Record(dev gpucore.Device, p *Pipeline, b *Buffers, grid gpucore.GridConfig, label string) (gpucore.CommandBuffer, error) {
	if p.BindGroup == gpucore.InvalidID {
		return nil, fmt.Errorf("%w: pipeline has no bind group", gpucore.ErrBindGroupMismatch)
	}
	encoder, err := dev.CreateCommandEncoder(label)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gpucore.ErrSubmitFailed, err)
	}

	pass := encoder.BeginComputePass(label)
	pass.SetPipeline(p.Pipeline)
	pass.SetBindGroup(0, p.BindGroup)
	pass.Dispatch(grid.DispatchCount[0], grid.DispatchCount[1], grid.DispatchCount[2])
	pass.End()
	encoder.CopyBufferToBuffer(b.Output, 0, b.Staging, 0, b.OutputSize)

	cmd, err := encoder.Finish()
	if err != nil {
		encoder.Discard()
		return nil, fmt.Errorf("%w: finish encoding: %w", gpucore.ErrSubmitFailed, err)
	}
	slogger().Debug("dispatch: recorded",
		"workgroups", fmt.Sprint(grid.DispatchCount), "copy_bytes", b.OutputSize)
	return cmd, nil
}

// Submit hands a recorded command buffer to the queue. It does not wait
// for the GPU.
func Submit(dev gpucore.Device, cmd gpucore.CommandBuffer) (gpucore.SubmissionID, error) {
	sub, err := dev.Submit(cmd)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", gpucore.ErrSubmitFailed, err)
	}
	return sub, nil
}

