package dispatch

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gridrun/internal/gpucore"
)

// Buffer usages of the three harness buffers. The input buffer carries
// both storage and uniform usage so either binding mode can read it.
var (
	InputUsage   = gputypes.BufferUsageStorage | gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst
	OutputUsage  = gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc
	StagingUsage = gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapRead
)

// BufferSpec describes the buffers of one invocation.
type BufferSpec struct {
	Input        []byte
	In, Out      gpucore.ElementLayout
	Grid         gpucore.GridConfig
	UniformInput bool
	Label        string
}

// Buffers owns the input, output and staging buffers of one invocation.
// IDs stay gpucore.InvalidID until the buffer is created.
type Buffers struct {
	dev   gpucore.Device
	label string

	Input   gpucore.BufferID
	Output  gpucore.BufferID
	Staging gpucore.BufferID

	InputSize  uint64
	OutputSize uint64
}

// NewBuffers returns an empty buffer set on dev.
func NewBuffers(dev gpucore.Device, label string) *Buffers {
	return &Buffers{dev: dev, label: label}
}

// OutputSize returns the output and staging size for layout and grid,
// checked against the device limits. Overflow and sizes over the max
// buffer size or the max storage binding size fail with
// ErrBufferSizeExceedsLimit.
func OutputSize(lim gpucore.Limits, out gpucore.ElementLayout, grid gpucore.GridConfig) (uint64, error) {
	size, ok := gpucore.SizeFor(out, grid)
	if !ok {
		return 0, fmt.Errorf("%w: %d bytes per element times %s overflows", gpucore.ErrBufferSizeExceedsLimit, out.MinSize, grid)
	}
	if limit := storageLimit(lim); size > limit {
		return 0, fmt.Errorf("%w: output needs %d bytes, limit is %d", gpucore.ErrBufferSizeExceedsLimit, size, limit)
	}
	return size, nil
}

// InputSize returns the padded input buffer size. Input shorter than the
// layout's minimum binding size fails with ErrBindGroupMismatch; input over
// the limit of its binding fails with ErrBufferSizeExceedsLimit.
func InputSize(lim gpucore.Limits, in gpucore.ElementLayout, input []byte, uniform bool) (uint64, error) {
	n := uint64(len(input))
	if n < in.MinSize {
		return 0, fmt.Errorf("%w: input is %d bytes, binding needs at least %d",
			gpucore.ErrBindGroupMismatch, n, in.MinSize)
	}
	size := alignUp(n, 4)
	limit := storageLimit(lim)
	if uniform && lim.MaxUniformBufferBindingSize != 0 {
		limit = min(limit, lim.MaxUniformBufferBindingSize)
	}
	if size > limit {
		return 0, fmt.Errorf("%w: input needs %d bytes, limit is %d", gpucore.ErrBufferSizeExceedsLimit, size, limit)
	}
	return size, nil
}

// Allocate validates every size, then creates the input, output and
// staging buffers. Nothing is allocated when validation fails; buffers
// created before a device failure are released.
func Allocate(dev gpucore.Device, spec BufferSpec) (*Buffers, error) {
	lim := dev.Limits()
	inSize, err := InputSize(lim, spec.In, spec.Input, spec.UniformInput)
	if err != nil {
		return nil, err
	}
	outSize, err := OutputSize(lim, spec.Out, spec.Grid)
	if err != nil {
		return nil, err
	}

	b := NewBuffers(dev, spec.Label)
	if err := b.CreateInput(spec.Input, inSize); err != nil {
		b.Release()
		return nil, err
	}
	if err := b.CreateOutput(outSize); err != nil {
		b.Release()
		return nil, err
	}
	if err := b.CreateStaging(outSize); err != nil {
		b.Release()
		return nil, err
	}
	slogger().Debug("dispatch: buffers allocated",
		"input", inSize, "output", outSize, "staging", outSize)
	return b, nil
}

// CreateInput creates the input buffer of the given padded size and
// uploads data into it.
func (b *Buffers) CreateInput(data []byte, size uint64) error {
	id, err := b.create("input", size, InputUsage)
	if err != nil {
		return err
	}
	b.Input, b.InputSize = id, size
	if uint64(len(data)) < size {
		padded := make([]byte, size)
		copy(padded, data)
		data = padded
	}
	if err := b.dev.WriteBuffer(id, 0, data); err != nil {
		return fmt.Errorf("%w: upload input: %w", gpucore.ErrSubmitFailed, err)
	}
	return nil
}

// CreateOutput creates the zero-initialized output buffer.
func (b *Buffers) CreateOutput(size uint64) error {
	id, err := b.create("output", size, OutputUsage)
	if err != nil {
		return err
	}
	b.Output, b.OutputSize = id, size
	return nil
}

// CreateStaging creates the mappable staging buffer.
func (b *Buffers) CreateStaging(size uint64) error {
	id, err := b.create("staging", size, StagingUsage)
	if err != nil {
		return err
	}
	b.Staging = id
	return nil
}

func (b *Buffers) create(role string, size uint64, usage gputypes.BufferUsage) (gpucore.BufferID, error) {
	label := role
	if b.label != "" {
		label = b.label + "_" + role
	}
	id, err := b.dev.CreateBuffer(&gpucore.BufferDesc{Label: label, Size: size, Usage: usage})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("%w: create %s buffer of %d bytes: %w",
			gpucore.ErrBufferSizeExceedsLimit, role, size, err)
	}
	return id, nil
}

// Release destroys the created buffers in reverse creation order.
// Release is idempotent.
func (b *Buffers) Release() {
	for _, id := range []*gpucore.BufferID{&b.Staging, &b.Output, &b.Input} {
		if *id != gpucore.InvalidID {
			b.dev.DestroyBuffer(*id)
			*id = gpucore.InvalidID
		}
	}
}

// storageLimit is the largest buffer that can also be bound whole as
// storage. Zero limits are unbounded.
func storageLimit(lim gpucore.Limits) uint64 {
	limit := ^uint64(0)
	if lim.MaxBufferSize != 0 {
		limit = lim.MaxBufferSize
	}
	if lim.MaxStorageBufferBindingSize != 0 {
		limit = min(limit, lim.MaxStorageBufferBindingSize)
	}
	return limit
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}
