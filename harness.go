package gridrun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gridrun/internal/dispatch"
	"github.com/gogpu/gridrun/internal/gpucore"
	"github.com/gogpu/gridrun/internal/native"
)

// drainTimeout bounds how long Close waits for submissions abandoned by a
// canceled Run before their resources are released anyway.
const drainTimeout = time.Second

// Request is one invocation: a kernel, one IN value and the grid to run
// it over.
type Request struct {
	// Kernel is WGSL source with a compute entry point and two group 0
	// bindings: the input at binding 0 and the output at binding 1.
	Kernel string

	// Input is the encoded IN value. It must be at least In.MinSize bytes.
	Input []byte

	// In and Out are the element layouts of the input value and of one
	// output element.
	In, Out ElementLayout

	// Grid is baked into the kernel and used to size the output.
	Grid GridConfig
}

// Harness owns one GPU device and runs invocations on it, one at a time.
// Separate harnesses are independent.
type Harness struct {
	mu     sync.Mutex
	dev    gpucore.Device
	opts   options
	state  State
	closed bool

	// abandoned holds invocations whose wait was canceled while the GPU
	// may still use their resources.
	abandoned []abandoned
}

type abandoned struct {
	sub     gpucore.SubmissionID
	release func()
}

// Open acquires a device and returns a harness bound to it.
//
// Without WithDeviceProvider, Open selects the primary compute adapter
// (discrete GPU first) on the Vulkan backend. Failures are *StageError
// with kind ErrAdapterUnavailable or ErrDeviceCreationFailed.
func Open(opts ...Option) (*Harness, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var (
		dev *native.Device
		err error
	)
	if o.provider != nil {
		dev, err = native.FromProvider(o.provider, o.limits)
	} else {
		dev, err = native.Open(native.Config{Limits: o.limits})
	}
	if err != nil {
		return nil, stageError(DeviceReady, err, ErrDeviceCreationFailed)
	}
	return newHarness(dev, o), nil
}

func newHarness(dev gpucore.Device, o options) *Harness {
	h := &Harness{dev: dev, opts: o}
	h.transition(DeviceReady)
	return h
}

// Run opens a harness, runs one invocation and closes it.
func Run(ctx context.Context, req Request, opts ...Option) ([]byte, error) {
	h, err := Open(opts...)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Run(ctx, req)
}

// Adapter describes the device the harness runs on.
func (h *Harness) Adapter() AdapterInfo {
	return h.dev.Info()
}

// Limits returns the limits requests are validated against.
func (h *Harness) Limits() Limits {
	return h.dev.Limits()
}

// LastState returns the state the most recent invocation ended in.
// It is Unmapped after a successful Run and Failed after a failed one.
func (h *Harness) LastState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Run executes one invocation and returns the output bytes:
// Out.MinSize times the grid's total invocation count.
//
// Every GPU object created for the invocation is released before Run
// returns, on success and on failure. If ctx ends while waiting for the
// GPU, Run returns an error of kind ErrWaitCanceled and the in-flight
// resources are released once the GPU is done with them.
func (h *Harness) Run(ctx context.Context, req Request) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, &StageError{Stage: Uninitialized, Kind: ErrClosed, Err: ErrClosed}
	}
	h.reap(0)

	h.transition(DeviceReady)
	stage := BuffersAllocated
	fail := func(e error, fallback error) error {
		h.transition(Failed)
		se := stageError(stage, e, fallback)
		slogger().Debug("gridrun: invocation failed", "stage", se.Stage.String(), "kind", se.Kind)
		return se
	}

	lim := h.dev.Limits()
	if e := req.Grid.Validate(lim); e != nil {
		return nil, fail(e, ErrInvalidGrid)
	}
	if e := req.In.Validate(); e != nil {
		return nil, fail(fmt.Errorf("input layout: %w", e), ErrInvalidLayout)
	}
	if e := req.Out.Validate(); e != nil {
		return nil, fail(fmt.Errorf("output layout: %w", e), ErrInvalidLayout)
	}

	label := h.opts.label
	buffers, e := dispatch.Allocate(h.dev, dispatch.BufferSpec{
		Input:        req.Input,
		In:           req.In,
		Out:          req.Out,
		Grid:         req.Grid,
		UniformInput: h.opts.uniformInput,
		Label:        label,
	})
	if e != nil {
		return nil, fail(e, ErrBufferSizeExceedsLimit)
	}
	h.transition(BuffersAllocated)

	var pipeline *dispatch.Pipeline
	release := func() {
		if pipeline != nil {
			pipeline.Release()
		}
		buffers.Release()
	}
	var sub gpucore.SubmissionID
	keep := false
	defer func() {
		if keep {
			return
		}
		release()
		if sub != gpucore.InvalidID {
			h.dev.ReleaseSubmission(sub)
		}
	}()

	stage = PipelineReady
	pipeline, e = dispatch.Build(h.dev, dispatch.PipelineSpec{
		Kernel:     req.Kernel,
		Bindings:   dispatch.DefaultBindSpec(req.In, req.Out, h.opts.uniformInput),
		Grid:       req.Grid,
		EntryPoint: h.opts.entryPoint,
		Label:      label,
	})
	if e != nil {
		return nil, fail(e, ErrShaderCompileError)
	}
	if e := pipeline.Bind(buffers, label); e != nil {
		return nil, fail(e, ErrBindGroupMismatch)
	}
	h.transition(PipelineReady)

	stage = Dispatched
	cmd, e := dispatch.Record(h.dev, pipeline, buffers, req.Grid, label)
	if e != nil {
		return nil, fail(e, ErrSubmitFailed)
	}
	h.transition(Dispatched)

	stage = Submitted
	sub, e = dispatch.Submit(h.dev, cmd)
	if e != nil {
		return nil, fail(e, ErrSubmitFailed)
	}
	h.transition(Submitted)

	stage = Mapped
	rb := dispatch.NewReadback(h.dev, sub, buffers.Staging, buffers.OutputSize, h.opts.pollInterval)
	if e := rb.Wait(ctx); e != nil {
		if errors.Is(e, ErrWaitCanceled) {
			keep = true
			h.abandoned = append(h.abandoned, abandoned{sub: sub, release: release})
		}
		return nil, fail(e, ErrMapFailed)
	}
	if e := rb.Map(); e != nil {
		return nil, fail(e, ErrMapFailed)
	}
	h.transition(Mapped)

	out := rb.Copy()
	h.transition(Read)

	rb.Unmap()
	h.transition(Unmapped)
	return out, nil
}

// Close releases the device. A device shared through WithDeviceProvider
// is left to its owner. Close is idempotent; Run on a closed harness fails
// with ErrClosed.
func (h *Harness) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.reap(drainTimeout)
	h.dev.Destroy()
	return nil
}

// reap releases abandoned invocations whose submission has completed.
// With a positive timeout it waits for each and releases it regardless.
func (h *Harness) reap(timeout time.Duration) {
	kept := h.abandoned[:0]
	for _, a := range h.abandoned {
		done, err := h.dev.Wait(a.sub, timeout)
		if !done && err == nil && timeout <= 0 {
			kept = append(kept, a)
			continue
		}
		if !done {
			slogger().Warn("gridrun: releasing resources of an unfinished submission",
				"submission", uint64(a.sub), "err", err)
		}
		a.release()
		h.dev.ReleaseSubmission(a.sub)
	}
	h.abandoned = kept
}

func (h *Harness) transition(s State) {
	h.state = s
	slogger().Debug("gridrun: state", "state", s.String(), "label", h.opts.label)
}
