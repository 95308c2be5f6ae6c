package gpucore

import "errors"

// Error kinds. Every harness failure wraps exactly one of these.
var (
	// ErrAdapterUnavailable is returned when no compute-capable adapter exists.
	ErrAdapterUnavailable = errors.New("gridrun: no compute adapter available")

	// ErrDeviceCreationFailed is returned when the adapter cannot open a device.
	ErrDeviceCreationFailed = errors.New("gridrun: device creation failed")

	// ErrBufferSizeExceedsLimit is returned when a buffer would exceed a device limit.
	ErrBufferSizeExceedsLimit = errors.New("gridrun: buffer size exceeds device limit")

	// ErrShaderCompileError is returned when the kernel fails to compile or
	// lacks the expected entry point.
	ErrShaderCompileError = errors.New("gridrun: shader compile error")

	// ErrBindGroupMismatch is returned when the binding layout and the
	// kernel's resource bindings disagree.
	ErrBindGroupMismatch = errors.New("gridrun: bind group mismatch")

	// ErrMapFailed is returned when the staging buffer cannot be mapped.
	ErrMapFailed = errors.New("gridrun: buffer map failed")

	// ErrSubmitFailed is returned when commands cannot be recorded or
	// submitted to the queue.
	ErrSubmitFailed = errors.New("gridrun: command submission failed")

	// ErrInvalidGrid is returned for grids with a zero axis or beyond device limits.
	ErrInvalidGrid = errors.New("gridrun: invalid grid configuration")

	// ErrInvalidLayout is returned for element layouts that cannot be bound.
	ErrInvalidLayout = errors.New("gridrun: invalid element layout")

	// ErrWaitCanceled is returned when the wait for device completion is
	// abandoned through its context.
	ErrWaitCanceled = errors.New("gridrun: wait for device canceled")

	// ErrClosed is returned when a closed harness is used.
	ErrClosed = errors.New("gridrun: harness closed")
)
