package gridrun

import (
	"errors"
	"fmt"

	"github.com/gogpu/gridrun/internal/gpucore"
)

// Error kinds. Every error returned by this package is a *StageError whose
// Kind is one of these, so callers can match with errors.Is.
var (
	ErrAdapterUnavailable     = gpucore.ErrAdapterUnavailable
	ErrDeviceCreationFailed   = gpucore.ErrDeviceCreationFailed
	ErrBufferSizeExceedsLimit = gpucore.ErrBufferSizeExceedsLimit
	ErrShaderCompileError     = gpucore.ErrShaderCompileError
	ErrBindGroupMismatch      = gpucore.ErrBindGroupMismatch
	ErrSubmitFailed           = gpucore.ErrSubmitFailed
	ErrMapFailed              = gpucore.ErrMapFailed
	ErrInvalidGrid            = gpucore.ErrInvalidGrid
	ErrInvalidLayout          = gpucore.ErrInvalidLayout
	ErrWaitCanceled           = gpucore.ErrWaitCanceled
	ErrClosed                 = gpucore.ErrClosed
)

var kinds = []error{
	ErrAdapterUnavailable,
	ErrDeviceCreationFailed,
	ErrBufferSizeExceedsLimit,
	ErrShaderCompileError,
	ErrBindGroupMismatch,
	ErrSubmitFailed,
	ErrMapFailed,
	ErrInvalidGrid,
	ErrInvalidLayout,
	ErrWaitCanceled,
	ErrClosed,
}

// StageError reports the step that failed and the kind of failure.
type StageError struct {
	// Stage is the state the invocation was moving into.
	Stage State

	// Kind is one of the Err* sentinels.
	Kind error

	// Err is the underlying error.
	Err error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("gridrun: %s: %v", e.Stage, e.Err)
}

// Unwrap returns both the kind and the cause.
func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// stageError wraps err for stage. The kind is the first sentinel err
// matches; errors of unknown kind are attributed to fallback.
func stageError(stage State, err error, fallback error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	kind := fallback
	for _, k := range kinds {
		if errors.Is(err, k) {
			kind = k
			break
		}
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
