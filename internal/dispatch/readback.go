package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/gogpu/gridrun/internal/gpucore"
)

// DefaultPollInterval is how long a single fence wait blocks before the
// context is checked again.
const DefaultPollInterval = 10 * time.Millisecond

// Readback copies the staging buffer of a submission back to the host.
//
// The steps are exposed separately so callers can observe each one:
// Wait, Map, Copy, Unmap.
type Readback struct {
	dev     gpucore.Device
	sub     gpucore.SubmissionID
	staging gpucore.BufferID
	size    uint64
	poll    time.Duration

	mapped []byte
}

// NewReadback prepares the readback of size bytes from staging once sub
// completes. A non-positive poll uses DefaultPollInterval.
func NewReadback(dev gpucore.Device, sub gpucore.SubmissionID, staging gpucore.BufferID, size uint64, poll time.Duration) *Readback {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Readback{dev: dev, sub: sub, staging: staging, size: size, poll: poll}
}

// Wait blocks until the submission completes. It gives up when ctx is
// done, returning ErrWaitCanceled wrapping ctx.Err(). A context that is
// never done waits indefinitely. A device error while waiting is
// ErrMapFailed, since the staging buffer can then never be mapped.
func (r *Readback) Wait(ctx context.Context) error {
	start := time.Now()
	for polls := 0; ; polls++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %v: %w", gpucore.ErrWaitCanceled, time.Since(start).Round(time.Millisecond), ctx.Err())
		default:
		}
		done, err := r.dev.Wait(r.sub, r.poll)
		if err != nil {
			return fmt.Errorf("%w: %w", gpucore.ErrMapFailed, err)
		}
		if done {
			slogger().Debug("dispatch: submission complete", "polls", polls+1, "elapsed", time.Since(start))
			return nil
		}
	}
}

// Map maps the whole staging buffer for reading.
func (r *Readback) Map() error {
	data, err := r.dev.MapRead(r.staging, 0, r.size)
	if err != nil {
		return fmt.Errorf("%w: %w", gpucore.ErrMapFailed, err)
	}
	if uint64(len(data)) != r.size {
		r.dev.Unmap(r.staging)
		return fmt.Errorf("%w: mapped %d bytes, want %d", gpucore.ErrMapFailed, len(data), r.size)
	}
	r.mapped = data
	return nil
}

// Copy returns an owned copy of the mapped range.
func (r *Readback) Copy() []byte {
	out := make([]byte, len(r.mapped))
	copy(out, r.mapped)
	return out
}

// Unmap releases the mapping. Unmap is idempotent.
func (r *Readback) Unmap() {
	if r.mapped == nil {
		return
	}
	r.mapped = nil
	r.dev.Unmap(r.staging)
}

