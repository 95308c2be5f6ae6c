package gridrun

import (
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gridrun/internal/dispatch"
)

// Option configures a Harness during Open.
//
// Example:
//
//	// Standalone device with the default entry point
//	h, err := gridrun.Open()
//
//	// Share the device of a gogpu application
//	h, err := gridrun.Open(gridrun.WithDeviceProvider(app))
type Option func(*options)

// options holds optional configuration for a Harness.
type options struct {
	provider     gpucontext.DeviceProvider
	limits       *gputypes.Limits
	entryPoint   string
	uniformInput bool
	label        string
	pollInterval time.Duration
}

// defaultOptions returns the default harness options.
func defaultOptions() options {
	return options{
		entryPoint:   dispatch.DefaultEntryPoint,
		label:        "gridrun",
		pollInterval: dispatch.DefaultPollInterval,
	}
}

// WithDeviceProvider runs on the device of a host application instead of
// opening a new one. The provider must also expose HalDevice() and
// HalQueue(); gogpu applications do. The shared device is not destroyed
// by Close.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithLimits sets the limits requested from the adapter, or, with
// WithDeviceProvider, the limits the shared device was opened with.
// The default is gputypes.DefaultLimits().
func WithLimits(l gputypes.Limits) Option {
	return func(o *options) {
		o.limits = &l
	}
}

// WithEntryPoint changes the compute entry point the kernel must declare.
// The default is "main".
func WithEntryPoint(name string) Option {
	return func(o *options) {
		if name != "" {
			o.entryPoint = name
		}
	}
}

// WithUniformInput binds the input as a uniform buffer instead of
// read-only storage. The kernel must then declare binding 0 as
// var<uniform>.
func WithUniformInput() Option {
	return func(o *options) {
		o.uniformInput = true
	}
}

// WithLabel sets the debug label prefix of every GPU object the harness
// creates.
func WithLabel(label string) Option {
	return func(o *options) {
		if label != "" {
			o.label = label
		}
	}
}

// WithPollInterval sets how long one fence wait blocks before the context
// is checked again during readback.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}
