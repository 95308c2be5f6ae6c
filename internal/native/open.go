// Package native implements gpucore.Device on top of gogpu/wgpu/hal.
//
// Open creates a standalone Vulkan device for compute-only use.
// FromProvider wraps a device owned by a host application instead; such a
// device survives Destroy.
package native

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Register the Vulkan HAL backend.
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/gridrun/internal/gpucore"
)

// Config controls device creation.
type Config struct {
	// Limits requested from the adapter. Nil requests the WebGPU defaults.
	Limits *gputypes.Limits
}

// Open selects the primary compute adapter and opens a device on it.
//
// Adapters are ranked discrete GPU first, then integrated GPU, then
// whatever the backend enumerates first.
func Open(cfg Config) (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", gpucore.ErrAdapterUnavailable)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %w", gpucore.ErrAdapterUnavailable, err)
	}

	selected := selectAdapter(instance.EnumerateAdapters(nil))
	if selected == nil {
		instance.Destroy()
		return nil, fmt.Errorf("%w: no GPU adapters found", gpucore.ErrAdapterUnavailable)
	}

	limits := gputypes.DefaultLimits()
	if cfg.Limits != nil {
		limits = *cfg.Limits
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("%w: open %q: %w", gpucore.ErrDeviceCreationFailed, selected.Info.Name, err)
	}

	info := gpucore.AdapterInfo{
		Name:       selected.Info.Name,
		DeviceType: selected.Info.DeviceType,
		Backend:    gputypes.BackendVulkan,
	}
	slogger().Info("native: adapter selected",
		"adapter", info.Name,
		"type", deviceTypeName(info.DeviceType))

	d := newDevice(openDev.Device, openDev.Queue, info, gpucore.LimitsFrom(limits))
	d.instance = instance
	return d, nil
}

// FromProvider wraps a device shared by a host application. The provider
// must expose HalDevice() and HalQueue() returning hal.Device and
// hal.Queue. Limits describes what the shared device was opened with; nil
// assumes the WebGPU defaults.
func FromProvider(provider any, limits *gputypes.Limits) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider does not expose HAL types", gpucore.ErrDeviceCreationFailed)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", gpucore.ErrDeviceCreationFailed)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", gpucore.ErrDeviceCreationFailed)
	}

	lim := gputypes.DefaultLimits()
	if limits != nil {
		lim = *limits
	}
	d := newDevice(device, queue, gpucore.AdapterInfo{Name: "shared", Shared: true}, gpucore.LimitsFrom(lim))
	d.external = true
	slogger().Debug("native: using shared GPU device")
	return d, nil
}

// selectAdapter prefers a discrete GPU, then an integrated GPU, then the
// first adapter. It returns nil for an empty list.
func selectAdapter(adapters []hal.ExposedAdapter) *hal.ExposedAdapter {
	if len(adapters) == 0 {
		return nil
	}
	for _, want := range []gputypes.DeviceType{gputypes.DeviceTypeDiscreteGPU, gputypes.DeviceTypeIntegratedGPU} {
		for i := range adapters {
			if adapters[i].Info.DeviceType == want {
				return &adapters[i]
			}
		}
	}
	return &adapters[0]
}

func deviceTypeName(t gputypes.DeviceType) string {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return "discrete"
	case gputypes.DeviceTypeIntegratedGPU:
		return "integrated"
	default:
		return fmt.Sprintf("other(%d)", t)
	}
}
