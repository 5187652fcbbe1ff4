// Package gpu implements the wgpu-backed compositing path for the overlay
// renderer: device acquisition, label/palette buffer lifecycle, and the
// WGSL compute pipeline that produces composited frames.
package gpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// Backend errors.
var (
	// ErrNoBackend is returned when no wgpu backend is available.
	ErrNoBackend = errors.New("gpu: no backend available")

	// ErrNoAdapter is returned when no GPU adapter is found.
	ErrNoAdapter = errors.New("gpu: no adapters found")

	// ErrNotInitialized is returned when operating on a closed backend.
	ErrNotInitialized = errors.New("gpu: backend not initialized")
)

// Backend owns (or borrows) the HAL instance, device and queue used by the
// compositor. When the device comes from an external provider it is never
// destroyed here.
type Backend struct {
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	external bool

	adapterName string
}

// NewBackend creates a backend with its own Vulkan instance and device,
// preferring a discrete or integrated GPU adapter.
func NewBackend() (*Backend, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan", ErrNoBackend)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open device: %w", err)
	}

	slogger().Info("GPU adapter selected", "name", selected.Info.Name)
	return &Backend{
		instance:    instance,
		device:      openDev.Device,
		queue:       openDev.Queue,
		adapterName: selected.Info.Name,
	}, nil
}

// NewBackendFromProvider borrows a shared GPU device from the host
// application. The provider must expose HAL types alongside the
// gpucontext surface; shared resources are not destroyed on Close.
func NewBackendFromProvider(provider gpucontext.DeviceProvider) (*Backend, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("gpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("gpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("gpu: provider HalQueue is not hal.Queue")
	}

	slogger().Info("using shared GPU device from host")
	return &Backend{
		device:   device,
		queue:    queue,
		external: true,
	}, nil
}

// AdapterName returns the selected adapter's name, if known.
func (b *Backend) AdapterName() string { return b.adapterName }

// Ready reports whether the backend holds a usable device.
func (b *Backend) Ready() bool { return b != nil && b.device != nil }

// Close releases owned GPU resources. Borrowed devices are left alone.
func (b *Backend) Close() {
	if b == nil {
		return
	}
	if !b.external {
		if b.device != nil {
			b.device.Destroy()
		}
		if b.instance != nil {
			b.instance.Destroy()
		}
	}
	b.device = nil
	b.queue = nil
	b.instance = nil
}
