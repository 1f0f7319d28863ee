package gpu

import (
	"sync"

	"github.com/spaghettifunk/vita/engine/core"
)

// Allocator is the single owner of device memory for one logical device.
// Resource tables borrow it for creation calls; none of them may destroy it.
// It keeps a count of outstanding allocations so that shutdown can verify
// the "destroy all resources, then destroy allocator" ordering actually
// happened instead of trusting it.
type Allocator struct {
	device Device

	mu          sync.Mutex
	liveBuffers int
	liveImages  int
	destroyed   bool
}

// NewAllocator must be called after logical-device creation succeeds and
// before any dependent resource is created. Failure is fatal to backend
// initialization.
func NewAllocator(device Device) (*Allocator, error) {
	if device == nil {
		return nil, core.Wrapf(core.ErrAllocationFailed, "allocator requires a device")
	}
	return &Allocator{device: device}, nil
}

func (a *Allocator) AllocateBuffer(size uint64, usage BufferUsage, where MemoryLocation) (DeviceBuffer, error) {
	if size == 0 {
		return nil, core.Wrapf(core.ErrAllocationFailed, "buffer size must be > 0")
	}
	buf, err := a.device.CreateBuffer(size, usage, where)
	if err != nil {
		return nil, core.Wrapf(core.ErrAllocationFailed, "creating %d byte buffer: %v", size, err)
	}
	a.mu.Lock()
	a.liveBuffers++
	a.mu.Unlock()
	return buf, nil
}

func (a *Allocator) AllocateImage(desc ImageDesc) (DeviceImage, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, core.Wrapf(core.ErrAllocationFailed, "image extent must be > 0, got %dx%d", desc.Width, desc.Height)
	}
	img, err := a.device.CreateImage(desc)
	if err != nil {
		return nil, core.Wrapf(core.ErrAllocationFailed, "creating %dx%d image: %v", desc.Width, desc.Height, err)
	}
	a.mu.Lock()
	a.liveImages++
	a.mu.Unlock()
	return img, nil
}

// ReleaseBuffer performs the native destroy. Only the retirement queue and
// table shutdown paths route here.
func (a *Allocator) ReleaseBuffer(buf DeviceBuffer) {
	buf.Destroy()
	a.mu.Lock()
	a.liveBuffers--
	if a.liveBuffers < 0 {
		a.mu.Unlock()
		core.LogFatal("allocator buffer release underflow: double free")
		return
	}
	a.mu.Unlock()
}

func (a *Allocator) ReleaseImage(img DeviceImage) {
	img.Destroy()
	a.mu.Lock()
	a.liveImages--
	if a.liveImages < 0 {
		a.mu.Unlock()
		core.LogFatal("allocator image release underflow: double free")
		return
	}
	a.mu.Unlock()
}

// Outstanding reports live allocation counts.
func (a *Allocator) Outstanding() (buffers, images int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveBuffers, a.liveImages
}

// Destroy must run only after every dependent resource has been destroyed
// and the device is confirmed idle. Outstanding allocations at this point
// are leaks; they are reported, never silently freed.
func (a *Allocator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		core.LogError("allocator destroyed twice")
		return
	}
	a.destroyed = true
	if a.liveBuffers != 0 || a.liveImages != 0 {
		core.LogError("allocator destroyed with %d buffers and %d images still live", a.liveBuffers, a.liveImages)
	}
}
