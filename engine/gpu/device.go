package gpu

import "time"

// BufferUsage mirrors the consumer-facing buffer categories. Backends map
// these onto their native usage flags.
type BufferUsage uint32

const (
	BufferUsageVertex BufferUsage = 1 << iota
	BufferUsageIndex
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageTransferSrc
	BufferUsageTransferDst
)

// MemoryLocation selects the backing memory policy for an allocation.
type MemoryLocation uint8

const (
	// MemoryDeviceLocal prefers device-local memory; updates go through a
	// staging copy.
	MemoryDeviceLocal MemoryLocation = iota
	// MemoryHostVisible is host-visible and host-coherent; writers perform a
	// plain copy with no explicit flush step.
	MemoryHostVisible
)

type ImageFormat uint8

const (
	FormatR8Unorm ImageFormat = iota
	FormatR8G8B8A8Unorm
	FormatB8G8R8A8Unorm
	FormatD32Sfloat
)

// BytesPerPixel reports the per-texel size of uncompressed formats.
func (f ImageFormat) BytesPerPixel() uint64 {
	switch f {
	case FormatR8Unorm:
		return 1
	default:
		return 4
	}
}

type ImageDesc struct {
	Width        uint32
	Height       uint32
	MipLevels    uint32
	Layers       uint32
	Format       ImageFormat
	RenderTarget bool
}

// ByteSize is the size of one full-resolution layer's pixel payload.
func (d ImageDesc) ByteSize() uint64 {
	return uint64(d.Width) * uint64(d.Height) * d.Format.BytesPerPixel()
}

// DeviceBuffer is a native buffer handle together with its backing
// allocation. Destroy frees both; only the allocator owner and the
// retirement queue ever call it.
type DeviceBuffer interface {
	Size() uint64
	// Mapped returns the persistent host mapping, or nil when the buffer is
	// not host-visible.
	Mapped() []byte
	Destroy()
}

// DeviceImage is a native image handle, its view and its backing allocation.
// Destroy releases the view before the image before the memory; that
// ordering lives inside the backend so no caller can get it wrong.
type DeviceImage interface {
	Desc() ImageDesc
	Destroy()
}

// Device is the slice of a GPU the lifecycle engine needs: resource
// primitives, a copy-command recorder and a completion signal. The Vulkan
// backend implements it for real hardware; tests implement it in memory.
//
// Queue* calls record into the device's pending command stream and execute
// with the next Submit. Submit associates the stream with a serial;
// CompletedSerial reports the highest serial whose work has certifiably
// finished on the device. Serials are assigned by the caller, start at 1 and
// strictly increase.
type Device interface {
	CreateBuffer(size uint64, usage BufferUsage, where MemoryLocation) (DeviceBuffer, error)
	CreateImage(desc ImageDesc) (DeviceImage, error)

	QueueCopyBuffer(src, dst DeviceBuffer, srcOffset, dstOffset, size uint64) error
	// QueueCopyToImage records a full-image copy from src at srcOffset plus
	// the layout transition that makes the image shader-readable.
	QueueCopyToImage(src DeviceBuffer, srcOffset uint64, dst DeviceImage) error

	Submit(serial uint64) error
	CompletedSerial() uint64
	// WaitSerial blocks until the given serial completes or the timeout
	// elapses. The per-frame wait in the timeline tracker is the only core
	// call site.
	WaitSerial(serial uint64, timeout time.Duration) error
	// WaitIdle blocks until all submitted work completes. Shutdown only.
	WaitIdle() error
}
