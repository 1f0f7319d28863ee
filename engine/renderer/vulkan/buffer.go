package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/vita/engine/core"
	"github.com/spaghettifunk/vita/engine/gpu"
)

// VulkanBuffer is a native buffer plus its backing memory. Host-visible
// buffers are persistently mapped for their whole lifetime.
type VulkanBuffer struct {
	context *VulkanContext
	Handle  vk.Buffer
	Memory  vk.DeviceMemory
	size    uint64
	mapped  []byte
}

func bufferUsageFlags(usage gpu.BufferUsage, where gpu.MemoryLocation) vk.BufferUsageFlags {
	var flags vk.BufferUsageFlagBits
	if usage&gpu.BufferUsageVertex != 0 {
		flags |= vk.BufferUsageVertexBufferBit
	}
	if usage&gpu.BufferUsageIndex != 0 {
		flags |= vk.BufferUsageIndexBufferBit
	}
	if usage&gpu.BufferUsageUniform != 0 {
		flags |= vk.BufferUsageUniformBufferBit
	}
	if usage&gpu.BufferUsageStorage != 0 {
		flags |= vk.BufferUsageStorageBufferBit
	}
	if usage&gpu.BufferUsageTransferSrc != 0 {
		flags |= vk.BufferUsageTransferSrcBit
	}
	// Device-local buffers are always transfer destinations: every write to
	// them arrives through a staged copy.
	if usage&gpu.BufferUsageTransferDst != 0 || where == gpu.MemoryDeviceLocal {
		flags |= vk.BufferUsageTransferDstBit
	}
	return vk.BufferUsageFlags(flags)
}

func memoryPropertyFlags(where gpu.MemoryLocation) uint32 {
	if where == gpu.MemoryDeviceLocal {
		return uint32(vk.MemoryPropertyDeviceLocalBit)
	}
	return uint32(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
}

func BufferCreate(context *VulkanContext, size uint64, usage gpu.BufferUsage, where gpu.MemoryLocation) (*VulkanBuffer, error) {
	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       bufferUsageFlags(usage, where),
		SharingMode: vk.SharingModeExclusive,
	}

	var handle vk.Buffer
	if res := vk.CreateBuffer(context.Device.LogicalDevice, &bufferInfo, context.Allocator, &handle); res != vk.Success {
		err := fmt.Errorf("failed to create buffer: %s", VulkanResultString(res, true))
		core.LogError(err.Error())
		return nil, err
	}

	var requirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(context.Device.LogicalDevice, handle, &requirements)
	requirements.Deref()

	memoryIndex := context.FindMemoryIndex(requirements.MemoryTypeBits, memoryPropertyFlags(where))
	if memoryIndex < 0 {
		vk.DestroyBuffer(context.Device.LogicalDevice, handle, context.Allocator)
		return nil, fmt.Errorf("no suitable memory type for buffer of %d bytes", size)
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: uint32(memoryIndex),
	}

	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(context.Device.LogicalDevice, &allocateInfo, context.Allocator, &memory); res != vk.Success {
		vk.DestroyBuffer(context.Device.LogicalDevice, handle, context.Allocator)
		err := fmt.Errorf("failed to allocate buffer memory: %s", VulkanResultString(res, true))
		core.LogError(err.Error())
		return nil, err
	}

	if res := vk.BindBufferMemory(context.Device.LogicalDevice, handle, memory, 0); res != vk.Success {
		vk.FreeMemory(context.Device.LogicalDevice, memory, context.Allocator)
		vk.DestroyBuffer(context.Device.LogicalDevice, handle, context.Allocator)
		return nil, fmt.Errorf("failed to bind buffer memory: %s", VulkanResultString(res, true))
	}

	buffer := &VulkanBuffer{
		context: context,
		Handle:  handle,
		Memory:  memory,
		size:    size,
	}

	if where == gpu.MemoryHostVisible {
		var data unsafe.Pointer
		if res := vk.MapMemory(context.Device.LogicalDevice, memory, 0, vk.DeviceSize(size), 0, &data); res != vk.Success {
			vk.FreeMemory(context.Device.LogicalDevice, memory, context.Allocator)
			vk.DestroyBuffer(context.Device.LogicalDevice, handle, context.Allocator)
			return nil, fmt.Errorf("failed to map buffer memory: %s", VulkanResultString(res, true))
		}
		buffer.mapped = unsafe.Slice((*byte)(data), size)
	}

	return buffer, nil
}

func (b *VulkanBuffer) Size() uint64 {
	return b.size
}

func (b *VulkanBuffer) Mapped() []byte {
	return b.mapped
}

// Destroy unmaps, then releases buffer before memory. Callers are the
// lifecycle engine's retirement queue and shutdown path only.
func (b *VulkanBuffer) Destroy() {
	device := b.context.Device.LogicalDevice
	if b.mapped != nil {
		vk.UnmapMemory(device, b.Memory)
		b.mapped = nil
	}
	if b.Handle != vk.NullBuffer {
		vk.DestroyBuffer(device, b.Handle, b.context.Allocator)
		b.Handle = vk.NullBuffer
	}
	if b.Memory != vk.NullDeviceMemory {
		vk.FreeMemory(device, b.Memory, b.context.Allocator)
		b.Memory = vk.NullDeviceMemory
	}
	b.size = 0
}
