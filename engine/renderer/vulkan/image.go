package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/vita/engine/core"
	"github.com/spaghettifunk/vita/engine/gpu"
)

// VulkanImage bundles the image, its memory and the default view. The view
// must be destroyed before the image, which in turn goes before the memory.
type VulkanImage struct {
	context *VulkanContext
	Handle  vk.Image
	Memory  vk.DeviceMemory
	View    vk.ImageView
	desc    gpu.ImageDesc
	layout  vk.ImageLayout
}

func imageFormat(format gpu.ImageFormat) vk.Format {
	switch format {
	case gpu.FormatR8Unorm:
		return vk.FormatR8Unorm
	case gpu.FormatB8G8R8A8Unorm:
		return vk.FormatB8g8r8a8Unorm
	case gpu.FormatD32Sfloat:
		return vk.FormatD32Sfloat
	default:
		return vk.FormatR8g8b8a8Unorm
	}
}

func imageAspect(format gpu.ImageFormat) vk.ImageAspectFlags {
	if format == gpu.FormatD32Sfloat {
		return vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}
	return vk.ImageAspectFlags(vk.ImageAspectColorBit)
}

func imageUsageFlags(desc gpu.ImageDesc) vk.ImageUsageFlags {
	usage := vk.ImageUsageTransferDstBit | vk.ImageUsageSampledBit
	if desc.RenderTarget {
		if desc.Format == gpu.FormatD32Sfloat {
			usage |= vk.ImageUsageDepthStencilAttachmentBit
		} else {
			usage |= vk.ImageUsageColorAttachmentBit
		}
	}
	return vk.ImageUsageFlags(usage)
}

func ImageCreate(context *VulkanContext, desc gpu.ImageDesc) (*VulkanImage, error) {
	imageCreateInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  1,
		},
		MipLevels:     desc.MipLevels,
		ArrayLayers:   desc.Layers,
		Format:        imageFormat(desc.Format),
		Tiling:        vk.ImageTilingOptimal,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         imageUsageFlags(desc),
		Samples:       vk.SampleCount1Bit,
		SharingMode:   vk.SharingModeExclusive,
	}

	var handle vk.Image
	if res := vk.CreateImage(context.Device.LogicalDevice, &imageCreateInfo, context.Allocator, &handle); res != vk.Success {
		err := fmt.Errorf("failed to create image: %s", VulkanResultString(res, true))
		core.LogError(err.Error())
		return nil, err
	}

	var requirements vk.MemoryRequirements
	vk.GetImageMemoryRequirements(context.Device.LogicalDevice, handle, &requirements)
	requirements.Deref()

	memoryIndex := context.FindMemoryIndex(requirements.MemoryTypeBits, uint32(vk.MemoryPropertyDeviceLocalBit))
	if memoryIndex < 0 {
		vk.DestroyImage(context.Device.LogicalDevice, handle, context.Allocator)
		return nil, fmt.Errorf("no suitable memory type for %dx%d image", desc.Width, desc.Height)
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: uint32(memoryIndex),
	}

	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(context.Device.LogicalDevice, &allocateInfo, context.Allocator, &memory); res != vk.Success {
		vk.DestroyImage(context.Device.LogicalDevice, handle, context.Allocator)
		err := fmt.Errorf("failed to allocate image memory: %s", VulkanResultString(res, true))
		core.LogError(err.Error())
		return nil, err
	}

	if res := vk.BindImageMemory(context.Device.LogicalDevice, handle, memory, 0); res != vk.Success {
		vk.FreeMemory(context.Device.LogicalDevice, memory, context.Allocator)
		vk.DestroyImage(context.Device.LogicalDevice, handle, context.Allocator)
		return nil, fmt.Errorf("failed to bind image memory: %s", VulkanResultString(res, true))
	}

	image := &VulkanImage{
		context: context,
		Handle:  handle,
		Memory:  memory,
		desc:    desc,
		layout:  vk.ImageLayoutUndefined,
	}

	if err := image.createView(); err != nil {
		vk.FreeMemory(context.Device.LogicalDevice, memory, context.Allocator)
		vk.DestroyImage(context.Device.LogicalDevice, handle, context.Allocator)
		return nil, err
	}

	return image, nil
}

func (i *VulkanImage) createView() error {
	viewCreateInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    i.Handle,
		ViewType: vk.ImageViewType2d,
		Format:   imageFormat(i.desc.Format),
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     imageAspect(i.desc.Format),
			BaseMipLevel:   0,
			LevelCount:     i.desc.MipLevels,
			BaseArrayLayer: 0,
			LayerCount:     i.desc.Layers,
		},
	}

	var view vk.ImageView
	if res := vk.CreateImageView(i.context.Device.LogicalDevice, &viewCreateInfo, i.context.Allocator, &view); res != vk.Success {
		err := fmt.Errorf("failed to create image view: %s", VulkanResultString(res, true))
		core.LogError(err.Error())
		return err
	}
	i.View = view
	return nil
}

func (i *VulkanImage) Desc() gpu.ImageDesc {
	return i.desc
}

// TransitionLayout records a pipeline barrier moving the whole image from
// its current layout to newLayout.
func (i *VulkanImage) TransitionLayout(commandBuffer *VulkanCommandBuffer, newLayout vk.ImageLayout) {
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           i.layout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               i.Handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     imageAspect(i.desc.Format),
			BaseMipLevel:   0,
			LevelCount:     i.desc.MipLevels,
			BaseArrayLayer: 0,
			LayerCount:     i.desc.Layers,
		},
	}

	var sourceStage, destinationStage vk.PipelineStageFlags

	switch {
	case i.layout == vk.ImageLayoutUndefined && newLayout == vk.ImageLayoutTransferDstOptimal:
		barrier.SrcAccessMask = 0
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessTransferWriteBit)
		sourceStage = vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
		destinationStage = vk.PipelineStageFlags(vk.PipelineStageTransferBit)
	case i.layout == vk.ImageLayoutTransferDstOptimal && newLayout == vk.ImageLayoutShaderReadOnlyOptimal:
		barrier.SrcAccessMask = vk.AccessFlags(vk.AccessTransferWriteBit)
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessShaderReadBit)
		sourceStage = vk.PipelineStageFlags(vk.PipelineStageTransferBit)
		destinationStage = vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit)
	default:
		core.LogFatal("unsupported layout transition %d -> %d", i.layout, newLayout)
		return
	}

	vk.CmdPipelineBarrier(commandBuffer.Handle, sourceStage, destinationStage, 0,
		0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
	i.layout = newLayout
}

// CopyFromBuffer records a full-image copy of mip 0 from a staging buffer.
func (i *VulkanImage) CopyFromBuffer(commandBuffer *VulkanCommandBuffer, buffer vk.Buffer, offset uint64) {
	region := vk.BufferImageCopy{
		BufferOffset:      vk.DeviceSize(offset),
		BufferRowLength:   0,
		BufferImageHeight: 0,
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     imageAspect(i.desc.Format),
			MipLevel:       0,
			BaseArrayLayer: 0,
			LayerCount:     i.desc.Layers,
		},
		ImageExtent: vk.Extent3D{
			Width:  i.desc.Width,
			Height: i.desc.Height,
			Depth:  1,
		},
	}
	vk.CmdCopyBufferToImage(commandBuffer.Handle, buffer, i.Handle,
		vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{region})
}

func (i *VulkanImage) Destroy() {
	device := i.context.Device.LogicalDevice
	if i.View != vk.NullImageView {
		vk.DestroyImageView(device, i.View, i.context.Allocator)
		i.View = vk.NullImageView
	}
	if i.Handle != vk.NullImage {
		vk.DestroyImage(device, i.Handle, i.context.Allocator)
		i.Handle = vk.NullImage
	}
	if i.Memory != vk.NullDeviceMemory {
		vk.FreeMemory(device, i.Memory, i.context.Allocator)
		i.Memory = vk.NullDeviceMemory
	}
}
