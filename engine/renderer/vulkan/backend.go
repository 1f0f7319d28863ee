package vulkan

import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/vita/engine/core"
	"github.com/spaghettifunk/vita/engine/gpu"
	"github.com/spaghettifunk/vita/engine/platform"
)

// submission pairs a serial with the fence that signals its completion.
// Entries are reaped strictly in submission order, so a signaled fence
// certifies every earlier serial as well.
type submission struct {
	serial        uint64
	fence         *VulkanFence
	commandBuffer *VulkanCommandBuffer
}

// VulkanBackend implements gpu.Device on top of a real Vulkan device. Copy
// commands record into a lazily begun one-time command buffer which the next
// Submit flushes to the graphics queue behind a fresh fence.
type VulkanBackend struct {
	platform *platform.Platform
	context  *VulkanContext

	debug bool

	mu        sync.Mutex
	pending   *VulkanCommandBuffer
	inFlight  []*submission
	completed uint64
}

func New(p *platform.Platform) *VulkanBackend {
	return &VulkanBackend{
		platform: p,
		context: &VulkanContext{
			Allocator: nil,
			Device:    &VulkanDevice{},
			Locks:     NewVulkanLockPool(),
		},
		debug: true,
	}
}

func (vb *VulkanBackend) Initialize(appName string) error {
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		core.LogFatal("GetInstanceProcAddress is nil")
		return fmt.Errorf("GetInstanceProcAddress is nil")
	}
	vk.SetGetInstanceProcAddr(procAddr)

	if err := vk.Init(); err != nil {
		core.LogFatal("failed to initialize vk: %s", err)
		return err
	}

	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 0, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(appName),
		PEngineName:        VulkanSafeString("Vita Engine"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	requiredExtensions := []string{"VK_KHR_surface"} // Generic surface extension
	requiredExtensions = append(requiredExtensions, vb.platform.GetRequiredExtensionNames()...)

	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
	}

	if vb.debug {
		requiredExtensions = append(requiredExtensions, vk.ExtDebugUtilsExtensionName, vk.ExtDebugReportExtensionName)
		core.LogInfo("Required extensions:")
		for i := 0; i < len(requiredExtensions); i++ {
			core.LogInfo(requiredExtensions[i])
		}
	}

	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)

	// Validation layers should only be enabled on non-release builds.
	requiredValidationLayerNames := []string{}
	if vb.debug {
		core.LogInfo("Validation layers enabled. Enumerating...")
		requiredValidationLayerNames = []string{"VK_LAYER_KHRONOS_validation"}

		if runtime.GOOS == "darwin" {
			createInfo.Flags |= 1
		}

		var availableLayerCount uint32
		if res := vk.EnumerateInstanceLayerProperties(&availableLayerCount, nil); res != vk.Success {
			return fmt.Errorf("failed to enumerate instance layers: %s", VulkanResultString(res, true))
		}
		availableLayers := make([]vk.LayerProperties, availableLayerCount)
		if res := vk.EnumerateInstanceLayerProperties(&availableLayerCount, availableLayers); res != vk.Success {
			return fmt.Errorf("failed to enumerate instance layers: %s", VulkanResultString(res, true))
		}

		for i := range requiredValidationLayerNames {
			found := false
			for j := range availableLayers {
				availableLayers[j].Deref()
				end := FindFirstZeroInByteArray(availableLayers[j].LayerName[:])
				if requiredValidationLayerNames[i] == vk.ToString(availableLayers[j].LayerName[:end+1]) {
					found = true
					break
				}
			}
			if !found {
				core.LogFatal("Required validation layer is missing: %s", requiredValidationLayerNames[i])
				return fmt.Errorf("required validation layer is missing: %s", requiredValidationLayerNames[i])
			}
		}
		core.LogInfo("All required validation layers are present.")
	}

	createInfo.EnabledLayerCount = uint32(len(requiredValidationLayerNames))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(requiredValidationLayerNames)

	if res := vk.CreateInstance(&createInfo, vb.context.Allocator, &vb.context.Instance); res != vk.Success {
		err := fmt.Errorf("failed in creating the Vulkan Instance with error `%s`", VulkanResultString(res, true))
		core.LogError(err.Error())
		return err
	}
	if err := vk.InitInstance(vb.context.Instance); err != nil {
		core.LogError(err.Error())
		return err
	}
	core.LogInfo("Vulkan Instance created.")

	if vb.debug {
		core.LogDebug("Creating Vulkan debugger...")
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit),
			PfnCallback: dbgCallbackFunc,
			PNext:       nil,
		}

		var dbg vk.DebugReportCallback
		if err := vk.Error(vk.CreateDebugReportCallback(vb.context.Instance, &debugCreateInfo, nil, &dbg)); err != nil {
			core.LogError("vk.CreateDebugReportCallback failed with %s", err)
			return err
		}
		vb.context.debugMessenger = dbg
		core.LogDebug("Vulkan debugger created.")
	}

	if err := DeviceCreate(vb.context); err != nil {
		core.LogError("Failed to create device!")
		return err
	}

	return nil
}

func (vb *VulkanBackend) CreateBuffer(size uint64, usage gpu.BufferUsage, where gpu.MemoryLocation) (gpu.DeviceBuffer, error) {
	var buffer *VulkanBuffer
	err := vb.context.Locks.SafeCall(BufferManagement, func() error {
		b, err := BufferCreate(vb.context, size, usage, where)
		if err != nil {
			return err
		}
		buffer = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

func (vb *VulkanBackend) CreateImage(desc gpu.ImageDesc) (gpu.DeviceImage, error) {
	var image *VulkanImage
	err := vb.context.Locks.SafeCall(ImageManagement, func() error {
		i, err := ImageCreate(vb.context, desc)
		if err != nil {
			return err
		}
		image = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return image, nil
}

// ensurePending lazily begins the one-time command buffer copies record
// into. Caller holds vb.mu.
func (vb *VulkanBackend) ensurePending() (*VulkanCommandBuffer, error) {
	if vb.pending != nil {
		return vb.pending, nil
	}
	commandBuffer, err := NewVulkanCommandBuffer(vb.context, vb.context.Device.GraphicsCommandPool, true)
	if err != nil {
		return nil, err
	}
	if err := commandBuffer.Begin(true, false); err != nil {
		commandBuffer.Free(vb.context, vb.context.Device.GraphicsCommandPool)
		return nil, err
	}
	vb.pending = commandBuffer
	return vb.pending, nil
}

func (vb *VulkanBackend) QueueCopyBuffer(src, dst gpu.DeviceBuffer, srcOffset, dstOffset, size uint64) error {
	source, ok := src.(*VulkanBuffer)
	if !ok {
		return fmt.Errorf("source buffer does not belong to this backend")
	}
	destination, ok := dst.(*VulkanBuffer)
	if !ok {
		return fmt.Errorf("destination buffer does not belong to this backend")
	}

	vb.mu.Lock()
	defer vb.mu.Unlock()

	commandBuffer, err := vb.ensurePending()
	if err != nil {
		return err
	}

	region := vk.BufferCopy{
		SrcOffset: vk.DeviceSize(srcOffset),
		DstOffset: vk.DeviceSize(dstOffset),
		Size:      vk.DeviceSize(size),
	}
	vk.CmdCopyBuffer(commandBuffer.Handle, source.Handle, destination.Handle, 1, []vk.BufferCopy{region})
	return nil
}

func (vb *VulkanBackend) QueueCopyToImage(src gpu.DeviceBuffer, srcOffset uint64, dst gpu.DeviceImage) error {
	source, ok := src.(*VulkanBuffer)
	if !ok {
		return fmt.Errorf("source buffer does not belong to this backend")
	}
	destination, ok := dst.(*VulkanImage)
	if !ok {
		return fmt.Errorf("destination image does not belong to this backend")
	}

	vb.mu.Lock()
	defer vb.mu.Unlock()

	commandBuffer, err := vb.ensurePending()
	if err != nil {
		return err
	}

	destination.TransitionLayout(commandBuffer, vk.ImageLayoutTransferDstOptimal)
	destination.CopyFromBuffer(commandBuffer, source.Handle, srcOffset)
	destination.TransitionLayout(commandBuffer, vk.ImageLayoutShaderReadOnlyOptimal)
	return nil
}

// Submit flushes the pending command stream to the graphics queue behind a
// fresh fence tagged with serial. A submission with no recorded copies still
// goes to the queue so the fence marks the serial's position in queue order.
func (vb *VulkanBackend) Submit(serial uint64) error {
	vb.mu.Lock()
	defer vb.mu.Unlock()

	if len(vb.inFlight) > 0 && serial <= vb.inFlight[len(vb.inFlight)-1].serial {
		return fmt.Errorf("submission serial %d is not increasing", serial)
	}

	fence, err := NewFence(vb.context, false)
	if err != nil {
		return err
	}

	commandBuffer := vb.pending
	vb.pending = nil

	submitInfo := vk.SubmitInfo{
		SType: vk.StructureTypeSubmitInfo,
	}
	if commandBuffer != nil {
		if err := commandBuffer.End(); err != nil {
			fence.FenceDestroy(vb.context)
			return err
		}
		submitInfo.CommandBufferCount = 1
		submitInfo.PCommandBuffers = []vk.CommandBuffer{commandBuffer.Handle}
	}

	err = vb.context.Locks.SafeQueueCall(uint32(vb.context.Device.GraphicsQueueIndex), func() error {
		if res := vk.QueueSubmit(vb.context.Device.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, fence.Handle); res != vk.Success {
			return fmt.Errorf("queue submit failed: %s", VulkanResultString(res, true))
		}
		return nil
	})
	if err != nil {
		fence.FenceDestroy(vb.context)
		if commandBuffer != nil {
			commandBuffer.Free(vb.context, vb.context.Device.GraphicsCommandPool)
		}
		core.LogError(err.Error())
		return err
	}
	if commandBuffer != nil {
		commandBuffer.UpdateSubmitted()
	}

	vb.inFlight = append(vb.inFlight, &submission{
		serial:        serial,
		fence:         fence,
		commandBuffer: commandBuffer,
	})
	return nil
}

// reapLocked retires signaled submissions from the front of the in-flight
// list. Caller holds vb.mu.
func (vb *VulkanBackend) reapLocked() {
	for len(vb.inFlight) > 0 {
		s := vb.inFlight[0]
		if !s.fence.FenceStatus(vb.context) {
			break
		}
		vb.completed = s.serial
		s.fence.FenceDestroy(vb.context)
		if s.commandBuffer != nil {
			s.commandBuffer.Free(vb.context, vb.context.Device.GraphicsCommandPool)
		}
		vb.inFlight[0] = nil
		vb.inFlight = vb.inFlight[1:]
	}
}

func (vb *VulkanBackend) CompletedSerial() uint64 {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	vb.reapLocked()
	return vb.completed
}

func (vb *VulkanBackend) WaitSerial(serial uint64, timeout time.Duration) error {
	vb.mu.Lock()
	defer vb.mu.Unlock()

	vb.reapLocked()
	for vb.completed < serial && len(vb.inFlight) > 0 {
		s := vb.inFlight[0]
		if !s.fence.FenceWait(vb.context, uint64(timeout.Nanoseconds())) {
			return fmt.Errorf("wait for submission %d did not complete", s.serial)
		}
		vb.reapLocked()
	}
	return nil
}

func (vb *VulkanBackend) WaitIdle() error {
	if res := vk.DeviceWaitIdle(vb.context.Device.LogicalDevice); res != vk.Success {
		err := fmt.Errorf("device wait idle failed: %s", VulkanResultString(res, true))
		core.LogError(err.Error())
		return err
	}

	vb.mu.Lock()
	defer vb.mu.Unlock()
	// The device is idle, every outstanding fence is signaled by definition.
	vb.reapLocked()
	return nil
}

func (vb *VulkanBackend) Shutdown() error {
	if err := vb.WaitIdle(); err != nil {
		return err
	}

	vb.mu.Lock()
	if vb.pending != nil {
		vb.pending.Free(vb.context, vb.context.Device.GraphicsCommandPool)
		vb.pending = nil
	}
	vb.mu.Unlock()

	DeviceDestroy(vb.context)

	if vb.debug && vb.context.debugMessenger != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(vb.context.Instance, vb.context.debugMessenger, vb.context.Allocator)
		vb.context.debugMessenger = vk.NullDebugReportCallback
	}

	core.LogDebug("Destroying Vulkan instance...")
	if vb.context.Instance != nil {
		vk.DestroyInstance(vb.context.Instance, vb.context.Allocator)
		vb.context.Instance = nil
	}
	return nil
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogInfo("INFORMATION: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
