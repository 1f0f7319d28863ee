package gpu

import (
	"testing"

	"github.com/spaghettifunk/vita/engine/core"
	"github.com/stretchr/testify/require"
)

func TestAllocatorRequiresDevice(t *testing.T) {
	_, err := NewAllocator(nil)
	require.ErrorIs(t, err, core.ErrAllocationFailed)
}

func TestAllocatorCountsOutstanding(t *testing.T) {
	device := newFakeDevice()
	allocator, err := NewAllocator(device)
	require.NoError(t, err)

	buf, err := allocator.AllocateBuffer(32, BufferUsageVertex, MemoryHostVisible)
	require.NoError(t, err)
	img, err := allocator.AllocateImage(ImageDesc{Width: 2, Height: 2, MipLevels: 1, Layers: 1})
	require.NoError(t, err)

	buffers, images := allocator.Outstanding()
	require.Equal(t, 1, buffers)
	require.Equal(t, 1, images)

	allocator.ReleaseBuffer(buf)
	allocator.ReleaseImage(img)
	buffers, images = allocator.Outstanding()
	require.Zero(t, buffers)
	require.Zero(t, images)
}

func TestAllocatorRejectsZeroSizes(t *testing.T) {
	allocator, err := NewAllocator(newFakeDevice())
	require.NoError(t, err)

	_, err = allocator.AllocateBuffer(0, BufferUsageVertex, MemoryHostVisible)
	require.ErrorIs(t, err, core.ErrAllocationFailed)

	_, err = allocator.AllocateImage(ImageDesc{Width: 0, Height: 4})
	require.ErrorIs(t, err, core.ErrAllocationFailed)
}

func TestAllocatorWrapsDeviceFailure(t *testing.T) {
	device := newFakeDevice()
	device.failCreateBuffer = core.Wrapf(core.ErrAllocationFailed, "out of memory")
	allocator, err := NewAllocator(device)
	require.NoError(t, err)

	_, err = allocator.AllocateBuffer(32, BufferUsageVertex, MemoryHostVisible)
	require.ErrorIs(t, err, core.ErrAllocationFailed)

	buffers, _ := allocator.Outstanding()
	require.Zero(t, buffers)
}
