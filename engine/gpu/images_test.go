package gpu

import (
	"bytes"
	"testing"
	"time"

	"github.com/spaghettifunk/vita/engine/core"
	"github.com/stretchr/testify/require"
)

type imageFixture struct {
	device   *fakeDevice
	timeline *FrameTimeline
	retire   *retirementQueue
	ring     *TransientRing
	table    *ImageTable
}

func newImageFixture(t *testing.T) *imageFixture {
	t.Helper()
	device := newFakeDevice()
	allocator, err := NewAllocator(device)
	require.NoError(t, err)
	timeline := newFrameTimeline(device, 2, time.Second)
	retire := newRetirementQueue(allocator)
	ring, err := newTransientRing(allocator, 2, 4096, 256)
	require.NoError(t, err)
	table, err := newImageTable(device, allocator, timeline, retire, ring, 2, 1024, 8)
	require.NoError(t, err)
	return &imageFixture{
		device:   device,
		timeline: timeline,
		retire:   retire,
		ring:     ring,
		table:    table,
	}
}

func testDesc() ImageDesc {
	return ImageDesc{Width: 4, Height: 4, MipLevels: 1, Layers: 1, Format: FormatR8G8B8A8Unorm}
}

func testPixels(desc ImageDesc, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, int(desc.ByteSize()*uint64(desc.Layers)))
}

func TestImageResolvesToFallbackUntilResident(t *testing.T) {
	f := newImageFixture(t)

	id, err := f.table.Create(testDesc())
	require.NoError(t, err)

	resolved := f.table.Resolve(id)
	require.True(t, resolved.Fallback)
	require.Equal(t, FallbackImageID, resolved.ID)
	require.NotNil(t, resolved.Image)
}

func TestImageUploadLifecycle(t *testing.T) {
	f := newImageFixture(t)

	desc := testDesc()
	id, err := f.table.Create(desc)
	require.NoError(t, err)
	require.NoError(t, f.table.RequestUpload(id, testPixels(desc, 0xAB)))

	// Requested: still the fallback.
	require.True(t, f.table.Resolve(id).Fallback)

	// Copy queued under serial 1; not resident until that serial completes.
	require.NoError(t, f.table.flushUploads(1, 0))
	require.NoError(t, f.device.Submit(1))
	require.True(t, f.table.Resolve(id).Fallback)

	f.table.promote(0)
	require.True(t, f.table.Resolve(id).Fallback)

	f.table.promote(1)
	resolved := f.table.Resolve(id)
	require.False(t, resolved.Fallback)
	require.Equal(t, id, resolved.ID)
	require.Equal(t, testPixels(desc, 0xAB), resolved.Image.(*fakeImage).pixels)
}

func TestImageRenderTargetIsImmediatelyResident(t *testing.T) {
	f := newImageFixture(t)

	desc := testDesc()
	desc.RenderTarget = true
	id, err := f.table.Create(desc)
	require.NoError(t, err)

	resolved := f.table.Resolve(id)
	require.False(t, resolved.Fallback)
	require.Equal(t, id, resolved.ID)
}

func TestImageUploadValidatesPayloadSize(t *testing.T) {
	f := newImageFixture(t)

	id, err := f.table.Create(testDesc())
	require.NoError(t, err)
	require.ErrorIs(t, f.table.RequestUpload(id, []byte{1, 2, 3}), core.ErrInvalidHandle)
	require.ErrorIs(t, f.table.RequestUpload(id+1, testPixels(testDesc(), 0)), core.ErrInvalidHandle)
}

func TestImageOversizedUploadUsesDedicatedStaging(t *testing.T) {
	f := newImageFixture(t)

	// 32x32 RGBA is 4096 bytes, over the fixture's 1024 byte ring cutoff.
	desc := ImageDesc{Width: 32, Height: 32, MipLevels: 1, Layers: 1, Format: FormatR8G8B8A8Unorm}
	id, err := f.table.Create(desc)
	require.NoError(t, err)
	require.NoError(t, f.table.RequestUpload(id, testPixels(desc, 0x11)))

	ringUsedBefore := f.ring.used(0)
	require.NoError(t, f.table.flushUploads(1, 0))
	require.Equal(t, ringUsedBefore, f.ring.used(0))

	// The dedicated staging buffer sits in retirement until serial 1+2.
	require.Equal(t, 1, f.retire.len())
	require.Zero(t, f.retire.drain(2))
	require.Equal(t, 1, f.retire.drain(3))
}

func TestImageDeleteWhileUploadQueued(t *testing.T) {
	f := newImageFixture(t)

	desc := testDesc()
	id, err := f.table.Create(desc)
	require.NoError(t, err)
	require.NoError(t, f.table.RequestUpload(id, testPixels(desc, 0x22)))
	require.NoError(t, f.table.Delete(id))

	// The queued pixels are dropped; nothing is copied for a dead identity.
	require.NoError(t, f.table.flushUploads(1, 0))
	require.True(t, f.table.Resolve(id).Fallback)
	require.Equal(t, 1, f.retire.len())
}

func TestImageDeleteSchedulesExactlyOnce(t *testing.T) {
	f := newImageFixture(t)

	id, err := f.table.Create(testDesc())
	require.NoError(t, err)
	require.NoError(t, f.table.Delete(id))
	require.Equal(t, 1, f.retire.len())

	require.ErrorIs(t, f.table.Delete(id), core.ErrInvalidHandle)
	require.Equal(t, 1, f.retire.len())
}

func TestImageFallbackCannotBeDeleted(t *testing.T) {
	f := newImageFixture(t)
	require.ErrorIs(t, f.table.Delete(FallbackImageID), core.ErrInvalidHandle)
}

func TestImageResolveUnknownIDIsFallbackNotFailure(t *testing.T) {
	f := newImageFixture(t)

	resolved := f.table.Resolve(ImageID(12345))
	require.True(t, resolved.Fallback)
	require.NotNil(t, resolved.Image)
}

func TestImageUploadQueueCapacity(t *testing.T) {
	f := newImageFixture(t)

	desc := testDesc()
	id, err := f.table.Create(desc)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		require.NoError(t, f.table.RequestUpload(id, testPixels(desc, byte(i))))
	}
	require.ErrorIs(t, f.table.RequestUpload(id, testPixels(desc, 0xFF)), core.ErrConfiguration)
}

func TestImageDestroyIncludesFallback(t *testing.T) {
	f := newImageFixture(t)

	_, err := f.table.Create(testDesc())
	require.NoError(t, err)
	require.Equal(t, 2, f.device.liveImages())

	f.table.destroy()
	require.Zero(t, f.device.liveImages())
}
