package gpu

import (
	"testing"

	"github.com/spaghettifunk/vita/engine/config"
	"github.com/spaghettifunk/vita/engine/core"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		FramesInFlight:         2,
		TransientRingSize:      4096,
		TransientRingAlignment: 256,
		MaxRingUploadSize:      1024,
		UploadQueueCapacity:    8,
		FrameWaitTimeoutMs:     1000,
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeDevice) {
	t.Helper()
	device := newFakeDevice()
	engine, err := NewEngine(device, testConfig())
	require.NoError(t, err)
	return engine, device
}

func runFrame(t *testing.T, e *Engine, body func(token *FrameToken)) {
	t.Helper()
	token, err := e.BeginFrame()
	require.NoError(t, err)
	if body != nil {
		body(token)
	}
	require.NoError(t, e.EndFrame(token))
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.FramesInFlight = 9
	_, err := NewEngine(newFakeDevice(), cfg)
	require.ErrorIs(t, err, core.ErrConfiguration)
}

func TestEngineNilConfigUsesDefaults(t *testing.T) {
	engine, err := NewEngine(newFakeDevice(), nil)
	require.NoError(t, err)
	require.Equal(t, config.Default().FramesInFlight, engine.FramesInFlight())
	require.NoError(t, engine.Shutdown())
}

// Steady state: a fixed working set across many frames must not grow the
// native resource population or the retirement queue.
func TestEngineSteadyStateHoldsResourceCount(t *testing.T) {
	engine, device := newTestEngine(t)

	buf, err := engine.CreateBuffer(64, BufferUsageUniform, MemoryHostVisible)
	require.NoError(t, err)
	img, err := engine.CreateImage(ImageDesc{Width: 4, Height: 4, Format: FormatR8G8B8A8Unorm})
	require.NoError(t, err)

	payload := []byte{1, 2, 3, 4}
	var baseline int
	for frame := 0; frame < 20; frame++ {
		runFrame(t, engine, func(token *FrameToken) {
			require.NoError(t, engine.UpdateBuffer(buf, payload, 0))
			alloc, err := engine.AllocateTransient(token, 128, 0)
			require.NoError(t, err)
			require.Len(t, alloc.Bytes, 128)
			engine.Resolve(img)
		})
		if frame == 4 {
			baseline = device.liveBuffers()
		}
		if frame > 4 {
			require.Equal(t, baseline, device.liveBuffers(), "frame %d", frame)
		}
	}
	require.Zero(t, device.doubleFrees)
	require.NoError(t, engine.Shutdown())
}

// Delete while referenced: the native resource outlives the identity by
// exactly framesInFlight frames of GPU progress.
func TestEngineDeleteDefersDestruction(t *testing.T) {
	engine, _ := newTestEngine(t)

	id, err := engine.CreateBuffer(256, BufferUsageVertex, MemoryHostVisible)
	require.NoError(t, err)
	native, err := engine.buffers.Native(id)
	require.NoError(t, err)
	fake := native.(*fakeBuffer)

	var deleteSerial uint64
	runFrame(t, engine, func(token *FrameToken) {
		deleteSerial = token.Serial()
		require.NoError(t, engine.UpdateBuffer(id, make([]byte, 100), 0))
		require.NoError(t, engine.DeleteBuffer(id))
	})
	require.False(t, fake.destroyed)

	// Run frames until the completion watermark passes deleteSerial plus
	// framesInFlight, checking the buffer stays alive until exactly then.
	destroyAt := deleteSerial + uint64(engine.FramesInFlight())
	for i := 0; i < 10 && !fake.destroyed; i++ {
		require.LessOrEqual(t, engine.CompletedSerial(), destroyAt)
		runFrame(t, engine, nil)
	}
	require.True(t, fake.destroyed)
	require.GreaterOrEqual(t, engine.CompletedSerial(), destroyAt)
	require.NoError(t, engine.Shutdown())
}

// Texture streaming: requested uploads resolve to the fallback until their
// copy's serial completes, then flip to the real image without consumer
// involvement.
func TestEngineTextureStreaming(t *testing.T) {
	engine, _ := newTestEngine(t)

	desc := ImageDesc{Width: 4, Height: 4, MipLevels: 1, Layers: 1, Format: FormatR8G8B8A8Unorm}
	id, err := engine.CreateImage(desc)
	require.NoError(t, err)

	pixels := make([]byte, desc.ByteSize())
	for i := range pixels {
		pixels[i] = 0x5A
	}
	require.NoError(t, engine.RequestUpload(id, pixels))

	sawFallback := false
	becameResident := false
	for frame := 0; frame < 8 && !becameResident; frame++ {
		runFrame(t, engine, func(token *FrameToken) {
			resolved := engine.Resolve(id)
			if resolved.Fallback {
				sawFallback = true
				require.Equal(t, FallbackImageID, resolved.ID)
			} else {
				becameResident = true
				require.Equal(t, id, resolved.ID)
				require.Equal(t, pixels, resolved.Image.(*fakeImage).pixels)
			}
		})
	}
	require.True(t, sawFallback, "upload visible before its serial completed")
	require.True(t, becameResident, "upload never became resident")
	require.NoError(t, engine.Shutdown())
}

// Shutdown: everything still alive, including retirement entries whose
// serials have not been reached, is destroyed exactly once.
func TestEngineShutdownDestroysEverything(t *testing.T) {
	engine, device := newTestEngine(t)

	buf, err := engine.CreateBuffer(64, BufferUsageVertex, MemoryDeviceLocal)
	require.NoError(t, err)
	_, err = engine.CreateImage(ImageDesc{Width: 4, Height: 4, Format: FormatR8G8B8A8Unorm})
	require.NoError(t, err)

	doomed, err := engine.CreateBuffer(64, BufferUsageVertex, MemoryHostVisible)
	require.NoError(t, err)

	runFrame(t, engine, func(token *FrameToken) {
		require.NoError(t, engine.UpdateBuffer(buf, []byte{1, 2}, 0))
		require.NoError(t, engine.DeleteBuffer(doomed))
	})

	require.NoError(t, engine.Shutdown())
	require.Zero(t, device.liveBuffers())
	require.Zero(t, device.liveImages())
	require.Zero(t, device.doubleFrees)

	buffers, images := engine.allocator.Outstanding()
	require.Zero(t, buffers)
	require.Zero(t, images)
}

func TestEngineFrameTokenIsLinear(t *testing.T) {
	engine, _ := newTestEngine(t)

	token, err := engine.BeginFrame()
	require.NoError(t, err)

	// A second open frame is rejected outright.
	_, err = engine.BeginFrame()
	require.ErrorIs(t, err, core.ErrFrameOpen)

	require.NoError(t, engine.EndFrame(token))

	// The consumed token is dead.
	require.ErrorIs(t, engine.EndFrame(token), core.ErrInvalidHandle)

	// A token from an earlier frame cannot close a later one.
	stale := token
	token, err = engine.BeginFrame()
	require.NoError(t, err)
	require.ErrorIs(t, engine.EndFrame(stale), core.ErrInvalidHandle)
	require.NoError(t, engine.EndFrame(token))
	require.NoError(t, engine.Shutdown())
}

func TestEngineTransientRequiresOpenFrame(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.AllocateTransient(nil, 64, 0)
	require.ErrorIs(t, err, core.ErrInvalidHandle)

	token, err := engine.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, engine.EndFrame(token))

	// The consumed token no longer grants transient memory.
	_, err = engine.AllocateTransient(token, 64, 0)
	require.ErrorIs(t, err, core.ErrInvalidHandle)
	require.NoError(t, engine.Shutdown())
}

func TestEngineTransientRegionRewindsPerFrame(t *testing.T) {
	engine, _ := newTestEngine(t)

	for frame := 0; frame < 6; frame++ {
		runFrame(t, engine, func(token *FrameToken) {
			// The whole region is available every frame; without the rewind
			// the second pass over a slot would exhaust it.
			alloc, err := engine.AllocateTransient(token, 4096, 0)
			require.NoError(t, err)
			require.Equal(t, uint64(0), alloc.Offset)
		})
	}
	require.NoError(t, engine.Shutdown())
}

func TestEngineTransientExhaustionIsConfigurationError(t *testing.T) {
	engine, _ := newTestEngine(t)

	token, err := engine.BeginFrame()
	require.NoError(t, err)
	_, err = engine.AllocateTransient(token, 4096, 0)
	require.NoError(t, err)
	_, err = engine.AllocateTransient(token, 1, 0)
	require.ErrorIs(t, err, core.ErrConfiguration)
	require.NoError(t, engine.EndFrame(token))
	require.NoError(t, engine.Shutdown())
}

func TestEngineFramesInFlightIsSharedEverywhere(t *testing.T) {
	engine, _ := newTestEngine(t)

	n := engine.FramesInFlight()
	require.Equal(t, n, engine.timeline.FramesInFlight())
	require.Len(t, engine.ring.slots, n)
	require.Equal(t, n, engine.buffers.framesInFlight)
	require.Equal(t, n, engine.images.framesInFlight)
	require.NoError(t, engine.Shutdown())
}

func TestEngineDeviceLostSurfacesFromBeginFrame(t *testing.T) {
	engine, device := newTestEngine(t)

	for i := 0; i < 2; i++ {
		runFrame(t, engine, nil)
	}
	device.failWait = core.ErrDeviceLost
	_, err := engine.BeginFrame()
	require.ErrorIs(t, err, core.ErrDeviceLost)

	// The failed open must not leave the engine wedged half-open.
	device.failWait = nil
	runFrame(t, engine, nil)
	require.NoError(t, engine.Shutdown())
}
