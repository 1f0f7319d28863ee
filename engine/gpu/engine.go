package gpu

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaghettifunk/vita/engine/config"
	"github.com/spaghettifunk/vita/engine/core"
)

// FrameToken is the linear capability for one frame. Operations that touch
// per-frame transient memory require the token; holding it proves the slot's
// previous GPU work has completed. Tokens are single-use: EndFrame consumes
// the token BeginFrame produced.
type FrameToken struct {
	id     uuid.UUID
	serial uint64
	slot   int
}

// Serial of the GPU submission this frame's work belongs to.
func (t *FrameToken) Serial() uint64 { return t.serial }

// Slot is the frame slot index in [0, framesInFlight).
func (t *FrameToken) Slot() int { return t.slot }

// Engine is the consumer-facing surface of the resource lifecycle core. It
// owns the allocator, the frame timeline, the transient ring, both resource
// tables and the retirement queue, and wires the per-frame drain.
//
// All mutation happens on one logical thread per device. The engine's own
// mutex guards only the frame open/close state and is never held across the
// GPU wait in BeginFrame; each table and the retirement queue carry their
// own mutex for their mutations, but the frame timeline is unguarded, so
// hosts must not mutate resources concurrently with BeginFrame or EndFrame.
type Engine struct {
	mu sync.Mutex

	device Device
	cfg    *config.Config

	allocator *Allocator
	timeline  *FrameTimeline
	ring      *TransientRing
	buffers   *BufferTable
	images    *ImageTable
	retire    *retirementQueue

	active  *FrameToken
	opening bool
	// One warning per frame when transient work is attempted with no open
	// frame; reset by the next BeginFrame.
	warnedNoFrame bool
}

// NewEngine builds the whole subsystem on an already-created device.
// Construction order matters: allocator first, everything else borrows it.
// Any failure here is fatal to backend initialization and fully unwinds.
func NewEngine(device Device, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	allocator, err := NewAllocator(device)
	if err != nil {
		return nil, err
	}
	timeline := newFrameTimeline(device, cfg.FramesInFlight, time.Duration(cfg.FrameWaitTimeoutMs)*time.Millisecond)
	retire := newRetirementQueue(allocator)

	ring, err := newTransientRing(allocator, cfg.FramesInFlight, cfg.TransientRingSize, cfg.TransientRingAlignment)
	if err != nil {
		allocator.Destroy()
		return nil, err
	}

	buffers := newBufferTable(device, allocator, timeline, retire, cfg.FramesInFlight)
	images, err := newImageTable(device, allocator, timeline, retire, ring,
		cfg.FramesInFlight, cfg.MaxRingUploadSize, cfg.UploadQueueCapacity)
	if err != nil {
		ring.destroy(allocator)
		allocator.Destroy()
		return nil, err
	}

	core.LogInfo("resource lifecycle engine initialized: %d frames in flight, %d byte ring per slot",
		cfg.FramesInFlight, cfg.TransientRingSize)

	return &Engine{
		device:    device,
		cfg:       cfg,
		allocator: allocator,
		timeline:  timeline,
		ring:      ring,
		buffers:   buffers,
		images:    images,
		retire:    retire,
	}, nil
}

// BeginFrame blocks (bounded) until the oldest in-flight frame has retired,
// rewinds the slot's transient region and hands out the frame token. Calling
// it again before EndFrame is rejected, not silently accepted.
func (e *Engine) BeginFrame() (*FrameToken, error) {
	e.mu.Lock()
	if e.active != nil || e.opening {
		e.mu.Unlock()
		return nil, core.Wrapf(core.ErrFrameOpen, "BeginFrame while another frame is still open")
	}
	e.opening = true
	e.mu.Unlock()

	// The wait happens outside the engine lock: the one place the core may
	// block must not also hold the table mutex.
	serial, slot, err := e.timeline.beginFrame()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.opening = false
	if err != nil {
		return nil, err
	}
	e.ring.reset(slot)
	e.active = &FrameToken{id: uuid.New(), serial: serial, slot: slot}
	e.warnedNoFrame = false
	return e.active, nil
}

// EndFrame flushes queued image uploads into the frame, submits it under its
// serial, then drains the retirement queue and promotes completed uploads
// against the new completion watermark.
func (e *Engine) EndFrame(token *FrameToken) error {
	e.mu.Lock()
	if e.active == nil || token == nil || e.active.id != token.id {
		e.mu.Unlock()
		return invalidUsage("EndFrame with a token that does not match the open frame")
	}
	e.active = nil
	e.mu.Unlock()

	if err := e.images.flushUploads(token.serial, token.slot); err != nil {
		return err
	}
	if err := e.timeline.endFrame(token.serial); err != nil {
		return err
	}

	completed := e.timeline.CompletedSerial()
	if freed := e.retire.drain(completed); freed > 0 {
		core.LogDebug("retirement drain freed %d resources at serial %d", freed, completed)
	}
	e.images.promote(completed)
	return nil
}

// AllocateTransient hands out a slice of the frame slot's ring region.
// Requires the open frame's token.
func (e *Engine) AllocateTransient(token *FrameToken, size, alignment uint64) (TransientAllocation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil || token == nil || e.active.id != token.id {
		if !e.warnedNoFrame {
			e.warnedNoFrame = true
			core.LogWarn("transient allocation attempted outside an open frame")
		}
		return TransientAllocation{}, invalidUsage("AllocateTransient without the open frame's token")
	}
	return e.ring.allocate(token.slot, size, alignment)
}

func (e *Engine) CreateBuffer(size uint64, usage BufferUsage, where MemoryLocation) (BufferID, error) {
	return e.buffers.Create(size, usage, where)
}

func (e *Engine) UpdateBuffer(id BufferID, data []byte, offset int64) error {
	return e.buffers.UpdateData(id, data, offset)
}

func (e *Engine) ResizeBuffer(id BufferID, newSize uint64) error {
	return e.buffers.Resize(id, newSize)
}

func (e *Engine) DeleteBuffer(id BufferID) error {
	return e.buffers.Delete(id)
}

func (e *Engine) MapPointer(id BufferID) []byte {
	return e.buffers.MapPointer(id)
}

func (e *Engine) FlushBuffer(id BufferID, offset, size uint64) error {
	return e.buffers.Flush(id, offset, size)
}

func (e *Engine) CreateImage(desc ImageDesc) (ImageID, error) {
	return e.images.Create(desc)
}

func (e *Engine) RequestUpload(id ImageID, pixels []byte) error {
	return e.images.RequestUpload(id, pixels)
}

func (e *Engine) Resolve(id ImageID) ResolvedImage {
	return e.images.Resolve(id)
}

func (e *Engine) DeleteImage(id ImageID) error {
	return e.images.Delete(id)
}

// CompletedSerial exposes the timeline watermark to consumers that schedule
// their own work against it.
func (e *Engine) CompletedSerial() uint64 {
	return e.timeline.CompletedSerial()
}

// FramesInFlight is the single shared constant every component was
// constructed with.
func (e *Engine) FramesInFlight() int {
	return e.cfg.FramesInFlight
}

// Shutdown tears the subsystem down in strict order: wait for the device to
// go idle, destroy every resource (force-draining retirement first), then
// destroy the allocator. Nothing may outlive the allocator.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		core.LogWarn("shutdown with frame serial %d still open", e.active.serial)
		e.active = nil
	}
	if err := e.device.WaitIdle(); err != nil {
		return core.Wrapf(core.ErrDeviceLost, "waiting for device idle at shutdown: %v", err)
	}

	e.retire.flush()
	e.buffers.destroy()
	e.images.destroy()
	e.ring.destroy(e.allocator)
	e.allocator.Destroy()

	core.LogInfo("resource lifecycle engine shut down")
	return nil
}
