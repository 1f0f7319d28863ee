package gpu

import (
	"sync"

	"github.com/spaghettifunk/vita/engine/containers"
	"github.com/spaghettifunk/vita/engine/core"
)

// ImageID is the consumer-facing identity of a texture or render target.
// Zero is never valid. FallbackImageID sits at the top of the space and can
// never collide with table-issued ids, which count up from 1.
type ImageID uint32

const (
	InvalidImageID  ImageID = 0
	FallbackImageID ImageID = ^ImageID(0)
)

// ResolvedImage is the outcome of a lookup: either the requested resident
// image, or the permanently resident fallback. Consumers render with
// whatever comes back and never branch on readiness themselves.
type ResolvedImage struct {
	ID       ImageID
	Image    DeviceImage
	Fallback bool
}

type imageRecord struct {
	desc   ImageDesc
	native DeviceImage
}

type pendingUpload struct {
	id     ImageID
	pixels []byte
}

// ImageTable manages textures and render targets with the same retirement
// discipline as buffers, plus a staged upload pipeline. The upload stages
// are containers, not flags: an identity sits in the upload queue
// (requested), the in-flight map (copy queued, keyed to its serial) or the
// resident set. Resolve substitutes the fallback for anything not resident;
// that policy lives here and nowhere else.
type ImageTable struct {
	mu sync.Mutex

	device    Device
	allocator *Allocator
	timeline  *FrameTimeline
	retire    *retirementQueue
	ring      *TransientRing

	framesInFlight    int
	maxRingUploadSize uint64

	records     map[ImageID]*imageRecord
	uploadQueue *containers.RingQueue[pendingUpload]
	inFlight    map[ImageID]uint64
	resident    map[ImageID]struct{}

	fallback *imageRecord
	nextID   ImageID
}

func newImageTable(device Device, allocator *Allocator, timeline *FrameTimeline, retire *retirementQueue,
	ring *TransientRing, framesInFlight int, maxRingUploadSize uint64, uploadQueueCapacity int) (*ImageTable, error) {
	t := &ImageTable{
		device:            device,
		allocator:         allocator,
		timeline:          timeline,
		retire:            retire,
		ring:              ring,
		framesInFlight:    framesInFlight,
		maxRingUploadSize: maxRingUploadSize,
		records:           make(map[ImageID]*imageRecord),
		uploadQueue:       containers.NewRingQueue[pendingUpload](uploadQueueCapacity),
		inFlight:          make(map[ImageID]uint64),
		resident:          make(map[ImageID]struct{}),
		nextID:            1,
	}
	if err := t.createFallback(); err != nil {
		return nil, err
	}
	return t, nil
}

// createFallback builds the one statically created, permanently resident
// substitute image. It never enters the retirement queue and is destroyed
// only at full table shutdown.
func (t *ImageTable) createFallback() error {
	desc := ImageDesc{
		Width:     4,
		Height:    4,
		MipLevels: 1,
		Layers:    1,
		Format:    FormatR8G8B8A8Unorm,
	}
	native, err := t.allocator.AllocateImage(desc)
	if err != nil {
		return core.Wrapf(err, "creating fallback image")
	}
	t.fallback = &imageRecord{desc: desc, native: native}
	core.LogDebug("fallback image created (%dx%d)", desc.Width, desc.Height)
	return nil
}

// Create allocates the native image and returns its identity. Render
// targets are resident immediately; sampled images become resident only
// once an upload completes on the GPU timeline, and resolve to the fallback
// until then.
func (t *ImageTable) Create(desc ImageDesc) (ImageID, error) {
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}
	if desc.Layers == 0 {
		desc.Layers = 1
	}
	native, err := t.allocator.AllocateImage(desc)
	if err != nil {
		return InvalidImageID, err
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.records[id] = &imageRecord{desc: desc, native: native}
	if desc.RenderTarget {
		t.resident[id] = struct{}{}
	}
	t.mu.Unlock()
	return id, nil
}

// RequestUpload queues pixel data for transfer to the image. The data is
// staged and copied at the next frame boundary; until the copy's serial
// completes, lookups keep resolving to the fallback.
func (t *ImageTable) RequestUpload(id ImageID, pixels []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return invalidUsage("RequestUpload on unknown image %d", id)
	}
	if want := rec.desc.ByteSize() * uint64(rec.desc.Layers); uint64(len(pixels)) != want {
		return invalidUsage("RequestUpload on image %d: got %d bytes, descriptor needs %d", id, len(pixels), want)
	}
	if err := t.uploadQueue.Enqueue(pendingUpload{id: id, pixels: pixels}); err != nil {
		return core.Wrapf(core.ErrConfiguration, "image upload queue full at %d entries", t.uploadQueue.Len())
	}
	return nil
}

// flushUploads drains the request queue into the open frame: stage each
// payload, record the GPU copy plus layout transition, and key the identity
// to the frame's serial. Payloads that fit use the frame slot's ring region;
// oversized ones get a dedicated staging buffer that is retired, not freed,
// once the copy is queued.
func (t *ImageTable) flushUploads(serial uint64, slot int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.uploadQueue.IsEmpty() {
		up, _ := t.uploadQueue.Dequeue()
		rec, ok := t.records[up.id]
		if !ok {
			// Deleted while still queued; the pixels just get dropped.
			continue
		}

		var (
			src       DeviceBuffer
			srcOffset uint64
			dedicated bool
		)
		if uint64(len(up.pixels)) <= t.maxRingUploadSize {
			alloc, err := t.ring.allocate(slot, uint64(len(up.pixels)), 0)
			if err != nil {
				return err
			}
			copy(alloc.Bytes, up.pixels)
			src = alloc.Buffer
			srcOffset = alloc.Offset
		} else {
			staging, err := t.allocator.AllocateBuffer(uint64(len(up.pixels)), BufferUsageTransferSrc, MemoryHostVisible)
			if err != nil {
				return err
			}
			copy(staging.Mapped(), up.pixels)
			src = staging
			dedicated = true
		}

		if err := t.device.QueueCopyToImage(src, srcOffset, rec.native); err != nil {
			if dedicated {
				t.allocator.ReleaseBuffer(src)
			}
			return core.Wrapf(core.ErrDeviceLost, "queueing image copy for %d: %v", up.id, err)
		}
		if dedicated {
			t.retire.retireBuffer(src, serial+uint64(t.framesInFlight))
		}
		t.inFlight[up.id] = serial
	}
	return nil
}

// promote moves copy-queued identities whose serial has completed into the
// resident set. Runs once per frame boundary.
func (t *ImageTable) promote(completedSerial uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, serial := range t.inFlight {
		if serial <= completedSerial {
			delete(t.inFlight, id)
			t.resident[id] = struct{}{}
		}
	}
}

// Resolve returns the resident image for id, or the fallback when the image
// is not yet (or no longer) resident. It never fails and never blocks: a
// missing texture costs one wrong-looking draw, not a frame.
func (t *ImageTable) Resolve(id ImageID) ResolvedImage {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id == FallbackImageID {
		return t.fallbackResolved()
	}
	rec, known := t.records[id]
	if !known {
		_ = invalidUsage("Resolve on unknown image %d", id)
		return t.fallbackResolved()
	}
	if _, ok := t.resident[id]; !ok {
		return t.fallbackResolved()
	}
	return ResolvedImage{ID: id, Image: rec.native}
}

func (t *ImageTable) fallbackResolved() ResolvedImage {
	return ResolvedImage{ID: FallbackImageID, Image: t.fallback.native, Fallback: true}
}

// Delete removes the identity from every lifecycle container and retires
// the native image. An upload still in flight simply waits out its serial
// in the retirement queue; deletion is scheduled exactly once, never
// retried.
func (t *ImageTable) Delete(id ImageID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id == FallbackImageID {
		return invalidUsage("Delete of the fallback image")
	}
	rec, ok := t.records[id]
	if !ok {
		return invalidUsage("Delete on unknown image %d", id)
	}
	delete(t.records, id)
	delete(t.resident, id)
	delete(t.inFlight, id)
	t.retire.retireImage(rec.native, t.timeline.CurrentSerial()+uint64(t.framesInFlight))
	return nil
}

func (t *ImageTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// destroy releases every image including the fallback. Valid only after a
// device-idle wait on the shutdown path; it routes through the same
// destruction discipline (view before image) inside DeviceImage.Destroy.
func (t *ImageTable) destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.records {
		t.allocator.ReleaseImage(rec.native)
		delete(t.records, id)
	}
	if t.fallback != nil {
		t.allocator.ReleaseImage(t.fallback.native)
		t.fallback = nil
	}
}
