package gpu

import (
	"sync"

	"github.com/spaghettifunk/vita/engine/core"
)

// BufferID is the consumer-facing identity of a persistent buffer. It stays
// valid across updates and resizes even when the backing allocation is
// swapped out underneath it. Zero is never a valid id.
type BufferID uint32

const InvalidBufferID BufferID = 0

type bufferRecord struct {
	native DeviceBuffer
	size   uint64
	usage  BufferUsage
	where  MemoryLocation
}

// BufferTable is the create/update/resize/delete lifecycle for long-lived
// GPU buffers. Liveness is container membership: an identity is either in
// the live map or its backing resource is in the retirement queue, never
// both. Nothing on these paths destroys a native handle synchronously.
type BufferTable struct {
	mu sync.Mutex

	device    Device
	allocator *Allocator
	timeline  *FrameTimeline
	retire    *retirementQueue

	framesInFlight int

	live   map[BufferID]*bufferRecord
	nextID BufferID
}

func newBufferTable(device Device, allocator *Allocator, timeline *FrameTimeline, retire *retirementQueue, framesInFlight int) *BufferTable {
	return &BufferTable{
		device:         device,
		allocator:      allocator,
		timeline:       timeline,
		retire:         retire,
		framesInFlight: framesInFlight,
		live:           make(map[BufferID]*bufferRecord),
		nextID:         1,
	}
}

// Create allocates buffer and backing memory in one step and returns a fully
// usable identity, or an error. There is no partially-constructed state: on
// failure nothing is inserted in the table.
func (t *BufferTable) Create(size uint64, usage BufferUsage, where MemoryLocation) (BufferID, error) {
	native, err := t.allocator.AllocateBuffer(size, usage, where)
	if err != nil {
		return InvalidBufferID, err
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.live[id] = &bufferRecord{
		native: native,
		size:   size,
		usage:  usage,
		where:  where,
	}
	t.mu.Unlock()
	return id, nil
}

// UpdateData writes data at offset. Host-visible buffers are written in
// place; an update past the current size swaps in larger storage first;
// device-local buffers go through a one-off staging buffer and a queued GPU
// copy. A negative offset is rejected at this boundary rather than clamped
// downstream.
func (t *BufferTable) UpdateData(id BufferID, data []byte, offset int64) error {
	if offset < 0 {
		return invalidUsage("UpdateData on buffer %d with negative offset %d", id, offset)
	}
	if len(data) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.live[id]
	if !ok {
		return invalidUsage("UpdateData on unknown buffer %d", id)
	}

	required := uint64(offset) + uint64(len(data))
	if required > rec.size {
		if err := t.replaceStorage(rec, required); err != nil {
			return err
		}
	}

	if mapped := rec.native.Mapped(); mapped != nil {
		copy(mapped[offset:], data)
		// Host-coherent memory needs no flush here.
		return nil
	}
	return t.stagedUpload(rec, uint64(offset), data)
}

// Resize swaps in new backing storage of exactly newSize and retires the old
// one. Consumers holding the identity observe the new size and contents
// after the swap; the old allocation waits out its serial in the retirement
// queue.
func (t *BufferTable) Resize(id BufferID, newSize uint64) error {
	if newSize == 0 {
		return invalidUsage("Resize of buffer %d to zero bytes", id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.live[id]
	if !ok {
		return invalidUsage("Resize on unknown buffer %d", id)
	}
	if newSize == rec.size {
		return nil
	}
	return t.replaceStorage(rec, newSize)
}

// Delete removes the identity from the live table and schedules the backing
// resource for destruction framesInFlight frames from now. The native
// handle is never destroyed synchronously here; that is the exact failure
// mode this table exists to prevent.
func (t *BufferTable) Delete(id BufferID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.live[id]
	if !ok {
		return invalidUsage("Delete on unknown buffer %d", id)
	}
	delete(t.live, id)
	t.retire.retireBuffer(rec.native, t.retireSerial())
	return nil
}

// Flush is a no-op while all host-visible memory is coherent. It exists so
// call sites are already in place if a non-coherent memory policy is ever
// introduced.
func (t *BufferTable) Flush(id BufferID, offset, size uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.live[id]; !ok {
		return invalidUsage("Flush on unknown buffer %d", id)
	}
	return nil
}

// MapPointer returns the persistent host mapping, or nil for device-local
// buffers. The mapping is only valid until the next update or resize of the
// same identity.
func (t *BufferTable) MapPointer(id BufferID) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.live[id]
	if !ok {
		return nil
	}
	return rec.native.Mapped()
}

// Native exposes the current backing buffer for binding purposes.
func (t *BufferTable) Native(id BufferID) (DeviceBuffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.live[id]
	if !ok {
		return nil, invalidUsage("Native on unknown buffer %d", id)
	}
	return rec.native, nil
}

// Size reports the current logical size of the buffer.
func (t *BufferTable) Size(id BufferID) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.live[id]
	if !ok {
		return 0, invalidUsage("Size on unknown buffer %d", id)
	}
	return rec.size, nil
}

func (t *BufferTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// retireSerial is the serial at which a resource referenced by the current
// frame becomes safe to destroy.
func (t *BufferTable) retireSerial() uint64 {
	return t.timeline.CurrentSerial() + uint64(t.framesInFlight)
}

// replaceStorage allocates the new backing resource first, carries the old
// contents over, retires the old resource, and only then swaps the record.
// On allocation failure the old storage is untouched, so the caller's
// identity never observes an intermediate state.
func (t *BufferTable) replaceStorage(rec *bufferRecord, newSize uint64) error {
	next, err := t.allocator.AllocateBuffer(newSize, rec.usage, rec.where)
	if err != nil {
		return err
	}

	carry := rec.size
	if newSize < carry {
		carry = newSize
	}
	if carry > 0 {
		oldMapped, newMapped := rec.native.Mapped(), next.Mapped()
		if oldMapped != nil && newMapped != nil {
			copy(newMapped[:carry], oldMapped[:carry])
		} else {
			if err := t.device.QueueCopyBuffer(rec.native, next, 0, 0, carry); err != nil {
				t.allocator.ReleaseBuffer(next)
				return core.Wrapf(core.ErrDeviceLost, "queueing buffer carry copy: %v", err)
			}
		}
	}

	t.retire.retireBuffer(rec.native, t.retireSerial())
	rec.native = next
	rec.size = newSize
	return nil
}

// stagedUpload pushes data into a device-local buffer through a transient
// host-visible staging buffer. The staging buffer is itself retired, not
// freed, because the queued copy reads from it on the GPU timeline.
func (t *BufferTable) stagedUpload(rec *bufferRecord, offset uint64, data []byte) error {
	staging, err := t.allocator.AllocateBuffer(uint64(len(data)), BufferUsageTransferSrc, MemoryHostVisible)
	if err != nil {
		return err
	}
	copy(staging.Mapped(), data)
	if err := t.device.QueueCopyBuffer(staging, rec.native, 0, offset, uint64(len(data))); err != nil {
		t.allocator.ReleaseBuffer(staging)
		return core.Wrapf(core.ErrDeviceLost, "queueing staged buffer copy: %v", err)
	}
	t.retire.retireBuffer(staging, t.retireSerial())
	return nil
}

// destroy releases every live buffer directly. Valid only after a
// device-idle wait on the shutdown path.
func (t *BufferTable) destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.live {
		t.allocator.ReleaseBuffer(rec.native)
		delete(t.live, id)
	}
}
