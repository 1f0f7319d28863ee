package gpu

import (
	"github.com/spaghettifunk/vita/engine/core"
	"golang.org/x/exp/constraints"
)

func alignUp[T constraints.Unsigned](value, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

// TransientAllocation is a sub-range of a frame slot's ring region. Bytes is
// the host mapping of exactly the requested size; writes through it need no
// flush (the region is host-coherent).
type TransientAllocation struct {
	Buffer DeviceBuffer
	Offset uint64
	Bytes  []byte
}

type ringSlot struct {
	buffer DeviceBuffer
	cursor uint64
}

// TransientRing is the per-frame-slot circular region for uniform data,
// dynamic vertex data and upload staging. One region per slot and no
// cross-slot allocation: a region is only ever written again after
// beginFrame has confirmed the slot's previous GPU work finished, so safety
// is by construction rather than by runtime checks.
type TransientRing struct {
	slots     []ringSlot
	size      uint64
	alignment uint64
}

func newTransientRing(allocator *Allocator, framesInFlight int, size, alignment uint64) (*TransientRing, error) {
	r := &TransientRing{
		slots:     make([]ringSlot, framesInFlight),
		size:      size,
		alignment: alignment,
	}
	usage := BufferUsageTransferSrc | BufferUsageUniform | BufferUsageVertex
	for i := range r.slots {
		buf, err := allocator.AllocateBuffer(size, usage, MemoryHostVisible)
		if err != nil {
			// Unwind the slots already created; the engine is not coming up.
			for j := 0; j < i; j++ {
				allocator.ReleaseBuffer(r.slots[j].buffer)
			}
			return nil, err
		}
		r.slots[i] = ringSlot{buffer: buf}
	}
	return r, nil
}

// allocate bump-allocates from the slot's region. Running out of region
// within a frame is a sizing mistake in the build configuration, not a
// runtime condition to retry, so it surfaces as a configuration error. The
// bounds check is written subtraction-side so a huge size (a negative
// computed size cast to uint64, say) cannot wrap it.
func (r *TransientRing) allocate(slot int, size, alignment uint64) (TransientAllocation, error) {
	if alignment == 0 {
		alignment = r.alignment
	}
	if alignment&(alignment-1) != 0 {
		return TransientAllocation{}, core.Wrapf(core.ErrConfiguration,
			"transient allocation alignment must be a power of two, got %d", alignment)
	}
	if size > r.size || alignment > r.size {
		return TransientAllocation{}, core.Wrapf(core.ErrConfiguration,
			"transient ring slot %d exhausted: need %d bytes aligned to %d, region is %d bytes", slot, size, alignment, r.size)
	}
	s := &r.slots[slot]
	// Cursor and alignment are both bounded by the region size here, so the
	// round-up cannot overflow.
	offset := alignUp(s.cursor, alignment)
	if offset > r.size-size {
		return TransientAllocation{}, core.Wrapf(core.ErrConfiguration,
			"transient ring slot %d exhausted: need %d bytes at offset %d, region is %d bytes", slot, size, offset, r.size)
	}
	s.cursor = offset + size
	return TransientAllocation{
		Buffer: s.buffer,
		Offset: offset,
		Bytes:  s.buffer.Mapped()[offset : offset+size],
	}, nil
}

// reset rewinds a slot's cursor. Called only after beginFrame has returned
// for that slot.
func (r *TransientRing) reset(slot int) {
	r.slots[slot].cursor = 0
}

// used reports the current cursor for a slot.
func (r *TransientRing) used(slot int) uint64 {
	return r.slots[slot].cursor
}

func (r *TransientRing) destroy(allocator *Allocator) {
	for i := range r.slots {
		if r.slots[i].buffer != nil {
			allocator.ReleaseBuffer(r.slots[i].buffer)
			r.slots[i].buffer = nil
		}
	}
}
