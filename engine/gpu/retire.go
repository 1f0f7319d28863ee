package gpu

import "sync"

// retiredResource is a closed sum over the two resource kinds the engine
// manages. Exactly one field is set. It carries only what is needed to
// destroy the resource, nothing of its table-facing interface.
type retiredResource struct {
	buffer DeviceBuffer
	image  DeviceImage
}

func (r *retiredResource) release(allocator *Allocator) {
	switch {
	case r.buffer != nil:
		allocator.ReleaseBuffer(r.buffer)
		r.buffer = nil
	case r.image != nil:
		allocator.ReleaseImage(r.image)
		r.image = nil
	}
}

type retirementEntry struct {
	resource      retiredResource
	destroySerial uint64
}

// retirementQueue defers native destruction until the frame timeline proves
// the GPU can no longer reference a resource. A resource lives either in its
// table or here, never both: the enqueue happens in the same critical
// section that removes it from the table. Both resource tables feed this one
// queue, so it carries its own mutex rather than borrowing either table's.
type retirementQueue struct {
	allocator *Allocator

	mu      sync.Mutex
	entries []retirementEntry
}

func newRetirementQueue(allocator *Allocator) *retirementQueue {
	return &retirementQueue{allocator: allocator}
}

func (q *retirementQueue) retireBuffer(buf DeviceBuffer, destroySerial uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, retirementEntry{
		resource:      retiredResource{buffer: buf},
		destroySerial: destroySerial,
	})
}

func (q *retirementQueue) retireImage(img DeviceImage, destroySerial uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, retirementEntry{
		resource:      retiredResource{image: img},
		destroySerial: destroySerial,
	})
}

// drain destroys every entry whose serial has been reached and compacts the
// queue in place. Order of destruction within a drain does not matter; each
// entry gates only on its own serial. Draining twice at the same watermark
// is a no-op the second time: freed entries leave the queue as they go.
func (q *retirementQueue) drain(completedSerial uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	freed := 0
	writeIdx := 0
	for i := range q.entries {
		if q.entries[i].destroySerial <= completedSerial {
			q.entries[i].resource.release(q.allocator)
			freed++
		} else {
			q.entries[writeIdx] = q.entries[i]
			writeIdx++
		}
	}
	q.entries = q.entries[:writeIdx]
	return freed
}

// flush destroys everything regardless of serial. Valid only after a
// device-idle wait, on the shutdown path.
func (q *retirementQueue) flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		q.entries[i].resource.release(q.allocator)
	}
	q.entries = q.entries[:0]
}

func (q *retirementQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
