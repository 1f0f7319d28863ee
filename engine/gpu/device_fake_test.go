package gpu

import (
	"fmt"
	"sync"
	"time"
)

// fakeBuffer keeps its contents in host memory regardless of location so
// tests can observe what the queued copies actually moved.
type fakeBuffer struct {
	device    *fakeDevice
	data      []byte
	visible   bool
	destroyed bool
}

func (b *fakeBuffer) Size() uint64 { return uint64(len(b.data)) }

func (b *fakeBuffer) Mapped() []byte {
	if !b.visible {
		return nil
	}
	return b.data
}

func (b *fakeBuffer) Destroy() {
	if b.destroyed {
		b.device.doubleFrees++
	}
	b.destroyed = true
}

type fakeImage struct {
	device    *fakeDevice
	desc      ImageDesc
	pixels    []byte
	destroyed bool
}

func (i *fakeImage) Desc() ImageDesc { return i.desc }

func (i *fakeImage) Destroy() {
	if i.destroyed {
		i.device.doubleFrees++
	}
	i.destroyed = true
}

type fakeCopy func()

// fakeDevice implements Device in memory. Queued copies execute at Submit,
// mirroring the command-stream model; completion only advances through
// WaitSerial, WaitIdle or an explicit completeThrough, so tests control
// exactly when the GPU "finishes".
type fakeDevice struct {
	mu sync.Mutex

	buffers []*fakeBuffer
	images  []*fakeImage

	pending       []fakeCopy
	lastSubmitted uint64
	completed     uint64
	waited        []uint64

	doubleFrees int

	failCreateBuffer error
	failCreateImage  error
	failSubmit       error
	failWait         error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{}
}

func (d *fakeDevice) CreateBuffer(size uint64, usage BufferUsage, where MemoryLocation) (DeviceBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCreateBuffer != nil {
		return nil, d.failCreateBuffer
	}
	b := &fakeBuffer{
		device:  d,
		data:    make([]byte, size),
		visible: where == MemoryHostVisible,
	}
	d.buffers = append(d.buffers, b)
	return b, nil
}

func (d *fakeDevice) CreateImage(desc ImageDesc) (DeviceImage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCreateImage != nil {
		return nil, d.failCreateImage
	}
	i := &fakeImage{device: d, desc: desc}
	d.images = append(d.images, i)
	return i, nil
}

func (d *fakeDevice) QueueCopyBuffer(src, dst DeviceBuffer, srcOffset, dstOffset, size uint64) error {
	s := src.(*fakeBuffer)
	t := dst.(*fakeBuffer)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, func() {
		copy(t.data[dstOffset:dstOffset+size], s.data[srcOffset:srcOffset+size])
	})
	return nil
}

func (d *fakeDevice) QueueCopyToImage(src DeviceBuffer, srcOffset uint64, dst DeviceImage) error {
	s := src.(*fakeBuffer)
	t := dst.(*fakeImage)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, func() {
		size := t.desc.ByteSize() * uint64(t.desc.Layers)
		t.pixels = append([]byte(nil), s.data[srcOffset:srcOffset+size]...)
	})
	return nil
}

func (d *fakeDevice) Submit(serial uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSubmit != nil {
		return d.failSubmit
	}
	if serial <= d.lastSubmitted {
		return fmt.Errorf("serial %d is not increasing", serial)
	}
	for _, op := range d.pending {
		op()
	}
	d.pending = nil
	d.lastSubmitted = serial
	return nil
}

func (d *fakeDevice) CompletedSerial() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed
}

func (d *fakeDevice) WaitSerial(serial uint64, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWait != nil {
		return d.failWait
	}
	d.waited = append(d.waited, serial)
	if serial > d.lastSubmitted {
		return fmt.Errorf("serial %d was never submitted", serial)
	}
	if serial > d.completed {
		d.completed = serial
	}
	return nil
}

func (d *fakeDevice) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.completed < d.lastSubmitted {
		d.completed = d.lastSubmitted
	}
	return nil
}

// completeThrough advances the completion watermark directly, as if the GPU
// finished that serial on its own.
func (d *fakeDevice) completeThrough(serial uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if serial > d.completed {
		d.completed = serial
	}
}

func (d *fakeDevice) liveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.buffers {
		if !b.destroyed {
			n++
		}
	}
	return n
}

func (d *fakeDevice) liveImages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, i := range d.images {
		if !i.destroyed {
			n++
		}
	}
	return n
}
