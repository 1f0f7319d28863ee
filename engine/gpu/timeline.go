package gpu

import (
	"time"

	"github.com/spaghettifunk/vita/engine/core"
)

// FrameTimeline assigns each submitted frame a monotonically increasing
// serial and tracks the highest serial the device has certifiably completed.
// All lifetime reasoning in the engine happens through these serials; the
// bounded wait in beginFrame is the system's only intentional blocking point.
type FrameTimeline struct {
	device         Device
	framesInFlight int
	timeout        time.Duration

	// Last serial submitted for each frame slot; 0 means the slot has never
	// been used.
	submitted []uint64

	nextSerial  uint64
	currentSlot int
	// Serial of the frame currently between beginFrame and endFrame, 0 when
	// no frame is open.
	openSerial uint64

	// Cached completion watermark. Never regresses, even if the device
	// misreports.
	completed uint64
}

func newFrameTimeline(device Device, framesInFlight int, timeout time.Duration) *FrameTimeline {
	return &FrameTimeline{
		device:         device,
		framesInFlight: framesInFlight,
		timeout:        timeout,
		submitted:      make([]uint64, framesInFlight),
		nextSerial:     1,
	}
}

// beginFrame waits until the slot's previous submission has completed, then
// issues the serial for this submission. A wait timeout means the device
// timeline is gone for good; serial reasoning cannot recover from that.
func (t *FrameTimeline) beginFrame() (serial uint64, slot int, err error) {
	slot = t.currentSlot
	if prev := t.submitted[slot]; prev != 0 {
		if err := t.device.WaitSerial(prev, t.timeout); err != nil {
			return 0, 0, core.Wrapf(core.ErrDeviceLost, "waiting for frame serial %d: %v", prev, err)
		}
	}
	t.poll()

	serial = t.nextSerial
	t.nextSerial++
	t.openSerial = serial
	return serial, slot, nil
}

// endFrame submits the open frame's work under its serial and advances the
// slot cursor.
func (t *FrameTimeline) endFrame(serial uint64) error {
	if err := t.device.Submit(serial); err != nil {
		return core.Wrapf(core.ErrDeviceLost, "submitting frame serial %d: %v", serial, err)
	}
	t.submitted[t.currentSlot] = serial
	t.currentSlot = (t.currentSlot + 1) % t.framesInFlight
	t.openSerial = 0
	t.poll()
	return nil
}

// CompletedSerial is a non-blocking, monotonically non-decreasing query of
// the highest serial known completed.
func (t *FrameTimeline) CompletedSerial() uint64 {
	t.poll()
	return t.completed
}

// CurrentSerial is the serial new work would be attributed to: the open
// frame's serial, or the next one to be issued when no frame is open.
// Retirement delays are computed against it.
func (t *FrameTimeline) CurrentSerial() uint64 {
	if t.openSerial != 0 {
		return t.openSerial
	}
	return t.nextSerial
}

func (t *FrameTimeline) FramesInFlight() int {
	return t.framesInFlight
}

func (t *FrameTimeline) poll() {
	if d := t.device.CompletedSerial(); d > t.completed {
		t.completed = d
	}
}
