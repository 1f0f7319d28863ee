package gpu

import (
	"testing"
	"time"

	"github.com/spaghettifunk/vita/engine/core"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/errors"
)

func newTestTimeline(t *testing.T, framesInFlight int) (*FrameTimeline, *fakeDevice) {
	t.Helper()
	device := newFakeDevice()
	return newFrameTimeline(device, framesInFlight, time.Second), device
}

func TestTimelineSerialsStrictlyIncrease(t *testing.T) {
	timeline, _ := newTestTimeline(t, 2)

	var last uint64
	for i := 0; i < 6; i++ {
		serial, _, err := timeline.beginFrame()
		require.NoError(t, err)
		require.Greater(t, serial, last)
		last = serial
		require.NoError(t, timeline.endFrame(serial))
	}
}

func TestTimelineSlotsCycle(t *testing.T) {
	timeline, _ := newTestTimeline(t, 3)

	for i := 0; i < 9; i++ {
		_, slot, err := timeline.beginFrame()
		require.NoError(t, err)
		require.Equal(t, i%3, slot)
		serial := timeline.CurrentSerial()
		require.NoError(t, timeline.endFrame(serial))
	}
}

func TestTimelineWaitsForSlotPredecessor(t *testing.T) {
	timeline, device := newTestTimeline(t, 2)

	// The first framesInFlight frames have no predecessor to wait on.
	for i := 0; i < 2; i++ {
		serial, _, err := timeline.beginFrame()
		require.NoError(t, err)
		require.NoError(t, timeline.endFrame(serial))
	}
	require.Empty(t, device.waited)

	// Frame 3 reuses slot 0 and must wait on serial 1 first.
	serial, _, err := timeline.beginFrame()
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, device.waited)
	require.GreaterOrEqual(t, timeline.CompletedSerial(), uint64(1))
	require.NoError(t, timeline.endFrame(serial))
}

func TestTimelineCompletedSerialNeverRegresses(t *testing.T) {
	timeline, device := newTestTimeline(t, 2)

	for i := 0; i < 4; i++ {
		serial, _, err := timeline.beginFrame()
		require.NoError(t, err)
		require.NoError(t, timeline.endFrame(serial))
	}
	device.completeThrough(4)
	require.Equal(t, uint64(4), timeline.CompletedSerial())

	// A misreporting device must not move the watermark backwards.
	device.mu.Lock()
	device.completed = 2
	device.mu.Unlock()
	require.Equal(t, uint64(4), timeline.CompletedSerial())
}

func TestTimelineWaitFailureIsDeviceLost(t *testing.T) {
	timeline, device := newTestTimeline(t, 1)

	serial, _, err := timeline.beginFrame()
	require.NoError(t, err)
	require.NoError(t, timeline.endFrame(serial))

	device.failWait = errors.New("boom")
	_, _, err = timeline.beginFrame()
	require.ErrorIs(t, err, core.ErrDeviceLost)
}

func TestTimelineCurrentSerialTracksOpenFrame(t *testing.T) {
	timeline, _ := newTestTimeline(t, 2)

	// No frame open: new work belongs to the next serial to be issued.
	require.Equal(t, uint64(1), timeline.CurrentSerial())

	serial, _, err := timeline.beginFrame()
	require.NoError(t, err)
	require.Equal(t, serial, timeline.CurrentSerial())

	require.NoError(t, timeline.endFrame(serial))
	require.Equal(t, serial+1, timeline.CurrentSerial())
}
