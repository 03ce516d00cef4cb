package call

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/infinitchat/internal/media"
	"github.com/petervdpas/infinitchat/internal/media/mediatest"
)

func dialVideo(t *testing.T, h *harness) (*Session, *fakeConn) {
	t.Helper()
	sess, err := h.m.Dial(context.Background(), "bob", Video)
	require.NoError(t, err)
	conn := h.client.calls[0]
	conn.deliver(media.NewStream())
	return sess, conn
}

func TestScreenShareRestoresCamera(t *testing.T) {
	h := newHarness(t, nil)
	sess, conn := dialVideo(t, h)
	ctx := context.Background()
	camera := conn.SenderTrack(media.KindVideo)
	require.NotNil(t, camera)

	for round := 0; round < 2; round++ {
		on, err := sess.ToggleScreenShare(ctx)
		require.NoError(t, err)
		assert.True(t, on)
		screen := h.devices.Last(media.KindVideo)
		assert.Equal(t, media.Track(screen), conn.SenderTrack(media.KindVideo))
		assert.True(t, h.m.State().ScreenSharing)

		on, err = sess.ToggleScreenShare(ctx)
		require.NoError(t, err)
		assert.False(t, on)
		assert.Equal(t, camera, conn.SenderTrack(media.KindVideo), "round %d", round)
		assert.True(t, screen.Stopped())
		assert.False(t, camera.(*mediatest.Track).Stopped())
	}
	assert.False(t, h.m.State().ScreenSharing)
}

func TestScreenShareEndedBySystem(t *testing.T) {
	h := newHarness(t, nil)
	sess, conn := dialVideo(t, h)
	camera := conn.SenderTrack(media.KindVideo)

	_, err := sess.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	screen := h.devices.Last(media.KindVideo)

	screen.End()
	assert.Equal(t, camera, conn.SenderTrack(media.KindVideo))
	assert.False(t, h.m.State().ScreenSharing)

	// a late toggle after the system stop starts a fresh share
	on, err := sess.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.True(t, on)
}

func TestScreenShareDenied(t *testing.T) {
	h := newHarness(t, nil)
	sess, conn := dialVideo(t, h)
	camera := conn.SenderTrack(media.KindVideo)
	h.devices.DisplayErr = media.ErrPermissionDenied

	_, err := sess.ToggleScreenShare(context.Background())
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.Equal(t, camera, conn.SenderTrack(media.KindVideo))
	assert.False(t, h.m.State().ScreenSharing)
}

func TestTogglesOnAudioCall(t *testing.T) {
	h := newHarness(t, nil)
	sess, err := h.m.Dial(context.Background(), "bob", Audio)
	require.NoError(t, err)

	_, err = sess.ToggleCamera()
	assert.ErrorIs(t, err, ErrAudioOnly)
	_, err = sess.ToggleScreenShare(context.Background())
	assert.ErrorIs(t, err, ErrAudioOnly)

	mic := sess.Local().AudioTrack()
	muted, err := sess.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.False(t, mic.Enabled())
	assert.True(t, h.m.State().Muted)

	muted, err = sess.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, mic.Enabled())
}

func TestToggleCamera(t *testing.T) {
	h := newHarness(t, nil)
	sess, _ := dialVideo(t, h)
	cam := sess.Local().VideoTrack()

	off, err := sess.ToggleCamera()
	require.NoError(t, err)
	assert.True(t, off)
	assert.False(t, cam.Enabled())
	assert.True(t, h.m.State().CameraOff)
}

func TestUnmountedSessionRefusesToggles(t *testing.T) {
	h := newHarness(t, nil)
	sess, conn := dialVideo(t, h)
	sess.Unmount()
	sess.Unmount()

	_, err := sess.ToggleMute()
	assert.ErrorIs(t, err, ErrUnmounted)
	assert.True(t, conn.Open())
	assert.Equal(t, Active, h.phase())
	assert.Nil(t, h.m.Session())
}

func TestUnmountStopsScreenShare(t *testing.T) {
	h := newHarness(t, nil)
	sess, _ := dialVideo(t, h)
	_, err := sess.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	screen := h.devices.Last(media.KindVideo)

	sess.Unmount()
	assert.True(t, screen.Stopped())
}

func TestTickerRinger(t *testing.T) {
	clk := clock.NewMock()
	var rings atomic.Int32
	r := NewTickerRinger(clk, time.Second, func() { rings.Add(1) })

	r.Start()
	r.Start()
	assert.True(t, r.Ringing())
	assert.EqualValues(t, 1, rings.Load())

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return rings.Load() == 2 }, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	assert.False(t, r.Ringing())
	clk.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, rings.Load())
}

func TestDefaultRingerPublishesRingEvents(t *testing.T) {
	clk := clock.NewMock()
	client := &fakeClient{id: "me"}
	m := New(Options{Client: client, Devices: &mediatest.Devices{}, Clock: clk})
	defer m.Close()
	events, cancel := m.Subscribe()
	defer cancel()

	client.ring("bob", Audio)
	ring := waitEvent(t, events, EventRing)
	assert.Equal(t, "bob", ring.Peer.ID)
	require.NoError(t, m.Reject())
}
