package rtc

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/infinitchat/internal/media"
)

// LocalTrack is a captured track that can be attached to RTP senders.
type LocalTrack struct {
	local   webrtc.TrackLocal
	closeFn func() error

	mu        sync.Mutex
	enabled   bool
	stopped   bool
	ended     bool
	onEnded   []func()
	watchers  map[int]func(bool)
	nextWatch int
}

// NewLocalTrack wraps tl. closeFn releases the capture source and may be nil.
func NewLocalTrack(tl webrtc.TrackLocal, closeFn func() error) *LocalTrack {
	return &LocalTrack{
		local:    tl,
		closeFn:  closeFn,
		enabled:  true,
		watchers: make(map[int]func(bool)),
	}
}

func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *LocalTrack) ID() string       { return t.local.ID() }
func (t *LocalTrack) Kind() media.Kind { return kindOf(t.local.Kind()) }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled notifies every sender the track is attached to so it can
// detach or reattach.
func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	if t.enabled == enabled {
		t.mu.Unlock()
		return
	}
	t.enabled = enabled
	fns := make([]func(bool), 0, len(t.watchers))
	for _, fn := range t.watchers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(enabled)
	}
}

func (t *LocalTrack) watchEnabled(fn func(bool)) func() {
	t.mu.Lock()
	id := t.nextWatch
	t.nextWatch++
	t.watchers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.watchers, id)
		t.mu.Unlock()
	}
}

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	if t.closeFn != nil {
		if err := t.closeFn(); err != nil {
			log.Debugf("track %s close: %v", t.ID(), err)
		}
	}
}

func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// sourceEnded is called when the capture source goes away by itself.
func (t *LocalTrack) sourceEnded() {
	t.mu.Lock()
	if t.ended || t.stopped {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := t.onEnded
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// TrackStats counts what a remote track has received.
type TrackStats struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	LastSeq uint16 `json:"lastSeq"`
}

// RemoteTrack is a track received from the peer.
type RemoteTrack struct {
	remote *webrtc.TrackRemote

	packets atomic.Uint64
	bytes   atomic.Uint64
	lastSeq atomic.Uint32

	mu      sync.Mutex
	enabled bool
	ended   bool
	onEnded []func()
}

func newRemoteTrack(remote *webrtc.TrackRemote) *RemoteTrack {
	return &RemoteTrack{remote: remote, enabled: true}
}

func (t *RemoteTrack) ID() string       { return t.remote.ID() }
func (t *RemoteTrack) Kind() media.Kind { return kindOf(t.remote.Kind()) }

func (t *RemoteTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled only affects local playback.
func (t *RemoteTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// Stop is a no-op for remote tracks; they end with the connection.
func (t *RemoteTrack) Stop() {}

func (t *RemoteTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

func (t *RemoteTrack) Stats() TrackStats {
	return TrackStats{
		Packets: t.packets.Load(),
		Bytes:   t.bytes.Load(),
		LastSeq: uint16(t.lastSeq.Load()),
	}
}

func (t *RemoteTrack) observe(pkt *rtp.Packet) {
	t.packets.Add(1)
	t.bytes.Add(uint64(len(pkt.Payload)))
	t.lastSeq.Store(uint32(pkt.SequenceNumber))
}

// readLoop drains the track so the interceptors keep running, and ends the
// track when the connection closes.
func (t *RemoteTrack) readLoop() {
	for {
		pkt, _, err := t.remote.ReadRTP()
		if err != nil {
			t.end()
			return
		}
		t.observe(pkt)
	}
}

func (t *RemoteTrack) end() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := t.onEnded
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
