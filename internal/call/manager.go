// Package call holds the one-call-at-a-time state machine: dialing,
// ringing with timeout, answering, hangup and the media toggles of the
// mounted call view. Transport lives behind PeerClient and Conn.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/infinitchat/internal/media"
	"github.com/petervdpas/infinitchat/internal/metrics"
	"github.com/petervdpas/infinitchat/internal/util"
)

var log = logging.Logger("call")

const (
	DefaultRingTimeout = 3 * time.Minute
	DefaultHistorySize = 50
)

type Options struct {
	Client    PeerClient
	Devices   media.Devices
	Directory Directory

	// Ringer defaults to a TickerRinger publishing EventRing.
	Ringer       Ringer
	RingInterval time.Duration

	Clock       clock.Clock
	RingTimeout time.Duration
	// DialTimeout ends an unanswered outbound call. Zero waits forever.
	DialTimeout time.Duration
	HistorySize int
}

// Manager is the long-lived call holder. It owns the pending inbound
// connection, the active connection and the ringing timer, so all of them
// survive the call view being mounted and unmounted.
type Manager struct {
	client  PeerClient
	devices media.Devices
	dir     Directory
	ringer  Ringer
	clk     clock.Clock

	ringTimeout time.Duration
	dialTimeout time.Duration

	mu        sync.Mutex
	gen       uint64
	phase     Phase
	peer      Party
	callType  CallType
	direction Direction
	started   time.Time
	since     time.Time
	incoming  Conn
	active    Conn
	remote    *media.Stream
	session   *Session
	ringTimer *clock.Timer
	dialTimer *clock.Timer
	// dialing holds the slot while Dial acquires media and sends the offer.
	dialing bool
	closed  bool

	listenerMu sync.Mutex
	listeners  map[chan Event]struct{}

	history *util.RingBuffer[Record]
}

func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	m := &Manager{
		client:      opts.Client,
		devices:     opts.Devices,
		dir:         opts.Directory,
		ringer:      opts.Ringer,
		clk:         opts.Clock,
		ringTimeout: opts.RingTimeout,
		dialTimeout: opts.DialTimeout,
		listeners:   make(map[chan Event]struct{}),
		history:     util.NewRingBuffer[Record](opts.HistorySize),
	}
	if m.ringer == nil {
		m.ringer = NewTickerRinger(m.clk, opts.RingInterval, func() {
			m.mu.Lock()
			peer := m.peer
			m.mu.Unlock()
			m.emit(Event{Type: EventRing, Phase: Ringing, Peer: peer})
		})
	}
	if m.client != nil {
		m.client.OnCall(m.handleIncoming)
	}
	return m
}

// Subscribe returns a channel of call events. Slow subscribers miss events
// rather than block the manager.
func (m *Manager) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 32)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.listenerMu.Lock()
			delete(m.listeners, ch)
			m.listenerMu.Unlock()
		})
	}
}

func (m *Manager) emit(evt Event) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (m *Manager) emitState() {
	m.mu.Lock()
	evt := Event{Type: EventState, Phase: m.phase, Peer: m.peer, CallType: m.callType}
	m.mu.Unlock()
	m.emit(evt)
}

func (m *Manager) notice(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warnf("CALL: %s", msg)
	m.mu.Lock()
	evt := Event{Type: EventNotice, Phase: m.phase, Peer: m.peer, Message: msg}
	m.mu.Unlock()
	m.emit(evt)
}

// State returns the current call state.
func (m *Manager) State() State {
	m.mu.Lock()
	st := State{
		Phase:        m.phase,
		Peer:         m.peer,
		CallType:     m.callType,
		Since:        m.since,
		RemoteStream: m.remote != nil,
	}
	sess := m.session
	m.mu.Unlock()
	if sess != nil {
		st.Muted, st.CameraOff, st.ScreenSharing = sess.flags()
	}
	return st
}

// Session returns the mounted call view, if any.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// RemoteStream returns the remote peer's stream once it has arrived.
func (m *Manager) RemoteStream() *media.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// History returns up to n finished calls, newest first.
func (m *Manager) History(n int) []Record {
	return m.history.Last(n)
}

// Conn returns the held connection, if any.
func (m *Manager) Conn() Conn { return m.activeConn() }

func (m *Manager) activeConn() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// handleIncoming is the PeerClient callback for an inbound call.
func (m *Manager) handleIncoming(c Conn) {
	m.mu.Lock()
	if m.closed || m.phase != Idle || m.dialing {
		phase := m.phase
		m.mu.Unlock()
		log.Infof("CALL [%s]: busy (%s), rejecting inbound call", c.RemoteID(), phase)
		_ = c.Close()
		metrics.CallEvent("busy")
		m.history.Push(Record{
			Peer:      unknownCaller(c.RemoteID()),
			CallType:  c.CallType(),
			Direction: Inbound,
			Outcome:   OutcomeBusy,
			Started:   m.clk.Now(),
		})
		m.emit(Event{Type: EventBusy, Phase: phase, Peer: unknownCaller(c.RemoteID()), CallType: c.CallType()})
		return
	}
	m.gen++
	gen := m.gen
	m.phase = Ringing
	m.peer = unknownCaller(c.RemoteID())
	m.callType = c.CallType()
	m.direction = Inbound
	m.started = m.clk.Now()
	m.since = m.started
	m.incoming = c
	m.ringTimer = m.clk.AfterFunc(m.ringTimeout, func() { m.endRinging(gen, OutcomeMissed) })
	peer := m.peer
	m.mu.Unlock()

	c.OnClose(func() { m.connClosed(gen, c) })

	log.Infof("CALL [%s]: incoming %s call", c.RemoteID(), c.CallType())
	metrics.CallEvent("incoming")
	m.ringer.Start()
	m.emit(Event{Type: EventIncoming, Phase: Ringing, Peer: peer, CallType: c.CallType()})

	go m.resolvePeer(gen, c.RemoteID())
}

// resolvePeer replaces the placeholder party with directory metadata.
func (m *Manager) resolvePeer(gen uint64, id string) {
	if m.dir == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()
	p, err := m.dir.Lookup(ctx, id)
	if err != nil {
		log.Debugf("CALL [%s]: caller lookup: %v", id, err)
		return
	}
	p.ID = id
	if p.DisplayName == "" {
		p.DisplayName = UnknownCallerName
	}
	m.mu.Lock()
	if m.gen != gen || m.phase == Idle || m.phase == Ended {
		m.mu.Unlock()
		return
	}
	m.peer = p
	phase, ct := m.phase, m.callType
	m.mu.Unlock()
	m.emit(Event{Type: EventCaller, Phase: phase, Peer: p, CallType: ct})
}

// Answer accepts the ringing call. Media is acquired first; if that fails
// the call keeps ringing and the timeout stays armed.
func (m *Manager) Answer(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.phase != Ringing || m.incoming == nil {
		m.mu.Unlock()
		return nil, ErrNotRinging
	}
	gen, c, ct := m.gen, m.incoming, m.callType
	m.mu.Unlock()

	local, err := m.devices.GetUserMedia(ctx, ct.Constraints())
	if err != nil {
		m.notice("could not access %s: %v", mediaLabel(ct), err)
		return nil, fmt.Errorf("answer: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen || m.phase != Ringing {
		m.mu.Unlock()
		local.Stop()
		return nil, ErrNotRinging
	}
	stopTimer(&m.ringTimer)
	m.active = c
	m.incoming = nil
	m.phase = Active
	m.since = m.clk.Now()
	sess := newSession(m, local, ct)
	m.session = sess
	m.mu.Unlock()

	m.ringer.Stop()
	c.OnStream(func(s *media.Stream) { m.remoteStream(gen, c, s) })
	if err := c.Answer(ctx, local); err != nil {
		m.notice("answer failed: %v", err)
		m.teardown(gen, OutcomeFailed)
		return nil, fmt.Errorf("answer: %w", err)
	}

	log.Infof("CALL [%s]: answered", c.RemoteID())
	metrics.CallEvent("answered")
	m.emitState()
	return sess, nil
}

// Reject declines the ringing call.
func (m *Manager) Reject() error {
	m.mu.Lock()
	if m.phase != Ringing {
		m.mu.Unlock()
		return ErrNotRinging
	}
	gen := m.gen
	m.mu.Unlock()
	m.endRinging(gen, OutcomeRejected)
	return nil
}

// endRinging is shared by Reject, the ring timeout and the caller giving up.
func (m *Manager) endRinging(gen uint64, outcome Outcome) {
	m.mu.Lock()
	if m.gen != gen || m.phase != Ringing {
		m.mu.Unlock()
		return
	}
	stopTimer(&m.ringTimer)
	c := m.incoming
	rec := m.recordLocked(outcome)
	m.resetLocked()
	m.mu.Unlock()

	m.ringer.Stop()
	if c != nil {
		_ = c.Close()
	}
	log.Infof("CALL [%s]: %s", rec.Peer.ID, outcome)
	metrics.CallEvent(string(outcome))
	m.history.Push(rec)
	m.emitState()
}

// Dial places an outbound call. When a connection is already held (the
// call view was remounted on a live call) fresh media replaces the tracks
// on that connection instead.
func (m *Manager) Dial(ctx context.Context, remoteID string, ct CallType) (*Session, error) {
	if !ct.Valid() {
		return nil, fmt.Errorf("dial: unknown call type %q", ct)
	}
	if remoteID == "" || (m.client != nil && remoteID == m.client.ID()) {
		return nil, ErrInvalidPeer
	}

	m.mu.Lock()
	if m.active != nil {
		held := m.active.RemoteID()
		m.mu.Unlock()
		if held != remoteID {
			return nil, ErrBusy
		}
		return m.Attach(ctx)
	}
	if m.closed || m.phase != Idle || m.dialing {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.dialing = true
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		m.dialing = false
		m.mu.Unlock()
	}

	local, err := m.devices.GetUserMedia(ctx, ct.Constraints())
	if err != nil {
		release()
		m.notice("could not access %s: %v", mediaLabel(ct), err)
		return nil, fmt.Errorf("dial: %w", err)
	}

	conn, err := m.client.Call(ctx, remoteID, local, ct)
	if err != nil {
		release()
		local.Stop()
		metrics.CallEvent("failed")
		m.notice("call to %s failed: %v", remoteID, err)
		return nil, fmt.Errorf("dial: %w", err)
	}

	m.mu.Lock()
	m.dialing = false
	if m.closed || m.phase != Idle {
		m.mu.Unlock()
		_ = conn.Close()
		local.Stop()
		return nil, ErrBusy
	}
	m.gen++
	gen := m.gen
	m.phase = Dialing
	m.peer = Party{ID: remoteID, DisplayName: remoteID}
	m.callType = ct
	m.direction = Outbound
	m.started = m.clk.Now()
	m.since = m.started
	m.active = conn
	sess := newSession(m, local, ct)
	m.session = sess
	if m.dialTimeout > 0 {
		m.dialTimer = m.clk.AfterFunc(m.dialTimeout, func() { m.dialExpired(gen) })
	}
	m.mu.Unlock()

	conn.OnStream(func(s *media.Stream) { m.remoteStream(gen, conn, s) })
	conn.OnClose(func() { m.connClosed(gen, conn) })

	log.Infof("CALL [%s]: dialing (%s)", remoteID, ct)
	metrics.CallEvent("dialed")
	m.emitState()
	go m.resolvePeer(gen, remoteID)
	return sess, nil
}

// Attach mounts a new call view on the held connection: fresh media is
// acquired and swapped into the existing senders.
func (m *Manager) Attach(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	c, ct, gen := m.active, m.callType, m.gen
	m.mu.Unlock()
	if c == nil {
		return nil, ErrNoCall
	}

	local, err := m.devices.GetUserMedia(ctx, ct.Constraints())
	if err != nil {
		m.notice("could not access %s: %v", mediaLabel(ct), err)
		return nil, fmt.Errorf("attach: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen || m.active != c {
		m.mu.Unlock()
		local.Stop()
		return nil, ErrNoCall
	}
	old := m.session
	sess := newSession(m, local, ct)
	m.session = sess
	m.mu.Unlock()

	if old != nil {
		old.unmount()
	}
	if err := c.ReplaceTrack(media.KindAudio, local.AudioTrack()); err != nil {
		log.Warnf("CALL [%s]: replace audio: %v", c.RemoteID(), err)
	}
	if v := local.VideoTrack(); v != nil {
		if err := c.ReplaceTrack(media.KindVideo, v); err != nil {
			log.Warnf("CALL [%s]: replace video: %v", c.RemoteID(), err)
		}
	}
	log.Infof("CALL [%s]: view re-attached", c.RemoteID())
	m.emitState()
	return sess, nil
}

func (m *Manager) remoteStream(gen uint64, c Conn, s *media.Stream) {
	m.mu.Lock()
	if m.gen != gen || m.active != c {
		m.mu.Unlock()
		return
	}
	m.remote = s
	if m.phase == Dialing {
		stopTimer(&m.dialTimer)
		m.phase = Active
		m.since = m.clk.Now()
		metrics.CallEvent("connected")
	}
	evt := Event{Type: EventRemoteStream, Phase: m.phase, Peer: m.peer, CallType: m.callType, Stream: s}
	m.mu.Unlock()

	log.Infof("CALL [%s]: remote stream with %d track(s)", c.RemoteID(), len(s.Tracks()))
	m.emit(evt)
	m.emitState()
}

func (m *Manager) connClosed(gen uint64, c Conn) {
	m.mu.Lock()
	ringing := m.gen == gen && m.phase == Ringing && m.incoming == c
	m.mu.Unlock()
	if ringing {
		m.endRinging(gen, OutcomeCancelled)
		return
	}
	m.teardown(gen, OutcomeCompleted)
}

func (m *Manager) dialExpired(gen uint64) {
	m.mu.Lock()
	expired := m.gen == gen && m.phase == Dialing
	m.mu.Unlock()
	if expired {
		m.notice("no answer")
		m.teardown(gen, OutcomeMissed)
	}
}

// Hangup ends the current call, whatever its phase.
func (m *Manager) Hangup() error {
	m.mu.Lock()
	if m.phase == Idle || m.phase == Ended {
		m.mu.Unlock()
		return ErrNoCall
	}
	gen, ringing := m.gen, m.phase == Ringing
	m.mu.Unlock()
	if ringing {
		m.endRinging(gen, OutcomeRejected)
		return nil
	}
	m.teardown(gen, OutcomeCompleted)
	return nil
}

// teardown is the single exit path for a connected or dialing call. Local
// hangup and remote close both land here.
func (m *Manager) teardown(gen uint64, outcome Outcome) {
	m.mu.Lock()
	if m.gen != gen || m.phase == Idle || m.phase == Ended {
		m.mu.Unlock()
		return
	}
	if m.phase == Dialing && outcome == OutcomeCompleted {
		outcome = OutcomeCancelled
	}
	stopTimer(&m.ringTimer)
	stopTimer(&m.dialTimer)
	active, incoming, sess := m.active, m.incoming, m.session
	wasActive := m.phase == Active
	rec := m.recordLocked(outcome)
	m.phase = Ended
	m.active, m.incoming, m.session, m.remote = nil, nil, nil, nil
	m.mu.Unlock()

	m.ringer.Stop()
	m.emitState()

	if active != nil {
		_ = active.Close()
	}
	if incoming != nil && incoming != active {
		_ = incoming.Close()
	}
	if sess != nil {
		sess.unmount()
	}

	log.Infof("CALL [%s]: ended (%s)", rec.Peer.ID, outcome)
	metrics.CallEvent("ended")
	if wasActive {
		metrics.CallEnded(rec.Duration)
	}
	m.history.Push(rec)

	m.mu.Lock()
	if m.gen == gen && m.phase == Ended {
		m.resetLocked()
	}
	m.mu.Unlock()
	m.emitState()
}

func (m *Manager) recordLocked(outcome Outcome) Record {
	rec := Record{
		Peer:      m.peer,
		CallType:  m.callType,
		Direction: m.direction,
		Outcome:   outcome,
		Started:   m.started,
	}
	if m.phase == Active {
		rec.Duration = m.clk.Since(m.since)
	}
	return rec
}

func (m *Manager) resetLocked() {
	m.phase = Idle
	m.peer = Party{}
	m.callType = ""
	m.direction = ""
	m.since = time.Time{}
	m.started = time.Time{}
	m.incoming = nil
	m.active = nil
	m.session = nil
	m.remote = nil
}

// Close hangs up any call and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	if err := m.Hangup(); err != nil && !errors.Is(err, ErrNoCall) {
		log.Warnf("CALL: close: %v", err)
	}
}

func stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func mediaLabel(ct CallType) string {
	if ct == Video {
		return "camera and microphone"
	}
	return "microphone"
}
