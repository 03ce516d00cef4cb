package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/infinitchat/internal/call"
	"github.com/petervdpas/infinitchat/internal/media"
	"github.com/petervdpas/infinitchat/internal/util"
)

var (
	ErrNotInbound    = errors.New("connection is not an unanswered inbound call")
	ErrNoSender      = errors.New("no sender for track kind")
	ErrForeignTrack  = errors.New("track cannot be sent by this connection")
	ErrConnClosed    = errors.New("connection closed")
	pliInterval      = 3 * time.Second
	hangupSendBudget = util.ShortTimeout
)

// trackLocal is implemented by tracks that pion can send.
type trackLocal interface {
	media.Track
	TrackLocal() webrtc.TrackLocal
	watchEnabled(fn func(bool)) func()
}

// Conn is one call's peer connection.
type Conn struct {
	client   *Client
	id       string
	remote   string
	callType call.CallType
	inbound  bool
	pc       *webrtc.PeerConnection

	mu       sync.Mutex
	offer    string
	answered bool
	senders  map[media.Kind]*webrtc.RTPSender
	sent     map[media.Kind]media.Track
	unwatch  map[media.Kind]func()
	stream   *media.Stream
	tracks   []*RemoteTrack
	onStream []func(*media.Stream)
	onClose  []func()
	closed   bool
	done     chan struct{}
}

var _ call.Conn = (*Conn)(nil)

func newConn(c *Client, id, remote string, t call.CallType, inbound bool, pc *webrtc.PeerConnection) *Conn {
	conn := &Conn{
		client:   c,
		id:       id,
		remote:   remote,
		callType: t,
		inbound:  inbound,
		pc:       pc,
		senders:  make(map[media.Kind]*webrtc.RTPSender),
		sent:     make(map[media.Kind]media.Track),
		unwatch:  make(map[media.Kind]func()),
		done:     make(chan struct{}),
	}
	pc.OnTrack(conn.handleTrack)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("CALL [%s]: connection state %s", id, s)
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			conn.shutdown(s == webrtc.PeerConnectionStateFailed)
		}
	})
	return conn
}

func (c *Conn) ID() string              { return c.id }
func (c *Conn) RemoteID() string        { return c.remote }
func (c *Conn) CallType() call.CallType { return c.callType }

func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// attach adds the local tracks to the peer connection. withRecvOnly adds a
// receive-only m-line for every kind the call needs but local lacks.
func (c *Conn) attach(local *media.Stream, withRecvOnly bool) {
	kinds := []media.Kind{media.KindAudio}
	if c.callType == call.Video {
		kinds = append(kinds, media.KindVideo)
	}
	for _, k := range kinds {
		var t media.Track
		if local != nil {
			if k == media.KindAudio {
				t = local.AudioTrack()
			} else {
				t = local.VideoTrack()
			}
		}
		lt, ok := t.(trackLocal)
		if !ok {
			if t != nil {
				log.Warnf("CALL [%s]: %s track %s is not sendable", c.id, k, t.ID())
			}
			if withRecvOnly {
				addRecvOnlyTransceiver(c.id, c.pc, k)
			}
			continue
		}
		sender, err := c.pc.AddTrack(lt.TrackLocal())
		if err != nil {
			log.Warnf("CALL [%s]: AddTrack(%s) error: %v", c.id, k, err)
			continue
		}
		go drainRTCP(sender)

		c.mu.Lock()
		c.senders[k] = sender
		c.mu.Unlock()
		c.bind(k, lt)
		if !lt.Enabled() {
			_ = sender.ReplaceTrack(nil)
		}
	}
}

// bind records t as what the sender of k carries and follows its enabled
// flag.
func (c *Conn) bind(k media.Kind, t media.Track) {
	c.mu.Lock()
	if stop := c.unwatch[k]; stop != nil {
		stop()
		delete(c.unwatch, k)
	}
	c.sent[k] = t
	c.mu.Unlock()

	lt, ok := t.(trackLocal)
	if !ok {
		return
	}
	stop := lt.watchEnabled(func(enabled bool) {
		c.mu.Lock()
		sender, current := c.senders[k], c.sent[k]
		c.mu.Unlock()
		if sender == nil || current != t {
			return
		}
		var next webrtc.TrackLocal
		if enabled {
			next = lt.TrackLocal()
		}
		if err := sender.ReplaceTrack(next); err != nil {
			log.Warnf("CALL [%s]: %s enabled=%v: %v", c.id, k, enabled, err)
		}
	})
	c.mu.Lock()
	c.unwatch[k] = stop
	c.mu.Unlock()
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// setLocal applies desc and waits for ICE gathering so the returned SDP
// carries the candidates.
func (c *Conn) setLocal(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gather := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	timer := time.NewTimer(c.client.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gather:
	case <-timer.C:
		log.Warnf("CALL [%s]: ICE gathering timed out, sending partial candidates", c.id)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return c.pc.LocalDescription().SDP, nil
}

// Answer accepts the inbound offer and sends the answer.
func (c *Conn) Answer(ctx context.Context, local *media.Stream) error {
	c.mu.Lock()
	if !c.inbound || c.answered || c.closed {
		c.mu.Unlock()
		return ErrNotInbound
	}
	c.answered = true
	offer := c.offer
	c.mu.Unlock()

	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	c.attach(local, false)

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	sdp, err := c.setLocal(ctx, answer)
	if err != nil {
		return err
	}
	err = sendSignal(ctx, c.client.st, signal{
		Type:   signalAnswer,
		From:   c.client.self,
		To:     c.remote,
		CallID: c.id,
		SDP:    sdp,
	})
	if err != nil {
		return err
	}
	log.Infof("CALL [%s]: answer sent to %s", c.id, c.remote)
	return nil
}

func (c *Conn) applyAnswer(sdp string) {
	if c.inbound {
		return
	}
	err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		log.Warnf("CALL [%s]: set remote answer: %v", c.id, err)
		c.shutdown(true)
		return
	}
	log.Infof("CALL [%s]: answer applied", c.id)
}

// ReplaceTrack swaps the track on the sender of kind. A nil or disabled
// track detaches the sender.
func (c *Conn) ReplaceTrack(kind media.Kind, t media.Track) error {
	c.mu.Lock()
	sender := c.senders[kind]
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}
	if sender == nil {
		return fmt.Errorf("%w: %s", ErrNoSender, kind)
	}

	var next webrtc.TrackLocal
	if t != nil {
		lt, ok := t.(trackLocal)
		if !ok {
			return ErrForeignTrack
		}
		if lt.Enabled() {
			next = lt.TrackLocal()
		}
	}
	if err := sender.ReplaceTrack(next); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}
	c.bind(kind, t)
	return nil
}

func (c *Conn) SenderTrack(kind media.Kind) media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[kind]
}

func (c *Conn) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	rt := newRemoteTrack(remote)
	c.mu.Lock()
	first := c.stream == nil
	if first {
		c.stream = media.NewStream(rt)
	} else {
		c.stream.Add(rt)
	}
	c.tracks = append(c.tracks, rt)
	stream := c.stream
	fns := c.onStream
	c.mu.Unlock()

	log.Infof("CALL [%s]: remote %s track %s", c.id, remote.Kind(), remote.Codec().MimeType)
	go rt.readLoop()
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		go c.requestKeyframes(uint32(remote.SSRC()))
	}
	if first {
		for _, fn := range fns {
			fn(stream)
		}
	}
}

// requestKeyframes sends a PLI periodically so the picture recovers
// quickly after loss.
func (c *Conn) requestKeyframes(ssrc uint32) {
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
			if err != nil {
				return
			}
		}
	}
}

// Stats returns the counters of every remote track.
func (c *Conn) Stats() map[string]TrackStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]TrackStats, len(c.tracks))
	for _, t := range c.tracks {
		out[string(t.Kind())+":"+t.ID()] = t.Stats()
	}
	return out
}

func (c *Conn) OnStream(fn func(*media.Stream)) {
	c.mu.Lock()
	c.onStream = append(c.onStream, fn)
	s := c.stream
	c.mu.Unlock()
	if s != nil {
		fn(s)
	}
}

func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Close hangs up. Closing twice is a no-op.
func (c *Conn) Close() error {
	c.shutdown(true)
	return nil
}

// shutdown closes the peer connection once. notify sends a hangup signal
// to the remote side.
func (c *Conn) shutdown(notify bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	for k, stop := range c.unwatch {
		stop()
		delete(c.unwatch, k)
	}
	fns := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	if notify {
		ctx, cancel := context.WithTimeout(context.Background(), hangupSendBudget)
		err := sendSignal(ctx, c.client.st, signal{
			Type:   signalHangup,
			From:   c.client.self,
			To:     c.remote,
			CallID: c.id,
		})
		cancel()
		if err != nil {
			log.Debugf("CALL [%s]: hangup signal: %v", c.id, err)
		}
	}
	if err := c.pc.Close(); err != nil {
		log.Debugf("CALL [%s]: close: %v", c.id, err)
	}
	c.client.remove(c.id)
	log.Infof("CALL [%s]: closed", c.id)
	for _, fn := range fns {
		fn()
	}
}
