package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/infinitchat/internal/call"
	"github.com/petervdpas/infinitchat/internal/media"
	"github.com/petervdpas/infinitchat/internal/store"
)

var ErrClientClosed = errors.New("peer client closed")

// DefaultGatherTimeout bounds how long an offer or answer waits for ICE
// gathering before it is sent with the candidates found so far.
const DefaultGatherTimeout = 10 * time.Second

// DefaultMaxSignalAge matches the default ring timeout: an offer older
// than that can no longer be answered.
const DefaultMaxSignalAge = 3 * time.Minute

type Options struct {
	STUNServers   []string
	GatherTimeout time.Duration

	// Signals whose createdAt is further back than MaxSignalAge are
	// deleted without being handled.
	MaxSignalAge time.Duration
	Clock        clock.Clock
}

// Client is registered under the user id and receives every signal
// addressed to it.
type Client struct {
	st   store.Store
	self string
	api  *webrtc.API
	opts Options

	mu     sync.Mutex
	conns  map[string]*Conn
	onCall func(call.Conn)
	seen    map[string]struct{}
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ call.PeerClient = (*Client)(nil)

// NewClient prepares a client for selfID. Signals are not read until
// Start, so the call handler can be registered first.
func NewClient(ctx context.Context, st store.Store, selfID string, opts Options) (*Client, error) {
	if selfID == "" {
		return nil, fmt.Errorf("rtc: empty user id")
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}
	if opts.MaxSignalAge <= 0 {
		opts.MaxSignalAge = DefaultMaxSignalAge
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	api, err := newAPI()
	if err != nil {
		return nil, fmt.Errorf("rtc: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		st:     st,
		self:   selfID,
		api:    api,
		opts:   opts,
		conns:  make(map[string]*Conn),
		seen:   make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Start subscribes to the signals addressed to this client. Offers that
// were waiting in the store are handed to the OnCall handler registered
// by then. Calling Start again is a no-op.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return nil
	}
	q := store.Collection(store.CollectionSignals).WhereEq("to", c.self)
	sub, err := c.st.Subscribe(c.ctx, q)
	if err != nil {
		return fmt.Errorf("rtc: subscribe signals: %w", err)
	}
	c.started = true
	go c.loop(c.ctx, sub)
	log.Infof("CALL: peer client registered as %s", c.self)
	return nil
}

func (c *Client) ID() string { return c.self }

func (c *Client) OnCall(fn func(call.Conn)) {
	c.mu.Lock()
	c.onCall = fn
	c.mu.Unlock()
}

// Call sends an offer to remoteID carrying local.
func (c *Client) Call(ctx context.Context, remoteID string, local *media.Stream, t call.CallType) (call.Conn, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}

	conn, err := c.newConn(uuid.NewString(), remoteID, t, false)
	if err != nil {
		return nil, err
	}
	conn.attach(local, true)

	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		conn.shutdown(false)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	sdp, err := conn.setLocal(ctx, offer)
	if err != nil {
		conn.shutdown(false)
		return nil, err
	}

	c.register(conn)
	err = sendSignal(ctx, c.st, signal{
		Type:     signalOffer,
		From:     c.self,
		To:       remoteID,
		CallID:   conn.id,
		CallType: string(t),
		SDP:      sdp,
	})
	if err != nil {
		conn.shutdown(false)
		return nil, err
	}
	log.Infof("CALL [%s]: offer sent to %s (%s)", conn.id, remoteID, t)
	return conn, nil
}

func (c *Client) newConn(id, remote string, t call.CallType, inbound bool) (*Conn, error) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(c.opts.STUNServers),
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newConn(c, id, remote, t, inbound, pc), nil
}

func (c *Client) register(conn *Conn) {
	c.mu.Lock()
	c.conns[conn.id] = conn
	c.mu.Unlock()
}

func (c *Client) remove(id string) {
	c.mu.Lock()
	delete(c.conns, id)
	c.mu.Unlock()
}

func (c *Client) lookup(id, from string) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conns[id]
	if conn == nil || conn.remote != from {
		return nil
	}
	return conn
}

func (c *Client) loop(ctx context.Context, sub *store.Subscription) {
	defer close(c.done)
	defer sub.Cancel()
	for snap := range sub.C {
		live := make(map[string]struct{}, len(snap.Docs))
		for _, doc := range snap.Docs {
			live[doc.ID()] = struct{}{}
			c.mu.Lock()
			_, dup := c.seen[doc.ID()]
			c.seen[doc.ID()] = struct{}{}
			c.mu.Unlock()
			if dup {
				continue
			}

			var s signal
			if err := doc.Decode(&s); err != nil {
				log.Warnf("CALL: bad signal %s: %v", doc.ID(), err)
			} else if c.stale(s) {
				log.Infof("CALL [%s]: dropping stale %s from %s", s.CallID, s.Type, s.From)
			} else {
				c.handle(s)
			}
			if err := c.st.Delete(ctx, doc.Path); err != nil && ctx.Err() == nil {
				log.Debugf("CALL: delete signal %s: %v", doc.ID(), err)
			}
		}
		c.mu.Lock()
		for id := range c.seen {
			if _, ok := live[id]; !ok {
				delete(c.seen, id)
			}
		}
		c.mu.Unlock()
	}
}

// stale reports whether s was written longer ago than MaxSignalAge.
// Signals without a timestamp are kept.
func (c *Client) stale(s signal) bool {
	if s.Created <= 0 {
		return false
	}
	age := c.opts.Clock.Now().Sub(time.UnixMilli(s.Created))
	return age > c.opts.MaxSignalAge
}

func (c *Client) handle(s signal) {
	switch s.Type {
	case signalOffer:
		t := call.CallType(s.CallType)
		if !t.Valid() {
			t = call.Audio
		}
		conn, err := c.newConn(s.CallID, s.From, t, true)
		if err != nil {
			log.Warnf("CALL [%s]: inbound from %s: %v", s.CallID, s.From, err)
			return
		}
		conn.offer = s.SDP
		c.register(conn)

		c.mu.Lock()
		fn := c.onCall
		c.mu.Unlock()
		log.Infof("CALL [%s]: offer from %s (%s)", s.CallID, s.From, t)
		if fn == nil {
			conn.Close()
			return
		}
		fn(conn)

	case signalAnswer:
		if conn := c.lookup(s.CallID, s.From); conn != nil {
			conn.applyAnswer(s.SDP)
		}

	case signalHangup:
		if conn := c.lookup(s.CallID, s.From); conn != nil {
			log.Infof("CALL [%s]: hangup from %s", s.CallID, s.From)
			conn.shutdown(false)
		}

	default:
		log.Debugf("CALL: unknown signal %q from %s", s.Type, s.From)
	}
}

// Close hangs up every connection and stops listening for signals.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	conns := make([]*Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	c.cancel()
	if started {
		<-c.done
	}
	return nil
}
