package call

import (
	"context"
	"sync"

	"github.com/petervdpas/infinitchat/internal/media"
)

type fakeConn struct {
	remote string
	ct     CallType

	mu        sync.Mutex
	closes    int
	answered  *media.Stream
	answerErr error
	senders   map[media.Kind]media.Track
	replaced  int
	stream    *media.Stream
	onStream  []func(*media.Stream)
	onClose   []func()
}

func newFakeConn(remote string, ct CallType) *fakeConn {
	return &fakeConn{remote: remote, ct: ct, senders: make(map[media.Kind]media.Track)}
}

func (c *fakeConn) RemoteID() string   { return c.remote }
func (c *fakeConn) CallType() CallType { return c.ct }

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes == 0
}

func (c *fakeConn) Answer(_ context.Context, local *media.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answerErr != nil {
		return c.answerErr
	}
	c.answered = local
	c.attachLocked(local)
	return nil
}

func (c *fakeConn) attachLocked(local *media.Stream) {
	for _, t := range local.Tracks() {
		c.senders[t.Kind()] = t
	}
}

func (c *fakeConn) ReplaceTrack(kind media.Kind, t media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaced++
	c.senders[kind] = t
	return nil
}

func (c *fakeConn) SenderTrack(kind media.Kind) media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senders[kind]
}

func (c *fakeConn) OnStream(fn func(*media.Stream)) {
	c.mu.Lock()
	s := c.stream
	c.onStream = append(c.onStream, fn)
	c.mu.Unlock()
	if s != nil {
		fn(s)
	}
}

func (c *fakeConn) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	first := c.closes == 1
	fns := c.onClose
	c.mu.Unlock()
	if first {
		for _, fn := range fns {
			fn()
		}
	}
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// deliver simulates the remote stream arriving.
func (c *fakeConn) deliver(s *media.Stream) {
	c.mu.Lock()
	c.stream = s
	fns := c.onStream
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

type fakeClient struct {
	id string

	mu     sync.Mutex
	onCall func(Conn)
	calls  []*fakeConn
	err    error

	// When gate is set, Call reports on entered and then waits for gate
	// to be closed.
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeClient) ID() string { return f.id }

func (f *fakeClient) Call(_ context.Context, remoteID string, local *media.Stream, t CallType) (Conn, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeConn(remoteID, t)
	c.attachLocked(local)
	f.calls = append(f.calls, c)
	return c, nil
}

func (f *fakeClient) OnCall(fn func(Conn)) {
	f.mu.Lock()
	f.onCall = fn
	f.mu.Unlock()
}

func (f *fakeClient) Close() error { return nil }

// ring delivers an inbound call from remote.
func (f *fakeClient) ring(remote string, t CallType) *fakeConn {
	c := newFakeConn(remote, t)
	f.mu.Lock()
	fn := f.onCall
	f.mu.Unlock()
	fn(c)
	return c
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRinger struct {
	mu      sync.Mutex
	ringing bool
	starts  int
}

func (r *fakeRinger) Start() {
	r.mu.Lock()
	r.ringing = true
	r.starts++
	r.mu.Unlock()
}

func (r *fakeRinger) Stop() {
	r.mu.Lock()
	r.ringing = false
	r.mu.Unlock()
}

func (r *fakeRinger) isRinging() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringing
}
