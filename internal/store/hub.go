package store

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("store")

// Subscription is a live query handle. C receives snapshots; it is closed
// after Cancel.
type Subscription struct {
	C <-chan Snapshot

	once   sync.Once
	cancel func()
}

// Cancel stops delivery. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

type hubSub struct {
	q    Query
	ch   chan Snapshot
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *hubSub) deliver(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snap:
		return
	default:
	}
	// Full: drop the stale snapshot so the consumer sees the latest one.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}

func (s *hubSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// QueryFunc runs a query against a backend's current state.
type QueryFunc func(ctx context.Context, q Query) ([]Doc, error)

// Hub fans out snapshots to the live queries of one backend. Backends call
// Publish after every committed change.
type Hub struct {
	run QueryFunc

	mu   sync.Mutex
	subs map[*hubSub]struct{}

	// publishMu serializes re-query + deliver so snapshots never go
	// backwards in time for a subscriber.
	publishMu sync.Mutex
}

// NewHub returns a hub that evaluates subscriptions with run.
func NewHub(run QueryFunc) *Hub {
	return &Hub{
		run:  run,
		subs: make(map[*hubSub]struct{}),
	}
}

// Subscribe registers q and delivers its current result.
func (h *Hub) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	s := &hubSub{
		q:    q,
		ch:   make(chan Snapshot, 1),
		done: make(chan struct{}),
	}

	h.publishMu.Lock()
	docs, err := h.run(ctx, q)
	if err != nil {
		h.publishMu.Unlock()
		return nil, err
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	s.deliver(Snapshot{Docs: docs})
	h.publishMu.Unlock()

	sub := &Subscription{C: s.ch}
	sub.cancel = func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		s.close()
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-s.done:
		}
	}()

	return sub, nil
}

// Publish re-runs every live query on collection and delivers the results.
func (h *Hub) Publish(collection string) {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.Lock()
	targets := make([]*hubSub, 0, len(h.subs))
	for s := range h.subs {
		if s.q.Collection == collection {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		docs, err := h.run(context.Background(), s.q)
		if err != nil {
			log.Warnf("STORE: re-query %s failed: %v", collection, err)
			continue
		}
		s.deliver(Snapshot{Docs: docs})
	}
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*hubSub]struct{})
	h.mu.Unlock()
	for s := range subs {
		s.close()
	}
}
