// Package presence publishes the signed-in user's online flag and keeps a
// table of what is known about everyone else.
package presence

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/infinitchat/internal/store"
)

var log = logging.Logger("presence")

// Tracker ties isOnline/lastSeen on users/{uid} to one session.
type Tracker struct {
	st  store.Store
	uid string

	mu      sync.Mutex
	stopped bool
}

func NewTracker(st store.Store, uid string) *Tracker {
	return &Tracker{st: st, uid: uid}
}

// Start marks the user online.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	t.stopped = false
	t.mu.Unlock()

	if err := t.st.Update(ctx, store.At(store.CollectionUsers, t.uid), store.Fields{
		"isOnline": true,
	}); err != nil {
		return fmt.Errorf("mark online: %w", err)
	}
	log.Infof("PRESENCE [%s]: online", t.uid)
	return nil
}

// Stop marks the user offline and stamps lastSeen. It is a best-effort
// write: a failure is logged and returned but never retried, so a crash or
// lost connection can leave the user shown online. Calling Stop again in the
// same session does nothing.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	err := t.st.Update(ctx, store.At(store.CollectionUsers, t.uid), store.Fields{
		"isOnline": false,
		"lastSeen": store.ServerTimestamp(),
	})
	if err != nil {
		log.Warnf("PRESENCE [%s]: mark offline failed: %v", t.uid, err)
		return fmt.Errorf("mark offline: %w", err)
	}
	log.Infof("PRESENCE [%s]: offline", t.uid)
	return nil
}
