package presence

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/infinitchat/internal/profile"
	"github.com/petervdpas/infinitchat/internal/store"
)

// SeenUser is what the table knows about one user.
type SeenUser struct {
	DisplayName  string    `json:"display_name"`
	PhotoURL     string    `json:"photo_url"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen"`
	OfflineSince time.Time `json:"offline_since"`
}

type Event struct {
	Type   string    `json:"type"` // "update" or "remove"
	UserID string    `json:"user_id"`
	User   *SeenUser `json:"user,omitempty"`
}

// Table mirrors the users collection as presence entries. The online flag
// is taken from the store as-is; a user whose offline write was lost stays
// online here too.
type Table struct {
	clk    clock.Clock
	selfID string

	mu        sync.Mutex
	users     map[string]SeenUser
	listeners []chan Event
}

func NewTable(clk clock.Clock, selfID string) *Table {
	if clk == nil {
		clk = clock.New()
	}
	return &Table{
		clk:    clk,
		selfID: selfID,
		users:  map[string]SeenUser{},
	}
}

// Run keeps the table in sync with the users collection until ctx ends.
func (t *Table) Run(ctx context.Context, st store.Store) error {
	sub, err := st.Subscribe(ctx, store.Collection(store.CollectionUsers))
	if err != nil {
		return err
	}
	defer sub.Cancel()
	for snap := range sub.C {
		users, err := store.DecodeAll[profile.User](snap.Docs)
		if err != nil {
			log.Warnf("PRESENCE: decode users: %v", err)
			continue
		}
		t.Apply(users)
	}
	return ctx.Err()
}

// Apply reconciles the table with a full users snapshot.
func (t *Table) Apply(users []profile.User) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u.ID == t.selfID {
			continue
		}
		seen[u.ID] = struct{}{}

		next := SeenUser{
			DisplayName: u.DisplayName,
			PhotoURL:    u.PhotoURL,
			Online:      u.IsOnline,
		}
		if u.LastSeen > 0 {
			next.LastSeen = time.UnixMilli(u.LastSeen)
		}
		prev, existed := t.users[u.ID]
		if !next.Online {
			switch {
			case existed && !prev.OfflineSince.IsZero():
				next.OfflineSince = prev.OfflineSince
			case !next.LastSeen.IsZero():
				next.OfflineSince = next.LastSeen
			default:
				next.OfflineSince = now
			}
		}
		if existed && prev == next {
			continue
		}
		t.users[u.ID] = next
		n := next
		t.notifyListeners(Event{Type: "update", UserID: u.ID, User: &n})
	}

	for id := range t.users {
		if _, ok := seen[id]; !ok {
			delete(t.users, id)
			t.notifyListeners(Event{Type: "remove", UserID: id})
		}
	}
}

func (t *Table) Get(id string) (SeenUser, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	su, ok := t.users[id]
	return su, ok
}

// Online returns the ids currently flagged online.
func (t *Table) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, su := range t.users {
		if su.Online {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *Table) Snapshot() map[string]SeenUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]SeenUser, len(t.users))
	for k, v := range t.users {
		cp[k] = v
	}
	return cp
}

func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notifyListeners(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
