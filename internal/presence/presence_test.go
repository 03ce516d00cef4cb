package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/infinitchat/internal/profile"
	"github.com/petervdpas/infinitchat/internal/store"
	"github.com/petervdpas/infinitchat/internal/store/memstore"
)

func seedUser(t *testing.T, st store.Store, id string) {
	t.Helper()
	require.NoError(t, st.Set(context.Background(), store.At(store.CollectionUsers, id), store.Fields{
		"displayName": id,
		"isOnline":    false,
	}))
}

func TestTrackerStartStop(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(5_000))
	st := memstore.New(mock)
	seedUser(t, st, "a")

	tr := NewTracker(st, "a")
	require.NoError(t, tr.Start(ctx))
	d, err := st.Get(ctx, store.At(store.CollectionUsers, "a"))
	require.NoError(t, err)
	assert.Equal(t, true, d.Fields["isOnline"])

	require.NoError(t, tr.Stop(ctx))
	d, err = st.Get(ctx, store.At(store.CollectionUsers, "a"))
	require.NoError(t, err)
	assert.Equal(t, false, d.Fields["isOnline"])
	assert.Equal(t, float64(5_000), d.Fields["lastSeen"])
}

func TestTrackerStopIsBestEffortAndOnce(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(nil)
	seedUser(t, st, "a")
	tr := NewTracker(st, "a")
	require.NoError(t, tr.Start(ctx))

	calls := 0
	st.FailWrites = func(string, store.Path) error {
		calls++
		return errors.New("offline")
	}
	assert.Error(t, tr.Stop(ctx))
	assert.NoError(t, tr.Stop(ctx), "second stop is a no-op")
	assert.Equal(t, 1, calls, "no retry")

	// The failed write leaves the user online.
	st.FailWrites = nil
	d, err := st.Get(ctx, store.At(store.CollectionUsers, "a"))
	require.NoError(t, err)
	assert.Equal(t, true, d.Fields["isOnline"])
}

func TestTableApply(t *testing.T) {
	mock := clock.NewMock()
	tbl := NewTable(mock, "self")
	events := tbl.Subscribe()
	defer tbl.Unsubscribe(events)

	tbl.Apply([]profile.User{
		{ID: "self", IsOnline: true},
		{ID: "b", DisplayName: "bob", IsOnline: true},
		{ID: "c", DisplayName: "cat", IsOnline: false, LastSeen: 1_000},
	})
	_, ok := tbl.Get("self")
	assert.False(t, ok, "self is not tracked")
	assert.Equal(t, []string{"b"}, tbl.Online())

	c, ok := tbl.Get("c")
	require.True(t, ok)
	assert.Equal(t, time.UnixMilli(1_000), c.OfflineSince)
	assert.Len(t, events, 2)

	// Unchanged snapshot emits nothing.
	tbl.Apply([]profile.User{
		{ID: "b", DisplayName: "bob", IsOnline: true},
		{ID: "c", DisplayName: "cat", IsOnline: false, LastSeen: 1_000},
	})
	assert.Len(t, events, 2)

	// b goes offline without lastSeen, c disappears.
	mock.Add(time.Minute)
	tbl.Apply([]profile.User{{ID: "b", DisplayName: "bob", IsOnline: false}})
	b, _ := tbl.Get("b")
	assert.False(t, b.Online)
	assert.Equal(t, mock.Now(), b.OfflineSince)
	_, ok = tbl.Get("c")
	assert.False(t, ok)
	assert.Len(t, events, 4)
}

func TestTableRunFollowsStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := memstore.New(nil)
	tbl := NewTable(nil, "self")

	done := make(chan error, 1)
	go func() { done <- tbl.Run(ctx, st) }()

	require.NoError(t, st.Set(ctx, store.At(store.CollectionUsers, "b"), store.Fields{"isOnline": true}))
	require.Eventually(t, func() bool {
		su, ok := tbl.Get("b")
		return ok && su.Online
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
