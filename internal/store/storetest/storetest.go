// Package storetest is a conformance suite every Reactive Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/infinitchat/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("SetGetDelete", func(t *testing.T) { testSetGetDelete(t, newStore(t)) })
	t.Run("UpdateSentinels", func(t *testing.T) { testUpdateSentinels(t, newStore(t)) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, newStore(t)) })
	t.Run("QueryOrder", func(t *testing.T) { testQueryOrder(t, newStore(t)) })
	t.Run("Subscribe", func(t *testing.T) { testSubscribe(t, newStore(t)) })
}

// RunTx executes the transaction tests; only for backends that implement
// store.Transactor.
func RunTx(t *testing.T, newStore Factory) {
	t.Run("TxCommit", func(t *testing.T) { testTxCommit(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
}

func testGetMissing(t *testing.T, s store.Store) {
	defer s.Close()
	_, err := s.Get(context.Background(), store.At("users", "nobody"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSetGetDelete(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	p := store.At("users", "u1")

	require.NoError(t, s.Set(ctx, p, store.Fields{"displayName": "ada", "isOnline": true}))
	d, err := s.Get(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "ada", d.Fields["displayName"])
	assert.Equal(t, true, d.Fields["isOnline"])

	id, err := s.Add(ctx, "users", store.Fields{"displayName": "bob"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.NoError(t, s.Delete(ctx, p))
	require.NoError(t, s.Delete(ctx, p), "delete is idempotent")
	_, err = s.Get(ctx, p)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testUpdateSentinels(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	p := store.At("users", "u1")
	require.NoError(t, s.Set(ctx, p, store.Fields{"friends": []string{}}))

	require.NoError(t, s.Update(ctx, p, store.Fields{"friends": store.ArrayUnion("u2")}))
	require.NoError(t, s.Update(ctx, p, store.Fields{"friends": store.ArrayUnion("u2", "u3")}))
	require.NoError(t, s.Update(ctx, p, store.Fields{"friends": store.ArrayRemove("u3")}))
	require.NoError(t, s.Update(ctx, p, store.Fields{"lastSeen": store.ServerTimestamp(), "isOnline": false}))

	d, err := s.Get(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []any{"u2"}, d.Fields["friends"])
	assert.Equal(t, false, d.Fields["isOnline"])
	ts, ok := d.Fields["lastSeen"].(float64)
	require.True(t, ok, "lastSeen is a number")
	assert.Greater(t, ts, float64(0))
}

func testUpdateMissing(t *testing.T, s store.Store) {
	defer s.Close()
	err := s.Update(context.Background(), store.At("users", "ghost"), store.Fields{"x": 1})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testQueryOrder(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	for i, ts := range []int64{30, 10, 20} {
		_, err := s.Add(ctx, "messages", store.Fields{"thread": "t", "timestamp": ts, "n": i})
		require.NoError(t, err)
	}
	_, err := s.Add(ctx, "messages", store.Fields{"thread": "other", "timestamp": 5})
	require.NoError(t, err)

	docs, err := s.Query(ctx, store.Collection("messages").WhereEq("thread", "t").Ordered("timestamp", false))
	require.NoError(t, err)
	require.Len(t, docs, 3)
	var got []float64
	for _, d := range docs {
		got = append(got, d.Fields["timestamp"].(float64))
	}
	assert.Equal(t, []float64{10, 20, 30}, got)

	docs, err = s.Query(ctx, store.Collection("messages").Ordered("timestamp", true).Take(1))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, float64(30), docs[0].Fields["timestamp"])
}

func testSubscribe(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	q := store.Collection("friendRequests").WhereEq("to", "me").WhereEq("status", "pending")

	sub, err := s.Subscribe(ctx, q)
	require.NoError(t, err)
	defer sub.Cancel()

	first := next(t, sub)
	assert.Empty(t, first.Docs)

	_, err = s.Add(ctx, "friendRequests", store.Fields{"to": "me", "status": "pending", "from": "a"})
	require.NoError(t, err)
	_, err = s.Add(ctx, "friendRequests", store.Fields{"to": "else", "status": "pending", "from": "b"})
	require.NoError(t, err)

	waitFor(t, sub, func(snap store.Snapshot) bool {
		return len(snap.Docs) == 1 && snap.Docs[0].Fields["from"] == "a"
	})

	sub.Cancel()
	sub.Cancel()
}

func testTxCommit(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	tr := s.(store.Transactor)
	a, b := store.At("users", "a"), store.At("users", "b")
	require.NoError(t, s.Set(ctx, a, store.Fields{"friends": []string{}}))
	require.NoError(t, s.Set(ctx, b, store.Fields{"friends": []string{}}))

	err := tr.RunTx(ctx, func(tx store.Tx) error {
		if err := tx.Update(ctx, a, store.Fields{"friends": store.ArrayUnion("b")}); err != nil {
			return err
		}
		d, err := tx.Get(ctx, a)
		if err != nil {
			return err
		}
		if len(d.Fields["friends"].([]any)) != 1 {
			return errors.New("tx does not see its own write")
		}
		return tx.Update(ctx, b, store.Fields{"friends": store.ArrayUnion("a")})
	})
	require.NoError(t, err)

	da, err := s.Get(ctx, a)
	require.NoError(t, err)
	db, err := s.Get(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, da.Fields["friends"])
	assert.Equal(t, []any{"a"}, db.Fields["friends"])
}

func testTxRollback(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	tr := s.(store.Transactor)
	a := store.At("users", "a")
	require.NoError(t, s.Set(ctx, a, store.Fields{"friends": []string{}}))

	boom := errors.New("boom")
	err := tr.RunTx(ctx, func(tx store.Tx) error {
		if err := tx.Update(ctx, a, store.Fields{"friends": store.ArrayUnion("b")}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	d, err := s.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []any{}, d.Fields["friends"])
}

func next(t *testing.T, sub *store.Subscription) store.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return store.Snapshot{}
	}
}

func waitFor(t *testing.T, sub *store.Subscription, ok func(store.Snapshot) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, open := <-sub.C:
			require.True(t, open, "subscription closed")
			if ok(snap) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching snapshot")
		}
	}
}
