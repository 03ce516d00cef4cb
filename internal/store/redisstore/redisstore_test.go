package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/infinitchat/internal/store"
	"github.com/petervdpas/infinitchat/internal/store/storetest"
)

func newTestStore(t *testing.T, mr *miniredis.Miniredis) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := NewWithClient(context.Background(), client, "test:", nil)
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newTestStore(t, miniredis.RunT(t))
	})
}

func TestNotTransactor(t *testing.T) {
	s := newTestStore(t, miniredis.RunT(t))
	defer s.Close()
	_, ok := any(s).(store.Transactor)
	assert.False(t, ok)
}

func TestChangesCrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	writer := newTestStore(t, mr)
	defer writer.Close()
	reader := newTestStore(t, mr)
	defer reader.Close()
	ctx := context.Background()

	sub, err := reader.Subscribe(ctx, store.Collection("users").WhereEq("isOnline", true))
	require.NoError(t, err)
	defer sub.Cancel()
	first := <-sub.C
	assert.Empty(t, first.Docs)

	require.NoError(t, writer.Set(ctx, store.At("users", "u1"), store.Fields{"isOnline": true}))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-sub.C:
			if len(snap.Docs) == 1 {
				assert.Equal(t, "u1", snap.Docs[0].ID())
				return
			}
		case <-deadline:
			t.Fatal("reader never saw the writer's document")
		}
	}
}

func TestKeysArePrefixed(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestStore(t, mr)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), store.At("users", "u1"), store.Fields{"a": 1}))
	assert.True(t, mr.Exists("test:doc:users:u1"))
	assert.True(t, mr.Exists("test:idx:users"))
}
