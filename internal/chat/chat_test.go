package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/infinitchat/internal/store"
	"github.com/petervdpas/infinitchat/internal/store/memstore"
)

func TestThreadIDSymmetric(t *testing.T) {
	assert.Equal(t, ThreadID("alice", "bob"), ThreadID("bob", "alice"))
	assert.Equal(t, "bobalice", ThreadID("alice", "bob"))
	assert.NotEqual(t, ThreadID("a", "b"), ThreadID("a", "c"))
}

func TestOpenRejectsSelf(t *testing.T) {
	m := New(memstore.New(nil), "a", 0)
	_, err := m.Open("a")
	assert.ErrorIs(t, err, ErrNoPeer)
	_, err = m.Open("")
	assert.ErrorIs(t, err, ErrNoPeer)
}

func TestSendRejectsBlank(t *testing.T) {
	st := memstore.New(nil)
	s, err := New(st, "a", 0).Open("b")
	require.NoError(t, err)

	_, err = s.Send(context.Background(), " \n\t ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	docs, err := st.Query(context.Background(), store.Collection(threadCollection(s.Thread())))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSendWatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_000))
	st := memstore.New(mock)

	alice, err := New(st, "alice", 0).Open("bob")
	require.NoError(t, err)
	bobMgr := New(st, "bob", 0)
	bob, err := bobMgr.Open("alice")
	require.NoError(t, err)
	require.Equal(t, alice.Thread(), bob.Thread())

	ch, cancel, err := bob.Watch(ctx)
	require.NoError(t, err)
	defer cancel()

	_, err = alice.Send(ctx, "hi")
	require.NoError(t, err)
	mock.Add(time.Millisecond)
	sent, err := bob.Send(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1_001), sent.Timestamp)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msgs := <-ch:
			if len(msgs) < 2 {
				continue
			}
			require.Len(t, msgs, 2)
			assert.Equal(t, "hi", msgs[0].Content)
			assert.Equal(t, "alice", msgs[0].From)
			assert.Equal(t, "bob", msgs[0].To)
			assert.Equal(t, "hello", msgs[1].Content)
			assert.LessOrEqual(t, msgs[0].Timestamp, msgs[1].Timestamp)

			hist, err := alice.History(ctx)
			require.NoError(t, err)
			assert.Equal(t, msgs, hist)
			assert.Len(t, bobMgr.Recent(), 1)
			return
		case <-deadline:
			t.Fatal("thread never showed both messages")
		}
	}
}

func TestSendFailureNotRetried(t *testing.T) {
	st := memstore.New(nil)
	calls := 0
	st.FailWrites = func(string, store.Path) error {
		calls++
		return errors.New("offline")
	}
	s, err := New(st, "a", 0).Open("b")
	require.NoError(t, err)
	_, err = s.Send(context.Background(), "x")
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

// unreadable accepts writes but fails every Get.
type unreadable struct{ *memstore.Store }

func (unreadable) Get(context.Context, store.Path) (store.Doc, error) {
	return store.Doc{}, errors.New("read timed out")
}

func TestSendSucceedsWhenReadBackFails(t *testing.T) {
	ctx := context.Background()
	st := unreadable{memstore.New(nil)}
	m := New(st, "a", 0)
	s, err := m.Open("b")
	require.NoError(t, err)

	msg, err := s.Send(ctx, "hello")
	require.NoError(t, err, "the message was stored, so a retry would duplicate it")
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "a", msg.From)
	assert.Equal(t, "b", msg.To)
	assert.Equal(t, s.Thread(), msg.Thread)
	assert.NotZero(t, msg.Timestamp)

	stored, err := s.History(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, msg.ID, stored[0].ID)
	assert.Equal(t, []Message{msg}, m.Recent())
}
