package friends

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/infinitchat/internal/profile"
	"github.com/petervdpas/infinitchat/internal/store"
	"github.com/petervdpas/infinitchat/internal/store/memstore"
)

func setup(t *testing.T) *memstore.Store {
	t.Helper()
	st := memstore.New(nil)
	svc := profile.New(st)
	for id, name := range map[string]string{"alice": "Alice", "bob": "Bob", "carol": "Carol"} {
		_, err := svc.Signup(context.Background(), profile.Account{ID: id, DisplayName: name, PhotoURL: "p/" + id})
		require.NoError(t, err)
	}
	return st
}

func friendsOf(t *testing.T, st store.Store, id string) []string {
	t.Helper()
	u, err := profile.New(st).Get(context.Background(), id)
	require.NoError(t, err)
	return u.Friends
}

func requestStatus(t *testing.T, st store.Store, id string) RequestStatus {
	t.Helper()
	d, err := st.Get(context.Background(), requestPath(id))
	require.NoError(t, err)
	var r Request
	require.NoError(t, d.Decode(&r))
	return r.Status
}

func TestSendRequestSnapshotsSender(t *testing.T) {
	ctx := context.Background()
	st := setup(t)
	alice := New(st, "alice", AcceptBestEffort)

	id, err := alice.SendRequest(ctx, "bob")
	require.NoError(t, err)

	d, err := st.Get(ctx, requestPath(id))
	require.NoError(t, err)
	var r Request
	require.NoError(t, d.Decode(&r))
	assert.Equal(t, Request{
		ID: id, From: "alice", FromName: "Alice", FromPhoto: "p/alice",
		To: "bob", Status: StatusPending, CreatedAt: r.CreatedAt,
	}, r)
	assert.NotZero(t, r.CreatedAt)
}

func TestSendRequestValidation(t *testing.T) {
	st := setup(t)
	alice := New(st, "alice", AcceptBestEffort)
	_, err := alice.SendRequest(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrSelfRequest)
	_, err = alice.SendRequest(context.Background(), " ")
	assert.ErrorIs(t, err, ErrNoRecipient)

	docs, err := st.Query(context.Background(), store.Collection(store.CollectionRequests))
	require.NoError(t, err)
	assert.Empty(t, docs, "validation happens before any write")
}

func TestDuplicateRequestsAllowed(t *testing.T) {
	ctx := context.Background()
	st := setup(t)
	alice := New(st, "alice", AcceptBestEffort)
	bob := New(st, "bob", AcceptBestEffort)

	_, err := alice.SendRequest(ctx, "bob")
	require.NoError(t, err)
	_, err = alice.SendRequest(ctx, "bob")
	require.NoError(t, err)

	pending, err := bob.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestAcceptIsSymmetricAndIdempotent(t *testing.T) {
	ctx := context.Background()
	st := setup(t)
	alice := New(st, "alice", AcceptBestEffort)
	bob := New(st, "bob", AcceptBestEffort)

	id, err := alice.SendRequest(ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, bob.AcceptRequest(ctx, id, "alice"))
	require.NoError(t, bob.AcceptRequest(ctx, id, "alice"))

	assert.Equal(t, []string{"alice"}, friendsOf(t, st, "bob"))
	assert.Equal(t, []string{"bob"}, friendsOf(t, st, "alice"))
	assert.Equal(t, StatusAccepted, requestStatus(t, st, id))

	pending, err := bob.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAcceptChecks(t *testing.T) {
	ctx := context.Background()
	st := setup(t)
	alice := New(st, "alice", AcceptBestEffort)
	bob := New(st, "bob", AcceptBestEffort)
	carol := New(st, "carol", AcceptBestEffort)

	id, err := alice.SendRequest(ctx, "bob")
	require.NoError(t, err)

	assert.ErrorIs(t, carol.AcceptRequest(ctx, id, "alice"), ErrNotRecipient)
	assert.ErrorIs(t, bob.AcceptRequest(ctx, id, "carol"), ErrSenderMismatch)

	require.NoError(t, bob.RejectRequest(ctx, id))
	assert.ErrorIs(t, bob.AcceptRequest(ctx, id, "alice"), ErrRequestClosed)
	assert.Empty(t, friendsOf(t, st, "bob"))
	assert.Equal(t, StatusRejected, requestStatus(t, st, id))

	assert.ErrorIs(t, carol.RejectRequest(ctx, id), ErrNotRecipient)
}

func TestBestEffortPartialFailureThenRepair(t *testing.T) {
	ctx := context.Background()
	st := setup(t)
	alice := New(st, "alice", AcceptBestEffort)
	bob := New(st, "bob", AcceptBestEffort)
	id, err := alice.SendRequest(ctx, "bob")
	require.NoError(t, err)

	denied := errors.New("permission denied")
	st.FailWrites = func(op string, p store.Path) error {
		if p == userPath("alice") {
			return denied
		}
		return nil
	}
	assert.ErrorIs(t, bob.AcceptRequest(ctx, id, "alice"), denied)

	// First write landed, the rest did not; nothing was rolled back.
	assert.Equal(t, []string{"alice"}, friendsOf(t, st, "bob"))
	assert.Empty(t, friendsOf(t, st, "alice"))
	assert.Equal(t, StatusPending, requestStatus(t, st, id))

	st.FailWrites = nil
	require.NoError(t, bob.AcceptRequest(ctx, id, "alice"))
	assert.Equal(t, []string{"alice"}, friendsOf(t, st, "bob"))
	assert.Equal(t, []string{"bob"}, friendsOf(t, st, "alice"))
}

func TestTransactionalAcceptRollsBack(t *testing.T) {
	ctx := context.Background()
	st := setup(t)
	alice := New(st, "alice", AcceptBestEffort)
	bob := New(st, "bob", AcceptTransactional)
	id, err := alice.SendRequest(ctx, "bob")
	require.NoError(t, err)

	denied := errors.New("permission denied")
	st.FailWrites = func(op string, p store.Path) error {
		if p == requestPath(id) {
			return denied
		}
		return nil
	}
	assert.ErrorIs(t, bob.AcceptRequest(ctx, id, "alice"), denied)
	assert.Empty(t, friendsOf(t, st, "bob"))
	assert.Empty(t, friendsOf(t, st, "alice"))

	st.FailWrites = nil
	require.NoError(t, bob.AcceptRequest(ctx, id, "alice"))
	assert.Equal(t, []string{"alice"}, friendsOf(t, st, "bob"))
	assert.Equal(t, []string{"bob"}, friendsOf(t, st, "alice"))
}

// plainStore hides RunTx.
type plainStore struct{ store.Store }

func TestTransactionalNeedsTransactor(t *testing.T) {
	ctx := context.Background()
	st := setup(t)
	id, err := New(st, "alice", AcceptBestEffort).SendRequest(ctx, "bob")
	require.NoError(t, err)

	bob := New(plainStore{st}, "bob", AcceptTransactional)
	assert.ErrorIs(t, bob.AcceptRequest(ctx, id, "alice"), store.ErrNoTransactions)
}

func TestRemoveFriend(t *testing.T) {
	ctx := context.Background()
	st := setup(t)
	alice := New(st, "alice", AcceptBestEffort)
	bob := New(st, "bob", AcceptBestEffort)
	id, err := alice.SendRequest(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, bob.AcceptRequest(ctx, id, "alice"))

	require.NoError(t, alice.RemoveFriend(ctx, "bob"))
	assert.Empty(t, friendsOf(t, st, "alice"))
	assert.Empty(t, friendsOf(t, st, "bob"))
}

func TestWatchPending(t *testing.T) {
	ctx := context.Background()
	st := setup(t)
	alice := New(st, "alice", AcceptBestEffort)
	bob := New(st, "bob", AcceptBestEffort)

	ch, cancel, err := bob.WatchPending(ctx)
	require.NoError(t, err)
	defer cancel()

	id, err := alice.SendRequest(ctx, "bob")
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case reqs := <-ch:
			if len(reqs) == 1 {
				assert.Equal(t, id, reqs[0].ID)
				assert.Equal(t, "Alice", reqs[0].FromName)
				return
			}
		case <-deadline:
			t.Fatal("pending request not delivered")
		}
	}
}
