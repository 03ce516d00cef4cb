package status

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/infinitchat/internal/blob"
	"github.com/petervdpas/infinitchat/internal/profile"
	"github.com/petervdpas/infinitchat/internal/store"
	"github.com/petervdpas/infinitchat/internal/store/memstore"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) int64 { return base.Add(d).UnixMilli() }

func TestVisibleWindowAndFriends(t *testing.T) {
	self := profile.User{ID: "me", Friends: []string{"f"}}
	now := base
	all := []Status{
		{ID: "1", UID: "me", CreatedAt: at(-25 * time.Hour)},
		{ID: "2", UID: "stranger", CreatedAt: at(-time.Hour)},
		{ID: "3", UID: "f", CreatedAt: at(-2 * time.Hour)},
		{ID: "4", UID: "me", CreatedAt: at(-23 * time.Hour)},
		{ID: "5", UID: "f", CreatedAt: at(-24 * time.Hour)},
	}

	got := Visible(all, self, now, DefaultTTL)
	var ids []string
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"3", "4"}, ids)
}

func TestVisibleCollapsesPerAuthor(t *testing.T) {
	self := profile.User{ID: "me", Friends: []string{"f"}}
	all := []Status{
		{ID: "new", UID: "f", CreatedAt: at(-time.Minute)},
		{ID: "old", UID: "f", CreatedAt: at(-time.Hour)},
	}
	got := Visible(all, self, base, DefaultTTL)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func newBroadcaster(t *testing.T, blobs blob.Store) (*Broadcaster, *memstore.Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(base)
	st := memstore.New(mock)
	return New(st, blobs, mock, 0), st, mock
}

func TestPostAndFeed(t *testing.T) {
	ctx := context.Background()
	b, _, mock := newBroadcaster(t, nil)
	author := profile.User{ID: "me", DisplayName: "Me", PhotoURL: "p"}

	_, err := b.Post(ctx, author, Draft{Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyStatus)

	id, err := b.Post(ctx, author, Draft{Text: "hello", Background: "#000"})
	require.NoError(t, err)

	feed, err := b.Feed(ctx, author)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, Status{
		ID: id, UID: "me", DisplayName: "Me", PhotoURL: "p", Text: "hello",
		Background: "#000", CreatedAt: base.UnixMilli(), Views: []string{},
	}, feed[0])

	mock.Add(25 * time.Hour)
	feed, err = b.Feed(ctx, author)
	require.NoError(t, err)
	assert.Empty(t, feed, "expired for the author too")
}

func TestRecordViewSkipsAuthor(t *testing.T) {
	ctx := context.Background()
	b, st, _ := newBroadcaster(t, nil)
	id, err := b.Post(ctx, profile.User{ID: "me"}, Draft{Text: "x"})
	require.NoError(t, err)
	s := Status{ID: id, UID: "me"}

	require.NoError(t, b.RecordView(ctx, s, "me"))
	require.NoError(t, b.RecordView(ctx, s, "f"))
	require.NoError(t, b.RecordView(ctx, s, "f"))

	d, err := st.Get(ctx, store.At(store.CollectionStatus, id))
	require.NoError(t, err)
	assert.Equal(t, []any{"f"}, d.Fields["views"])
}

func TestDeleteAuthorOnly(t *testing.T) {
	ctx := context.Background()
	b, st, _ := newBroadcaster(t, nil)
	id, err := b.Post(ctx, profile.User{ID: "me"}, Draft{Text: "x"})
	require.NoError(t, err)
	s := Status{ID: id, UID: "me"}

	assert.ErrorIs(t, b.Delete(ctx, s, "f"), ErrNotAuthor)
	require.NoError(t, b.Delete(ctx, s, "me"))
	_, err = st.Get(ctx, store.At(store.CollectionStatus, id))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostImage(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newBroadcaster(t, nil)
	_, err := b.PostImage(ctx, profile.User{ID: "me"}, "", strings.NewReader("x"), 1, "image/png")
	assert.ErrorIs(t, err, ErrNoBlobStore)

	mem := blob.NewMemory("mem://blobs")
	b, _, _ = newBroadcaster(t, mem)
	_, err = b.PostImage(ctx, profile.User{ID: "me"}, "cap", strings.NewReader("x"), 1, "image/png")
	require.NoError(t, err)

	feed, err := b.Feed(ctx, profile.User{ID: "me"})
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.True(t, strings.HasPrefix(feed[0].Image, "mem://blobs/status/me/"), feed[0].Image)
	assert.Equal(t, "cap", feed[0].Text)
}

func TestWatchRefiltersPerSnapshot(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newBroadcaster(t, nil)
	self := profile.User{ID: "me"}

	ch, cancel, err := b.Watch(ctx, func() profile.User { return self })
	require.NoError(t, err)
	defer cancel()

	_, err = b.Post(ctx, profile.User{ID: "stranger"}, Draft{Text: "hidden"})
	require.NoError(t, err)
	_, err = b.Post(ctx, self, Draft{Text: "mine"})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case list := <-ch:
			if len(list) == 1 && list[0].Text == "mine" {
				return
			}
			for _, s := range list {
				assert.NotEqual(t, "stranger", s.UID)
			}
		case <-deadline:
			t.Fatal("own status not delivered")
		}
	}
}
