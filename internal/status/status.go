// Package status implements short-lived statuses visible to the author and
// the author's friends.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/infinitchat/internal/blob"
	"github.com/petervdpas/infinitchat/internal/metrics"
	"github.com/petervdpas/infinitchat/internal/profile"
	"github.com/petervdpas/infinitchat/internal/store"
)

var log = logging.Logger("status")

// DefaultTTL is how long a status stays visible.
const DefaultTTL = 24 * time.Hour

var (
	ErrEmptyStatus = errors.New("status needs text or an image")
	ErrNotAuthor   = errors.New("only the author can delete a status")
	ErrNoBlobStore = errors.New("image uploads are not configured")
)

// Status is a status/{id} document.
type Status struct {
	ID          string   `json:"id"`
	UID         string   `json:"uid"`
	DisplayName string   `json:"displayName"`
	PhotoURL    string   `json:"photoURL"`
	Text        string   `json:"text"`
	Image       string   `json:"image"`
	Background  string   `json:"background"`
	CreatedAt   int64    `json:"createdAt"`
	Views       []string `json:"views"`
}

// Draft is what the author submits.
type Draft struct {
	Text       string
	Image      string
	Background string
}

// Broadcaster posts and reads statuses.
type Broadcaster struct {
	st    store.Store
	blobs blob.Store
	clk   clock.Clock
	ttl   time.Duration
}

// New returns a Broadcaster. blobs may be nil, which disables PostImage.
func New(st store.Store, blobs blob.Store, clk clock.Clock, ttl time.Duration) *Broadcaster {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Broadcaster{st: st, blobs: blobs, clk: clk, ttl: ttl}
}

func statusPath(id string) store.Path { return store.At(store.CollectionStatus, id) }

// Post publishes a status with a snapshot of the author's name and photo.
func (b *Broadcaster) Post(ctx context.Context, author profile.User, d Draft) (string, error) {
	text := strings.TrimSpace(d.Text)
	image := strings.TrimSpace(d.Image)
	if text == "" && image == "" {
		return "", ErrEmptyStatus
	}
	id, err := b.st.Add(ctx, store.CollectionStatus, store.Fields{
		"uid":         author.ID,
		"displayName": author.DisplayName,
		"photoURL":    author.PhotoURL,
		"text":        text,
		"image":       image,
		"background":  d.Background,
		"createdAt":   store.ServerTimestamp(),
		"views":       []string{},
	})
	metrics.StatusOp("post", err)
	if err != nil {
		return "", fmt.Errorf("post status: %w", err)
	}
	log.Infof("STATUS [%s]: posted %s", author.ID, id)
	return id, nil
}

// PostImage uploads an image and posts it with an optional caption.
func (b *Broadcaster) PostImage(ctx context.Context, author profile.User, text string, r io.Reader, size int64, contentType string) (string, error) {
	if b.blobs == nil {
		return "", ErrNoBlobStore
	}
	key, err := blob.Key("status/"+author.ID, contentType)
	if err != nil {
		return "", err
	}
	url, err := b.blobs.Put(ctx, key, r, size, contentType)
	metrics.StatusOp("upload", err)
	if err != nil {
		return "", fmt.Errorf("upload status image: %w", err)
	}
	return b.Post(ctx, author, Draft{Text: text, Image: url})
}

// RecordView adds viewerID to the status's views. Authors viewing their own
// status are not recorded.
func (b *Broadcaster) RecordView(ctx context.Context, s Status, viewerID string) error {
	if viewerID == "" || viewerID == s.UID {
		return nil
	}
	err := b.st.Update(ctx, statusPath(s.ID), store.Fields{"views": store.ArrayUnion(viewerID)})
	metrics.StatusOp("view", err)
	if err != nil {
		return fmt.Errorf("record view: %w", err)
	}
	return nil
}

// Get reads one status.
func (b *Broadcaster) Get(ctx context.Context, id string) (Status, error) {
	doc, err := b.st.Get(ctx, statusPath(id))
	if err != nil {
		return Status{}, err
	}
	var s Status
	if err := doc.Decode(&s); err != nil {
		return Status{}, fmt.Errorf("decode status %s: %w", id, err)
	}
	return s, nil
}

// Delete removes a status. Only its author may do so.
func (b *Broadcaster) Delete(ctx context.Context, s Status, requesterID string) error {
	if s.UID != requesterID {
		return ErrNotAuthor
	}
	err := b.st.Delete(ctx, statusPath(s.ID))
	metrics.StatusOp("delete", err)
	if err != nil {
		return fmt.Errorf("delete status: %w", err)
	}
	log.Infof("STATUS [%s]: deleted %s", requesterID, s.ID)
	return nil
}

// Visible filters all (newest first) to the statuses self may see and keeps
// the first one per author.
func Visible(all []Status, self profile.User, now time.Time, ttl time.Duration) []Status {
	cutoff := now.Add(-ttl).UnixMilli()
	seen := make(map[string]struct{})
	var out []Status
	for _, s := range all {
		if s.CreatedAt <= cutoff {
			continue
		}
		if s.UID != self.ID && !self.IsFriend(s.UID) {
			continue
		}
		if _, dup := seen[s.UID]; dup {
			continue
		}
		seen[s.UID] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ListVisible applies Visible with the broadcaster's clock and TTL.
func (b *Broadcaster) ListVisible(all []Status, self profile.User) []Status {
	return Visible(all, self, b.clk.Now(), b.ttl)
}

func feedQuery() store.Query {
	return store.Collection(store.CollectionStatus).Ordered("createdAt", true)
}

// Feed reads the visible statuses once.
func (b *Broadcaster) Feed(ctx context.Context, self profile.User) ([]Status, error) {
	docs, err := b.st.Query(ctx, feedQuery())
	if err != nil {
		return nil, err
	}
	all, err := store.DecodeAll[Status](docs)
	if err != nil {
		return nil, err
	}
	return b.ListVisible(all, self), nil
}

// Watch streams the visible statuses. self is read on every snapshot so
// friend list changes take effect on the next status change.
func (b *Broadcaster) Watch(ctx context.Context, self func() profile.User) (<-chan []Status, func(), error) {
	return store.Watch(ctx, b.st, feedQuery(), func(snap store.Snapshot) ([]Status, bool) {
		all, err := store.DecodeAll[Status](snap.Docs)
		if err != nil {
			log.Warnf("STATUS: decode feed: %v", err)
			return nil, false
		}
		return b.ListVisible(all, self()), true
	})
}
