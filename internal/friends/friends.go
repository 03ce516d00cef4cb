// Package friends manages friend requests and the symmetric friends lists on
// user documents.
package friends

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/infinitchat/internal/metrics"
	"github.com/petervdpas/infinitchat/internal/profile"
	"github.com/petervdpas/infinitchat/internal/store"
)

var log = logging.Logger("friends")

var (
	ErrSelfRequest    = errors.New("cannot send friend request to yourself")
	ErrNoRecipient    = errors.New("friend request needs a recipient")
	ErrNotRecipient   = errors.New("only the recipient can accept or reject")
	ErrRequestClosed  = errors.New("friend request was rejected")
	ErrSenderMismatch = errors.New("sender does not match the request")
)

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusAccepted RequestStatus = "accepted"
	StatusRejected RequestStatus = "rejected"
)

// Request is a friendRequests/{id} document. Requests are never deleted;
// the same pair may have several.
type Request struct {
	ID        string        `json:"id"`
	From      string        `json:"from"`
	FromName  string        `json:"fromName"`
	FromPhoto string        `json:"fromPhoto"`
	To        string        `json:"to"`
	Status    RequestStatus `json:"status"`
	CreatedAt int64         `json:"createdAt"`
}

// AcceptMode chooses how the three accept writes are applied.
type AcceptMode int

const (
	// AcceptBestEffort issues three independent writes. A failure part way
	// leaves the earlier writes in place; accepting again repairs it.
	AcceptBestEffort AcceptMode = iota
	// AcceptTransactional commits the three writes together. It needs a
	// store implementing store.Transactor.
	AcceptTransactional
)

// Manager acts on behalf of one signed-in user.
type Manager struct {
	st   store.Store
	self string
	mode AcceptMode
}

func New(st store.Store, self string, mode AcceptMode) *Manager {
	return &Manager{st: st, self: self, mode: mode}
}

func requestPath(id string) store.Path { return store.At(store.CollectionRequests, id) }
func userPath(id string) store.Path    { return store.At(store.CollectionUsers, id) }

// SendRequest creates a pending request from self to to, carrying a snapshot
// of self's name and photo. It does not look for an existing request.
func (m *Manager) SendRequest(ctx context.Context, to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", ErrNoRecipient
	}
	if to == m.self {
		return "", ErrSelfRequest
	}

	var me profile.User
	d, err := m.st.Get(ctx, userPath(m.self))
	if err != nil {
		return "", fmt.Errorf("load own profile: %w", err)
	}
	if err := d.Decode(&me); err != nil {
		return "", err
	}

	id, err := m.st.Add(ctx, store.CollectionRequests, store.Fields{
		"from":      m.self,
		"fromName":  me.DisplayName,
		"fromPhoto": me.PhotoURL,
		"to":        to,
		"status":    string(StatusPending),
		"createdAt": store.ServerTimestamp(),
	})
	metrics.FriendOp("send", err)
	if err != nil {
		return "", fmt.Errorf("send friend request: %w", err)
	}
	log.Infof("FRIENDS [%s]: request %s sent to %s", m.self, id, to)
	return id, nil
}

func (m *Manager) getRequest(ctx context.Context, r store.Reader, id string) (Request, error) {
	d, err := r.Get(ctx, requestPath(id))
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := d.Decode(&req); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (m *Manager) checkAccept(req Request, fromID string) error {
	if req.To != m.self {
		return ErrNotRecipient
	}
	if req.Status == StatusRejected {
		return ErrRequestClosed
	}
	if req.From != fromID {
		return ErrSenderMismatch
	}
	return nil
}

type write struct {
	path   store.Path
	fields store.Fields
}

// acceptWrites are the three writes of an accept, in order.
func (m *Manager) acceptWrites(requestID, fromID string) []write {
	return []write{
		{userPath(m.self), store.Fields{"friends": store.ArrayUnion(fromID)}},
		{userPath(fromID), store.Fields{"friends": store.ArrayUnion(m.self)}},
		{requestPath(requestID), store.Fields{"status": string(StatusAccepted)}},
	}
}

// AcceptRequest makes self and fromID friends and marks the request
// accepted. Accepting an already accepted request runs the writes again,
// which repairs a friendship left one-sided by an earlier partial failure.
func (m *Manager) AcceptRequest(ctx context.Context, requestID, fromID string) error {
	var err error
	switch m.mode {
	case AcceptTransactional:
		err = m.acceptTx(ctx, requestID, fromID)
	default:
		err = m.acceptBestEffort(ctx, requestID, fromID)
	}
	metrics.FriendOp("accept", err)
	if err != nil {
		return err
	}
	log.Infof("FRIENDS [%s]: accepted request %s from %s", m.self, requestID, fromID)
	return nil
}

func (m *Manager) acceptBestEffort(ctx context.Context, requestID, fromID string) error {
	req, err := m.getRequest(ctx, m.st, requestID)
	if err != nil {
		return err
	}
	if err := m.checkAccept(req, fromID); err != nil {
		return err
	}
	for i, w := range m.acceptWrites(requestID, fromID) {
		if err := m.st.Update(ctx, w.path, w.fields); err != nil {
			log.Warnf("FRIENDS [%s]: accept %s stopped at write %d: %v", m.self, requestID, i+1, err)
			return fmt.Errorf("accept request %s: %w", requestID, err)
		}
	}
	return nil
}

func (m *Manager) acceptTx(ctx context.Context, requestID, fromID string) error {
	tr, ok := m.st.(store.Transactor)
	if !ok {
		return store.ErrNoTransactions
	}
	return tr.RunTx(ctx, func(tx store.Tx) error {
		req, err := m.getRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if err := m.checkAccept(req, fromID); err != nil {
			return err
		}
		for _, w := range m.acceptWrites(requestID, fromID) {
			if err := tx.Update(ctx, w.path, w.fields); err != nil {
				return fmt.Errorf("accept request %s: %w", requestID, err)
			}
		}
		return nil
	})
}

// RejectRequest marks the request rejected. Friends lists are untouched.
func (m *Manager) RejectRequest(ctx context.Context, requestID string) error {
	req, err := m.getRequest(ctx, m.st, requestID)
	if err != nil {
		return err
	}
	if req.To != m.self {
		return ErrNotRecipient
	}
	err = m.st.Update(ctx, requestPath(requestID), store.Fields{"status": string(StatusRejected)})
	metrics.FriendOp("reject", err)
	if err != nil {
		return fmt.Errorf("reject request %s: %w", requestID, err)
	}
	log.Infof("FRIENDS [%s]: rejected request %s", m.self, requestID)
	return nil
}

// RemoveFriend drops the friendship from both lists. Like accept, the two
// writes are independent.
func (m *Manager) RemoveFriend(ctx context.Context, friendID string) error {
	if friendID == m.self {
		return ErrSelfRequest
	}
	err := m.st.Update(ctx, userPath(m.self), store.Fields{"friends": store.ArrayRemove(friendID)})
	if err == nil {
		err = m.st.Update(ctx, userPath(friendID), store.Fields{"friends": store.ArrayRemove(m.self)})
	}
	metrics.FriendOp("remove", err)
	if err != nil {
		return fmt.Errorf("remove friend %s: %w", friendID, err)
	}
	log.Infof("FRIENDS [%s]: removed %s", m.self, friendID)
	return nil
}

// Pending lists the pending requests addressed to self.
func (m *Manager) Pending(ctx context.Context) ([]Request, error) {
	docs, err := m.st.Query(ctx, m.pendingQuery())
	if err != nil {
		return nil, err
	}
	return store.DecodeAll[Request](docs)
}

// WatchPending streams the pending requests addressed to self.
func (m *Manager) WatchPending(ctx context.Context) (<-chan []Request, func(), error) {
	return store.Watch(ctx, m.st, m.pendingQuery(), func(snap store.Snapshot) ([]Request, bool) {
		reqs, err := store.DecodeAll[Request](snap.Docs)
		if err != nil {
			log.Warnf("FRIENDS [%s]: decode requests: %v", m.self, err)
			return nil, false
		}
		return reqs, true
	})
}

func (m *Manager) pendingQuery() store.Query {
	return store.Collection(store.CollectionRequests).
		WhereEq("to", m.self).
		WhereEq("status", string(StatusPending))
}
