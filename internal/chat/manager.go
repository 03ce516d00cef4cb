package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/infinitchat/internal/metrics"
	"github.com/petervdpas/infinitchat/internal/store"
	"github.com/petervdpas/infinitchat/internal/util"
)

var log = logging.Logger("chat")

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoPeer       = errors.New("chat needs another user")
)

// DefaultBufferSize is the number of sent messages kept for Recent.
const DefaultBufferSize = 100

// Manager opens chat sessions for the signed-in user.
type Manager struct {
	st     store.Store
	selfID string
	sent   *util.RingBuffer[Message]
}

func New(st store.Store, selfID string, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Manager{
		st:     st,
		selfID: selfID,
		sent:   util.NewRingBuffer[Message](bufferSize),
	}
}

// Open returns the session with peerID.
func (m *Manager) Open(peerID string) (*Session, error) {
	if peerID == "" || peerID == m.selfID {
		return nil, ErrNoPeer
	}
	return &Session{
		m:      m,
		peerID: peerID,
		thread: ThreadID(m.selfID, peerID),
	}, nil
}

// Recent returns the messages this process sent, oldest first.
func (m *Manager) Recent() []Message {
	return m.sent.Snapshot()
}

// Session is the conversation between the signed-in user and one peer.
type Session struct {
	m      *Manager
	peerID string
	thread string
}

func (s *Session) Thread() string { return s.thread }
func (s *Session) PeerID() string { return s.peerID }

func (s *Session) query() store.Query {
	return store.Collection(threadCollection(s.thread)).Ordered("timestamp", false)
}

// Send writes one message. Blank text is rejected before any write; a failed
// write is returned and not retried. Once the write has landed Send succeeds:
// if the stored copy cannot be read back, the message is built locally.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}
	id, err := s.m.st.Add(ctx, threadCollection(s.thread), store.Fields{
		"thread":    s.thread,
		"from":      s.m.selfID,
		"to":        s.peerID,
		"content":   text,
		"timestamp": store.ServerTimestamp(),
	})
	metrics.ChatMessage(err)
	if err != nil {
		return Message{}, fmt.Errorf("send message: %w", err)
	}

	msg, err := s.readBack(ctx, id)
	if err != nil {
		log.Warnf("CHAT [%s]: read back %s: %v", s.thread, id, err)
		msg = Message{
			ID:        id,
			Thread:    s.thread,
			From:      s.m.selfID,
			To:        s.peerID,
			Content:   text,
			Timestamp: time.Now().UnixMilli(),
		}
	}
	s.m.sent.Push(msg)
	log.Debugf("CHAT [%s]: sent %s to %s", s.thread, id, s.peerID)
	return msg, nil
}

func (s *Session) readBack(ctx context.Context, id string) (Message, error) {
	d, err := s.m.st.Get(ctx, store.At(threadCollection(s.thread), id))
	if err != nil {
		return Message{}, err
	}
	var msg Message
	err = d.Decode(&msg)
	return msg, err
}

// History reads the thread once, oldest first.
func (s *Session) History(ctx context.Context) ([]Message, error) {
	docs, err := s.m.st.Query(ctx, s.query())
	if err != nil {
		return nil, err
	}
	return store.DecodeAll[Message](docs)
}

// Watch streams the full thread, oldest first, after every change.
func (s *Session) Watch(ctx context.Context) (<-chan []Message, func(), error) {
	return store.Watch(ctx, s.m.st, s.query(), func(snap store.Snapshot) ([]Message, bool) {
		msgs, err := store.DecodeAll[Message](snap.Docs)
		if err != nil {
			log.Warnf("CHAT [%s]: decode thread: %v", s.thread, err)
			return nil, false
		}
		return msgs, true
	})
}
