// Package redisstore is a Reactive Store shared between processes through
// Redis. Each document is a JSON string key; a sorted set per collection keeps
// insertion order; writers publish the collection name on a change channel so
// every process re-evaluates its live queries.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/redis/go-redis/v9"

	"github.com/petervdpas/infinitchat/internal/store"
)

var log = logging.Logger("store")

// maxUpdateRetries bounds optimistic-lock retries in Update.
const maxUpdateRetries = 8

// Options configures the connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key and channel, e.g. "infinitchat:".
	Prefix string
}

// Store implements store.Store on Redis.
type Store struct {
	client *redis.Client
	prefix string
	clk    clock.Clock
	hub    *store.Hub
	ps     *redis.PubSub

	closeOnce sync.Once
}

var _ store.Store = (*Store)(nil)

// New dials Redis and starts listening for change notifications.
func New(ctx context.Context, opts Options, clk clock.Clock) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	s, err := NewWithClient(ctx, client, opts.Prefix, clk)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// NewWithClient wraps an existing client. Close closes the client.
func NewWithClient(ctx context.Context, client *redis.Client, prefix string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &Store{
		client: client,
		prefix: prefix,
		clk:    clk,
	}
	s.hub = store.NewHub(s.Query)

	s.ps = client.PSubscribe(ctx, s.changes("*"))
	// Wait for the subscription to be confirmed so no write made after New
	// returns can be missed.
	if _, err := s.ps.Receive(ctx); err != nil {
		s.ps.Close()
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}
	go s.listen()
	return s, nil
}

func (s *Store) listen() {
	trim := s.changes("")
	for msg := range s.ps.Channel() {
		s.hub.Publish(strings.TrimPrefix(msg.Channel, trim))
	}
}

func (s *Store) docKey(p store.Path) string { return s.prefix + "doc:" + p.Collection + ":" + p.ID }
func (s *Store) idxKey(c string) string      { return s.prefix + "idx:" + c }
func (s *Store) seqKey() string              { return s.prefix + "seq" }
func (s *Store) changes(c string) string     { return s.prefix + "changes:" + c }

func (s *Store) now() int64 { return s.clk.Now().UnixMilli() }

// notify tells every process that collection changed. A failed notification
// is logged; the write itself already succeeded.
func (s *Store) notify(ctx context.Context, collection string) {
	if err := s.client.Publish(ctx, s.changes(collection), "").Err(); err != nil {
		log.Warnf("STORE: notify %s: %v", collection, err)
	}
}

func decode(p store.Path, raw string) (store.Doc, error) {
	var f store.Fields
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return store.Doc{}, fmt.Errorf("decode %s: %w", p, err)
	}
	return store.Doc{Path: p, Fields: f}, nil
}

func (s *Store) Get(ctx context.Context, p store.Path) (store.Doc, error) {
	raw, err := s.client.Get(ctx, s.docKey(p)).Result()
	if errors.Is(err, redis.Nil) {
		return store.Doc{}, fmt.Errorf("get %s: %w", p, store.ErrNotFound)
	}
	if err != nil {
		return store.Doc{}, fmt.Errorf("get %s: %w", p, err)
	}
	return decode(p, raw)
}

func (s *Store) Set(ctx context.Context, p store.Path, f store.Fields) error {
	if !p.Valid() {
		return fmt.Errorf("set %q: %w", p, store.ErrInvalidPath)
	}
	fields, err := store.Apply(nil, f, s.now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(p), data, 0)
		pipe.ZAddNX(ctx, s.idxKey(p.Collection), redis.Z{Score: float64(seq), Member: p.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}
	s.notify(ctx, p.Collection)
	return nil
}

func (s *Store) Add(ctx context.Context, collection string, f store.Fields) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, store.At(collection, id), f); err != nil {
		return "", err
	}
	return id, nil
}

// Update applies f with WATCH/MULTI so concurrent array unions from
// different processes do not overwrite each other.
func (s *Store) Update(ctx context.Context, p store.Path, f store.Fields) error {
	if !p.Valid() {
		return fmt.Errorf("update %q: %w", p, store.ErrInvalidPath)
	}
	key := s.docKey(p)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("update %s: %w", p, store.ErrNotFound)
		}
		if err != nil {
			return err
		}
		cur, err := decode(p, raw)
		if err != nil {
			return err
		}
		fields, err := store.Apply(cur.Fields, f, s.now())
		if err != nil {
			return err
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode %s: %w", p, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return err
		}
		s.notify(ctx, p.Collection)
		return nil
	}
	return fmt.Errorf("update %s: %w", p, redis.TxFailedErr)
}

func (s *Store) Delete(ctx context.Context, p store.Path) error {
	if !p.Valid() {
		return fmt.Errorf("delete %q: %w", p, store.ErrInvalidPath)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.docKey(p))
		pipe.ZRem(ctx, s.idxKey(p.Collection), p.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	s.notify(ctx, p.Collection)
	return nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Doc, error) {
	ids, err := s.client.ZRange(ctx, s.idxKey(q.Collection), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	if len(ids) == 0 {
		return []store.Doc{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(store.At(q.Collection, id))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}

	docs := make([]store.Doc, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // deleted between ZRANGE and MGET
		}
		d, err := decode(store.At(q.Collection, ids[i]), raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return store.Evaluate(q, docs), nil
}

func (s *Store) Subscribe(ctx context.Context, q store.Query) (*store.Subscription, error) {
	return s.hub.Subscribe(ctx, q)
}

// Close stops change delivery and closes the client.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.ps.Close()
		s.hub.Close()
		err = s.client.Close()
	})
	return err
}
