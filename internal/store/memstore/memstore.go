// Package memstore is an in-process Reactive Store. It backs tests and the
// single-process demo mode.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/petervdpas/infinitchat/internal/store"
)

type entry struct {
	fields store.Fields
	seq    int64
}

// Store keeps every document in memory.
type Store struct {
	clk clock.Clock
	hub *store.Hub

	mu     sync.RWMutex
	cols   map[string]map[string]*entry
	seq    int64
	closed bool

	// FailWrites, when set, is consulted before every write and its error
	// returned instead of applying the write. Tests use it to simulate a
	// store that rejects some writes.
	FailWrites func(op string, p store.Path) error
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.Transactor = (*Store)(nil)
)

// New returns an empty store using clk for server timestamps.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	s := &Store{
		clk:  clk,
		cols: make(map[string]map[string]*entry),
	}
	s.hub = store.NewHub(s.Query)
	return s
}

func (s *Store) now() int64 { return s.clk.Now().UnixMilli() }

func (s *Store) check(op string, p store.Path) error {
	if !p.Valid() {
		return fmt.Errorf("%s %q: %w", op, p, store.ErrInvalidPath)
	}
	if s.FailWrites != nil {
		if err := s.FailWrites(op, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(_ context.Context, p store.Path) (store.Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Doc{}, store.ErrClosed
	}
	e, ok := s.cols[p.Collection][p.ID]
	if !ok {
		return store.Doc{}, fmt.Errorf("get %s: %w", p, store.ErrNotFound)
	}
	return store.Doc{Path: p, Fields: store.Clone(e.fields)}, nil
}

func (s *Store) Set(_ context.Context, p store.Path, f store.Fields) error {
	if err := s.check("set", p); err != nil {
		return err
	}
	fields, err := store.Apply(nil, f, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	s.put(p, fields)
	s.mu.Unlock()

	s.hub.Publish(p.Collection)
	return nil
}

func (s *Store) Add(ctx context.Context, collection string, f store.Fields) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, store.At(collection, id), f); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Update(_ context.Context, p store.Path, f store.Fields) error {
	if err := s.check("update", p); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	e, ok := s.cols[p.Collection][p.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update %s: %w", p, store.ErrNotFound)
	}
	fields, err := store.Apply(e.fields, f, s.now())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	e.fields = fields
	s.mu.Unlock()

	s.hub.Publish(p.Collection)
	return nil
}

func (s *Store) Delete(_ context.Context, p store.Path) error {
	if err := s.check("delete", p); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	delete(s.cols[p.Collection], p.ID)
	s.mu.Unlock()

	s.hub.Publish(p.Collection)
	return nil
}

func (s *Store) Query(_ context.Context, q store.Query) ([]store.Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return store.Evaluate(q, s.list(q.Collection)), nil
}

func (s *Store) Subscribe(ctx context.Context, q store.Query) (*store.Subscription, error) {
	return s.hub.Subscribe(ctx, q)
}

// RunTx runs fn against a staged view of the store. Writes are applied only
// when fn returns nil.
func (s *Store) RunTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	tx := &memTx{s: s, staged: make(map[store.Path]store.Fields)}
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}
	touched := make(map[string]struct{})
	for _, p := range tx.order {
		f := tx.staged[p]
		if f == nil {
			delete(s.cols[p.Collection], p.ID)
		} else {
			s.put(p, f)
		}
		touched[p.Collection] = struct{}{}
	}
	s.mu.Unlock()

	for c := range touched {
		s.hub.Publish(c)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
	return nil
}

// put stores fields at p, keeping the original insertion order for an
// existing document. Caller holds mu.
func (s *Store) put(p store.Path, fields store.Fields) {
	col, ok := s.cols[p.Collection]
	if !ok {
		col = make(map[string]*entry)
		s.cols[p.Collection] = col
	}
	if e, ok := col[p.ID]; ok {
		e.fields = fields
		return
	}
	s.seq++
	col[p.ID] = &entry{fields: fields, seq: s.seq}
}

// list returns the documents of collection in insertion order. Caller holds mu.
func (s *Store) list(collection string) []store.Doc {
	col := s.cols[collection]
	type row struct {
		id string
		e  *entry
	}
	rows := make([]row, 0, len(col))
	for id, e := range col {
		rows = append(rows, row{id, e})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].e.seq < rows[j].e.seq })

	out := make([]store.Doc, len(rows))
	for i, r := range rows {
		out[i] = store.Doc{Path: store.At(collection, r.id), Fields: store.Clone(r.e.fields)}
	}
	return out
}

type memTx struct {
	s      *Store
	staged map[store.Path]store.Fields // nil value = deleted
	order  []store.Path
}

func (t *memTx) stage(p store.Path, f store.Fields) {
	if _, ok := t.staged[p]; !ok {
		t.order = append(t.order, p)
	}
	t.staged[p] = f
}

func (t *memTx) lookup(p store.Path) (store.Fields, bool) {
	if f, ok := t.staged[p]; ok {
		return f, f != nil
	}
	e, ok := t.s.cols[p.Collection][p.ID]
	if !ok {
		return nil, false
	}
	return e.fields, true
}

func (t *memTx) Get(_ context.Context, p store.Path) (store.Doc, error) {
	f, ok := t.lookup(p)
	if !ok {
		return store.Doc{}, fmt.Errorf("get %s: %w", p, store.ErrNotFound)
	}
	return store.Doc{Path: p, Fields: store.Clone(f)}, nil
}

func (t *memTx) Set(_ context.Context, p store.Path, f store.Fields) error {
	if err := t.s.check("set", p); err != nil {
		return err
	}
	fields, err := store.Apply(nil, f, t.s.now())
	if err != nil {
		return err
	}
	t.stage(p, fields)
	return nil
}

func (t *memTx) Update(_ context.Context, p store.Path, f store.Fields) error {
	if err := t.s.check("update", p); err != nil {
		return err
	}
	base, ok := t.lookup(p)
	if !ok {
		return fmt.Errorf("update %s: %w", p, store.ErrNotFound)
	}
	fields, err := store.Apply(base, f, t.s.now())
	if err != nil {
		return err
	}
	t.stage(p, fields)
	return nil
}

func (t *memTx) Delete(_ context.Context, p store.Path) error {
	if err := t.s.check("delete", p); err != nil {
		return err
	}
	t.stage(p, nil)
	return nil
}
