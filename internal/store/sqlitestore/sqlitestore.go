// Package sqlitestore is a durable Reactive Store on SQLite. Live queries are
// served in-process: every committed write re-evaluates the subscriptions of
// the touched collection.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/petervdpas/infinitchat/internal/store"
)

// FileName is the database file created inside the data directory.
const FileName = "store.db"

// DB wraps a SQLite database holding documents.
type DB struct {
	db   *sql.DB
	path string
	clk  clock.Clock
	hub  *store.Hub

	// SQLite allows one writer; mu serializes writes like the connection
	// would anyway, and lets reads run concurrently.
	mu sync.RWMutex
}

var (
	_ store.Store      = (*DB)(nil)
	_ store.Transactor = (*DB)(nil)
)

// Open opens or creates the store in dir.
func Open(dir string, clk clock.Clock) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return OpenFile(filepath.Join(dir, FileName), clk)
}

// OpenFile opens the store at an explicit path. ":memory:" is accepted for
// tests.
func OpenFile(path string, clk clock.Clock) (*DB, error) {
	if clk == nil {
		clk = clock.New()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	d := &DB{db: db, path: path, clk: clk}
	d.hub = store.NewHub(d.Query)
	return d, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

func (d *DB) now() int64 { return d.clk.Now().UnixMilli() }

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q querier, p store.Path) (store.Doc, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM _documents WHERE collection = ? AND id = ?`,
		p.Collection, p.ID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Doc{}, fmt.Errorf("get %s: %w", p, store.ErrNotFound)
	}
	if err != nil {
		return store.Doc{}, fmt.Errorf("get %s: %w", p, err)
	}
	var f store.Fields
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return store.Doc{}, fmt.Errorf("decode %s: %w", p, err)
	}
	return store.Doc{Path: p, Fields: f}, nil
}

func put(ctx context.Context, q querier, p store.Path, f store.Fields) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO _documents (collection, id, data) VALUES (?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		p.Collection, p.ID, string(raw))
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

func del(ctx context.Context, q querier, p store.Path) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM _documents WHERE collection = ? AND id = ?`, p.Collection, p.ID); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

func (d *DB) Get(ctx context.Context, p store.Path) (store.Doc, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return get(ctx, d.db, p)
}

func (d *DB) Set(ctx context.Context, p store.Path, f store.Fields) error {
	if !p.Valid() {
		return fmt.Errorf("set %q: %w", p, store.ErrInvalidPath)
	}
	fields, err := store.Apply(nil, f, d.now())
	if err != nil {
		return err
	}
	d.mu.Lock()
	err = put(ctx, d.db, p, fields)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.hub.Publish(p.Collection)
	return nil
}

func (d *DB) Add(ctx context.Context, collection string, f store.Fields) (string, error) {
	id := uuid.NewString()
	if err := d.Set(ctx, store.At(collection, id), f); err != nil {
		return "", err
	}
	return id, nil
}

func (d *DB) Update(ctx context.Context, p store.Path, f store.Fields) error {
	return d.RunTx(ctx, func(tx store.Tx) error {
		return tx.Update(ctx, p, f)
	})
}

func (d *DB) Delete(ctx context.Context, p store.Path) error {
	if !p.Valid() {
		return fmt.Errorf("delete %q: %w", p, store.ErrInvalidPath)
	}
	d.mu.Lock()
	err := del(ctx, d.db, p)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.hub.Publish(p.Collection)
	return nil
}

func (d *DB) Query(ctx context.Context, q store.Query) ([]store.Doc, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, data FROM _documents WHERE collection = ? ORDER BY rowid`, q.Collection)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var docs []store.Doc
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var f store.Fields
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", q.Collection, id, err)
		}
		docs = append(docs, store.Doc{Path: store.At(q.Collection, id), Fields: f})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return store.Evaluate(q, docs), nil
}

func (d *DB) Subscribe(ctx context.Context, q store.Query) (*store.Subscription, error) {
	return d.hub.Subscribe(ctx, q)
}

// RunTx runs fn inside a SQLite transaction.
func (d *DB) RunTx(ctx context.Context, fn func(tx store.Tx) error) error {
	d.mu.Lock()
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("begin: %w", err)
	}
	tx := &dbTx{tx: sqlTx, now: d.now(), touched: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		d.mu.Unlock()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("commit: %w", err)
	}
	d.mu.Unlock()

	for c := range tx.touched {
		d.hub.Publish(c)
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	d.hub.Close()
	return d.db.Close()
}

type dbTx struct {
	tx      *sql.Tx
	now     int64
	touched map[string]struct{}
}

func (t *dbTx) Get(ctx context.Context, p store.Path) (store.Doc, error) {
	return get(ctx, t.tx, p)
}

func (t *dbTx) Set(ctx context.Context, p store.Path, f store.Fields) error {
	if !p.Valid() {
		return fmt.Errorf("set %q: %w", p, store.ErrInvalidPath)
	}
	fields, err := store.Apply(nil, f, t.now)
	if err != nil {
		return err
	}
	t.touched[p.Collection] = struct{}{}
	return put(ctx, t.tx, p, fields)
}

func (t *dbTx) Update(ctx context.Context, p store.Path, f store.Fields) error {
	if !p.Valid() {
		return fmt.Errorf("update %q: %w", p, store.ErrInvalidPath)
	}
	cur, err := get(ctx, t.tx, p)
	if err != nil {
		return err
	}
	fields, err := store.Apply(cur.Fields, f, t.now)
	if err != nil {
		return err
	}
	t.touched[p.Collection] = struct{}{}
	return put(ctx, t.tx, p, fields)
}

func (t *dbTx) Delete(ctx context.Context, p store.Path) error {
	if !p.Valid() {
		return fmt.Errorf("delete %q: %w", p, store.ErrInvalidPath)
	}
	t.touched[p.Collection] = struct{}{}
	return del(ctx, t.tx, p)
}
