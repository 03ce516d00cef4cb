// Package store defines the Reactive Store the rest of infinitchat is written
// against: a document database with push-based live queries and atomic
// set-union / set-removal updates on array fields.
//
// Backends live in sub-packages (memstore, sqlitestore, redisstore). They share
// query evaluation, update application and subscription fan-out from this
// package so they agree on semantics.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("document not found")
	ErrInvalidPath    = errors.New("invalid document path")
	ErrClosed         = errors.New("store closed")
	ErrNoTransactions = errors.New("store does not support transactions")
)

// Collections used by the application.
const (
	CollectionUsers    = "users"
	CollectionRequests = "friendRequests"
	CollectionStatus   = "status"
	CollectionSignals  = "signals"
)

// Path addresses one document.
type Path struct {
	Collection string
	ID         string
}

// At returns the path of document id inside collection.
func At(collection, id string) Path {
	return Path{Collection: collection, ID: id}
}

func (p Path) String() string {
	return p.Collection + "/" + p.ID
}

// Valid reports whether both parts of the path are set.
func (p Path) Valid() bool {
	return p.Collection != "" && p.ID != ""
}

// Fields is the field map of a document. Values written through a Store are
// normalized to their JSON shape (numbers become float64, slices []any) so
// every backend returns the same representation.
type Fields map[string]any

// Doc is one document as returned by Get, Query and subscriptions.
type Doc struct {
	Path   Path
	Fields Fields
}

// ID returns the document id.
func (d Doc) ID() string { return d.Path.ID }

// Snapshot is the full result set of a live query at one point in time.
type Snapshot struct {
	Docs []Doc
}

// Reader is the read half of a Store or transaction.
type Reader interface {
	Get(ctx context.Context, p Path) (Doc, error)
}

// Writer is the write half of a Store or transaction.
type Writer interface {
	Set(ctx context.Context, p Path, f Fields) error
	Update(ctx context.Context, p Path, f Fields) error
	Delete(ctx context.Context, p Path) error
}

// Tx is the view of the store inside RunTx.
type Tx interface {
	Reader
	Writer
}

// Store is the Reactive Store contract.
type Store interface {
	Reader
	Writer

	// Add creates a document with a generated id in collection.
	Add(ctx context.Context, collection string, f Fields) (string, error)

	// Query runs q once.
	Query(ctx context.Context, q Query) ([]Doc, error)

	// Subscribe delivers the current result of q immediately and again after
	// every change to q's collection. A slow consumer only ever sees the
	// latest snapshot. The subscription ends on Cancel or when ctx is done.
	Subscribe(ctx context.Context, q Query) (*Subscription, error)

	Close() error
}

// Transactor is implemented by stores that can apply several writes
// atomically.
type Transactor interface {
	RunTx(ctx context.Context, fn func(tx Tx) error) error
}
