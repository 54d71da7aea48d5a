// Copyright 2024 Coral Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package coral provides non-blocking, batched iteration over query results
// of a document database served by a blocking request/response transport.
//
// A Cursor is created by a Collection without performing any I/O, configured
// with chainable methods, and then driven either by the pull protocol
// (FetchNext/NextObject) or the push protocol (Each). Every network round
// trip runs on a bridge worker goroutine, so the consuming goroutine is
// never blocked beyond its own context.
package coral

import (
	"go.uber.org/zap"

	"github.com/coraldb/coral-go/coral/pool"
	"github.com/coraldb/coral-go/internal/bridge"
)

// defaultWorkers is the default number of bridge workers.
const defaultWorkers = 4

// ClientOptions configures a Client.
type ClientOptions struct {
	// Logger for the client and its cursors. Defaults to zap.NewNop().
	Logger *zap.Logger

	// Pool of dedicated connections, required for exhaust cursors.
	// The client takes ownership and closes it on Close.
	Pool *pool.Pool

	// Workers is the number of bridge worker goroutines.
	Workers int
}

// Client is the entry point for building cursors over a Transport.
type Client struct {
	t Transport
	p *pool.Pool
	b *bridge.Bridge
	l *zap.Logger
}

// NewClient creates a new Client over the given blocking transport.
func NewClient(t Transport, opts *ClientOptions) *Client {
	if t == nil {
		panic("transport must not be nil")
	}

	if opts == nil {
		opts = new(ClientOptions)
	}

	l := opts.Logger
	if l == nil {
		l = zap.NewNop()
	}

	workers := opts.Workers
	if workers == 0 {
		workers = defaultWorkers
	}

	return &Client{
		t: t,
		p: opts.Pool,
		b: bridge.New(l.Named("bridge"), workers),
		l: l,
	}
}

// Close stops the bridge workers and closes the pool, if any.
//
// Cursors created by this client must be closed first.
func (c *Client) Close() {
	c.b.Close()

	if c.p != nil {
		c.p.Close()
	}
}

// Database returns a handle for the named database.
func (c *Client) Database(name string) *Database {
	return &Database{
		c:    c,
		name: name,
	}
}

// Database is a handle for a database.
type Database struct {
	c    *Client
	name string
}

// Name returns the database name.
func (db *Database) Name() string {
	return db.name
}

// Collection returns a handle for the named collection.
func (db *Database) Collection(name string) *Collection {
	return &Collection{
		db:   db,
		name: name,
	}
}

// Collection is a handle for a collection; it builds cursors without I/O.
type Collection struct {
	db   *Database
	name string
}

// Name returns the collection name.
func (coll *Collection) Name() string {
	return coll.name
}

// Namespace returns the collection's namespace.
func (coll *Collection) Namespace() Namespace {
	return Namespace{
		DB:         coll.db.name,
		Collection: coll.name,
	}
}

// Find returns a new cursor over documents matching the filter.
// No I/O is performed until the cursor is iterated.
func (coll *Collection) Find(filter any) *Cursor {
	return newCursor(coll, filter, Normal)
}

// FindTailable returns a new tailable cursor over a capped collection.
// With awaitData, the server blocks a getmore for a while waiting for new documents.
func (coll *Collection) FindTailable(filter any, awaitData bool) *Cursor {
	mode := Tailable
	if awaitData {
		mode = TailableAwait
	}

	return newCursor(coll, filter, mode)
}

// FindExhaust returns a new cursor in exhaust mode: the server streams all
// batches over one dedicated connection acquired from the client's pool.
// The client must be configured with a pool.
func (coll *Collection) FindExhaust(filter any) *Cursor {
	c := newCursor(coll, filter, Exhaust)

	if coll.db.c.p == nil {
		c.setDeferred(invalidOperationf("exhaust mode requires a connection pool"))
	}

	return c
}
