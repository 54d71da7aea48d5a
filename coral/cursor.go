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

package coral

import (
	"context"
	"runtime"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/coraldb/coral-go/coral/pool"
	"github.com/coraldb/coral-go/internal/bridge"
	"github.com/coraldb/coral-go/internal/util/lazyerrors"
)

// Cursor iterates over query results in batches.
//
// Configuration methods are chainable and must be called before iteration
// starts; a misused cursor records its first configuration error and every
// subsequent operation returns it before performing any I/O.
//
// A Cursor is not safe for concurrent iteration: at most one FetchNext or
// Each step may be in flight at a time. Close may be called from any
// goroutine. A cursor that is discarded without Close schedules the
// server-side kill notification from its finalizer; it never performs
// blocking I/O at teardown time.
type Cursor struct {
	coll *Collection
	l    *zap.Logger

	m        sync.Mutex
	spec     QuerySpec
	empty    bool  // query can never match anything; no I/O is ever performed
	deferred error // first configuration error, surfaced by the next operation

	fstate    fetchState
	id        int64     // server-side cursor handle; 0 means none
	staleID   int64     // handle captured before a failed fetch, for best-effort kill on Close
	conn      pool.Conn // dedicated exhaust connection, nil unless held
	buf       []bson.Raw
	retrieved int64
	started   bool
	closed    bool
}

// newCursor creates a new cursor over the collection.
// No I/O is performed; the mode is fixed for the cursor's lifetime.
func newCursor(coll *Collection, filter any, mode Mode) *Cursor {
	if mode == 0 {
		panic("cursor mode must be specified")
	}

	cl := coll.db.c

	c := &Cursor{
		coll: coll,
		l:    cl.l.Named("cursor").With(zap.Stringer("ns", coll.Namespace()), zap.Stringer("mode", mode)),
		spec: QuerySpec{
			Filter: filter,
			Mode:   mode,
		},
	}

	// The finalizer only schedules cleanup; it must not capture c,
	// and it must not block on network I/O.
	runtime.SetFinalizer(c, (*Cursor).discard)

	return c
}

// setDeferred records the first configuration error.
// Callers must hold c.m or own the cursor exclusively.
func (c *Cursor) setDeferred(err error) {
	if c.deferred == nil {
		c.deferred = err
	}
}

// Projection sets the fields to return.
func (c *Cursor) Projection(v any) *Cursor {
	c.m.Lock()
	defer c.m.Unlock()

	if c.started {
		c.setDeferred(usageErrorf("cannot set projection after cursor has started"))
		return c
	}

	c.spec.Projection = v

	return c
}

// Sort sets the sort order.
func (c *Cursor) Sort(v any) *Cursor {
	c.m.Lock()
	defer c.m.Unlock()

	if c.started {
		c.setDeferred(usageErrorf("cannot set sort after cursor has started"))
		return c
	}

	c.spec.Sort = v

	return c
}

// Skip sets the number of matching documents to omit from the result.
func (c *Cursor) Skip(n int64) *Cursor {
	c.m.Lock()
	defer c.m.Unlock()

	switch {
	case c.started:
		c.setDeferred(usageErrorf("cannot set skip after cursor has started"))
	case n < 0:
		c.setDeferred(usageErrorf("skip must be non-negative, got %d", n))
	default:
		c.spec.Skip = n
	}

	return c
}

// Limit sets the maximum number of documents to return.
// Zero means no limit and clears a previously applied empty slice.
func (c *Cursor) Limit(n int64) *Cursor {
	c.m.Lock()
	defer c.m.Unlock()

	switch {
	case c.started:
		c.setDeferred(usageErrorf("cannot set limit after cursor has started"))
	case c.spec.Mode == Exhaust:
		c.setDeferred(invalidOperationf("cannot set limit on an exhaust cursor"))
	case n < 0:
		c.setDeferred(usageErrorf("limit must be non-negative, got %d", n))
	default:
		c.spec.Limit = n
		c.empty = false
	}

	return c
}

// BatchSize sets the number of documents to return per batch.
func (c *Cursor) BatchSize(n int32) *Cursor {
	c.m.Lock()
	defer c.m.Unlock()

	switch {
	case c.started:
		c.setDeferred(usageErrorf("cannot set batch size after cursor has started"))
	case n < 0:
		c.setDeferred(usageErrorf("batch size must be non-negative, got %d", n))
	default:
		c.spec.BatchSize = n
	}

	return c
}

// MaxTimeMS sets the server-enforced time budget for the query, in milliseconds.
func (c *Cursor) MaxTimeMS(n int64) *Cursor {
	c.m.Lock()
	defer c.m.Unlock()

	switch {
	case c.started:
		c.setDeferred(usageErrorf("cannot set max time after cursor has started"))
	case n < 0:
		c.setDeferred(usageErrorf("max time must be non-negative, got %d", n))
	default:
		c.spec.MaxTimeMS = n
	}

	return c
}

// At restricts the cursor to the single document at the given offset,
// equivalent to Skip(n) with a limit of exactly one document.
// An out-of-range offset yields an empty result, not an error.
// Any previously set skip and limit are overwritten.
func (c *Cursor) At(n int64) *Cursor {
	c.m.Lock()
	defer c.m.Unlock()

	switch {
	case c.started:
		c.setDeferred(usageErrorf("cannot index after cursor has started"))
	case c.spec.Mode == Exhaust:
		c.setDeferred(invalidOperationf("cannot index an exhaust cursor"))
	case n < 0:
		c.setDeferred(usageErrorf("index must be non-negative, got %d", n))
	default:
		c.spec.Skip = n
		c.spec.Limit = -1
		c.empty = false
	}

	return c
}

// Slice restricts the cursor to documents in the half-open range [start, stop),
// equivalent to Skip(start) and Limit(stop-start).
// start == stop yields an always-empty cursor that performs no I/O.
// Any previously set skip and limit are overwritten.
func (c *Cursor) Slice(start, stop int64) *Cursor {
	c.m.Lock()
	defer c.m.Unlock()

	switch {
	case c.started:
		c.setDeferred(usageErrorf("cannot slice after cursor has started"))
	case c.spec.Mode == Exhaust:
		c.setDeferred(invalidOperationf("cannot slice an exhaust cursor"))
	case start < 0 || stop < 0:
		c.setDeferred(usageErrorf("slice bounds must be non-negative, got [%d:%d]", start, stop))
	case stop < start:
		c.setDeferred(usageErrorf("slice stop must not be less than start, got [%d:%d]", start, stop))
	default:
		c.spec.Skip = start
		c.spec.Limit = stop - start
		c.empty = stop == start
	}

	return c
}

// SliceFrom restricts the cursor to documents starting at the given offset,
// with no limit, equivalent to Skip(start) and Limit(0).
// Any previously set skip and limit are overwritten.
func (c *Cursor) SliceFrom(start int64) *Cursor {
	c.m.Lock()
	defer c.m.Unlock()

	switch {
	case c.started:
		c.setDeferred(usageErrorf("cannot slice after cursor has started"))
	case c.spec.Mode == Exhaust:
		c.setDeferred(invalidOperationf("cannot slice an exhaust cursor"))
	case start < 0:
		c.setDeferred(usageErrorf("slice bounds must be non-negative, got [%d:]", start))
	default:
		c.spec.Skip = start
		c.spec.Limit = 0
		c.empty = false
	}

	return c
}

// ID returns the server-side cursor handle, or 0 if there is none:
// either the cursor has not started, or the server reported exhaustion.
func (c *Cursor) ID() int64 {
	c.m.Lock()
	defer c.m.Unlock()

	return c.id
}

// Started reports whether the first fetch has been issued.
func (c *Cursor) Started() bool {
	c.m.Lock()
	defer c.m.Unlock()

	return c.started
}

// Alive reports whether the cursor can still yield documents:
// it has buffered documents, an open server-side handle, or has not started yet.
// A closed cursor with buffered documents is still alive.
func (c *Cursor) Alive() bool {
	c.m.Lock()
	defer c.m.Unlock()

	return len(c.buf) > 0 || c.id != 0 || !c.started
}

// RetrievedCount returns the total number of documents delivered to the
// buffer across all batches.
func (c *Cursor) RetrievedCount() int64 {
	c.m.Lock()
	defer c.m.Unlock()

	return c.retrieved
}

// NextObject pops and returns the head of the buffer without I/O.
// It returns nil if the buffer is empty, including before the first FetchNext.
func (c *Cursor) NextObject() bson.Raw {
	c.m.Lock()
	defer c.m.Unlock()

	if len(c.buf) == 0 {
		return nil
	}

	doc := c.buf[0]
	c.buf = c.buf[1:]

	return doc
}

// Rewind resets the cursor to its initial state so the same configuration can
// be iterated again. An open server-side cursor is abandoned without a kill
// notification, since the fresh query fully replaces it; a held exhaust
// connection is discarded because its protocol state is undefined for reuse.
func (c *Cursor) Rewind() *Cursor {
	c.m.Lock()
	defer c.m.Unlock()

	if c.conn != nil {
		c.coll.db.c.p.Discard(c.conn)
		c.conn = nil
	}

	c.fstate = fetchUnstarted
	c.id = 0
	c.staleID = 0
	c.buf = nil
	c.retrieved = 0
	c.started = false
	c.closed = false

	return c
}

// Close sends a kill notification for the current server-side handle, if any,
// and marks the cursor closed. It does not clear the buffer: already
// retrieved documents remain deliverable. A second Close is a no-op.
//
// After a failed fetch, Close still attempts a best-effort kill with the
// handle captured before the failure.
func (c *Cursor) Close(ctx context.Context) error {
	c.m.Lock()

	if c.closed {
		c.m.Unlock()
		return nil
	}

	c.closed = true

	id := c.id
	if id == 0 {
		id = c.staleID
	}

	c.id = 0
	c.staleID = 0

	conn := c.conn
	c.conn = nil

	c.m.Unlock()

	runtime.SetFinalizer(c, nil)

	cl := c.coll.db.c

	// an exhaust connection closed before drain cannot be reused
	if conn != nil {
		cl.p.Discard(conn)
	}

	if id == 0 {
		return nil
	}

	c.l.Debug("Closing cursor", zap.Int64("id", id))

	ns := c.coll.Namespace()

	_, err := bridge.Run(ctx, cl.b, func() (struct{}, error) {
		return struct{}{}, cl.t.KillCursor(ns, id)
	})
	if err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// discard runs as the cursor's finalizer when the last reference is dropped
// without Close. It schedules the kill notification on the bridge and
// discards a held exhaust connection; it never blocks on network I/O,
// since finalizers may run on any goroutine.
func (c *Cursor) discard() {
	id := c.id
	conn := c.conn
	c.id = 0
	c.staleID = 0
	c.conn = nil

	if id == 0 && conn == nil {
		return
	}

	cl := c.coll.db.c
	ns := c.coll.Namespace()
	l := c.l

	cl.b.Enqueue(func() {
		if conn != nil {
			cl.p.Discard(conn)
		}

		if id != 0 {
			l.Debug("Killing discarded cursor", zap.Int64("id", id))

			if err := cl.t.KillCursor(ns, id); err != nil {
				l.Warn("Failed to kill discarded cursor", zap.Int64("id", id), zap.Error(err))
			}
		}
	})
}
