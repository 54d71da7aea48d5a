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

	"go.uber.org/zap"

	"github.com/coraldb/coral-go/coral/pool"
	"github.com/coraldb/coral-go/internal/bridge"
	"github.com/coraldb/coral-go/internal/util/lazyerrors"
)

// fetchState is the batch fetch protocol state.
type fetchState int

// Batch fetch protocol states.
// Exhausted is terminal: no further network fetch is attempted.
const (
	fetchUnstarted fetchState = iota
	fetchAwaitingInitial
	fetchAwaitingGetMore
	fetchActive
	fetchExhausted
)

// String implements fmt.Stringer.
func (s fetchState) String() string {
	switch s {
	case fetchUnstarted:
		return "Unstarted"
	case fetchAwaitingInitial:
		return "AwaitingInitial"
	case fetchAwaitingGetMore:
		return "AwaitingGetMore"
	case fetchActive:
		return "Active"
	case fetchExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// refresh performs one network round trip and deposits the resulting batch
// into the buffer: the initial query for an unstarted cursor, a getmore for
// an active one, or a streamed batch read in exhaust mode.
//
// The caller must hold c.m and must have checked that the protocol is not
// exhausted yet.
func (c *Cursor) refresh(ctx context.Context) error {
	cl := c.coll.db.c
	ns := c.coll.Namespace()

	var batch *Batch
	var err error

	switch {
	case !c.started:
		c.started = true
		c.fstate = fetchAwaitingInitial

		spec := c.spec

		if spec.Mode == Exhaust {
			var conn pool.Conn

			if conn, err = cl.p.AcquireDedicated(ctx); err != nil {
				return c.fetchFailed(err)
			}

			c.conn = conn

			batch, err = bridge.Run(ctx, cl.b, func() (*Batch, error) {
				return cl.t.QueryExhaust(ns, &spec, conn)
			})
		} else {
			batch, err = bridge.Run(ctx, cl.b, func() (*Batch, error) {
				return cl.t.Query(ns, &spec)
			})
		}

	case c.spec.Mode == Exhaust:
		c.fstate = fetchAwaitingGetMore

		conn := c.conn

		batch, err = bridge.Run(ctx, cl.b, func() (*Batch, error) {
			return cl.t.ReadBatch(conn)
		})

	default:
		c.fstate = fetchAwaitingGetMore

		id, batchSize, maxTimeMS := c.id, c.spec.BatchSize, c.spec.MaxTimeMS

		batch, err = bridge.Run(ctx, cl.b, func() (*Batch, error) {
			return cl.t.GetMore(ns, id, batchSize, maxTimeMS)
		})
	}

	if err != nil {
		return c.fetchFailed(err)
	}

	c.id = batch.ID
	c.buf = append(c.buf, batch.Docs...)
	c.retrieved += int64(len(batch.Docs))

	if batch.ID == 0 {
		c.fstate = fetchExhausted

		// the server has streamed everything; the connection is reusable
		if c.conn != nil {
			cl.p.Release(c.conn)
			c.conn = nil
		}

		return nil
	}

	c.fstate = fetchActive

	// The server closes the cursor once the limit is reached;
	// guard against one that does not.
	if c.spec.Limit > 0 && c.retrieved >= c.spec.Limit {
		c.l.Debug("Limit reached with open server cursor", zap.Int64("id", c.id))

		id := c.id
		l := c.l
		c.id = 0
		c.fstate = fetchExhausted

		cl.b.Enqueue(func() {
			if err := cl.t.KillCursor(ns, id); err != nil {
				l.Warn("Failed to kill cursor at limit", zap.Int64("id", id), zap.Error(err))
			}
		})
	}

	return nil
}

// fetchFailed records a failed round trip: the handle is cleared so that no
// further getmore or kill is attempted against it, except for the
// best-effort kill of an explicit Close. A held exhaust connection is
// discarded, since its protocol state is no longer well-defined.
//
// The caller must hold c.m.
func (c *Cursor) fetchFailed(err error) error {
	c.staleID = c.id
	c.id = 0
	c.fstate = fetchExhausted

	if c.conn != nil {
		c.coll.db.c.p.Discard(c.conn)
		c.conn = nil
	}

	return lazyerrors.Error(err)
}
