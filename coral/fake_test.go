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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/coraldb/coral-go/coral/pool"
	"github.com/coraldb/coral-go/internal/util/must"
	"github.com/coraldb/coral-go/internal/util/testutil"
)

// fakeServer implements Transport over an in-memory ordered document set.
// It keeps the same cursor bookkeeping a real server would:
// skip and limit are applied to the initial query, open cursors are
// addressable by handle until exhausted or killed, and the final batch of a
// non-tailable cursor carries a zero handle.
type fakeServer struct {
	mu sync.Mutex

	docs []bson.Raw

	nextID  int64
	cursors map[int64]*serverCursor
	streams map[pool.Conn][]*Batch

	queries  int
	getmores int
	kills    int

	// when set, any operation with a time budget fails with MaxTimeMSExpired,
	// emulating the maxTimeAlwaysTimeOut fail point
	failMaxTime bool
}

// serverCursor is the server-side state of one open cursor.
type serverCursor struct {
	pos      int   // next index into the server's document set
	remain   int64 // documents still allowed by limit; negative means unlimited
	tailable bool
}

// newFakeServer creates a server holding n documents {_id: 0} .. {_id: n-1}.
func newFakeServer(n int) *fakeServer {
	s := &fakeServer{
		cursors: map[int64]*serverCursor{},
		streams: map[pool.Conn][]*Batch{},
	}

	for i := 0; i < n; i++ {
		s.docs = append(s.docs, must.NotFail(bson.Marshal(bson.D{{Key: "_id", Value: int32(i)}})))
	}

	return s
}

// insert appends documents to the set; open tailable cursors observe them.
func (s *fakeServer) insert(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := len(s.docs)
	for i := 0; i < n; i++ {
		s.docs = append(s.docs, must.NotFail(bson.Marshal(bson.D{{Key: "_id", Value: int32(start + i)}})))
	}
}

// setFailMaxTime toggles the time budget fail point.
func (s *fakeServer) setFailMaxTime(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failMaxTime = fail
}

// counts returns a snapshot of the operation counters.
func (s *fakeServer) counts() (queries, getmores, kills int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queries, s.getmores, s.kills
}

// take returns up to batchSize documents starting at cur.pos and advances the cursor.
// A zero batchSize means all remaining documents.
func (s *fakeServer) take(cur *serverCursor, batchSize int32) []bson.Raw {
	n := len(s.docs) - cur.pos
	if batchSize > 0 && int(batchSize) < n {
		n = int(batchSize)
	}

	if cur.remain >= 0 && cur.remain < int64(n) {
		n = int(cur.remain)
	}

	docs := s.docs[cur.pos : cur.pos+n]
	cur.pos += n

	if cur.remain >= 0 {
		cur.remain -= int64(n)
	}

	return docs
}

// done reports whether the cursor has nothing left to serve.
func (s *fakeServer) done(cur *serverCursor) bool {
	if cur.tailable {
		return false
	}

	return cur.pos >= len(s.docs) || cur.remain == 0
}

// Query implements Transport.
func (s *fakeServer) Query(ns Namespace, spec *QuerySpec) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries++

	if s.failMaxTime && spec.MaxTimeMS > 0 {
		return nil, NewCommandError(CodeMaxTimeMSExpired, "operation exceeded time limit")
	}

	cur := &serverCursor{
		pos:      int(spec.Skip),
		remain:   -1,
		tailable: spec.Mode == Tailable || spec.Mode == TailableAwait,
	}

	if cur.pos > len(s.docs) {
		cur.pos = len(s.docs)
	}

	singleBatch := spec.Limit < 0

	switch {
	case spec.Limit > 0:
		cur.remain = spec.Limit
	case spec.Limit < 0:
		cur.remain = -spec.Limit
	}

	docs := s.take(cur, spec.BatchSize)

	if singleBatch || s.done(cur) {
		return &Batch{ID: 0, Docs: docs}, nil
	}

	s.nextID++
	s.cursors[s.nextID] = cur

	return &Batch{ID: s.nextID, Docs: docs}, nil
}

// GetMore implements Transport.
func (s *fakeServer) GetMore(ns Namespace, id int64, batchSize int32, maxTimeMS int64) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getmores++

	if s.failMaxTime && maxTimeMS > 0 {
		return nil, NewCommandError(CodeMaxTimeMSExpired, "operation exceeded time limit")
	}

	cur, ok := s.cursors[id]
	if !ok {
		return nil, NewCommandError(CodeCursorNotFound, fmt.Sprintf("cursor id %d not found", id))
	}

	docs := s.take(cur, batchSize)

	if s.done(cur) {
		delete(s.cursors, id)
		return &Batch{ID: 0, Docs: docs}, nil
	}

	return &Batch{ID: id, Docs: docs}, nil
}

// KillCursor implements Transport.
func (s *fakeServer) KillCursor(ns Namespace, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kills++
	delete(s.cursors, id)

	return nil
}

// QueryExhaust implements Transport.
// The whole result is chopped into batches upfront and attached to the
// connection; ReadBatch streams them back one by one.
func (s *fakeServer) QueryExhaust(ns Namespace, spec *QuerySpec, conn pool.Conn) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries++

	if s.failMaxTime && spec.MaxTimeMS > 0 {
		return nil, NewCommandError(CodeMaxTimeMSExpired, "operation exceeded time limit")
	}

	cur := &serverCursor{
		pos:    int(spec.Skip),
		remain: -1,
	}

	if cur.pos > len(s.docs) {
		cur.pos = len(s.docs)
	}

	s.nextID++
	id := s.nextID

	var batches []*Batch

	for {
		docs := s.take(cur, spec.BatchSize)
		batch := &Batch{ID: id, Docs: docs}
		batches = append(batches, batch)

		if s.done(cur) {
			batch.ID = 0
			break
		}
	}

	s.streams[conn] = batches[1:]

	return batches[0], nil
}

// ReadBatch implements Transport.
func (s *fakeServer) ReadBatch(conn pool.Conn) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getmores++

	batches := s.streams[conn]
	if len(batches) == 0 {
		return nil, fmt.Errorf("no streamed batch pending for %v", conn)
	}

	s.streams[conn] = batches[1:]

	return batches[0], nil
}

// check interfaces
var (
	_ Transport = (*fakeServer)(nil)
)

// streamConn is a connection for exhaust tests.
type streamConn struct {
	closed atomic.Bool
}

// Close implements pool.Conn.
func (c *streamConn) Close() error {
	c.closed.Store(true)
	return nil
}

// setup creates a client over the given server and returns a collection handle.
// The client is closed when the test finishes.
func setup(tb testing.TB, s *fakeServer, opts *ClientOptions) *Collection {
	tb.Helper()

	if opts == nil {
		opts = new(ClientOptions)
	}

	if opts.Logger == nil {
		opts.Logger = testutil.Logger(tb)
	}

	client := NewClient(s, opts)
	tb.Cleanup(client.Close)

	return client.Database("test").Collection("values")
}

// docID extracts the _id of a document produced by newFakeServer.
func docID(tb testing.TB, doc bson.Raw) int32 {
	tb.Helper()

	id, ok := doc.Lookup("_id").Int32OK()
	require.True(tb, ok, "document %s has no int32 _id", doc)

	return id
}

// drain pulls all remaining documents through the pull protocol.
func drain(tb testing.TB, c *Cursor) []int32 {
	tb.Helper()

	ctx := testutil.Ctx(tb)

	var ids []int32

	for {
		ok, err := c.FetchNext(ctx)
		require.NoError(tb, err)

		if !ok {
			return ids
		}

		for doc := c.NextObject(); doc != nil; doc = c.NextObject() {
			ids = append(ids, docID(tb, doc))
		}
	}
}

// seq returns the expected _id sequence [start, stop).
func seq(start, stop int32) []int32 {
	ids := make([]int32, 0, stop-start)
	for i := start; i < stop; i++ {
		ids = append(ids, i)
	}

	return ids
}
