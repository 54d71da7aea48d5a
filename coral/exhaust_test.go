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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/coraldb/coral-go/coral/pool"
	"github.com/coraldb/coral-go/internal/util/testutil"
)

// dialer dials streamConns and remembers them.
type dialer struct {
	mu    sync.Mutex
	conns []*streamConn
}

func (d *dialer) dial(context.Context) (pool.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	conn := new(streamConn)
	d.conns = append(d.conns, conn)

	return conn, nil
}

func (d *dialer) dialed() []*streamConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]*streamConn(nil), d.conns...)
}

// setupExhaust creates a client with a connection pool over the given server.
func setupExhaust(tb testing.TB, s *fakeServer) (*Collection, *pool.Pool, *dialer) {
	tb.Helper()

	l := testutil.Logger(tb)

	d := new(dialer)
	p := pool.New(l.Named("pool"), d.dial)

	coll := setup(tb, s, &ClientOptions{
		Logger: l,
		Pool:   p,
	})

	return coll, p, d
}

func TestExhaust(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	s := newFakeServer(20)
	coll, p, d := setupExhaust(t, s)

	c := coll.FindExhaust(bson.D{}).BatchSize(5)

	ok, err := c.FetchNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// the dedicated connection is owned by the cursor, not the pool
	assert.Equal(t, 1, p.InUse())
	assert.Zero(t, p.Available())

	ids := drain(t, c)
	assert.Equal(t, seq(0, 20), ids)

	// the stream is fully drained; the connection is back in the pool
	assert.Zero(t, p.InUse())
	assert.Equal(t, 1, p.Available())

	require.Len(t, d.dialed(), 1)
	assert.False(t, d.dialed()[0].closed.Load())

	queries, reads, _ := s.counts()
	assert.Equal(t, 1, queries)
	assert.Equal(t, 3, reads)
}

func TestExhaustEarlyClose(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	s := newFakeServer(20)
	coll, p, d := setupExhaust(t, s)

	c := coll.FindExhaust(bson.D{}).BatchSize(5)

	ok, err := c.FetchNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// closing mid-stream leaves undrained batches on the wire,
	// so the connection cannot be reused
	require.NoError(t, c.Close(ctx))

	assert.Zero(t, p.InUse())
	assert.Zero(t, p.Available())

	require.Len(t, d.dialed(), 1)
	assert.True(t, d.dialed()[0].closed.Load())
}

func TestExhaustRewind(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	s := newFakeServer(20)
	coll, _, d := setupExhaust(t, s)

	c := coll.FindExhaust(bson.D{}).BatchSize(5)

	ok, err := c.FetchNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// the abandoned stream's connection is discarded and a fresh one dialed
	ids := drain(t, c.Rewind())
	assert.Equal(t, seq(0, 20), ids)

	conns := d.dialed()
	require.Len(t, conns, 2)
	assert.True(t, conns[0].closed.Load())
	assert.False(t, conns[1].closed.Load())
}

func TestExhaustWithoutPool(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	s := newFakeServer(20)
	coll := setup(t, s, nil)

	_, err := coll.FindExhaust(bson.D{}).FetchNext(ctx)

	var ioe *InvalidOperationError
	require.ErrorAs(t, err, &ioe)
	assert.Contains(t, ioe.Message, "pool")
}

func TestExhaustRestrictions(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	s := newFakeServer(20)
	coll, _, _ := setupExhaust(t, s)

	var ioe *InvalidOperationError

	_, err := coll.FindExhaust(bson.D{}).Limit(5).FetchNext(ctx)
	require.ErrorAs(t, err, &ioe)

	_, err = coll.FindExhaust(bson.D{}).At(3).FetchNext(ctx)
	require.ErrorAs(t, err, &ioe)

	_, err = coll.FindExhaust(bson.D{}).Slice(1, 2).FetchNext(ctx)
	require.ErrorAs(t, err, &ioe)

	_, err = coll.FindExhaust(bson.D{}).SliceFrom(1).FetchNext(ctx)
	require.ErrorAs(t, err, &ioe)

	queries, _, _ := s.counts()
	assert.Zero(t, queries)
}
