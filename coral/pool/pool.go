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

// Package pool provides a connection pool with dedicated checkouts.
//
// A dedicated checkout removes the connection from the pool's available set
// for exclusive use by one owner. The owner must call exactly one of Release
// (the connection is reusable) or Discard (its protocol state is no longer
// well-defined, so it is closed instead of returned).
package pool

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/coraldb/coral-go/internal/util/lazyerrors"
	"github.com/coraldb/coral-go/internal/util/resource"
)

// Parts of Prometheus metric names.
const (
	namespace = "coral"
	subsystem = "pool"
)

// Conn is a single transport connection managed by the pool.
type Conn interface {
	Close() error
}

// DialFunc establishes a new connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Pool stores idle connections and tracks dedicated checkouts.
//
// All methods are safe for concurrent use.
type Pool struct {
	l    *zap.Logger
	dial DialFunc

	rw        sync.RWMutex
	idle      []Conn
	inUse     map[Conn]string // conn ID, used for logging
	discarded int
	closed    bool

	token *resource.Token
}

// New creates a new Pool that dials connections with the given function.
func New(l *zap.Logger, dial DialFunc) *Pool {
	if dial == nil {
		panic("dial must not be nil")
	}

	p := &Pool{
		l:     l,
		dial:  dial,
		inUse: map[Conn]string{},
		token: resource.NewToken(),
	}

	resource.Track(p, p.token)

	return p
}

// AcquireDedicated checks out a connection for exclusive use,
// removing it from the pool's available set.
// An idle connection is reused if present, otherwise a new one is dialed.
func (p *Pool) AcquireDedicated(ctx context.Context) (Conn, error) {
	p.rw.Lock()

	if p.closed {
		p.rw.Unlock()
		return nil, lazyerrors.New("pool is closed")
	}

	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		id := uuid.NewString()
		p.inUse[conn] = id

		p.rw.Unlock()

		p.l.Debug("Reusing idle connection", zap.String("conn", id))

		return conn, nil
	}

	p.rw.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	p.rw.Lock()
	id := uuid.NewString()
	p.inUse[conn] = id
	p.rw.Unlock()

	p.l.Debug("Dialed dedicated connection", zap.String("conn", id))

	return conn, nil
}

// Release returns a checked-out connection to the available set.
func (p *Pool) Release(conn Conn) {
	p.rw.Lock()

	id, ok := p.inUse[conn]
	if !ok {
		p.rw.Unlock()
		panic("connection was not checked out")
	}

	delete(p.inUse, conn)

	if p.closed {
		p.rw.Unlock()

		_ = conn.Close()

		return
	}

	p.idle = append(p.idle, conn)

	p.rw.Unlock()

	p.l.Debug("Released connection", zap.String("conn", id))
}

// Discard closes a checked-out connection without returning it to the pool.
func (p *Pool) Discard(conn Conn) {
	p.rw.Lock()

	id, ok := p.inUse[conn]
	if !ok {
		p.rw.Unlock()
		panic("connection was not checked out")
	}

	delete(p.inUse, conn)
	p.discarded++

	p.rw.Unlock()

	if err := conn.Close(); err != nil {
		p.l.Warn("Failed to close discarded connection", zap.String("conn", id), zap.Error(err))
		return
	}

	p.l.Debug("Discarded connection", zap.String("conn", id))
}

// Available returns the number of idle connections.
func (p *Pool) Available() int {
	p.rw.RLock()
	defer p.rw.RUnlock()

	return len(p.idle)
}

// InUse returns the number of dedicated checkouts.
func (p *Pool) InUse() int {
	p.rw.RLock()
	defer p.rw.RUnlock()

	return len(p.inUse)
}

// Close closes all idle connections.
// Connections still checked out are closed when they are released or discarded.
func (p *Pool) Close() {
	p.rw.Lock()

	if p.closed {
		p.rw.Unlock()
		return
	}

	p.closed = true

	idle := p.idle
	p.idle = nil
	held := maps.Values(p.inUse)

	p.rw.Unlock()

	for _, conn := range idle {
		_ = conn.Close()
	}

	if len(held) > 0 {
		p.l.Warn("Pool closed with connections still checked out", zap.Strings("conns", held))
	}

	resource.Untrack(p, p.token)
}

// Describe implements prometheus.Collector.
func (p *Pool) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(p, ch)
}

// Collect implements prometheus.Collector.
func (p *Pool) Collect(ch chan<- prometheus.Metric) {
	p.rw.RLock()

	idle := len(p.idle)
	inUse := len(p.inUse)
	discarded := p.discarded

	p.rw.RUnlock()

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "available"),
			"The current number of idle connections.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(idle),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "in_use"),
			"The current number of dedicated checkouts.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(inUse),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "discarded_total"),
			"The total number of discarded connections.",
			nil, nil,
		),
		prometheus.CounterValue,
		float64(discarded),
	)
}

// check interfaces
var (
	_ prometheus.Collector = (*Pool)(nil)
)
