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

// Package bridge runs blocking transport calls on dedicated worker goroutines,
// delivering results back to awaiting goroutines without ever blocking them
// beyond their own context.
package bridge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/coraldb/coral-go/internal/util/lazyerrors"
	"github.com/coraldb/coral-go/internal/util/resource"
)

// Bridge owns a fixed set of worker goroutines executing blocking closures.
//
// All methods are safe for concurrent use.
type Bridge struct {
	l      *zap.Logger
	jobs   chan func()
	closed chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	token  *resource.Token
}

// New creates a Bridge with the given number of workers.
func New(l *zap.Logger, workers int) *Bridge {
	if workers < 1 {
		panic("workers must be positive")
	}

	b := &Bridge{
		l:      l,
		jobs:   make(chan func(), workers),
		closed: make(chan struct{}),
		token:  resource.NewToken(),
	}

	resource.Track(b, b.token)

	for i := 0; i < workers; i++ {
		b.wg.Add(1)

		go func() {
			defer b.wg.Done()
			b.worker()
		}()
	}

	return b
}

// worker executes jobs until the bridge is closed, then drains the queue.
func (b *Bridge) worker() {
	for {
		select {
		case <-b.closed:
			for {
				select {
				case fn := <-b.jobs:
					fn()
				default:
					return
				}
			}

		case fn := <-b.jobs:
			fn()
		}
	}
}

// Enqueue schedules fn for execution without waiting for its completion.
// It never blocks the caller: if the queue is full or the bridge is closed,
// fn runs on a fresh goroutine instead.
//
// It is used for deferred cleanup notifications that must not perform
// blocking I/O on the scheduling goroutine.
func (b *Bridge) Enqueue(fn func()) {
	select {
	case <-b.closed:
		go fn()
		return
	default:
	}

	select {
	case b.jobs <- fn:
	default:
		go fn()
	}
}

// Close stops the workers after draining already scheduled jobs.
func (b *Bridge) Close() {
	b.once.Do(func() {
		close(b.closed)
		b.wg.Wait()

		resource.Untrack(b, b.token)

		b.l.Debug("Bridge closed")
	})
}

// result carries a completed call's value or error.
type result[T any] struct {
	v   T
	err error
}

// Run executes fn on a bridge worker and waits for its result.
//
// An error returned by fn is returned to the caller as-is.
// If ctx is canceled first, Run returns ctx.Err() while fn keeps running
// to completion in the background; cancellation is cooperative and does
// not abort in-flight I/O.
func Run[T any](ctx context.Context, b *Bridge, fn func() (T, error)) (T, error) {
	done := make(chan result[T], 1)

	job := func() {
		v, err := fn()
		done <- result[T]{v: v, err: err}
	}

	var zero T

	select {
	case b.jobs <- job:
	case <-b.closed:
		return zero, lazyerrors.New("bridge is closed")
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
