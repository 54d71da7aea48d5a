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

	"go.mongodb.org/mongo-driver/bson"

	"github.com/coraldb/coral-go/internal/util/iterator"
	"github.com/coraldb/coral-go/internal/util/lazyerrors"
)

// FetchNext makes at least one more document available to NextObject,
// fetching the next batch over the network if the buffer is empty.
// It returns false once the server reports exhaustion and no buffered
// documents remain; repeated calls then keep returning false without I/O.
//
// While the buffer is nonempty, FetchNext returns true immediately.
func (c *Cursor) FetchNext(ctx context.Context) (bool, error) {
	c.m.Lock()
	defer c.m.Unlock()

	if c.deferred != nil {
		return false, c.deferred
	}

	if len(c.buf) > 0 {
		return true, nil
	}

	if c.empty || c.closed {
		return false, nil
	}

	for {
		if c.fstate == fetchExhausted {
			return false, nil
		}

		if err := c.refresh(ctx); err != nil {
			return false, err
		}

		if len(c.buf) > 0 {
			return true, nil
		}

		if c.fstate == fetchExhausted {
			return false, nil
		}

		// A tailable cursor stays open with no data currently available;
		// report that without spinning on getmore.
		if c.spec.Mode == Tailable || c.spec.Mode == TailableAwait {
			return false, nil
		}
	}
}

// ToList fetches up to length documents and returns them in order.
// Successive calls compose: they continue where the previous one stopped.
//
// A negative length is a usage error; a tailable cursor cannot be listed,
// since it never reports exhaustion.
func (c *Cursor) ToList(ctx context.Context, length int) ([]bson.Raw, error) {
	if err := c.checkList(); err != nil {
		return nil, err
	}

	if length < 0 {
		return nil, usageErrorf("list length must be non-negative, got %d", length)
	}

	docs, err := iterator.ConsumeValuesN[struct{}, bson.Raw](&cursorIterator{ctx: ctx, c: c}, length)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return docs, nil
}

// All fetches all remaining documents and returns them in order.
// Like ToList, it is invalid for tailable cursors.
func (c *Cursor) All(ctx context.Context) ([]bson.Raw, error) {
	if err := c.checkList(); err != nil {
		return nil, err
	}

	docs, err := iterator.ConsumeValues[struct{}, bson.Raw](&cursorIterator{ctx: ctx, c: c})
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return docs, nil
}

// checkList validates that the cursor can be drained into a list.
func (c *Cursor) checkList() error {
	c.m.Lock()
	defer c.m.Unlock()

	if c.deferred != nil {
		return c.deferred
	}

	if c.spec.Mode == Tailable || c.spec.Mode == TailableAwait {
		return invalidOperationf("cannot list a tailable cursor")
	}

	return nil
}

// cursorIterator adapts the pull protocol to iterator.Interface.
// Closing it does not close the cursor, so successive consumers compose.
type cursorIterator struct {
	ctx context.Context
	c   *Cursor
}

// Next implements iterator.Interface.
func (it *cursorIterator) Next() (struct{}, bson.Raw, error) {
	ok, err := it.c.FetchNext(it.ctx)
	if err != nil {
		return struct{}{}, nil, err
	}

	if !ok {
		return struct{}{}, nil, iterator.ErrIteratorDone
	}

	return struct{}{}, it.c.NextObject(), nil
}

// Close implements iterator.Interface.
func (it *cursorIterator) Close() {}

// check interfaces
var (
	_ iterator.Interface[struct{}, bson.Raw] = (*cursorIterator)(nil)
)
