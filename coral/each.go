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
)

// EachFunc is invoked by Each once per document, in order, never concurrently.
// Exactly one of doc and err is set, except for the final completion call,
// where both are nil. Returning false cancels the iteration; the cursor
// remains alive and a later Each call resumes where this one stopped.
type EachFunc func(doc bson.Raw, err error) bool

// Each schedules a driver loop that pulls documents and delivers each one to
// fn. It returns immediately; fn is invoked from the driver goroutine.
//
// On exhaustion, fn is invoked exactly once with (nil, nil).
// On a fetch error, fn is invoked exactly once with (nil, err) and the loop
// stops. If ctx is canceled, the loop stops after the in-flight fetch:
// cancellation is cooperative and non-preemptive.
func (c *Cursor) Each(ctx context.Context, fn EachFunc) {
	go func() {
		for {
			ok, err := c.FetchNext(ctx)
			if err != nil {
				fn(nil, err)
				return
			}

			if !ok {
				fn(nil, nil)
				return
			}

			doc := c.NextObject()
			if doc == nil {
				// another consumer raced us for the buffered document
				continue
			}

			if !fn(doc, nil) {
				return
			}
		}
	}()
}
