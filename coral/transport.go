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
	"go.mongodb.org/mongo-driver/bson"

	"github.com/coraldb/coral-go/coral/pool"
)

// Mode is a cursor mode, fixed at construction.
type Mode int

// Cursor modes.
const (
	_ Mode = iota
	Normal
	Tailable
	TailableAwait
	Exhaust
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Normal:
		return "Normal"
	case Tailable:
		return "Tailable"
	case TailableAwait:
		return "TailableAwait"
	case Exhaust:
		return "Exhaust"
	default:
		return "Unknown"
	}
}

// Namespace identifies a collection within a database.
type Namespace struct {
	DB         string
	Collection string
}

// String implements fmt.Stringer.
func (ns Namespace) String() string {
	return ns.DB + "." + ns.Collection
}

// QuerySpec is the full configuration of a single query.
type QuerySpec struct {
	Filter     any
	Projection any
	Sort       any
	Skip       int64
	Limit      int64 // 0 means no limit; negative means a single batch of up to -Limit documents
	BatchSize  int32
	MaxTimeMS  int64
	Mode       Mode
}

// Batch is one set of documents returned by a query or getmore round trip,
// together with the server-side cursor handle.
// A zero ID means the server reports the cursor as exhausted.
type Batch struct {
	ID   int64
	Docs []bson.Raw
}

// Transport is the blocking retrieval collaborator.
//
// All methods block the calling goroutine for the duration of the network
// round trip; the cursor engine only invokes them through the bridge.
// Server-side failures are reported as *CommandError.
type Transport interface {
	// Query sends the initial query and returns the first batch.
	Query(ns Namespace, spec *QuerySpec) (*Batch, error)

	// QueryExhaust sends the initial query over a dedicated connection
	// that the server will stream all subsequent batches to.
	QueryExhaust(ns Namespace, spec *QuerySpec, conn pool.Conn) (*Batch, error)

	// ReadBatch reads the next streamed batch from a dedicated connection.
	ReadBatch(conn pool.Conn) (*Batch, error)

	// GetMore requests the next batch for an open server-side cursor.
	GetMore(ns Namespace, id int64, batchSize int32, maxTimeMS int64) (*Batch, error)

	// KillCursor notifies the server that the cursor is no longer needed.
	KillCursor(ns Namespace, id int64) error
}
