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

// Package mongotransport implements the blocking Transport collaborator
// over a MongoDB server, by running find, getMore and killCursors commands
// through the official driver.
//
// Exhaust streaming requires ownership of a raw wire connection, which this
// transport does not expose; exhaust cursors are rejected.
package mongotransport

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coraldb/coral-go/coral"
	"github.com/coraldb/coral-go/coral/pool"
	"github.com/coraldb/coral-go/internal/util/lazyerrors"
)

// Transport runs cursor commands against a MongoDB server.
//
// Its methods block the calling goroutine for the duration of the round trip,
// per the coral.Transport contract; the cursor engine invokes them through
// its bridge. Cancellation is not supported at this level: time budgets are
// enforced server-side via maxTimeMS.
type Transport struct {
	client *mongo.Client
}

// Connect establishes a client for the given MongoDB URI.
func Connect(ctx context.Context, uri string) (*Transport, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return &Transport{client: client}, nil
}

// Close disconnects from the server.
func (t *Transport) Close(ctx context.Context) error {
	return t.client.Disconnect(ctx)
}

// Query implements coral.Transport.
func (t *Transport) Query(ns coral.Namespace, spec *coral.QuerySpec) (*coral.Batch, error) {
	filter := spec.Filter
	if filter == nil {
		filter = bson.D{}
	}

	cmd := bson.D{
		{Key: "find", Value: ns.Collection},
		{Key: "filter", Value: filter},
	}

	if spec.Sort != nil {
		cmd = append(cmd, bson.E{Key: "sort", Value: spec.Sort})
	}

	if spec.Projection != nil {
		cmd = append(cmd, bson.E{Key: "projection", Value: spec.Projection})
	}

	if spec.Skip > 0 {
		cmd = append(cmd, bson.E{Key: "skip", Value: spec.Skip})
	}

	switch {
	case spec.Limit > 0:
		cmd = append(cmd, bson.E{Key: "limit", Value: spec.Limit})
	case spec.Limit < 0:
		cmd = append(cmd, bson.E{Key: "limit", Value: -spec.Limit}, bson.E{Key: "singleBatch", Value: true})
	}

	if spec.BatchSize > 0 {
		cmd = append(cmd, bson.E{Key: "batchSize", Value: spec.BatchSize})
	}

	if spec.MaxTimeMS > 0 {
		cmd = append(cmd, bson.E{Key: "maxTimeMS", Value: spec.MaxTimeMS})
	}

	switch spec.Mode {
	case coral.Tailable:
		cmd = append(cmd, bson.E{Key: "tailable", Value: true})
	case coral.TailableAwait:
		cmd = append(cmd, bson.E{Key: "tailable", Value: true}, bson.E{Key: "awaitData", Value: true})
	case coral.Normal, coral.Exhaust:
		// nothing
	}

	return t.runCursorCommand(ns, cmd, "firstBatch")
}

// QueryExhaust implements coral.Transport.
func (t *Transport) QueryExhaust(coral.Namespace, *coral.QuerySpec, pool.Conn) (*coral.Batch, error) {
	return nil, errors.New("mongotransport: exhaust mode is not supported")
}

// ReadBatch implements coral.Transport.
func (t *Transport) ReadBatch(pool.Conn) (*coral.Batch, error) {
	return nil, errors.New("mongotransport: exhaust mode is not supported")
}

// GetMore implements coral.Transport.
func (t *Transport) GetMore(ns coral.Namespace, id int64, batchSize int32, maxTimeMS int64) (*coral.Batch, error) {
	cmd := bson.D{
		{Key: "getMore", Value: id},
		{Key: "collection", Value: ns.Collection},
	}

	if batchSize > 0 {
		cmd = append(cmd, bson.E{Key: "batchSize", Value: batchSize})
	}

	if maxTimeMS > 0 {
		cmd = append(cmd, bson.E{Key: "maxTimeMS", Value: maxTimeMS})
	}

	return t.runCursorCommand(ns, cmd, "nextBatch")
}

// KillCursor implements coral.Transport.
func (t *Transport) KillCursor(ns coral.Namespace, id int64) error {
	cmd := bson.D{
		{Key: "killCursors", Value: ns.Collection},
		{Key: "cursors", Value: bson.A{id}},
	}

	_, err := t.client.Database(ns.DB).RunCommand(context.Background(), cmd).Raw()
	if err != nil {
		return wrapCommandError(err)
	}

	return nil
}

// runCursorCommand runs a cursor-returning command and extracts the batch
// stored under the given key.
func (t *Transport) runCursorCommand(ns coral.Namespace, cmd bson.D, batchKey string) (*coral.Batch, error) {
	res, err := t.client.Database(ns.DB).RunCommand(context.Background(), cmd).Raw()
	if err != nil {
		return nil, wrapCommandError(err)
	}

	id, ok := res.Lookup("cursor", "id").Int64OK()
	if !ok {
		return nil, lazyerrors.New("malformed cursor response: missing id")
	}

	arr, ok := res.Lookup("cursor", batchKey).ArrayOK()
	if !ok {
		return nil, lazyerrors.Errorf("malformed cursor response: missing %s", batchKey)
	}

	values, err := arr.Values()
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	batch := &coral.Batch{
		ID:   id,
		Docs: make([]bson.Raw, 0, len(values)),
	}

	for _, v := range values {
		doc, ok := v.DocumentOK()
		if !ok {
			return nil, lazyerrors.New("malformed cursor response: batch element is not a document")
		}

		batch.Docs = append(batch.Docs, doc)
	}

	return batch, nil
}

// wrapCommandError converts a server-reported error to *coral.CommandError,
// passing other errors through wrapped.
func wrapCommandError(err error) error {
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		return coral.NewCommandError(coral.Code(ce.Code), ce.Message)
	}

	return lazyerrors.Error(err)
}

// check interfaces
var (
	_ coral.Transport = (*Transport)(nil)
)
