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

// Coralq runs a single query against a MongoDB-compatible server through the
// coral cursor engine and prints matching documents to stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap/zapcore"

	"github.com/coraldb/coral-go/coral"
	"github.com/coraldb/coral-go/coral/mongotransport"
	"github.com/coraldb/coral-go/internal/util/debugbuild"
	"github.com/coraldb/coral-go/internal/util/logging"
	"github.com/coraldb/coral-go/internal/util/must"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
var cli struct {
	URI        string `default:"mongodb://127.0.0.1:27017/" help:"Server URI."`
	DB         string `required:""                          help:"Database name."`
	Collection string `arg:""                               help:"Collection name."`

	Filter     string `default:"{}" help:"Query filter as Extended JSON."`
	Projection string `default:""   help:"Projection as Extended JSON."`
	Sort       string `default:""   help:"Sort order as Extended JSON."`
	Skip       int64  `default:"0"  help:"Number of documents to skip."`
	Limit      int64  `default:"0"  help:"Maximum number of documents to return (0 - no limit)."`
	BatchSize  int32  `default:"0"  help:"Documents per batch (0 - server default)."`
	MaxTimeMS  int64  `default:"0"  help:"Server-side time budget in milliseconds (0 - none)."`

	LogLevel string `default:"info" help:"Log level: debug, info, warn, error." enum:"debug,info,warn,error"`
}

func main() {
	kong.Parse(&cli)

	run()
}

// run sets up the environment based on provided flags and executes the query.
func run() {
	// to increase a chance of resource finalizers to spot problems
	if debugbuild.Enabled {
		defer func() {
			runtime.GC()
			runtime.GC()

			dumpMetrics()
		}()
	}

	level := must.NotFail(zapcore.ParseLevel(cli.LogLevel))
	logger := logging.Setup(level)

	defer func() {
		_ = logger.Sync()
	}()

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Sugar().Warnf("Failed to set GOMAXPROCS: %s.", err)
	}

	ctx := context.Background()

	t, err := mongotransport.Connect(ctx, cli.URI)
	if err != nil {
		logger.Sugar().Fatalf("Failed to connect to %s: %s.", cli.URI, err)
	}

	defer func() {
		if err = t.Close(ctx); err != nil {
			logger.Sugar().Warnf("Failed to disconnect: %s.", err)
		}
	}()

	client := coral.NewClient(t, &coral.ClientOptions{Logger: logger})
	defer client.Close()

	cursor := client.Database(cli.DB).Collection(cli.Collection).
		Find(parseExtJSON("filter", cli.Filter)).
		Skip(cli.Skip).
		Limit(cli.Limit).
		BatchSize(cli.BatchSize).
		MaxTimeMS(cli.MaxTimeMS)

	if cli.Projection != "" {
		cursor.Projection(parseExtJSON("projection", cli.Projection))
	}

	if cli.Sort != "" {
		cursor.Sort(parseExtJSON("sort", cli.Sort))
	}

	defer func() {
		if err = cursor.Close(ctx); err != nil {
			logger.Sugar().Warnf("Failed to close cursor: %s.", err)
		}
	}()

	n := 0

	for {
		ok, err := cursor.FetchNext(ctx)
		if err != nil {
			logger.Sugar().Fatalf("Query failed: %s.", err)
		}

		if !ok {
			break
		}

		for doc := cursor.NextObject(); doc != nil; doc = cursor.NextObject() {
			fmt.Fprintln(os.Stdout, doc.String())
			n++
		}
	}

	logger.Sugar().Infof("Returned %d documents from %s.%s.", n, cli.DB, cli.Collection)
}

// parseExtJSON parses an Extended JSON flag value into a document.
func parseExtJSON(name, s string) bson.D {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), false, &doc); err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s %q: %s\n", name, s, err)
		os.Exit(2)
	}

	return doc
}

// dumpMetrics dumps all Prometheus metrics to stderr.
func dumpMetrics() {
	mfs := must.NotFail(prometheus.DefaultGatherer.Gather())

	for _, mf := range mfs {
		must.NotFail(expfmt.MetricFamilyToText(os.Stderr, mf))
	}
}
