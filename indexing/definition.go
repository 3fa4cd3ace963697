// Package indexing runs map-reduce index definitions over a mrdb.Store.
//
// The map phase reads documents changed since the index last ran, maps them
// on a worker pool and stores the output. Reduce indexes then fold mapped
// rows through three levels of buckets; the final level, and the map output
// of map-only indexes, is handed to a Sink.
package indexing

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andreyvit/mrdb"
)

// Emit is one map output entry. Map-only indexes ignore ReduceKey.
type Emit struct {
	ReduceKey string
	Data      json.RawMessage
}

// MapFunc turns a document into zero or more entries.
type MapFunc func(doc *mrdb.Document) ([]Emit, error)

// ReduceFunc folds the values of one reduce key. It is applied to map
// output and again to its own results, so it must accept both.
type ReduceFunc func(key string, values []json.RawMessage) (json.RawMessage, error)

type Definition struct {
	Name   string
	Map    MapFunc
	Reduce ReduceFunc
}

func (d *Definition) HasReduce() bool {
	return d.Reduce != nil
}

var errNoMap = errors.New("index definition has no map function")

func (d *Definition) validate() error {
	if d.Name == "" {
		return errors.New("index definition has no name")
	}
	if d.Map == nil {
		return fmt.Errorf("%s: %w", d.Name, errNoMap)
	}
	return nil
}

// ErrUnknownIndex is returned for names that were never added to the Indexer.
var ErrUnknownIndex = errors.New("unknown index")

func unknownIndex(name string) error {
	return fmt.Errorf("%w %q", ErrUnknownIndex, name)
}
