package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andreyvit/mrdb"
	"github.com/hashicorp/go-multierror"
)

// change is a document put or a tombstone (doc == nil) waiting to be mapped.
type change struct {
	key  string
	etag mrdb.Etag
	doc  *mrdb.Document

	emits []Emit
	err   error
}

// mergeChanges interleaves documents and tombstones by etag and keeps the
// first limit of them. Both inputs are sorted and limited already.
func mergeChanges(docs []*mrdb.Document, tombs []*mrdb.Tombstone, limit int) []*change {
	result := make([]*change, 0, min(len(docs)+len(tombs), limit))
	for len(result) < limit && (len(docs) > 0 || len(tombs) > 0) {
		if len(tombs) == 0 || (len(docs) > 0 && docs[0].Etag.Less(tombs[0].Etag)) {
			result = append(result, &change{key: docs[0].Key, etag: docs[0].Etag, doc: docs[0]})
			docs = docs[1:]
		} else {
			result = append(result, &change{key: tombs[0].Key, etag: tombs[0].Etag})
			tombs = tombs[1:]
		}
	}
	return result
}

// IndexDocuments maps the next batch of documents changed since the index
// last ran, and returns how many changes it consumed. Zero means the index
// has caught up.
//
// Map functions run outside of the storage transaction. A document whose map
// function fails counts as an indexing error and contributes nothing.
func (ix *Indexer) IndexDocuments(ctx context.Context, name string) (int, error) {
	def, err := ix.definition(name)
	if err != nil {
		return 0, err
	}
	defer ix.lock(name)()

	var changes []*change
	err = ix.store.View(ctx, func(a *mrdb.Accessor) error {
		st, err := a.Indexing.GetIndexStats(def.Name)
		if err != nil {
			return err
		}
		docs, err := a.Documents.GetDocumentsAfter(st.LastIndexedEtag, ix.opt.BatchSize)
		if err != nil {
			return err
		}
		tombs, err := a.Documents.GetTombstonesAfter(st.LastIndexedEtag, ix.opt.BatchSize)
		if err != nil {
			return err
		}
		changes = mergeChanges(docs, tombs, ix.opt.BatchSize)
		return nil
	})
	if err != nil || len(changes) == 0 {
		return 0, err
	}

	if err := ix.mapAll(ctx, def, changes); err != nil {
		return 0, err
	}

	err = ix.store.Batch(ctx, func(a *mrdb.Accessor) error {
		_, err := ix.storeMapped(a, def, changes)
		return err
	})
	if err != nil {
		return 0, ix.recordMapFailure(ctx, def.Name, changes, err)
	}
	return len(changes), nil
}

func (ix *Indexer) mapAll(ctx context.Context, def *Definition, changes []*change) error {
	var wg sync.WaitGroup
	// submitted calls write into changes, so every return waits for them
	defer wg.Wait()
	for _, c := range changes {
		if c.doc == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		wg.Add(1)
		err := ix.pool.Submit(func() {
			defer wg.Done()
			c.emits, c.err = safeMap(def.Map, c.doc)
		})
		if err != nil {
			wg.Done()
			return err
		}
	}
	return nil
}

func safeMap(f MapFunc, doc *mrdb.Document) (emits []Emit, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("map panicked: %v", e)
		}
	}()
	return f(doc)
}

func (ix *Indexer) storeMapped(a *mrdb.Accessor, def *Definition, changes []*change) (mrdb.IndexingWorkStats, error) {
	var stats mrdb.IndexingWorkStats
	var pairs []mrdb.ReduceKeyAndBucket
	seen := make(map[mrdb.ReduceKeyAndBucket]bool)
	schedule := func(p mrdb.ReduceKeyAndBucket) {
		if !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}

	var mappedDocs int
	for _, c := range changes {
		if def.HasReduce() {
			removed, err := a.MapReduce.DeleteMappedResultsForDocument(c.key, def.Name)
			if err != nil {
				return stats, err
			}
			for _, p := range removed {
				schedule(p)
			}
		}
		if c.doc != nil {
			stats.IndexingAttempts++
			if c.err != nil {
				stats.IndexingErrors++
				ix.opt.Logger.LogAttrs(a.Context(), slog.LevelWarn, "indexing: map failed", slog.String("index", def.Name), slog.String("doc", c.key), slog.Any("err", c.err))
			} else {
				stats.IndexingSuccesses++
				mappedDocs++
			}
		}

		if !def.HasReduce() {
			if c.doc == nil || c.err != nil || len(c.emits) == 0 {
				a.OnCommit(ix.sinkDelete(def.Name, c.key))
				continue
			}
			values := make([]json.RawMessage, len(c.emits))
			for i, e := range c.emits {
				values[i] = e.Data
			}
			data, err := json.Marshal(values)
			if err != nil {
				return stats, err
			}
			a.OnCommit(ix.sinkIndex(def.Name, c.key, data))
			continue
		}

		if c.doc == nil || c.err != nil {
			continue
		}
		bucket := mrdb.MapBucket(c.key)
		for _, e := range c.emits {
			if _, err := a.MapReduce.PutMappedResult(def.Name, c.key, e.ReduceKey, e.Data); err != nil {
				return stats, err
			}
			schedule(mrdb.ReduceKeyAndBucket{ReduceKey: e.ReduceKey, Bucket: bucket})
		}
	}

	if err := a.MapReduce.ScheduleReductions(def.Name, 0, pairs); err != nil {
		return stats, err
	}
	if err := a.Indexing.UpdateLastIndexed(def.Name, changes[len(changes)-1].etag, ix.opt.Now()); err != nil {
		return stats, err
	}
	if err := a.Indexing.UpdateIndexingStats(def.Name, stats); err != nil {
		return stats, err
	}
	errs := stats.IndexingErrors
	a.OnCommit(func() {
		ix.opt.Metrics.mapped(def.Name, mappedDocs, errs)
	})
	return stats, nil
}

// recordMapFailure counts every document of a failed batch as an indexing
// error, in a batch of its own.
func (ix *Indexer) recordMapFailure(ctx context.Context, name string, changes []*change, cause error) error {
	ix.opt.Metrics.failed(name, "map")
	if ctx.Err() != nil || errors.Is(cause, mrdb.ErrNotFound) {
		return cause
	}
	var docs int
	for _, c := range changes {
		if c.doc != nil {
			docs++
		}
	}
	if docs == 0 {
		return cause
	}
	err := ix.store.Batch(ctx, func(a *mrdb.Accessor) error {
		return a.Indexing.UpdateIndexingStats(name, mrdb.IndexingWorkStats{
			IndexingAttempts: docs,
			IndexingErrors:   docs,
		})
	})
	if err != nil {
		return multierror.Append(cause, err)
	}
	return cause
}
