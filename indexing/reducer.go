package indexing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/andreyvit/mrdb"
	"golang.org/x/sync/errgroup"
)

type reduceGroup struct {
	mrdb.ReduceKeyAndBucket
	values []json.RawMessage

	result json.RawMessage
	err    error
}

// ReduceAll drains the reduce schedule of the index, level by level, and
// returns the number of groups reduced. Final results go to the sink; a
// reduce key that lost all its rows is deleted from it.
//
// A group whose reduce function fails counts as a reduce error and keeps its
// previous result.
func (ix *Indexer) ReduceAll(ctx context.Context, name string) (int, error) {
	def, err := ix.definition(name)
	if err != nil {
		return 0, err
	}
	if !def.HasReduce() {
		return 0, nil
	}
	defer ix.lock(name)()

	var total int
	for level := 0; level <= mrdb.MaxReduceLevel; level++ {
		for {
			n, err := ix.reduceLevel(ctx, def, level)
			if err != nil {
				ix.opt.Metrics.failed(def.Name, "reduce")
				return total, err
			}
			if n == 0 {
				break
			}
			total += n
		}
	}
	return total, nil
}

func (ix *Indexer) reduceLevel(ctx context.Context, def *Definition, level int) (int, error) {
	var n int
	err := ix.store.Batch(ctx, func(a *mrdb.Accessor) error {
		var consumed []mrdb.ScheduledReductionKey
		var groups []*reduceGroup
		byKey := make(map[mrdb.ReduceKeyAndBucket]*reduceGroup)
		for row, err := range a.MapReduce.GetItemsToReduce(def.Name, level, ix.opt.ReduceBatchSize, &consumed) {
			if err != nil {
				return err
			}
			k := mrdb.ReduceKeyAndBucket{ReduceKey: row.ReduceKey, Bucket: row.Bucket}
			g := byKey[k]
			if g == nil {
				g = &reduceGroup{ReduceKeyAndBucket: k}
				byKey[k] = g
				groups = append(groups, g)
			}
			if !row.IsPlaceholder() {
				g.values = append(g.values, row.Data)
			}
		}
		n = len(groups)
		if n == 0 {
			return nil
		}

		ix.reduceGroups(def, groups)

		var errs int
		var next []mrdb.ReduceKeyAndBucket
		seen := make(map[mrdb.ReduceKeyAndBucket]bool)
		for _, g := range groups {
			if g.err != nil {
				errs++
				ix.opt.Logger.LogAttrs(a.Context(), slog.LevelWarn, "indexing: reduce failed", slog.String("index", def.Name), slog.Int("level", level), slog.String("key", g.ReduceKey), slog.Any("err", g.err))
				continue
			}
			if level == mrdb.MaxReduceLevel {
				if g.result == nil {
					a.OnCommit(ix.sinkDelete(def.Name, g.ReduceKey))
				} else {
					a.OnCommit(ix.sinkIndex(def.Name, g.ReduceKey, g.result))
				}
				continue
			}

			if err := a.MapReduce.RemoveReduceResults(def.Name, level+1, g.ReduceKey, g.Bucket); err != nil {
				return err
			}
			nb := mrdb.NextLevelBucket(level, g.Bucket)
			if g.result != nil {
				if _, err := a.MapReduce.PutReducedResult(def.Name, g.ReduceKey, level+1, g.Bucket, nb, g.result); err != nil {
					return err
				}
			}
			p := mrdb.ReduceKeyAndBucket{ReduceKey: g.ReduceKey, Bucket: nb}
			if !seen[p] {
				seen[p] = true
				next = append(next, p)
			}
		}

		if level < mrdb.MaxReduceLevel {
			if err := a.MapReduce.ScheduleReductions(def.Name, level+1, next); err != nil {
				return err
			}
		}
		info, err := a.MapReduce.DeleteScheduledReduction(consumed)
		if err != nil {
			return err
		}
		if info != nil {
			if err := a.Indexing.UpdateLastReduced(def.Name, info.Etag, ix.opt.Now()); err != nil {
				return err
			}
		}
		err = a.Indexing.UpdateReduceStats(def.Name, mrdb.IndexingWorkStats{
			ReduceAttempts:  n,
			ReduceSuccesses: n - errs,
			ReduceErrors:    errs,
		})
		if err != nil {
			return err
		}
		groupCount := n
		a.OnCommit(func() {
			ix.opt.Metrics.reduced(def.Name, level, groupCount, errs)
		})
		return nil
	})
	return n, err
}

// reduceGroups runs the reduce function over the non-empty groups in
// parallel. Empty groups keep a nil result.
func (ix *Indexer) reduceGroups(def *Definition, groups []*reduceGroup) {
	var eg errgroup.Group
	eg.SetLimit(ix.opt.Workers)
	for _, g := range groups {
		if len(g.values) == 0 {
			continue
		}
		eg.Go(func() error {
			g.result, g.err = safeReduce(def.Reduce, g.ReduceKey, g.values)
			if g.err == nil && g.result == nil {
				g.result = json.RawMessage("null")
			}
			return nil
		})
	}
	eg.Wait()
}

func safeReduce(f ReduceFunc, key string, values []json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("reduce panicked: %v", e)
		}
	}()
	return f(key, values)
}
