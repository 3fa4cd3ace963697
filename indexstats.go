package mrdb

import (
	"time"
)

// IndexingAccessor maintains per-index statistics. Counters only ever move
// by additive deltas.
//
//	index_stats:        fold(name) => IndexStats (map side)
//	index_reduce_stats: fold(name) => ReduceStats (reduce indexes only)
//	index_touches:      fold(name) => int
type IndexingAccessor struct {
	tx *batchTx
}

// AddIndex registers an index. Adding an existing index resets its stats.
func (ia *IndexingAccessor) AddIndex(name string, hasReduce bool) error {
	tx := ia.tx
	fk := foldedKey(name)
	if err := tx.put(tx.root(indexStatsBucket), fk, &IndexStats{Name: name}); err != nil {
		return err
	}
	if err := tx.put(tx.root(indexTouchesBucket), fk, 0); err != nil {
		return err
	}
	if hasReduce {
		return tx.put(tx.root(indexReduceStatsBucket), fk, &ReduceStats{})
	}
	return tx.del(tx.root(indexReduceStatsBucket), fk)
}

// DeleteIndex removes the index with everything stored for it: stats, mapped
// and reduced results, scheduled reductions and tasks.
func (ia *IndexingAccessor) DeleteIndex(name string) error {
	tx := ia.tx
	if _, err := ia.mapStats(name); err != nil {
		return err
	}
	fk := foldedKey(name)
	for _, b := range []string{indexStatsBucket, indexReduceStatsBucket, indexTouchesBucket} {
		if err := tx.del(tx.root(b), fk); err != nil {
			return err
		}
	}
	sub := foldKey(name)
	for _, b := range indexBuckets {
		if err := tx.deleteSub(b, sub); err != nil {
			return err
		}
	}
	tasks := tx.root(tasksBucket)
	return tx.delAll(tasks, scanKeys(tasks, prefixRange(fk)))
}

func (ia *IndexingAccessor) exists(name string) bool {
	return ia.tx.root(indexStatsBucket).Get(foldedKey(name)) != nil
}

func (ia *IndexingAccessor) mapStats(name string) (*IndexStats, error) {
	var st IndexStats
	found, err := ia.tx.get(ia.tx.root(indexStatsBucket), foldedKey(name), &st)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, indexNotFound(name)
	}
	return &st, nil
}

// reduceStats returns nil for an existing map-only index.
func (ia *IndexingAccessor) reduceStats(name string) (*ReduceStats, error) {
	var st ReduceStats
	found, err := ia.tx.get(ia.tx.root(indexReduceStatsBucket), foldedKey(name), &st)
	if err != nil || found {
		return &st, err
	}
	if !ia.exists(name) {
		return nil, indexNotFound(name)
	}
	return nil, nil
}

func (ia *IndexingAccessor) mustReduceStats(name, op string) (*ReduceStats, error) {
	st, err := ia.reduceStats(name)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ia.tx.invariantErrf(name, "%s on an index without a reduce stage", op)
	}
	return st, nil
}

func (ia *IndexingAccessor) touchCount(name string) (int, error) {
	var n int
	_, err := ia.tx.get(ia.tx.root(indexTouchesBucket), foldedKey(name), &n)
	return n, err
}

func (ia *IndexingAccessor) saveMapStats(st *IndexStats) error {
	return ia.tx.put(ia.tx.root(indexStatsBucket), foldedKey(st.Name), st)
}

func (ia *IndexingAccessor) saveReduceStats(name string, st *ReduceStats) error {
	return ia.tx.put(ia.tx.root(indexReduceStatsBucket), foldedKey(name), st)
}

func (ia *IndexingAccessor) UpdateLastIndexed(name string, etag Etag, ts time.Time) error {
	st, err := ia.mapStats(name)
	if err != nil {
		return err
	}
	st.LastIndexedEtag = etag
	st.LastIndexedTimestamp = ts
	return ia.saveMapStats(st)
}

func (ia *IndexingAccessor) UpdateLastReduced(name string, etag Etag, ts time.Time) error {
	st, err := ia.mustReduceStats(name, "UpdateLastReduced")
	if err != nil {
		return err
	}
	st.LastReducedEtag = etag
	st.LastReducedTimestamp = ts
	return ia.saveReduceStats(name, st)
}

// MarkIndexQueried records the time of the latest query against the index.
func (ia *IndexingAccessor) MarkIndexQueried(name string, ts time.Time) error {
	st, err := ia.mapStats(name)
	if err != nil {
		return err
	}
	if ts.After(st.LastQueryTimestamp) {
		st.LastQueryTimestamp = ts
		return ia.saveMapStats(st)
	}
	return nil
}

// TouchIndexEtag bumps the per-index version used to invalidate cached query
// plans. Unrelated to document and reduce etags.
func (ia *IndexingAccessor) TouchIndexEtag(name string) error {
	if !ia.exists(name) {
		return indexNotFound(name)
	}
	n, err := ia.touchCount(name)
	if err != nil {
		return err
	}
	return ia.tx.put(ia.tx.root(indexTouchesBucket), foldedKey(name), n+1)
}

func (ia *IndexingAccessor) UpdateIndexingStats(name string, delta IndexingWorkStats) error {
	st, err := ia.mapStats(name)
	if err != nil {
		return err
	}
	if msg := delta.validate(false); msg != "" {
		return ia.tx.invariantErrf(name, "%s", msg)
	}
	st.IndexingAttempts += delta.IndexingAttempts
	st.IndexingSuccesses += delta.IndexingSuccesses
	st.IndexingErrors += delta.IndexingErrors
	return ia.saveMapStats(st)
}

func (ia *IndexingAccessor) UpdateReduceStats(name string, delta IndexingWorkStats) error {
	st, err := ia.mustReduceStats(name, "UpdateReduceStats")
	if err != nil {
		return err
	}
	if msg := delta.validate(true); msg != "" {
		return ia.tx.invariantErrf(name, "%s", msg)
	}
	st.ReduceAttempts += delta.ReduceAttempts
	st.ReduceSuccesses += delta.ReduceSuccesses
	st.ReduceErrors += delta.ReduceErrors
	return ia.saveReduceStats(name, st)
}

func (ia *IndexingAccessor) GetFailureRate(name string) (IndexFailureInformation, error) {
	st, err := ia.GetIndexStats(name)
	if err != nil {
		return IndexFailureInformation{}, err
	}
	info := IndexFailureInformation{
		Name:      st.Name,
		Attempts:  st.IndexingAttempts,
		Errors:    st.IndexingErrors,
		Successes: st.IndexingSuccesses,
	}
	if r := st.Reduce; r != nil {
		info.ReduceAttempts = &r.ReduceAttempts
		info.ReduceErrors = &r.ReduceErrors
		info.ReduceSuccesses = &r.ReduceSuccesses
	}
	return info, nil
}

// GetIndexStats returns the combined map, reduce and touch stats.
func (ia *IndexingAccessor) GetIndexStats(name string) (*IndexStats, error) {
	st, err := ia.mapStats(name)
	if err != nil {
		return nil, err
	}
	return st, ia.fill(st)
}

func (ia *IndexingAccessor) fill(st *IndexStats) error {
	var err error
	st.Reduce, err = ia.reduceStats(st.Name)
	if err != nil {
		return err
	}
	st.TouchCount, err = ia.touchCount(st.Name)
	return err
}

// GetIndexesStats returns stats of every index, ordered by folded name.
func (ia *IndexingAccessor) GetIndexesStats() ([]*IndexStats, error) {
	var result []*IndexStats
	for _, v := range scan(ia.tx.root(indexStatsBucket), keyRange{}) {
		st := new(IndexStats)
		if err := decodeValue(v, st); err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	for _, st := range result {
		if err := ia.fill(st); err != nil {
			return nil, err
		}
	}
	return result, nil
}
