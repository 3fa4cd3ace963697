package mrdb

import (
	"encoding/json"
	"errors"
	"iter"
	"slices"
	"strings"
)

// MapReduceAccessor stores map output, the reduction schedule and partial
// reduce results. Each index gets its own set of nested buckets, named by
// the folded index name:
//
//	mapped:         reduceKey bucket ^etag                    => MappedResultInfo
//	mapped_by_doc:  fold(doc) etag                            => mapped key
//	mapped_by_etag: etag                                      => mapped key
//	reduced:        level reduceKey bucket sourceBucket etag  => MappedResultInfo
//	scheduled:      level reduceKey bucket etag               => ScheduledReductionInfo
//
// Mapped rows of one group are ordered from the most recent contribution.
//
// Reads of an unknown index return nothing; writes fail with NotFound.
type MapReduceAccessor struct {
	tx *batchTx
}

var errNotRestartable = errors.New("items to reduce can only be iterated once")

func mappedKey(reduceKey string, bucket int, etag Etag) []byte {
	buf := appendKeyString(nil, reduceKey)
	buf = appendKeyInt(buf, bucket)
	return appendKeyEtagDesc(buf, etag)
}

func mappedGroupPrefix(reduceKey string, bucket int) []byte {
	return appendKeyInt(appendKeyString(nil, reduceKey), bucket)
}

func decodeMappedKey(k []byte) (reduceKey string, bucket int, etag Etag, err error) {
	d := makeKeyDecoder(k)
	if reduceKey, err = d.Str(); err != nil {
		return
	}
	if bucket, err = d.Int(); err != nil {
		return
	}
	if etag, err = d.EtagDesc(); err != nil {
		return
	}
	err = d.Done()
	return
}

func reducedGroupPrefix(level int, reduceKey string, bucket int) []byte {
	buf := appendKeyInt(nil, level)
	buf = appendKeyString(buf, reduceKey)
	return appendKeyInt(buf, bucket)
}

func reducedKey(level int, reduceKey string, bucket, sourceBucket int, etag Etag) []byte {
	buf := reducedGroupPrefix(level, reduceKey, bucket)
	buf = appendKeyInt(buf, sourceBucket)
	return appendKeyEtag(buf, etag)
}

func scheduledKey(level int, reduceKey string, bucket int, etag Etag) []byte {
	return appendKeyEtag(reducedGroupPrefix(level, reduceKey, bucket), etag)
}

func (ma *MapReduceAccessor) requireIndex(name string) (string, error) {
	if ma.tx.root(indexStatsBucket).Get(foldedKey(name)) == nil {
		return "", indexNotFound(name)
	}
	return foldKey(name), nil
}

// PutMappedResult stores one map output row. Emitting the same reduce key
// twice for one document stores two rows.
func (ma *MapReduceAccessor) PutMappedResult(view, docID, reduceKey string, data json.RawMessage) (Etag, error) {
	tx := ma.tx
	sub, err := ma.requireIndex(view)
	if err != nil {
		return ZeroEtag, err
	}
	if data == nil {
		data = json.RawMessage("null")
	}
	row := &MappedResultInfo{
		ReduceKey:   reduceKey,
		Bucket:      MapBucket(docID),
		Data:        data,
		Timestamp:   tx.now(),
		Etag:        tx.nextEtag(),
		DocumentKey: docID,
	}
	pk := mappedKey(reduceKey, row.Bucket, row.Etag)

	mapped, err := tx.createSub(mappedBucket, sub)
	if err != nil {
		return ZeroEtag, err
	}
	byDoc, err := tx.createSub(mappedByDocBucket, sub)
	if err != nil {
		return ZeroEtag, err
	}
	byEtag, err := tx.createSub(mappedByEtagBucket, sub)
	if err != nil {
		return ZeroEtag, err
	}
	if err := tx.put(mapped, pk, row); err != nil {
		return ZeroEtag, err
	}
	if err := tx.putRaw(byDoc, appendKeyEtag(foldedKey(docID), row.Etag), pk); err != nil {
		return ZeroEtag, err
	}
	if err := tx.putRaw(byEtag, etagKey(row.Etag), pk); err != nil {
		return ZeroEtag, err
	}
	return row.Etag, nil
}

// DeleteMappedResultsForDocument removes every row the document contributed
// to the view and returns the distinct groups that lost a contributor.
func (ma *MapReduceAccessor) DeleteMappedResultsForDocument(docID, view string) ([]ReduceKeyAndBucket, error) {
	tx := ma.tx
	sub := foldKey(view)
	byDoc := tx.sub(mappedByDocBucket, sub)
	if byDoc == nil {
		return nil, nil
	}
	mapped, byEtag := tx.sub(mappedBucket, sub), tx.sub(mappedByEtagBucket, sub)

	var docKeys, pks [][]byte
	for k, pk := range scan(byDoc, prefixRange(foldedKey(docID))) {
		docKeys = append(docKeys, append([]byte(nil), k...))
		pks = append(pks, append([]byte(nil), pk...))
	}

	var pairs []ReduceKeyAndBucket
	seen := make(map[ReduceKeyAndBucket]bool)
	for i, pk := range pks {
		reduceKey, bucket, etag, err := decodeMappedKey(pk)
		if err != nil {
			return nil, err
		}
		if err := tx.del(mapped, pk); err != nil {
			return nil, err
		}
		if err := tx.del(byEtag, etagKey(etag)); err != nil {
			return nil, err
		}
		if err := tx.del(byDoc, docKeys[i]); err != nil {
			return nil, err
		}
		pair := ReduceKeyAndBucket{reduceKey, bucket}
		if !seen[pair] {
			seen[pair] = true
			pairs = append(pairs, pair)
		}
	}
	slices.SortFunc(pairs, compareReduceKeyAndBucket)
	return pairs, nil
}

func compareReduceKeyAndBucket(a, b ReduceKeyAndBucket) int {
	if c := strings.Compare(a.ReduceKey, b.ReduceKey); c != 0 {
		return c
	}
	return a.Bucket - b.Bucket
}

// DeleteMappedResultsForView drops all map output of the view.
func (ma *MapReduceAccessor) DeleteMappedResultsForView(view string) error {
	sub := foldKey(view)
	for _, b := range []string{mappedBucket, mappedByDocBucket, mappedByEtagBucket} {
		if err := ma.tx.deleteSub(b, sub); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleReductions adds one schedule row per group at the given level.
func (ma *MapReduceAccessor) ScheduleReductions(view string, level int, pairs []ReduceKeyAndBucket) error {
	tx := ma.tx
	sub, err := ma.requireIndex(view)
	if err != nil {
		return err
	}
	if level < 0 || level > MaxReduceLevel {
		return tx.invariantErrf(view, "scheduling reduction at invalid level %d", level)
	}
	if len(pairs) == 0 {
		return nil
	}
	sched, err := tx.createSub(scheduledBucket, sub)
	if err != nil {
		return err
	}
	now := tx.now()
	for _, p := range pairs {
		info := &ScheduledReductionInfo{
			Index:     view,
			Level:     level,
			ReduceKey: p.ReduceKey,
			Bucket:    p.Bucket,
			Etag:      tx.nextEtag(),
			Timestamp: now,
		}
		if err := tx.put(sched, scheduledKey(level, p.ReduceKey, p.Bucket, info.Etag), info); err != nil {
			return err
		}
	}
	return nil
}

// GetItemsToReduce pops up to limit distinct groups scheduled at the level
// and yields the rows to reduce for each of them: mapped rows for level 0,
// and for higher levels the reduced rows the previous pass stored at this
// level. A group without rows yields a single placeholder row (nil Data).
//
// Keys of all consumed schedule rows are appended to itemsToDelete, for
// DeleteScheduledReduction in the same batch. The sequence can be iterated
// only once and should be drained before writing to the index.
func (ma *MapReduceAccessor) GetItemsToReduce(index string, level, limit int, itemsToDelete *[]ScheduledReductionKey) iter.Seq2[*MappedResultInfo, error] {
	var used bool
	return func(yield func(*MappedResultInfo, error) bool) {
		if used {
			yield(nil, errNotRestartable)
			return
		}
		used = true

		pairs, err := ma.popScheduled(index, level, limit, itemsToDelete)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, p := range pairs {
			rows, err := ma.groupRows(index, level, p)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(rows) == 0 {
				rows = append(rows, &MappedResultInfo{ReduceKey: p.ReduceKey, Bucket: p.Bucket, Level: level})
			}
			for _, row := range rows {
				if !yield(row, nil) {
					return
				}
			}
		}
	}
}

func (ma *MapReduceAccessor) popScheduled(index string, level, limit int, itemsToDelete *[]ScheduledReductionKey) ([]ReduceKeyAndBucket, error) {
	sched := ma.tx.sub(scheduledBucket, foldKey(index))
	var pairs []ReduceKeyAndBucket
	seen := make(map[ReduceKeyAndBucket]bool)
	// rows of one group are adjacent, so stopping at a new group never
	// leaves a consumed group half-collected
	for _, v := range scan(sched, prefixRange(appendKeyInt(nil, level))) {
		var info ScheduledReductionInfo
		if err := decodeValue(v, &info); err != nil {
			return nil, err
		}
		pair := ReduceKeyAndBucket{info.ReduceKey, info.Bucket}
		if !seen[pair] {
			if limit > 0 && len(pairs) >= limit {
				break
			}
			seen[pair] = true
			pairs = append(pairs, pair)
		}
		if itemsToDelete != nil {
			*itemsToDelete = append(*itemsToDelete, info.Key())
		}
	}
	return pairs, nil
}

func (ma *MapReduceAccessor) groupRows(index string, level int, p ReduceKeyAndBucket) ([]*MappedResultInfo, error) {
	sub := foldKey(index)
	var b storageBucket
	var prefix []byte
	if level == 0 {
		b, prefix = ma.tx.sub(mappedBucket, sub), mappedGroupPrefix(p.ReduceKey, p.Bucket)
	} else {
		b, prefix = ma.tx.sub(reducedBucket, sub), reducedGroupPrefix(level, p.ReduceKey, p.Bucket)
	}
	return decodeRows(scan(b, prefixRange(prefix)), 0, 0)
}

func decodeRows(seq iter.Seq2[[]byte, []byte], start, take int) ([]*MappedResultInfo, error) {
	var rows []*MappedResultInfo
	var i int
	for _, v := range seq {
		skip, stop := page(i, start, take)
		i++
		if stop {
			break
		} else if skip {
			continue
		}
		row := new(MappedResultInfo)
		if err := decodeValue(v, row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// DeleteScheduledReduction removes consumed schedule rows. It returns the
// latest etag and timestamp among the removed rows, or nil if none existed.
func (ma *MapReduceAccessor) DeleteScheduledReduction(keys []ScheduledReductionKey) (*ScheduledReductionInfo, error) {
	tx := ma.tx
	var result *ScheduledReductionInfo
	for _, key := range keys {
		sched := tx.sub(scheduledBucket, foldKey(key.Index))
		k := scheduledKey(key.Level, key.ReduceKey, key.Bucket, key.Etag)
		var info ScheduledReductionInfo
		found, err := tx.get(sched, k, &info)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if err := tx.del(sched, k); err != nil {
			return nil, err
		}
		if result == nil {
			result = &info
			continue
		}
		result.Etag = maxEtag(result.Etag, info.Etag)
		if info.Timestamp.After(result.Timestamp) {
			result.Timestamp = info.Timestamp
		}
	}
	return result, nil
}

// HasScheduledReductions reports whether the index has reduce backlog.
func (ma *MapReduceAccessor) HasScheduledReductions(index string) bool {
	sched := ma.tx.sub(scheduledBucket, foldKey(index))
	if sched == nil {
		return false
	}
	k, _ := sched.Cursor().First()
	return k != nil
}

// PutReducedResult stores a level 1 or level 2 aggregate.
func (ma *MapReduceAccessor) PutReducedResult(view, reduceKey string, level, sourceBucket, bucket int, data json.RawMessage) (Etag, error) {
	tx := ma.tx
	sub, err := ma.requireIndex(view)
	if err != nil {
		return ZeroEtag, err
	}
	if level < 1 || level > MaxReduceLevel {
		return ZeroEtag, tx.invariantErrf(view, "reduced result at invalid level %d", level)
	}
	// RemoveReduceResults finds rows by sourceBucket, so the bucket must be
	// the one the source reduces into.
	if want := NextLevelBucket(level-1, sourceBucket); bucket != want {
		return ZeroEtag, tx.invariantErrf(view, "reduced result from bucket %d at level %d goes to bucket %d, got %d", sourceBucket, level, want, bucket)
	}
	if data == nil {
		data = json.RawMessage("null")
	}
	reduced, err := tx.createSub(reducedBucket, sub)
	if err != nil {
		return ZeroEtag, err
	}
	row := &MappedResultInfo{
		ReduceKey:    reduceKey,
		Bucket:       bucket,
		Data:         data,
		Timestamp:    tx.now(),
		Etag:         tx.nextEtag(),
		Level:        level,
		SourceBucket: sourceBucket,
	}
	return row.Etag, tx.put(reduced, reducedKey(level, reduceKey, bucket, sourceBucket, row.Etag), row)
}

// RemoveReduceResults removes the aggregates produced from sourceBucket at
// the level. The reduced container is dropped once it becomes empty.
func (ma *MapReduceAccessor) RemoveReduceResults(index string, level int, reduceKey string, sourceBucket int) error {
	tx := ma.tx
	if level < 1 || level > MaxReduceLevel {
		return tx.invariantErrf(index, "removing reduced results at invalid level %d", level)
	}
	sub := foldKey(index)
	reduced := tx.sub(reducedBucket, sub)
	if reduced == nil {
		return nil
	}
	bucket := NextLevelBucket(level-1, sourceBucket)
	prefix := appendKeyInt(reducedGroupPrefix(level, reduceKey, bucket), sourceBucket)
	if err := tx.delAll(reduced, scanKeys(reduced, prefixRange(prefix))); err != nil {
		return err
	}
	if k, _ := reduced.Cursor().First(); k == nil {
		return tx.deleteSub(reducedBucket, sub)
	}
	return nil
}

// GetMappedResultsReduceKeysAfter returns, for each reduce key with rows
// newer than lastReducedEtag, its oldest such row, in etag order.
func (ma *MapReduceAccessor) GetMappedResultsReduceKeysAfter(index string, lastReducedEtag Etag, loadData bool, take int) ([]*MappedResultInfo, error) {
	tx := ma.tx
	sub := foldKey(index)
	mapped := tx.sub(mappedBucket, sub)
	var result []*MappedResultInfo
	seen := make(map[string]bool)
	for _, pk := range scan(tx.sub(mappedByEtagBucket, sub), afterRange(etagKey(lastReducedEtag))) {
		if take > 0 && len(result) >= take {
			break
		}
		reduceKey, bucket, etag, err := decodeMappedKey(pk)
		if err != nil {
			return nil, err
		}
		if seen[reduceKey] {
			continue
		}
		seen[reduceKey] = true
		row := &MappedResultInfo{ReduceKey: reduceKey, Bucket: bucket, Etag: etag}
		if loadData {
			if _, err := tx.get(mapped, pk, row); err != nil {
				return nil, err
			}
		}
		result = append(result, row)
	}
	return result, nil
}

// GetMappedResultsForDebug pages the mapped rows of one reduce key.
func (ma *MapReduceAccessor) GetMappedResultsForDebug(index, reduceKey string, start, take int) ([]*MappedResultInfo, error) {
	b := ma.tx.sub(mappedBucket, foldKey(index))
	return decodeRows(scan(b, prefixRange(keyString(reduceKey))), start, take)
}

// GetReducedResultsForDebug pages the reduced rows of one reduce key at a level.
func (ma *MapReduceAccessor) GetReducedResultsForDebug(index, reduceKey string, level, start, take int) ([]*MappedResultInfo, error) {
	b := ma.tx.sub(reducedBucket, foldKey(index))
	prefix := appendKeyString(appendKeyInt(nil, level), reduceKey)
	return decodeRows(scan(b, prefixRange(prefix)), start, take)
}

// GetKeysForIndexForDebug pages the distinct reduce keys of the index.
func (ma *MapReduceAccessor) GetKeysForIndexForDebug(index string, start, take int) ([]string, error) {
	stats, err := ma.GetKeysStats(index, start, take)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(stats))
	for i, s := range stats {
		keys[i] = s.ReduceKey
	}
	return keys, nil
}

// GetKeysStats pages the distinct reduce keys of the index with the number
// of mapped rows each has.
func (ma *MapReduceAccessor) GetKeysStats(index string, start, take int) ([]ReduceKeyAndCount, error) {
	b := ma.tx.sub(mappedBucket, foldKey(index))
	var result []ReduceKeyAndCount
	var cur string
	group := -1
	for k := range scan(b, keyRange{}) {
		d := makeKeyDecoder(k)
		reduceKey, err := d.Str()
		if err != nil {
			return nil, err
		}
		if group >= 0 && reduceKey == cur {
			if group >= start {
				result[len(result)-1].Count++
			}
			continue
		}
		group++
		cur = reduceKey
		skip, stop := page(group, start, take)
		if stop {
			break
		} else if skip {
			continue
		}
		result = append(result, ReduceKeyAndCount{ReduceKey: reduceKey, Count: 1})
	}
	return result, nil
}

// GetScheduledReductionsForDebug pages the schedule, ordered by level and group.
func (ma *MapReduceAccessor) GetScheduledReductionsForDebug(index string, start, take int) ([]*ScheduledReductionInfo, error) {
	var result []*ScheduledReductionInfo
	var i int
	for _, v := range scan(ma.tx.sub(scheduledBucket, foldKey(index)), keyRange{}) {
		skip, stop := page(i, start, take)
		i++
		if stop {
			break
		} else if skip {
			continue
		}
		info := new(ScheduledReductionInfo)
		if err := decodeValue(v, info); err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	return result, nil
}
