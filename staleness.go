package mrdb

import (
	"errors"
	"time"
)

// StalenessAccessor answers whether an index has caught up with the
// documents, composing index stats, the reduce backlog and the most recent
// document etag.
type StalenessAccessor struct {
	tx *batchTx
}

func (sa *StalenessAccessor) indexing() *IndexingAccessor {
	return &IndexingAccessor{sa.tx}
}

// IsIndexStale reports whether the index lags behind, as of cutoffTime or
// cutoffEtag when given. An index with pending map or reduce work still
// counts as fresh when it was last updated at or after cutoffTime, or when
// its last indexed etag is at or after cutoffEtag.
//
// An unknown index is not stale, and the error is a *NotFoundError so that
// callers can tell a missing index from a fresh one.
func (sa *StalenessAccessor) IsIndexStale(name string, cutoffTime *time.Time, cutoffEtag *Etag) (bool, error) {
	ia := sa.indexing()
	st, err := ia.mapStats(name)
	if err != nil {
		return false, err
	}
	reduce, err := ia.reduceStats(name)
	if err != nil {
		return false, err
	}

	mapStale, err := sa.isMapStale(st)
	if err != nil {
		return false, err
	}
	if mapStale || (reduce != nil && sa.IsReduceStale(name)) {
		switch {
		case cutoffTime != nil:
			last := st.LastIndexedTimestamp
			if reduce != nil && reduce.LastReducedTimestamp.After(last) {
				last = reduce.LastReducedTimestamp
			}
			if last.Before(*cutoffTime) {
				return true, nil
			}
		case cutoffEtag != nil:
			if st.LastIndexedEtag.Less(*cutoffEtag) {
				return true, nil
			}
		default:
			return true, nil
		}
	}

	tasks := &TasksAccessor{sa.tx}
	if cutoffTime == nil {
		return tasks.HasTasks(name), nil
	}
	earliest, err := tasks.EarliestTask(name)
	if err != nil || earliest == nil {
		return false, err
	}
	return !earliest.AddedAt.After(*cutoffTime), nil
}

func (sa *StalenessAccessor) IsMapStale(name string) (bool, error) {
	st, err := sa.indexing().mapStats(name)
	if err != nil {
		return false, err
	}
	return sa.isMapStale(st)
}

func (sa *StalenessAccessor) isMapStale(st *IndexStats) (bool, error) {
	last, err := sa.GetMostRecentDocumentEtag()
	if err != nil {
		return false, err
	}
	return st.LastIndexedEtag.Less(last), nil
}

// IsReduceStale reports pending scheduled reductions.
func (sa *StalenessAccessor) IsReduceStale(name string) bool {
	return (&MapReduceAccessor{sa.tx}).HasScheduledReductions(name)
}

// IndexLastUpdatedAt returns when and up to which etag the index was last
// updated. Reduce indexes report their reduce stats.
func (sa *StalenessAccessor) IndexLastUpdatedAt(name string) (time.Time, Etag, error) {
	ia := sa.indexing()
	st, err := ia.mapStats(name)
	if err != nil {
		return time.Time{}, ZeroEtag, err
	}
	reduce, err := ia.reduceStats(name)
	if err != nil {
		return time.Time{}, ZeroEtag, err
	}
	if reduce != nil {
		return reduce.LastReducedTimestamp, reduce.LastReducedEtag, nil
	}
	return st.LastIndexedTimestamp, st.LastIndexedEtag, nil
}

// GetMostRecentDocumentEtag includes deletions; ZeroEtag if nothing was ever
// written.
func (sa *StalenessAccessor) GetMostRecentDocumentEtag() (Etag, error) {
	return sa.tx.getEtag(sa.tx.root(metaBucket), metaLastDocumentEtagKey)
}

func (sa *StalenessAccessor) GetMostRecentAttachmentEtag() (Etag, error) {
	return sa.tx.getEtag(sa.tx.root(metaBucket), metaLastAttachmentEtagKey)
}

// GetMostRecentReducedEtag returns nil for map-only indexes.
func (sa *StalenessAccessor) GetMostRecentReducedEtag(name string) (*Etag, error) {
	reduce, err := sa.indexing().reduceStats(name)
	if err != nil || reduce == nil {
		return nil, err
	}
	return reduce.LastReducedEtag.Ptr(), nil
}

// GetIndexTouchCount returns -1 for an unknown index.
func (sa *StalenessAccessor) GetIndexTouchCount(name string) (int, error) {
	ia := sa.indexing()
	n, err := ia.touchCount(name)
	if err != nil {
		return 0, err
	}
	if !ia.exists(name) {
		return -1, nil
	}
	return n, nil
}

// IsNotFound reports whether err means a missing index or transaction.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
