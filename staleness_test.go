package mrdb

import (
	"context"
	"testing"
	"time"
)

func isStale(t *testing.T, s *testStore, name string, cutoffTime *time.Time, cutoffEtag *Etag) bool {
	t.Helper()
	var stale bool
	s.Read(func(a *Accessor) {
		var err error
		stale, err = a.Staleness.IsIndexStale(name, cutoffTime, cutoffEtag)
		if err != nil {
			t.Fatalf("IsIndexStale(%q) failed: %v", name, err)
		}
	})
	return stale
}

func TestStaleness_MapIndex(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		const idx = "Orders/ByCustomer"
		s.Write(func(a *Accessor) {
			ensure(a.Indexing.AddIndex(idx, false))
		})
		deepEqual(t, isStale(t, s, idx, nil, nil), false)

		var docEtag Etag
		s.Write(func(a *Accessor) {
			docEtag = must(a.Documents.Put("orders/1", nil, raw(`{"customer":"cust-7"}`), nil)).Etag
			must(a.MapReduce.PutMappedResult(idx, "orders/1", "cust-7", raw(`{"count":1}`)))
		})
		deepEqual(t, isStale(t, s, idx, nil, nil), true)

		s.Write(func(a *Accessor) {
			last := must(a.Staleness.GetMostRecentDocumentEtag())
			deepEqual(t, last, docEtag)
			ensure(a.Indexing.UpdateLastIndexed(idx, last, a.Store().Now()))
		})
		deepEqual(t, isStale(t, s, idx, nil, nil), false)
		s.Read(func(a *Accessor) {
			deepEqual(t, must(a.Staleness.IsMapStale(idx)), false)
		})
	})
}

func TestStaleness_DeletesAdvanceDocumentEtag(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		s.Write(func(a *Accessor) {
			ensure(a.Indexing.AddIndex("idx", false))
			last := must(a.Documents.Put("orders/1", nil, raw(`{}`), nil)).Etag
			ensure(a.Indexing.UpdateLastIndexed("idx", last, a.Store().Now()))
		})
		deepEqual(t, isStale(t, s, "idx", nil, nil), false)
		s.Write(func(a *Accessor) {
			must(a.Documents.Delete("orders/1", nil))
		})
		deepEqual(t, isStale(t, s, "idx", nil, nil), true)
	})
}

func TestStaleness_Cutoffs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		var indexedAt time.Time
		var indexedEtag Etag
		s.Write(func(a *Accessor) {
			ensure(a.Indexing.AddIndex("idx", false))
			indexedEtag = must(a.Documents.Put("orders/1", nil, raw(`{}`), nil)).Etag
			indexedAt = a.Store().Now()
			ensure(a.Indexing.UpdateLastIndexed("idx", indexedEtag, indexedAt))
		})
		s.Clock.Advance(time.Minute)
		var newer Etag
		s.Write(func(a *Accessor) {
			newer = must(a.Documents.Put("orders/2", nil, raw(`{}`), nil)).Etag
		})

		deepEqual(t, isStale(t, s, "idx", nil, nil), true)

		earlier := indexedAt.Add(-time.Second)
		deepEqual(t, isStale(t, s, "idx", &earlier, nil), false)
		deepEqual(t, isStale(t, s, "idx", &indexedAt, nil), false)
		later := indexedAt.Add(time.Second)
		deepEqual(t, isStale(t, s, "idx", &later, nil), true)

		deepEqual(t, isStale(t, s, "idx", nil, indexedEtag.Ptr()), false)
		deepEqual(t, isStale(t, s, "idx", nil, newer.Ptr()), true)
	})
}

func TestStaleness_ReduceBacklog(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		const idx = "Orders/Totals"
		s.Write(func(a *Accessor) {
			ensure(a.Indexing.AddIndex(idx, true))
			last := must(a.Documents.Put("orders/1", nil, raw(`{}`), nil)).Etag
			must(a.MapReduce.PutMappedResult(idx, "orders/1", "cust-7", raw(`1`)))
			ensure(a.MapReduce.ScheduleReductions(idx, 0, []ReduceKeyAndBucket{{"cust-7", MapBucket("orders/1")}}))
			ensure(a.Indexing.UpdateLastIndexed(idx, last, a.Store().Now()))
		})
		s.Read(func(a *Accessor) {
			deepEqual(t, must(a.Staleness.IsMapStale(idx)), false)
			deepEqual(t, a.Staleness.IsReduceStale(idx), true)
		})
		deepEqual(t, isStale(t, s, idx, nil, nil), true)

		s.Write(func(a *Accessor) {
			var keys []ScheduledReductionKey
			for _, err := range a.MapReduce.GetItemsToReduce(idx, 0, 0, &keys) {
				ensure(err)
			}
			info := nonNil(must(a.MapReduce.DeleteScheduledReduction(keys)))
			ensure(a.Indexing.UpdateLastReduced(idx, info.Etag, a.Store().Now()))
		})
		deepEqual(t, isStale(t, s, idx, nil, nil), false)

		s.Read(func(a *Accessor) {
			ts, e, err := a.Staleness.IndexLastUpdatedAt(idx)
			ensure(err)
			if !ts.Equal(testStart) {
				t.Errorf("IndexLastUpdatedAt time = %v", ts)
			}
			deepEqual(t, *must(a.Staleness.GetMostRecentReducedEtag(idx)), e)
		})
	})
}

func TestStaleness_ReduceCutoffTime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		const idx = "Orders/Totals"
		var last Etag
		s.Write(func(a *Accessor) {
			ensure(a.Indexing.AddIndex(idx, true))
			last = must(a.Documents.Put("orders/1", nil, raw(`{}`), nil)).Etag
			must(a.MapReduce.PutMappedResult(idx, "orders/1", "cust-7", raw(`1`)))
			ensure(a.Indexing.UpdateLastIndexed(idx, last, a.Store().Now()))
		})
		s.Clock.Advance(time.Minute)
		s.Write(func(a *Accessor) {
			ensure(a.MapReduce.ScheduleReductions(idx, 0, []ReduceKeyAndBucket{{"cust-7", MapBucket("orders/1")}}))
			ensure(a.Indexing.UpdateLastReduced(idx, last, a.Store().Now()))
		})
		s.Read(func(a *Accessor) {
			deepEqual(t, a.Staleness.IsReduceStale(idx), true)
		})

		// Mapping finished before the cutoff, but reducing ran after it.
		cutoff := testStart.Add(30 * time.Second)
		deepEqual(t, isStale(t, s, idx, &cutoff, nil), false)
		reduced := testStart.Add(time.Minute)
		deepEqual(t, isStale(t, s, idx, &reduced, nil), false)
		later := testStart.Add(2 * time.Minute)
		deepEqual(t, isStale(t, s, idx, &later, nil), true)
	})
}

func TestStaleness_Tasks(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		s.Write(func(a *Accessor) {
			ensure(a.Indexing.AddIndex("idx", false))
			must(a.Tasks.AddTask("idx", "touch", nil))
		})
		deepEqual(t, isStale(t, s, "idx", nil, nil), true)

		before := testStart.Add(-time.Second)
		deepEqual(t, isStale(t, s, "idx", &before, nil), false)
		deepEqual(t, isStale(t, s, "idx", &testStart, nil), true)
	})
}

func TestStaleness_UnknownAndDeletedIndex(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		const idx = "Orders/Totals"
		s.Write(func(a *Accessor) {
			ensure(a.Indexing.AddIndex(idx, true))
			must(a.Documents.Put("orders/1", nil, raw(`{}`), nil))
			must(a.MapReduce.PutMappedResult(idx, "orders/1", "cust-7", raw(`1`)))
			ensure(a.MapReduce.ScheduleReductions(idx, 0, []ReduceKeyAndBucket{{"cust-7", MapBucket("orders/1")}}))
			must(a.MapReduce.PutReducedResult(idx, "cust-7", 1, MapBucket("orders/1"), NextLevelBucket(0, MapBucket("orders/1")), raw(`1`)))
		})
		deepEqual(t, isStale(t, s, idx, nil, nil), true)

		s.Write(func(a *Accessor) {
			ensure(a.Indexing.DeleteIndex(idx))
		})
		s.Read(func(a *Accessor) {
			stale, err := a.Staleness.IsIndexStale(idx, nil, nil)
			if stale || !IsNotFound(err) {
				t.Errorf("IsIndexStale of deleted index = %v, %v; wanted false, not found", stale, err)
			}
			deepEqual(t, a.MapReduce.HasScheduledReductions(idx), false)
			isempty(t, must(a.MapReduce.GetMappedResultsForDebug(idx, "cust-7", 0, 0)))
			isempty(t, must(a.MapReduce.GetReducedResultsForDebug(idx, "cust-7", 1, 0, 0)))
			isempty(t, a.IndexBucketStats(idx))
			deepEqual(t, must(a.Staleness.GetIndexTouchCount(idx)), -1)
			if _, err := a.Staleness.IsMapStale(idx); !IsNotFound(err) {
				t.Errorf("IsMapStale = %v, wanted not found", err)
			}
		})

		err := s.Batch(context.Background(), func(a *Accessor) error {
			_, err := a.MapReduce.PutMappedResult(idx, "orders/1", "cust-7", raw(`1`))
			return err
		})
		if !IsNotFound(err) {
			t.Errorf("PutMappedResult on deleted index = %v, wanted not found", err)
		}
	})
}
