package mrdb

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIndexing_AddGetDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		s.Write(func(a *Accessor) {
			ensure(a.Indexing.AddIndex("Orders/ByCustomer", true))
			ensure(a.Indexing.AddIndex("Users/ByName", false))
		})
		s.Read(func(a *Accessor) {
			st := must(a.Indexing.GetIndexStats("orders/bycustomer"))
			deepEqual(t, st.Name, "Orders/ByCustomer")
			deepEqual(t, st.HasReduce(), true)
			deepEqual(t, st.TouchCount, 0)
			deepEqual(t, st.LastIndexedEtag, ZeroEtag)

			st = must(a.Indexing.GetIndexStats("Users/ByName"))
			deepEqual(t, st.HasReduce(), false)

			all := must(a.Indexing.GetIndexesStats())
			deepEqual(t, len(all), 2)
			deepEqual(t, all[0].Name, "Orders/ByCustomer")
			deepEqual(t, all[1].Name, "Users/ByName")

			if _, err := a.Indexing.GetIndexStats("nope"); !IsNotFound(err) {
				t.Errorf("GetIndexStats(nope) = %v, wanted not found", err)
			}
		})
		s.Write(func(a *Accessor) {
			ensure(a.Indexing.DeleteIndex("users/byname"))
			if err := a.Indexing.DeleteIndex("users/byname"); !IsNotFound(err) {
				t.Errorf("second DeleteIndex = %v, wanted not found", err)
			}
		})
		s.Read(func(a *Accessor) {
			deepEqual(t, len(must(a.Indexing.GetIndexesStats())), 1)
		})
	})
}

func TestIndexing_UpdateStats(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		ts := testStart.Add(time.Hour)
		e := MakeEtag(1, 10)
		s.Write(func(a *Accessor) {
			ensure(a.Indexing.AddIndex("idx", true))
			ensure(a.Indexing.UpdateLastIndexed("idx", e, ts))
			ensure(a.Indexing.UpdateLastReduced("idx", e, ts))
			ensure(a.Indexing.MarkIndexQueried("idx", ts))
			ensure(a.Indexing.MarkIndexQueried("idx", testStart))
			ensure(a.Indexing.TouchIndexEtag("idx"))
			ensure(a.Indexing.TouchIndexEtag("idx"))
			ensure(a.Indexing.UpdateIndexingStats("idx", IndexingWorkStats{IndexingAttempts: 10, IndexingSuccesses: 8, IndexingErrors: 2}))
			ensure(a.Indexing.UpdateIndexingStats("idx", IndexingWorkStats{IndexingAttempts: 5, IndexingSuccesses: 5}))
			ensure(a.Indexing.UpdateReduceStats("idx", IndexingWorkStats{ReduceAttempts: 4, ReduceSuccesses: 3, ReduceErrors: 1}))
		})
		s.Read(func(a *Accessor) {
			st := must(a.Indexing.GetIndexStats("idx"))
			deepEqual(t, st.LastIndexedEtag, e)
			if !st.LastIndexedTimestamp.Equal(ts) || !st.LastQueryTimestamp.Equal(ts) {
				t.Errorf("timestamps = %v, %v, wanted %v", st.LastIndexedTimestamp, st.LastQueryTimestamp, ts)
			}
			deepEqual(t, st.TouchCount, 2)
			deepEqual(t, [3]int{st.IndexingAttempts, st.IndexingSuccesses, st.IndexingErrors}, [3]int{15, 13, 2})
			deepEqual(t, st.Reduce.LastReducedEtag, e)
			deepEqual(t, [3]int{st.Reduce.ReduceAttempts, st.Reduce.ReduceSuccesses, st.Reduce.ReduceErrors}, [3]int{4, 3, 1})

			info := must(a.Indexing.GetFailureRate("idx"))
			deepEqual(t, info.Attempts, 15)
			deepEqual(t, *info.ReduceAttempts, 4)
			deepEqual(t, info.FailureRate(), 3.0/19.0)
			deepEqual(t, info.IsInvalidIndex(), false)
		})
		s.Write(func(a *Accessor) {
			ensure(a.Indexing.AddIndex("idx", true))
		})
		s.Read(func(a *Accessor) {
			st := must(a.Indexing.GetIndexStats("idx"))
			deepEqual(t, st.IndexingAttempts, 0)
			deepEqual(t, st.TouchCount, 0)
		})
	})
}

func TestIndexing_InvalidUpdates(t *testing.T) {
	s := setup(t, Memory)
	s.Write(func(a *Accessor) {
		ensure(a.Indexing.AddIndex("map", false))
	})
	tests := []struct {
		name string
		f    func(a *Accessor) error
		want error
	}{
		{"reduce stats on map index", func(a *Accessor) error {
			return a.Indexing.UpdateReduceStats("map", IndexingWorkStats{ReduceAttempts: 1})
		}, ErrInvariantViolation},
		{"last reduced on map index", func(a *Accessor) error {
			return a.Indexing.UpdateLastReduced("map", MakeEtag(1, 1), testStart)
		}, ErrInvariantViolation},
		{"negative delta", func(a *Accessor) error {
			return a.Indexing.UpdateIndexingStats("map", IndexingWorkStats{IndexingAttempts: -1})
		}, ErrInvariantViolation},
		{"more outcomes than attempts", func(a *Accessor) error {
			return a.Indexing.UpdateIndexingStats("map", IndexingWorkStats{IndexingAttempts: 1, IndexingSuccesses: 1, IndexingErrors: 1})
		}, ErrInvariantViolation},
		{"unknown index", func(a *Accessor) error {
			return a.Indexing.UpdateIndexingStats("nope", IndexingWorkStats{})
		}, ErrNotFound},
		{"touch unknown index", func(a *Accessor) error {
			return a.Indexing.TouchIndexEtag("nope")
		}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Batch(context.Background(), tt.f)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, wanted %v", err, tt.want)
			}
		})
	}
}

func TestIndexFailureInformation_IsInvalidIndex(t *testing.T) {
	intp := func(v int) *int { return &v }
	tests := []struct {
		info IndexFailureInformation
		want bool
	}{
		{IndexFailureInformation{Attempts: 100, Errors: 100}, false},
		{IndexFailureInformation{Attempts: 101, Errors: 15}, false},
		{IndexFailureInformation{Attempts: 101, Errors: 16}, true},
		{IndexFailureInformation{Attempts: 60, Errors: 5, ReduceAttempts: intp(60), ReduceErrors: intp(30)}, true},
		{IndexFailureInformation{}, false},
	}
	for _, tt := range tests {
		if got := tt.info.IsInvalidIndex(); got != tt.want {
			t.Errorf("IsInvalidIndex(%+v) = %v, wanted %v", tt.info, got, tt.want)
		}
	}
}
