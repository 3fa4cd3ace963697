package mrdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestBatch_RollbackOnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		boom := errors.New("boom")
		var committed bool
		err := s.Batch(context.Background(), func(a *Accessor) error {
			must(a.Documents.Put("users/1", nil, raw(`1`), nil))
			a.OnCommit(func() { committed = true })
			return boom
		})
		if err != boom {
			t.Fatalf("Batch = %v, wanted boom", err)
		}
		deepEqual(t, committed, false)
		s.Read(func(a *Accessor) {
			isnil(t, must(a.Documents.Get("users/1")))
		})
		deepEqual(t, s.FailureCount.Load(), uint64(1))
	})
}

func TestBatch_RollbackOnPanic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		err := s.Batch(context.Background(), func(a *Accessor) error {
			must(a.Documents.Put("users/1", nil, raw(`1`), nil))
			panic("oops")
		})
		if err == nil || !strings.Contains(err.Error(), "panic: oops") {
			t.Fatalf("Batch = %v, wanted panic error", err)
		}
		s.Read(func(a *Accessor) {
			isnil(t, must(a.Documents.Get("users/1")))
		})
	})
}

func TestBatch_PanicWithErrorUnwraps(t *testing.T) {
	s := setup(t, Memory)
	boom := errors.New("boom")
	err := s.Batch(context.Background(), func(a *Accessor) error {
		panic(boom)
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Batch = %v, wanted to wrap boom", err)
	}
}

func TestBatch_OnCommit(t *testing.T) {
	s := setup(t, Memory)
	var calls []string
	s.Write(func(a *Accessor) {
		a.OnCommit(func() { calls = append(calls, "first") })
		a.OnCommit(func() { calls = append(calls, "second") })
		if len(calls) != 0 {
			t.Errorf("callback ran before commit")
		}
	})
	deepEqual(t, calls, []string{"first", "second"})
}

func TestBatch_NestedPanics(t *testing.T) {
	s := setup(t, Memory)
	s.Write(func(a *Accessor) {
		defer func() {
			if recover() == nil {
				t.Errorf("nested batch didn't panic")
			}
		}()
		s.Batch(a.Context(), func(a *Accessor) error { return nil })
	})
}

func TestBatch_ViewIsReadOnly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		err := s.View(context.Background(), func(a *Accessor) error {
			if a.Writable() {
				t.Errorf("view is writable")
			}
			_, err := a.Documents.Put("users/1", nil, raw(`1`), nil)
			return err
		})
		if err == nil {
			t.Fatalf("Put inside View succeeded")
		}
		deepEqual(t, s.ViewCount.Load(), uint64(1))
	})
}

func TestBatch_Closed(t *testing.T) {
	s := setup(t, Memory)
	ensure(s.Close())
	ensure(s.Close())
	if err := s.Batch(context.Background(), func(a *Accessor) error { return nil }); err != ErrClosed {
		t.Errorf("Batch after Close = %v, wanted ErrClosed", err)
	}
	if err := s.View(context.Background(), func(a *Accessor) error { return nil }); err != ErrClosed {
		t.Errorf("View after Close = %v, wanted ErrClosed", err)
	}
}

func TestBatch_ConcurrentWriters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		const workers, perWorker = 8, 10
		var wg sync.WaitGroup
		for w := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range perWorker {
					err := s.Batch(context.Background(), func(a *Accessor) error {
						_, err := a.Documents.Put(fmt.Sprintf("docs/%d-%d", w, i), nil, raw(`{}`), nil)
						return err
					})
					if err != nil {
						t.Errorf("batch failed: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		s.Read(func(a *Accessor) {
			docs := must(a.Documents.GetDocumentsAfter(ZeroEtag, 0))
			deepEqual(t, len(docs), workers*perWorker)
			for i := 1; i < len(docs); i++ {
				if !docs[i-1].Etag.Less(docs[i].Etag) {
					t.Fatalf("etags out of order at %d", i)
				}
			}
			deepEqual(t, must(a.Staleness.GetMostRecentDocumentEtag()), docs[len(docs)-1].Etag)
		})
	})
}

func TestBatch_ConflictRetriesAreBounded(t *testing.T) {
	s := setup(t, Memory)
	s.Store.retries = 2
	var attempts int
	err := s.Batch(context.Background(), func(a *Accessor) error {
		attempts++
		must(a.Documents.Put("users/1", nil, raw(`1`), nil))
		// a competing commit after this batch started
		tx := must(s.st.BeginTx(true))
		ensure(tx.Bucket(metaBucket, "").Put(metaLastDocumentEtagKey, encodeValue(nil, MakeEtag(99, uint64(attempts)))))
		ensure(tx.Commit())
		return nil
	})
	if !errors.Is(err, ErrStorageFailure) || !errors.Is(err, errConflict) {
		t.Fatalf("Batch = %v, wanted conflict storage failure", err)
	}
	deepEqual(t, attempts, 3)
	deepEqual(t, s.ConflictCount.Load(), uint64(3))
}

func TestStore_ReadOnly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		s.Write(func(a *Accessor) {
			must(a.Documents.Put("users/1", nil, raw(`1`), nil))
		})
		r := s.Etags().Restarts()
		ensure(s.Store.Close())

		ro := s.opt
		ro.ReadOnly = true
		s.Store = must(Open(ro))
		deepEqual(t, s.Etags().Restarts(), r)
		s.Read(func(a *Accessor) {
			deepEqual(t, string(must(a.Documents.Get("users/1")).Data), `1`)
		})
		err := s.Batch(context.Background(), func(a *Accessor) error { return nil })
		if !errors.Is(err, ErrReadOnly) {
			t.Fatalf("Batch on read-only store = %v, wanted ErrReadOnly", err)
		}

		s.Reopen()
		deepEqual(t, s.Etags().Restarts(), r+1)
	})
}
