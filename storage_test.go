package mrdb

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/andreyvit/mrdb/journal"
)

func openTestStorage(t *testing.T, backend Backend) storage {
	t.Helper()
	var st storage
	var err error
	switch backend {
	case Memory:
		st = newMemStorage()
	case Bolt:
		st, err = openBoltStorage(filepath.Join(t.TempDir(), "test.db"), boltStorageOptions{IsTesting: true})
	case Pebble:
		st, err = openPebbleStorage(filepath.Join(t.TempDir(), "pebble"), pebbleStorageOptions{IsTesting: true})
	}
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

func forEachStorage(t *testing.T, f func(t *testing.T, st storage)) {
	for _, b := range allBackends {
		t.Run(b.String(), func(t *testing.T) {
			f(t, openTestStorage(t, b))
		})
	}
}

func writeTx(t *testing.T, st storage, f func(tx storageTx)) {
	t.Helper()
	tx := must(st.BeginTx(true))
	defer tx.Rollback()
	f(tx)
	if err := tx.Commit(); err != nil {
		t.Fatalf("** commit: %v", err)
	}
}

func readTx(t *testing.T, st storage, f func(tx storageTx)) {
	t.Helper()
	tx := must(st.BeginTx(false))
	defer tx.Rollback()
	f(tx)
}

func fill(b storageBucket, keys ...string) {
	for _, k := range keys {
		ensure(b.Put([]byte(k), []byte("v"+k)))
	}
}

func collect(k []byte, step func() ([]byte, []byte)) []string {
	var result []string
	for ; k != nil; k, _ = step() {
		result = append(result, string(k))
	}
	return result
}

func TestStorage_PutGetDelete(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		writeTx(t, st, func(tx storageTx) {
			b := must(tx.CreateBucket("root", ""))
			fill(b, "a", "b")
			deepEqual(t, string(b.Get([]byte("a"))), "va")
		})
		readTx(t, st, func(tx storageTx) {
			b := nonNil(tx.Bucket("root", ""))
			deepEqual(t, string(b.Get([]byte("b"))), "vb")
			if b.Get([]byte("c")) != nil {
				t.Errorf("missing key returned a value")
			}
			deepEqual(t, b.KeyCount(), 2)
			deepEqual(t, b.Stats().Rows, 2)
			if tx.Bucket("nope", "") != nil {
				t.Errorf("missing bucket returned")
			}
		})
		writeTx(t, st, func(tx storageTx) {
			ensure(tx.Bucket("root", "").Delete([]byte("a")))
		})
		readTx(t, st, func(tx storageTx) {
			if tx.Bucket("root", "").Get([]byte("a")) != nil {
				t.Errorf("deleted key still present")
			}
		})
	})
}

func TestStorage_Rollback(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		writeTx(t, st, func(tx storageTx) {
			fill(must(tx.CreateBucket("root", "")), "a")
		})
		tx := must(st.BeginTx(true))
		fill(tx.Bucket("root", ""), "b")
		ensure(tx.Rollback())
		ensure(tx.Rollback())
		readTx(t, st, func(tx storageTx) {
			if tx.Bucket("root", "").Get([]byte("b")) != nil {
				t.Errorf("rolled back write is visible")
			}
		})
	})
}

func TestStorage_NestedBuckets(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		writeTx(t, st, func(tx storageTx) {
			fill(must(tx.CreateBucket("mapped", "one")), "x", "y")
			fill(must(tx.CreateBucket("mapped", "two")), "z")
		})
		readTx(t, st, func(tx storageTx) {
			c := tx.Bucket("mapped", "one").Cursor()
			k, _ := c.First()
			deepEqual(t, collect(k, c.Next), []string{"x", "y"})
			c = tx.Bucket("mapped", "two").Cursor()
			k, _ = c.First()
			deepEqual(t, collect(k, c.Next), []string{"z"})
		})
		writeTx(t, st, func(tx storageTx) {
			ensure(tx.DeleteBucket("mapped", "one"))
			if err := tx.DeleteBucket("mapped", "one"); !errors.Is(err, ErrBucketNotFound) {
				t.Errorf("second DeleteBucket = %v, wanted ErrBucketNotFound", err)
			}
			if err := tx.DeleteBucket("nope", "x"); !errors.Is(err, ErrBucketNotFound) {
				t.Errorf("DeleteBucket of missing root = %v, wanted ErrBucketNotFound", err)
			}
		})
		readTx(t, st, func(tx storageTx) {
			if tx.Bucket("mapped", "one") != nil {
				t.Errorf("deleted bucket still present")
			}
			nonNil(tx.Bucket("mapped", "two"))
		})
		writeTx(t, st, func(tx storageTx) {
			b := must(tx.CreateBucket("mapped", "one"))
			if b.Get([]byte("x")) != nil {
				t.Errorf("recreated bucket kept old data")
			}
		})
	})
}

func TestStorage_Cursor(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		writeTx(t, st, func(tx storageTx) {
			fill(must(tx.CreateBucket("root", "")), "a1", "a2", "b1", "b2", "c1")
		})
		readTx(t, st, func(tx storageTx) {
			b := tx.Bucket("root", "")

			c := b.Cursor()
			k, _ := c.Last()
			deepEqual(t, collect(k, c.Prev), []string{"c1", "b2", "b1", "a2", "a1"})

			c = b.Cursor()
			k, _ = c.Seek([]byte("b"))
			deepEqual(t, collect(k, c.Next), []string{"b1", "b2", "c1"})

			c = b.Cursor()
			k, _ = c.Seek([]byte("d"))
			isempty(t, collect(k, c.Next))

			c = b.Cursor()
			k, _ = c.SeekLast([]byte("b"))
			deepEqual(t, collect(k, c.Prev), []string{"b2", "b1", "a2", "a1"})

			c = b.Cursor()
			k, _ = c.SeekLast([]byte("z"))
			deepEqual(t, string(k), "c1")

			c = b.Cursor()
			k, _ = c.SeekLast([]byte("0"))
			if k != nil {
				t.Errorf("SeekLast before every key = %q, wanted nil", k)
			}

			c = b.Cursor()
			k, v := c.Next()
			deepEqual(t, string(k), "a1")
			deepEqual(t, string(v), "va1")
		})
	})
}

func TestStorage_EmptyBucketCursor(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		writeTx(t, st, func(tx storageTx) {
			must(tx.CreateBucket("root", ""))
		})
		readTx(t, st, func(tx storageTx) {
			c := tx.Bucket("root", "").Cursor()
			if k, _ := c.First(); k != nil {
				t.Errorf("First = %q", k)
			}
			if k, _ := c.Last(); k != nil {
				t.Errorf("Last = %q", k)
			}
			if k, _ := c.SeekLast([]byte("a")); k != nil {
				t.Errorf("SeekLast = %q", k)
			}
		})
	})
}

func TestStorage_CursorDelete(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		writeTx(t, st, func(tx storageTx) {
			fill(must(tx.CreateBucket("root", "")), "a", "b", "c")
		})
		writeTx(t, st, func(tx storageTx) {
			c := tx.Bucket("root", "").Cursor()
			c.Seek([]byte("b"))
			ensure(c.Delete())
		})
		readTx(t, st, func(tx storageTx) {
			c := tx.Bucket("root", "").Cursor()
			k, _ := c.First()
			deepEqual(t, collect(k, c.Next), []string{"a", "c"})
		})
	})
}

func TestMemStorage_Conflict(t *testing.T) {
	st := openTestStorage(t, Memory)
	writeTx(t, st, func(tx storageTx) {
		fill(must(tx.CreateBucket("root", "")), "a", "b")
	})

	tx1 := must(st.BeginTx(true))
	tx2 := must(st.BeginTx(true))
	tx3 := must(st.BeginTx(true))
	ensure(tx1.Bucket("root", "").Put([]byte("a"), []byte("1")))
	ensure(tx2.Bucket("root", "").Put([]byte("a"), []byte("2")))
	ensure(tx3.Bucket("root", "").Put([]byte("b"), []byte("3")))

	ensure(tx1.Commit())
	if err := tx2.Commit(); err != errConflict {
		t.Fatalf("tx2.Commit = %v, wanted errConflict", err)
	}
	ensure(tx3.Commit())

	readTx(t, st, func(tx storageTx) {
		b := tx.Bucket("root", "")
		deepEqual(t, string(b.Get([]byte("a"))), "1")
		deepEqual(t, string(b.Get([]byte("b"))), "3")
	})
}

func TestMemStorage_CommitPublishesTxBuckets(t *testing.T) {
	st := newMemStorage()
	writeTx(t, st, func(tx storageTx) {
		fill(must(tx.CreateBucket("root", "")), "a")
	})

	tx := must(st.BeginTx(true)).(*memTx)
	fill(tx.Bucket("root", ""), "b")
	written := tx.buckets[memBucketKey("root", "")]
	ensure(tx.Commit())
	if st.buckets[memBucketKey("root", "")] != written {
		t.Errorf("uncontended commit copied the bucket again")
	}

	tx1 := must(st.BeginTx(true)).(*memTx)
	tx2 := must(st.BeginTx(true)).(*memTx)
	fill(tx1.Bucket("root", ""), "c")
	fill(tx2.Bucket("root", ""), "d")
	ensure(tx1.Commit())
	ensure(tx2.Commit())
	if st.buckets[memBucketKey("root", "")] == tx2.buckets[memBucketKey("root", "")] {
		t.Errorf("commit after a concurrent one published its stale snapshot")
	}
	readTx(t, st, func(tx storageTx) {
		c := tx.Bucket("root", "").Cursor()
		k, _ := c.First()
		deepEqual(t, collect(k, c.Next), []string{"a", "b", "c", "d"})
	})
}

func TestMemStorage_SnapshotIsolation(t *testing.T) {
	st := openTestStorage(t, Memory)
	writeTx(t, st, func(tx storageTx) {
		fill(must(tx.CreateBucket("root", "")), "a")
	})
	rtx := must(st.BeginTx(false))
	defer rtx.Rollback()
	writeTx(t, st, func(tx storageTx) {
		fill(tx.Bucket("root", ""), "b")
	})
	if rtx.Bucket("root", "").Get([]byte("b")) != nil {
		t.Errorf("snapshot sees a later commit")
	}
	if err := rtx.Bucket("root", "").Put([]byte("c"), nil); err == nil {
		t.Errorf("read-only put succeeded")
	}
}

func TestMemStorage_WALReplay(t *testing.T) {
	dir := t.TempDir()
	st := must(openMemStorage(memStorageOptions{WALDir: dir, NoSync: true}))
	writeTx(t, st, func(tx storageTx) {
		fill(must(tx.CreateBucket("root", "")), "a", "b")
		fill(must(tx.CreateBucket("nested", "x")), "n")
	})
	writeTx(t, st, func(tx storageTx) {
		ensure(tx.Bucket("root", "").Delete([]byte("a")))
		ensure(tx.DeleteBucket("nested", "x"))
	})
	ensure(st.Close())

	st = must(openMemStorage(memStorageOptions{WALDir: dir, NoSync: true}))
	defer st.Close()
	readTx(t, st, func(tx storageTx) {
		b := nonNil(tx.Bucket("root", ""))
		if b.Get([]byte("a")) != nil {
			t.Errorf("deleted key replayed")
		}
		deepEqual(t, string(b.Get([]byte("b"))), "vb")
		if tx.Bucket("nested", "x") != nil {
			t.Errorf("dropped bucket replayed")
		}
	})
}

func TestMemStorage_WALCheckpoint(t *testing.T) {
	dir := t.TempDir()
	opt := memStorageOptions{WALDir: dir, NoSync: true, CheckpointEvery: 2}
	st := must(openMemStorage(opt))
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		writeTx(t, st, func(tx storageTx) {
			fill(must(tx.CreateBucket("root", "")), k)
		})
	}
	writeTx(t, st, func(tx storageTx) {
		ensure(tx.Bucket("root", "").Delete([]byte("b")))
	})
	ensure(st.Close())

	// Commits 1-2, checkpoint 3, commits 4-5, checkpoint 6, commits 7-8, checkpoint 9.
	names := must(journal.SegmentNames(dir, journal.Options{FileName: WALFileName}))
	deepEqual(t, names, []string{"mrdb-0000000000000009.wal"})

	st = must(openMemStorage(opt))
	defer st.Close()
	readTx(t, st, func(tx storageTx) {
		b := nonNil(tx.Bucket("root", ""))
		for _, k := range []string{"a", "c", "d", "e"} {
			deepEqual(t, string(b.Get([]byte(k))), "v"+k)
		}
		if b.Get([]byte("b")) != nil {
			t.Errorf("deleted key replayed")
		}
	})
}

func TestStorage_ClosedBeginFails(t *testing.T) {
	st := newMemStorage()
	ensure(st.Close())
	if _, err := st.BeginTx(false); !errors.Is(err, ErrClosed) {
		t.Fatalf("BeginTx after Close = %v, wanted ErrClosed", err)
	}
}
