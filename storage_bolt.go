package mrdb

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"go.etcd.io/bbolt"
)

// boltStorage maps root buckets to Bolt top-level buckets and nested buckets
// to Bolt sub-buckets. Bolt allows a single writer, so commits never
// conflict.
type boltStorage struct {
	db *bbolt.DB
}

type boltStorageOptions struct {
	IsTesting bool
	NoSync    bool
	ReadOnly  bool
	MmapSize  int
}

const (
	boltOpenTimeout     = 10 * time.Second
	boltTestMmapSize    = 5 << 20
	boltDefaultMmapSize = 1 << 30
)

func (o boltStorageOptions) bolt() *bbolt.Options {
	bo := *bbolt.DefaultOptions
	bo.Timeout = boltOpenTimeout
	bo.NoSync = o.NoSync || o.IsTesting
	bo.ReadOnly = o.ReadOnly
	if o.IsTesting {
		bo.NoFreelistSync = true
		bo.InitialMmapSize = boltTestMmapSize
	} else {
		bo.FreelistType = bbolt.FreelistMapType
		bo.InitialMmapSize = boltDefaultMmapSize
	}
	if o.MmapSize > 0 {
		bo.InitialMmapSize = o.MmapSize
	}
	return &bo
}

func openBoltStorage(path string, o boltStorageOptions) (*boltStorage, error) {
	db, err := bbolt.Open(path, 0o666, o.bolt())
	if err != nil {
		return nil, fmt.Errorf("bolt: %w", err)
	}
	return &boltStorage{db: db}, nil
}

func (s *boltStorage) BeginTx(writable bool) (storageTx, error) {
	tx, err := s.db.Begin(writable)
	if err != nil {
		return nil, boltErr(err)
	}
	return boltTx{tx}, nil
}

func (s *boltStorage) Close() error {
	return s.db.Close()
}

func boltErr(err error) error {
	switch {
	case errors.Is(err, bbolt.ErrDatabaseNotOpen):
		return ErrClosed
	case errors.Is(err, bbolt.ErrBucketNotFound):
		return ErrBucketNotFound
	case errors.Is(err, bbolt.ErrDatabaseReadOnly):
		return ErrReadOnly
	default:
		return err
	}
}

// bname avoids copying bucket names on lookups; Bolt does not retain them.
func bname(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

type boltTx struct {
	tx *bbolt.Tx
}

func (t boltTx) Writable() bool { return t.tx.Writable() }

func (t boltTx) Bucket(name, sub string) storageBucket {
	b := t.tx.Bucket(bname(name))
	if b != nil && sub != "" {
		b = b.Bucket(bname(sub))
	}
	if b == nil {
		return nil
	}
	return boltBucket{b}
}

func (t boltTx) CreateBucket(name, sub string) (storageBucket, error) {
	// Created names are stored by Bolt, so they are copied.
	b, err := t.tx.CreateBucketIfNotExists([]byte(name))
	if err == nil && sub != "" {
		b, err = b.CreateBucketIfNotExists([]byte(sub))
	}
	if err != nil {
		return nil, err
	}
	return boltBucket{b}, nil
}

func (t boltTx) DeleteBucket(name, sub string) error {
	root := t.tx.Bucket(bname(name))
	if sub == "" || root == nil {
		return ErrBucketNotFound
	}
	return boltErr(root.DeleteBucket(bname(sub)))
}

func (t boltTx) Commit() error {
	return t.tx.Commit()
}

func (t boltTx) Rollback() error {
	if err := t.tx.Rollback(); !errors.Is(err, bbolt.ErrTxClosed) {
		return err
	}
	return nil
}

type boltBucket struct {
	b *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) []byte       { return b.b.Get(key) }
func (b boltBucket) Put(key, value []byte) error { return b.b.Put(key, value) }
func (b boltBucket) Delete(key []byte) error     { return b.b.Delete(key) }
func (b boltBucket) Cursor() storageCursor       { return boltCursor{b.b.Cursor()} }
func (b boltBucket) KeyCount() int               { return b.b.Stats().KeyN }

func (b boltBucket) Stats() BucketStats {
	st := b.b.Stats()
	return BucketStats{
		Rows:      st.KeyN,
		DataSize:  int64(st.LeafInuse),
		DataAlloc: int64(st.LeafAlloc + st.BranchAlloc),
	}
}

// boltCursor embeds the Bolt cursor, whose moves already match storageCursor.
type boltCursor struct {
	*bbolt.Cursor
}

func (c boltCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	// Without an end key (empty or all-0xFF prefix) every key sorting after
	// the prefix has it, so the answer is the last key.
	end := prefixEnd(prefix)
	if end == nil {
		return c.Last()
	}
	if k, _ := c.Seek(end); k == nil {
		return c.Last()
	}
	return c.Prev()
}
