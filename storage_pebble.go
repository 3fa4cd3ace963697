package mrdb

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Pebble has no buckets, so they are emulated with key prefixes:
//
//	marker: 0x01 name sub        => empty
//	data:   0x02 name sub key    => value
//
// where name and sub use the key string encoding, which keeps prefixes of
// distinct buckets disjoint.
const (
	pebbleMarkerPrefix = 0x01
	pebbleDataPrefix   = 0x02
)

type pebbleStorage struct {
	db       *pebble.DB
	writeMu  sync.Mutex
	wo       *pebble.WriteOptions
	readOnly bool
}

type pebbleStorageOptions struct {
	IsTesting bool
	NoSync    bool
	ReadOnly  bool
}

func openPebbleStorage(path string, o pebbleStorageOptions) (*pebbleStorage, error) {
	popt := &pebble.Options{ReadOnly: o.ReadOnly}
	if o.IsTesting {
		popt.MemTableSize = 4 << 20
	}
	db, err := pebble.Open(path, popt)
	if err != nil {
		return nil, fmt.Errorf("pebble: %w", err)
	}
	wo := pebble.Sync
	if o.NoSync || o.IsTesting {
		wo = pebble.NoSync
	}
	return &pebbleStorage{db: db, wo: wo, readOnly: o.ReadOnly}, nil
}

func (s *pebbleStorage) BeginTx(writable bool) (storageTx, error) {
	if writable {
		if s.readOnly {
			return nil, ErrReadOnly
		}
		s.writeMu.Lock()
		return &pebbleTx{s: s, writable: true, batch: s.db.NewIndexedBatch()}, nil
	}
	snap := s.db.NewSnapshot()
	return &pebbleTx{s: s, snap: snap}, nil
}

func (s *pebbleStorage) Close() error {
	return s.db.Close()
}

func (s *pebbleStorage) Metrics() *pebble.Metrics {
	return s.db.Metrics()
}

type pebbleTx struct {
	s        *pebbleStorage
	writable bool
	batch    *pebble.Batch
	snap     *pebble.Snapshot
	iters    []*pebble.Iterator
	closed   bool
}

func (tx *pebbleTx) reader() pebble.Reader {
	if tx.closed {
		panic("tx is closed")
	}
	if tx.batch != nil {
		return tx.batch
	}
	return tx.snap
}

func (tx *pebbleTx) Writable() bool { return tx.writable }

func pebbleBucketPrefix(kind byte, name, sub string) []byte {
	buf := make([]byte, 0, 3+len(name)+len(sub)+4)
	buf = append(buf, kind)
	buf = appendKeyString(buf, name)
	buf = appendKeyString(buf, sub)
	return buf
}

func (tx *pebbleTx) has(key []byte) bool {
	_, closer, err := tx.reader().Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false
	} else if err != nil {
		panic(fmt.Errorf("pebble get: %w", err))
	}
	closer.Close()
	return true
}

func (tx *pebbleTx) Bucket(name, sub string) storageBucket {
	if !tx.has(pebbleBucketPrefix(pebbleMarkerPrefix, name, sub)) {
		return nil
	}
	return &pebbleBucket{tx: tx, prefix: pebbleBucketPrefix(pebbleDataPrefix, name, sub)}
}

func (tx *pebbleTx) CreateBucket(name, sub string) (storageBucket, error) {
	if !tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}
	if sub != "" {
		if _, err := tx.CreateBucket(name, ""); err != nil {
			return nil, err
		}
	}
	marker := pebbleBucketPrefix(pebbleMarkerPrefix, name, sub)
	if !tx.has(marker) {
		if err := tx.batch.Set(marker, nil, nil); err != nil {
			return nil, err
		}
	}
	return &pebbleBucket{tx: tx, prefix: pebbleBucketPrefix(pebbleDataPrefix, name, sub)}, nil
}

func (tx *pebbleTx) DeleteBucket(name, sub string) error {
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if sub == "" {
		return ErrBucketNotFound
	}
	marker := pebbleBucketPrefix(pebbleMarkerPrefix, name, sub)
	if !tx.has(marker) {
		return ErrBucketNotFound
	}

	prefix := pebbleBucketPrefix(pebbleDataPrefix, name, sub)
	it, err := tx.batch.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	var keys [][]byte
	for valid := it.First(); valid; valid = it.Next() {
		keys = append(keys, slices.Clone(it.Key()))
	}
	if err := it.Close(); err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.batch.Delete(k, nil); err != nil {
			return err
		}
	}
	return tx.batch.Delete(marker, nil)
}

func (tx *pebbleTx) closeIters() error {
	var firstErr error
	for _, it := range tx.iters {
		if err := it.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	tx.iters = nil
	return firstErr
}

func (tx *pebbleTx) finish() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	err := tx.closeIters()
	if tx.batch != nil {
		if cerr := tx.batch.Close(); err == nil {
			err = cerr
		}
		tx.s.writeMu.Unlock()
	}
	if tx.snap != nil {
		if cerr := tx.snap.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (tx *pebbleTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if err := tx.closeIters(); err != nil {
		tx.finish()
		return err
	}
	err := tx.batch.Commit(tx.s.wo)
	if ferr := tx.finish(); err == nil {
		err = ferr
	}
	return err
}

func (tx *pebbleTx) Rollback() error {
	return tx.finish()
}

type pebbleBucket struct {
	tx     *pebbleTx
	prefix []byte
}

func (b *pebbleBucket) key(k []byte) []byte {
	buf := make([]byte, 0, len(b.prefix)+len(k))
	buf = append(buf, b.prefix...)
	return append(buf, k...)
}

func (b *pebbleBucket) Get(key []byte) []byte {
	v, closer, err := b.tx.reader().Get(b.key(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	} else if err != nil {
		panic(fmt.Errorf("pebble get: %w", err))
	}
	v = append([]byte{}, v...)
	closer.Close()
	return v
}

func (b *pebbleBucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	return b.tx.batch.Set(b.key(key), value, nil)
}

func (b *pebbleBucket) Delete(key []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	return b.tx.batch.Delete(b.key(key), nil)
}

func (b *pebbleBucket) Cursor() storageCursor {
	return &pebbleCursor{b: b}
}

func (b *pebbleBucket) Stats() BucketStats {
	var st BucketStats
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		st.Rows++
		st.DataSize += int64(len(k) + len(v))
	}
	st.DataAlloc = st.DataSize
	return st
}

func (b *pebbleBucket) KeyCount() int {
	var n int
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

// pebbleCursor opens its iterator lazily. Returned keys and values are
// copies, because Pebble reuses iterator buffers on every step.
type pebbleCursor struct {
	b       *pebbleBucket
	it      *pebble.Iterator
	started bool
}

func (c *pebbleCursor) iter() *pebble.Iterator {
	c.started = true
	if c.it == nil {
		it, err := c.b.tx.reader().NewIter(&pebble.IterOptions{
			LowerBound: c.b.prefix,
			UpperBound: prefixEnd(c.b.prefix),
		})
		if err != nil {
			panic(fmt.Errorf("pebble iter: %w", err))
		}
		c.b.tx.iters = append(c.b.tx.iters, it)
		c.it = it
	}
	return c.it
}

func (c *pebbleCursor) current(valid bool) ([]byte, []byte) {
	if !valid {
		return nil, nil
	}
	k := bytes.TrimPrefix(c.it.Key(), c.b.prefix)
	return slices.Clone(k), append([]byte{}, c.it.Value()...)
}

func (c *pebbleCursor) First() ([]byte, []byte) { return c.current(c.iter().First()) }

func (c *pebbleCursor) Last() ([]byte, []byte) { return c.current(c.iter().Last()) }

func (c *pebbleCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.current(c.iter().SeekGE(c.b.key(seek)))
}

func (c *pebbleCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	if len(prefix) == 0 {
		return c.Last()
	}
	limit := prefixEnd(prefix)
	if limit == nil {
		return c.Last()
	}
	return c.current(c.iter().SeekLT(c.b.key(limit)))
}

func (c *pebbleCursor) Next() ([]byte, []byte) {
	if !c.started {
		return c.First()
	}
	it := c.iter()
	if !it.Valid() {
		return nil, nil
	}
	return c.current(it.Next())
}

func (c *pebbleCursor) Prev() ([]byte, []byte) {
	it := c.iter()
	if !it.Valid() {
		return nil, nil
	}
	return c.current(it.Prev())
}

func (c *pebbleCursor) Delete() error {
	if !c.b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if c.it == nil || !c.it.Valid() {
		return nil
	}
	return c.b.tx.batch.Delete(slices.Clone(c.it.Key()), nil)
}
