package mrdb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/andreyvit/mrdb/journal"
	"github.com/hashicorp/go-multierror"
)

const memBucketSep = "\x00"

// memStorage keeps all data in memory. Each transaction works on a snapshot
// of the bucket map; buckets are copied on first write. Writers run
// concurrently and are validated at commit time: the first committer wins,
// and a transaction whose writes intersect a commit made after it started
// fails with errConflict.
//
// A bucket is stored as one sorted slice, so the first write to a bucket in a
// transaction copies it whole: O(n) in the bucket's size. A commit that raced
// with another one re-applies its ops and pays that copy again.
//
// When a WAL directory is configured, every committed mutation log is
// appended to a journal and replayed on open. Every CheckpointEvery commits
// the whole state is written as a checkpoint, which lets the journal drop
// the segments before it.
type memStorage struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	seq     uint64
	history []*memCommit
	writers map[*memTx]uint64
	closed  bool

	readOnly        bool
	wal             *journal.Writer
	sinceCheckpoint int
	checkpointEvery int
	ctx             context.Context
	logger          *slog.Logger
}

type memStorageOptions struct {
	WALDir          string
	CheckpointEvery int
	NoSync          bool
	ReadOnly        bool
	Logger          *slog.Logger
	Verbose         bool
	Now             func() time.Time
}

const defaultCheckpointEvery = 4096

// WALFileName is the segment name pattern of the memory backend's WAL.
const WALFileName = "mrdb-*.wal"

// newMemStorage returns a transient in-memory storage.
func newMemStorage() *memStorage {
	return &memStorage{
		buckets: make(map[string]*memBucket),
		writers: make(map[*memTx]uint64),
		ctx:     context.Background(),
		logger:  slog.Default(),
	}
}

func openMemStorage(o memStorageOptions) (*memStorage, error) {
	s := newMemStorage()
	s.readOnly = o.ReadOnly
	if o.Logger != nil {
		s.logger = o.Logger
	}
	if o.WALDir == "" {
		return s, nil
	}
	s.checkpointEvery = o.CheckpointEvery
	if s.checkpointEvery <= 0 {
		s.checkpointEvery = defaultCheckpointEvery
	}

	jo := journal.Options{
		FileName: WALFileName,
		Now:      o.Now,
		Logger:   s.logger,
		Verbose:  o.Verbose,
		NoSync:   o.NoSync,
	}
	if o.ReadOnly {
		st, err := journal.ReadAll(o.WALDir, jo, s.replay)
		if err != nil {
			return nil, storageErrf(err, "reading WAL in %s", o.WALDir)
		}
		s.logger.LogAttrs(s.ctx, slog.LevelDebug, "mrdb: WAL read", slog.String("dir", o.WALDir), slog.Int("records", st.Records))
		return s, nil
	}

	wal, st, err := journal.Open(o.WALDir, jo, s.replay)
	if err != nil {
		return nil, storageErrf(err, "replaying WAL in %s", o.WALDir)
	}
	s.wal = wal
	s.sinceCheckpoint = st.SinceCheckpoint
	s.logger.LogAttrs(s.ctx, slog.LevelDebug, "mrdb: WAL replayed", slog.String("dir", o.WALDir), slog.Int("records", st.Records), slog.Int("since_checkpoint", st.SinceCheckpoint), slog.Int64("torn_bytes", st.TornBytes))

	if s.sinceCheckpoint >= s.checkpointEvery {
		if err := s.checkpoint_locked(); err != nil {
			return nil, multierror.Append(storageErrf(err, "WAL checkpoint"), wal.Close()).ErrorOrNil()
		}
	}
	return s, nil
}

func (s *memStorage) replay(rec journal.Record) error {
	var ops []memOp
	if err := decodeValue(rec.Data, &ops); err != nil {
		return err
	}
	next := maps.Clone(s.buckets)
	if rec.Kind == journal.Checkpoint {
		next = make(map[string]*memBucket)
	}
	applyMemOps(next, make(map[string]bool), ops)
	s.buckets = next
	s.seq++
	return nil
}

// checkpoint_locked writes the current state as create and put ops.
func (s *memStorage) checkpoint_locked() error {
	names := slices.Sorted(maps.Keys(s.buckets))
	var ops []memOp
	for _, bk := range names {
		ops = append(ops, memOp{Kind: memOpCreate, Bucket: bk})
		for _, kv := range s.buckets[bk].items {
			ops = append(ops, memOp{Kind: memOpPut, Bucket: bk, Key: kv.key, Value: kv.value})
		}
	}
	seq, err := s.wal.Checkpoint(encodeValue(nil, ops))
	if err != nil {
		return err
	}
	s.sinceCheckpoint = 0
	s.logger.LogAttrs(s.ctx, slog.LevelDebug, "mrdb: WAL checkpoint", slog.Uint64("seq", seq), slog.Int("buckets", len(names)), slog.Int("ops", len(ops)))
	return nil
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if writable && s.readOnly {
		return nil, ErrReadOnly
	}
	tx := &memTx{
		base:     s,
		writable: writable,
		startSeq: s.seq,
		buckets:  maps.Clone(s.buckets),
	}
	if writable {
		tx.owned = make(map[string]bool)
		s.writers[tx] = tx.startSeq
	}
	return tx, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.buckets = nil
	s.history = nil
	if s.wal != nil {
		return s.wal.Close()
	}
	return nil
}

// pruneHistory_locked drops commits that no running writer can conflict with.
func (s *memStorage) pruneHistory_locked() {
	if len(s.writers) == 0 {
		s.history = s.history[:0]
		return
	}
	oldest := s.seq
	for _, seq := range s.writers {
		oldest = min(oldest, seq)
	}
	i := 0
	for i < len(s.history) && s.history[i].seq <= oldest {
		i++
	}
	s.history = slices.Delete(s.history, 0, i)
}

type memOpKind uint8

const (
	memOpCreate memOpKind = iota + 1
	memOpDrop
	memOpPut
	memOpDelete
)

// memOp is one entry of a transaction's mutation log, also the WAL record format.
type memOp struct {
	Kind   memOpKind `msgpack:"k"`
	Bucket string    `msgpack:"b"`
	Key    []byte    `msgpack:"key,omitempty"`
	Value  []byte    `msgpack:"v,omitempty"`
}

type memKeyRef struct {
	bucket string
	key    string
}

// memCommit is the write footprint of a committed transaction.
type memCommit struct {
	seq     uint64
	keys    map[memKeyRef]struct{}
	touched map[string]struct{}
	dropped map[string]struct{}
}

func newMemCommit(ops []memOp) *memCommit {
	c := &memCommit{
		keys:    make(map[memKeyRef]struct{}),
		touched: make(map[string]struct{}),
		dropped: make(map[string]struct{}),
	}
	for _, op := range ops {
		c.touched[op.Bucket] = struct{}{}
		switch op.Kind {
		case memOpDrop:
			c.dropped[op.Bucket] = struct{}{}
		case memOpPut, memOpDelete:
			c.keys[memKeyRef{op.Bucket, string(op.Key)}] = struct{}{}
		}
	}
	return c
}

func (c *memCommit) conflictsWith(another *memCommit) bool {
	small, large := c, another
	if len(small.keys) > len(large.keys) {
		small, large = large, small
	}
	for k := range small.keys {
		if _, found := large.keys[k]; found {
			return true
		}
	}
	for b := range c.dropped {
		if _, found := another.touched[b]; found {
			return true
		}
	}
	for b := range another.dropped {
		if _, found := c.touched[b]; found {
			return true
		}
	}
	return false
}

func applyMemOps(buckets map[string]*memBucket, owned map[string]bool, ops []memOp) {
	writable := func(bk string) *memBucket {
		b := buckets[bk]
		if b == nil {
			b = &memBucket{}
			buckets[bk] = b
			owned[bk] = true
		} else if !owned[bk] {
			b = b.clone()
			buckets[bk] = b
			owned[bk] = true
		}
		return b
	}
	for _, op := range ops {
		switch op.Kind {
		case memOpCreate:
			if buckets[op.Bucket] == nil {
				buckets[op.Bucket] = &memBucket{}
				owned[op.Bucket] = true
			}
		case memOpDrop:
			delete(buckets, op.Bucket)
			delete(owned, op.Bucket)
		case memOpPut:
			writable(op.Bucket).put(op.Key, op.Value)
		case memOpDelete:
			if buckets[op.Bucket] != nil {
				writable(op.Bucket).delete(op.Key)
			}
		default:
			panic(fmt.Errorf("invalid mem op kind %d", op.Kind))
		}
	}
}

type memTx struct {
	base     *memStorage
	writable bool
	startSeq uint64
	buckets  map[string]*memBucket
	owned    map[string]bool
	ops      []memOp
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		delete(tx.base.writers, tx)
		tx.base.pruneHistory_locked()
	}
}

func (tx *memTx) checkWritable() error {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	return nil
}

func (tx *memTx) record(op memOp) {
	tx.ops = append(tx.ops, op)
	applyMemOps(tx.buckets, tx.owned, tx.ops[len(tx.ops)-1:])
}

func (tx *memTx) bucketItems(bk string) []memKV {
	if b := tx.buckets[bk]; b != nil {
		return b.items
	}
	return nil
}

func (tx *memTx) Bucket(name, sub string) storageBucket {
	if tx.closed {
		panic("tx is closed")
	}
	bk := memBucketKey(name, sub)
	if tx.buckets[bk] == nil {
		return nil
	}
	return memBucketHandle{tx: tx, bk: bk}
}

func (tx *memTx) CreateBucket(name, sub string) (storageBucket, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}

	// Ensure the root exists for nested buckets (Bolt compatibility).
	rootKey := memBucketKey(name, "")
	if tx.buckets[rootKey] == nil {
		tx.record(memOp{Kind: memOpCreate, Bucket: rootKey})
	}

	bk := memBucketKey(name, sub)
	if tx.buckets[bk] == nil {
		tx.record(memOp{Kind: memOpCreate, Bucket: bk})
	}
	return memBucketHandle{tx: tx, bk: bk}, nil
}

func (tx *memTx) DeleteBucket(name, sub string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if sub == "" {
		return ErrBucketNotFound
	}
	bk := memBucketKey(name, sub)
	found := tx.buckets[bk] != nil
	// Recorded even when missing so that a concurrent creation conflicts.
	tx.record(memOp{Kind: memOpDrop, Bucket: bk})
	if !found {
		return ErrBucketNotFound
	}
	return nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	s := tx.base
	s.mu.Lock()
	defer s.mu.Unlock()
	defer tx.closeLocked()
	if s.closed {
		return ErrClosed
	}
	if len(tx.ops) == 0 {
		return nil
	}

	footprint := newMemCommit(tx.ops)
	for _, c := range s.history {
		if c.seq > tx.startSeq && footprint.conflictsWith(c) {
			return errConflict
		}
	}

	if s.wal != nil {
		if _, err := s.wal.Append(encodeValue(nil, tx.ops)); err != nil {
			return storageErrf(err, "WAL append")
		}
		s.sinceCheckpoint++
	}

	if s.seq == tx.startSeq {
		// Nothing committed since the snapshot, so the transaction's view is
		// exactly the new state and its private buckets can be published.
		s.buckets = tx.buckets
	} else {
		next := maps.Clone(s.buckets)
		applyMemOps(next, make(map[string]bool), tx.ops)
		s.buckets = next
	}
	s.seq++
	footprint.seq = s.seq
	if len(s.writers) > 1 {
		s.history = append(s.history, footprint)
	}

	// The commit is already durable; a broken journal fails the next one.
	if s.wal != nil && s.sinceCheckpoint >= s.checkpointEvery {
		if err := s.checkpoint_locked(); err != nil {
			s.logger.LogAttrs(s.ctx, slog.LevelError, "mrdb: WAL checkpoint failed", slog.Any("err", err))
		}
	}
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func memBucketKey(name, sub string) string {
	return name + memBucketSep + sub
}

// memBucket is immutable once published; transactions clone before writing.
type memBucket struct {
	items []memKV // sorted by key
}

func (b *memBucket) clone() *memBucket {
	return &memBucket{items: slices.Clone(b.items)}
}

func (b *memBucket) find(key []byte) (idx int, ok bool) {
	return findMemKV(b.items, key)
}

func (b *memBucket) put(key, value []byte) {
	i, ok := b.find(key)
	if ok {
		b.items[i].value = value
		return
	}
	b.items = slices.Insert(b.items, i, memKV{key: key, value: value})
}

func (b *memBucket) delete(key []byte) {
	i, ok := b.find(key)
	if ok {
		b.items = slices.Delete(b.items, i, i+1)
	}
}

func (b *memBucket) size() int64 {
	var n int64
	for _, kv := range b.items {
		n += int64(len(kv.key) + len(kv.value))
	}
	return n
}

func findMemKV(items []memKV, key []byte) (int, bool) {
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	return i, i < len(items) && bytes.Equal(items[i].key, key)
}

type memKV struct {
	key   []byte
	value []byte
}

// memBucketHandle resolves the bucket on every call, so it observes the
// copy made by the first write in the transaction.
type memBucketHandle struct {
	tx *memTx
	bk string
}

func (b memBucketHandle) Get(key []byte) []byte {
	items := b.tx.bucketItems(b.bk)
	i, ok := findMemKV(items, key)
	if !ok {
		return nil
	}
	return items[i].value
}

func (b memBucketHandle) Put(key, value []byte) error {
	if err := b.tx.checkWritable(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	b.tx.record(memOp{Kind: memOpPut, Bucket: b.bk, Key: slices.Clone(key), Value: slices.Clone(value)})
	return nil
}

func (b memBucketHandle) Delete(key []byte) error {
	if err := b.tx.checkWritable(); err != nil {
		return err
	}
	b.tx.record(memOp{Kind: memOpDelete, Bucket: b.bk, Key: slices.Clone(key)})
	return nil
}

func (b memBucketHandle) Cursor() storageCursor {
	return &memCursor{tx: b.tx, bk: b.bk, pos: -1}
}

func (b memBucketHandle) Stats() BucketStats {
	mb := b.tx.buckets[b.bk]
	if mb == nil {
		return BucketStats{}
	}
	size := mb.size()
	return BucketStats{Rows: len(mb.items), DataSize: size, DataAlloc: size}
}

func (b memBucketHandle) KeyCount() int { return len(b.tx.bucketItems(b.bk)) }

type memCursor struct {
	tx  *memTx
	bk  string
	pos int
}

func (c *memCursor) at(i int) ([]byte, []byte) {
	items := c.tx.bucketItems(c.bk)
	if i < 0 || i >= len(items) {
		return nil, nil
	}
	kv := items[i]
	return kv.key, kv.value
}

func (c *memCursor) First() ([]byte, []byte) {
	c.pos = 0
	return c.at(c.pos)
}

func (c *memCursor) Last() ([]byte, []byte) {
	c.pos = len(c.tx.bucketItems(c.bk)) - 1
	if c.pos < 0 {
		c.pos = 0
		return nil, nil
	}
	return c.at(c.pos)
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	c.pos, _ = findMemKV(c.tx.bucketItems(c.bk), seek)
	return c.at(c.pos)
}

func (c *memCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	if len(prefix) == 0 {
		return c.Last()
	}
	limit := prefixEnd(prefix)
	if limit == nil {
		return c.Last()
	}
	i, _ := findMemKV(c.tx.bucketItems(c.bk), limit)
	if i == 0 {
		c.pos = 0
		return nil, nil
	}
	c.pos = i - 1
	return c.at(c.pos)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos < 0 {
		return c.First()
	}
	c.pos++
	return c.at(c.pos)
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if c.pos < 0 {
		return nil, nil
	}
	c.pos--
	return c.at(c.pos)
}

func (c *memCursor) Delete() error {
	if err := c.tx.checkWritable(); err != nil {
		return err
	}
	k, _ := c.at(c.pos)
	if k == nil {
		return nil
	}
	c.tx.record(memOp{Kind: memOpDelete, Bucket: c.bk, Key: slices.Clone(k)})
	c.pos--
	return nil
}
