package mrdb

import "errors"

var ErrBucketNotFound = errors.New("bucket not found")

// storage is a sorted key-value backend: memory, Bolt or Pebble. Accessors
// are written once against it.
//
// Buckets form two levels. A root bucket is addressed as (name, ""), a nested
// one as (name, sub); every index owns one nested bucket under each of the
// index roots.
type storage interface {
	// BeginTx starts a transaction; read-only ones see a stable snapshot.
	BeginTx(writable bool) (storageTx, error)
	Close() error
}

type storageTx interface {
	Writable() bool

	// Bucket returns nil when the bucket does not exist.
	Bucket(name, sub string) storageBucket

	// CreateBucket is idempotent and creates the root of a nested bucket too.
	CreateBucket(name, sub string) (storageBucket, error)

	// DeleteBucket drops a nested bucket with all its keys. Root buckets
	// cannot be dropped.
	DeleteBucket(name, sub string) error

	// Commit returns errConflict when optimistic validation fails, in which
	// case the batch is re-run.
	Commit() error

	// Rollback is a no-op on a finished transaction.
	Rollback() error
}

type storageBucket interface {
	// Get returns nil for a missing key. The result is owned by the
	// transaction: valid until it ends, never to be modified.
	Get(key []byte) []byte
	Put(key, value []byte) error
	Delete(key []byte) error
	Cursor() storageCursor

	// KeyCount may be approximate on backends without cheap counts.
	KeyCount() int

	// Stats fills everything but Name. Backends without page accounting
	// report the key and value bytes as both size and allocation.
	Stats() BucketStats
}

// storageCursor walks a bucket in key order. Every move returns the new
// position, or nil keys when it runs off either end.
type storageCursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)
	Seek(seek []byte) (key, value []byte)

	// SeekLast positions at the last key with the given prefix, or at the
	// last key before the prefix when none has it.
	SeekLast(prefix []byte) (key, value []byte)

	Next() (key, value []byte)
	Prev() (key, value []byte)
	Delete() error
}
