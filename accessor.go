package mrdb

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Accessor is the set of storage accessors bound to one batch. It must not be
// used after the batch function returns.
type Accessor struct {
	Documents   *DocumentsAccessor
	Attachments *AttachmentsAccessor
	Indexing    *IndexingAccessor
	MapReduce   *MapReduceAccessor
	Staleness   *StalenessAccessor
	Tasks       *TasksAccessor

	tx *batchTx
}

func newAccessor(tx *batchTx) *Accessor {
	return &Accessor{
		Documents:   &DocumentsAccessor{tx},
		Attachments: &AttachmentsAccessor{tx},
		Indexing:    &IndexingAccessor{tx},
		MapReduce:   &MapReduceAccessor{tx},
		Staleness:   &StalenessAccessor{tx},
		Tasks:       &TasksAccessor{tx},
		tx:          tx,
	}
}

// Context returns the batch context. Passing it to Store.Batch panics.
func (a *Accessor) Context() context.Context {
	return a.tx.ctx
}

func (a *Accessor) Writable() bool {
	return a.tx.stx.Writable()
}

// OnCommit registers f to run after the batch commits. Nothing runs if the
// batch fails, and a batch retried after a conflict only runs the callbacks
// registered by its final attempt.
func (a *Accessor) OnCommit(f func()) {
	a.tx.onCommit = append(a.tx.onCommit, f)
}

func (a *Accessor) Store() *Store {
	return a.tx.store
}

type batchTx struct {
	store    *Store
	stx      storageTx
	ctx      context.Context
	onCommit []func()
}

func (tx *batchTx) now() time.Time {
	return tx.store.now()
}

func (tx *batchTx) nextEtag() Etag {
	return tx.store.etags.Next()
}

func (tx *batchTx) logger() *slog.Logger {
	return tx.store.logger
}

// root returns a root bucket created by Open.
func (tx *batchTx) root(name string) storageBucket {
	b := tx.stx.Bucket(name, "")
	if b == nil {
		panic(fmt.Errorf("missing root bucket %s", name))
	}
	return b
}

// sub returns a nested bucket or nil if it doesn't exist yet.
func (tx *batchTx) sub(name, sub string) storageBucket {
	return tx.stx.Bucket(name, sub)
}

func (tx *batchTx) createSub(name, sub string) (storageBucket, error) {
	b, err := tx.stx.CreateBucket(name, sub)
	if err != nil {
		return nil, storageErrf(err, "creating bucket %s/%s", name, sub)
	}
	return b, nil
}

func (tx *batchTx) deleteSub(name, sub string) error {
	err := tx.stx.DeleteBucket(name, sub)
	if err == ErrBucketNotFound {
		return nil
	}
	return storageErrf(err, "deleting bucket %s/%s", name, sub)
}

func (tx *batchTx) get(b storageBucket, key []byte, v any) (bool, error) {
	if b == nil {
		return false, nil
	}
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	if err := decodeValue(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

func (tx *batchTx) put(b storageBucket, key []byte, v any) error {
	return storageErrf(b.Put(key, encodeValue(nil, v)), "put %x", key)
}

func (tx *batchTx) putRaw(b storageBucket, key, value []byte) error {
	return storageErrf(b.Put(key, value), "put %x", key)
}

func (tx *batchTx) del(b storageBucket, key []byte) error {
	if b == nil {
		return nil
	}
	return storageErrf(b.Delete(key), "delete %x", key)
}

func (tx *batchTx) delAll(b storageBucket, keys [][]byte) error {
	for _, k := range keys {
		if err := tx.del(b, k); err != nil {
			return err
		}
	}
	return nil
}

func (tx *batchTx) getEtag(b storageBucket, key []byte) (Etag, error) {
	var e Etag
	_, err := tx.get(b, key, &e)
	return e, err
}

// invariantErrf logs loudly and returns an InvariantError.
func (tx *batchTx) invariantErrf(index string, format string, args ...any) error {
	err := &InvariantError{Index: index, Msg: fmt.Sprintf(format, args...)}
	tx.logger().LogAttrs(tx.ctx, slog.LevelError, "mrdb: invariant violation", slog.String("index", index), slog.String("err", err.Msg))
	return err
}

func keyString(s string) []byte {
	return appendKeyString(nil, s)
}

func foldedKey(s string) []byte {
	return appendKeyString(nil, foldKey(s))
}

func etagKey(e Etag) []byte {
	return appendKeyEtag(nil, e)
}

func decodeEtagKey(k []byte) (Etag, error) {
	d := makeKeyDecoder(k)
	e, err := d.Etag()
	if err != nil {
		return e, err
	}
	return e, d.Done()
}

// page applies start/take paging; take <= 0 means no limit.
func page(i, start, take int) (skip, stop bool) {
	if i < start {
		return true, false
	}
	if take > 0 && i >= start+take {
		return false, true
	}
	return false, false
}
