package mrdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DocumentsAccessor owns documents, their etag index, tombstones, and the
// locks held by in-flight transactions.
//
//	docs:         fold(key)            => Document
//	docs_by_etag: etag                 => fold(key)
//	tombstones:   etag                 => Tombstone
//	doc_locks:    fold(key)            => docLock
//	tx:           txID                 => txRecord
//	tx_docs:      txID fold(key)       => pendingChange
type DocumentsAccessor struct {
	tx *batchTx
}

type docLock struct {
	TxID      string    `msgpack:"tx"`
	ExpiresAt time.Time `msgpack:"exp"`
}

type txRecord struct {
	ID        string    `msgpack:"id"`
	ExpiresAt time.Time `msgpack:"exp"`
}

type pendingChange struct {
	Key      string          `msgpack:"k"`
	Data     json.RawMessage `msgpack:"d,omitempty"`
	Metadata json.RawMessage `msgpack:"m,omitempty"`
	Etag     Etag            `msgpack:"e"`
	Delete   bool            `msgpack:"del,omitempty"`
}

var errEmptyKey = errors.New("empty document key")

func (da *DocumentsAccessor) Put(key string, expectedEtag *Etag, data, metadata json.RawMessage) (PutResult, error) {
	if key == "" {
		return PutResult{}, errEmptyKey
	}
	fk := foldedKey(key)
	if err := da.checkUnlocked(key, fk, ""); err != nil {
		return PutResult{}, err
	}
	existing, err := da.load(fk)
	if err != nil {
		return PutResult{}, err
	}
	if err := checkExpectedEtag(key, expectedEtag, existing); err != nil {
		return PutResult{}, err
	}
	doc, err := da.write(key, fk, existing, data, metadata)
	if err != nil {
		return PutResult{}, err
	}
	return PutResult{Key: doc.Key, Etag: doc.Etag}, nil
}

// Get returns nil if there is no such document.
func (da *DocumentsAccessor) Get(key string) (*Document, error) {
	fk := foldedKey(key)
	doc, err := da.load(fk)
	if doc == nil || err != nil {
		return nil, err
	}
	lock, err := da.liveLock(fk)
	if err != nil {
		return nil, err
	}
	if lock != nil {
		doc.LockedBy = lock.TxID
	}
	return doc, nil
}

// Delete removes a document and records a tombstone. Returns the deleted
// document, or nil if there was none.
func (da *DocumentsAccessor) Delete(key string, expectedEtag *Etag) (*Document, error) {
	fk := foldedKey(key)
	if err := da.checkUnlocked(key, fk, ""); err != nil {
		return nil, err
	}
	existing, err := da.load(fk)
	if err != nil {
		return nil, err
	}
	if err := checkExpectedEtag(key, expectedEtag, existing); err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	return existing, da.remove(fk, existing)
}

func checkExpectedEtag(key string, expected *Etag, existing *Document) error {
	if expected == nil {
		return nil
	}
	if existing == nil {
		if expected.IsZero() {
			return nil
		}
		return &ConcurrencyError{Key: key, Expected: expected}
	}
	if existing.Etag != *expected {
		return &ConcurrencyError{Key: key, Expected: expected, Actual: existing.Etag.Ptr()}
	}
	return nil
}

func (da *DocumentsAccessor) load(fk []byte) (*Document, error) {
	var doc Document
	found, err := da.tx.get(da.tx.root(docsBucket), fk, &doc)
	if !found || err != nil {
		return nil, err
	}
	return &doc, nil
}

func (da *DocumentsAccessor) write(key string, fk []byte, existing *Document, data, metadata json.RawMessage) (*Document, error) {
	tx := da.tx
	byEtag := tx.root(docsByEtagBucket)
	if existing != nil {
		if err := tx.del(byEtag, etagKey(existing.Etag)); err != nil {
			return nil, err
		}
	}
	doc := &Document{
		Key:          key,
		Data:         data,
		Metadata:     metadata,
		Etag:         tx.nextEtag(),
		LastModified: tx.now(),
	}
	if err := tx.put(tx.root(docsBucket), fk, doc); err != nil {
		return nil, err
	}
	if err := tx.putRaw(byEtag, etagKey(doc.Etag), fk); err != nil {
		return nil, err
	}
	return doc, da.advanceLastEtag(doc.Etag)
}

func (da *DocumentsAccessor) remove(fk []byte, existing *Document) error {
	tx := da.tx
	if err := tx.del(tx.root(docsBucket), fk); err != nil {
		return err
	}
	if err := tx.del(tx.root(docsByEtagBucket), etagKey(existing.Etag)); err != nil {
		return err
	}
	ts := &Tombstone{
		Key:       existing.Key,
		Etag:      tx.nextEtag(),
		DeletedAt: tx.now(),
		Metadata:  existing.Metadata,
	}
	if err := tx.put(tx.root(tombstonesBucket), etagKey(ts.Etag), ts); err != nil {
		return err
	}
	return da.advanceLastEtag(ts.Etag)
}

// advanceLastEtag maintains the most recent document etag. Every document
// write touches this key, so concurrent document batches conflict and are
// committed in etag order.
func (da *DocumentsAccessor) advanceLastEtag(e Etag) error {
	meta := da.tx.root(metaBucket)
	last, err := da.tx.getEtag(meta, metaLastDocumentEtagKey)
	if err != nil {
		return err
	}
	return da.tx.put(meta, metaLastDocumentEtagKey, maxEtag(last, e))
}

func (da *DocumentsAccessor) liveLock(fk []byte) (*docLock, error) {
	var lock docLock
	found, err := da.tx.get(da.tx.root(docLocksBucket), fk, &lock)
	if !found || err != nil {
		return nil, err
	}
	if !da.tx.now().Before(lock.ExpiresAt) {
		return nil, nil
	}
	return &lock, nil
}

// checkUnlocked fails if the document is locked by a live transaction other
// than txID. Expired locks are cleared on the way.
func (da *DocumentsAccessor) checkUnlocked(key string, fk []byte, txID string) error {
	tx := da.tx
	locks := tx.root(docLocksBucket)
	var lock docLock
	found, err := tx.get(locks, fk, &lock)
	if !found || err != nil {
		return err
	}
	if lock.TxID == txID {
		return nil
	}
	if tx.now().Before(lock.ExpiresAt) {
		return &ConcurrencyError{Key: key, LockedBy: lock.TxID}
	}
	tx.logger().LogAttrs(tx.ctx, slog.LevelDebug, "mrdb: clearing expired document lock", slog.String("key", key), slog.String("tx", lock.TxID))
	return tx.del(locks, fk)
}

// GetDocumentsAfter returns documents with etags strictly greater than etag,
// in etag order. take <= 0 means no limit.
func (da *DocumentsAccessor) GetDocumentsAfter(etag Etag, take int) ([]*Document, error) {
	return da.scanByEtag(afterRange(etagKey(etag)), 0, take)
}

// GetDocumentsByReverseUpdateOrder pages documents from the most recently
// modified one.
func (da *DocumentsAccessor) GetDocumentsByReverseUpdateOrder(start, take int) ([]*Document, error) {
	return da.scanByEtag(keyRange{}.Reversed(), start, take)
}

func (da *DocumentsAccessor) scanByEtag(rang keyRange, start, take int) ([]*Document, error) {
	var result []*Document
	var i int
	for _, fk := range scan(da.tx.root(docsByEtagBucket), rang) {
		skip, stop := page(i, start, take)
		i++
		if stop {
			break
		} else if skip {
			continue
		}
		doc, err := da.load(fk)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, dataErrf(fk, 0, nil, "etag index points to a missing document")
		}
		result = append(result, doc)
	}
	return result, nil
}

func (da *DocumentsAccessor) GetTombstonesAfter(etag Etag, take int) ([]*Tombstone, error) {
	var result []*Tombstone
	for _, v := range scan(da.tx.root(tombstonesBucket), afterRange(etagKey(etag))) {
		if take > 0 && len(result) >= take {
			break
		}
		ts := new(Tombstone)
		if err := decodeValue(v, ts); err != nil {
			return nil, err
		}
		result = append(result, ts)
	}
	return result, nil
}

// PurgeTombstones removes tombstones with etags up to and including upTo.
func (da *DocumentsAccessor) PurgeTombstones(upTo Etag) (int, error) {
	b := da.tx.root(tombstonesBucket)
	keys := scanKeys(b, keyRange{Upper: etagKey(upTo), UpperInc: true})
	return len(keys), da.tx.delAll(b, keys)
}

func (da *DocumentsAccessor) Count() int {
	return da.tx.root(docsBucket).KeyCount()
}

// PutInTransaction stages a write inside a multi-operation transaction. The
// document is locked until the transaction commits, rolls back or times out.
// The returned etag is provisional; CommitTransaction assigns the final one.
func (da *DocumentsAccessor) PutInTransaction(txi TransactionInfo, key string, expectedEtag *Etag, data, metadata json.RawMessage) (Etag, error) {
	if key == "" {
		return ZeroEtag, errEmptyKey
	}
	change := &pendingChange{Key: key, Data: data, Metadata: metadata}
	if err := da.stage(txi, expectedEtag, change); err != nil {
		return ZeroEtag, err
	}
	return change.Etag, nil
}

func (da *DocumentsAccessor) DeleteInTransaction(txi TransactionInfo, key string, expectedEtag *Etag) error {
	return da.stage(txi, expectedEtag, &pendingChange{Key: key, Delete: true})
}

func (da *DocumentsAccessor) stage(txi TransactionInfo, expectedEtag *Etag, change *pendingChange) error {
	tx := da.tx
	if txi.ID == "" {
		return fmt.Errorf("empty transaction ID")
	}
	fk := foldedKey(change.Key)
	if err := da.checkUnlocked(change.Key, fk, txi.ID); err != nil {
		return err
	}
	current, err := da.GetInTransaction(txi.ID, change.Key)
	if err != nil {
		return err
	}
	if err := checkExpectedEtag(change.Key, expectedEtag, current); err != nil {
		return err
	}

	rec := txRecord{ID: txi.ID, ExpiresAt: tx.now().Add(txi.Timeout)}
	if err := tx.put(tx.root(txBucket), keyString(txi.ID), &rec); err != nil {
		return err
	}
	if err := da.refreshLocks(txi.ID, rec.ExpiresAt); err != nil {
		return err
	}
	if err := tx.put(tx.root(docLocksBucket), fk, &docLock{TxID: txi.ID, ExpiresAt: rec.ExpiresAt}); err != nil {
		return err
	}
	change.Etag = tx.nextEtag()
	return tx.put(tx.root(txDocsBucket), txDocKey(txi.ID, fk), change)
}

// refreshLocks extends the locks the transaction still holds to its new
// expiry. Locks already cleared by other writers stay cleared.
func (da *DocumentsAccessor) refreshLocks(txID string, expiresAt time.Time) error {
	tx := da.tx
	locks := tx.root(docLocksBucket)
	prefix := keyString(txID)
	for _, k := range scanKeys(tx.root(txDocsBucket), prefixRange(prefix)) {
		fk := k[len(prefix):]
		var lock docLock
		found, err := tx.get(locks, fk, &lock)
		if err != nil {
			return err
		}
		if !found || lock.TxID != txID {
			continue
		}
		lock.ExpiresAt = expiresAt
		if err := tx.put(locks, fk, &lock); err != nil {
			return err
		}
	}
	return nil
}

func txDocKey(txID string, fk []byte) []byte {
	return append(keyString(txID), fk...)
}

// GetInTransaction returns the document as seen from inside the transaction:
// staged changes win over committed state.
func (da *DocumentsAccessor) GetInTransaction(txID, key string) (*Document, error) {
	fk := foldedKey(key)
	var change pendingChange
	found, err := da.tx.get(da.tx.root(txDocsBucket), txDocKey(txID, fk), &change)
	if err != nil {
		return nil, err
	}
	if !found {
		return da.Get(key)
	}
	if change.Delete {
		return nil, nil
	}
	return &Document{
		Key:      change.Key,
		Data:     change.Data,
		Metadata: change.Metadata,
		Etag:     change.Etag,
		LockedBy: txID,
	}, nil
}

func (da *DocumentsAccessor) CommitTransaction(txID string) error {
	changes, keys, err := da.loadTransaction(txID, true)
	if err != nil {
		return err
	}
	// A lock that lapsed may have been taken over by a plain write since.
	locks := da.tx.root(docLocksBucket)
	for _, change := range changes {
		var lock docLock
		found, err := da.tx.get(locks, foldedKey(change.Key), &lock)
		if err != nil {
			return err
		}
		if !found || lock.TxID != txID {
			return fmt.Errorf("transaction %s lost its lock on %s: %w", txID, change.Key, ErrTransactionExpired)
		}
	}
	for _, change := range changes {
		fk := foldedKey(change.Key)
		existing, err := da.load(fk)
		if err != nil {
			return err
		}
		if change.Delete {
			if existing != nil {
				err = da.remove(fk, existing)
			}
		} else {
			_, err = da.write(change.Key, fk, existing, change.Data, change.Metadata)
		}
		if err != nil {
			return err
		}
	}
	return da.clearTransaction(txID, changes, keys)
}

func (da *DocumentsAccessor) RollbackTransaction(txID string) error {
	changes, keys, err := da.loadTransaction(txID, false)
	if err != nil {
		return err
	}
	return da.clearTransaction(txID, changes, keys)
}

func (da *DocumentsAccessor) loadTransaction(txID string, mustBeLive bool) ([]*pendingChange, [][]byte, error) {
	tx := da.tx
	var rec txRecord
	found, err := tx.get(tx.root(txBucket), keyString(txID), &rec)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, notFoundErrf("transaction", txID)
	}
	if mustBeLive && !tx.now().Before(rec.ExpiresAt) {
		return nil, nil, fmt.Errorf("transaction %s: %w", txID, ErrTransactionExpired)
	}

	var changes []*pendingChange
	var keys [][]byte
	for k, v := range scan(tx.root(txDocsBucket), prefixRange(keyString(txID))) {
		change := new(pendingChange)
		if err := decodeValue(v, change); err != nil {
			return nil, nil, err
		}
		changes = append(changes, change)
		keys = append(keys, append([]byte(nil), k...))
	}
	return changes, keys, nil
}

func (da *DocumentsAccessor) clearTransaction(txID string, changes []*pendingChange, keys [][]byte) error {
	tx := da.tx
	locks := tx.root(docLocksBucket)
	for _, change := range changes {
		fk := foldedKey(change.Key)
		var lock docLock
		found, err := tx.get(locks, fk, &lock)
		if err != nil {
			return err
		}
		if found && lock.TxID == txID {
			if err := tx.del(locks, fk); err != nil {
				return err
			}
		}
	}
	if err := tx.delAll(tx.root(txDocsBucket), keys); err != nil {
		return err
	}
	return tx.del(tx.root(txBucket), keyString(txID))
}
