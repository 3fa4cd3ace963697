package mrdb

import (
	"encoding/json"
)

// AttachmentsAccessor stores binary attachments. They share the etag space
// with documents but have their own most recent etag.
type AttachmentsAccessor struct {
	tx *batchTx
}

func (aa *AttachmentsAccessor) Put(key string, expectedEtag *Etag, data []byte, metadata json.RawMessage) (Etag, error) {
	tx := aa.tx
	if key == "" {
		return ZeroEtag, errEmptyKey
	}
	fk := foldedKey(key)
	existing, err := aa.load(fk)
	if err != nil {
		return ZeroEtag, err
	}
	if err := checkAttachmentEtag(key, expectedEtag, existing); err != nil {
		return ZeroEtag, err
	}
	byEtag := tx.root(attachmentsByEtagBucket)
	if existing != nil {
		if err := tx.del(byEtag, etagKey(existing.Etag)); err != nil {
			return ZeroEtag, err
		}
	}
	if data == nil {
		data = []byte{}
	}
	att := &Attachment{
		Key:          key,
		Data:         data,
		Metadata:     metadata,
		Etag:         tx.nextEtag(),
		LastModified: tx.now(),
	}
	if err := tx.put(tx.root(attachmentsBucket), fk, att); err != nil {
		return ZeroEtag, err
	}
	if err := tx.putRaw(byEtag, etagKey(att.Etag), fk); err != nil {
		return ZeroEtag, err
	}
	return att.Etag, aa.advanceLastEtag(att.Etag)
}

// Get returns nil if there is no such attachment.
func (aa *AttachmentsAccessor) Get(key string) (*Attachment, error) {
	return aa.load(foldedKey(key))
}

func (aa *AttachmentsAccessor) Delete(key string, expectedEtag *Etag) error {
	tx := aa.tx
	fk := foldedKey(key)
	existing, err := aa.load(fk)
	if err != nil {
		return err
	}
	if err := checkAttachmentEtag(key, expectedEtag, existing); err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if err := tx.del(tx.root(attachmentsBucket), fk); err != nil {
		return err
	}
	if err := tx.del(tx.root(attachmentsByEtagBucket), etagKey(existing.Etag)); err != nil {
		return err
	}
	ts := &Tombstone{Key: existing.Key, Etag: tx.nextEtag(), DeletedAt: tx.now(), Metadata: existing.Metadata}
	if err := tx.put(tx.root(attTombstonesBucket), etagKey(ts.Etag), ts); err != nil {
		return err
	}
	return aa.advanceLastEtag(ts.Etag)
}

// GetAttachmentsAfter returns attachments with etags strictly greater than
// etag. Data is included.
func (aa *AttachmentsAccessor) GetAttachmentsAfter(etag Etag, take int) ([]*Attachment, error) {
	var result []*Attachment
	for _, fk := range scan(aa.tx.root(attachmentsByEtagBucket), afterRange(etagKey(etag))) {
		if take > 0 && len(result) >= take {
			break
		}
		att, err := aa.load(fk)
		if err != nil {
			return nil, err
		}
		if att == nil {
			return nil, dataErrf(fk, 0, nil, "etag index points to a missing attachment")
		}
		result = append(result, att)
	}
	return result, nil
}

func (aa *AttachmentsAccessor) GetTombstonesAfter(etag Etag, take int) ([]*Tombstone, error) {
	var result []*Tombstone
	for _, v := range scan(aa.tx.root(attTombstonesBucket), afterRange(etagKey(etag))) {
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

func (aa *AttachmentsAccessor) Count() int {
	return aa.tx.root(attachmentsBucket).KeyCount()
}

func (aa *AttachmentsAccessor) load(fk []byte) (*Attachment, error) {
	var att Attachment
	found, err := aa.tx.get(aa.tx.root(attachmentsBucket), fk, &att)
	if !found || err != nil {
		return nil, err
	}
	return &att, nil
}

func (aa *AttachmentsAccessor) advanceLastEtag(e Etag) error {
	meta := aa.tx.root(metaBucket)
	last, err := aa.tx.getEtag(meta, metaLastAttachmentEtagKey)
	if err != nil {
		return err
	}
	return aa.tx.put(meta, metaLastAttachmentEtagKey, maxEtag(last, e))
}

func checkAttachmentEtag(key string, expected *Etag, existing *Attachment) error {
	if expected == nil {
		return nil
	}
	var actual *Etag
	if existing != nil {
		actual = existing.Etag.Ptr()
	}
	switch {
	case actual == nil && expected.IsZero():
		return nil
	case actual == nil || *actual != *expected:
		return &ConcurrencyError{Key: key, Expected: expected, Actual: actual}
	}
	return nil
}
