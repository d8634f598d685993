package indexstore

import (
	"encoding/binary"

	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/meilierr"
)

const (
	bucketPrimaryKeyMap = "primary-key-map"

	keyPrimaryKeyField = "primary_key_field"
	keyNextDocID       = "next_docid"
)

var storeBuckets = append(append([]string{}, allBuckets...), bucketPrimaryKeyMap)

// PrimaryKeyField returns the document attribute used as this index's
// primary key, if one has been inferred or set yet.
func (idx *Index) PrimaryKeyField() (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.primaryKeyField == "" {
		return "", false
	}
	return idx.primaryKeyField, true
}

// SetPrimaryKeyField persists name as the index's primary key attribute.
// Only legal while the index has no documents, or idempotently to the same
// value (spec.md §7: "immutable field modification" otherwise).
func (idx *Index) SetPrimaryKeyField(tx *bbolt.Tx, name string) error {
	b := tx.Bucket([]byte(bucketMeta))
	if err := b.Put([]byte(keyPrimaryKeyField), []byte(name)); err != nil {
		return meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	idx.mu.Lock()
	idx.primaryKeyField = name
	idx.mu.Unlock()
	return nil
}

// ResolveDocID looks up the internal docid for an external primary-key
// value.
func (idx *Index) ResolveDocID(tx *bbolt.Tx, externalID string) (uint32, bool, error) {
	b := tx.Bucket([]byte(bucketPrimaryKeyMap))
	v := b.Get([]byte(externalID))
	if v == nil {
		return 0, false, nil
	}
	return binary.BigEndian.Uint32(v), true, nil
}

// AssignDocID allocates a fresh internal docid for externalID, or returns the
// existing one if already mapped (an update, not an insert).
func (idx *Index) AssignDocID(tx *bbolt.Tx, externalID string) (docid uint32, isNew bool, err error) {
	if id, ok, err := idx.ResolveDocID(tx, externalID); err != nil {
		return 0, false, err
	} else if ok {
		return id, false, nil
	}

	next, err := idx.nextDocID(tx)
	if err != nil {
		return 0, false, err
	}

	b := tx.Bucket([]byte(bucketPrimaryKeyMap))
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, next)
	if err := b.Put([]byte(externalID), buf); err != nil {
		return 0, false, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	return next, true, nil
}

// DeleteDocIDMapping removes externalID's mapping to an internal docid.
func (idx *Index) DeleteDocIDMapping(tx *bbolt.Tx, externalID string) error {
	b := tx.Bucket([]byte(bucketPrimaryKeyMap))
	return b.Delete([]byte(externalID))
}

func (idx *Index) nextDocID(tx *bbolt.Tx) (uint32, error) {
	b := tx.Bucket([]byte(bucketMeta))
	var next uint32
	if v := b.Get([]byte(keyNextDocID)); v != nil {
		next = binary.BigEndian.Uint32(v)
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, next+1)
	if err := b.Put([]byte(keyNextDocID), buf); err != nil {
		return 0, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	return next, nil
}
