// Package indexstore owns the on-disk representation of a single search
// index: one kv.Env per index holding the fields-id map, document records,
// the inverted postings structures and facet trees the indexer and search
// pipeline read and write.
package indexstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/kv"
	"github.com/lexidb/lexid/internal/meilierr"
)

const (
	bucketFieldsIDMap        = "fields-id-map"
	bucketDocuments          = "documents"
	bucketWordPostings       = "word-postings"
	bucketWordPrefixPostings = "word-prefix-postings"
	bucketWordPairProximity  = "word-pair-proximity"
	bucketFacetNumeric       = "facet-numeric"
	bucketFacetString        = "facet-string"
	bucketVectorANN          = "vector-ann"
	bucketSettings           = "settings"
	bucketMeta               = "meta"

	keySettings  = "settings"
	keyCreatedAt = "created_at"
	keyUpdatedAt = "updated_at"
)

var allBuckets = []string{
	bucketFieldsIDMap, bucketDocuments, bucketWordPostings, bucketWordPrefixPostings,
	bucketWordPairProximity, bucketFacetNumeric, bucketFacetString, bucketVectorANN,
	bucketSettings, bucketMeta,
}

// Meta is the lightweight, frequently-read header describing an index,
// cached in memory and mirrored in the meta bucket.
type Meta struct {
	Uid       string    `json:"uid"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Index wraps one index's bbolt environment plus the in-memory caches that
// must stay consistent with it: the fields-id map and the current settings.
// All mutation happens inside the scheduler's single write transaction per
// index; reads take independent snapshots via Env.View.
type Index struct {
	Uid string
	env *kv.Env

	mu              sync.RWMutex
	fields          *FieldsIDMap
	settings        Settings
	meta            Meta
	primaryKeyField string
}

// Open opens (creating if necessary) the index's bbolt environment at path
// and rebuilds its in-memory caches.
func Open(uid, path string, opts kv.Options) (*Index, error) {
	env, err := kv.Open(path, opts, storeBuckets...)
	if err != nil {
		return nil, err
	}

	idx := &Index{Uid: uid, env: env}
	if err := idx.rebuildCaches(); err != nil {
		_ = env.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) rebuildCaches() error {
	return idx.env.View(func(tx *bbolt.Tx) error {
		fields, err := loadFieldsIDMap(tx)
		if err != nil {
			return err
		}
		idx.fields = fields

		meta := tx.Bucket([]byte(bucketMeta))
		idx.settings = DefaultSettings()
		if raw := meta.Get([]byte(keySettings)); raw != nil {
			if err := json.Unmarshal(raw, &idx.settings); err != nil {
				return meilierr.Wrap(meilierr.CodeSerialization, err)
			}
		}

		idx.meta = Meta{Uid: idx.Uid}
		if raw := meta.Get([]byte(keyCreatedAt)); raw != nil {
			_ = idx.meta.CreatedAt.UnmarshalText(raw)
		}
		if raw := meta.Get([]byte(keyUpdatedAt)); raw != nil {
			_ = idx.meta.UpdatedAt.UnmarshalText(raw)
		}
		if raw := meta.Get([]byte(keyPrimaryKeyField)); raw != nil {
			idx.primaryKeyField = string(raw)
		}
		return nil
	})
}

// Close releases the backing environment's file lock.
func (idx *Index) Close() error {
	return idx.env.Close()
}

// Env exposes the underlying kv.Env for the indexer, which runs its own
// write transaction against it independent of the task queue's.
func (idx *Index) Env() *kv.Env { return idx.env }

// Fields returns the index's field-id map.
func (idx *Index) Fields() *FieldsIDMap {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.fields
}

// Settings returns a copy of the index's current settings.
func (idx *Index) Settings() Settings {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.settings
}

// PutSettings persists next inside tx and updates the in-memory cache. The
// caller (SettingsUpdate processing) decides beforehand whether the diff
// requires re-extraction.
func (idx *Index) PutSettings(tx *bbolt.Tx, next Settings) error {
	raw, err := json.Marshal(next)
	if err != nil {
		return meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	b := tx.Bucket([]byte(bucketMeta))
	if err := b.Put([]byte(keySettings), raw); err != nil {
		return meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}

	idx.mu.Lock()
	idx.settings = next
	idx.mu.Unlock()
	return nil
}

// TouchUpdatedAt stamps the index's updatedAt metadata inside tx.
func (idx *Index) TouchUpdatedAt(tx *bbolt.Tx, at time.Time) error {
	raw, err := at.MarshalText()
	if err != nil {
		return err
	}
	b := tx.Bucket([]byte(bucketMeta))
	if b.Get([]byte(keyCreatedAt)) == nil {
		if err := b.Put([]byte(keyCreatedAt), raw); err != nil {
			return meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
		}
		idx.mu.Lock()
		idx.meta.CreatedAt = at
		idx.mu.Unlock()
	}
	if err := b.Put([]byte(keyUpdatedAt), raw); err != nil {
		return meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	idx.mu.Lock()
	idx.meta.UpdatedAt = at
	idx.mu.Unlock()
	return nil
}

// Meta returns a copy of the index's header metadata.
func (idx *Index) Meta() Meta {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.meta
}

// DocumentCount returns the number of stored documents.
func (idx *Index) DocumentCount() (int, error) {
	n := 0
	err := idx.env.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(bucketDocuments)).Stats().KeyN
		return nil
	})
	return n, err
}

// PutDocument writes a document's obkv record and updates its primary-key
// mapping; docid is the 4-byte big-endian internal identifier.
func (idx *Index) PutDocument(tx *bbolt.Tx, docid uint32, rec Obkv) error {
	b := tx.Bucket([]byte(bucketDocuments))
	return b.Put(docKey(docid), rec.Encode())
}

// GetDocument reads back a document's obkv record.
func (idx *Index) GetDocument(tx *bbolt.Tx, docid uint32) (Obkv, bool, error) {
	b := tx.Bucket([]byte(bucketDocuments))
	raw := b.Get(docKey(docid))
	if raw == nil {
		return Obkv{}, false, nil
	}
	rec, err := DecodeObkv(raw)
	if err != nil {
		return Obkv{}, false, meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	return rec, true, nil
}

// DeleteDocument removes a document's obkv record.
func (idx *Index) DeleteDocument(tx *bbolt.Tx, docid uint32) error {
	b := tx.Bucket([]byte(bucketDocuments))
	return b.Delete(docKey(docid))
}

func docKey(docid uint32) []byte {
	return kv.EncodeUint64(uint64(docid))[4:]
}

// ClearDocuments wipes every document, posting, facet and vector bucket
// (DocumentClear), leaving the fields-id map and settings untouched.
func (idx *Index) ClearDocuments(tx *bbolt.Tx) error {
	return resetBuckets(tx, bucketDocuments, bucketPrimaryKeyMap, bucketWordPostings,
		bucketWordPrefixPostings, bucketWordPairProximity, bucketFacetString,
		bucketFacetNumeric, bucketVectorANN)
}

// ClearPostings wipes the word/prefix/pair/facet postings ahead of a full
// re-extraction (a SettingsUpdate that affects searchability), leaving
// document records and the primary-key map in place.
func (idx *Index) ClearPostings(tx *bbolt.Tx) error {
	return resetBuckets(tx, bucketWordPostings, bucketWordPrefixPostings,
		bucketWordPairProximity, bucketFacetString, bucketFacetNumeric)
}

// ClearFacets wipes only the facet-string/facet-numeric trees, for a
// SettingsUpdate that changes filterable/sortable attributes without
// affecting searchability.
func (idx *Index) ClearFacets(tx *bbolt.Tx) error {
	return resetBuckets(tx, bucketFacetString, bucketFacetNumeric)
}

func resetBuckets(tx *bbolt.Tx, names ...string) error {
	for _, name := range names {
		if err := tx.DeleteBucket([]byte(name)); err != nil && err != bbolt.ErrBucketNotFound {
			return meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
		}
		if _, err := tx.CreateBucket([]byte(name)); err != nil {
			return meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
		}
	}
	return nil
}

// AllDocIDs returns the bitmap of every stored document id, the filter
// evaluator's starting universe before any predicate is applied.
func (idx *Index) AllDocIDs(tx *bbolt.Tx) (*roaring.Bitmap, error) {
	bm := roaring.New()
	b := tx.Bucket([]byte(bucketDocuments))
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) != 4 {
			continue
		}
		bm.Add(binary.BigEndian.Uint32(k))
	}
	return bm, nil
}

// WordPostings returns the roaring bitmap of docids containing word in the
// word-postings bucket, or an empty bitmap if word is absent.
func (idx *Index) WordPostings(tx *bbolt.Tx, word string) (*roaring.Bitmap, error) {
	return readBitmap(tx, bucketWordPostings, word)
}

// PutWordPostings overwrites word's posting bitmap.
func (idx *Index) PutWordPostings(tx *bbolt.Tx, word string, bm *roaring.Bitmap) error {
	return writeBitmap(tx, bucketWordPostings, word, bm)
}

// WordPrefixPostings returns the cached bitmap for a 1- or 2-rune prefix.
func (idx *Index) WordPrefixPostings(tx *bbolt.Tx, prefix string) (*roaring.Bitmap, error) {
	return readBitmap(tx, bucketWordPrefixPostings, prefix)
}

// PutWordPrefixPostings overwrites a prefix's cached bitmap.
func (idx *Index) PutWordPrefixPostings(tx *bbolt.Tx, prefix string, bm *roaring.Bitmap) error {
	return writeBitmap(tx, bucketWordPrefixPostings, prefix, bm)
}

// WordPairProximityPostings returns the bitmap of docids where a and b occur
// within proximity dist of one another, key "a\x00b\x00dist".
func (idx *Index) WordPairProximityPostings(tx *bbolt.Tx, a, b string, dist int) (*roaring.Bitmap, error) {
	return readBitmap(tx, bucketWordPairProximity, pairKey(a, b, dist))
}

// PutWordPairProximityPostings overwrites a word-pair-at-distance bitmap.
func (idx *Index) PutWordPairProximityPostings(tx *bbolt.Tx, a, b string, dist int, bm *roaring.Bitmap) error {
	return writeBitmap(tx, bucketWordPairProximity, pairKey(a, b, dist), bm)
}

func pairKey(a, b string, dist int) string {
	return fmt.Sprintf("%s\x00%s\x00%d", a, b, dist)
}

// FacetStringPostings returns the bitmap stored under key in the
// facet-string bucket. Key construction (fieldID + value encoding) is the
// caller's concern (internal/indexer, internal/search).
func (idx *Index) FacetStringPostings(tx *bbolt.Tx, key string) (*roaring.Bitmap, error) {
	return readBitmap(tx, bucketFacetString, key)
}

// PutFacetStringPostings overwrites a facet-string key's bitmap.
func (idx *Index) PutFacetStringPostings(tx *bbolt.Tx, key string, bm *roaring.Bitmap) error {
	return writeBitmap(tx, bucketFacetString, key, bm)
}

// FacetNumericPostings returns the bitmap stored under key in the
// facet-numeric bucket.
func (idx *Index) FacetNumericPostings(tx *bbolt.Tx, key string) (*roaring.Bitmap, error) {
	return readBitmap(tx, bucketFacetNumeric, key)
}

// PutFacetNumericPostings overwrites a facet-numeric key's bitmap.
func (idx *Index) PutFacetNumericPostings(tx *bbolt.Tx, key string, bm *roaring.Bitmap) error {
	return writeBitmap(tx, bucketFacetNumeric, key, bm)
}

// ScanFacetString iterates every key in the facet-string bucket, in sorted
// byte order, calling fn until it returns false.
func (idx *Index) ScanFacetString(tx *bbolt.Tx, fn func(key string, bm *roaring.Bitmap) bool) error {
	return scanBitmaps(tx, bucketFacetString, fn)
}

// ScanFacetNumeric iterates every key in the facet-numeric bucket, in sorted
// byte order (which is also value order, since keys are monotonic-encoded).
func (idx *Index) ScanFacetNumeric(tx *bbolt.Tx, fn func(key string, bm *roaring.Bitmap) bool) error {
	return scanBitmaps(tx, bucketFacetNumeric, fn)
}

// ScanWordPrefixPostings iterates the prefix-postings cache.
func (idx *Index) ScanWordPrefixPostings(tx *bbolt.Tx, fn func(prefix string, bm *roaring.Bitmap) bool) error {
	return scanBitmaps(tx, bucketWordPrefixPostings, fn)
}

// ScanWordPostingsPrefix iterates every word-postings key whose bytes begin
// with prefix, used to recompute the prefix cache (spec.md §4.4 step 8).
func (idx *Index) ScanWordPostingsPrefix(tx *bbolt.Tx, prefix string, fn func(key string, bm *roaring.Bitmap)) error {
	b := tx.Bucket([]byte(bucketWordPostings))
	c := b.Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && hasBytePrefix(k, p); k, v = c.Next() {
		bm := roaring.New()
		if _, err := bm.FromBuffer(v); err != nil {
			return meilierr.Wrap(meilierr.CodeSerialization, err)
		}
		fn(string(k), bm)
	}
	return nil
}

// ScanWords iterates every distinct indexed word, in sorted order, skipping
// the composite field-scoped entries (word + 0x00 + fieldID) that the
// merger also writes into the same bucket for prefix-cache recomputation.
// Used to build the typo-tolerance FST (internal/search).
func (idx *Index) ScanWords(tx *bbolt.Tx, fn func(word string, bm *roaring.Bitmap) bool) error {
	b := tx.Bucket([]byte(bucketWordPostings))
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if bytesContainNUL(k) {
			continue
		}
		bm := roaring.New()
		if _, err := bm.FromBuffer(v); err != nil {
			return meilierr.Wrap(meilierr.CodeSerialization, err)
		}
		if !fn(string(k), bm) {
			break
		}
	}
	return nil
}

func bytesContainNUL(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}

func hasBytePrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func scanBitmaps(tx *bbolt.Tx, bucket string, fn func(key string, bm *roaring.Bitmap) bool) error {
	b := tx.Bucket([]byte(bucket))
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		bm := roaring.New()
		if _, err := bm.FromBuffer(v); err != nil {
			return meilierr.Wrap(meilierr.CodeSerialization, err)
		}
		if !fn(string(k), bm) {
			break
		}
	}
	return nil
}

func readBitmap(tx *bbolt.Tx, bucket, key string) (*roaring.Bitmap, error) {
	b := tx.Bucket([]byte(bucket))
	raw := b.Get([]byte(key))
	bm := roaring.New()
	if raw == nil {
		return bm, nil
	}
	if _, err := bm.FromBuffer(raw); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	return bm, nil
}

func writeBitmap(tx *bbolt.Tx, bucket, key string, bm *roaring.Bitmap) error {
	b := tx.Bucket([]byte(bucket))
	if bm.IsEmpty() {
		return b.Delete([]byte(key))
	}
	raw, err := bm.ToBytes()
	if err != nil {
		return meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	return b.Put([]byte(key), raw)
}
