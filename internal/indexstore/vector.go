package indexstore

import (
	"encoding/binary"
	"math"

	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/meilierr"
)

// PutVectorEmbedding stores docid's embedding vector verbatim in the
// vector-ann bucket; internal/search's ANN sub-database (coder/hnsw) is
// built over this bucket's contents at query time rather than maintained
// incrementally here, since the indexer's job ends at "the vector is
// durable", not "the vector is searchable".
func (idx *Index) PutVectorEmbedding(tx *bbolt.Tx, docid uint32, vector []float32) error {
	b := tx.Bucket([]byte(bucketVectorANN))
	buf := make([]byte, 4*len(vector))
	for i, f := range vector {
		binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return b.Put(docKey(docid), buf)
}

// GetVectorEmbedding reads back docid's stored embedding, if any.
func (idx *Index) GetVectorEmbedding(tx *bbolt.Tx, docid uint32) ([]float32, bool, error) {
	b := tx.Bucket([]byte(bucketVectorANN))
	raw := b.Get(docKey(docid))
	if raw == nil {
		return nil, false, nil
	}
	if len(raw)%4 != 0 {
		return nil, false, meilierr.New(meilierr.CodeSerialization, "corrupt vector embedding record", nil)
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:]))
	}
	return vec, true, nil
}

// DeleteVectorEmbedding removes docid's stored embedding.
func (idx *Index) DeleteVectorEmbedding(tx *bbolt.Tx, docid uint32) error {
	b := tx.Bucket([]byte(bucketVectorANN))
	return b.Delete(docKey(docid))
}

// ScanVectorEmbeddings iterates every stored (docid, vector) pair.
func (idx *Index) ScanVectorEmbeddings(tx *bbolt.Tx, fn func(docid uint32, vector []float32) bool) error {
	b := tx.Bucket([]byte(bucketVectorANN))
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if len(k) != 4 || len(v)%4 != 0 {
			continue
		}
		docid := binary.BigEndian.Uint32(k)
		vec := make([]float32, len(v)/4)
		for i := range vec {
			vec[i] = math.Float32frombits(binary.BigEndian.Uint32(v[i*4:]))
		}
		if !fn(docid, vec) {
			break
		}
	}
	return nil
}
