package indexstore

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Obkv is an ordered key-value document record: field ids sorted ascending,
// each mapped to its raw JSON value. Storing documents this way (rather than
// as a JSON object) lets the indexer walk a document's fields without
// re-parsing JSON object key order or allocating a map per document.
type Obkv struct {
	ids    []uint16
	values [][]byte
}

// NewObkv builds an Obkv from a fieldID->rawJSON map, sorting by id.
func NewObkv(fields map[uint16][]byte) Obkv {
	ids := make([]uint16, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	values := make([][]byte, len(ids))
	for i, id := range ids {
		values[i] = fields[id]
	}
	return Obkv{ids: ids, values: values}
}

// Get returns the raw JSON value for id, or nil if absent.
func (o Obkv) Get(id uint16) ([]byte, bool) {
	for i, candidate := range o.ids {
		if candidate == id {
			return o.values[i], true
		}
		if candidate > id {
			break
		}
	}
	return nil, false
}

// Each calls fn for every (fieldID, rawJSON) pair in ascending id order.
func (o Obkv) Each(fn func(id uint16, value []byte)) {
	for i, id := range o.ids {
		fn(id, o.values[i])
	}
}

// Len returns the number of fields stored.
func (o Obkv) Len() int { return len(o.ids) }

// Encode serializes the record as a sequence of (id uint16, len uint32,
// bytes) triples.
func (o Obkv) Encode() []byte {
	size := 0
	for _, v := range o.values {
		size += 2 + 4 + len(v)
	}
	buf := make([]byte, size)
	off := 0
	for i, id := range o.ids {
		binary.BigEndian.PutUint16(buf[off:], id)
		off += 2
		binary.BigEndian.PutUint32(buf[off:], uint32(len(o.values[i])))
		off += 4
		off += copy(buf[off:], o.values[i])
	}
	return buf
}

// DecodeObkv parses the wire format produced by Encode.
func DecodeObkv(buf []byte) (Obkv, error) {
	var ids []uint16
	var values [][]byte
	for off := 0; off < len(buf); {
		if off+6 > len(buf) {
			return Obkv{}, fmt.Errorf("obkv: truncated header at offset %d", off)
		}
		id := binary.BigEndian.Uint16(buf[off:])
		off += 2
		n := int(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		if off+n > len(buf) {
			return Obkv{}, fmt.Errorf("obkv: truncated value at offset %d", off)
		}
		ids = append(ids, id)
		values = append(values, buf[off:off+n])
		off += n
	}
	return Obkv{ids: ids, values: values}, nil
}
