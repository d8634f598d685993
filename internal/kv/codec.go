package kv

import "encoding/binary"

// EncodeUint64 big-endian encodes id as a bbolt key, preserving numeric
// ordering under bbolt's lexicographic byte comparison — required for
// range-scanning task ids and document ids in ascending order.
func EncodeUint64(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// DecodeUint64 reverses EncodeUint64.
func DecodeUint64(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
