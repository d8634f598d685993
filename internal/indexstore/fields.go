package indexstore

import (
	"encoding/binary"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/meilierr"
)

// FieldsIDMap assigns monotonic uint16 ids to top-level document field names,
// persisted in the fields-id-map bucket and cached in memory. Allocation only
// ever grows: a field id is never reused even if the field later disappears
// from every document, matching spec.md §4.4 step 3.
type FieldsIDMap struct {
	mu      sync.RWMutex
	byName  map[string]uint16
	byID    map[uint16]string
	nextID  uint16
}

func newFieldsIDMap() *FieldsIDMap {
	return &FieldsIDMap{
		byName: map[string]uint16{},
		byID:   map[uint16]string{},
	}
}

// loadFieldsIDMap rebuilds the in-memory map from the persisted bucket.
func loadFieldsIDMap(tx *bbolt.Tx) (*FieldsIDMap, error) {
	m := newFieldsIDMap()
	b := tx.Bucket([]byte(bucketFieldsIDMap))
	err := b.ForEach(func(k, v []byte) error {
		id := binary.BigEndian.Uint16(v)
		name := string(k)
		m.byName[name] = id
		m.byID[id] = name
		if id >= m.nextID {
			m.nextID = id + 1
		}
		return nil
	})
	if err != nil {
		return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	return m, nil
}

// ID returns name's field id and true if it is already assigned.
func (m *FieldsIDMap) ID(name string) (uint16, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	return id, ok
}

// Name returns the field name for id, if assigned.
func (m *FieldsIDMap) Name(id uint16) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.byID[id]
	return name, ok
}

// Names returns every currently-assigned field name.
func (m *FieldsIDMap) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byName))
	for name := range m.byName {
		out = append(out, name)
	}
	return out
}

// GetOrAllocate returns name's existing id, or allocates and persists the
// next one inside tx. Callers must hold the index's single write transaction.
func (m *FieldsIDMap) GetOrAllocate(tx *bbolt.Tx, name string) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byName[name]; ok {
		return id, nil
	}

	id := m.nextID
	m.nextID++
	m.byName[name] = id
	m.byID[id] = name

	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, id)
	b := tx.Bucket([]byte(bucketFieldsIDMap))
	if err := b.Put([]byte(name), buf); err != nil {
		return 0, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	return id, nil
}
