package model

import (
	"encoding/binary"
	"encoding/json"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// RemovalMask is the set of event ids currently excluded from the graph
// history for one search. The zero value is an empty, usable mask.
type RemovalMask struct {
	ids []int64 // sorted ascending, no duplicates
}

// NewRemovalMask builds a mask from the given ids, deduplicating as needed.
func NewRemovalMask(ids ...int64) *RemovalMask {
	m := &RemovalMask{}
	for _, id := range ids {
		m.Add(id)
	}
	return m
}

// Add inserts an event id. Adding an id already present is a no-op.
func (m *RemovalMask) Add(id int64) {
	i, found := slices.BinarySearch(m.ids, id)
	if found {
		return
	}
	m.ids = slices.Insert(m.ids, i, id)
}

// Remove deletes an event id if present.
func (m *RemovalMask) Remove(id int64) {
	i, found := slices.BinarySearch(m.ids, id)
	if found {
		m.ids = slices.Delete(m.ids, i, i+1)
	}
}

// Contains reports whether the id is excluded.
func (m *RemovalMask) Contains(id int64) bool {
	_, found := slices.BinarySearch(m.ids, id)
	return found
}

// Len returns the number of excluded events.
func (m *RemovalMask) Len() int { return len(m.ids) }

// IDs returns the excluded ids in ascending order. The slice is a copy.
func (m *RemovalMask) IDs() []int64 {
	return slices.Clone(m.ids)
}

// Clone returns an independent copy of the mask.
func (m *RemovalMask) Clone() *RemovalMask {
	return &RemovalMask{ids: slices.Clone(m.ids)}
}

// MarshalJSON encodes the mask as a sorted array of event ids.
func (m *RemovalMask) MarshalJSON() ([]byte, error) {
	if m.ids == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.ids)
}

// UnmarshalJSON replaces the mask contents with the decoded ids.
func (m *RemovalMask) UnmarshalJSON(data []byte) error {
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	slices.Sort(ids)
	m.ids = slices.Compact(ids)
	return nil
}

// Hash returns a content hash of the mask. Because ids are kept sorted the
// hash is independent of insertion order, so {3,7} and {7,3} memoize to the
// same oracle cache entry.
func (m *RemovalMask) Hash() uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, id := range m.ids {
		binary.LittleEndian.PutUint64(buf[:], uint64(id))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// MaskHash hashes an id set given as a plain slice, without building a mask.
// The slice is sorted in place.
func MaskHash(ids []int64) uint64 {
	slices.Sort(ids)
	h := xxhash.New()
	var buf [8]byte
	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf[:], uint64(id))
		h.Write(buf[:])
	}
	return h.Sum64()
}
