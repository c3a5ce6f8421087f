package index

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/evalgo-org/storedb/dberr"
	"github.com/evalgo-org/storedb/entity"
	"github.com/evalgo-org/storedb/objstore"
)

// RangeQuery bounds a SSTIndex.Range scan. Zero-value fields are unbounded.
type RangeQuery struct {
	Gt, Gte, Lt, Lte interface{}
	HasGt, HasGte, HasLt, HasLte bool
}

type sstSlot struct {
	key     interface{}
	entries []entity.IndexEntry
}

// SSTIndex keeps keys sorted, enabling range scans and min/max queries in
// addition to exact lookup; the "sorted string table" name follows the
// spec's terminology even though keys need not be strings.
type SSTIndex struct {
	slots []sstSlot
	byDoc map[string]interface{}
}

// NewSSTIndex builds an empty SSTIndex.
func NewSSTIndex() *SSTIndex {
	return &SSTIndex{byDoc: make(map[string]interface{})}
}

func compareKeys(a, b interface{}) int {
	af, aok := toComparableFloat(a)
	bf, bok := toComparableFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := toComparableString(a), toComparableString(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toComparableFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toComparableString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func (s *SSTIndex) find(key interface{}) (int, bool) {
	idx := sort.Search(len(s.slots), func(i int) bool { return compareKeys(s.slots[i].key, key) >= 0 })
	if idx < len(s.slots) && compareKeys(s.slots[idx].key, key) == 0 {
		return idx, true
	}
	return idx, false
}

func (s *SSTIndex) Insert(e entity.IndexEntry) {
	idx, found := s.find(e.Key)
	if found {
		s.slots[idx].entries = append(s.slots[idx].entries, e)
	} else {
		s.slots = append(s.slots, sstSlot{})
		copy(s.slots[idx+1:], s.slots[idx:])
		s.slots[idx] = sstSlot{key: e.Key, entries: []entity.IndexEntry{e}}
	}
	s.byDoc[e.DocID] = e.Key
}

func (s *SSTIndex) Remove(docID string) {
	key, ok := s.byDoc[docID]
	if !ok {
		return
	}
	idx, found := s.find(key)
	if !found {
		return
	}
	entries := s.slots[idx].entries
	out := entries[:0]
	for _, e := range entries {
		if e.DocID != docID {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		s.slots = append(s.slots[:idx], s.slots[idx+1:]...)
	} else {
		s.slots[idx].entries = out
	}
	delete(s.byDoc, docID)
}

func (s *SSTIndex) Update(e entity.IndexEntry) {
	s.Remove(e.DocID)
	s.Insert(e)
}

func (s *SSTIndex) Lookup(key interface{}) []entity.IndexEntry {
	idx, found := s.find(key)
	if !found {
		return nil
	}
	out := make([]entity.IndexEntry, len(s.slots[idx].entries))
	copy(out, s.slots[idx].entries)
	sortEntries(out)
	return out
}

func (s *SSTIndex) Exists(key interface{}) bool {
	_, found := s.find(key)
	return found
}

func (s *SSTIndex) Clear() {
	s.slots = nil
	s.byDoc = make(map[string]interface{})
}

func (s *SSTIndex) BuildFrom(entries []entity.IndexEntry) {
	s.Clear()
	for _, e := range entries {
		s.Insert(e)
	}
}

func (s *SSTIndex) Size() int {
	total := 0
	for _, slot := range s.slots {
		total += len(slot.entries)
	}
	return total
}

func (s *SSTIndex) UniqueKeyCount() int {
	return len(s.slots)
}

func (s *SSTIndex) GetStats() Stats {
	return Stats{Size: s.Size(), UniqueKeyCount: s.UniqueKeyCount()}
}

// Range returns every entry whose key satisfies q, in ascending key order.
func (s *SSTIndex) Range(q RangeQuery) []entity.IndexEntry {
	var out []entity.IndexEntry
	for _, slot := range s.slots {
		if q.HasGt && compareKeys(slot.key, q.Gt) <= 0 {
			continue
		}
		if q.HasGte && compareKeys(slot.key, q.Gte) < 0 {
			continue
		}
		if q.HasLt && compareKeys(slot.key, q.Lt) >= 0 {
			continue
		}
		if q.HasLte && compareKeys(slot.key, q.Lte) > 0 {
			continue
		}
		out = append(out, slot.entries...)
	}
	return out
}

// Scan returns every entry in ascending key order.
func (s *SSTIndex) Scan() []entity.IndexEntry {
	return s.Range(RangeQuery{})
}

// Min returns the smallest key present, or nil if the index is empty.
func (s *SSTIndex) Min() interface{} {
	if len(s.slots) == 0 {
		return nil
	}
	return s.slots[0].key
}

// Max returns the largest key present, or nil if the index is empty.
func (s *SSTIndex) Max() interface{} {
	if len(s.slots) == 0 {
		return nil
	}
	return s.slots[len(s.slots)-1].key
}

type sstRecord struct {
	Key     interface{}          `json:"key"`
	Entries []entity.IndexEntry `json:"entries"`
}

func (s *SSTIndex) Save(ctx context.Context, store objstore.Store, name string) error {
	records := make([]sstRecord, 0, len(s.slots))
	for _, slot := range s.slots {
		records = append(records, sstRecord{Key: slot.key, Entries: slot.entries})
	}
	blob, err := json.Marshal(records)
	if err != nil {
		return dberr.Wrap(dberr.KindInvalidInput, err, "encoding sst index %q", name)
	}
	return saveBlob(ctx, store, name, blob)
}

func (s *SSTIndex) Load(ctx context.Context, store objstore.Store, name string) error {
	blob, found, err := loadBlob(ctx, store, name)
	if err != nil {
		return err
	}
	s.Clear()
	if !found {
		return nil
	}
	var records []sstRecord
	if err := json.Unmarshal(blob, &records); err != nil {
		return dberr.Wrap(dberr.KindReadError, err, "decoding sst index %q", name)
	}
	for _, r := range records {
		s.slots = append(s.slots, sstSlot{key: r.Key, entries: r.Entries})
		for _, e := range r.Entries {
			s.byDoc[e.DocID] = r.Key
		}
	}
	sort.Slice(s.slots, func(i, j int) bool { return compareKeys(s.slots[i].key, s.slots[j].key) < 0 })
	return nil
}
