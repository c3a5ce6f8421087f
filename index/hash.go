package index

import (
	"context"
	"encoding/json"

	"github.com/evalgo-org/storedb/dberr"
	"github.com/evalgo-org/storedb/entity"
	"github.com/evalgo-org/storedb/objstore"
)

// HashIndex is an exact-match multimap keyed by the indexed value.
type HashIndex struct {
	byKey map[string][]entity.IndexEntry
	byDoc map[string]interface{} // docID -> key, for Remove/Update
}

// NewHashIndex builds an empty HashIndex.
func NewHashIndex() *HashIndex {
	return &HashIndex{byKey: make(map[string][]entity.IndexEntry), byDoc: make(map[string]interface{})}
}

func (h *HashIndex) Insert(e entity.IndexEntry) {
	k := keyToString(e.Key)
	h.byKey[k] = append(h.byKey[k], e)
	h.byDoc[e.DocID] = e.Key
}

func (h *HashIndex) Remove(docID string) {
	key, ok := h.byDoc[docID]
	if !ok {
		return
	}
	k := keyToString(key)
	entries := h.byKey[k]
	out := entries[:0]
	for _, e := range entries {
		if e.DocID != docID {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		delete(h.byKey, k)
	} else {
		h.byKey[k] = out
	}
	delete(h.byDoc, docID)
}

func (h *HashIndex) Update(e entity.IndexEntry) {
	h.Remove(e.DocID)
	h.Insert(e)
}

func (h *HashIndex) Lookup(key interface{}) []entity.IndexEntry {
	entries := h.byKey[keyToString(key)]
	out := make([]entity.IndexEntry, len(entries))
	copy(out, entries)
	sortEntries(out)
	return out
}

func (h *HashIndex) Exists(key interface{}) bool {
	return len(h.byKey[keyToString(key)]) > 0
}

func (h *HashIndex) Clear() {
	h.byKey = make(map[string][]entity.IndexEntry)
	h.byDoc = make(map[string]interface{})
}

func (h *HashIndex) BuildFrom(entries []entity.IndexEntry) {
	h.Clear()
	for _, e := range entries {
		h.Insert(e)
	}
}

func (h *HashIndex) Size() int {
	total := 0
	for _, v := range h.byKey {
		total += len(v)
	}
	return total
}

func (h *HashIndex) UniqueKeyCount() int {
	return len(h.byKey)
}

func (h *HashIndex) GetStats() Stats {
	return Stats{Size: h.Size(), UniqueKeyCount: h.UniqueKeyCount()}
}

type hashIndexRecord struct {
	Key     json.RawMessage      `json:"key"`
	Entries []entity.IndexEntry `json:"entries"`
}

func (h *HashIndex) Save(ctx context.Context, store objstore.Store, name string) error {
	records := make([]hashIndexRecord, 0, len(h.byKey))
	for k, v := range h.byKey {
		records = append(records, hashIndexRecord{Key: json.RawMessage(k), Entries: v})
	}
	blob, err := json.Marshal(records)
	if err != nil {
		return dberr.Wrap(dberr.KindInvalidInput, err, "encoding hash index %q", name)
	}
	return saveBlob(ctx, store, name, blob)
}

func (h *HashIndex) Load(ctx context.Context, store objstore.Store, name string) error {
	blob, found, err := loadBlob(ctx, store, name)
	if err != nil {
		return err
	}
	h.Clear()
	if !found {
		return nil
	}
	var records []hashIndexRecord
	if err := json.Unmarshal(blob, &records); err != nil {
		return dberr.Wrap(dberr.KindReadError, err, "decoding hash index %q", name)
	}
	for _, r := range records {
		h.byKey[string(r.Key)] = r.Entries
		for _, e := range r.Entries {
			h.byDoc[e.DocID] = stringToKey(string(r.Key))
		}
	}
	return nil
}
