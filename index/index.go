// Package index implements the secondary index abstraction: a common
// Index interface with hash-multimap, sorted-range, and BM25 full-text
// backends, each persisted as one opaque blob per index under
// "_indexes/<name>.idx". Grounded on the teacher's storage-backed data
// structures (map/slice bookkeeping serialized via JSON), generalized
// from single-shape records to the three index kinds this store needs.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/evalgo-org/storedb/dberr"
	"github.com/evalgo-org/storedb/entity"
	"github.com/evalgo-org/storedb/objstore"
)

// Stats reports size information about an index.
type Stats struct {
	Size          int
	UniqueKeyCount int
}

// Index is the common contract every backend implements.
type Index interface {
	Insert(entry entity.IndexEntry)
	Remove(docID string)
	Update(entry entity.IndexEntry)
	Lookup(key interface{}) []entity.IndexEntry
	Exists(key interface{}) bool
	Clear()
	BuildFrom(entries []entity.IndexEntry)
	Size() int
	UniqueKeyCount() int
	GetStats() Stats
	Save(ctx context.Context, store objstore.Store, name string) error
	Load(ctx context.Context, store objstore.Store, name string) error
}

func indexPath(name string) string {
	return fmt.Sprintf("_indexes/%s.idx", name)
}

func keyToString(key interface{}) string {
	b, _ := json.Marshal(key)
	return string(b)
}

func stringToKey(s string) interface{} {
	var v interface{}
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

func saveBlob(ctx context.Context, store objstore.Store, name string, blob []byte) error {
	_, err := store.Put(ctx, indexPath(name), bytes.NewReader(blob), int64(len(blob)), objstore.PutOptions{})
	return err
}

func loadBlob(ctx context.Context, store objstore.Store, name string) ([]byte, bool, error) {
	data, err := store.Get(ctx, indexPath(name))
	if err != nil {
		if dberr.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// LookupIn filters entries returned by Lookup to only those belonging to
// docIDs, useful when a caller wants to combine index results with
// another restriction without a second index round-trip.
func LookupIn(idx Index, key interface{}, docIDs map[string]bool) []entity.IndexEntry {
	all := idx.Lookup(key)
	out := all[:0]
	for _, e := range all {
		if docIDs[e.DocID] {
			out = append(out, e)
		}
	}
	return out
}

func sortEntries(entries []entity.IndexEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].DocID < entries[j].DocID })
}
