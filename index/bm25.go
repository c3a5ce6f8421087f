package index

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/evalgo-org/storedb/dberr"
	"github.com/evalgo-org/storedb/entity"
	"github.com/evalgo-org/storedb/objstore"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

type posting struct {
	docID string
	tf    int
}

// BM25Index is an inverted full-text index scored with Okapi BM25:
// term_score = idf * (tf*(k1+1)) / (tf + k1*(1-b+b*dl/avgdl)),
// idf(df,N) = ln(1 + (N-df+0.5)/(df+0.5)).
type BM25Index struct {
	postings   map[string][]posting // term -> postings
	docLengths map[string]int       // docID -> token count
	docTerms   map[string]map[string]int // docID -> term -> tf, for Remove/Update
}

// NewBM25Index builds an empty BM25Index.
func NewBM25Index() *BM25Index {
	return &BM25Index{
		postings:   make(map[string][]posting),
		docLengths: make(map[string]int),
		docTerms:   make(map[string]map[string]int),
	}
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

// IndexDocument tokenizes text and records its term frequencies under docID.
func (b *BM25Index) IndexDocument(docID, text string) {
	b.RemoveDocument(docID)
	tokens := tokenize(text)
	tf := make(map[string]int)
	for _, tok := range tokens {
		tf[tok]++
	}
	b.docTerms[docID] = tf
	b.docLengths[docID] = len(tokens)
	for term, count := range tf {
		b.postings[term] = append(b.postings[term], posting{docID: docID, tf: count})
	}
}

// RemoveDocument removes all postings and length bookkeeping for docID.
func (b *BM25Index) RemoveDocument(docID string) {
	terms, ok := b.docTerms[docID]
	if !ok {
		return
	}
	for term := range terms {
		list := b.postings[term]
		out := list[:0]
		for _, p := range list {
			if p.docID != docID {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			delete(b.postings, term)
		} else {
			b.postings[term] = out
		}
	}
	delete(b.docTerms, docID)
	delete(b.docLengths, docID)
}

func (b *BM25Index) avgDocLength() float64 {
	if len(b.docLengths) == 0 {
		return 0
	}
	total := 0
	for _, l := range b.docLengths {
		total += l
	}
	return float64(total) / float64(len(b.docLengths))
}

func idf(df, n int) float64 {
	return math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
}

// ScoredDoc is one result of ScoreQuery.
type ScoredDoc struct {
	DocID string
	Score float64
}

// ScoreQuery tokenizes query and scores every document containing at
// least one query term with BM25, returning results sorted by score
// descending, docID ascending as a tiebreak.
func (b *BM25Index) ScoreQuery(query string) []ScoredDoc {
	terms := tokenize(query)
	n := len(b.docLengths)
	avgdl := b.avgDocLength()
	scores := make(map[string]float64)

	for _, term := range terms {
		list, ok := b.postings[term]
		if !ok {
			continue
		}
		df := len(list)
		termIDF := idf(df, n)
		for _, p := range list {
			dl := float64(b.docLengths[p.docID])
			tf := float64(p.tf)
			denom := tf + bm25K1*(1-bm25B+bm25B*dl/avgdlOrOne(avgdl))
			scores[p.docID] += termIDF * (tf * (bm25K1 + 1)) / denom
		}
	}

	out := make([]ScoredDoc, 0, len(scores))
	for docID, score := range scores {
		out = append(out, ScoredDoc{DocID: docID, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}

func avgdlOrOne(avgdl float64) float64 {
	if avgdl == 0 {
		return 1
	}
	return avgdl
}

// LogScaledTF returns ln(1+tf), an auxiliary scorer useful for callers
// that want a cheaper-to-compute term weight than full BM25.
func LogScaledTF(tf int) float64 {
	return math.Log(1 + float64(tf))
}

// AugmentedTF returns 0.5 + 0.5*tf/maxTf, another auxiliary term-frequency
// normalization occasionally used alongside BM25 for short fields.
func AugmentedTF(tf, maxTf int) float64 {
	if maxTf == 0 {
		return 0.5
	}
	return 0.5 + 0.5*float64(tf)/float64(maxTf)
}

// Index/Remove/Update/Lookup/Exists/Clear/BuildFrom/Size/UniqueKeyCount
// adapt BM25Index to the common Index interface by treating each term as
// a key and each posting as an entity.IndexEntry with RowGroup/RowOffset
// left at their zero value (full-text postings are resolved by docID,
// not physical location).

func (b *BM25Index) Insert(e entity.IndexEntry) {
	text, _ := e.Key.(string)
	b.IndexDocument(e.DocID, text)
}

func (b *BM25Index) Remove(docID string) {
	b.RemoveDocument(docID)
}

func (b *BM25Index) Update(e entity.IndexEntry) {
	b.Insert(e)
}

func (b *BM25Index) Lookup(key interface{}) []entity.IndexEntry {
	term, _ := key.(string)
	list := b.postings[strings.ToLower(term)]
	out := make([]entity.IndexEntry, 0, len(list))
	for _, p := range list {
		out = append(out, entity.IndexEntry{Key: term, DocID: p.docID})
	}
	sortEntries(out)
	return out
}

func (b *BM25Index) Exists(key interface{}) bool {
	term, _ := key.(string)
	return len(b.postings[strings.ToLower(term)]) > 0
}

func (b *BM25Index) Clear() {
	b.postings = make(map[string][]posting)
	b.docLengths = make(map[string]int)
	b.docTerms = make(map[string]map[string]int)
}

func (b *BM25Index) BuildFrom(entries []entity.IndexEntry) {
	b.Clear()
	for _, e := range entries {
		b.Insert(e)
	}
}

func (b *BM25Index) Size() int {
	return len(b.docTerms)
}

func (b *BM25Index) UniqueKeyCount() int {
	return len(b.postings)
}

func (b *BM25Index) GetStats() Stats {
	return Stats{Size: b.Size(), UniqueKeyCount: b.UniqueKeyCount()}
}

type bm25Record struct {
	DocTerms   map[string]map[string]int `json:"docTerms"`
	DocLengths map[string]int            `json:"docLengths"`
}

func (b *BM25Index) Save(ctx context.Context, store objstore.Store, name string) error {
	rec := bm25Record{DocTerms: b.docTerms, DocLengths: b.docLengths}
	blob, err := json.Marshal(rec)
	if err != nil {
		return dberr.Wrap(dberr.KindInvalidInput, err, "encoding bm25 index %q", name)
	}
	return saveBlob(ctx, store, name, blob)
}

func (b *BM25Index) Load(ctx context.Context, store objstore.Store, name string) error {
	blob, found, err := loadBlob(ctx, store, name)
	if err != nil {
		return err
	}
	b.Clear()
	if !found {
		return nil
	}
	var rec bm25Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return dberr.Wrap(dberr.KindReadError, err, "decoding bm25 index %q", name)
	}
	b.docTerms = rec.DocTerms
	b.docLengths = rec.DocLengths
	for docID, terms := range rec.DocTerms {
		for term, tf := range terms {
			b.postings[term] = append(b.postings[term], posting{docID: docID, tf: tf})
		}
	}
	return nil
}
