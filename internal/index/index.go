// Package index builds the searchable structure for one document: a lexical
// signature for every chunk plus an optional embedding vector per chunk.
package index

import (
	"sort"
	"time"
	"unicode/utf8"

	"github.com/kalambet/studyd/internal/document"
	"github.com/kalambet/studyd/internal/lexical"
)

// Provenance tells whether every chunk of an index carries a vector.
type Provenance string

const (
	Complete Provenance = "complete"
	Partial  Provenance = "partial"
)

// Entry is the indexed form of one chunk.
type Entry struct {
	Chunk     document.Chunk    `json:"chunk"`
	Signature lexical.Signature `json:"signature"`
	Vector    []float32         `json:"vector,omitempty"`
}

// HasVector reports whether the chunk was embedded.
func (e Entry) HasVector() bool { return len(e.Vector) > 0 }

// Index is owned by exactly one document and holds one entry per chunk,
// ordered by sequence.
type Index struct {
	DocumentID string        `json:"document_id"`
	Version    int           `json:"version"`
	Entries    []Entry       `json:"entries"`
	Stats      lexical.Stats `json:"stats"`
	Provenance Provenance    `json:"provenance"`
	EmbedModel string        `json:"embed_model,omitempty"`
	BuiltAt    time.Time     `json:"built_at"`
}

// Vectors returns how many entries carry a vector.
func (ix *Index) Vectors() int {
	n := 0
	for _, e := range ix.Entries {
		if e.HasVector() {
			n++
		}
	}
	return n
}

// Missing returns how many entries still lack a vector.
func (ix *Index) Missing() int { return len(ix.Entries) - ix.Vectors() }

// Entry returns the entry for chunkID.
func (ix *Index) Entry(chunkID string) (Entry, bool) {
	for _, e := range ix.Entries {
		if e.Chunk.ID == chunkID {
			return e, true
		}
	}
	return Entry{}, false
}

// KeyTerms returns the top n tf-idf terms of one chunk.
func (ix *Index) KeyTerms(chunkID string, n int) []string {
	e, ok := ix.Entry(chunkID)
	if !ok {
		return nil
	}
	return ix.Stats.KeyTerms(e.Signature, n)
}

// TermCount is a term and its frequency across a document.
type TermCount struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// TopTerms returns the n most frequent terms across the document, ties
// broken alphabetically. Used by recall-map renderers.
func (ix *Index) TopTerms(n int) []TermCount {
	counts := make(map[string]int)
	for _, e := range ix.Entries {
		for term, c := range e.Signature.Terms {
			counts[term] += c
		}
	}
	out := make([]TermCount, 0, len(counts))
	for term, c := range counts {
		if utf8.RuneCountInString(term) < 3 {
			continue
		}
		out = append(out, TermCount{Term: term, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Term < out[j].Term
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}
