// Package retrieval ranks a document's chunks against a query, merging
// vector similarity for embedded chunks with BM25 for the rest.
package retrieval

import (
	"context"
	"math"
	"sort"

	"github.com/kalambet/studyd/internal/index"
	"github.com/kalambet/studyd/internal/lexical"
)

// Method records how a hit was scored.
type Method string

const (
	MethodVector  Method = "vector"
	MethodLexical Method = "lexical"
)

// Hit is one ranked chunk.
type Hit struct {
	ChunkID string  `json:"chunk_id"`
	Seq     int     `json:"seq"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
	Method  Method  `json:"method"`
}

// Retriever ranks index entries for a query.
type Retriever struct {
	embedder *Embedder
}

// NewRetriever creates a Retriever. A nil embedder ranks lexically only.
func NewRetriever(embedder *Embedder) *Retriever {
	return &Retriever{embedder: embedder}
}

// Retrieve returns up to topK hits ordered by score descending, ties broken
// by sequence ascending. Every score is on [0,1]: min-max normalized cosine
// similarity for chunks with a vector, max-normalized BM25 for chunks without
// one. An empty query or index yields no hits.
func (r *Retriever) Retrieve(ctx context.Context, ix *index.Index, query string, topK int) []Hit {
	terms := lexical.Tokenize(query)
	if ix == nil || len(ix.Entries) == 0 || len(terms) == 0 || topK <= 0 {
		return nil
	}

	lex := lexicalScores(ix, terms)

	var qvec []float32
	if r.embedder != nil && ix.Vectors() > 0 && ix.EmbedModel == r.embedder.Model() {
		if v, out := r.embedder.Embed(ctx, query); out.Online() {
			qvec = v
		}
	}
	vec := vectorScores(ix, qvec)

	hits := make([]Hit, 0, len(ix.Entries))
	for i, e := range ix.Entries {
		if vec[i] >= 0 {
			hits = append(hits, Hit{ChunkID: e.Chunk.ID, Seq: e.Chunk.Seq, Text: e.Chunk.Text, Score: vec[i], Method: MethodVector})
			continue
		}
		if lex[i] <= 0 {
			continue
		}
		hits = append(hits, Hit{ChunkID: e.Chunk.ID, Seq: e.Chunk.Seq, Text: e.Chunk.Text, Score: lex[i], Method: MethodLexical})
	}
	return rank(hits, topK)
}

// Lexical ranks entries by BM25 only and never calls the network.
func (r *Retriever) Lexical(ix *index.Index, query string, topK int) []Hit {
	terms := lexical.Tokenize(query)
	if ix == nil || len(ix.Entries) == 0 || len(terms) == 0 || topK <= 0 {
		return nil
	}
	lex := lexicalScores(ix, terms)
	hits := make([]Hit, 0, len(ix.Entries))
	for i, e := range ix.Entries {
		if lex[i] <= 0 {
			continue
		}
		hits = append(hits, Hit{ChunkID: e.Chunk.ID, Seq: e.Chunk.Seq, Text: e.Chunk.Text, Score: lex[i], Method: MethodLexical})
	}
	return rank(hits, topK)
}

// lexicalScores returns BM25 scores divided by the document maximum.
func lexicalScores(ix *index.Index, terms []string) []float64 {
	scores := make([]float64, len(ix.Entries))
	var top float64
	for i, e := range ix.Entries {
		scores[i] = ix.Stats.BM25(terms, e.Signature)
		if scores[i] > top {
			top = scores[i]
		}
	}
	if top > 0 {
		for i := range scores {
			scores[i] /= top
		}
	}
	return scores
}

// vectorScores min-max normalizes the cosine similarity of every embedded
// entry that points the same way as qvec. Entries without a vector, or with
// no positive similarity, get -1. When all similarities are equal the raw
// cosine is kept.
func vectorScores(ix *index.Index, qvec []float32) []float64 {
	scores := make([]float64, len(ix.Entries))
	for i := range scores {
		scores[i] = -1
	}
	qnorm := norm(qvec)
	if qnorm == 0 {
		return scores
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, e := range ix.Entries {
		if !e.HasVector() {
			continue
		}
		c := clamp01(float64(cosine(qvec, e.Vector, qnorm)))
		if c <= 0 {
			continue
		}
		scores[i] = c
		lo = math.Min(lo, c)
		hi = math.Max(hi, c)
	}
	if hi > lo {
		for i, c := range scores {
			if c >= 0 {
				scores[i] = (c - lo) / (hi - lo)
			}
		}
	}
	return scores
}

func rank(hits []Hit, topK int) []Hit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Seq < hits[j].Seq
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
