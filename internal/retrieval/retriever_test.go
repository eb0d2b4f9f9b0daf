package retrieval

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/studyd/internal/document"
	"github.com/kalambet/studyd/internal/index"
	"github.com/kalambet/studyd/internal/mode"
)

// topicVector maps text onto three axes so cosine similarity follows topic.
func topicVector(text string) []float32 {
	v := []float32{0.01, 0.01, 0.01}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "cell") {
		v[0] = 1
	}
	if strings.Contains(lower, "energy") {
		v[1] = 1
	}
	if strings.Contains(lower, "water") {
		v[2] = 1
	}
	return v
}

func buildIndex(t *testing.T, arb *mode.Arbitrator, client EmbedClient, segments ...string) *index.Index {
	t.Helper()
	doc, err := document.New("doc", segments, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	var emb index.Embedder
	if client != nil {
		emb = client
	}
	ix, err := index.NewBuilder(arb, emb, "m", nil).Build(context.Background(), doc, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return ix
}

func assertRanked(t *testing.T, ix *index.Index, hits []Hit) {
	t.Helper()
	ids := make(map[string]bool)
	for _, e := range ix.Entries {
		ids[e.Chunk.ID] = true
	}
	for i, h := range hits {
		if !ids[h.ChunkID] {
			t.Errorf("hit %s not in document", h.ChunkID)
		}
		if h.Score < 0 || h.Score > 1 {
			t.Errorf("hit %s score %v outside [0,1]", h.ChunkID, h.Score)
		}
		if i == 0 {
			continue
		}
		prev := hits[i-1]
		if prev.Score < h.Score || (prev.Score == h.Score && prev.Seq > h.Seq) {
			t.Errorf("hits %d,%d out of order: %+v then %+v", i-1, i, prev, h)
		}
	}
}

func TestRetrieve_LexicalOffline(t *testing.T) {
	ix := buildIndex(t, mode.New(mode.Config{}), nil,
		"Photosynthesis captures light energy.",
		"Mitosis divides one cell into two.",
		"Osmosis moves water across a membrane.",
	)
	r := NewRetriever(NewEmbedder(nil, "m", nil))

	hits := r.Retrieve(context.Background(), ix, "how does a cell divide", 5)
	if len(hits) == 0 || hits[0].ChunkID != "doc#1" {
		t.Fatalf("hits = %+v, want doc#1 first", hits)
	}
	if hits[0].Method != MethodLexical || hits[0].Score != 1 {
		t.Errorf("top hit = %+v, want lexical score 1", hits[0])
	}
	assertRanked(t, ix, hits)
}

func TestRetrieve_TiesBrokenBySequence(t *testing.T) {
	ix := buildIndex(t, mode.New(mode.Config{}), nil,
		"nothing relevant here",
		"enzyme kinetics",
		"enzyme kinetics",
		"enzyme kinetics",
	)
	hits := NewRetriever(nil).Retrieve(context.Background(), ix, "enzyme", 10)
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}
	for i, want := range []int{1, 2, 3} {
		if hits[i].Seq != want {
			t.Errorf("hits[%d].Seq = %d, want %d", i, hits[i].Seq, want)
		}
	}
}

func TestRetrieve_EmptyQueryAndIndex(t *testing.T) {
	ix := buildIndex(t, mode.New(mode.Config{}), nil, "some text")
	r := NewRetriever(nil)
	if hits := r.Retrieve(context.Background(), ix, "  the of  ", 5); len(hits) != 0 {
		t.Errorf("stop-word query returned %d hits", len(hits))
	}
	if hits := r.Retrieve(context.Background(), &index.Index{}, "text", 5); len(hits) != 0 {
		t.Errorf("empty index returned %d hits", len(hits))
	}
}

func TestRetrieve_VectorScoresEmbeddedChunks(t *testing.T) {
	client := &mockEmbedClient{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		return topicVector(text), nil
	}}
	arb := mode.New(mode.Config{Authorized: true, CallsPerWindow: 100})
	ix := buildIndex(t, arb, client,
		"Photosynthesis captures light energy.",
		"Mitosis divides one cell into two.",
		"Osmosis moves water across a membrane.",
	)
	r := NewRetriever(NewEmbedder(client, "m", arb))

	hits := r.Retrieve(context.Background(), ix, "cell biology", 3)
	if len(hits) == 0 || hits[0].ChunkID != "doc#1" || hits[0].Method != MethodVector {
		t.Fatalf("hits = %+v, want doc#1 by vector first", hits)
	}
	assertRanked(t, ix, hits)
}

func TestRetrieve_MixedIndexKeepsLexicalOnlyChunks(t *testing.T) {
	client := &mockEmbedClient{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		if strings.Contains(text, "oxidizes") {
			return nil, context.DeadlineExceeded
		}
		return topicVector(text), nil
	}}
	arb := mode.New(mode.Config{Authorized: true, DegradeAfter: 5, TripAfter: 10, CallsPerWindow: 100})
	ix := buildIndex(t, arb, client,
		"Photosynthesis captures light energy.",
		"The Krebs cycle oxidizes acetyl groups.",
	)
	if ix.Entries[1].HasVector() {
		t.Fatal("setup: Krebs chunk should lack a vector")
	}

	hits := NewRetriever(NewEmbedder(client, "m", arb)).Retrieve(context.Background(), ix, "Krebs cycle", 5)
	found := false
	for _, h := range hits {
		if h.ChunkID == "doc#1" {
			found = true
			if h.Method != MethodLexical {
				t.Errorf("Krebs hit method = %s, want lexical", h.Method)
			}
		}
	}
	if !found {
		t.Errorf("lexical-only chunk excluded: %+v", hits)
	}
	assertRanked(t, ix, hits)
}

func TestRetrieve_SharedComponentDoesNotBuryLexicalOnlyChunk(t *testing.T) {
	// Every vector carries the same large component, so raw cosine is near 1
	// for unrelated chunks.
	client := &mockEmbedClient{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		lower := strings.ToLower(text)
		if strings.Contains(lower, "oxidizes") {
			return nil, context.DeadlineExceeded
		}
		v := []float32{10, 10, 0, 0}
		if strings.Contains(lower, "krebs") {
			v[2] = 3
		}
		if strings.Contains(lower, "water") {
			v[3] = 1
		}
		return v, nil
	}}
	arb := mode.New(mode.Config{Authorized: true, DegradeAfter: 5, TripAfter: 10, CallsPerWindow: 100})
	ix := buildIndex(t, arb, client,
		"Krebs cycle energy. Krebs cycle energy.",
		"The Krebs cycle oxidizes acetyl groups.",
		"Osmosis moves water across a membrane.",
	)
	if ix.Entries[1].HasVector() || !ix.Entries[2].HasVector() {
		t.Fatal("setup: only the middle chunk should lack a vector")
	}

	hits := NewRetriever(NewEmbedder(client, "m", arb)).Retrieve(context.Background(), ix, "krebs cycle", 5)
	pos := make(map[string]int, len(hits))
	for i, h := range hits {
		pos[h.ChunkID] = i
	}
	krebs, ok := pos["doc#1"]
	if !ok {
		t.Fatalf("lexical-only Krebs chunk missing: %+v", hits)
	}
	if osmosis, ok := pos["doc#2"]; ok && osmosis < krebs {
		t.Errorf("unrelated embedded chunk ranked above Krebs chunk: %+v", hits)
	}
	if hits[0].ChunkID != "doc#0" {
		t.Errorf("top hit = %s, want doc#0", hits[0].ChunkID)
	}
	assertRanked(t, ix, hits)
}

func TestRetrieve_QueryEmbeddingUnavailableFallsBackToLexical(t *testing.T) {
	client := &mockEmbedClient{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		return topicVector(text), nil
	}}
	arb := mode.New(mode.Config{Authorized: true, CallsPerWindow: 100})
	ix := buildIndex(t, arb, client, "Mitosis divides one cell.", "Osmosis moves water.")

	offline := mode.New(mode.Config{})
	hits := NewRetriever(NewEmbedder(client, "m", offline)).Retrieve(context.Background(), ix, "osmosis", 5)
	if len(hits) != 1 || hits[0].ChunkID != "doc#1" || hits[0].Method != MethodLexical {
		t.Errorf("hits = %+v, want lexical doc#1", hits)
	}
}

func TestLexical_TopK(t *testing.T) {
	ix := buildIndex(t, nil, nil, "alpha beta", "alpha", "alpha beta gamma")
	hits := NewRetriever(nil).Lexical(ix, "alpha beta", 2)
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	assertRanked(t, ix, hits)
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0}
	if got := cosine(a, []float32{1, 0}, norm(a)); got != 1 {
		t.Errorf("cosine(same) = %v", got)
	}
	if got := cosine(a, []float32{0, 1}, norm(a)); got != 0 {
		t.Errorf("cosine(orthogonal) = %v", got)
	}
	if got := cosine(a, []float32{1, 0, 0}, norm(a)); got != 0 {
		t.Errorf("cosine(dim mismatch) = %v", got)
	}
}
