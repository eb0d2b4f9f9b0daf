package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/studyd/internal/mode"
	"github.com/patrickmn/go-cache"
)

const (
	queryCacheTTL     = 10 * time.Minute
	queryCacheCleanup = 20 * time.Minute
)

// EmbedClient produces embedding vectors. engine.Engine satisfies it.
type EmbedClient interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Embedder embeds queries through the mode arbitrator and caches results by
// model and query text.
type Embedder struct {
	client EmbedClient
	model  string
	arb    *mode.Arbitrator
	cache  *cache.Cache
}

// NewEmbedder creates an Embedder. A nil client disables query embedding.
func NewEmbedder(client EmbedClient, model string, arb *mode.Arbitrator) *Embedder {
	return &Embedder{
		client: client,
		model:  model,
		arb:    arb,
		cache:  cache.New(queryCacheTTL, queryCacheCleanup),
	}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the vector for text, or an offline Outcome when the
// embedding capability could not be used.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, mode.Outcome) {
	if e == nil || e.client == nil || e.arb == nil {
		return nil, mode.Outcome{Provenance: mode.Offline, Reason: mode.ReasonNoCredential}
	}
	key := e.model + "\x00" + text
	if v, ok := e.cache.Get(key); ok {
		return v.([]float32), mode.Outcome{Provenance: mode.Online}
	}

	vec, out := mode.Call(ctx, e.arb, mode.Embedding, func(callCtx context.Context) ([]float32, error) {
		v, err := e.client.Embed(callCtx, e.model, text)
		if err != nil {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		if len(v) == 0 {
			return nil, fmt.Errorf("embedding query: %w", mode.ErrInvalidResponse)
		}
		return v, nil
	})
	if out.Online() {
		e.cache.SetDefault(key, vec)
	}
	return vec, out
}
