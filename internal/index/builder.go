package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kalambet/studyd/internal/document"
	"github.com/kalambet/studyd/internal/lexical"
	"github.com/kalambet/studyd/internal/mode"
	"golang.org/x/sync/errgroup"
)

const embedConcurrency = 4

// Embedder produces embedding vectors. engine.Engine satisfies it.
type Embedder interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Builder turns a document's chunks into an Index.
type Builder struct {
	arb      *mode.Arbitrator
	embedder Embedder
	model    string
	logger   *slog.Logger
	now      func() time.Time
}

// NewBuilder creates a Builder. A nil embedder produces lexical-only indexes.
func NewBuilder(arb *mode.Arbitrator, embedder Embedder, model string, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{arb: arb, embedder: embedder, model: model, logger: logger, now: time.Now}
}

// Model returns the embedding model vectors are requested from.
func (b *Builder) Model() string { return b.model }

// Build indexes doc. Vectors present in prev for the same chunk and model
// are reused; only chunks still lacking one are sent to the embedding
// capability. A failed embedding leaves that chunk lexical-only and marks the
// index partial; only empty or malformed input fails the build.
func (b *Builder) Build(ctx context.Context, doc *document.Document, prev *Index) (*Index, error) {
	if len(doc.Chunks) == 0 {
		return nil, document.ErrEmptyDocument
	}

	ix := &Index{
		DocumentID: doc.ID,
		Version:    doc.IndexVersion + 1,
		Entries:    make([]Entry, len(doc.Chunks)),
		EmbedModel: b.model,
	}
	if prev != nil && prev.Version >= ix.Version {
		ix.Version = prev.Version + 1
	}

	sigs := make([]lexical.Signature, len(doc.Chunks))
	for i, c := range doc.Chunks {
		sig, err := lexical.Compute(c.Text)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w: %v", c.ID, document.ErrMalformedChunk, err)
		}
		sigs[i] = sig
		ix.Entries[i] = Entry{Chunk: c, Signature: sig}
	}
	ix.Stats = lexical.NewStats(sigs)

	if prev != nil && prev.EmbedModel == b.model {
		reuse := make(map[string][]float32, len(prev.Entries))
		for _, e := range prev.Entries {
			if e.HasVector() {
				reuse[e.Chunk.ID] = e.Vector
			}
		}
		for i := range ix.Entries {
			if v, ok := reuse[ix.Entries[i].Chunk.ID]; ok {
				ix.Entries[i].Vector = v
			}
		}
	}

	requested, embedded := b.embedMissing(ctx, ix)

	ix.Provenance = Complete
	if ix.Missing() > 0 {
		ix.Provenance = Partial
	}
	ix.BuiltAt = b.now().UTC()

	b.logger.Debug("index built",
		"document", doc.ID,
		"version", ix.Version,
		"chunks", len(ix.Entries),
		"requested", requested,
		"embedded", embedded,
		"provenance", ix.Provenance,
	)
	return ix, nil
}

// embedMissing requests vectors for entries without one. Once the arbitrator
// denies a call no further chunks are requested in this build.
func (b *Builder) embedMissing(ctx context.Context, ix *Index) (requested, embedded int) {
	if b.embedder == nil || b.arb == nil || !b.arb.Usable(mode.Embedding) {
		return 0, 0
	}

	var denied atomic.Bool
	var req, ok atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(embedConcurrency)

	for i := range ix.Entries {
		if ix.Entries[i].HasVector() {
			continue
		}
		i := i
		g.Go(func() error {
			if denied.Load() || ctx.Err() != nil {
				return nil
			}
			text := ix.Entries[i].Chunk.Text
			vec, out := mode.Call(ctx, b.arb, mode.Embedding, func(callCtx context.Context) ([]float32, error) {
				v, err := b.embedder.Embed(callCtx, b.model, text)
				if err == nil && len(v) == 0 {
					err = fmt.Errorf("empty vector: %w", mode.ErrInvalidResponse)
				}
				return v, err
			})
			switch {
			case out.Online():
				req.Add(1)
				ok.Add(1)
				ix.Entries[i].Vector = vec
			case out.Err == nil:
				denied.Store(true)
			default:
				req.Add(1)
				b.logger.Debug("chunk embedding failed", "chunk", ix.Entries[i].Chunk.ID, "reason", out.Reason, "error", out.Err)
			}
			return nil
		})
	}
	g.Wait()
	return int(req.Load()), int(ok.Load())
}
