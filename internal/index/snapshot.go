package index

import (
	"fmt"
	"time"

	"github.com/kalambet/studyd/internal/document"
	"github.com/kalambet/studyd/internal/lexical"
)

// Snapshot is the persisted form of an Index. Signatures and statistics are
// derived from chunk text and are recomputed on restore.
type Snapshot struct {
	DocumentID string
	Version    int
	Provenance Provenance
	EmbedModel string
	BuiltAt    time.Time
	Vectors    map[string][]float32
}

// Snapshot returns the persistable form of ix.
func (ix *Index) Snapshot() Snapshot {
	s := Snapshot{
		DocumentID: ix.DocumentID,
		Version:    ix.Version,
		Provenance: ix.Provenance,
		EmbedModel: ix.EmbedModel,
		BuiltAt:    ix.BuiltAt,
		Vectors:    make(map[string][]float32, len(ix.Entries)),
	}
	for _, e := range ix.Entries {
		if e.HasVector() {
			s.Vectors[e.Chunk.ID] = e.Vector
		}
	}
	return s
}

// Restore rebuilds an Index for doc from a snapshot without contacting any
// remote capability. Provenance is recomputed from the vectors present.
func Restore(doc *document.Document, s Snapshot) (*Index, error) {
	if len(doc.Chunks) == 0 {
		return nil, document.ErrEmptyDocument
	}
	if s.DocumentID != doc.ID {
		return nil, fmt.Errorf("snapshot for %s does not belong to document %s", s.DocumentID, doc.ID)
	}
	ix := &Index{
		DocumentID: doc.ID,
		Version:    s.Version,
		Entries:    make([]Entry, len(doc.Chunks)),
		EmbedModel: s.EmbedModel,
		BuiltAt:    s.BuiltAt,
	}
	sigs := make([]lexical.Signature, len(doc.Chunks))
	for i, c := range doc.Chunks {
		sig, err := lexical.Compute(c.Text)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w: %v", c.ID, document.ErrMalformedChunk, err)
		}
		sigs[i] = sig
		ix.Entries[i] = Entry{Chunk: c, Signature: sig, Vector: s.Vectors[c.ID]}
	}
	ix.Stats = lexical.NewStats(sigs)
	ix.Provenance = Complete
	if ix.Missing() > 0 {
		ix.Provenance = Partial
	}
	return ix, nil
}
