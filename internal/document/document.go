// Package document holds uploaded study documents and their ordered chunks.
package document

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrEmptyDocument is returned when a document has no chunks.
	ErrEmptyDocument = errors.New("document has no chunks")
	// ErrMalformedChunk is returned when chunk text cannot be indexed.
	ErrMalformedChunk = errors.New("malformed chunk")
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrDocumentExists is returned when an upload reuses an existing ID.
	ErrDocumentExists = errors.New("document already exists")
)

// Status is the index build status of a document.
type Status string

const (
	StatusUnbuilt  Status = "unbuilt"
	StatusBuilding Status = "building"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
)

// Chunk is one immutable text segment of a document.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Seq        int    `json:"seq"`
	Text       string `json:"text"`
}

// ChunkID returns the identifier of the chunk at seq.
func ChunkID(docID string, seq int) string {
	return fmt.Sprintf("%s#%d", docID, seq)
}

// Document is an uploaded text split into ordered chunks.
type Document struct {
	ID           string    `json:"id"`
	Chunks       []Chunk   `json:"chunks"`
	IndexVersion int       `json:"index_version"`
	Status       Status    `json:"status"`
	BuildError   string    `json:"build_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// New creates an unbuilt document from parser output. Segment text is kept
// as-is; only an empty segment list is rejected.
func New(id string, segments []string, now time.Time) (*Document, error) {
	if len(segments) == 0 {
		return nil, ErrEmptyDocument
	}
	d := &Document{
		ID:        id,
		Chunks:    make([]Chunk, len(segments)),
		Status:    StatusUnbuilt,
		CreatedAt: now.UTC(),
	}
	for i, text := range segments {
		d.Chunks[i] = Chunk{ID: ChunkID(id, i), DocumentID: id, Seq: i, Text: text}
	}
	return d, nil
}

// Clone returns a copy that shares no mutable state with d.
func (d *Document) Clone() *Document {
	c := *d
	c.Chunks = append([]Chunk(nil), d.Chunks...)
	return &c
}

// Store is the in-memory chunk store. Chunks are never modified after Put;
// only status and index version change.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{docs: make(map[string]*Document)}
}

// Put adds a new document.
func (s *Store) Put(d *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[d.ID]; ok {
		return fmt.Errorf("%s: %w", d.ID, ErrDocumentExists)
	}
	s.docs[d.ID] = d.Clone()
	return nil
}

// Get returns a copy of the document with the given ID.
func (s *Store) Get(id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return d.Clone(), nil
}

// SetStatus updates the build status. A non-zero version is recorded as the
// document's current index version.
func (s *Store) SetStatus(id string, status Status, version int, buildErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	d.Status = status
	d.BuildError = buildErr
	if version > 0 {
		d.IndexVersion = version
	}
	return nil
}

// CompareAndSetStatus moves the document from one status to another and
// reports whether it did.
func (s *Store) CompareAndSetStatus(id string, from, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return false, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if d.Status != from {
		return false, nil
	}
	d.Status = to
	return true, nil
}

// List returns copies of all documents ordered by creation time, then ID.
func (s *Store) List() []*Document {
	s.mu.RLock()
	out := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete removes a document. Deleting an unknown ID is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.docs, id)
	s.mu.Unlock()
}
