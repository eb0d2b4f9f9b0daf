package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/studyd/internal/document"
	"github.com/kalambet/studyd/internal/index"
)

// SaveDocument inserts doc and its chunks. Reusing an ID returns
// document.ErrDocumentExists.
func (s *Store) SaveDocument(ctx context.Context, doc *document.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning document transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE id = ?`, doc.ID).Scan(&exists); err != nil {
		return fmt.Errorf("checking document %s: %w", doc.ID, err)
	}
	if exists > 0 {
		return fmt.Errorf("%s: %w", doc.ID, document.ErrDocumentExists)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, status, index_version, build_error, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		doc.ID, string(doc.Status), doc.IndexVersion, doc.BuildError, doc.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (document_id, seq, id, text) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()
	for _, c := range doc.Chunks {
		if _, err := stmt.ExecContext(ctx, doc.ID, c.Seq, c.ID, c.Text); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// UpdateDocumentStatus records a build status change.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status document.Status, version int, buildErr string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET status = ?, index_version = ?, build_error = ? WHERE id = ?`,
		string(status), version, buildErr, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDocument loads one document with its chunks.
func (s *Store) GetDocument(ctx context.Context, id string) (*document.Document, error) {
	var d document.Document
	var status, createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, status, index_version, build_error, created_at FROM documents WHERE id = ?`, id).
		Scan(&d.ID, &status, &d.IndexVersion, &d.BuildError, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = document.Status(status)
	if d.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for document %s: %w", id, err)
	}
	if d.Chunks, err = s.loadChunks(ctx, id); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDocuments loads every document with its chunks, oldest first.
func (s *Store) ListDocuments(ctx context.Context) ([]*document.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	docs := make([]*document.Document, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDocument(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading document %s: %w", id, err)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func (s *Store) loadChunks(ctx context.Context, docID string) ([]document.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, seq, text FROM chunks WHERE document_id = ? ORDER BY seq ASC`, docID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks for %s: %w", docID, err)
	}
	defer rows.Close()

	var chunks []document.Chunk
	for rows.Next() {
		c := document.Chunk{DocumentID: docID}
		if err := rows.Scan(&c.ID, &c.Seq, &c.Text); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SaveIndex replaces the stored index of ix.DocumentID with ix. Only the
// metadata and vectors are stored.
func (s *Store) SaveIndex(ctx context.Context, ix *index.Index) error {
	snap := ix.Snapshot()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning index transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO indexes (document_id, version, provenance, embed_model, built_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			version = excluded.version, provenance = excluded.provenance,
			embed_model = excluded.embed_model, built_at = excluded.built_at`,
		snap.DocumentID, snap.Version, string(snap.Provenance), snap.EmbedModel, snap.BuiltAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("upserting index for %s: %w", snap.DocumentID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM index_vectors WHERE document_id = ?`, snap.DocumentID); err != nil {
		return fmt.Errorf("clearing vectors for %s: %w", snap.DocumentID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO index_vectors (document_id, chunk_id, embedding) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing vector insert: %w", err)
	}
	defer stmt.Close()
	for chunkID, vec := range snap.Vectors {
		if _, err := stmt.ExecContext(ctx, snap.DocumentID, chunkID, encodeFloat32s(vec)); err != nil {
			return fmt.Errorf("inserting vector %s: %w", chunkID, err)
		}
	}
	return tx.Commit()
}

// GetIndex loads the stored index snapshot of a document.
func (s *Store) GetIndex(ctx context.Context, documentID string) (index.Snapshot, error) {
	snap := index.Snapshot{DocumentID: documentID, Vectors: make(map[string][]float32)}
	var provenance, builtAt string
	err := s.db.QueryRowContext(ctx, `SELECT version, provenance, embed_model, built_at FROM indexes WHERE document_id = ?`, documentID).
		Scan(&snap.Version, &provenance, &snap.EmbedModel, &builtAt)
	if err == sql.ErrNoRows {
		return index.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return index.Snapshot{}, err
	}
	snap.Provenance = index.Provenance(provenance)
	if snap.BuiltAt, err = time.Parse(time.RFC3339Nano, builtAt); err != nil {
		return index.Snapshot{}, fmt.Errorf("parsing built_at for %s: %w", documentID, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, embedding FROM index_vectors WHERE document_id = ?`, documentID)
	if err != nil {
		return index.Snapshot{}, fmt.Errorf("querying vectors for %s: %w", documentID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var chunkID string
		var blob []byte
		if err := rows.Scan(&chunkID, &blob); err != nil {
			return index.Snapshot{}, err
		}
		vec, err := decodeFloat32s(blob)
		if err != nil {
			return index.Snapshot{}, fmt.Errorf("decoding vector %s: %w", chunkID, err)
		}
		snap.Vectors[chunkID] = vec
	}
	return snap, rows.Err()
}
