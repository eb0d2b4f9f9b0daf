package study

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/studyd/internal/document"
	"github.com/kalambet/studyd/internal/index"
	"github.com/kalambet/studyd/internal/mode"
)

// BuildIndex builds and publishes a new index version for docID and waits
// for it. Concurrent calls for the same document share one build. Only data
// errors fail a build; remote failures produce a partial index.
func (s *Service) BuildIndex(ctx context.Context, docID string) (*index.Index, error) {
	v, err, shared := s.builds.Do(docID, func() (any, error) {
		return s.build(context.WithoutCancel(ctx), docID)
	})
	if shared {
		s.logger.Debug("attached to running build", "document", docID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*index.Index), nil
}

func (s *Service) build(ctx context.Context, docID string) (*index.Index, error) {
	doc, err := s.docs.Get(docID)
	if err != nil {
		return nil, err
	}
	if err := s.setStatus(ctx, docID, document.StatusBuilding, 0, ""); err != nil {
		return nil, err
	}

	start := s.now()
	ix, err := s.builder.Build(ctx, doc, s.published(docID))
	if err == nil && s.repo != nil {
		if perr := s.repo.SaveIndex(ctx, ix); perr != nil {
			err = fmt.Errorf("saving index for %s: %w", docID, perr)
		}
	}
	if err != nil {
		s.logger.Warn("index build failed", "document", docID, "error", err)
		if serr := s.setStatus(ctx, docID, document.StatusFailed, 0, err.Error()); serr != nil {
			s.logger.Error("recording failed build", "document", docID, "error", serr)
		}
		return nil, err
	}

	s.mu.Lock()
	s.indexes[docID] = ix
	s.mu.Unlock()
	if err := s.setStatus(ctx, docID, document.StatusReady, ix.Version, ""); err != nil {
		s.logger.Error("recording finished build", "document", docID, "error", err)
	}

	took := s.now().Sub(start)
	if s.observer != nil {
		s.observer.IndexBuilt(ix.Provenance, len(ix.Entries), ix.Vectors(), took)
	}
	s.logger.Info("index published",
		"document", docID,
		"version", ix.Version,
		"provenance", ix.Provenance,
		"vectors", ix.Vectors(),
		"chunks", len(ix.Entries),
		"duration_ms", took.Milliseconds(),
	)
	return ix, nil
}

func (s *Service) setStatus(ctx context.Context, docID string, status document.Status, version int, buildErr string) error {
	if err := s.docs.SetStatus(docID, status, version, buildErr); err != nil {
		return err
	}
	if s.repo == nil {
		return nil
	}
	if version == 0 {
		if d, err := s.docs.Get(docID); err == nil {
			version = d.IndexVersion
		}
	}
	if err := s.repo.UpdateDocumentStatus(ctx, docID, status, version, buildErr); err != nil {
		return fmt.Errorf("saving status of %s: %w", docID, err)
	}
	return nil
}

// StartBuild schedules a build without waiting for it. It returns
// ErrBuildInProgress if the document is already building.
func (s *Service) StartBuild(ctx context.Context, docID string) error {
	doc, err := s.docs.Get(docID)
	if err != nil {
		return err
	}
	if doc.Status == document.StatusBuilding {
		return fmt.Errorf("%s: %w", docID, ErrBuildInProgress)
	}
	ok, err := s.docs.CompareAndSetStatus(docID, doc.Status, document.StatusBuilding)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", docID, ErrBuildInProgress)
	}

	if s.queue == nil {
		go func() {
			if _, err := s.BuildIndex(context.WithoutCancel(ctx), docID); err != nil {
				s.logger.Warn("background build failed", "document", docID, "error", err)
			}
		}()
		return nil
	}
	if err := s.queue.EnqueueBuild(ctx, docID, false); err != nil {
		s.docs.SetStatus(docID, doc.Status, 0, doc.BuildError)
		return fmt.Errorf("scheduling build for %s: %w", docID, err)
	}
	if s.repo != nil {
		if err := s.repo.UpdateDocumentStatus(ctx, docID, document.StatusBuilding, doc.IndexVersion, ""); err != nil {
			s.logger.Warn("recording scheduled build", "document", docID, "error", err)
		}
	}
	return nil
}

// CatchUp rebuilds a partial index so chunks without vectors get embedded.
// It returns the current index unchanged when it is already complete or the
// embedding capability cannot be used.
func (s *Service) CatchUp(ctx context.Context, docID string) (*index.Index, error) {
	if _, err := s.docs.Get(docID); err != nil {
		return nil, err
	}
	ix := s.published(docID)
	if ix == nil {
		return s.BuildIndex(ctx, docID)
	}
	if ix.Provenance == index.Complete || !s.arb.Usable(mode.Embedding) {
		return ix, nil
	}
	return s.BuildIndex(ctx, docID)
}

// PartialDocuments lists documents whose published index lacks vectors.
func (s *Service) PartialDocuments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, ix := range s.indexes {
		if ix.Provenance == index.Partial {
			ids = append(ids, id)
		}
	}
	return ids
}

// Restore loads documents, indexes and quizzes from the repository. Builds
// interrupted by a restart are reset to unbuilt.
func (s *Service) Restore(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	start := time.Now()
	docs, err := s.repo.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("loading documents: %w", err)
	}
	restored := 0
	for _, doc := range docs {
		if doc.Status == document.StatusBuilding {
			doc.Status = document.StatusUnbuilt
			if err := s.repo.UpdateDocumentStatus(ctx, doc.ID, doc.Status, doc.IndexVersion, ""); err != nil {
				return fmt.Errorf("resetting interrupted build of %s: %w", doc.ID, err)
			}
		}
		if err := s.docs.Put(doc); err != nil {
			return err
		}
		if doc.IndexVersion == 0 {
			continue
		}
		snap, err := s.repo.GetIndex(ctx, doc.ID)
		if err != nil {
			s.logger.Warn("index not restored", "document", doc.ID, "error", err)
			continue
		}
		ix, err := index.Restore(doc, snap)
		if err != nil {
			s.logger.Warn("index not restored", "document", doc.ID, "error", err)
			continue
		}
		s.mu.Lock()
		s.indexes[doc.ID] = ix
		s.mu.Unlock()
		restored++
	}

	quizzes, err := s.repo.ListQuizzes(ctx)
	if err != nil {
		return fmt.Errorf("loading quizzes: %w", err)
	}
	for _, q := range quizzes {
		s.quizzes.Restore(q)
	}
	s.logger.Info("state restored",
		"documents", len(docs),
		"indexes", restored,
		"quizzes", len(quizzes),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
