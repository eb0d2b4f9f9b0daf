package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/studyd/internal/document"
	"github.com/kalambet/studyd/internal/index"
	"github.com/kalambet/studyd/internal/storage"
)

// Job types handled by the Worker.
const (
	JobIndexBuild   = "index_build"
	JobIndexCatchUp = "index_catchup"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	AbandonJob(id string, errMsg string) error
	HasActiveJob(jobType, payloadJSON string) (bool, error)
}

// Builder runs index builds. study.Service satisfies it.
type Builder interface {
	BuildIndex(ctx context.Context, docID string) (*index.Index, error)
	CatchUp(ctx context.Context, docID string) (*index.Index, error)
	PartialDocuments() []string
}

// Worker processes index build jobs from the SQLite job queue and
// periodically schedules catch-up builds for partial indexes.
type Worker struct {
	store   JobStore
	builder Builder
	poll    time.Duration
	sweep   time.Duration
	ready   func() bool
	logger  *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithSweep enables the catch-up sweep every interval. ready reports whether
// the embedding capability is usable; the sweep is skipped while it is not.
func WithSweep(interval time.Duration, ready func() bool) Option {
	return func(w *Worker) {
		w.sweep = interval
		w.ready = ready
	}
}

// WithLogger sets the worker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, builder Builder, pollInterval time.Duration, opts ...Option) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	w := &Worker{
		store:   store,
		builder: builder,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var lastSweep time.Time
	for {
		if ctx.Err() != nil {
			return
		}

		if w.sweep > 0 && time.Since(lastSweep) >= w.sweep {
			lastSweep = time.Now()
			if n, err := w.Sweep(ctx); err != nil {
				w.logger.Error("catch-up sweep failed", "error", err)
			} else if n > 0 {
				w.logger.Info("catch-up builds scheduled", "documents", n)
			}
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single build job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobIndexBuild, JobIndexCatchUp})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		if permanent(err) {
			w.logger.Warn("job abandoned", "job_id", job.ID, "type", job.Type, "error", err)
			if abErr := w.store.AbandonJob(job.ID, err.Error()); abErr != nil {
				w.logger.Error("failed to mark job as abandoned", "job_id", job.ID, "error", abErr)
			}
			return true, nil
		}
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type buildPayload struct {
	DocumentID string `json:"document_id"`
}

var errBadPayload = errors.New("invalid job payload")

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload buildPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if payload.DocumentID == "" {
		return fmt.Errorf("%w: missing document_id", errBadPayload)
	}

	var ix *index.Index
	var err error
	switch job.Type {
	case JobIndexCatchUp:
		ix, err = w.builder.CatchUp(ctx, payload.DocumentID)
	default:
		ix, err = w.builder.BuildIndex(ctx, payload.DocumentID)
	}
	if err != nil {
		return fmt.Errorf("building %s: %w", payload.DocumentID, err)
	}
	w.logger.Debug("job processed", "job_id", job.ID, "type", job.Type, "document", payload.DocumentID,
		"version", ix.Version, "provenance", ix.Provenance)
	return nil
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, errBadPayload) ||
		errors.Is(err, document.ErrEmptyDocument) ||
		errors.Is(err, document.ErrMalformedChunk) ||
		errors.Is(err, document.ErrNotFound)
}

// Sweep enqueues a catch-up job for every document with a partial index
// that has none pending. It returns how many jobs were enqueued.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	if w.ready != nil && !w.ready() {
		return 0, nil
	}
	q := NewQueue(w.store)
	n := 0
	for _, id := range w.builder.PartialDocuments() {
		enqueued, err := q.enqueue(JobIndexCatchUp, id)
		if err != nil {
			return n, err
		}
		if enqueued {
			n++
		}
	}
	return n, nil
}

// Queue schedules builds on the job queue. It implements study.BuildQueue.
type Queue struct {
	store JobStore
}

// NewQueue creates a Queue over store.
func NewQueue(store JobStore) *Queue {
	return &Queue{store: store}
}

// EnqueueBuild adds a build job for documentID unless an identical job is
// already pending or running.
func (q *Queue) EnqueueBuild(_ context.Context, documentID string, catchUp bool) error {
	jobType := JobIndexBuild
	if catchUp {
		jobType = JobIndexCatchUp
	}
	_, err := q.enqueue(jobType, documentID)
	return err
}

func (q *Queue) enqueue(jobType, documentID string) (bool, error) {
	payload, err := json.Marshal(buildPayload{DocumentID: documentID})
	if err != nil {
		return false, err
	}
	active, err := q.store.HasActiveJob(jobType, string(payload))
	if err != nil {
		return false, fmt.Errorf("checking queued jobs: %w", err)
	}
	if active {
		return false, nil
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		PayloadJSON: string(payload),
	}
	if err := q.store.EnqueueJob(job); err != nil {
		return false, fmt.Errorf("enqueueing %s for %s: %w", jobType, documentID, err)
	}
	return true, nil
}
