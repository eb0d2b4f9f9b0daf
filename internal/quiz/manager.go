package quiz

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/studyd/internal/lexical"
)

const defaultExtractiveThreshold = 0.5

// Citer maps a free-text response onto chunk IDs of a document.
type Citer interface {
	Cite(ctx context.Context, documentID, text string) []string
}

// SaveFunc persists a quiz. It is called with the new state before the
// change becomes visible; an error aborts the change.
type SaveFunc func(ctx context.Context, q *Quiz) error

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// ExtractiveThreshold is the minimum fraction of expected evidence
	// chunks a response must cite.
	ExtractiveThreshold float64
	Citer               Citer
	Save                SaveFunc
	Logger              *slog.Logger
	Now                 func() time.Time
}

type entry struct {
	mu   sync.Mutex
	quiz *Quiz
}

// Manager owns every quiz and serializes answers per quiz.
type Manager struct {
	mu      sync.RWMutex
	quizzes map[string]*entry
	cfg     ManagerConfig
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.ExtractiveThreshold <= 0 || cfg.ExtractiveThreshold > 1 {
		cfg.ExtractiveThreshold = defaultExtractiveThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{quizzes: make(map[string]*entry), cfg: cfg}
}

// Create registers a new active quiz over questions and returns a copy.
func (m *Manager) Create(ctx context.Context, documentID string, indexVersion int, questions []Question) (*Quiz, error) {
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: 0", ErrInvalidCount)
	}
	q := &Quiz{
		ID:           uuid.NewString(),
		DocumentID:   documentID,
		IndexVersion: indexVersion,
		Questions:    make([]Question, len(questions)),
		State:        StateActive,
		CreatedAt:    m.cfg.Now().UTC(),
	}
	for i, qu := range questions {
		qu = qu.clone()
		qu.ID = fmt.Sprintf("q%d", i+1)
		qu.Index = i
		qu.Response, qu.Correct, qu.AnsweredAt = nil, nil, nil
		q.Questions[i] = qu
	}

	if m.cfg.Save != nil {
		if err := m.cfg.Save(ctx, q.Clone()); err != nil {
			return nil, fmt.Errorf("saving quiz: %w", err)
		}
	}
	m.mu.Lock()
	m.quizzes[q.ID] = &entry{quiz: q}
	m.mu.Unlock()
	return q.Clone(), nil
}

// Restore registers a previously persisted quiz.
func (m *Manager) Restore(q *Quiz) {
	m.mu.Lock()
	m.quizzes[q.ID] = &entry{quiz: q.Clone()}
	m.mu.Unlock()
}

// Get returns a copy of the quiz. Completed quizzes remain readable.
func (m *Manager) Get(id string) (*Quiz, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quiz.Clone(), nil
}

// Current returns a copy of the question the pointer is on, or
// ErrQuizCompleted once every question has been answered.
func (m *Manager) Current(id string) (Question, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Question{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.quiz.Current()
	if !ok {
		return Question{}, ErrQuizCompleted
	}
	return q.clone(), nil
}

// List returns copies of every quiz for documentID ordered by creation.
func (m *Manager) List(documentID string) []*Quiz {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.quizzes))
	for _, e := range m.quizzes {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []*Quiz
	for _, e := range entries {
		e.mu.Lock()
		if e.quiz.DocumentID == documentID {
			out = append(out, e.quiz.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.quizzes[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrQuizNotFound)
	}
	return e, nil
}

// Result is the outcome of grading one answer.
type Result struct {
	Question Question  `json:"question"`
	State    State     `json:"state"`
	Pointer  int       `json:"pointer"`
	Score    int       `json:"score"`
	Next     *Question `json:"next,omitempty"`
	// Feedback is "Correct!" or, for a wrong answer, the expected answer.
	Feedback string `json:"feedback"`
}

// Answer grades resp against questionID and advances the pointer. An empty
// questionID means the current question. Answers are write-once and must
// follow question order.
func (m *Manager) Answer(ctx context.Context, quizID, questionID string, resp Response) (Result, error) {
	e, err := m.lookup(quizID)
	if err != nil {
		return Result{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.quiz
	idx := -1
	if questionID == "" {
		if cur.State == StateCompleted {
			return Result{}, ErrQuizCompleted
		}
		idx = cur.Pointer
	} else {
		for i := range cur.Questions {
			if cur.Questions[i].ID == questionID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Result{}, fmt.Errorf("%s: %w", questionID, ErrQuestionNotFound)
		}
	}
	switch {
	case cur.Questions[idx].Answered():
		return Result{}, fmt.Errorf("%s: %w", cur.Questions[idx].ID, ErrAlreadyAnswered)
	case cur.State == StateCompleted:
		return Result{}, ErrQuizCompleted
	case idx != cur.Pointer:
		return Result{}, fmt.Errorf("%s (current is %s): %w", cur.Questions[idx].ID, cur.Questions[cur.Pointer].ID, ErrOutOfOrder)
	}

	next := cur.Clone()
	qu := &next.Questions[idx]
	correct := m.grade(ctx, next.DocumentID, qu, &resp)
	now := m.cfg.Now().UTC()
	qu.Response = &resp
	qu.Correct = &correct
	qu.AnsweredAt = &now
	next.Pointer++
	if next.Pointer >= len(next.Questions) {
		next.State = StateCompleted
	}

	if m.cfg.Save != nil {
		if err := m.cfg.Save(ctx, next.Clone()); err != nil {
			return Result{}, fmt.Errorf("saving quiz: %w", err)
		}
	}
	e.quiz = next

	res := Result{
		Question: qu.clone(),
		State:    next.State,
		Pointer:  next.Pointer,
		Score:    next.Score(),
		Feedback: feedback(qu),
	}
	if nq, ok := next.Current(); ok {
		res.Next = &nq
	}
	m.cfg.Logger.Debug("quiz answer graded", "quiz", quizID, "question", qu.ID, "kind", qu.Kind, "correct", correct)
	return res, nil
}

// grade scores resp. Extractive responses without citations are mapped onto
// chunks through the Citer; the mapped citations are stored on resp.
func (m *Manager) grade(ctx context.Context, documentID string, q *Question, resp *Response) bool {
	switch q.Kind {
	case KindExtractive:
		if len(resp.Citations) == 0 && m.cfg.Citer != nil && resp.Text != "" {
			resp.Citations = m.cfg.Citer.Cite(ctx, documentID, resp.Text)
		}
		return CitationOverlap(resp.Citations, q.AnswerKey.EvidenceChunkIDs) >= m.cfg.ExtractiveThreshold
	default:
		want := lexical.Normalize(q.AnswerKey.Text)
		return want != "" && lexical.Normalize(resp.Text) == want
	}
}

func feedback(q *Question) string {
	if q.Correct != nil && *q.Correct {
		return "Correct!"
	}
	msg := "Incorrect."
	if q.AnswerKey.Text != "" {
		msg += fmt.Sprintf(" Expected: %s", q.AnswerKey.Text)
	}
	if len(q.AnswerKey.EvidenceChunkIDs) > 0 {
		msg += fmt.Sprintf(" (see %s)", strings.Join(q.AnswerKey.EvidenceChunkIDs, ", "))
	}
	return msg
}

// CitationOverlap returns the fraction of expected chunk IDs present in cited.
func CitationOverlap(cited, expected []string) float64 {
	if len(expected) == 0 {
		return 0
	}
	set := make(map[string]bool, len(cited))
	for _, c := range cited {
		set[c] = true
	}
	hit := 0
	for _, e := range expected {
		if set[e] {
			hit++
		}
	}
	return float64(hit) / float64(len(expected))
}
