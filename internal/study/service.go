// Package study is the entry point to the exam-prep core. A Service owns the
// chunk store, the published indexes and the quiz state, and routes every
// remote call through one mode arbitrator.
package study

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/studyd/internal/answer"
	"github.com/kalambet/studyd/internal/composer"
	"github.com/kalambet/studyd/internal/document"
	"github.com/kalambet/studyd/internal/engine"
	"github.com/kalambet/studyd/internal/index"
	"github.com/kalambet/studyd/internal/mode"
	"github.com/kalambet/studyd/internal/plan"
	"github.com/kalambet/studyd/internal/quiz"
	"github.com/kalambet/studyd/internal/retrieval"
)

var (
	// ErrBuildInProgress is returned by StartBuild while a build is running.
	ErrBuildInProgress = errors.New("index build already in progress")
	// ErrNotIndexed is returned when a document has no published index.
	ErrNotIndexed = errors.New("document has no index")
)

const citeTopK = 2

// Repository persists core state. storage.Store implements it.
type Repository interface {
	SaveDocument(ctx context.Context, doc *document.Document) error
	UpdateDocumentStatus(ctx context.Context, id string, status document.Status, version int, buildErr string) error
	ListDocuments(ctx context.Context) ([]*document.Document, error)
	SaveIndex(ctx context.Context, ix *index.Index) error
	GetIndex(ctx context.Context, documentID string) (index.Snapshot, error)
	SaveQuiz(ctx context.Context, q *quiz.Quiz) error
	ListQuizzes(ctx context.Context) ([]*quiz.Quiz, error)
}

// BuildQueue schedules background index builds.
type BuildQueue interface {
	EnqueueBuild(ctx context.Context, documentID string, catchUp bool) error
}

// Observer receives events for metrics. All methods must be cheap.
type Observer interface {
	IndexBuilt(provenance index.Provenance, chunks, vectors int, took time.Duration)
	AnswerServed(provenance mode.Provenance, reason mode.Reason)
	QuizGenerated(questions []quiz.Question)
	QuizAnswered(kind quiz.Kind, correct bool)
}

// Config wires a Service. Remote may be nil, in which case every capability
// stays offline.
type Config struct {
	Arbitrator *mode.Arbitrator
	Remote     engine.Engine
	ChatModel  string
	EmbedModel string

	TopK                int
	MaxContextTokens    int
	ExtractiveThreshold float64
	PlanMaxInterval     time.Duration
	PlanHalfLife        time.Duration

	Repository Repository
	Queue      BuildQueue
	Observer   Observer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Service implements the upload, build, ask, quiz and plan operations. It is
// safe for concurrent use.
type Service struct {
	docs    *document.Store
	arb     *mode.Arbitrator
	builder *index.Builder

	mu      sync.RWMutex
	indexes map[string]*index.Index
	builds  singleflight.Group

	retriever *retrieval.Retriever
	synth     *answer.Synthesizer
	gen       *quiz.Generator
	quizzes   *quiz.Manager
	planner   *plan.Scheduler

	repo     Repository
	queue    BuildQueue
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Service. Call Restore before serving when a Repository is
// configured.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Arbitrator == nil {
		cfg.Arbitrator = mode.New(mode.Config{Authorized: cfg.Remote != nil}, mode.WithLogger(cfg.Logger))
	}

	s := &Service{
		docs:     document.NewStore(),
		arb:      cfg.Arbitrator,
		indexes:  make(map[string]*index.Index),
		repo:     cfg.Repository,
		queue:    cfg.Queue,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		now:      cfg.Now,
		planner:  plan.NewScheduler(cfg.PlanMaxInterval, cfg.PlanHalfLife),
	}

	comp := composer.New(cfg.MaxContextTokens)
	var (
		embedClient retrieval.EmbedClient
		indexEmbed  index.Embedder
		chat        answer.Chatter
		quizChat    quiz.Chatter
	)
	if cfg.Remote != nil {
		embedClient, indexEmbed, chat, quizChat = cfg.Remote, cfg.Remote, cfg.Remote, cfg.Remote
	}
	s.builder = index.NewBuilder(s.arb, indexEmbed, cfg.EmbedModel, cfg.Logger)
	s.retriever = retrieval.NewRetriever(retrieval.NewEmbedder(embedClient, cfg.EmbedModel, s.arb))
	s.synth = answer.NewSynthesizer(s.retriever, s.arb, chat, comp, answer.Config{Model: cfg.ChatModel, TopK: cfg.TopK}, cfg.Logger)
	s.gen = quiz.NewGenerator(s.arb, quizChat, cfg.ChatModel, comp, cfg.Logger)

	mcfg := quiz.ManagerConfig{
		ExtractiveThreshold: cfg.ExtractiveThreshold,
		Citer:               citer{s},
		Logger:              cfg.Logger,
		Now:                 cfg.Now,
	}
	if s.repo != nil {
		mcfg.Save = s.repo.SaveQuiz
	}
	s.quizzes = quiz.NewManager(mcfg)
	return s
}

// Arbitrator returns the shared mode arbitrator.
func (s *Service) Arbitrator() *mode.Arbitrator { return s.arb }

// UploadComplete registers a parsed document. An empty docID is replaced by
// a generated one. The document starts unbuilt.
func (s *Service) UploadComplete(ctx context.Context, docID string, segments []string) (*document.Document, error) {
	if docID == "" {
		docID = uuid.NewString()
	}
	doc, err := document.New(docID, segments, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.docs.Put(doc); err != nil {
		return nil, err
	}
	if s.repo != nil {
		if err := s.repo.SaveDocument(ctx, doc); err != nil {
			s.docs.Delete(docID)
			return nil, fmt.Errorf("saving document %s: %w", docID, err)
		}
	}
	s.logger.Info("document uploaded", "document", docID, "chunks", len(doc.Chunks))
	return doc, nil
}

// Document returns a copy of a stored document.
func (s *Service) Document(docID string) (*document.Document, error) {
	return s.docs.Get(docID)
}

// Documents returns every stored document.
func (s *Service) Documents() []*document.Document {
	return s.docs.List()
}

// Index returns the published index of a document.
func (s *Service) Index(docID string) (*index.Index, error) {
	if _, err := s.docs.Get(docID); err != nil {
		return nil, err
	}
	if ix := s.published(docID); ix != nil {
		return ix, nil
	}
	return nil, fmt.Errorf("%s: %w", docID, ErrNotIndexed)
}

// KeyTerms returns the n most frequent terms of a document's index.
func (s *Service) KeyTerms(docID string, n int) ([]index.TermCount, error) {
	ix, err := s.Index(docID)
	if err != nil {
		return nil, err
	}
	return ix.TopTerms(n), nil
}

// ModeStatus reports the state of every remote capability.
func (s *Service) ModeStatus() []mode.ModeState {
	return s.arb.Snapshots()
}

func (s *Service) published(docID string) *index.Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexes[docID]
}

// ready returns the published index, building one first when the document
// has none.
func (s *Service) ready(ctx context.Context, docID string) (*index.Index, error) {
	if _, err := s.docs.Get(docID); err != nil {
		return nil, err
	}
	if ix := s.published(docID); ix != nil {
		return ix, nil
	}
	return s.BuildIndex(ctx, docID)
}

// Ask answers question from a document. Remote problems never fail the
// call; they show up as an offline answer. A question with no content terms
// gets the no-evidence answer.
func (s *Service) Ask(ctx context.Context, docID, question string) (answer.Answer, error) {
	question = strings.TrimSpace(question)
	ix, err := s.ready(ctx, docID)
	if err != nil {
		return answer.Answer{}, err
	}
	a := s.synth.Ask(ctx, ix, question)
	if s.observer != nil {
		s.observer.AnswerServed(a.Provenance, a.FallbackReason)
	}
	return a, nil
}

// GenerateQuiz creates a new active quiz of count questions.
func (s *Service) GenerateQuiz(ctx context.Context, docID string, count int) (*quiz.Quiz, error) {
	if count <= 0 || count > quiz.MaxQuestions {
		return nil, fmt.Errorf("%w: %d (allowed 1-%d)", quiz.ErrInvalidCount, count, quiz.MaxQuestions)
	}
	ix, err := s.ready(ctx, docID)
	if err != nil {
		return nil, err
	}
	questions, err := s.gen.Generate(ctx, ix, count)
	if err != nil {
		return nil, err
	}
	q, err := s.quizzes.Create(ctx, docID, ix.Version, questions)
	if err != nil {
		return nil, err
	}
	if s.observer != nil {
		s.observer.QuizGenerated(q.Questions)
	}
	s.logger.Info("quiz generated", "quiz", q.ID, "document", docID, "questions", len(q.Questions))
	return q, nil
}

// FetchQuiz returns a quiz. Completed quizzes stay readable.
func (s *Service) FetchQuiz(_ context.Context, quizID string) (*quiz.Quiz, error) {
	return s.quizzes.Get(quizID)
}

// CurrentQuestion returns the question a quiz is waiting on.
func (s *Service) CurrentQuestion(_ context.Context, quizID string) (quiz.Question, error) {
	return s.quizzes.Current(quizID)
}

// Quizzes returns every quiz of a document.
func (s *Service) Quizzes(docID string) ([]*quiz.Quiz, error) {
	if _, err := s.docs.Get(docID); err != nil {
		return nil, err
	}
	return s.quizzes.List(docID), nil
}

// AnswerQuiz grades one answer. An empty questionID answers the current
// question.
func (s *Service) AnswerQuiz(ctx context.Context, quizID, questionID string, resp quiz.Response) (quiz.Result, error) {
	res, err := s.quizzes.Answer(ctx, quizID, questionID, resp)
	if err != nil {
		return quiz.Result{}, err
	}
	if s.observer != nil {
		s.observer.QuizAnswered(res.Question.Kind, *res.Question.Correct)
	}
	return res, nil
}

// CreatePlan recomputes the study plan of a document from all of its
// quizzes.
func (s *Service) CreatePlan(ctx context.Context, docID string, opts plan.Options) ([]plan.Entry, error) {
	ix, err := s.ready(ctx, docID)
	if err != nil {
		return nil, err
	}
	return s.planner.Plan(ix, s.quizzes.List(docID), opts), nil
}

// citer maps free-text quiz responses onto chunks with lexical retrieval so
// grading never depends on the remote capability.
type citer struct{ s *Service }

func (c citer) Cite(_ context.Context, documentID, text string) []string {
	ix := c.s.published(documentID)
	if ix == nil {
		return nil
	}
	hits := c.s.retriever.Lexical(ix, text, citeTopK)
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	return ids
}
