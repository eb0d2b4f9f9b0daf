package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/studyd/internal/answer"
	"github.com/kalambet/studyd/internal/document"
	"github.com/kalambet/studyd/internal/extract"
	"github.com/kalambet/studyd/internal/index"
	"github.com/kalambet/studyd/internal/mode"
	"github.com/kalambet/studyd/internal/plan"
	"github.com/kalambet/studyd/internal/quiz"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxUploadBodySize  = 32 << 20 // 32MB
	defaultQuizSize    = 5
	defaultTermCount   = 10
	maxTermCount       = 100
)

// Study is the core surface the transports call. study.Service implements it.
type Study interface {
	UploadComplete(ctx context.Context, docID string, segments []string) (*document.Document, error)
	Document(docID string) (*document.Document, error)
	Documents() []*document.Document
	StartBuild(ctx context.Context, docID string) error
	BuildIndex(ctx context.Context, docID string) (*index.Index, error)
	Index(docID string) (*index.Index, error)
	KeyTerms(docID string, n int) ([]index.TermCount, error)
	ModeStatus() []mode.ModeState
	Ask(ctx context.Context, docID, question string) (answer.Answer, error)
	GenerateQuiz(ctx context.Context, docID string, count int) (*quiz.Quiz, error)
	FetchQuiz(ctx context.Context, quizID string) (*quiz.Quiz, error)
	CurrentQuestion(ctx context.Context, quizID string) (quiz.Question, error)
	Quizzes(docID string) ([]*quiz.Quiz, error)
	AnswerQuiz(ctx context.Context, quizID, questionID string, resp quiz.Response) (quiz.Result, error)
	CreatePlan(ctx context.Context, docID string, opts plan.Options) ([]plan.Entry, error)
}

// Deps holds dependencies for the HTTP handler.
type Deps struct {
	Study Study
	// Token enables bearer authentication on every route except /health and
	// /metrics when non-empty.
	Token string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Instrument wraps the API routes, e.g. with request metrics.
	Instrument func(http.Handler) http.Handler
}

// NewHandler returns the REST API.
func NewHandler(deps Deps) http.Handler {
	h := &handler{study: deps.Study}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if deps.Instrument != nil {
		r.Use(deps.Instrument)
	}

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/mode", h.modeStatus)

		r.Post("/documents", h.uploadDocument)
		r.Post("/documents/upload", h.uploadFile)
		r.Get("/documents", h.listDocuments)
		r.Route("/documents/{id}", func(r chi.Router) {
			r.Get("/", h.getDocument)
			r.Post("/index", h.buildIndex)
			r.Get("/index", h.getIndex)
			r.Get("/terms", h.keyTerms)
			r.Post("/ask", h.ask)
			r.Post("/quizzes", h.generateQuiz)
			r.Get("/quizzes", h.listQuizzes)
			r.Post("/plan", h.createPlan)
		})

		r.Get("/quizzes/{id}", h.getQuiz)
		r.Get("/quizzes/{id}/current", h.currentQuestion)
		r.Post("/quizzes/{id}/answers", h.answerQuiz)
	})

	return r
}

type handler struct {
	study Study
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func (h *handler) modeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": h.study.ModeStatus()})
}

// UploadRequest registers parsed text. Segments are used as chunks as-is;
// Text is split into overlapping word windows.
type UploadRequest struct {
	ID       string   `json:"id"`
	Segments []string `json:"segments"`
	Text     string   `json:"text"`
}

func (h *handler) uploadDocument(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	segments := req.Segments
	if len(segments) == 0 && req.Text != "" {
		var err error
		if segments, err = chunkText(req.Text); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
	}
	h.register(w, r, req.ID, segments)
}

func chunkText(text string) ([]string, error) {
	return extract.Chunk(text, extract.DefaultChunkWords, extract.DefaultOverlap)
}

func (h *handler) uploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
	if err := r.ParseMultipartForm(maxUploadBodySize); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
		return
	}
	segments, err := extract.Segments(header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		writeError(w, err)
		return
	}
	h.register(w, r, r.FormValue("id"), segments)
}

func (h *handler) register(w http.ResponseWriter, r *http.Request, id string, segments []string) {
	doc, err := h.study.UploadComplete(r.Context(), id, segments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summarizeDocument(doc))
}

func (h *handler) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs := h.study.Documents()
	out := make([]DocumentSummary, len(docs))
	for i, d := range docs {
		out[i] = summarizeDocument(d)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.study.Document(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("chunks") == "true" {
		writeJSON(w, http.StatusOK, doc)
		return
	}
	writeJSON(w, http.StatusOK, summarizeDocument(doc))
}

// buildIndex schedules a build and returns 202. With ?wait=true it builds
// synchronously and returns the published index.
func (h *handler) buildIndex(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("wait") == "true" {
		ix, err := h.study.BuildIndex(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summarizeIndex(ix))
		return
	}
	if err := h.study.StartBuild(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"document_id": id,
		"status":      string(document.StatusBuilding),
	})
}

func (h *handler) getIndex(w http.ResponseWriter, r *http.Request) {
	ix, err := h.study.Index(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarizeIndex(ix))
}

func (h *handler) keyTerms(w http.ResponseWriter, r *http.Request) {
	n := parseIntParam(r, "n", defaultTermCount, maxTermCount)
	terms, err := h.study.KeyTerms(chi.URLParam(r, "id"), n)
	if err != nil {
		writeError(w, err)
		return
	}
	if terms == nil {
		terms = []index.TermCount{}
	}
	writeJSON(w, http.StatusOK, terms)
}

// AskRequest is the body of POST /documents/{id}/ask.
type AskRequest struct {
	Question string `json:"question"`
}

func (h *handler) ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
		return
	}
	a, err := h.study.Ask(r.Context(), chi.URLParam(r, "id"), req.Question)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// QuizRequest is the body of POST /documents/{id}/quizzes.
type QuizRequest struct {
	Count int `json:"count"`
}

func (h *handler) generateQuiz(w http.ResponseWriter, r *http.Request) {
	req := QuizRequest{Count: defaultQuizSize}
	if !decodeBody(w, r, &req) {
		return
	}
	q, err := h.study.GenerateQuiz(r.Context(), chi.URLParam(r, "id"), req.Count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewQuiz(q))
}

func (h *handler) listQuizzes(w http.ResponseWriter, r *http.Request) {
	quizzes, err := h.study.Quizzes(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]QuizView, len(quizzes))
	for i, q := range quizzes {
		out[i] = viewQuiz(q)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getQuiz(w http.ResponseWriter, r *http.Request) {
	q, err := h.study.FetchQuiz(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewQuiz(q))
}

func (h *handler) currentQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := h.study.CurrentQuestion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewQuestion(q))
}

// AnswerRequest is the body of POST /quizzes/{id}/answers. An empty
// QuestionID answers the current question.
type AnswerRequest struct {
	QuestionID string   `json:"question_id"`
	Text       string   `json:"text"`
	Citations  []string `json:"citations"`
}

func (h *handler) answerQuiz(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.study.AnswerQuiz(r.Context(), chi.URLParam(r, "id"), req.QuestionID, quiz.Response{
		Text:      req.Text,
		Citations: req.Citations,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResult(res))
}

// PlanRequest is the body of POST /documents/{id}/plan. ExamDate accepts
// RFC 3339 or YYYY-MM-DD.
type PlanRequest struct {
	ExamDate    string  `json:"exam_date"`
	HoursPerDay float64 `json:"hours_per_day"`
}

func (h *handler) createPlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	opts, err := req.options()
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	entries, err := h.study.CreatePlan(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []plan.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (p PlanRequest) options() (plan.Options, error) {
	var opts plan.Options
	if p.HoursPerDay < 0 || p.HoursPerDay > 24 {
		return opts, errors.New("hours_per_day must be between 0 and 24")
	}
	opts.HoursPerDay = p.HoursPerDay
	if s := strings.TrimSpace(p.ExamDate); s != "" {
		t, err := parseDate(s)
		if err != nil {
			return opts, err
		}
		opts.ExamDate = t
	}
	return opts, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, errors.New("exam_date must be RFC 3339 or YYYY-MM-DD")
	}
	return t, nil
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
