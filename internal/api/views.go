package api

import (
	"time"

	"github.com/kalambet/studyd/internal/document"
	"github.com/kalambet/studyd/internal/index"
	"github.com/kalambet/studyd/internal/mode"
	"github.com/kalambet/studyd/internal/quiz"
)

// DocumentSummary is a document without its chunk text.
type DocumentSummary struct {
	ID           string          `json:"id"`
	Chunks       int             `json:"chunks"`
	IndexVersion int             `json:"index_version"`
	Status       document.Status `json:"status"`
	BuildError   string          `json:"build_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func summarizeDocument(d *document.Document) DocumentSummary {
	return DocumentSummary{
		ID:           d.ID,
		Chunks:       len(d.Chunks),
		IndexVersion: d.IndexVersion,
		Status:       d.Status,
		BuildError:   d.BuildError,
		CreatedAt:    d.CreatedAt,
	}
}

// IndexSummary describes a published index without vectors.
type IndexSummary struct {
	DocumentID string           `json:"document_id"`
	Version    int              `json:"version"`
	Provenance index.Provenance `json:"provenance"`
	Chunks     int              `json:"chunks"`
	Vectors    int              `json:"vectors"`
	EmbedModel string           `json:"embed_model,omitempty"`
	BuiltAt    time.Time        `json:"built_at"`
}

func summarizeIndex(ix *index.Index) IndexSummary {
	return IndexSummary{
		DocumentID: ix.DocumentID,
		Version:    ix.Version,
		Provenance: ix.Provenance,
		Chunks:     len(ix.Entries),
		Vectors:    ix.Vectors(),
		EmbedModel: ix.EmbedModel,
		BuiltAt:    ix.BuiltAt,
	}
}

// QuestionView is a question as shown to the learner. The answer key is
// revealed only once the question has been graded.
type QuestionView struct {
	ID         string          `json:"id"`
	Index      int             `json:"index"`
	Kind       quiz.Kind       `json:"kind"`
	Prompt     string          `json:"prompt"`
	Topic      string          `json:"topic"`
	Provenance mode.Provenance `json:"provenance"`
	Response   *quiz.Response  `json:"response,omitempty"`
	Correct    *bool           `json:"correct,omitempty"`
	AnsweredAt *time.Time      `json:"answered_at,omitempty"`
	AnswerKey  *quiz.AnswerKey `json:"answer_key,omitempty"`
}

func viewQuestion(q quiz.Question) QuestionView {
	v := QuestionView{
		ID:         q.ID,
		Index:      q.Index,
		Kind:       q.Kind,
		Prompt:     q.Prompt,
		Topic:      q.Topic,
		Provenance: q.Provenance,
		Response:   q.Response,
		Correct:    q.Correct,
		AnsweredAt: q.AnsweredAt,
	}
	if q.Answered() {
		key := q.AnswerKey
		v.AnswerKey = &key
	}
	return v
}

// QuizView is a quiz with answer keys hidden for open questions.
type QuizView struct {
	ID           string         `json:"id"`
	DocumentID   string         `json:"document_id"`
	IndexVersion int            `json:"index_version"`
	State        quiz.State     `json:"state"`
	Pointer      int            `json:"pointer"`
	Score        int            `json:"score"`
	Questions    []QuestionView `json:"questions"`
	CreatedAt    time.Time      `json:"created_at"`
}

func viewQuiz(q *quiz.Quiz) QuizView {
	v := QuizView{
		ID:           q.ID,
		DocumentID:   q.DocumentID,
		IndexVersion: q.IndexVersion,
		State:        q.State,
		Pointer:      q.Pointer,
		Score:        q.Score(),
		Questions:    make([]QuestionView, len(q.Questions)),
		CreatedAt:    q.CreatedAt,
	}
	for i, qu := range q.Questions {
		v.Questions[i] = viewQuestion(qu)
	}
	return v
}

// ResultView is the outcome of answering one question.
type ResultView struct {
	Question QuestionView  `json:"question"`
	State    quiz.State    `json:"state"`
	Pointer  int           `json:"pointer"`
	Score    int           `json:"score"`
	Next     *QuestionView `json:"next,omitempty"`
	Feedback string        `json:"feedback"`
}

func viewResult(r quiz.Result) ResultView {
	v := ResultView{
		Question: viewQuestion(r.Question),
		State:    r.State,
		Pointer:  r.Pointer,
		Score:    r.Score,
		Feedback: r.Feedback,
	}
	if r.Next != nil {
		n := viewQuestion(*r.Next)
		v.Next = &n
	}
	return v
}
