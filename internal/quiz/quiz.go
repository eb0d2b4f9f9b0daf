// Package quiz generates question sets from a document index and runs the
// per-quiz answer state machine.
package quiz

import (
	"errors"
	"time"

	"github.com/kalambet/studyd/internal/mode"
)

var (
	ErrQuizNotFound     = errors.New("quiz not found")
	ErrQuestionNotFound = errors.New("question not found")
	ErrAlreadyAnswered  = errors.New("question already answered")
	ErrQuizCompleted    = errors.New("quiz already completed")
	ErrOutOfOrder       = errors.New("question is not the current question")
	ErrInvalidCount     = errors.New("invalid question count")
)

// Kind is how a question is graded.
type Kind string

const (
	// KindCloze is a fill-in-the-blank graded by exact match.
	KindCloze Kind = "cloze"
	// KindExtractive is graded by overlap between cited and expected chunks.
	KindExtractive Kind = "extractive"
	// KindGenerated is a remotely written question graded by exact match.
	KindGenerated Kind = "generated"
)

// State is the lifecycle state of a quiz.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
)

// AnswerKey is what a response is graded against.
type AnswerKey struct {
	Text             string   `json:"text"`
	EvidenceChunkIDs []string `json:"evidence_chunk_ids"`
}

// Response is a learner's answer. Citations are optional chunk IDs.
type Response struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations,omitempty"`
}

// Question is one item of a quiz. Response, Correct and AnsweredAt stay nil
// until the question is graded.
type Question struct {
	ID         string          `json:"id"`
	Index      int             `json:"index"`
	Kind       Kind            `json:"kind"`
	Prompt     string          `json:"prompt"`
	Topic      string          `json:"topic"`
	AnswerKey  AnswerKey       `json:"answer_key"`
	Provenance mode.Provenance `json:"provenance"`
	Response   *Response       `json:"response,omitempty"`
	Correct    *bool           `json:"correct,omitempty"`
	AnsweredAt *time.Time      `json:"answered_at,omitempty"`
}

// Answered reports whether the question has been graded.
func (q *Question) Answered() bool { return q.Correct != nil }

func (q Question) clone() Question {
	c := q
	c.AnswerKey.EvidenceChunkIDs = append([]string(nil), q.AnswerKey.EvidenceChunkIDs...)
	if q.Response != nil {
		r := *q.Response
		r.Citations = append([]string(nil), q.Response.Citations...)
		c.Response = &r
	}
	if q.Correct != nil {
		v := *q.Correct
		c.Correct = &v
	}
	if q.AnsweredAt != nil {
		v := *q.AnsweredAt
		c.AnsweredAt = &v
	}
	return c
}

// Quiz is an ordered question set with a forward-only pointer.
type Quiz struct {
	ID           string     `json:"id"`
	DocumentID   string     `json:"document_id"`
	IndexVersion int        `json:"index_version"`
	Questions    []Question `json:"questions"`
	Pointer      int        `json:"pointer"`
	State        State      `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Clone returns a deep copy of q.
func (q *Quiz) Clone() *Quiz {
	c := *q
	c.Questions = make([]Question, len(q.Questions))
	for i, qu := range q.Questions {
		c.Questions[i] = qu.clone()
	}
	return &c
}

// Current returns the question under the pointer, or false once completed.
func (q *Quiz) Current() (Question, bool) {
	if q.State == StateCompleted || q.Pointer >= len(q.Questions) {
		return Question{}, false
	}
	return q.Questions[q.Pointer], true
}

// Score returns the number of correct answers so far.
func (q *Quiz) Score() int {
	n := 0
	for _, qu := range q.Questions {
		if qu.Correct != nil && *qu.Correct {
			n++
		}
	}
	return n
}
