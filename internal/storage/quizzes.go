package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/studyd/internal/quiz"
)

// SaveQuiz inserts or replaces a quiz. Questions are stored as one JSON
// column; pointer and state are mirrored into columns for querying.
func (s *Store) SaveQuiz(ctx context.Context, q *quiz.Quiz) error {
	questions, err := json.Marshal(q.Questions)
	if err != nil {
		return fmt.Errorf("encoding questions for quiz %s: %w", q.ID, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quizzes (id, document_id, index_version, pointer, state, questions_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pointer = excluded.pointer, state = excluded.state,
			questions_json = excluded.questions_json, updated_at = excluded.updated_at`,
		q.ID, q.DocumentID, q.IndexVersion, q.Pointer, string(q.State), string(questions),
		q.CreatedAt.UTC().Format(time.RFC3339Nano), now,
	)
	if err != nil {
		return fmt.Errorf("saving quiz %s: %w", q.ID, err)
	}
	return nil
}

// GetQuiz loads one quiz.
func (s *Store) GetQuiz(ctx context.Context, id string) (*quiz.Quiz, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, index_version, pointer, state, questions_json, created_at
		FROM quizzes WHERE id = ?`, id)
	q, err := scanQuiz(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return q, err
}

// ListQuizzes loads every quiz, oldest first.
func (s *Store) ListQuizzes(ctx context.Context) ([]*quiz.Quiz, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, index_version, pointer, state, questions_json, created_at
		FROM quizzes ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*quiz.Quiz
	for rows.Next() {
		q, err := scanQuiz(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuiz(row scanner) (*quiz.Quiz, error) {
	var q quiz.Quiz
	var state, questions, createdAt string
	if err := row.Scan(&q.ID, &q.DocumentID, &q.IndexVersion, &q.Pointer, &state, &questions, &createdAt); err != nil {
		return nil, err
	}
	q.State = quiz.State(state)
	if err := json.Unmarshal([]byte(questions), &q.Questions); err != nil {
		return nil, fmt.Errorf("decoding questions for quiz %s: %w", q.ID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at for quiz %s: %w", q.ID, err)
	}
	q.CreatedAt = t
	return &q, nil
}
