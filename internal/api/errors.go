package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/studyd/internal/document"
	"github.com/kalambet/studyd/internal/extract"
	"github.com/kalambet/studyd/internal/quiz"
	"github.com/kalambet/studyd/internal/study"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps a core error to an HTTP status and error type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, document.ErrNotFound),
		errors.Is(err, quiz.ErrQuizNotFound),
		errors.Is(err, quiz.ErrQuestionNotFound),
		errors.Is(err, study.ErrNotIndexed):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, document.ErrDocumentExists),
		errors.Is(err, study.ErrBuildInProgress),
		errors.Is(err, quiz.ErrAlreadyAnswered),
		errors.Is(err, quiz.ErrQuizCompleted),
		errors.Is(err, quiz.ErrOutOfOrder):
		return http.StatusConflict, "conflict"
	case errors.Is(err, document.ErrMalformedChunk):
		return http.StatusUnprocessableEntity, "unprocessable_document"
	case errors.Is(err, extract.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "invalid_request_error"
	case errors.Is(err, document.ErrEmptyDocument),
		errors.Is(err, quiz.ErrInvalidCount),
		errors.Is(err, extract.ErrEmpty),
		errors.Is(err, extract.ErrUnsupported):
		return http.StatusBadRequest, "invalid_request_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, typ := errorStatus(err)
	httpError(w, code, typ, "%v", err)
}
