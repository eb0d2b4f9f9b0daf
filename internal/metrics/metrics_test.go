package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/studyd/internal/index"
	"github.com/kalambet/studyd/internal/mode"
	"github.com/kalambet/studyd/internal/quiz"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func assertContains(t *testing.T, body string, lines ...string) {
	t.Helper()
	for _, l := range lines {
		if !strings.Contains(body, l+"\n") {
			t.Errorf("metrics output missing %q", l)
		}
	}
}

func TestHooks_RecordDecisionsAndTransitions(t *testing.T) {
	m := New()
	arb := mode.New(mode.Config{Authorized: true}, mode.WithHooks(m.Hooks()))

	p := arb.Acquire(mode.Generation)
	if !p.Granted {
		t.Fatalf("permit not granted: %+v", p)
	}
	arb.Report(p, errors.New("boom"))

	assertContains(t, scrape(t, m),
		`studyd_mode_decisions_total{capability="generation",granted="true",reason=""} 1`,
		`studyd_mode_transitions_total{capability="generation",from="available",to="degraded"} 1`,
		`studyd_mode_state{capability="generation",state="degraded"} 1`,
		`studyd_mode_state{capability="generation",state="available"} 0`,
		`studyd_mode_state{capability="embedding",state="available"} 1`,
	)
}

func TestHooks_NoCredential(t *testing.T) {
	m := New()
	arb := mode.New(mode.Config{}, mode.WithHooks(m.Hooks()))
	arb.Acquire(mode.Embedding)
	arb.Acquire(mode.Embedding)

	assertContains(t, scrape(t, m),
		`studyd_mode_decisions_total{capability="embedding",granted="false",reason="no_credential"} 2`,
	)
}

func TestObserver(t *testing.T) {
	m := New()
	m.IndexBuilt(index.Partial, 4, 1, 2*time.Second)
	m.AnswerServed(mode.Offline, mode.ReasonTimeout)
	m.AnswerServed(mode.Online, mode.ReasonNone)
	m.QuizGenerated([]quiz.Question{
		{Kind: quiz.KindCloze, Provenance: mode.Offline},
		{Kind: quiz.KindCloze, Provenance: mode.Offline},
		{Kind: quiz.KindGenerated, Provenance: mode.Online},
	})
	m.QuizAnswered(quiz.KindCloze, true)
	m.QuizAnswered(quiz.KindExtractive, false)

	assertContains(t, scrape(t, m),
		`studyd_index_builds_total{provenance="partial"} 1`,
		`studyd_index_last_vector_ratio 0.25`,
		`studyd_index_build_duration_seconds_count 1`,
		`studyd_answers_total{provenance="offline",reason="timeout"} 1`,
		`studyd_answers_total{provenance="online",reason=""} 1`,
		`studyd_quiz_questions_generated_total{kind="cloze",provenance="offline"} 2`,
		`studyd_quiz_questions_generated_total{kind="generated",provenance="online"} 1`,
		`studyd_quiz_answers_total{correct="true",kind="cloze"} 1`,
		`studyd_quiz_answers_total{correct="false",kind="extractive"} 1`,
	)
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents/"+id, nil))
	}

	assertContains(t, scrape(t, m),
		`studyd_http_requests_total{method="GET",route="/documents/{id}",status="404"} 3`,
	)
}
