package quiz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/studyd/internal/mode"
)

type mockCiter struct {
	citeFn func(documentID, text string) []string
}

func (m *mockCiter) Cite(_ context.Context, documentID, text string) []string {
	return m.citeFn(documentID, text)
}

func sampleQuestions() []Question {
	return []Question{
		{Kind: KindCloze, Prompt: "Mitochondria produce _____.", Topic: "doc#0",
			AnswerKey: AnswerKey{Text: "energy", EvidenceChunkIDs: []string{"doc#0"}}, Provenance: mode.Offline},
		{Kind: KindExtractive, Prompt: "Explain ribosomes.", Topic: "doc#1",
			AnswerKey: AnswerKey{Text: "Ribosomes assemble proteins.", EvidenceChunkIDs: []string{"doc#1"}}, Provenance: mode.Offline},
		{Kind: KindGenerated, Prompt: "Where is DNA stored?", Topic: "doc#2",
			AnswerKey: AnswerKey{Text: "The nucleus", EvidenceChunkIDs: []string{"doc#2"}}, Provenance: mode.Online},
	}
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *Quiz) {
	t.Helper()
	m := NewManager(cfg)
	q, err := m.Create(context.Background(), "doc", 1, sampleQuestions())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m, q
}

func TestCreate_NumbersQuestions(t *testing.T) {
	_, q := newTestManager(t, ManagerConfig{})
	if q.State != StateActive || q.Pointer != 0 {
		t.Errorf("new quiz = %s/%d, want active/0", q.State, q.Pointer)
	}
	for i, qu := range q.Questions {
		if want := []string{"q1", "q2", "q3"}[i]; qu.ID != want || qu.Index != i {
			t.Errorf("question %d = %s/%d, want %s/%d", i, qu.ID, qu.Index, want, i)
		}
	}
}

func TestCreate_EmptyRejected(t *testing.T) {
	m := NewManager(ManagerConfig{})
	if _, err := m.Create(context.Background(), "doc", 1, nil); !errors.Is(err, ErrInvalidCount) {
		t.Errorf("error = %v, want ErrInvalidCount", err)
	}
}

func TestCreate_SaveFailureNotRegistered(t *testing.T) {
	m := NewManager(ManagerConfig{Save: func(context.Context, *Quiz) error { return errors.New("disk full") }})
	if _, err := m.Create(context.Background(), "doc", 1, sampleQuestions()); err == nil {
		t.Fatal("expected save error")
	}
	if got := m.List("doc"); len(got) != 0 {
		t.Errorf("List = %d quizzes, want 0", len(got))
	}
}

func TestAnswer_WalkToCompletion(t *testing.T) {
	m, q := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	res, err := m.Answer(ctx, q.ID, "q1", Response{Text: "  Energy. "})
	if err != nil {
		t.Fatalf("Answer q1: %v", err)
	}
	if !*res.Question.Correct || res.Pointer != 1 || res.Next == nil || res.Next.ID != "q2" {
		t.Errorf("q1 result = %+v", res)
	}
	if res.Feedback != "Correct!" {
		t.Errorf("q1 feedback = %q", res.Feedback)
	}

	res, err = m.Answer(ctx, q.ID, "", Response{Text: "they make proteins", Citations: []string{"doc#1"}})
	if err != nil {
		t.Fatalf("Answer q2: %v", err)
	}
	if !*res.Question.Correct {
		t.Error("extractive answer citing the evidence chunk should be correct")
	}

	res, err = m.Answer(ctx, q.ID, "q3", Response{Text: "mitochondria"})
	if err != nil {
		t.Fatalf("Answer q3: %v", err)
	}
	if *res.Question.Correct {
		t.Error("wrong generated answer graded correct")
	}
	if want := "Incorrect. Expected: The nucleus (see doc#2)"; res.Feedback != want {
		t.Errorf("q3 feedback = %q, want %q", res.Feedback, want)
	}
	if res.State != StateCompleted || res.Next != nil || res.Score != 2 {
		t.Errorf("final result = %s next=%v score=%d, want completed/nil/2", res.State, res.Next, res.Score)
	}

	got, err := m.Get(q.ID)
	if err != nil {
		t.Fatalf("Get completed quiz: %v", err)
	}
	if got.State != StateCompleted || got.Pointer != 3 {
		t.Errorf("stored quiz = %s/%d", got.State, got.Pointer)
	}
	if _, err := m.Answer(ctx, q.ID, "", Response{Text: "x"}); !errors.Is(err, ErrQuizCompleted) {
		t.Errorf("answer on completed quiz = %v, want ErrQuizCompleted", err)
	}
}

func TestCurrent_FollowsPointer(t *testing.T) {
	m, q := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	cur, err := m.Current(q.ID)
	if err != nil || cur.ID != "q1" {
		t.Fatalf("Current = %s, %v; want q1", cur.ID, err)
	}
	for _, text := range []string{"energy", "x", "the nucleus"} {
		if _, err := m.Answer(ctx, q.ID, "", Response{Text: text}); err != nil {
			t.Fatalf("Answer: %v", err)
		}
	}
	if _, err := m.Current(q.ID); !errors.Is(err, ErrQuizCompleted) {
		t.Errorf("Current on completed quiz = %v, want ErrQuizCompleted", err)
	}
	if _, err := m.Current("nope"); !errors.Is(err, ErrQuizNotFound) {
		t.Errorf("Current on unknown quiz = %v, want ErrQuizNotFound", err)
	}
}

func TestAnswer_AlreadyAnsweredKeepsGrade(t *testing.T) {
	m, q := newTestManager(t, ManagerConfig{})
	ctx := context.Background()
	if _, err := m.Answer(ctx, q.ID, "q1", Response{Text: "wrong"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Answer(ctx, q.ID, "q1", Response{Text: "energy"}); !errors.Is(err, ErrAlreadyAnswered) {
		t.Fatalf("second answer = %v, want ErrAlreadyAnswered", err)
	}
	got, _ := m.Get(q.ID)
	if *got.Questions[0].Correct || got.Questions[0].Response.Text != "wrong" {
		t.Errorf("grade changed after re-answer: %+v", got.Questions[0])
	}
	if got.Pointer != 1 {
		t.Errorf("pointer = %d, want 1", got.Pointer)
	}
}

func TestAnswer_OutOfOrder(t *testing.T) {
	m, q := newTestManager(t, ManagerConfig{})
	if _, err := m.Answer(context.Background(), q.ID, "q3", Response{Text: "The nucleus"}); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("error = %v, want ErrOutOfOrder", err)
	}
	got, _ := m.Get(q.ID)
	if got.Questions[2].Answered() || got.Pointer != 0 {
		t.Error("out-of-order answer changed the quiz")
	}
}

func TestAnswer_NotFound(t *testing.T) {
	m, q := newTestManager(t, ManagerConfig{})
	if _, err := m.Answer(context.Background(), "missing", "q1", Response{}); !errors.Is(err, ErrQuizNotFound) {
		t.Errorf("unknown quiz = %v", err)
	}
	if _, err := m.Answer(context.Background(), q.ID, "q9", Response{}); !errors.Is(err, ErrQuestionNotFound) {
		t.Errorf("unknown question = %v", err)
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrQuizNotFound) {
		t.Errorf("Get unknown = %v", err)
	}
}

func TestAnswer_ExtractiveUsesCiter(t *testing.T) {
	var cited atomic.Int32
	citer := &mockCiter{citeFn: func(documentID, text string) []string {
		cited.Add(1)
		if documentID != "doc" {
			t.Errorf("documentID = %q", documentID)
		}
		return []string{"doc#1", "doc#4"}
	}}
	m, q := newTestManager(t, ManagerConfig{Citer: citer})
	ctx := context.Background()
	if _, err := m.Answer(ctx, q.ID, "", Response{Text: "energy"}); err != nil {
		t.Fatal(err)
	}
	res, err := m.Answer(ctx, q.ID, "", Response{Text: "ribosomes build proteins from amino acids"})
	if err != nil {
		t.Fatal(err)
	}
	if cited.Load() != 1 {
		t.Errorf("citer called %d times, want 1", cited.Load())
	}
	if !*res.Question.Correct {
		t.Error("mapped citations cover the evidence; want correct")
	}
	if got := res.Question.Response.Citations; len(got) != 2 {
		t.Errorf("stored citations = %v", got)
	}
}

func TestAnswer_ExtractiveWithoutEvidenceIsWrong(t *testing.T) {
	m, q := newTestManager(t, ManagerConfig{Citer: &mockCiter{citeFn: func(string, string) []string { return nil }}})
	ctx := context.Background()
	m.Answer(ctx, q.ID, "", Response{Text: "energy"})
	res, err := m.Answer(ctx, q.ID, "", Response{Text: "no idea"})
	if err != nil {
		t.Fatal(err)
	}
	if *res.Question.Correct {
		t.Error("response with no citations graded correct")
	}
}

func TestAnswer_ConcurrentSameQuestion(t *testing.T) {
	m, q := newTestManager(t, ManagerConfig{})
	const workers = 16
	var wg sync.WaitGroup
	var ok, already atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Answer(context.Background(), q.ID, "q1", Response{Text: "energy"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyAnswered):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 || already.Load() != workers-1 {
		t.Errorf("ok=%d already=%d, want 1/%d", ok.Load(), already.Load(), workers-1)
	}
	got, _ := m.Get(q.ID)
	if got.Pointer != 1 {
		t.Errorf("pointer = %d, want 1", got.Pointer)
	}
}

func TestAnswer_SaveFailureLeavesQuizUnchanged(t *testing.T) {
	var fail atomic.Bool
	m, q := newTestManager(t, ManagerConfig{Save: func(context.Context, *Quiz) error {
		if fail.Load() {
			return errors.New("disk full")
		}
		return nil
	}})
	fail.Store(true)
	if _, err := m.Answer(context.Background(), q.ID, "q1", Response{Text: "energy"}); err == nil {
		t.Fatal("expected save error")
	}
	got, _ := m.Get(q.ID)
	if got.Questions[0].Answered() || got.Pointer != 0 {
		t.Error("failed save left a graded question behind")
	}
}

func TestAnswer_RecordsTime(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m, q := newTestManager(t, ManagerConfig{Now: func() time.Time { return at }})
	res, err := m.Answer(context.Background(), q.ID, "q1", Response{Text: "energy"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Question.AnsweredAt == nil || !res.Question.AnsweredAt.Equal(at) {
		t.Errorf("AnsweredAt = %v, want %v", res.Question.AnsweredAt, at)
	}
}

func TestRestoreAndList(t *testing.T) {
	m := NewManager(ManagerConfig{})
	older := &Quiz{ID: "b", DocumentID: "doc", State: StateActive, CreatedAt: time.Unix(100, 0), Questions: sampleQuestions()}
	newer := &Quiz{ID: "a", DocumentID: "doc", State: StateActive, CreatedAt: time.Unix(200, 0), Questions: sampleQuestions()}
	m.Restore(newer)
	m.Restore(older)
	m.Restore(&Quiz{ID: "c", DocumentID: "other", Questions: sampleQuestions()})

	got := m.List("doc")
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("List = %v", got)
	}
}

func TestCitationOverlap(t *testing.T) {
	tests := []struct {
		cited, expected []string
		want            float64
	}{
		{[]string{"a"}, []string{"a"}, 1},
		{[]string{"a", "x"}, []string{"a", "b"}, 0.5},
		{nil, []string{"a"}, 0},
		{[]string{"a"}, nil, 0},
	}
	for _, tt := range tests {
		if got := CitationOverlap(tt.cited, tt.expected); got != tt.want {
			t.Errorf("CitationOverlap(%v, %v) = %v, want %v", tt.cited, tt.expected, got, tt.want)
		}
	}
}
