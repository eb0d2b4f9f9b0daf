package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/studyd/internal/answer"
	"github.com/kalambet/studyd/internal/mode"
	"github.com/kalambet/studyd/internal/plan"
	"github.com/kalambet/studyd/internal/study"
)

var biology = []string{
	"Cells are the basic unit of life. Every organism is made of cells.",
	"Photosynthesis is the process plants use to turn sunlight into sugar. It happens in chloroplasts.",
	"Osmosis is the movement of water across a membrane.",
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *study.Service) {
	t.Helper()
	svc := study.New(study.Config{})
	srv := httptest.NewServer(NewHandler(Deps{
		Study:   svc,
		Token:   token,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics\n")) }),
	}))
	t.Cleanup(srv.Close)
	return srv, svc
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s status = %d, want %d; body: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func uploadBiology(t *testing.T, srv *httptest.Server) {
	t.Helper()
	body, _ := json.Marshal(UploadRequest{ID: "bio", Segments: biology})
	expectStatus(t, do(t, srv, http.MethodPost, "/documents", string(body)), http.StatusCreated)
}

func TestHealthAndMetricsSkipAuth(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	expectStatus(t, do(t, srv, http.MethodGet, "/health", ""), http.StatusOK)
	expectStatus(t, do(t, srv, http.MethodGet, "/metrics", ""), http.StatusOK)

	resp := do(t, srv, http.MethodGet, "/documents", "")
	expectStatus(t, resp, http.StatusUnauthorized)
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Type != "authentication_error" {
		t.Errorf("error type = %q", body.Error.Type)
	}
}

func TestBearerAuth(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/documents", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer wrong")
	resp2, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", resp2.StatusCode)
	}
}

func TestUploadDocument(t *testing.T) {
	srv, _ := newTestServer(t, "")
	uploadBiology(t, srv)

	body, _ := json.Marshal(UploadRequest{ID: "bio", Segments: []string{"again"}})
	expectStatus(t, do(t, srv, http.MethodPost, "/documents", string(body)), http.StatusConflict)
	expectStatus(t, do(t, srv, http.MethodPost, "/documents", `{"id":"empty"}`), http.StatusBadRequest)
	expectStatus(t, do(t, srv, http.MethodPost, "/documents", `{not json`), http.StatusBadRequest)

	resp := do(t, srv, http.MethodPost, "/documents", `{"text":"one two three four"}`)
	expectStatus(t, resp, http.StatusCreated)
	doc := decode[DocumentSummary](t, resp)
	if doc.ID == "" || doc.Chunks != 1 || doc.Status != "unbuilt" {
		t.Errorf("text upload = %+v", doc)
	}

	docs := decode[[]DocumentSummary](t, do(t, srv, http.MethodGet, "/documents", ""))
	if len(docs) != 2 {
		t.Errorf("listed %d documents, want 2", len(docs))
	}

	got := decode[DocumentSummary](t, do(t, srv, http.MethodGet, "/documents/bio", ""))
	if got.Chunks != 3 {
		t.Errorf("bio chunks = %d", got.Chunks)
	}
	expectStatus(t, do(t, srv, http.MethodGet, "/documents/missing", ""), http.StatusNotFound)
}

func TestUploadFile(t *testing.T) {
	srv, _ := newTestServer(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("id", "lecture"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("file", "lecture.html")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(`<html><body><h1>Osmosis</h1><p>Water crosses membranes.</p><script>x()</script></body></html>`))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/documents/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusCreated)

	full, err := srv.Client().Get(srv.URL + "/documents/lecture?chunks=true")
	if err != nil {
		t.Fatal(err)
	}
	defer full.Body.Close()
	var doc struct {
		Chunks []struct {
			Text string `json:"text"`
		} `json:"chunks"`
	}
	if err := json.NewDecoder(full.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.Chunks) != 1 || doc.Chunks[0].Text != "Osmosis Water crosses membranes." {
		t.Errorf("chunks = %+v", doc.Chunks)
	}
}

func TestIndexEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, "")
	uploadBiology(t, srv)

	expectStatus(t, do(t, srv, http.MethodGet, "/documents/bio/index", ""), http.StatusNotFound)

	resp := do(t, srv, http.MethodPost, "/documents/bio/index?wait=true", "")
	expectStatus(t, resp, http.StatusOK)
	ix := decode[IndexSummary](t, resp)
	if ix.Version != 1 || ix.Chunks != 3 || ix.Vectors != 0 || ix.Provenance != "partial" {
		t.Errorf("index = %+v", ix)
	}

	got := decode[IndexSummary](t, do(t, srv, http.MethodGet, "/documents/bio/index", ""))
	if got.Version != 1 {
		t.Errorf("GET index version = %d", got.Version)
	}

	terms := decode[[]struct {
		Term  string `json:"term"`
		Count int    `json:"count"`
	}](t, do(t, srv, http.MethodGet, "/documents/bio/terms?n=3", ""))
	if len(terms) != 3 || terms[0].Count < terms[2].Count {
		t.Errorf("terms = %+v", terms)
	}

	expectStatus(t, do(t, srv, http.MethodPost, "/documents/missing/index", ""), http.StatusNotFound)
}

func TestAskEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	uploadBiology(t, srv)

	resp := do(t, srv, http.MethodPost, "/documents/bio/ask", `{"question":"What is photosynthesis?"}`)
	expectStatus(t, resp, http.StatusOK)
	a := decode[answer.Answer](t, resp)
	if a.Provenance != mode.Offline || a.FallbackReason != mode.ReasonNoCredential {
		t.Errorf("answer provenance = %s/%s", a.Provenance, a.FallbackReason)
	}
	if len(a.Evidence) == 0 || a.Evidence[0].ChunkID != "bio#1" {
		t.Errorf("evidence = %+v", a.Evidence)
	}

	expectStatus(t, do(t, srv, http.MethodPost, "/documents/bio/ask", `{"question":"  "}`), http.StatusBadRequest)

	resp = do(t, srv, http.MethodPost, "/documents/bio/ask", `{"question":"what is it"}`)
	expectStatus(t, resp, http.StatusOK)
	if a := decode[answer.Answer](t, resp); a.Text != answer.NoEvidenceText || len(a.Evidence) != 0 {
		t.Errorf("stop-word answer = %+v", a)
	}
	expectStatus(t, do(t, srv, http.MethodPost, "/documents/nope/ask", `{"question":"cells"}`), http.StatusNotFound)
}

func TestQuizFlow(t *testing.T) {
	srv, _ := newTestServer(t, "")
	uploadBiology(t, srv)

	expectStatus(t, do(t, srv, http.MethodPost, "/documents/bio/quizzes", `{"count":0}`), http.StatusBadRequest)

	resp := do(t, srv, http.MethodPost, "/documents/bio/quizzes", `{"count":2}`)
	expectStatus(t, resp, http.StatusCreated)
	q := decode[QuizView](t, resp)
	if len(q.Questions) != 2 || q.State != "active" || q.Pointer != 0 {
		t.Fatalf("quiz = %+v", q)
	}
	for _, qu := range q.Questions {
		if qu.AnswerKey != nil {
			t.Errorf("answer key of open question %s exposed", qu.ID)
		}
	}

	cur := decode[QuestionView](t, do(t, srv, http.MethodGet, "/quizzes/"+q.ID+"/current", ""))
	if cur.ID != q.Questions[0].ID || cur.AnswerKey != nil {
		t.Errorf("current = %+v", cur)
	}

	resp = do(t, srv, http.MethodPost, "/quizzes/"+q.ID+"/answers", `{"text":"definitely wrong"}`)
	expectStatus(t, resp, http.StatusOK)
	res := decode[ResultView](t, resp)
	if res.Question.ID != q.Questions[0].ID || res.Question.Correct == nil || *res.Question.Correct {
		t.Errorf("result = %+v", res)
	}
	if res.Question.AnswerKey == nil {
		t.Error("graded question should reveal its answer key")
	}
	if !strings.HasPrefix(res.Feedback, "Incorrect. Expected: ") {
		t.Errorf("feedback = %q", res.Feedback)
	}
	if res.Pointer != 1 || res.Next == nil || res.Next.ID != q.Questions[1].ID {
		t.Errorf("pointer = %d next = %+v", res.Pointer, res.Next)
	}

	again := `{"question_id":"` + q.Questions[0].ID + `","text":"retry"}`
	expectStatus(t, do(t, srv, http.MethodPost, "/quizzes/"+q.ID+"/answers", again), http.StatusConflict)
	expectStatus(t, do(t, srv, http.MethodPost, "/quizzes/"+q.ID+"/answers", `{"question_id":"nope","text":"x"}`), http.StatusNotFound)

	expectStatus(t, do(t, srv, http.MethodPost, "/quizzes/"+q.ID+"/answers", `{"text":"still wrong"}`), http.StatusOK)
	expectStatus(t, do(t, srv, http.MethodPost, "/quizzes/"+q.ID+"/answers", `{"text":"late"}`), http.StatusConflict)

	expectStatus(t, do(t, srv, http.MethodGet, "/quizzes/"+q.ID+"/current", ""), http.StatusConflict)

	fetched := decode[QuizView](t, do(t, srv, http.MethodGet, "/quizzes/"+q.ID, ""))
	if fetched.State != "completed" || fetched.Score != 0 {
		t.Errorf("fetched quiz state=%s score=%d", fetched.State, fetched.Score)
	}

	list := decode[[]QuizView](t, do(t, srv, http.MethodGet, "/documents/bio/quizzes", ""))
	if len(list) != 1 || list[0].ID != q.ID {
		t.Errorf("quiz list = %+v", list)
	}
	expectStatus(t, do(t, srv, http.MethodGet, "/quizzes/missing", ""), http.StatusNotFound)
}

func TestPlanEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	uploadBiology(t, srv)

	resp := do(t, srv, http.MethodPost, "/documents/bio/plan", `{"exam_date":"2030-06-01","hours_per_day":3}`)
	expectStatus(t, resp, http.StatusOK)
	entries := decode[[]plan.Entry](t, resp)
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	var hours float64
	for _, e := range entries {
		hours += e.Hours
	}
	if hours < 2.98 || hours > 3.02 {
		t.Errorf("allocated hours = %v, want about 3", hours)
	}

	expectStatus(t, do(t, srv, http.MethodPost, "/documents/bio/plan", `{"exam_date":"next week"}`), http.StatusBadRequest)
	expectStatus(t, do(t, srv, http.MethodPost, "/documents/bio/plan", `{"hours_per_day":30}`), http.StatusBadRequest)
}

func TestModeEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	body := decode[struct {
		Capabilities []mode.ModeState `json:"capabilities"`
	}](t, do(t, srv, http.MethodGet, "/mode", ""))
	if len(body.Capabilities) != len(mode.Capabilities) {
		t.Errorf("capabilities = %+v", body.Capabilities)
	}
}

func TestBuildIndex_Async(t *testing.T) {
	srv, svc := newTestServer(t, "")
	uploadBiology(t, srv)

	resp := do(t, srv, http.MethodPost, "/documents/bio/index", "")
	expectStatus(t, resp, http.StatusAccepted)

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "building" {
		t.Errorf("status = %q, want building", body["status"])
	}

	// A synchronous build joins the background one or publishes the next version.
	ix, err := svc.BuildIndex(context.Background(), "bio")
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	if ix.Version < 1 {
		t.Errorf("version = %d", ix.Version)
	}
}
