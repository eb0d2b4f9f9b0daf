package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			if strings.HasPrefix(resp, "409 ") {
				w.WriteHeader(http.StatusConflict)
				resp = strings.TrimPrefix(resp, "409 ")
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// runCommand executes the root command against ts and returns stdout.
func runCommand(t *testing.T, ts *testServer, args ...string) (string, error) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = orig })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	noColor = true
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestClient_Post(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /documents": `{"id":"bio","chunks":3,"status":"unbuilt"}`,
	})

	resp, err := ts.client().post(context.Background(), "/documents", map[string]any{"id": "bio", "text": "cells"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result map[string]any
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["id"] != "bio" {
		t.Errorf("id = %v, want bio", result["id"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if r.ContentType != "application/json" {
		t.Errorf("content type = %q", r.ContentType)
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(context.Background(), "/documents/missing")
	if err != nil {
		t.Fatal(err)
	}
	err = decodeJSON(resp, &struct{}{})
	if err == nil || err.Error() != "not found" {
		t.Errorf("err = %v, want the envelope message", err)
	}
}

func TestUploadCommand_File(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /documents/upload":        `{"id":"lecture","chunks":2,"status":"unbuilt"}`,
		"POST /documents/lecture/index": `{"document_id":"lecture","status":"building"}`,
	})

	path := filepath.Join(t.TempDir(), "lecture.txt")
	if err := os.WriteFile(path, []byte("Osmosis is the movement of water."), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, ts, "upload", path, "--id", "lecture", "--build")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if strings.TrimSpace(out) != "lecture" {
		t.Errorf("output = %q, want the document ID", out)
	}

	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	up := ts.requests[0]
	if !strings.HasPrefix(up.ContentType, "multipart/form-data") {
		t.Errorf("content type = %q", up.ContentType)
	}
	if !strings.Contains(up.Body, "Osmosis is the movement of water.") || !strings.Contains(up.Body, `name="id"`) {
		t.Errorf("multipart body missing file or id: %q", up.Body)
	}
	if ts.requests[1].Path != "/documents/lecture/index" {
		t.Errorf("build path = %q", ts.requests[1].Path)
	}
}

func TestUploadCommand_MissingArgs(t *testing.T) {
	ts := newTestServer(t, nil)
	uploadCmd.Flags().Set("text", "")
	uploadCmd.Flags().Set("build", "false")

	_, err := runCommand(t, ts, "upload")
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestAskCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /documents/bio/ask": `{"query":"what is osmosis","evidence":[{"chunk_id":"bio#2","seq":2,"score":1}],"text":"Osmosis is the movement of water across a membrane.","provenance":"offline","confidence":0.7,"fallback_reason":"no_credential"}`,
	})

	out, err := runCommand(t, ts, "ask", "bio", "what", "is", "osmosis")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if body["question"] != "what is osmosis" {
		t.Errorf("question = %q", body["question"])
	}
	for _, want := range []string{"Osmosis is the movement", "bio#2", "offline, no_credential"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestQuizAnswerCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /quizzes/q1/answers": `{"question":{"id":"q1-0","index":0,"kind":"cloze","prompt":"p","correct":false,"answer_key":{"text":"chloroplasts","evidence_chunk_ids":["bio#1"]}},"state":"active","pointer":1,"score":0,"next":{"id":"q1-1","index":1,"kind":"extractive","prompt":"What is osmosis?"}}`,
	})

	out, err := runCommand(t, ts, "quiz", "answer", "q1", "mitochondria", "--cite", "bio#0,bio#1")
	if err != nil {
		t.Fatalf("quiz answer: %v", err)
	}
	var body struct {
		QuestionID string   `json:"question_id"`
		Text       string   `json:"text"`
		Citations  []string `json:"citations"`
	}
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if body.Text != "mitochondria" || len(body.Citations) != 2 || body.QuestionID != "" {
		t.Errorf("request body = %+v", body)
	}
	for _, want := range []string{"Incorrect", "Expected: chloroplasts", "Score: 0/1", "What is osmosis?"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestQuizAnswerCommand_Conflict(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /quizzes/q1/answers": `409 {"error":{"message":"quiz already completed","type":"conflict_error"}}`,
	})

	_, err := runCommand(t, ts, "quiz", "answer", "q1", "late")
	if err == nil || !strings.Contains(err.Error(), "quiz already completed") {
		t.Errorf("err = %v", err)
	}
}

func TestPlanCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /documents/bio/plan": `[{"topic":"bio#1","label":["photosynthesis","sunlight"],"due":"2030-01-01T00:00:00Z","priority":0.8,"attempts":2,"correct":0,"hours":1.5}]`,
	})

	out, err := runCommand(t, ts, "plan", "bio", "--exam", "2030-06-01", "--hours", "2")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if body["exam_date"] != "2030-06-01" || body["hours_per_day"] != 2.0 {
		t.Errorf("request body = %v", body)
	}
	for _, want := range []string{"bio#1", "0/2", "photosynthesis, sunlight", "1.50"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestModeCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /mode": `{"capabilities":[{"capability":"embedding","state":"unavailable","failures":3,"budget_used":5,"budget_limit":60}]}`,
	})

	out, err := runCommand(t, ts, "mode")
	if err != nil {
		t.Fatalf("mode: %v", err)
	}
	if !strings.Contains(out, "embedding") || !strings.Contains(out, "unavailable") || !strings.Contains(out, "5/60") {
		t.Errorf("output = %q", out)
	}
}

func TestDocsCommand_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /documents": `[]`,
	})

	out, err := runCommand(t, ts, "docs")
	if err != nil {
		t.Fatalf("docs: %v", err)
	}
	if !strings.Contains(out, "No documents uploaded.") {
		t.Errorf("output = %q", out)
	}
}

func TestIndexCommand_Wait(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /documents/bio/index": `{"document_id":"bio","version":2,"provenance":"complete","chunks":3,"vectors":3}`,
	})

	if _, err := runCommand(t, ts, "index", "bio", "--wait"); err != nil {
		t.Fatalf("index: %v", err)
	}
	if ts.requests[0].Path != "/documents/bio/index?wait=true" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestConfigKeysCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "keys"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	keys, _ := io.ReadAll(&out)
	if !strings.Contains(string(keys), "server.port") {
		t.Errorf("keys = %q", keys)
	}
	if strings.Contains(string(keys), "remote.api_key") {
		t.Error("secret key listed")
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatal(err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still readable after removal")
	}
}
