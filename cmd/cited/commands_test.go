package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nlowen/cited/internal/api"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

// testServer plays the cited daemon for client tests: canned JSON responses
// keyed by "METHOD /path", every request recorded for assertions.
type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   string(body),
			Auth:   r.Header.Get("Authorization"),
		})

		resp, ok := responses[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(resp))
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

var ctx = context.Background()

func TestAskRequest_SendsMessageAndAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/chat": `{"trace_id":"t1","answer":"Two years [1].","citations":[{"source":"manual.pdf","fragment_id":"f1"}],"cached":false,"latency_ms":1200}`,
	})
	client := ts.client()

	resp, err := client.post(ctx, "/v1/chat", api.ChatRequest{Message: "how long is the warranty?", TimeoutS: 30})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result api.ChatResponse
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.Answer != "Two years [1]." {
		t.Errorf("answer = %q", result.Answer)
	}
	if len(result.Citations) != 1 {
		t.Errorf("citations = %d, want 1", len(result.Citations))
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["message"] != "how long is the warranty?" {
		t.Errorf("body.message = %v", body["message"])
	}
	if body["timeout_s"] != float64(30) {
		t.Errorf("body.timeout_s = %v, want 30", body["timeout_s"])
	}
}

func TestDecodeJSON_ServerError(t *testing.T) {
	ts := newTestServer(t, nil) // everything 404s
	client := ts.client()

	resp, err := client.get(ctx, "/v1/does-not-exist")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var out map[string]any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want server message included", err)
	}
}

func TestCacheFlushRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /v1/cache": `{"flushed":true}`,
	})
	client := ts.client()

	resp, err := client.delete(ctx, "/v1/cache")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result map[string]any
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["flushed"] != true {
		t.Errorf("flushed = %v, want true", result["flushed"])
	}
}

func TestAskCommand_RequiresQuestion(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing question argument")
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorGreen, "hello"); strings.Contains(result, "\033") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorGreen, "hello"); !strings.Contains(result, "\033") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
