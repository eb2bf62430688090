package bench

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
	"github.com/noc-turne/LLM-Light-Testing/internal/config"
	"github.com/noc-turne/LLM-Light-Testing/internal/proxy"
)

const completionBody = `{
  "id": "cmpl-1",
  "model": "m",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "pong"}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 12, "completion_tokens": 34, "total_tokens": 46}
}`

func completionServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func ping() chat.Conversation {
	return chat.Conversation{chat.NewText(chat.RoleUser, "ping")}
}

func TestWorker_DispatchSuccess(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, completionBody)
	}))
	defer srv.Close()

	w := NewWorker(5 * time.Second)
	ep := config.Endpoint{Name: "org/model", URL: srv.URL}
	res := w.Dispatch(context.Background(), ep, 0, "a.json", ping(), map[string]any{"temperature": 0.2})

	s, ok := res.(Success)
	if !ok {
		t.Fatalf("result = %#v, want Success", res)
	}
	if s.PromptTokens != 12 || s.CompletionTokens != 34 {
		t.Errorf("tokens = %d/%d", s.PromptTokens, s.CompletionTokens)
	}
	if s.Elapsed <= 0 || s.End.Before(s.Start) {
		t.Errorf("timing = %v [%v, %v]", s.Elapsed, s.Start, s.End)
	}
	if auth != "Bearer "+proxy.DefaultAPIKey {
		t.Errorf("Authorization = %q", auth)
	}
	if got["model"] != "org/model" || got["temperature"] != 0.2 {
		t.Errorf("request = %v", got)
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 1 {
		t.Errorf("messages = %v", got["messages"])
	}

	rec := NewRecord("a.json", ep.Name, ep.URL, 0, ping(), res)
	if rec.ResponseText() != "pong" {
		t.Errorf("ResponseText = %q", rec.ResponseText())
	}
}

func TestWorker_DispatchFailures(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name string
		url  func(t *testing.T) string
		kind FailureKind
	}{
		{
			name: "server error",
			url: func(t *testing.T) string {
				return completionServer(t, http.StatusInternalServerError, `{"error":"oom"}`).URL
			},
			kind: FailureTransport,
		},
		{
			name: "connection refused",
			url:  func(t *testing.T) string { return closedURL },
			kind: FailureTransport,
		},
		{
			name: "missing usage",
			url: func(t *testing.T) string {
				return completionServer(t, http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":"x"}}]}`).URL
			},
			kind: FailureUnexpected,
		},
		{
			name: "empty choices",
			url: func(t *testing.T) string {
				return completionServer(t, http.StatusOK, `{"choices":[],"usage":{"prompt_tokens":1,"completion_tokens":0}}`).URL
			},
			kind: FailureUnexpected,
		},
		{
			name: "invalid json",
			url:  func(t *testing.T) string { return completionServer(t, http.StatusOK, `not json`).URL },
			kind: FailureUnexpected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWorker(5 * time.Second)
			res := w.Dispatch(context.Background(), config.Endpoint{Name: "m", URL: tt.url(t)}, 0, "u", ping(), nil)
			f, ok := res.(Failure)
			if !ok {
				t.Fatalf("result = %#v, want Failure", res)
			}
			if f.Kind != tt.kind {
				t.Errorf("kind = %v, want %v (err: %v)", f.Kind, tt.kind, f.Err)
			}
		})
	}
}

func TestWorker_StatusErrorIsTyped(t *testing.T) {
	srv := completionServer(t, http.StatusBadGateway, "upstream gone")
	res := NewWorker(5*time.Second).Dispatch(context.Background(), config.Endpoint{Name: "m", URL: srv.URL}, 0, "u", ping(), nil)

	f := res.(Failure)
	var se *proxy.StatusError
	if !errors.As(f.Err, &se) || se.Code != http.StatusBadGateway {
		t.Errorf("err = %v", f.Err)
	}
}

func TestWorker_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		io.WriteString(w, completionBody)
	}))
	defer srv.Close()

	res := NewWorker(50*time.Millisecond).Dispatch(context.Background(), config.Endpoint{Name: "m", URL: srv.URL}, 0, "u", ping(), nil)
	f, ok := res.(Failure)
	if !ok || f.Kind != FailureTransport {
		t.Errorf("result = %#v, want transport failure", res)
	}
}

func TestWorker_PersistsRecords(t *testing.T) {
	ok := completionServer(t, http.StatusOK, completionBody)
	bad := completionServer(t, http.StatusInternalServerError, "boom")
	dir := t.TempDir()
	w := NewWorker(5*time.Second, WithPersistence(dir))

	w.Dispatch(context.Background(), config.Endpoint{Name: "org/llama/", URL: ok.URL}, 0, "q1.json", ping(), nil)
	w.Dispatch(context.Background(), config.Endpoint{Name: "qwen", URL: bad.URL}, 1, "q1.json", ping(), nil)

	files, err := filepath.Glob(filepath.Join(dir, "q1.json", "*.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}

	var success, failure map[string]any
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "\n    \"") {
			t.Errorf("%s is not indented with 4 spaces", f)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("%s: %v", f, err)
		}
		switch {
		case strings.HasPrefix(filepath.Base(f), "llama_") && strings.HasSuffix(f, "_0.json"):
			success = m
		case strings.HasPrefix(filepath.Base(f), "qwen_") && strings.HasSuffix(f, "_1.json"):
			failure = m
		default:
			t.Errorf("unexpected file name %s", f)
		}
	}

	if success["decode_token_len"] != float64(34) || success["response"] == nil {
		t.Errorf("success record = %v", success)
	}
	for _, k := range []string{"start_time", "end_time", "elapsed_time", "prompt_token_len", "decode_token_len"} {
		if failure[k] != float64(-1) {
			t.Errorf("failure %s = %v, want -1", k, failure[k])
		}
	}
	if _, ok := failure["response"]; ok {
		t.Error("failure record has a response")
	}
	if failure["error"] == "" || failure["error_kind"] != "transport" {
		t.Errorf("failure record = %v", failure)
	}
}

func TestRecord_MarshalKeepsMarkup(t *testing.T) {
	conv := chat.Conversation{chat.NewText(chat.RoleUser, "<b>bold</b> & more")}
	rec := NewRecord("u", "m", "http://x", 0, conv, Failure{Err: errors.New("x"), Kind: FailureUnexpected})
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "<b>bold</b> & more") {
		t.Errorf("record = %s", buf.String())
	}
}

func TestUnitDir(t *testing.T) {
	tests := map[string]string{
		"q1.json":         "q1.json",
		"cat.png":         "cat.png",
		"noext":           "noext",
		"a.b.txt":         "a.b.txt",
		"prompts/q2.json": "q2.json",
	}
	for in, want := range tests {
		if got := UnitDir(in); got != want {
			t.Errorf("UnitDir(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWorker_SameStemUnitsKeepSeparateRecords(t *testing.T) {
	srv := completionServer(t, http.StatusOK, completionBody)
	dir := t.TempDir()
	w := NewWorker(5*time.Second, WithPersistence(dir))
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)
	w.now = func() time.Time { return fixed }

	ep := config.Endpoint{Name: "m", URL: srv.URL}
	w.Dispatch(context.Background(), ep, 0, "a.json", ping(), nil)
	w.Dispatch(context.Background(), ep, 0, "a.txt", ping(), nil)

	files, err := filepath.Glob(filepath.Join(dir, "*", "*.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v, want one record per unit", files)
	}
	for _, unit := range []string{"a.json", "a.txt"} {
		data, err := os.ReadFile(filepath.Join(dir, unit, "m_20240301_120000_0.json"))
		if err != nil {
			t.Fatalf("record for %s: %v", unit, err)
		}
		if !strings.Contains(string(data), `"`+unit+`"`) {
			t.Errorf("record for %s does not name its unit:\n%s", unit, data)
		}
	}
}

func TestWorker_RateLimitedDispatchIsSingleShot(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, completionBody)
	}))
	defer srv.Close()

	start := time.Now()
	res := NewWorker(5*time.Second).Dispatch(context.Background(), config.Endpoint{Name: "m", URL: srv.URL}, 0, "u", ping(), nil)

	if got := calls.Load(); got != 1 {
		t.Fatalf("requests = %d, want 1", got)
	}
	f, ok := res.(Failure)
	if !ok || f.Kind != FailureTransport {
		t.Fatalf("result = %#v, want transport failure", res)
	}
	var se *proxy.StatusError
	if !errors.As(f.Err, &se) || se.Code != http.StatusTooManyRequests {
		t.Errorf("err = %v, want 429 StatusError", f.Err)
	}
	if d := time.Since(start); d >= 500*time.Millisecond {
		t.Errorf("dispatch took %v, want no backoff", d)
	}
}
