package tree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
	"github.com/noc-turne/LLM-Light-Testing/internal/config"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type mockGenerator struct {
	mu    sync.Mutex
	calls int
	fn    func(system string, conv chat.Conversation) (string, error)
}

func (m *mockGenerator) Generate(_ context.Context, system string, conv chat.Conversation) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.fn(system, conv)
}

type mockResponder struct {
	fn func(st *State) (string, error)
}

func (m mockResponder) Respond(_ context.Context, st *State) (string, error) {
	return m.fn(st)
}

type collectingSink struct {
	mu     sync.Mutex
	topics [][]string
	turns  []int
}

func (c *collectingSink) RecordArtifact(_ context.Context, _ string, topics []string, turns int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topics)
	c.turns = append(c.turns, turns)
	return nil
}

// echoGenerator replies with "{prefix}:{topic}:{len(conv)}", reading the
// topic back out of a "{prefix} {topic}" system prompt.
func echoGenerator(prefix string) *mockGenerator {
	return &mockGenerator{fn: func(system string, conv chat.Conversation) (string, error) {
		topic := strings.TrimPrefix(system, prefix+" ")
		return fmt.Sprintf("%s:%s:%d", prefix, topic, len(conv)), nil
	}}
}

func treeConfig(t *testing.T, topics ...string) config.TreeConfig {
	t.Helper()
	return config.TreeConfig{
		BackgroundName: "campus",
		Topics:         topics,
		SavePath:       filepath.Join(t.TempDir(), "trees"),
		ExpandDepth:    2,
		ExtendRounds:   6,
		Workers:        10,
	}
}

func background() chat.Conversation {
	return chat.Conversation{
		chat.NewText(chat.RoleUser, "你好"),
		chat.NewText(chat.RoleAssistant, "你好，有什么可以帮你？"),
	}
}

func modelBuilder(cfg config.TreeConfig, user, assistant *mockGenerator, opts ...Option) *Builder {
	src := ModelSource{Gen: user, Prompt: NewPrompter("user {topic}", false)}
	resp := ModelResponder{Gen: assistant, Prompt: NewPrompter("ai {topic}", false)}
	b := NewBuilder(cfg, background(), src, src, resp, opts...)
	b.now = func() time.Time { return fixedNow }
	return b
}

func TestBuilder_ExpandTwoExtendSix(t *testing.T) {
	cfg := treeConfig(t, "A", "B")
	user, assistant := echoGenerator("user"), echoGenerator("ai")
	sink := &collectingSink{}

	paths, err := modelBuilder(cfg, user, assistant, WithArtifactSink(sink)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var names []string
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	want := []string{
		"campus_A_A_6_20240301_120000.txt",
		"campus_A_B_6_20240301_120000.txt",
		"campus_B_A_6_20240301_120000.txt",
		"campus_B_B_6_20240301_120000.txt",
	}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("artifacts = %v, want %v", names, want)
	}

	// Root layer: 2 exchanges. Depth 1: 4 exchanges. Extension: 4 branches * 6.
	if user.calls != 30 || assistant.calls != 30 {
		t.Errorf("calls = user %d, assistant %d, want 30 each", user.calls, assistant.calls)
	}
	if len(sink.turns) != 4 {
		t.Fatalf("sink saw %d artifacts", len(sink.turns))
	}

	for _, p := range paths {
		conv, err := ReadArtifact(p)
		if err != nil {
			t.Fatal(err)
		}
		if len(conv) != 2+16 {
			t.Fatalf("%s: %d turns, want 18", filepath.Base(p), len(conv))
		}
		topics := strings.Split(strings.TrimPrefix(filepath.Base(p), "campus_"), "_")[:2]
		for i := 2; i < len(conv); i += 2 {
			// Branch turns use their own topic; extension uses the last one.
			topic := topics[1]
			if i == 2 {
				topic = topics[0]
			}
			wantUser := fmt.Sprintf("user:%s:%d", topic, i)
			wantAI := fmt.Sprintf("ai:%s:%d", topic, i+1)
			if conv[i].Role != chat.RoleUser || conv[i].Text() != wantUser {
				t.Errorf("%s[%d] = %s %q, want user %q", filepath.Base(p), i, conv[i].Role, conv[i].Text(), wantUser)
			}
			if conv[i+1].Role != chat.RoleAssistant || conv[i+1].Text() != wantAI {
				t.Errorf("%s[%d] = %s %q, want assistant %q", filepath.Base(p), i+1, conv[i+1].Role, conv[i+1].Text(), wantAI)
			}
		}
	}
}

func TestBuilder_ExpandRestoresState(t *testing.T) {
	cfg := treeConfig(t, "A", "B", "C")
	cfg.ExpandDepth = 3
	cfg.ExtendRounds = 1
	if err := os.MkdirAll(cfg.SavePath, 0o755); err != nil {
		t.Fatal(err)
	}

	n := 0
	resp := mockResponder{fn: func(st *State) (string, error) {
		n++
		st.SessionID = fmt.Sprintf("s%d", n)
		return "ok", nil
	}}
	src := PresetSource{Lookup: func(topic string) (string, bool) { return "about " + topic, true }}
	b := NewBuilder(cfg, nil, src, src, resp)

	st := &State{Conv: background(), Path: []string{"A"}, SessionID: "s0"}
	if err := b.expand(context.Background(), st, 1); err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(st.Conv) != 2 || len(st.Path) != 1 || st.Path[0] != "A" || st.SessionID != "s0" {
		t.Errorf("state after expand = %d turns, path %v, session %q", len(st.Conv), st.Path, st.SessionID)
	}
}

func TestBuilder_FailureAbortsRun(t *testing.T) {
	cfg := treeConfig(t, "A", "B")
	errBoom := errors.New("boom")
	user := echoGenerator("user")
	assistant := &mockGenerator{fn: func(system string, conv chat.Conversation) (string, error) {
		if system == "ai B" {
			return "", errBoom
		}
		return "fine", nil
	}}

	_, err := modelBuilder(cfg, user, assistant).Run(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("Run error = %v, want %v", err, errBoom)
	}
}

func TestBuilder_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	user, assistant := echoGenerator("user"), echoGenerator("ai")
	paths, err := modelBuilder(treeConfig(t, "A"), user, assistant).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v", err)
	}
	if len(paths) != 0 || user.calls != 0 {
		t.Errorf("paths = %v, calls = %d", paths, user.calls)
	}
}

func TestBuilder_ExpandDepthOne(t *testing.T) {
	cfg := treeConfig(t, "A", "B", "C")
	cfg.ExpandDepth = 1
	cfg.ExtendRounds = 2

	paths, err := modelBuilder(cfg, echoGenerator("user"), echoGenerator("ai")).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 3 {
		t.Fatalf("paths = %v", paths)
	}
	conv, err := ReadArtifact(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(conv) != 2+2+4 {
		t.Errorf("turns = %d", len(conv))
	}
}

func TestSessionResponder_ThreadsUID(t *testing.T) {
	var (
		mu     sync.Mutex
		seen   []string
		inputs []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req processRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = append(seen, req.UID)
		inputs = append(inputs, req.UserInput)
		uid := fmt.Sprintf("s%d", len(seen))
		mu.Unlock()
		json.NewEncoder(w).Encode(processResponse{Outputs: "reply " + uid, UID: uid})
	}))
	defer srv.Close()

	cfg := treeConfig(t, "A", "B")
	cfg.ExtendRounds = 0
	cfg.Workers = 1
	src := PresetSource{Lookup: func(topic string) (string, bool) { return "说说" + topic, true }}
	b := NewBuilder(cfg, nil, src, src, NewSessionResponder(srv.URL+"/"))

	paths, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(paths) != 4 {
		t.Fatalf("paths = %v", paths)
	}

	// Siblings resume from the session their parent held.
	want := []string{"", "s1", "s1", "", "s4", "s4"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("uids = %q, want %q", seen, want)
	}
	if inputs[0] != "说说A" || inputs[2] != "说说B" {
		t.Errorf("inputs = %q", inputs)
	}
}

func TestSessionResponder_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	st := &State{Conv: chat.Conversation{chat.NewText(chat.RoleUser, "hi")}, SessionID: "keep"}
	_, err := NewSessionResponder(srv.URL).Respond(context.Background(), st)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v", err)
	}
	if st.SessionID != "keep" {
		t.Errorf("session id changed to %q", st.SessionID)
	}
}

func TestPresetSource(t *testing.T) {
	cfg := config.TreeConfig{PresetPrompts: map[string]string{"A": "聊聊A"}}
	st := &State{Path: []string{"B"}}

	if _, err := (PresetSource{Lookup: cfg.PresetFor}).UserTurn(context.Background(), st); err == nil {
		t.Error("expected error for missing preset")
	}

	cfg.PresetFallback = true
	got, err := PresetSource{Lookup: cfg.PresetFor}.UserTurn(context.Background(), st)
	if err != nil || got != config.DefaultPresetReply {
		t.Errorf("fallback = %q, %v", got, err)
	}

	st.Path = []string{"B", "A"}
	got, _ = PresetSource{Lookup: cfg.PresetFor}.UserTurn(context.Background(), st)
	if got != "聊聊A" {
		t.Errorf("preset = %q", got)
	}
}

func TestPrompter(t *testing.T) {
	conv := chat.Conversation{
		chat.NewText(chat.RoleUser, "hi"),
		chat.NewText(chat.RoleAssistant, "hello"),
		chat.NewText(chat.RoleUser, "again"),
	}

	system, sent := NewPrompter("talk about '{topic}'", false).Build("cats", conv)
	if system != "talk about 'cats'" || len(sent) != 3 {
		t.Errorf("plain = %q, %d messages", system, len(sent))
	}

	system, sent = NewPrompter("talk about '{topic}'", true).Build("cats", conv)
	if system != "talk about 'cats'\nuser: hi\nAI: hello" {
		t.Errorf("transcript system = %q", system)
	}
	if len(sent) != 1 || sent[0].Text() != "again" {
		t.Errorf("transcript sent = %+v", sent)
	}

	system, sent = NewPrompter("t {topic}", true).Build("x", nil)
	if system != "t x" || sent != nil {
		t.Errorf("empty = %q, %v", system, sent)
	}
}

func TestInteractiveSource(t *testing.T) {
	var out strings.Builder
	src := NewInteractiveSource(strings.NewReader("first line\r\nsecond"), &out)
	st := &State{Conv: background(), Path: []string{"A", "B"}}

	first, err := src.UserTurn(context.Background(), st)
	if err != nil || first != "first line" {
		t.Fatalf("first = %q, %v", first, err)
	}
	second, err := src.UserTurn(context.Background(), st)
	if err != nil || second != "second" {
		t.Fatalf("second = %q, %v", second, err)
	}
	if _, err := src.UserTurn(context.Background(), st); err == nil {
		t.Error("expected error at end of input")
	}
	if !strings.Contains(out.String(), "[A / B] user> ") {
		t.Errorf("prompt output = %q", out.String())
	}
}

func TestArtifactName(t *testing.T) {
	got := ArtifactName("a/b", []string{`x\y`, "z"}, 3, fixedNow)
	if got != "a_b_x_y_z_3_20240301_120000.txt" {
		t.Errorf("name = %q", got)
	}
}

func TestWriteArtifact_Format(t *testing.T) {
	dir := t.TempDir()
	conv := chat.Conversation{chat.NewText(chat.RoleUser, "<b>你好</b>")}
	path, err := writeArtifact(dir, "bg", []string{"A"}, 0, fixedNow, conv)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\n    {\n        \"role\": \"user\"") {
		t.Errorf("not indented by 4:\n%s", data)
	}
	if !strings.Contains(string(data), "<b>你好</b>") {
		t.Errorf("markup or text escaped:\n%s", data)
	}
}

const completion = `{"id":"c","object":"chat.completion","created":1,"model":"m",
"choices":[{"index":0,"message":{"role":"assistant","content":"generated"},"finish_reason":"stop"}],
"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`

func TestFromConfig_ModelEndToEnd(t *testing.T) {
	var mu sync.Mutex
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Model string `json:"model"`
		}
		json.Unmarshal(body, &req)
		mu.Lock()
		models = append(models, req.Model)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completion)
	}))
	defer srv.Close()

	dir := t.TempDir()
	bgFile := filepath.Join(dir, "bg.json")
	os.WriteFile(bgFile, []byte(`[{"role":"user","content":"hello"},{"role":"assistant","content":"hi"}]`), 0o644)

	cfg, err := config.ParseTree([]byte(fmt.Sprintf(`
background_name: bg
background_conversation_file: %s
topics: [A]
save_path: %s
expand_depth: 1
extend_rounds: 1
ai_response_model: qwen
user_model: {url: %q, model: user-m}
responders:
  qwen: {url: %q, model: qwen-m}
`, bgFile, filepath.Join(dir, "out"), srv.URL, srv.URL)))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	sink := &collectingSink{}
	b, err := FromConfig(cfg, strings.NewReader(""), io.Discard, WithArtifactSink(sink))
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	paths, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("paths = %v", paths)
	}
	conv, err := ReadArtifact(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(conv) != 2+2+2 || conv[5].Text() != "generated" {
		t.Errorf("artifact = %+v", conv)
	}
	if want := "user-m,qwen-m,user-m,qwen-m"; strings.Join(models, ",") != want {
		t.Errorf("models = %v, want %s", models, want)
	}
	if len(sink.turns) != 1 || sink.turns[0] != 6 || sink.topics[0][0] != "A" {
		t.Errorf("sink = %+v", sink)
	}
}
