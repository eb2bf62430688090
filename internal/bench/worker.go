package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
	"github.com/noc-turne/LLM-Light-Testing/internal/config"
	"github.com/noc-turne/LLM-Light-Testing/internal/proxy"
)

// Worker performs single chat-completion attempts. Endpoints share one
// HTTP client and therefore one request timeout; each endpoint gets its
// own rate limiter.
type Worker struct {
	httpClient *http.Client
	saveDir    string
	save       bool
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[string]*proxy.Client
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPersistence saves every record under dir.
func WithPersistence(dir string) WorkerOption {
	return func(w *Worker) {
		w.saveDir = dir
		w.save = dir != ""
	}
}

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// NewWorker creates a worker whose requests time out after timeout.
func NewWorker(timeout time.Duration, opts ...WorkerOption) *Worker {
	w := &Worker{
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
		logger:     slog.Default(),
		clients:    make(map[string]*proxy.Client),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Worker) client(ep config.Endpoint) *proxy.Client {
	key := ep.Name + "\x00" + ep.URL
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.clients[key]
	if !ok {
		c = proxy.NewClient(ep.URL, ep.Key(),
			proxy.WithHTTPClient(w.httpClient),
			proxy.WithRateLimit(ep.RateLimit),
			proxy.WithMaxAttempts(1))
		w.clients[key] = c
	}
	return c
}

// Dispatch sends conv to ep exactly once; a 429 is recorded as a transport
// failure rather than retried. It never fails: every problem is folded
// into a Failure. params must already have passed proxy.ValidateParams.
func (w *Worker) Dispatch(ctx context.Context, ep config.Endpoint, position int, unit string, conv chat.Conversation, params map[string]any) Result {
	res := w.dispatch(ctx, ep, conv, params)

	switch r := res.(type) {
	case Failure:
		var se *proxy.StatusError
		if r.Kind == FailureTransport && errors.As(r.Err, &se) {
			w.logger.Error("dispatch failed", "unit", unit, "model", ep.Name, "url", ep.URL,
				"kind", r.Kind, "status", se.Code, "body", se.Body)
		} else {
			w.logger.Error("dispatch failed", "unit", unit, "model", ep.Name, "url", ep.URL,
				"kind", r.Kind, "error", r.Err)
		}
	case Success:
		w.logger.Debug("dispatch completed", "unit", unit, "model", ep.Name,
			"elapsed", r.Elapsed, "prompt_tokens", r.PromptTokens, "completion_tokens", r.CompletionTokens)
	}

	if w.save {
		rec := NewRecord(unit, ep.Name, ep.URL, position, conv, res)
		if path, err := w.persist(rec, ep.FileStem()); err != nil {
			w.logger.Error("saving record failed", "unit", unit, "model", ep.Name, "error", err)
		} else {
			w.logger.Debug("record saved", "path", path)
		}
	}
	return res
}

func (w *Worker) dispatch(ctx context.Context, ep config.Endpoint, conv chat.Conversation, params map[string]any) Result {
	req, err := proxy.NewChatRequest(ep.Name, conv, params)
	if err != nil {
		return Failure{Err: err, Kind: FailureUnexpected}
	}

	c := w.client(ep)
	if err := c.Wait(ctx); err != nil {
		return Failure{Err: fmt.Errorf("waiting for rate limiter: %w", err), Kind: FailureTransport}
	}

	start := w.now()
	comp, err := c.Complete(ctx, req)
	if err != nil {
		return Failure{Err: err, Kind: classify(err)}
	}
	if comp.Usage == nil {
		return Failure{Err: errors.New("response has no usage block"), Kind: FailureUnexpected}
	}
	if len(comp.Choices) == 0 {
		return Failure{Err: errors.New("response has no choices"), Kind: FailureUnexpected}
	}
	end := w.now()

	return Success{
		Response:         comp.Choices[0].Message,
		PromptTokens:     comp.Usage.PromptTokens,
		CompletionTokens: comp.Usage.CompletionTokens,
		Start:            start,
		End:              end,
		Elapsed:          end.Sub(start),
	}
}

func classify(err error) FailureKind {
	var se *proxy.StatusError
	var ne net.Error
	switch {
	case errors.As(err, &se), errors.As(err, &ne):
		return FailureTransport
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return FailureTransport
	default:
		return FailureUnexpected
	}
}

// UnitDir is the per-unit artifact directory name: the unit's full file
// name, so units differing only by extension never share a directory.
func UnitDir(unit string) string {
	return filepath.Base(unit)
}

func (w *Worker) persist(rec Record, stem string) (string, error) {
	dir := filepath.Join(w.saveDir, UnitDir(rec.Unit))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating unit directory: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(rec); err != nil {
		return "", fmt.Errorf("encoding record: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%d.json", stem, w.now().Format(config.TimestampLayout), rec.Position)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("writing record: %w", err)
	}
	return path, nil
}
