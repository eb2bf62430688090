package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/noc-turne/LLM-Light-Testing/internal/config"
)

// samplingTransport writes the sampling parameters into every chat
// completion body. langchaingo's OpenAI client drops top_p and
// repetition_penalty and sends max_tokens as max_completion_tokens.
type samplingTransport struct {
	base     http.RoundTripper
	sampling config.Sampling
}

func (t samplingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPost || req.Body == nil || !strings.HasSuffix(req.URL.Path, "/chat/completions") {
		return t.base.RoundTrip(req)
	}

	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	body, err := t.apply(raw)
	if err != nil {
		return nil, err
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return t.base.RoundTrip(out)
}

func (t samplingTransport) apply(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding request body: %w", err)
	}

	s := t.sampling
	payload["temperature"] = s.Temperature
	if s.TopP > 0 {
		payload["top_p"] = s.TopP
	}
	if s.MaxTokens > 0 {
		delete(payload, "max_completion_tokens")
		payload["max_tokens"] = s.MaxTokens
	}
	if s.RepetitionPenalty > 0 {
		payload["repetition_penalty"] = s.RepetitionPenalty
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
