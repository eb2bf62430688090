package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
)

// ChatRequest is the OpenAI-compatible chat completion request.
// Sampling knobs and any other fields are carried in Extra.
type ChatRequest struct {
	Model    string                     `json:"model"`
	Messages json.RawMessage            `json:"messages"`
	Stream   bool                       `json:"stream,omitempty"`
	Extra    map[string]json.RawMessage `json:"-"`
}

// NewChatRequest builds a request for model from conv and the already
// validated params.
func NewChatRequest(model string, conv chat.Conversation, params map[string]any) (ChatRequest, error) {
	msgs, err := json.Marshal(conv)
	if err != nil {
		return ChatRequest{}, fmt.Errorf("marshaling messages: %w", err)
	}
	req := ChatRequest{Model: model, Messages: msgs}
	if len(params) == 0 {
		return req, nil
	}
	req.Extra = make(map[string]json.RawMessage, len(params))
	for k, v := range normalizeParams(params) {
		if k == "stream" {
			if b, ok := v.(bool); ok {
				req.Stream = b
			}
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return ChatRequest{}, fmt.Errorf("marshaling param %s: %w", k, err)
		}
		req.Extra[k] = b
	}
	return req, nil
}

func (r ChatRequest) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage)
	for k, v := range r.Extra {
		m[k] = v
	}
	if r.Model != "" {
		b, _ := json.Marshal(r.Model)
		m["model"] = b
	}
	if r.Messages != nil {
		m["messages"] = r.Messages
	}
	if r.Stream {
		m["stream"] = json.RawMessage(`true`)
		if _, ok := m["stream_options"]; !ok {
			m["stream_options"] = json.RawMessage(`{"include_usage":true}`)
		}
	}
	return json.Marshal(m)
}

func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["model"]; ok {
		json.Unmarshal(v, &r.Model)
		delete(raw, "model")
	}
	if v, ok := raw["messages"]; ok {
		r.Messages = v
		delete(raw, "messages")
	}
	if v, ok := raw["stream"]; ok {
		json.Unmarshal(v, &r.Stream)
		delete(raw, "stream")
	}
	r.Extra = raw
	return nil
}

// Usage is the token accounting block of a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Choice is one completion candidate. Message is kept raw so that
// server-specific fields survive into saved records.
type Choice struct {
	Index        int             `json:"index"`
	Message      json.RawMessage `json:"message"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// Completion is the parsed non-streaming chat completion response.
type Completion struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage"`
}

// Model represents a model entry returned by the /v1/models endpoint.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the response from /v1/models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
