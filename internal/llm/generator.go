// Package llm provides stateless chat generation against OpenAI-compatible
// servers using langchaingo.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
	"github.com/noc-turne/LLM-Light-Testing/internal/config"
	"github.com/noc-turne/LLM-Light-Testing/internal/proxy"
)

const requestTimeout = 5 * time.Minute

// Generator produces one reply per call. It keeps no conversation state.
type Generator struct {
	llm       llms.Model
	modelName string
	opts      []llms.CallOption
}

// New creates a generator for ep. ep.URL is the server root; the /v1
// suffix is added here.
func New(ep config.ModelEndpoint, s config.Sampling) (*Generator, error) {
	key := ep.APIKey
	if key == "" {
		key = proxy.DefaultAPIKey
	}
	hc := &http.Client{
		Timeout:   requestTimeout,
		Transport: samplingTransport{base: http.DefaultTransport, sampling: s},
	}
	model, err := openai.New(
		openai.WithToken(key),
		openai.WithModel(ep.Model),
		openai.WithBaseURL(strings.TrimRight(ep.URL, "/")+"/v1"),
		openai.WithHTTPClient(hc),
	)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}

	// The remaining sampling fields are written by samplingTransport.
	opts := []llms.CallOption{llms.WithTemperature(s.Temperature)}
	return &Generator{llm: model, modelName: ep.Model, opts: opts}, nil
}

// Model returns the model name.
func (g *Generator) Model() string {
	return g.modelName
}

// Generate replies to conv with system as the only system message.
func (g *Generator) Generate(ctx context.Context, system string, conv chat.Conversation) (string, error) {
	msgs := conv.WithSystem(chat.NewText(chat.RoleSystem, system))
	content := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		content = append(content, llms.TextParts(messageType(m.Role), m.Text()))
	}

	resp, err := g.llm.GenerateContent(ctx, content, g.opts...)
	if err != nil {
		return "", fmt.Errorf("generate with %s: %w", g.modelName, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices from %s", g.modelName)
	}
	return resp.Choices[0].Content, nil
}

func messageType(role string) llms.ChatMessageType {
	switch role {
	case chat.RoleSystem:
		return llms.ChatMessageTypeSystem
	case chat.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
