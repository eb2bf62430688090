package tree

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Responder produces the assistant turn for a branch whose last message
// is the user turn.
type Responder interface {
	Respond(ctx context.Context, st *State) (string, error)
}

// ModelResponder answers with a stateless model call.
type ModelResponder struct {
	Gen    Generator
	Prompt Prompter
}

func (m ModelResponder) Respond(ctx context.Context, st *State) (string, error) {
	system, conv := m.Prompt.Build(st.Topic(), st.Conv)
	text, err := m.Gen.Generate(ctx, system, conv)
	if err != nil {
		return "", fmt.Errorf("assistant turn for %q: %w", st.Topic(), err)
	}
	return text, nil
}

// SessionResponder answers through a speech-to-speech session service.
// The service keeps the history; only the last user text and the branch's
// session id are sent, and the returned id replaces the branch's.
type SessionResponder struct {
	baseURL    string
	httpClient *http.Client
}

func NewSessionResponder(baseURL string) *SessionResponder {
	return &SessionResponder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

type processRequest struct {
	UserInput string `json:"user_input"`
	UID       string `json:"uid"`
}

type processResponse struct {
	Outputs string `json:"outputs"`
	UID     string `json:"uid"`
}

func (s *SessionResponder) Respond(ctx context.Context, st *State) (string, error) {
	last, ok := st.Conv.Last()
	if !ok {
		return "", errors.New("session responder: conversation is empty")
	}
	body, err := json.Marshal(processRequest{UserInput: last.Text(), UID: st.SessionID})
	if err != nil {
		return "", fmt.Errorf("marshaling process request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/process", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating process request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling session service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("session service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out processResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding process response: %w", err)
	}
	st.SessionID = out.UID
	return out.Outputs, nil
}
