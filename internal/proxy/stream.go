package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// readStream folds an SSE chat completion stream into a Completion. Only the
// first choice is assembled; usage is taken from the last chunk carrying it.
func readStream(r io.Reader) (*Completion, error) {
	var (
		comp    Completion
		content strings.Builder
		role    = "assistant"
		finish  string
		sawData bool
	)

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if payload, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			payload = bytes.TrimSpace(payload)
			if bytes.Equal(payload, []byte("[DONE]")) {
				break
			}
			var chunk streamChunk
			if jerr := json.Unmarshal(payload, &chunk); jerr != nil {
				return nil, fmt.Errorf("decoding stream chunk: %w", jerr)
			}
			sawData = true
			if comp.ID == "" {
				comp.ID = chunk.ID
				comp.Model = chunk.Model
			}
			if chunk.Usage != nil {
				comp.Usage = chunk.Usage
			}
			for _, ch := range chunk.Choices {
				if ch.Index != 0 {
					continue
				}
				if ch.Delta.Role != "" {
					role = ch.Delta.Role
				}
				content.WriteString(ch.Delta.Content)
				if ch.FinishReason != nil {
					finish = *ch.FinishReason
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("reading stream: %w", err)
		}
	}

	if !sawData {
		return nil, fmt.Errorf("stream ended without data")
	}

	msg, err := json.Marshal(map[string]string{"role": role, "content": content.String()})
	if err != nil {
		return nil, err
	}
	comp.Choices = []Choice{{Index: 0, Message: msg, FinishReason: finish}}
	return &comp, nil
}
