// Package prompt loads conversations from prompt files and enumerates the
// input units of a benchmark run.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
)

// Format selects how a raw-text fallback is wrapped.
type Format int

const (
	// FormatText wraps raw text as a plain string message.
	FormatText Format = iota
	// FormatMultimodal wraps raw text as a single text part, for vision
	// models that expect a part list.
	FormatMultimodal
)

// Load reads a conversation from file. A JSON array of messages is used
// as-is. Any other content is wrapped as one user turn. PDF files are
// reduced to their plain text first.
func Load(file string, format Format) (chat.Conversation, error) {
	if strings.EqualFold(filepath.Ext(file), ".pdf") {
		text, err := readPDF(file)
		if err != nil {
			return nil, err
		}
		return wrap(text, format), nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading prompt: %w", err)
	}
	return Parse(data, format, file)
}

// Parse decodes a prompt document. name is only used in log lines.
func Parse(data []byte, format Format, name string) (chat.Conversation, error) {
	trimmed := bytes.TrimSpace(data)

	var conv chat.Conversation
	jsonErr := json.Unmarshal(trimmed, &conv)
	if jsonErr == nil {
		if err := conv.Validate(); err != nil {
			return nil, fmt.Errorf("prompt %s: %w", name, err)
		}
		if format == FormatMultimodal {
			return toMultimodal(conv), nil
		}
		return conv, nil
	}

	// Valid JSON of the wrong shape is malformed input, not free text.
	if json.Valid(trimmed) {
		return nil, fmt.Errorf("prompt %s: must be a JSON list of messages: %w", name, jsonErr)
	}

	slog.Warn("prompt is not JSON, wrapping raw text as a single user turn", "file", name, "error", jsonErr)
	return wrap(string(data), format), nil
}

func wrap(text string, format Format) chat.Conversation {
	if format == FormatMultimodal {
		return chat.Conversation{{
			Role:    chat.RoleUser,
			Content: chat.Content{Parts: []chat.Part{chat.TextPart(text)}},
		}}
	}
	return chat.Conversation{chat.NewText(chat.RoleUser, text)}
}

// toMultimodal converts the first message's plain text into a part list so
// that images can be appended to it.
func toMultimodal(conv chat.Conversation) chat.Conversation {
	if len(conv) == 0 || conv[0].Content.IsMultimodal() {
		return conv
	}
	out := conv.Clone()
	out[0].Content = chat.Content{Parts: []chat.Part{chat.TextPart(out[0].Content.Text)}}
	return out
}

func readPDF(file string) (string, error) {
	f, r, err := pdf.Open(file)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	rd, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	b, err := io.ReadAll(rd)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", fmt.Errorf("pdf %s has no extractable text", file)
	}
	return text, nil
}
