package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Roles accepted in a conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part is one element of a multimodal message body.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image attached to a message.
type ImageURL struct {
	URL string `json:"url"`
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// ImagePart returns an image_url part pointing at url.
func ImagePart(url string) Part {
	return Part{Type: "image_url", ImageURL: &ImageURL{URL: url}}
}

// Content is either plain text or a list of parts. It marshals as a JSON
// string in the first case and as an array in the second.
type Content struct {
	Text  string
	Parts []Part
}

// IsMultimodal reports whether the content carries parts instead of text.
func (c Content) IsMultimodal() bool {
	return c.Parts != nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	var v any = c.Text
	if c.Parts != nil {
		v = c.Parts
	}
	// Prompts routinely contain markup; keep it readable in saved records.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Content{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case '[':
		var parts []Part
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		if parts == nil {
			parts = []Part{}
		}
		*c = Content{Parts: parts}
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts, got %s", string(data))
	}
}

// Message is a single chat turn.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// NewText returns a text message for role.
func NewText(role, text string) Message {
	return Message{Role: role, Content: Content{Text: text}}
}

// Text returns the textual content of m, joining text parts with newlines.
func (m Message) Text() string {
	if !m.Content.IsMultimodal() {
		return m.Content.Text
	}
	var texts []string
	for _, p := range m.Content.Parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Validate checks the role is known.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant:
		return nil
	default:
		return fmt.Errorf("unknown role %q", m.Role)
	}
}

func (m Message) clone() Message {
	out := Message{Role: m.Role, Content: Content{Text: m.Content.Text}}
	if m.Content.Parts != nil {
		out.Content.Parts = make([]Part, len(m.Content.Parts))
		for i, p := range m.Content.Parts {
			out.Content.Parts[i] = p
			if p.ImageURL != nil {
				u := *p.ImageURL
				out.Content.Parts[i].ImageURL = &u
			}
		}
	}
	return out
}
