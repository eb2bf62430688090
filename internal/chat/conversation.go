package chat

import (
	"fmt"
	"strings"
)

// Conversation is an ordered sequence of messages.
type Conversation []Message

// Clone returns a deep copy that shares no backing arrays with c.
func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}
	out := make(Conversation, len(c))
	for i, m := range c {
		out[i] = m.clone()
	}
	return out
}

// Validate checks every message in the conversation.
func (c Conversation) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("conversation is empty")
	}
	for i, m := range c {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

// HasSystem reports whether any message has the system role.
func (c Conversation) HasSystem() bool {
	for _, m := range c {
		if m.Role == RoleSystem {
			return true
		}
	}
	return false
}

// WithSystem returns a new conversation with system prepended. Any system
// messages already in c are dropped so the result carries exactly one.
func (c Conversation) WithSystem(system Message) Conversation {
	out := make(Conversation, 0, len(c)+1)
	out = append(out, system)
	for _, m := range c {
		if m.Role == RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Transcript renders every message except the last as "role: text" lines.
// Assistant turns are labelled with assistantLabel.
func (c Conversation) Transcript(assistantLabel string) string {
	if len(c) < 2 {
		return ""
	}
	lines := make([]string, 0, len(c)-1)
	for _, m := range c[:len(c)-1] {
		role := m.Role
		if role == RoleAssistant {
			role = assistantLabel
		}
		lines = append(lines, role+": "+m.Text())
	}
	return strings.Join(lines, "\n")
}

// Last returns the final message, or false when c is empty.
func (c Conversation) Last() (Message, bool) {
	if len(c) == 0 {
		return Message{}, false
	}
	return c[len(c)-1], true
}
