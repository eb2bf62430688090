package tree

import (
	"strings"

	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
	"github.com/noc-turne/LLM-Light-Testing/internal/config"
)

// transcriptLabel names assistant turns inside a transcript.
const transcriptLabel = "AI"

// Prompter builds the system prompt and the messages sent for one role.
type Prompter struct {
	template   string
	transcript bool
}

// NewPrompter returns a prompter for template. With transcript set, the
// history before the last message moves into the system prompt and only
// the last message is sent.
func NewPrompter(template string, transcript bool) Prompter {
	return Prompter{template: template, transcript: transcript}
}

// Build returns the system prompt and conversation for topic.
func (p Prompter) Build(topic string, conv chat.Conversation) (string, chat.Conversation) {
	system := strings.ReplaceAll(p.template, "{topic}", topic)
	if !p.transcript {
		return system, conv
	}
	if history := conv.Transcript(transcriptLabel); history != "" {
		system += "\n" + history
	}
	last, ok := conv.Last()
	if !ok {
		return system, nil
	}
	return system, chat.Conversation{last}
}

func prompters(cfg config.TreeConfig) (user, assistant Prompter) {
	return NewPrompter(cfg.Prompts.User, cfg.SystemTranscript),
		NewPrompter(cfg.Prompts.Assistant, cfg.SystemTranscript)
}
