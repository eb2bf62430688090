// Package tree generates synthetic multi-turn dialogues. It branches over
// topics depth-first and then extends each branch linearly.
package tree

import (
	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
)

// State is one branch of the tree: the conversation so far, the topics
// that led to it and the speech-to-speech session id.
type State struct {
	Conv      chat.Conversation
	Path      []string
	SessionID string
}

// Clone returns a deep copy. Root branches each work on their own clone.
func (s *State) Clone() *State {
	return &State{
		Conv:      s.Conv.Clone(),
		Path:      append([]string(nil), s.Path...),
		SessionID: s.SessionID,
	}
}

// Topic returns the last topic on the path.
func (s *State) Topic() string {
	if len(s.Path) == 0 {
		return ""
	}
	return s.Path[len(s.Path)-1]
}

func (s *State) push(topic string) {
	s.Path = append(s.Path, topic)
}

func (s *State) pop() {
	s.Path = s.Path[:len(s.Path)-1]
}

func (s *State) appendTurn(role, text string) {
	s.Conv = append(s.Conv, chat.NewText(role, text))
}

// truncate drops turns back to n messages.
func (s *State) truncate(n int) {
	for i := n; i < len(s.Conv); i++ {
		s.Conv[i] = chat.Message{}
	}
	s.Conv = s.Conv[:n]
}
