package tree

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
)

// Generator is a stateless chat model call.
type Generator interface {
	Generate(ctx context.Context, system string, conv chat.Conversation) (string, error)
}

// UserSource produces the next user turn for a branch.
type UserSource interface {
	UserTurn(ctx context.Context, st *State) (string, error)
}

// PresetSource answers every turn of a topic with the same fixed text.
type PresetSource struct {
	Lookup func(topic string) (string, bool)
}

func (p PresetSource) UserTurn(_ context.Context, st *State) (string, error) {
	text, ok := p.Lookup(st.Topic())
	if !ok {
		return "", fmt.Errorf("no preset user prompt for topic %q", st.Topic())
	}
	return text, nil
}

// ModelSource asks a model to play the user.
type ModelSource struct {
	Gen    Generator
	Prompt Prompter
}

func (m ModelSource) UserTurn(ctx context.Context, st *State) (string, error) {
	system, conv := m.Prompt.Build(st.Topic(), st.Conv)
	text, err := m.Gen.Generate(ctx, system, conv)
	if err != nil {
		return "", fmt.Errorf("user turn for %q: %w", st.Topic(), err)
	}
	return text, nil
}

// InteractiveSource reads user turns from a terminal. Concurrent branches
// take turns at the prompt.
type InteractiveSource struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func NewInteractiveSource(in io.Reader, out io.Writer) *InteractiveSource {
	return &InteractiveSource{in: bufio.NewReader(in), out: out}
}

func (s *InteractiveSource) UserTurn(ctx context.Context, st *State) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if last, ok := st.Conv.Last(); ok {
		fmt.Fprintf(s.out, "\n%s: %s\n", last.Role, last.Text())
	}
	fmt.Fprintf(s.out, "[%s] user> ", strings.Join(st.Path, " / "))
	line, err := s.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("reading user turn: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
