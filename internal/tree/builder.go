package tree

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
	"github.com/noc-turne/LLM-Light-Testing/internal/config"
	"github.com/noc-turne/LLM-Light-Testing/internal/llm"
	"github.com/noc-turne/LLM-Light-Testing/internal/prompt"
)

// ArtifactSink is notified of every saved branch.
type ArtifactSink interface {
	RecordArtifact(ctx context.Context, path string, topics []string, turns int) error
}

// Builder walks the topic tree and saves one artifact per leaf.
type Builder struct {
	background   string
	backgroundCv chat.Conversation
	topics       []string
	saveDir      string
	expandDepth  int
	extendRounds int
	workers      int

	user      UserSource
	extender  UserSource
	responder Responder

	sinks  []ArtifactSink
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	artifacts []string
}

// Option configures a Builder.
type Option func(*Builder)

// WithArtifactSink registers a sink for saved artifacts.
func WithArtifactSink(s ArtifactSink) Option {
	return func(b *Builder) { b.sinks = append(b.sinks, s) }
}

// WithLogger sets the builder's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder creates a builder for cfg. user produces turns while
// branching, extender while extending.
func NewBuilder(cfg config.TreeConfig, background chat.Conversation, user, extender UserSource, responder Responder, opts ...Option) *Builder {
	b := &Builder{
		background:   cfg.BackgroundName,
		backgroundCv: background,
		topics:       cfg.Topics,
		saveDir:      cfg.SavePath,
		expandDepth:  cfg.ExpandDepth,
		extendRounds: cfg.ExtendRounds,
		workers:      cfg.Workers,
		user:         user,
		extender:     extender,
		responder:    responder,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FromConfig wires the sources and responder named in cfg. in and out
// serve the interactive user source.
func FromConfig(cfg config.TreeConfig, in io.Reader, out io.Writer, opts ...Option) (*Builder, error) {
	var background chat.Conversation
	if cfg.BackgroundFile != "" {
		conv, err := prompt.Load(cfg.BackgroundFile, prompt.FormatText)
		if err != nil {
			return nil, fmt.Errorf("loading background: %w", err)
		}
		background = conv
	}

	userPrompt, assistantPrompt := prompters(cfg)

	var modelUser UserSource
	if cfg.UserSource == config.UserSourceAI || cfg.ExtendRounds > 0 {
		gen, err := llm.New(cfg.UserModel, cfg.Sampling)
		if err != nil {
			return nil, fmt.Errorf("user model: %w", err)
		}
		modelUser = ModelSource{Gen: gen, Prompt: userPrompt}
	}

	var user UserSource
	switch cfg.UserSource {
	case config.UserSourceAI:
		user = modelUser
	case config.UserSourcePreset:
		user = PresetSource{Lookup: cfg.PresetFor}
	case config.UserSourceInteractive:
		user = NewInteractiveSource(in, out)
	default:
		return nil, fmt.Errorf("unknown user source %q", cfg.UserSource)
	}

	ep, ok := cfg.Responders[cfg.Responder]
	if !ok {
		return nil, fmt.Errorf("responder %q is not configured", cfg.Responder)
	}
	var responder Responder
	switch cfg.Responder {
	case config.ResponderCleanS2S:
		responder = NewSessionResponder(ep.URL)
	case config.ResponderLlama, config.ResponderQwen:
		gen, err := llm.New(ep, cfg.Sampling)
		if err != nil {
			return nil, fmt.Errorf("responder %s: %w", cfg.Responder, err)
		}
		responder = ModelResponder{Gen: gen, Prompt: assistantPrompt}
	default:
		return nil, fmt.Errorf("unknown responder %q", cfg.Responder)
	}

	return NewBuilder(cfg, background, user, modelUser, responder, opts...), nil
}

// Run generates every branch and returns the saved artifact paths in
// sorted order. The first failure cancels the remaining branches.
func (b *Builder) Run(ctx context.Context) ([]string, error) {
	if err := mkdirAll(b.saveDir); err != nil {
		return nil, err
	}

	root := &State{Conv: b.backgroundCv.Clone()}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, min(b.workers, len(b.topics))))

	for _, topic := range b.topics {
		st := root.Clone()
		g.Go(func() error {
			st.push(topic)
			if err := b.exchange(gctx, st, b.user); err != nil {
				return err
			}
			return b.expand(gctx, st, 1)
		})
	}
	err := g.Wait()

	b.mu.Lock()
	paths := append([]string(nil), b.artifacts...)
	b.mu.Unlock()
	sort.Strings(paths)
	return paths, err
}

// expand visits every topic below st. On return st holds the same turns,
// path and session id it held on entry.
func (b *Builder) expand(ctx context.Context, st *State, depth int) error {
	if depth >= b.expandDepth {
		return b.extend(ctx, st)
	}
	for _, topic := range b.topics {
		turns, uid := len(st.Conv), st.SessionID

		st.push(topic)
		if err := b.exchange(ctx, st, b.user); err != nil {
			return err
		}
		if err := b.expand(ctx, st, depth+1); err != nil {
			return err
		}
		st.truncate(turns)
		st.pop()
		st.SessionID = uid
	}
	return nil
}

func (b *Builder) extend(ctx context.Context, st *State) error {
	for range b.extendRounds {
		if err := b.exchange(ctx, st, b.extender); err != nil {
			return err
		}
	}
	return b.save(ctx, st)
}

// exchange appends one user turn and the reply to it.
func (b *Builder) exchange(ctx context.Context, st *State, src UserSource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text, err := src.UserTurn(ctx, st)
	if err != nil {
		return err
	}
	st.appendTurn(chat.RoleUser, text)

	reply, err := b.responder.Respond(ctx, st)
	if err != nil {
		return err
	}
	st.appendTurn(chat.RoleAssistant, reply)
	return nil
}

func (b *Builder) save(ctx context.Context, st *State) error {
	path, err := writeArtifact(b.saveDir, b.background, st.Path, b.extendRounds, b.now(), st.Conv)
	if err != nil {
		return err
	}
	b.logger.Info("saved conversation", "path", path, "turns", len(st.Conv))

	b.mu.Lock()
	b.artifacts = append(b.artifacts, path)
	b.mu.Unlock()

	for _, s := range b.sinks {
		if err := s.RecordArtifact(ctx, path, append([]string(nil), st.Path...), len(st.Conv)); err != nil {
			b.logger.Warn("recording artifact", "path", path, "error", err)
		}
	}
	return nil
}
