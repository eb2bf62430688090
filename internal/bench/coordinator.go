package bench

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
	"github.com/noc-turne/LLM-Light-Testing/internal/config"
)

// UnitLoader turns a unit identifier into the conversation to send.
type UnitLoader interface {
	Load(unit string) (chat.Conversation, error)
}

// RecordSink receives every record as its unit completes.
type RecordSink interface {
	RecordDispatch(ctx context.Context, rec Record) error
}

// EvaluationMap holds the records of every completed unit. Each unit is
// inserted once, with one record per endpoint in configuration order.
type EvaluationMap struct {
	mu      sync.RWMutex
	entries map[string][]Record
}

func NewEvaluationMap() *EvaluationMap {
	return &EvaluationMap{entries: make(map[string][]Record)}
}

// Insert stores the records of unit. A unit can only be inserted once.
func (m *EvaluationMap) Insert(unit string, recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[unit]; ok {
		return fmt.Errorf("unit %q already recorded", unit)
	}
	m.entries[unit] = recs
	return nil
}

// Get returns the records of unit.
func (m *EvaluationMap) Get(unit string) ([]Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs, ok := m.entries[unit]
	return recs, ok
}

// Units returns the recorded unit identifiers in sorted order.
func (m *EvaluationMap) Units() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	units := make([]string, 0, len(m.entries))
	for u := range m.entries {
		units = append(units, u)
	}
	sort.Strings(units)
	return units
}

func (m *EvaluationMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Dispatcher performs one attempt against one endpoint.
type Dispatcher interface {
	Dispatch(ctx context.Context, ep config.Endpoint, position int, unit string, conv chat.Conversation, params map[string]any) Result
}

// Coordinator fans every unit out to every endpoint.
type Coordinator struct {
	dispatcher Dispatcher
	loader     UnitLoader
	endpoints  []config.Endpoint
	params     map[string]any
	maxUnits   int
	sinks      []RecordSink
	logger     *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMaxConcurrentUnits bounds how many units are in flight. Zero means
// unbounded.
func WithMaxConcurrentUnits(n int) CoordinatorOption {
	return func(c *Coordinator) { c.maxUnits = n }
}

// WithRecordSink forwards every record to s. It may be given more than once.
func WithRecordSink(s RecordSink) CoordinatorOption {
	return func(c *Coordinator) {
		if s != nil {
			c.sinks = append(c.sinks, s)
		}
	}
}

// WithCoordinatorLogger sets the coordinator's logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

func NewCoordinator(d Dispatcher, loader UnitLoader, endpoints []config.Endpoint, params map[string]any, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		dispatcher: d,
		loader:     loader,
		endpoints:  endpoints,
		params:     params,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run processes every unit and returns once all of them have finished.
// Units that fail to load are logged and left out of the result.
func (c *Coordinator) Run(ctx context.Context, units []string) *EvaluationMap {
	eval := NewEvaluationMap()

	g := new(errgroup.Group)
	if c.maxUnits > 0 {
		g.SetLimit(c.maxUnits)
	}
	for _, unit := range units {
		g.Go(func() error {
			recs, err := c.RunUnit(ctx, unit)
			if err != nil {
				c.logger.Error("skipping unit", "unit", unit, "error", err)
				return nil
			}
			if err := eval.Insert(unit, recs); err != nil {
				c.logger.Error("recording unit failed", "unit", unit, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	c.logger.Info("batch finished", "units", len(units), "recorded", eval.Len())
	return eval
}

// RunUnit dispatches one unit to every endpoint concurrently and returns
// the records in endpoint order.
func (c *Coordinator) RunUnit(ctx context.Context, unit string) ([]Record, error) {
	conv, err := c.loader.Load(unit)
	if err != nil {
		return nil, fmt.Errorf("loading unit: %w", err)
	}

	recs := make([]Record, len(c.endpoints))
	var wg sync.WaitGroup
	for i, ep := range c.endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.dispatcher.Dispatch(ctx, ep, i, unit, conv, c.params)
			recs[i] = NewRecord(unit, ep.Name, ep.URL, i, conv, res)
		}()
	}
	wg.Wait()

	for _, rec := range recs {
		for _, s := range c.sinks {
			if err := s.RecordDispatch(ctx, rec); err != nil {
				c.logger.Warn("record sink failed", "unit", unit, "model", rec.Model, "error", err)
			}
		}
	}
	return recs, nil
}
