package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/noc-turne/LLM-Light-Testing/internal/config"
)

const defaultPollTimeout = 10 * time.Second

// Fetcher reads the current GPU statistics from an agent.
type Fetcher interface {
	Fetch(ctx context.Context, baseURL string) ([]GPUStat, error)
}

// SampleSink receives every successful poll.
type SampleSink interface {
	RecordGPUSample(ctx context.Context, endpoint string, at time.Time, stats []GPUStat) error
}

type watcher struct {
	endpoint string
	url      string
	interval time.Duration
	file     string
}

// Monitor polls every endpoint that has a GPU agent URL and appends the
// samples to per-endpoint text logs under {saveDir}/gpu_info.
type Monitor struct {
	fetcher     Fetcher
	dir         string
	watchers    []watcher
	sinks       []SampleSink
	pollTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithSink forwards successful samples to s. It may be given more than once.
func WithSink(s SampleSink) MonitorOption {
	return func(m *Monitor) {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
}

// WithPollTimeout bounds a single poll, which otherwise outlives the stop
// signal.
func WithPollTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.pollTimeout = d
		}
	}
}

// WithLogger sets the monitor's logger.
func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor builds a monitor for the endpoints that carry a GPU URL.
// Log files are named after the endpoint's file stem, the start time and
// the endpoint's position in the configuration.
func NewMonitor(fetcher Fetcher, saveDir string, endpoints []config.Endpoint, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		fetcher:     fetcher,
		dir:         filepath.Join(saveDir, "gpu_info"),
		pollTimeout: defaultPollTimeout,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}

	ts := m.now().Format(config.TimestampLayout)
	for i, ep := range endpoints {
		if ep.GPUURL == "" {
			continue
		}
		m.watchers = append(m.watchers, watcher{
			endpoint: ep.Name,
			url:      ep.GPUURL,
			interval: ep.PollInterval(),
			file:     filepath.Join(m.dir, fmt.Sprintf("%s_%s_%d.txt", ep.FileStem(), ts, i)),
		})
	}
	return m
}

// Files returns the log file of every watched endpoint.
func (m *Monitor) Files() []string {
	out := make([]string, len(m.watchers))
	for i, w := range m.watchers {
		out[i] = w.file
	}
	return out
}

// Run polls until ctx is cancelled and every watcher has returned. With no
// GPU URLs configured it returns immediately.
func (m *Monitor) Run(ctx context.Context) error {
	if len(m.watchers) == 0 {
		return nil
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("creating gpu_info directory: %w", err)
	}

	var wg sync.WaitGroup
	for _, w := range m.watchers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.watch(ctx, w)
		}()
	}
	wg.Wait()
	return nil
}

func (m *Monitor) watch(ctx context.Context, w watcher) {
	m.logger.Debug("gpu watcher started", "endpoint", w.endpoint, "url", w.url, "interval", w.interval)
	for {
		if ctx.Err() != nil {
			m.logger.Debug("gpu watcher stopped", "endpoint", w.endpoint)
			return
		}

		if err := m.poll(ctx, w); err != nil {
			m.logger.Error("gpu poll failed", "endpoint", w.endpoint, "url", w.url, "error", err)
		}

		select {
		case <-ctx.Done():
			m.logger.Debug("gpu watcher stopped", "endpoint", w.endpoint)
			return
		case <-time.After(w.interval):
		}
	}
}

// poll runs one fetch-and-append cycle. It is detached from ctx's
// cancellation so a poll that has started always finishes.
func (m *Monitor) poll(ctx context.Context, w watcher) error {
	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.pollTimeout)
	defer cancel()

	stats, err := m.fetcher.Fetch(pollCtx, w.url)
	if err != nil {
		return err
	}
	at := m.now()

	f, err := os.OpenFile(w.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening gpu log: %w", err)
	}
	werr := WriteRecord(f, at, stats)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("writing gpu log: %w", werr)
	}

	for _, s := range m.sinks {
		if err := s.RecordGPUSample(pollCtx, w.endpoint, at, stats); err != nil {
			m.logger.Warn("gpu sample sink failed", "endpoint", w.endpoint, "error", err)
		}
	}
	return nil
}
