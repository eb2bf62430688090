package bench

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
	"github.com/noc-turne/LLM-Light-Testing/internal/config"
	"github.com/noc-turne/LLM-Light-Testing/internal/prompt"
)

type mockLoader struct {
	loadFn func(unit string) (chat.Conversation, error)
}

func (m *mockLoader) Load(unit string) (chat.Conversation, error) {
	return m.loadFn(unit)
}

type mockDispatcher struct {
	dispatchFn func(ctx context.Context, ep config.Endpoint, position int, unit string) Result
}

func (m *mockDispatcher) Dispatch(ctx context.Context, ep config.Endpoint, position int, unit string, conv chat.Conversation, params map[string]any) Result {
	return m.dispatchFn(ctx, ep, position, unit)
}

type collectingSink struct {
	mu   sync.Mutex
	recs []Record
	err  error
}

func (s *collectingSink) RecordDispatch(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func okResult(tokens int) Result {
	now := time.Now()
	return Success{
		Response:         []byte(`{"role":"assistant","content":"ok"}`),
		PromptTokens:     tokens,
		CompletionTokens: tokens,
		Start:            now,
		End:              now.Add(time.Second),
		Elapsed:          time.Second,
	}
}

func staticLoader() *mockLoader {
	return &mockLoader{loadFn: func(string) (chat.Conversation, error) { return ping(), nil }}
}

func TestCoordinator_ThreeEndpointsTwoUnitsOneFailing(t *testing.T) {
	ok1 := completionServer(t, http.StatusOK, completionBody)
	bad := completionServer(t, http.StatusServiceUnavailable, "down")
	ok2 := completionServer(t, http.StatusOK, completionBody)

	dir := t.TempDir()
	loadDir := filepath.Join(dir, "prompts")
	saveDir := filepath.Join(dir, "out")
	if err := os.Mkdir(loadDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.json", "b.json"} {
		if err := os.WriteFile(filepath.Join(loadDir, name), []byte(`[{"role":"user","content":"hi"}]`), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	endpoints := []config.Endpoint{
		{Name: "first", URL: ok1.URL},
		{Name: "broken", URL: bad.URL},
		{Name: "third", URL: ok2.URL},
	}
	units, err := prompt.ListUnits(loadDir)
	if err != nil {
		t.Fatal(err)
	}

	worker := NewWorker(5*time.Second, WithPersistence(saveDir))
	sink := &collectingSink{}
	coord := NewCoordinator(worker, prompt.FileSource{Dir: loadDir}, endpoints, nil, WithRecordSink(sink))
	eval := coord.Run(context.Background(), units)

	if eval.Len() != 2 {
		t.Fatalf("units recorded = %d, want 2", eval.Len())
	}
	for _, unit := range units {
		recs, ok := eval.Get(unit)
		if !ok {
			t.Fatalf("unit %s missing", unit)
		}
		if len(recs) != 3 {
			t.Fatalf("unit %s: %d records, want 3", unit, len(recs))
		}
		for i, rec := range recs {
			if rec.Model != endpoints[i].Name || rec.Position != i {
				t.Errorf("unit %s record %d = %s@%d", unit, i, rec.Model, rec.Position)
			}
		}
		if recs[0].Failed() || recs[2].Failed() {
			t.Errorf("unit %s: healthy endpoints failed: %q %q", unit, recs[0].Error, recs[2].Error)
		}
		if !recs[1].Failed() || recs[1].PromptTokens != Sentinel || recs[1].CompletionTokens != Sentinel ||
			recs[1].ElapsedSeconds() != Sentinel || recs[1].Response != nil {
			t.Errorf("unit %s: broken record = %+v", unit, recs[1])
		}

		files, _ := filepath.Glob(filepath.Join(saveDir, UnitDir(unit), "*.json"))
		if len(files) != 3 {
			t.Errorf("unit %s: %d saved records, want 3", unit, len(files))
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recs) != 6 {
		t.Errorf("sink received %d records, want 6", len(sink.recs))
	}
}

func TestCoordinator_OrderIsConfigurationOrder(t *testing.T) {
	endpoints := []config.Endpoint{{Name: "slow"}, {Name: "medium"}, {Name: "fast"}}
	delays := map[string]time.Duration{"slow": 60 * time.Millisecond, "medium": 30 * time.Millisecond, "fast": 0}

	d := &mockDispatcher{dispatchFn: func(ctx context.Context, ep config.Endpoint, position int, unit string) Result {
		time.Sleep(delays[ep.Name])
		return okResult(position)
	}}
	eval := NewCoordinator(d, staticLoader(), endpoints, nil).Run(context.Background(), []string{"u"})

	recs, _ := eval.Get("u")
	for i, rec := range recs {
		if rec.Model != endpoints[i].Name {
			t.Errorf("recs[%d] = %s, want %s", i, rec.Model, endpoints[i].Name)
		}
	}
}

func TestCoordinator_SkipsMalformedUnits(t *testing.T) {
	loader := &mockLoader{loadFn: func(unit string) (chat.Conversation, error) {
		if unit == "bad" {
			return nil, errors.New("not a list")
		}
		return ping(), nil
	}}
	var calls atomic.Int32
	d := &mockDispatcher{dispatchFn: func(ctx context.Context, ep config.Endpoint, position int, unit string) Result {
		calls.Add(1)
		return okResult(1)
	}}

	eval := NewCoordinator(d, loader, []config.Endpoint{{Name: "m"}}, nil).Run(context.Background(), []string{"good", "bad", "also-good"})

	if _, ok := eval.Get("bad"); ok {
		t.Error("malformed unit was recorded")
	}
	if got := eval.Units(); len(got) != 2 || got[0] != "also-good" || got[1] != "good" {
		t.Errorf("Units() = %v", got)
	}
	if calls.Load() != 2 {
		t.Errorf("dispatches = %d, want 2", calls.Load())
	}
}

func TestCoordinator_MaxConcurrentUnits(t *testing.T) {
	var inFlight, peak atomic.Int32
	d := &mockDispatcher{dispatchFn: func(ctx context.Context, ep config.Endpoint, position int, unit string) Result {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return okResult(1)
	}}

	units := []string{"1", "2", "3", "4", "5", "6"}
	eval := NewCoordinator(d, staticLoader(), []config.Endpoint{{Name: "m"}}, nil, WithMaxConcurrentUnits(2)).
		Run(context.Background(), units)

	if eval.Len() != len(units) {
		t.Errorf("recorded = %d", eval.Len())
	}
	if peak.Load() > 2 {
		t.Errorf("peak in-flight units = %d, want <= 2", peak.Load())
	}
}

func TestCoordinator_SinkErrorsDoNotFailUnit(t *testing.T) {
	sink := &collectingSink{err: errors.New("disk full")}
	d := &mockDispatcher{dispatchFn: func(ctx context.Context, ep config.Endpoint, position int, unit string) Result {
		return okResult(1)
	}}

	eval := NewCoordinator(d, staticLoader(), []config.Endpoint{{Name: "a"}, {Name: "b"}}, nil, WithRecordSink(sink)).
		Run(context.Background(), []string{"u"})

	if recs, ok := eval.Get("u"); !ok || len(recs) != 2 {
		t.Errorf("unit not recorded: %v", recs)
	}
}

func TestEvaluationMap_InsertOnce(t *testing.T) {
	m := NewEvaluationMap()
	if err := m.Insert("u", nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert("u", nil); err == nil {
		t.Error("second insert should fail")
	}
}

type fakeMonitor struct {
	started  chan struct{}
	stopped  atomic.Bool
	finished func() int32
	atStop   int32
}

func (m *fakeMonitor) Run(ctx context.Context) error {
	close(m.started)
	<-ctx.Done()
	m.atStop = m.finished()
	m.stopped.Store(true)
	return nil
}

func TestCombinedRun_MonitorCoversBatch(t *testing.T) {
	var done atomic.Int32
	mon := &fakeMonitor{started: make(chan struct{}), finished: done.Load}

	d := &mockDispatcher{dispatchFn: func(ctx context.Context, ep config.Endpoint, position int, unit string) Result {
		<-mon.started
		time.Sleep(5 * time.Millisecond)
		done.Add(1)
		return okResult(1)
	}}
	coord := NewCoordinator(d, staticLoader(), []config.Endpoint{{Name: "a"}, {Name: "b"}}, nil)

	eval := CombinedRun(context.Background(), coord, mon, []string{"u1", "u2", "u3"})

	if !mon.stopped.Load() {
		t.Fatal("CombinedRun returned before the monitor exited")
	}
	if mon.atStop != 6 {
		t.Errorf("monitor stopped after %d of 6 dispatches", mon.atStop)
	}
	if eval.Len() != 3 {
		t.Errorf("recorded = %d", eval.Len())
	}
}

func TestCombinedRun_NilMonitor(t *testing.T) {
	d := &mockDispatcher{dispatchFn: func(ctx context.Context, ep config.Endpoint, position int, unit string) Result {
		return okResult(1)
	}}
	eval := CombinedRun(context.Background(), NewCoordinator(d, staticLoader(), []config.Endpoint{{Name: "a"}}, nil), nil, []string{"u"})
	if eval.Len() != 1 {
		t.Errorf("recorded = %d", eval.Len())
	}
}

func TestUnits_VLMMode(t *testing.T) {
	dir := t.TempDir()
	imgs := filepath.Join(dir, "imgs")
	if err := os.Mkdir(imgs, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"b.png", "a.jpg"} {
		os.WriteFile(filepath.Join(imgs, name), []byte("img"), 0o644)
	}
	promptFile := filepath.Join(dir, "prompt.txt")
	os.WriteFile(promptFile, []byte("describe"), 0o644)

	loader, units, err := Units(config.BenchConfig{Mode: config.ModeVLM, LoadPath: imgs, LoadPromptPath: promptFile})
	if err != nil {
		t.Fatalf("Units: %v", err)
	}
	if len(units) != 2 || units[0] != "a.jpg" {
		t.Errorf("units = %v", units)
	}
	conv, err := loader.Load("a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if parts := conv[0].Content.Parts; len(parts) != 2 || parts[1].Type != "image_url" {
		t.Errorf("parts = %+v", parts)
	}
}
