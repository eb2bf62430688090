package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noc-turne/LLM-Light-Testing/internal/bench"
	"github.com/noc-turne/LLM-Light-Testing/internal/telemetry"
)

// Recorder writes the records, GPU samples and artifacts of one run.
type Recorder struct {
	store *Store
	runID string
}

// StartRun creates the run row and returns a recorder bound to it.
func (s *Store) StartRun(r Run) (*Recorder, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if err := s.CreateRun(r); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	return &Recorder{store: s, runID: r.ID}, nil
}

// RunID returns the id of the run being recorded.
func (r *Recorder) RunID() string {
	return r.runID
}

// Finish closes the run.
func (r *Recorder) Finish(runErr error) error {
	return r.store.FinishRun(r.runID, time.Now(), runErr)
}

func (r *Recorder) RecordDispatch(_ context.Context, rec bench.Record) error {
	d := DispatchRecord{
		ID:               uuid.New().String(),
		RunID:            r.runID,
		Unit:             rec.Unit,
		Model:            rec.Model,
		ModelURL:         rec.ModelURL,
		Position:         rec.Position,
		StartTime:        rec.Start,
		EndTime:          rec.End,
		ElapsedSeconds:   rec.ElapsedSeconds(),
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		Response:         string(rec.Response),
		Error:            rec.Error,
		ErrorKind:        rec.Kind.String(),
	}
	return r.store.SaveDispatchRecord(d)
}

func (r *Recorder) RecordGPUSample(_ context.Context, endpoint string, at time.Time, stats []telemetry.GPUStat) error {
	samples := make([]GPUSample, len(stats))
	for i, g := range stats {
		samples[i] = GPUSample{
			ID:                uuid.New().String(),
			RunID:             r.runID,
			Endpoint:          endpoint,
			SampledAt:         at,
			GPUID:             g.ID,
			Name:              g.Name,
			Utilization:       g.Utilization,
			MemoryUtilization: g.MemoryUtilization,
			MemoryUsed:        g.MemoryUsed,
			MemoryTotal:       g.MemoryTotal,
		}
	}
	return r.store.SaveGPUSamples(samples)
}

func (r *Recorder) RecordArtifact(_ context.Context, path string, topics []string, turns int) error {
	return r.store.SaveTreeArtifact(TreeArtifact{
		ID:        uuid.New().String(),
		RunID:     r.runID,
		Path:      path,
		TopicPath: topics,
		Turns:     turns,
	})
}

// Record converts a stored row back into its benchmark form. The prompt
// is not stored and is left empty.
func (d DispatchRecord) Record() bench.Record {
	rec := bench.Record{
		Unit:             d.Unit,
		Model:            d.Model,
		ModelURL:         d.ModelURL,
		Position:         d.Position,
		Start:            d.StartTime,
		End:              d.EndTime,
		PromptTokens:     d.PromptTokens,
		CompletionTokens: d.CompletionTokens,
		Error:            d.Error,
	}
	switch d.ErrorKind {
	case bench.FailureTransport.String():
		rec.Kind = bench.FailureTransport
	case bench.FailureUnexpected.String():
		rec.Kind = bench.FailureUnexpected
	}
	if d.Error == "" {
		rec.Elapsed = time.Duration(d.ElapsedSeconds * float64(time.Second))
		if d.Response != "" {
			rec.Response = json.RawMessage(d.Response)
		}
	}
	return rec
}

// Evaluation rebuilds the evaluation map of a stored run.
func (s *Store) Evaluation(runID string) (*bench.EvaluationMap, error) {
	if _, err := s.GetRun(runID); err != nil {
		return nil, err
	}
	rows, err := s.ListDispatchRecords(runID, "")
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	eval := bench.NewEvaluationMap()
	var unit string
	var recs []bench.Record
	flush := func() error {
		if len(recs) == 0 {
			return nil
		}
		return eval.Insert(unit, recs)
	}
	for _, d := range rows {
		if d.Unit != unit {
			if err := flush(); err != nil {
				return nil, err
			}
			unit, recs = d.Unit, nil
		}
		recs = append(recs, d.Record())
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return eval, nil
}
