package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run kinds and statuses.
const (
	KindBench = "bench"
	KindTree  = "tree"

	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Run struct {
	ID         string
	Kind       string
	ConfigPath string
	SavePath   string
	Status     string
	Units      int
	Endpoints  int
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	LastError  string
}

// DispatchRecord is one stored benchmark attempt. Failed attempts carry -1
// in every numeric field and zero times.
type DispatchRecord struct {
	ID               string
	RunID            string
	Unit             string
	Model            string
	ModelURL         string
	Position         int
	StartTime        time.Time
	EndTime          time.Time
	ElapsedSeconds   float64
	PromptTokens     int
	CompletionTokens int
	Response         string // JSON message as returned by the server
	Error            string
	ErrorKind        string
	CreatedAt        time.Time
}

type GPUSample struct {
	ID                string
	RunID             string
	Endpoint          string
	SampledAt         time.Time
	GPUID             int
	Name              string
	Utilization       float64
	MemoryUtilization float64
	MemoryUsed        float64
	MemoryTotal       float64
}

type TreeArtifact struct {
	ID        string
	RunID     string
	Path      string
	TopicPath []string
	Turns     int
	CreatedAt time.Time
}

// ModelTotals aggregates the records of one model within a run.
type ModelTotals struct {
	Model            string
	Records          int
	Failures         int
	PromptTokens     int
	CompletionTokens int
	ElapsedSeconds   float64
}

// RunSummary is a run with per-model aggregates, in first-position order.
type RunSummary struct {
	Run    Run
	Models []ModelTotals
}
