// Package bench fans prompt units out to every configured endpoint and
// collects one record per (unit, endpoint) attempt.
package bench

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/noc-turne/LLM-Light-Testing/internal/chat"
)

// FailureKind classifies a failed attempt.
type FailureKind int

const (
	// FailureTransport covers non-2xx statuses, timeouts and connection errors.
	FailureTransport FailureKind = iota + 1
	// FailureUnexpected covers responses that could not be interpreted.
	FailureUnexpected
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransport:
		return "transport"
	case FailureUnexpected:
		return "unexpected"
	default:
		return ""
	}
}

// Result is the outcome of one dispatch. It is either Success or Failure.
type Result interface {
	isResult()
}

// Success carries the parsed completion.
type Success struct {
	// Response is the first choice's message as returned by the server.
	Response         json.RawMessage
	PromptTokens     int
	CompletionTokens int
	Start            time.Time
	End              time.Time
	Elapsed          time.Duration
}

// Failure carries the reason an attempt produced no completion.
type Failure struct {
	Err  error
	Kind FailureKind
}

func (Success) isResult() {}
func (Failure) isResult() {}

// Sentinel is written into every numeric and time field of a failed record.
const Sentinel = -1

// Record is the persisted form of one (unit, endpoint) attempt.
type Record struct {
	Unit             string
	Model            string
	ModelURL         string
	Position         int
	Start            time.Time
	End              time.Time
	Elapsed          time.Duration
	PromptTokens     int
	CompletionTokens int
	Response         json.RawMessage
	Error            string
	Kind             FailureKind
	Prompt           chat.Conversation
}

// NewRecord folds a Result into a Record.
func NewRecord(unit, model, modelURL string, position int, prompt chat.Conversation, res Result) Record {
	rec := Record{
		Unit:     unit,
		Model:    model,
		ModelURL: modelURL,
		Position: position,
		Prompt:   prompt,
	}
	switch r := res.(type) {
	case Success:
		rec.Start = r.Start
		rec.End = r.End
		rec.Elapsed = r.Elapsed
		rec.PromptTokens = r.PromptTokens
		rec.CompletionTokens = r.CompletionTokens
		rec.Response = r.Response
	case Failure:
		rec.PromptTokens = Sentinel
		rec.CompletionTokens = Sentinel
		rec.Kind = r.Kind
		if r.Err != nil {
			rec.Error = r.Err.Error()
		} else {
			rec.Error = "unknown error"
		}
	}
	return rec
}

// Failed reports whether the attempt produced no completion.
func (r Record) Failed() bool {
	return r.Error != ""
}

// ElapsedSeconds returns the request latency, or Sentinel for failures.
func (r Record) ElapsedSeconds() float64 {
	if r.Failed() {
		return Sentinel
	}
	return r.Elapsed.Seconds()
}

// ResponseText returns the text of the response message. It is empty for
// failures and for responses without textual content.
func (r Record) ResponseText() string {
	if r.Failed() || len(r.Response) == 0 {
		return ""
	}
	var msg chat.Message
	if err := json.Unmarshal(r.Response, &msg); err != nil {
		return ""
	}
	return msg.Text()
}

type recordJSON struct {
	Unit           string            `json:"unit"`
	Model          string            `json:"model"`
	ModelURL       string            `json:"model_url"`
	Position       int               `json:"position"`
	StartTime      any               `json:"start_time"`
	EndTime        any               `json:"end_time"`
	ElapsedTime    float64           `json:"elapsed_time"`
	PromptTokenLen int               `json:"prompt_token_len"`
	DecodeTokenLen int               `json:"decode_token_len"`
	Response       json.RawMessage   `json:"response,omitempty"`
	Error          string            `json:"error,omitempty"`
	ErrorKind      string            `json:"error_kind,omitempty"`
	Prompt         chat.Conversation `json:"prompt"`
}

// MarshalJSON writes timestamps as RFC 3339 strings, or Sentinel for failures.
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		Unit:           r.Unit,
		Model:          r.Model,
		ModelURL:       r.ModelURL,
		Position:       r.Position,
		ElapsedTime:    r.ElapsedSeconds(),
		PromptTokenLen: r.PromptTokens,
		DecodeTokenLen: r.CompletionTokens,
		Prompt:         r.Prompt,
	}
	if r.Failed() {
		out.StartTime = Sentinel
		out.EndTime = Sentinel
		out.Error = r.Error
		out.ErrorKind = r.Kind.String()
	} else {
		out.StartTime = r.Start.Format(time.RFC3339Nano)
		out.EndTime = r.End.Format(time.RFC3339Nano)
		out.Response = r.Response
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
