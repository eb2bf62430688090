// Package report turns an evaluation map into summary tables.
package report

import (
	"math"
	"strconv"
	"time"

	"github.com/noc-turne/LLM-Light-Testing/internal/bench"
)

// ModelRow aggregates every successful attempt of one model.
type ModelRow struct {
	Model        string
	PromptTokens int
	DecodeTokens int
	// Runtime runs from the earliest start to the latest end, in seconds.
	Runtime float64
	// DecodeSpeed is DecodeTokens/Runtime, or -1 when Runtime is not positive.
	DecodeSpeed float64
}

// FileRow is one (unit, model) attempt.
type FileRow struct {
	// Prompt is blank when the row repeats the previous row's unit.
	Prompt       string
	Model        string
	PromptTokens int
	DecodeTokens int
	Elapsed      float64
	DecodeSpeed  float64
}

// ModelSummary aggregates eval per model, in order of first appearance.
// Failed attempts are left out.
func ModelSummary(eval *bench.EvaluationMap) []ModelRow {
	type acc struct {
		row   ModelRow
		first time.Time
		last  time.Time
	}
	var order []string
	byModel := make(map[string]*acc)

	for _, unit := range eval.Units() {
		recs, _ := eval.Get(unit)
		for _, rec := range recs {
			if rec.Failed() {
				continue
			}
			a, ok := byModel[rec.Model]
			if !ok {
				a = &acc{row: ModelRow{Model: rec.Model}, first: rec.Start, last: rec.End}
				byModel[rec.Model] = a
				order = append(order, rec.Model)
			}
			if rec.Start.Before(a.first) {
				a.first = rec.Start
			}
			if rec.End.After(a.last) {
				a.last = rec.End
			}
			a.row.PromptTokens += rec.PromptTokens
			a.row.DecodeTokens += rec.CompletionTokens
		}
	}

	rows := make([]ModelRow, 0, len(order))
	for _, m := range order {
		a := byModel[m]
		a.row.Runtime = round(a.last.Sub(a.first).Seconds(), 2)
		a.row.DecodeSpeed = bench.Sentinel
		if runtime := a.last.Sub(a.first).Seconds(); runtime > 0 {
			a.row.DecodeSpeed = round(float64(a.row.DecodeTokens)/runtime, 2)
		}
		rows = append(rows, a.row)
	}
	return rows
}

// FileSummary lists every attempt, unit by unit, in endpoint order.
// Failed attempts keep their -1 sentinels.
func FileSummary(eval *bench.EvaluationMap) []FileRow {
	var rows []FileRow
	for _, unit := range eval.Units() {
		recs, _ := eval.Get(unit)
		for i, rec := range recs {
			elapsed := rec.ElapsedSeconds()
			row := FileRow{
				Model:        rec.Model,
				PromptTokens: rec.PromptTokens,
				DecodeTokens: rec.CompletionTokens,
				Elapsed:      elapsed,
				DecodeSpeed:  bench.Sentinel,
			}
			if i == 0 {
				row.Prompt = unit
			}
			if rec.CompletionTokens != bench.Sentinel && elapsed > 0 {
				row.DecodeSpeed = round(float64(rec.CompletionTokens)/elapsed, 2)
			}
			if elapsed >= 0 {
				row.Elapsed = round(elapsed, 3)
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (r ModelRow) cells() []string {
	return []string{r.Model, strconv.Itoa(r.PromptTokens), strconv.Itoa(r.DecodeTokens), num(r.Runtime), num(r.DecodeSpeed)}
}

func (r FileRow) cells() []string {
	return []string{r.Prompt, r.Model, strconv.Itoa(r.PromptTokens), strconv.Itoa(r.DecodeTokens), num(r.Elapsed), num(r.DecodeSpeed)}
}

var (
	modelHeader = []string{"Model", "Total Prompt Tokens", "Total Decode Tokens", "Total Runtime (s)", "Decode Speed (Tokens / s)"}
	fileHeader  = []string{"Prompt", "Model", "Prompt Token Length", "Decode Token Length", "Elapsed Time(s)", "Decode Speed(Token / s)"}
)
