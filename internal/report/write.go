package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/noc-turne/LLM-Light-Testing/internal/bench"
	"github.com/noc-turne/LLM-Light-Testing/internal/config"
)

// Writer writes report files into one directory. Every file name carries
// the timestamp the writer was created with.
type Writer struct {
	dir  string
	ts   string
	mode string
}

// NewWriter creates a writer for dir. mode selects the response table
// header (image_name in vlm mode, test otherwise).
func NewWriter(dir, mode string, now time.Time) *Writer {
	return &Writer{dir: dir, ts: now.Format(config.TimestampLayout), mode: mode}
}

// WriteAll writes the reports enabled in sel and returns their paths.
func (w *Writer) WriteAll(eval *bench.EvaluationMap, sel config.Reports) ([]string, error) {
	var paths []string
	if sel.ModelSummary {
		p, err := w.WriteModelSummary(ModelSummary(eval))
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	if sel.FileSummary {
		p, err := w.WriteFileSummary(FileSummary(eval))
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	if sel.ResponseTable {
		ps, err := w.WriteResponseTables(eval)
		paths = append(paths, ps...)
		if err != nil {
			return paths, err
		}
	}
	return paths, nil
}

func (w *Writer) WriteModelSummary(rows []ModelRow) (string, error) {
	records := make([][]string, len(rows))
	for i, r := range rows {
		records[i] = r.cells()
	}
	return w.writeCSV(filepath.Join(w.dir, "model_summary_table_"+w.ts+".csv"), modelHeader, records)
}

func (w *Writer) WriteFileSummary(rows []FileRow) (string, error) {
	records := make([][]string, len(rows))
	for i, r := range rows {
		records[i] = r.cells()
	}
	return w.writeCSV(filepath.Join(w.dir, "file_summary_table_"+w.ts+".csv"), fileHeader, records)
}

// WriteResponseTables writes one CSV per model with each unit's response.
// Failed attempts show their error.
func (w *Writer) WriteResponseTables(eval *bench.EvaluationMap) ([]string, error) {
	key := "test"
	if w.mode == config.ModeVLM {
		key = "image_name"
	}

	var order []string
	byModel := make(map[string][][]string)
	for _, unit := range eval.Units() {
		recs, _ := eval.Get(unit)
		for _, rec := range recs {
			if _, ok := byModel[rec.Model]; !ok {
				order = append(order, rec.Model)
			}
			text := rec.ResponseText()
			if rec.Failed() {
				text = "ERROR: " + rec.Error
			}
			byModel[rec.Model] = append(byModel[rec.Model], []string{unit, text})
		}
	}

	var paths []string
	for _, model := range order {
		name := modelDir(model)
		dir := filepath.Join(w.dir, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, fmt.Errorf("creating response table directory: %w", err)
		}
		p, err := w.writeCSV(filepath.Join(dir, fmt.Sprintf("response_table_%s_%s.csv", name, w.ts)),
			[]string{key, "response"}, byModel[model])
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// modelDir flattens a model name into one path element.
func modelDir(model string) string {
	name := strings.Trim(model, "/")
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	if name == "" || name == "." || name == ".." {
		return "model"
	}
	return name
}

func (w *Writer) writeCSV(path string, header []string, records [][]string) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		return "", fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := cw.WriteAll(records); err != nil {
		return "", fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	return path, nil
}

// RenderModelSummary prints rows as a console table.
func RenderModelSummary(out io.Writer, rows []ModelRow) {
	table := tablewriter.NewWriter(out)
	table.SetHeader(modelHeader)
	table.SetAutoFormatHeaders(false)
	for _, r := range rows {
		table.Append(r.cells())
	}
	table.Render()
}

// RenderFileSummary prints rows as a console table.
func RenderFileSummary(out io.Writer, rows []FileRow) {
	table := tablewriter.NewWriter(out)
	table.SetHeader(fileHeader)
	table.SetAutoFormatHeaders(false)
	table.SetAutoMergeCells(false)
	for _, r := range rows {
		table.Append(r.cells())
	}
	table.Render()
}
