package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/noc-turne/LLM-Light-Testing/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
}

// NewMCPServer creates an MCP server exposing the run history.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"lighttest",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("lighttest: history of LLM endpoint benchmark runs and generated conversation trees."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_runs",
			mcp.WithDescription("List recent benchmark and conversation-tree runs, newest first."),
			mcp.WithString("kind", mcp.Description("Filter by run kind: bench or tree")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
		),
		mcpListRuns(deps),
	)

	s.AddTool(
		mcp.NewTool("get_run_summary",
			mcp.WithDescription("Per-model token, failure and latency totals for one benchmark run."),
			mcp.WithString("run_id", mcp.Description("Run ID"), mcp.Required()),
		),
		mcpRunSummary(deps),
	)

	s.AddTool(
		mcp.NewTool("get_unit_records",
			mcp.WithDescription("Dispatch records of one benchmark run, optionally for a single prompt unit."),
			mcp.WithString("run_id", mcp.Description("Run ID"), mcp.Required()),
			mcp.WithString("unit", mcp.Description("Prompt unit file name")),
		),
		mcpUnitRecords(deps),
	)

	s.AddTool(
		mcp.NewTool("list_tree_artifacts",
			mcp.WithDescription("Conversation files saved by one tree run."),
			mcp.WithString("run_id", mcp.Description("Run ID"), mcp.Required()),
		),
		mcpTreeArtifacts(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"runs://recent",
			"Recent Runs",
			mcp.WithResourceDescription("Last 10 runs with status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

type runSummary struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	ConfigPath string `json:"config_path,omitempty"`
	SavePath   string `json:"save_path,omitempty"`
	Units      int    `json:"units"`
	Endpoints  int    `json:"endpoints"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

func toRunSummary(r storage.Run) runSummary {
	out := runSummary{
		ID:         r.ID,
		Kind:       r.Kind,
		Status:     r.Status,
		ConfigPath: r.ConfigPath,
		SavePath:   r.SavePath,
		Units:      r.Units,
		Endpoints:  r.Endpoints,
		StartedAt:  r.StartedAt.Format(time.RFC3339),
		LastError:  r.LastError,
	}
	if !r.FinishedAt.IsZero() {
		out.FinishedAt = r.FinishedAt.Format(time.RFC3339)
	}
	return out
}

func mcpListRuns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kind := req.GetString("kind", "")
		if kind != "" && kind != storage.KindBench && kind != storage.KindTree {
			return mcpError(fmt.Sprintf("unknown kind %q: use bench or tree", kind)), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		runs, err := deps.Store.ListRuns(kind, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list runs: %v", err)), nil
		}

		results := make([]runSummary, len(runs))
		for i, r := range runs {
			results[i] = toRunSummary(r)
		}
		return mcpJSON(results)
	}
}

func mcpRunSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}

		sum, err := deps.Store.Summarize(runID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("run %s not found", runID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to summarize run: %v", err)), nil
		}

		type modelTotals struct {
			Model            string  `json:"model"`
			Records          int     `json:"records"`
			Failures         int     `json:"failures"`
			PromptTokens     int     `json:"prompt_tokens"`
			CompletionTokens int     `json:"completion_tokens"`
			ElapsedSeconds   float64 `json:"elapsed_seconds"`
		}
		out := struct {
			Run    runSummary    `json:"run"`
			Models []modelTotals `json:"models"`
		}{Run: toRunSummary(sum.Run), Models: make([]modelTotals, len(sum.Models))}
		for i, m := range sum.Models {
			out.Models[i] = modelTotals(m)
		}
		return mcpJSON(out)
	}
}

func mcpUnitRecords(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}
		unit := req.GetString("unit", "")

		if _, err := deps.Store.GetRun(runID); errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("run %s not found", runID)), nil
		}
		recs, err := deps.Store.ListDispatchRecords(runID, unit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list records: %v", err)), nil
		}
		if len(recs) == 0 {
			return mcpText("[]"), nil
		}

		results := make([]json.RawMessage, len(recs))
		for i, d := range recs {
			b, err := d.Record().MarshalJSON()
			if err != nil {
				return mcpError(fmt.Sprintf("failed to marshal record: %v", err)), nil
			}
			results[i] = b
		}
		return mcpJSON(results)
	}
}

func mcpTreeArtifacts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}

		artifacts, err := deps.Store.ListTreeArtifacts(runID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list artifacts: %v", err)), nil
		}

		type artifact struct {
			Path   string   `json:"path"`
			Topics []string `json:"topics"`
			Turns  int      `json:"turns"`
		}
		results := make([]artifact, len(artifacts))
		for i, a := range artifacts {
			results[i] = artifact{Path: a.Path, Topics: a.TopicPath, Turns: a.Turns}
		}
		return mcpJSON(results)
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Store.ListRuns("", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}

		summaries := make([]runSummary, len(runs))
		for i, r := range runs {
			s := toRunSummary(r)
			if utf8.RuneCountInString(s.LastError) > 200 {
				s.LastError = string([]rune(s.LastError)[:200]) + "..."
			}
			summaries[i] = s
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
