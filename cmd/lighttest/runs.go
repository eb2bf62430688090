package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/noc-turne/LLM-Light-Testing/internal/api"
	"github.com/noc-turne/LLM-Light-Testing/internal/config"
	"github.com/noc-turne/LLM-Light-Testing/internal/report"
	"github.com/noc-turne/LLM-Light-Testing/internal/storage"
)

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, cleanup, err := loadSettings()
		if err != nil {
			return err
		}
		defer cleanup()
		store, err := requireStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore(store)

		runs, err := store.ListRuns(kind, limit)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(out, "No runs found.")
			return nil
		}
		for _, r := range runs {
			fmt.Fprintf(out, "%s  %-5s  %-9s  %s  %s\n",
				colorize(colorCyan, r.ID),
				r.Kind,
				r.Status,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.SavePath,
			)
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show per-model totals for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := loadSettings()
		if err != nil {
			return err
		}
		defer cleanup()
		store, err := requireStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore(store)

		sum, err := store.Summarize(args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("run %s not found", args[0])
		}
		if err != nil {
			return fmt.Errorf("summarizing run: %w", err)
		}

		out := cmd.OutOrStdout()
		r := sum.Run
		fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Run"), r.ID)
		fmt.Fprintf(out, "  Kind:     %s\n", r.Kind)
		fmt.Fprintf(out, "  Status:   %s\n", r.Status)
		fmt.Fprintf(out, "  Config:   %s\n", r.ConfigPath)
		fmt.Fprintf(out, "  Output:   %s\n", r.SavePath)
		fmt.Fprintf(out, "  Started:  %s\n", r.StartedAt.Local().Format(time.RFC3339))
		if !r.FinishedAt.IsZero() {
			fmt.Fprintf(out, "  Duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
		}
		if r.LastError != "" {
			fmt.Fprintf(out, "  Error:    %s\n", r.LastError)
		}

		if r.Kind == storage.KindTree {
			artifacts, err := store.ListTreeArtifacts(r.ID)
			if err != nil {
				return fmt.Errorf("listing artifacts: %w", err)
			}
			fmt.Fprintf(out, "  Saved:    %d conversations\n", len(artifacts))
			return nil
		}
		if len(sum.Models) == 0 {
			return nil
		}

		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"Model", "Records", "Failures", "Prompt Tokens", "Decode Tokens", "Elapsed (s)"})
		table.SetAutoFormatHeaders(false)
		for _, m := range sum.Models {
			table.Append([]string{
				m.Model,
				strconv.Itoa(m.Records),
				strconv.Itoa(m.Failures),
				strconv.Itoa(m.PromptTokens),
				strconv.Itoa(m.CompletionTokens),
				strconv.FormatFloat(m.ElapsedSeconds, 'f', 3, 64),
			})
		}
		table.Render()
		return nil
	},
}

var runsReportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Rebuild the report tables of a stored benchmark run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outDir, _ := cmd.Flags().GetString("out")
		mode, _ := cmd.Flags().GetString("mode")

		cfg, cleanup, err := loadSettings()
		if err != nil {
			return err
		}
		defer cleanup()
		store, err := requireStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore(store)

		run, err := store.GetRun(args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("run %s not found", args[0])
		}
		if err != nil {
			return err
		}
		if run.Kind != storage.KindBench {
			return fmt.Errorf("run %s is a %s run and has no reports", run.ID, run.Kind)
		}
		if outDir == "" {
			outDir = run.SavePath
		}
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}

		eval, err := store.Evaluation(run.ID)
		if err != nil {
			return fmt.Errorf("loading records: %w", err)
		}
		all := config.Reports{FileSummary: true, ModelSummary: true, ResponseTable: true}
		paths, err := report.NewWriter(outDir, mode, time.Now()).WriteAll(eval, all)
		for _, p := range paths {
			printStatus("Report", "%s", p)
		}
		if err != nil {
			return fmt.Errorf("writing reports: %w", err)
		}
		report.RenderModelSummary(cmd.OutOrStdout(), report.ModelSummary(eval))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("kind", "", "filter by kind (bench or tree)")
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	runsReportCmd.Flags().String("out", "", "output directory (default: the run's save_path)")
	runsReportCmd.Flags().String("mode", config.ModeText, "unit mode for the response table header (text or vlm)")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsReportCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the run history to MCP clients over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := loadSettings()
		if err != nil {
			return err
		}
		defer cleanup()
		store, err := requireStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore(store)

		ctx, stop := signalContext()
		defer stop()

		stdioSrv := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{Store: store}))
		slog.Info("MCP server started (stdio transport)")
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}
