package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/noc-turne/LLM-Light-Testing/internal/bench"
	"github.com/noc-turne/LLM-Light-Testing/internal/config"
	"github.com/noc-turne/LLM-Light-Testing/internal/metrics"
	"github.com/noc-turne/LLM-Light-Testing/internal/report"
	"github.com/noc-turne/LLM-Light-Testing/internal/storage"
	"github.com/noc-turne/LLM-Light-Testing/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run <config>",
	Short: "Send every prompt unit to every configured endpoint and write reports",
	Long: `Send every prompt unit to every configured endpoint and write reports.

The config file is YAML or JSON:

  load_path: prompts/
  save_path: results/
  models:
    - name: llama-3.3-70B-instruct
      url: http://10.0.0.5:11000
      gpu_url: http://10.0.0.5:5000`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBench(args[0], cmd.OutOrStdout())
	},
}

func runBench(path string, out io.Writer) error {
	settings, cleanup, err := loadSettings()
	if err != nil {
		return err
	}
	defer cleanup()

	cfg, err := config.LoadBench(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid benchmark config:\n%w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	logger := slog.Default()
	bench.LogBanner(logger, cfg)
	if err := bench.EnsureSaveDir(cfg); err != nil {
		return err
	}
	loader, units, err := bench.Units(cfg)
	if err != nil {
		return err
	}

	collector := metrics.New()
	coordOpts := []bench.CoordinatorOption{
		bench.WithRecordSink(collector),
		bench.WithMaxConcurrentUnits(settings.Bench.MaxConcurrentUnits),
		bench.WithCoordinatorLogger(logger),
	}
	monOpts := []telemetry.MonitorOption{
		telemetry.WithSink(collector),
		telemetry.WithLogger(logger),
	}

	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer closeStore(store)

	var recorder *storage.Recorder
	if store != nil {
		recorder, err = store.StartRun(storage.Run{
			Kind:       storage.KindBench,
			ConfigPath: path,
			SavePath:   cfg.SavePath,
			Units:      len(units),
			Endpoints:  len(cfg.Models),
		})
		if err != nil {
			return err
		}
		coordOpts = append(coordOpts, bench.WithRecordSink(recorder))
		monOpts = append(monOpts, telemetry.WithSink(recorder))
		printStatus("Run", "%s", recorder.RunID())
	}

	workerOpts := []bench.WorkerOption{bench.WithWorkerLogger(logger)}
	if cfg.SaveResponse {
		workerOpts = append(workerOpts, bench.WithPersistence(cfg.SavePath))
	}
	worker := bench.NewWorker(settings.Bench.Timeout(), workerOpts...)
	coord := bench.NewCoordinator(worker, loader, cfg.Models, cfg.ModelConfig, coordOpts...)

	var mon bench.Monitor
	if cfg.MonitorGPU {
		m := telemetry.NewMonitor(telemetry.NewClient(settings.Agent.Token), cfg.SavePath, cfg.Models, monOpts...)
		for _, f := range m.Files() {
			printStatus("GPU log", "%s", f)
		}
		mon = m
	}

	printStep("Dispatching %d units to %d endpoints", len(units), len(cfg.Models))
	start := time.Now()
	eval := bench.CombinedRun(ctx, coord, mon, units)
	printSuccess("Finished %d of %d units in %s", eval.Len(), len(units), time.Since(start).Round(time.Millisecond))

	runErr := writeReports(cfg, eval, out)

	if settings.Metrics.Textfile != "" {
		if err := collector.WriteTextfile(settings.Metrics.Textfile); err != nil {
			printWarning("%v", err)
		}
	}
	if runErr == nil {
		runErr = ctx.Err()
	}
	if recorder != nil {
		if err := recorder.Finish(runErr); err != nil {
			printWarning("closing run record: %v", err)
		}
	}
	return runErr
}

func writeReports(cfg config.BenchConfig, eval *bench.EvaluationMap, out io.Writer) error {
	paths, err := report.NewWriter(cfg.SavePath, cfg.Mode, time.Now()).WriteAll(eval, cfg.Reports)
	for _, p := range paths {
		printStatus("Report", "%s", p)
	}
	if err != nil {
		return fmt.Errorf("writing reports: %w", err)
	}

	if cfg.Reports.ModelSummary {
		report.RenderModelSummary(out, report.ModelSummary(eval))
	}
	if cfg.Reports.FileSummary {
		report.RenderFileSummary(out, report.FileSummary(eval))
	}
	return nil
}
