package bench

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/noc-turne/LLM-Light-Testing/internal/config"
	"github.com/noc-turne/LLM-Light-Testing/internal/prompt"
)

// Monitor runs alongside a batch until its context is cancelled.
type Monitor interface {
	Run(ctx context.Context) error
}

// CombinedRun runs the batch with mon polling in the background. The
// monitor is stopped once every unit has finished and CombinedRun waits
// for it to exit before returning. mon may be nil.
func CombinedRun(ctx context.Context, coord *Coordinator, mon Monitor, units []string) *EvaluationMap {
	if mon == nil {
		return coord.Run(ctx, units)
	}

	monCtx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- mon.Run(monCtx) }()

	eval := coord.Run(ctx, units)

	stop()
	if err := <-done; err != nil {
		slog.Error("gpu monitor failed", "error", err)
	}
	return eval
}

// Units resolves the loader and unit list for cfg. In text mode every file
// under load_path is a prompt. In vlm mode every file is an image paired
// with the shared prompt at load_prompt_path.
func Units(cfg config.BenchConfig) (UnitLoader, []string, error) {
	units, err := prompt.ListUnits(cfg.LoadPath)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Mode {
	case config.ModeVLM:
		src, err := prompt.NewImageSource(cfg.LoadPath, cfg.LoadPromptPath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading shared prompt: %w", err)
		}
		return src, units, nil
	default:
		return prompt.FileSource{Dir: cfg.LoadPath}, units, nil
	}
}

// LogBanner writes the run configuration, including every endpoint and
// its GPU agent, at info level.
func LogBanner(logger *slog.Logger, cfg config.BenchConfig) {
	logger.Info("-------------------config information--------------------------")
	logger.Info("run", "mode", cfg.Mode, "load_path", cfg.LoadPath, "save_path", cfg.SavePath,
		"save_response", cfg.SaveResponse, "models", len(cfg.Models))
	if cfg.LoadPromptPath != "" {
		logger.Info("shared prompt", "path", cfg.LoadPromptPath)
	}
	for i, m := range cfg.Models {
		logger.Info("model", "index", i, "name", m.Name, "url", m.URL, "gpu_url", m.GPUURL, "rate_limit", m.RateLimit)
	}
	logger.Info("-------------------config information end----------------------")
}

// EnsureSaveDir creates the output directory.
func EnsureSaveDir(cfg config.BenchConfig) error {
	if err := os.MkdirAll(filepath.Clean(cfg.SavePath), 0o755); err != nil {
		return fmt.Errorf("creating save_path: %w", err)
	}
	return nil
}
