package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/noc-turne/LLM-Light-Testing/internal/config"
	"github.com/noc-turne/LLM-Light-Testing/internal/storage"
	"github.com/noc-turne/LLM-Light-Testing/internal/tree"
)

var treeCmd = &cobra.Command{
	Use:   "tree <config>",
	Short: "Generate branching multi-turn conversations from a background dialogue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTree(args[0], cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func runTree(path string, in io.Reader, out io.Writer) error {
	settings, cleanup, err := loadSettings()
	if err != nil {
		return err
	}
	defer cleanup()

	cfg, err := config.LoadTree(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid tree config:\n%w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer closeStore(store)

	opts := []tree.Option{tree.WithLogger(slog.Default())}
	var recorder *storage.Recorder
	if store != nil {
		recorder, err = store.StartRun(storage.Run{
			Kind:       storage.KindTree,
			ConfigPath: path,
			SavePath:   cfg.SavePath,
			Units:      len(cfg.Topics),
		})
		if err != nil {
			return err
		}
		opts = append(opts, tree.WithArtifactSink(recorder))
		printStatus("Run", "%s", recorder.RunID())
	}

	b, err := tree.FromConfig(cfg, in, out, opts...)
	if err == nil {
		printStep("Expanding %d topics to depth %d with %d extension rounds (%s answers, %s asks)",
			len(cfg.Topics), cfg.ExpandDepth, cfg.ExtendRounds, cfg.Responder, cfg.UserSource)
		var paths []string
		paths, err = b.Run(ctx)
		if err == nil {
			printSuccess("Saved %d conversations to %s", len(paths), cfg.SavePath)
		}
	}

	if recorder != nil {
		if ferr := recorder.Finish(err); ferr != nil {
			printWarning("closing run record: %v", ferr)
		}
	}
	if err != nil {
		return fmt.Errorf("generating conversation tree: %w", err)
	}
	return nil
}
