package main

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/noc-turne/LLM-Light-Testing/internal/config"
	"github.com/noc-turne/LLM-Light-Testing/internal/proxy"
	"github.com/noc-turne/LLM-Light-Testing/internal/telemetry"
)

// --- endpoints ---

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Inspect the endpoints of a benchmark config",
}

var endpointsCheckCmd = &cobra.Command{
	Use:   "check <config>",
	Short: "Check that every endpoint and GPU agent answers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, cleanup, err := loadSettings()
		if err != nil {
			return err
		}
		defer cleanup()

		cfg, err := config.LoadBench(args[0])
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid benchmark config:\n%w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		httpClient := &http.Client{Timeout: 10 * time.Second}
		gpus := telemetry.NewClient(settings.Agent.Token)
		failed := 0
		for _, m := range cfg.Models {
			client := proxy.NewClient(m.URL, m.Key(), proxy.WithHTTPClient(httpClient))
			models, err := client.ListModels(ctx)
			switch {
			case err != nil:
				failed++
				printError("%s at %s: %v", m.Name, m.URL, err)
			case !servesModel(models, m.Name):
				printWarning("%s at %s: reachable, but the model is not listed", m.Name, m.URL)
			default:
				printSuccess("%s at %s", m.Name, m.URL)
			}

			if m.GPUURL == "" {
				continue
			}
			stats, err := gpus.Fetch(ctx, m.GPUURL)
			if err != nil {
				failed++
				printError("%s GPU agent at %s: %v", m.Name, m.GPUURL, err)
				continue
			}
			printStatus("GPUs", "%d at %s", len(stats), m.GPUURL)
		}

		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		return nil
	},
}

func servesModel(models []proxy.Model, name string) bool {
	return slices.ContainsFunc(models, func(m proxy.Model) bool { return m.ID == name })
}

func init() {
	endpointsCmd.AddCommand(endpointsCheckCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show, update or validate configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a settings value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a settings value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}

		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a benchmark or tree config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		isTree, _ := cmd.Flags().GetBool("tree")

		var err error
		if isTree {
			var cfg config.TreeConfig
			if cfg, err = config.LoadTree(args[0]); err == nil {
				err = cfg.Validate()
			}
		} else {
			var cfg config.BenchConfig
			if cfg, err = config.LoadBench(args[0]); err == nil {
				err = cfg.Validate()
			}
		}
		if err != nil {
			printError("%s is invalid", args[0])
			return err
		}

		printSuccess("%s is valid", args[0])
		return nil
	},
}

func init() {
	configValidateCmd.Flags().Bool("tree", false, "validate as a conversation-tree config")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configValidateCmd)
}
