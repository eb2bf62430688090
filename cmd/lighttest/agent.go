package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/noc-turne/LLM-Light-Testing/internal/api"
	"github.com/noc-turne/LLM-Light-Testing/internal/metrics"
	"github.com/noc-turne/LLM-Light-Testing/internal/telemetry"
)

var gpuAgentCmd = &cobra.Command{
	Use:   "gpu-agent",
	Short: "Serve this host's GPU statistics at /gpu_info",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		port, _ := cmd.Flags().GetInt("port")
		return runAgent(addr, port)
	},
}

func init() {
	gpuAgentCmd.Flags().String("addr", "0.0.0.0", "listen address")
	gpuAgentCmd.Flags().Int("port", 0, "listen port (default: agent.port)")
}

func runAgent(host string, port int) error {
	cfg, cleanup, err := loadSettings()
	if err != nil {
		return err
	}
	defer cleanup()

	if port == 0 {
		port = cfg.Agent.Port
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	ctx, stop := signalContext()
	defer stop()

	handler := api.NewAgentHandler(api.AgentDeps{
		GPUs:    telemetry.NewSMIReader(),
		Metrics: metrics.New(),
		Token:   cfg.Agent.Token,
		Host:    hostname,
	})

	addr := net.JoinHostPort(host, fmt.Sprint(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		printSuccess("GPU agent listening on %s", addr)
		if cfg.Agent.Token != "" {
			printStatus("Auth", "bearer token required for /gpu_info and /metrics")
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		printStep("shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

var gpuCmd = &cobra.Command{
	Use:   "gpu",
	Short: "Query GPU agents",
}

var gpuShowCmd = &cobra.Command{
	Use:   "show <agent-url>",
	Short: "Print one GPU sample from an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := loadSettings()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		stats, err := telemetry.NewClient(cfg.Agent.Token).Fetch(ctx, args[0])
		if err != nil {
			return err
		}
		return telemetry.WriteRecord(cmd.OutOrStdout(), time.Now(), stats)
	},
}

func init() {
	gpuCmd.AddCommand(gpuShowCmd)
}
