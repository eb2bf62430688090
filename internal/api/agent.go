// Package api serves the GPU agent over HTTP and run history over MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/noc-turne/LLM-Light-Testing/internal/metrics"
	"github.com/noc-turne/LLM-Light-Testing/internal/telemetry"
)

// GPUReader reads the GPUs attached to this host.
type GPUReader interface {
	Read(ctx context.Context) ([]telemetry.GPUStat, error)
}

type AgentDeps struct {
	GPUs    GPUReader
	Metrics *metrics.Collector // optional; nil disables /metrics
	Token   string             // optional bearer token for /gpu_info and /metrics
	Host    string             // endpoint label on GPU gauges
}

// NewAgentHandler returns the GPU agent's router. /health is always open.
func NewAgentHandler(deps AgentDeps) http.Handler {
	r := chi.NewRouter()
	if deps.Metrics != nil {
		r.Use(observe(deps.Metrics))
	}

	r.Get("/health", handleHealth)
	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/gpu_info", handleGPUInfo(deps))
		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleGPUInfo(deps AgentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.GPUs.Read(r.Context())
		if err != nil {
			slog.Error("reading gpu info", "error", err)
			httpError(w, http.StatusInternalServerError, "gpu_error", "failed to read gpu info: %v", err)
			return
		}
		if stats == nil {
			stats = []telemetry.GPUStat{}
		}
		if deps.Metrics != nil {
			deps.Metrics.RecordGPUSample(r.Context(), deps.Host, time.Now(), stats)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

// observe records every request against its route pattern.
func observe(c *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			path := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				path = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			c.ObserveHTTP(r.Method, path, status, time.Since(start))
		})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
