package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/noc-turne/LLM-Light-Testing/internal/metrics"
	"github.com/noc-turne/LLM-Light-Testing/internal/telemetry"
)

type mockGPUReader struct {
	fn func(ctx context.Context) ([]telemetry.GPUStat, error)
}

func (m mockGPUReader) Read(ctx context.Context) ([]telemetry.GPUStat, error) {
	return m.fn(ctx)
}

func staticGPUs(stats ...telemetry.GPUStat) mockGPUReader {
	return mockGPUReader{fn: func(context.Context) ([]telemetry.GPUStat, error) { return stats, nil }}
}

func serve(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	h := NewAgentHandler(AgentDeps{GPUs: staticGPUs(), Token: "secret"})

	rr := serve(h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestGPUInfo(t *testing.T) {
	h := NewAgentHandler(AgentDeps{GPUs: staticGPUs(
		telemetry.GPUStat{ID: 0, Name: "NVIDIA A100", Utilization: 87, MemoryUtilization: 40, MemoryUsed: 30000, MemoryTotal: 81920},
		telemetry.GPUStat{ID: 1, Name: "NVIDIA A100", MemoryTotal: 81920},
	)})

	rr := serve(h, http.MethodGet, "/gpu_info", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got []map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d gpus", len(got))
	}
	for _, key := range []string{"gpu_id", "name", "gpu_utilization", "memory_utilization", "memory_used", "memory_total"} {
		if _, ok := got[0][key]; !ok {
			t.Errorf("missing key %q in %v", key, got[0])
		}
	}
	if got[0]["gpu_utilization"] != float64(87) || got[1]["gpu_id"] != float64(1) {
		t.Errorf("gpus = %v", got)
	}
}

func TestGPUInfo_NoGPUs(t *testing.T) {
	h := NewAgentHandler(AgentDeps{GPUs: staticGPUs()})
	rr := serve(h, http.MethodGet, "/gpu_info", "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("status = %d, body = %q", rr.Code, rr.Body.String())
	}
}

func TestGPUInfo_ReadError(t *testing.T) {
	h := NewAgentHandler(AgentDeps{GPUs: mockGPUReader{fn: func(context.Context) ([]telemetry.GPUStat, error) {
		return nil, errors.New("nvidia-smi: not found")
	}}})

	rr := serve(h, http.MethodGet, "/gpu_info", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if body.Error.Type != "gpu_error" || !strings.Contains(body.Error.Message, "nvidia-smi") {
		t.Errorf("body = %+v", body)
	}
}

func TestBearerAuth(t *testing.T) {
	h := NewAgentHandler(AgentDeps{GPUs: staticGPUs(), Token: "secret"})

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, http.MethodGet, "/gpu_info", tt.token)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
			if rr.Code == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestBearerAuth_SchemeCaseInsensitive(t *testing.T) {
	h := NewAgentHandler(AgentDeps{GPUs: staticGPUs(), Token: "secret"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/gpu_info", nil)
	req.Header.Set("Authorization", "bearer secret")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	c := metrics.New()
	h := NewAgentHandler(AgentDeps{
		GPUs:    staticGPUs(telemetry.GPUStat{ID: 0, Utilization: 55, MemoryUsed: 100, MemoryTotal: 200}),
		Metrics: c,
		Host:    "gpu-box",
	})

	serve(h, http.MethodGet, "/gpu_info", "")
	serve(h, http.MethodGet, "/gpu_info", "")
	serve(h, http.MethodGet, "/missing", "")

	rr := serve(h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `lighttest_gpu_utilization_percent{endpoint="gpu-box",gpu="0"} 55`) {
		t.Errorf("gpu gauge missing from:\n%s", body)
	}
	if !strings.Contains(body, `path="/gpu_info"`) {
		t.Errorf("request counter missing from:\n%s", body)
	}

	if n, err := testutil.GatherAndCount(c.Registry(), "lighttest_http_requests_total"); err != nil || n < 2 {
		t.Errorf("http request series = %d, want at least 2", n)
	}
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	h := NewAgentHandler(AgentDeps{GPUs: staticGPUs()})
	if rr := serve(h, http.MethodGet, "/metrics", ""); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}
