// Package telemetry polls GPU statistics from per-host agents while a
// benchmark runs and serves them from the agent side.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GPUStat is one device as reported by GET /gpu_info. Memory is in MiB.
type GPUStat struct {
	ID                int     `json:"gpu_id"`
	Name              string  `json:"name"`
	Utilization       float64 `json:"gpu_utilization"`
	MemoryUtilization float64 `json:"memory_utilization"`
	MemoryUsed        float64 `json:"memory_used"`
	MemoryTotal       float64 `json:"memory_total"`
}

// Client fetches GPU statistics from agents.
type Client struct {
	httpClient *http.Client
	token      string
}

// NewClient creates a client. token is sent as a bearer token when set.
func NewClient(token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		token:      token,
	}
}

// Fetch reads {baseURL}/gpu_info.
func (c *Client) Fetch(ctx context.Context, baseURL string) ([]GPUStat, error) {
	url := strings.TrimRight(baseURL, "/") + "/gpu_info"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting gpu info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("received status code %d for %s: %s", resp.StatusCode, url, strings.TrimSpace(string(body)))
	}

	var stats []GPUStat
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decoding gpu info: %w", err)
	}
	return stats, nil
}
