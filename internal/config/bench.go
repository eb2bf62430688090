package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/noc-turne/LLM-Light-Testing/internal/proxy"
)

// Unit modes for a benchmark run.
const (
	ModeText = "text"
	ModeVLM  = "vlm"
)

const defaultGPUInterval = 3 * time.Second

// Endpoint is one model-serving target.
type Endpoint struct {
	Name        string  `yaml:"name" json:"name"`
	URL         string  `yaml:"url" json:"url"`
	APIKey      string  `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	GPUURL      string  `yaml:"gpu_url,omitempty" json:"gpu_url,omitempty"`
	GPUInterval float64 `yaml:"gpu_interval,omitempty" json:"gpu_interval,omitempty"`
	RateLimit   float64 `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

// Key returns the bearer token, defaulting to the shared sentinel.
func (e Endpoint) Key() string {
	if e.APIKey == "" {
		return proxy.DefaultAPIKey
	}
	return e.APIKey
}

// PollInterval returns the GPU poll interval.
func (e Endpoint) PollInterval() time.Duration {
	if e.GPUInterval <= 0 {
		return defaultGPUInterval
	}
	return time.Duration(e.GPUInterval * float64(time.Second))
}

// FileStem is the last path element of the model name, used in artifact
// file names ("org/model/" becomes "model").
func (e Endpoint) FileStem() string {
	trimmed := strings.TrimRight(e.Name, "/")
	if trimmed == "" {
		return "model"
	}
	return path.Base(trimmed)
}

// Reports selects which summary tables are written after a run.
type Reports struct {
	FileSummary   bool `yaml:"file_summary" json:"file_summary"`
	ModelSummary  bool `yaml:"model_summary" json:"model_summary"`
	ResponseTable bool `yaml:"response_table" json:"response_table"`
}

// BenchConfig describes one benchmark run.
type BenchConfig struct {
	LoadPath       string         `yaml:"load_path" json:"load_path"`
	LoadImagesPath string         `yaml:"load_images_path,omitempty" json:"load_images_path,omitempty"`
	LoadPromptPath string         `yaml:"load_prompt_path,omitempty" json:"load_prompt_path,omitempty"`
	Mode           string         `yaml:"mode" json:"mode"`
	SavePath       string         `yaml:"save_path" json:"save_path"`
	SaveResponse   bool           `yaml:"save_response" json:"save_response"`
	ModelConfig    map[string]any `yaml:"model_config,omitempty" json:"model_config,omitempty"`
	Models         []Endpoint     `yaml:"models" json:"models"`
	Reports        Reports        `yaml:"reports" json:"reports"`
	MonitorGPU     bool           `yaml:"monitor_gpu" json:"monitor_gpu"`
}

func benchDefaults() BenchConfig {
	return BenchConfig{
		Mode:         ModeText,
		SaveResponse: true,
		Reports: Reports{
			FileSummary:   true,
			ModelSummary:  true,
			ResponseTable: true,
		},
		MonitorGPU: true,
	}
}

// LoadBench reads a YAML or JSON benchmark file. The result is not validated.
func LoadBench(file string) (BenchConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return BenchConfig{}, fmt.Errorf("reading bench config: %w", err)
	}
	return ParseBench(data)
}

// ParseBench decodes a benchmark definition on top of the defaults.
func ParseBench(data []byte) (BenchConfig, error) {
	cfg := benchDefaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return BenchConfig{}, fmt.Errorf("parsing bench config: %w", err)
	}
	if cfg.LoadPath == "" && cfg.LoadImagesPath != "" {
		cfg.LoadPath = cfg.LoadImagesPath
	}
	cfg.Mode = strings.ToLower(cfg.Mode)
	return cfg, nil
}

// Validate reports every problem with the run definition. It must pass
// before any request is sent.
func (c BenchConfig) Validate() error {
	var errs []error
	if c.LoadPath == "" {
		errs = append(errs, errors.New("load_path is required"))
	}
	if c.SavePath == "" {
		errs = append(errs, errors.New("save_path is required"))
	}
	switch c.Mode {
	case ModeText:
	case ModeVLM:
		if c.LoadPromptPath == "" {
			errs = append(errs, errors.New("load_prompt_path is required in vlm mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeText, ModeVLM, c.Mode))
	}
	if len(c.Models) == 0 {
		errs = append(errs, errors.New("at least one model is required"))
	}
	for i, m := range c.Models {
		if err := m.validate(); err != nil {
			errs = append(errs, fmt.Errorf("models[%d]: %w", i, err))
		}
	}
	if err := proxy.ValidateParams(c.ModelConfig); err != nil {
		errs = append(errs, fmt.Errorf("model_config: %w", err))
	}
	return errors.Join(errs...)
}

func (e Endpoint) validate() error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if err := validateURL(e.URL); err != nil {
		errs = append(errs, fmt.Errorf("url: %w", err))
	}
	if e.GPUURL != "" {
		if err := validateURL(e.GPUURL); err != nil {
			errs = append(errs, fmt.Errorf("gpu_url: %w", err))
		}
	}
	if e.GPUInterval < 0 {
		errs = append(errs, fmt.Errorf("gpu_interval must be >= 0, got %g", e.GPUInterval))
	}
	if e.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must be >= 0, got %g", e.RateLimit))
	}
	return errors.Join(errs...)
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is missing")
	}
	return nil
}
