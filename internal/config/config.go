package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Settings holds process-wide options shared by every command. Run
// definitions live in BenchConfig and TreeConfig.
type Settings struct {
	Log     LogConfig
	Storage StorageConfig
	Bench   BenchSettings
	Metrics MetricsConfig
	Agent   AgentConfig
}

type LogConfig struct {
	Level string
	File  string
}

type StorageConfig struct {
	DataDir string
	Enabled bool
}

type BenchSettings struct {
	RequestTimeout     string
	MaxConcurrentUnits int
}

type MetricsConfig struct {
	Textfile string
}

type AgentConfig struct {
	Port  int
	Token string
}

const defaultRequestTimeout = 3000 * time.Second

// TimestampLayout is the compact local timestamp used in artifact file
// names and GPU log headers.
const TimestampLayout = "20060102_150405"

// Timeout parses RequestTimeout, falling back to the default on empty or
// invalid input.
func (b BenchSettings) Timeout() time.Duration {
	if b.RequestTimeout == "" {
		return defaultRequestTimeout
	}
	d, err := time.ParseDuration(b.RequestTimeout)
	if err != nil || d <= 0 {
		fmt.Fprintf(os.Stderr, "[WARN] invalid bench.request_timeout %q. Using default value.\n", b.RequestTimeout)
		return defaultRequestTimeout
	}
	return d
}

func defaults() Settings {
	return Settings{
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Enabled: true,
		},
		Bench: BenchSettings{
			RequestTimeout: defaultRequestTimeout.String(),
		},
		Agent: AgentConfig{
			Port: 5000,
		},
	}
}

// Load reads settings from the YAML file at
// $XDG_CONFIG_HOME/lighttest/config.yaml and applies LIGHTTEST_*
// environment overrides on top.
func Load() (Settings, error) {
	return loadWith(newPlatformBackend())
}

func loadFromPath(path string) (Settings, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Settings, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Settings{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Agent.Port <= 0 || cfg.Agent.Port > 65535 {
		return Settings{}, fmt.Errorf("agent.port %d is out of range", cfg.Agent.Port)
	}
	if cfg.Bench.MaxConcurrentUnits < 0 {
		return Settings{}, fmt.Errorf("bench.max_concurrent_units must be >= 0, got %d", cfg.Bench.MaxConcurrentUnits)
	}

	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "lighttest-data"
		}
	}
	return filepath.Join(dir, "lighttest")
}
