package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Settings, v any)
	extract func(cfg Settings) any
}

var specs = []keySpec{
	{
		key: "log.level", typ: kString, env: "LIGHTTEST_LOG_LEVEL",
		apply:   func(cfg *Settings, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Settings) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "LIGHTTEST_LOG_FILE",
		apply:   func(cfg *Settings, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Settings) any { return cfg.Log.File },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LIGHTTEST_STORAGE_DATA_DIR",
		apply:   func(cfg *Settings, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Settings) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.enabled", typ: kBool, env: "LIGHTTEST_STORAGE_ENABLED",
		apply:   func(cfg *Settings, v any) { cfg.Storage.Enabled = v.(bool) },
		extract: func(cfg Settings) any { return cfg.Storage.Enabled },
	},
	{
		key: "bench.request_timeout", typ: kString, env: "LIGHTTEST_BENCH_REQUEST_TIMEOUT",
		apply:   func(cfg *Settings, v any) { cfg.Bench.RequestTimeout = v.(string) },
		extract: func(cfg Settings) any { return cfg.Bench.RequestTimeout },
	},
	{
		key: "bench.max_concurrent_units", typ: kInt, env: "LIGHTTEST_BENCH_MAX_CONCURRENT_UNITS",
		apply:   func(cfg *Settings, v any) { cfg.Bench.MaxConcurrentUnits = v.(int) },
		extract: func(cfg Settings) any { return cfg.Bench.MaxConcurrentUnits },
	},
	{
		key: "metrics.textfile", typ: kString, env: "LIGHTTEST_METRICS_TEXTFILE",
		apply:   func(cfg *Settings, v any) { cfg.Metrics.Textfile = v.(string) },
		extract: func(cfg Settings) any { return cfg.Metrics.Textfile },
	},
	{
		key: "agent.port", typ: kInt, env: "LIGHTTEST_AGENT_PORT",
		apply:   func(cfg *Settings, v any) { cfg.Agent.Port = v.(int) },
		extract: func(cfg Settings) any { return cfg.Agent.Port },
	},
	{
		key: "agent.token", typ: kString, env: "LIGHTTEST_AGENT_TOKEN",
		secret:  true,
		apply:   func(cfg *Settings, v any) { cfg.Agent.Token = v.(string) },
		extract: func(cfg Settings) any { return cfg.Agent.Token },
	},
}

func applyBackend(cfg *Settings, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Settings) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
