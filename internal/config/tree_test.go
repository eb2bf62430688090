package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadTree_ResolvesFiles(t *testing.T) {
	dir := t.TempDir()
	topics := filepath.Join(dir, "topics.json")
	presets := filepath.Join(dir, "presets.json")
	if err := os.WriteFile(topics, []byte(`["问询提问", "敷衍"]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(presets, []byte(`{"问询提问": "请你帮我规划一下去韩国的旅游计划。", "敷衍": "哈哈哈"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(dir, "tree.yaml")
	content := `
background_name: campus
topic_chosen_file: ` + topics + `
preset_user_prompt_file: ` + presets + `
save_path: ` + filepath.Join(dir, "out") + `
user_prompt_generator_type: Preset
ai_response_model: QWEN
responders:
  qwen:
    url: http://qwen:11001
    model: qwen-test
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadTree(cfgPath)
	if err != nil {
		t.Fatalf("LoadTree: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if len(cfg.Topics) != 2 || cfg.Topics[0] != "问询提问" {
		t.Errorf("Topics = %v", cfg.Topics)
	}
	if cfg.UserSource != UserSourcePreset || cfg.Responder != ResponderQwen {
		t.Errorf("source=%q responder=%q", cfg.UserSource, cfg.Responder)
	}
	if got := cfg.Responders[ResponderQwen].Model; got != "qwen-test" {
		t.Errorf("qwen model = %q", got)
	}
	if _, ok := cfg.Responders[ResponderLlama]; !ok {
		t.Error("default llama responder dropped by merge")
	}
	if cfg.ExpandDepth != 2 || cfg.ExtendRounds != 6 || cfg.Workers != 10 {
		t.Errorf("defaults lost: %d %d %d", cfg.ExpandDepth, cfg.ExtendRounds, cfg.Workers)
	}
	if s, ok := cfg.PresetFor("敷衍"); !ok || s != "哈哈哈" {
		t.Errorf("PresetFor = %q %v", s, ok)
	}
}

func TestTreeValidate_Errors(t *testing.T) {
	cfg, err := ParseTree([]byte(`
topics: [A, A, ""]
expand_depth: 0
workers: 0
user_prompt_generator_type: preset
ai_response_model: gpt
prompts:
  user: no placeholder
`))
	if err != nil {
		t.Fatalf("ParseTree: %v", err)
	}

	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"background_name is required",
		"save_path is required",
		`duplicate topic "A"`,
		"topics must not be empty",
		"expand_depth must be >= 1",
		"workers must be >= 1",
		`preset prompt missing for topic "A"`,
		"ai_response_model must be one of",
		"prompts.user must contain {topic}",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestTreeValidate_CleanS2SNeedsNoModel(t *testing.T) {
	cfg, err := ParseTree([]byte(`
background_name: bg
topics: [A]
save_path: out
ai_response_model: cleans2s
responders:
  cleans2s:
    url: http://s2s:11000
`))
	if err != nil {
		t.Fatalf("ParseTree: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestTreeValidate_TopicSeparators(t *testing.T) {
	for _, topics := range [][]string{{"x_y", "z"}, {"a/b"}, {`a\b`}} {
		cfg := TreeConfig{
			BackgroundName: "bg",
			SavePath:       "out",
			Topics:         topics,
			ExpandDepth:    1,
			Workers:        1,
			UserSource:     UserSourcePreset,
			PresetFallback: true,
			Responder:      ResponderCleanS2S,
			Responders:     map[string]ModelEndpoint{ResponderCleanS2S: {URL: "http://s2s:11000"}},
		}
		cfg.Prompts.User = "{topic}"
		cfg.Prompts.Assistant = "{topic}"

		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "must not contain") {
			t.Errorf("topics %q: err = %v, want separator error", topics, err)
		}
	}
}

func TestPresetFallback(t *testing.T) {
	cfg := treeDefaults()
	cfg.PresetFallback = true
	if s, ok := cfg.PresetFor("missing"); !ok || s != DefaultPresetReply {
		t.Errorf("PresetFor = %q %v", s, ok)
	}
	cfg.PresetFallback = false
	if _, ok := cfg.PresetFor("missing"); ok {
		t.Error("expected no preset without fallback")
	}
}
