package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// User-turn sources.
const (
	UserSourceAI          = "ai"
	UserSourcePreset      = "preset"
	UserSourceInteractive = "user"
)

// Responder strategy names.
const (
	ResponderLlama    = "llama"
	ResponderQwen     = "qwen"
	ResponderCleanS2S = "cleans2s"
)

// DefaultPresetReply is used for topics missing from the preset table when
// preset_fallback is enabled.
const DefaultPresetReply = "默认回复"

// ModelEndpoint addresses one model on an OpenAI-compatible server, or the
// speech-to-speech session service for the cleans2s responder.
type ModelEndpoint struct {
	URL    string `yaml:"url"`
	Model  string `yaml:"model,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
}

// PromptTemplates hold the role system prompts. "{topic}" is substituted.
type PromptTemplates struct {
	User      string `yaml:"user"`
	Assistant string `yaml:"assistant"`
}

// Sampling are the options sent on every tree model call.
type Sampling struct {
	Temperature       float64 `yaml:"temperature"`
	TopP              float64 `yaml:"top_p"`
	MaxTokens         int     `yaml:"max_tokens"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
}

// TreeConfig describes one conversation-tree generation run.
type TreeConfig struct {
	BackgroundName   string                   `yaml:"background_name"`
	BackgroundFile   string                   `yaml:"background_conversation_file"`
	Topics           []string                 `yaml:"topics"`
	TopicFile        string                   `yaml:"topic_chosen_file"`
	SavePath         string                   `yaml:"save_path"`
	UserSource       string                   `yaml:"user_prompt_generator_type"`
	PresetPrompts    map[string]string        `yaml:"preset_user_prompts"`
	PresetFile       string                   `yaml:"preset_user_prompt_file"`
	PresetFallback   bool                     `yaml:"preset_fallback"`
	Responder        string                   `yaml:"ai_response_model"`
	ExpandDepth      int                      `yaml:"expand_depth"`
	ExtendRounds     int                      `yaml:"extend_rounds"`
	Workers          int                      `yaml:"workers"`
	SystemTranscript bool                     `yaml:"system_transcript"`
	UserModel        ModelEndpoint            `yaml:"user_model"`
	Responders       map[string]ModelEndpoint `yaml:"responders"`
	Prompts          PromptTemplates          `yaml:"prompts"`
	Sampling         Sampling                 `yaml:"sampling"`
}

func treeDefaults() TreeConfig {
	llama := ModelEndpoint{URL: "http://localhost:11000", Model: "llama-3.3-70B-instruct"}
	return TreeConfig{
		UserSource:   UserSourceAI,
		ExpandDepth:  2,
		ExtendRounds: 6,
		Workers:      10,
		UserModel:    llama,
		Responders: map[string]ModelEndpoint{
			ResponderLlama:    llama,
			ResponderQwen:     {URL: "http://localhost:11001", Model: "Qwen25_72B_instruct"},
			ResponderCleanS2S: {URL: "http://localhost:11002"},
		},
		Prompts: PromptTemplates{
			User:      "你是用户，你的身份是一名女大学生，请你针对话题'{topic}'进行对话，你的性格活泼开朗。",
			Assistant: "你是AI，针对话题'{topic}'进行对话。",
		},
		Sampling: Sampling{
			Temperature:       0.7,
			TopP:              0.8,
			MaxTokens:         512,
			RepetitionPenalty: 1.05,
		},
	}
}

// LoadTree reads a YAML or JSON tree file and resolves the topic and preset
// files it references. The result is not validated.
func LoadTree(file string) (TreeConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return TreeConfig{}, fmt.Errorf("reading tree config: %w", err)
	}
	cfg, err := ParseTree(data)
	if err != nil {
		return TreeConfig{}, err
	}
	if len(cfg.Topics) == 0 && cfg.TopicFile != "" {
		if err := readYAMLFile(cfg.TopicFile, &cfg.Topics); err != nil {
			return TreeConfig{}, fmt.Errorf("loading topics: %w", err)
		}
	}
	if cfg.PresetPrompts == nil && cfg.PresetFile != "" {
		if err := readYAMLFile(cfg.PresetFile, &cfg.PresetPrompts); err != nil {
			return TreeConfig{}, fmt.Errorf("loading preset prompts: %w", err)
		}
	}
	return cfg, nil
}

// ParseTree decodes a tree definition on top of the defaults. Responder
// entries in the document are merged over the default table.
func ParseTree(data []byte) (TreeConfig, error) {
	cfg := treeDefaults()
	defaultsResponders := cfg.Responders
	cfg.Responders = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return TreeConfig{}, fmt.Errorf("parsing tree config: %w", err)
	}
	merged := make(map[string]ModelEndpoint, len(defaultsResponders))
	for k, v := range defaultsResponders {
		merged[k] = v
	}
	for k, v := range cfg.Responders {
		merged[strings.ToLower(k)] = v
	}
	cfg.Responders = merged
	cfg.UserSource = strings.ToLower(cfg.UserSource)
	cfg.Responder = strings.ToLower(cfg.Responder)
	return cfg, nil
}

func readYAMLFile(file string, out any) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// topicSeparators cannot appear in topics: artifact names join the topic
// path with "_" and flatten path separators to "_".
const topicSeparators = `_/\`

// Validate reports every problem with the tree definition.
func (c TreeConfig) Validate() error {
	var errs []error
	if c.BackgroundName == "" {
		errs = append(errs, errors.New("background_name is required"))
	}
	if c.SavePath == "" {
		errs = append(errs, errors.New("save_path is required"))
	}
	if len(c.Topics) == 0 {
		errs = append(errs, errors.New("at least one topic is required"))
	}
	seen := make(map[string]bool, len(c.Topics))
	for _, t := range c.Topics {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, errors.New("topics must not be empty strings"))
			continue
		}
		if strings.ContainsAny(t, topicSeparators) {
			errs = append(errs, fmt.Errorf("topic %q must not contain any of %q", t, topicSeparators))
		}
		if seen[t] {
			errs = append(errs, fmt.Errorf("duplicate topic %q", t))
		}
		seen[t] = true
	}
	if c.ExpandDepth < 1 {
		errs = append(errs, fmt.Errorf("expand_depth must be >= 1, got %d", c.ExpandDepth))
	}
	if c.ExtendRounds < 0 {
		errs = append(errs, fmt.Errorf("extend_rounds must be >= 0, got %d", c.ExtendRounds))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", c.Workers))
	}

	switch c.UserSource {
	case UserSourceAI, UserSourceInteractive:
	case UserSourcePreset:
		if !c.PresetFallback {
			for _, t := range c.Topics {
				if _, ok := c.PresetPrompts[t]; !ok {
					errs = append(errs, fmt.Errorf("preset prompt missing for topic %q", t))
				}
			}
		}
	default:
		errs = append(errs, fmt.Errorf("user_prompt_generator_type must be one of ai, preset, user, got %q", c.UserSource))
	}

	if c.UserSource == UserSourceAI || c.ExtendRounds > 0 {
		if err := c.UserModel.validate(true); err != nil {
			errs = append(errs, fmt.Errorf("user_model: %w", err))
		}
	}

	switch c.Responder {
	case ResponderLlama, ResponderQwen, ResponderCleanS2S:
		ep, ok := c.Responders[c.Responder]
		if !ok {
			errs = append(errs, fmt.Errorf("responders.%s is not configured", c.Responder))
		} else if err := ep.validate(c.Responder != ResponderCleanS2S); err != nil {
			errs = append(errs, fmt.Errorf("responders.%s: %w", c.Responder, err))
		}
	default:
		errs = append(errs, fmt.Errorf("ai_response_model must be one of llama, qwen, cleans2s, got %q", c.Responder))
	}

	if !strings.Contains(c.Prompts.User, "{topic}") {
		errs = append(errs, errors.New("prompts.user must contain {topic}"))
	}
	if !strings.Contains(c.Prompts.Assistant, "{topic}") {
		errs = append(errs, errors.New("prompts.assistant must contain {topic}"))
	}
	return errors.Join(errs...)
}

func (m ModelEndpoint) validate(needModel bool) error {
	var errs []error
	if err := validateURL(m.URL); err != nil {
		errs = append(errs, fmt.Errorf("url: %w", err))
	}
	if needModel && m.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	return errors.Join(errs...)
}

// PresetFor returns the preset text for topic.
func (c TreeConfig) PresetFor(topic string) (string, bool) {
	if s, ok := c.PresetPrompts[topic]; ok {
		return s, true
	}
	if c.PresetFallback {
		return DefaultPresetReply, true
	}
	return "", false
}
