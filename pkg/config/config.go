// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config provides the engine's configuration surface.
//
// Configuration is loaded exactly once at process start and handed to
// component constructors; no component reads ambient environment or
// global state afterwards. Precedence, lowest to highest:
//
//  1. Defaults (DefaultConfig)
//  2. YAML config file (optional)
//  3. Environment variables (endpoints and credentials only)
//
// The loaded struct is validated with go-playground/validator before
// the process is allowed to serve traffic.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Provider name constants recognized in Providers.Default and
// Providers.Fallbacks.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Duration wraps time.Duration so YAML accepts "30s" style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped value as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port string `yaml:"port" validate:"required"`
}

// OpenAIConfig configures the cloud provider client. BaseURL makes
// the same client usable against any OpenAI-compatible endpoint
// (api.openai.com, Groq, a local gateway).
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model" validate:"required"`
}

// OllamaConfig configures the locally hosted provider client.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`
	Model   string `yaml:"model" validate:"required"`
}

// ProvidersConfig selects and orders the generation providers.
type ProvidersConfig struct {
	// Default is used when the caller does not request a provider.
	Default string `yaml:"default" validate:"required,oneof=openai ollama"`

	// Fallbacks is the ordered list tried after the primary fails.
	// The workflow attempts at most MaxFallbackHops of these.
	Fallbacks []string `yaml:"fallbacks" validate:"dive,oneof=openai ollama"`

	// MaxFallbackHops bounds how many fallback providers are tried
	// after the primary. 1 means primary plus one alternate.
	MaxFallbackHops int `yaml:"max_fallback_hops" validate:"gte=0,lte=4"`

	OpenAI OpenAIConfig `yaml:"openai"`
	Ollama OllamaConfig `yaml:"ollama"`
}

// RetrievalConfig bounds the similarity-search stage.
type RetrievalConfig struct {
	// WeaviateURL is the similarity-search backend (scheme + host).
	WeaviateURL string `yaml:"weaviate_url" validate:"required,url"`

	// ClassName is the Weaviate class holding corpus passages.
	ClassName string `yaml:"class_name" validate:"required"`

	// EmbeddingURL is the external embedding service endpoint used to
	// vectorize queries. The engine never computes embeddings itself.
	EmbeddingURL string `yaml:"embedding_url" validate:"required,url"`

	// TopKDefault is used when the caller omits top_k.
	TopKDefault int `yaml:"top_k_default" validate:"gte=1,lte=20"`

	// TopKMax caps caller-supplied top_k.
	TopKMax int `yaml:"top_k_max" validate:"gte=1,lte=50"`

	// SimilarityFloor drops passages scored below it before dedupe.
	SimilarityFloor float64 `yaml:"similarity_floor" validate:"gte=0,lte=1"`

	// Timeout bounds each search call, including the embedding hop.
	Timeout Duration `yaml:"timeout" validate:"gt=0"`

	// RetryBackoff is the wait before the single retrieval retry.
	RetryBackoff Duration `yaml:"retry_backoff" validate:"gte=0"`
}

// ContextConfig bounds prompt-context assembly.
type ContextConfig struct {
	// CharBudget is the total character budget for the prompt context.
	CharBudget int `yaml:"char_budget" validate:"gte=256"`

	// MaxPriorTurns is how many recent turns are offered to the
	// assembler for conversational continuity.
	MaxPriorTurns int `yaml:"max_prior_turns" validate:"gte=0,lte=20"`
}

// GenerationConfig bounds the answer-generation stage.
type GenerationConfig struct {
	// Timeout bounds a single provider call. Fallback calls get a
	// fresh timeout each.
	Timeout Duration `yaml:"timeout" validate:"gt=0"`

	// MaxAnswerTokens is passed through to providers that honor it.
	MaxAnswerTokens int `yaml:"max_answer_tokens" validate:"gt=0"`
}

// CheckpointConfig configures the durable conversation store.
type CheckpointConfig struct {
	// Path is the BadgerDB directory. Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory runs the store without disk persistence (tests, demos).
	InMemory bool `yaml:"in_memory"`

	// AppendRetries bounds optimistic-conflict retries per query.
	AppendRetries int `yaml:"append_retries" validate:"gte=1,lte=10"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	// OTLPEndpoint is the collector address (host:port). Empty
	// disables trace export; spans become no-ops.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	LogDir string `yaml:"log_dir"`
}

// Config is the full engine configuration. Constructed once in main
// and passed by reference into each component constructor.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Context    ContextConfig    `yaml:"context"`
	Generation GenerationConfig `yaml:"generation"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DefaultConfig returns the engine defaults. These match the shipped
// quayside.yaml and are safe for a single-node deployment.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{Port: "12310"},
		Providers: ProvidersConfig{
			Default:         ProviderOpenAI,
			Fallbacks:       []string{ProviderOllama},
			MaxFallbackHops: 1,
			OpenAI: OpenAIConfig{
				Model: "gpt-4o-mini",
			},
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
				Model:   "qwen2.5:1.5b",
			},
		},
		Retrieval: RetrievalConfig{
			WeaviateURL:     "http://localhost:8080",
			ClassName:       "Passage",
			EmbeddingURL:    "http://localhost:8100/embed",
			TopKDefault:     5,
			TopKMax:         20,
			SimilarityFloor: 0.0,
			Timeout:         Duration(30 * time.Second),
			RetryBackoff:    Duration(time.Second),
		},
		Context: ContextConfig{
			CharBudget:    8000,
			MaxPriorTurns: 3,
		},
		Generation: GenerationConfig{
			Timeout:         Duration(2 * time.Minute),
			MaxAnswerTokens: 1024,
		},
		Checkpoint: CheckpointConfig{
			Path:          "./data/checkpoints",
			AppendRetries: 3,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the Config: defaults, then the YAML file at path (if
// path is non-empty the file must exist), then environment overrides,
// then validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides endpoints and credentials from the environment.
// Only deployment-varying values are overridable; policy knobs live in
// the file so they are reviewable.
func (c *Config) applyEnv() {
	if v := os.Getenv("QUAYSIDE_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.Providers.OpenAI.BaseURL = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		c.Providers.Ollama.BaseURL = v
	}
	if v := os.Getenv("WEAVIATE_SERVICE_URL"); v != "" {
		c.Retrieval.WeaviateURL = v
	}
	if v := os.Getenv("EMBEDDING_SERVICE_URL"); v != "" {
		c.Retrieval.EmbeddingURL = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
}

var validate = validator.New()

// Validate checks structural constraints plus the cross-field rules
// the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Retrieval.TopKDefault > c.Retrieval.TopKMax {
		return fmt.Errorf("invalid configuration: top_k_default %d exceeds top_k_max %d",
			c.Retrieval.TopKDefault, c.Retrieval.TopKMax)
	}
	if !c.Checkpoint.InMemory && c.Checkpoint.Path == "" {
		return fmt.Errorf("invalid configuration: checkpoint path required unless in_memory is set")
	}
	for _, name := range c.Providers.Fallbacks {
		if name == c.Providers.Default {
			return fmt.Errorf("invalid configuration: default provider %q repeated in fallbacks", name)
		}
	}
	return nil
}

// FallbackOrder returns the full provider preference order for a
// query: the requested provider (if any) first, then the configured
// default, then the fallbacks, deduplicated in order.
func (c *Config) FallbackOrder(requested string) []string {
	order := make([]string, 0, 2+len(c.Providers.Fallbacks))
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	add(requested)
	add(c.Providers.Default)
	for _, name := range c.Providers.Fallbacks {
		add(name)
	}
	return order
}
