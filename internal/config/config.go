// Package config provides configuration management for replaylens.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the summarization and pattern pipelines.
const (
	DefaultModel = "claude-sonnet-4-5"

	// DefaultMaxTokens is the token budget for one extraction chunk,
	// template cost included.
	DefaultMaxTokens = 150000
	// DefaultSingleSessionMaxTokens is the looser budget a session may use
	// when it gets a chunk of its own.
	DefaultSingleSessionMaxTokens = 180000
	// DefaultAssignmentChunkSize is the per-call session count for the
	// event-assignment fan-out.
	DefaultAssignmentChunkSize = 10
	// DefaultAssignmentMinRatio is the fraction of assignment chunks that
	// must succeed before the step is allowed to complete.
	DefaultAssignmentMinRatio = 0.5

	DefaultStreamRetryAttempts = 3
	DefaultCacheTTL            = 15 * time.Minute
	DefaultEventsPageSize      = 3000
)

// Config is the worker process configuration.
type Config struct {
	// LLM provider settings.
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	LLMURL    string `yaml:"llm_url"`
	MaxOutput int    `yaml:"max_output_tokens"`

	// Infrastructure.
	DatabaseURL  string `yaml:"database_url"`
	RedisAddr    string `yaml:"redis_addr"`
	ListenAddr   string `yaml:"listen_addr"`
	SourceURL    string `yaml:"source_url"`
	SourceAPIKey string `yaml:"source_api_key"`

	// Tenancy. Summaries are scoped to (team, session, context); the
	// context key separates re-summarizations with different prompts.
	TeamID     int64  `yaml:"team_id"`
	ContextKey string `yaml:"context_key"`

	// Pipeline tuning.
	MaxTokens              int      `yaml:"max_tokens"`
	SingleSessionMaxTokens int      `yaml:"single_session_max_tokens"`
	AssignmentChunkSize    int      `yaml:"assignment_chunk_size"`
	AssignmentMinRatio     float64  `yaml:"assignment_min_ratio"`
	StreamRetryAttempts    int      `yaml:"stream_retry_attempts"`
	StreamRetryDelay       Duration `yaml:"stream_retry_delay"`
	CacheTTL               Duration `yaml:"cache_ttl"`
	EventsPageSize         int      `yaml:"events_page_size"`
	StepTimeout            Duration `yaml:"step_timeout"`
	GroupConcurrency       int      `yaml:"group_concurrency"`

	Debug bool `yaml:"debug"`
}

// Default returns the configuration defaults used when no file is present.
func Default() *Config {
	return &Config{
		Model:                  DefaultModel,
		MaxOutput:              16000,
		RedisAddr:              "localhost:6379",
		ListenAddr:             ":8491",
		TeamID:                 1,
		ContextKey:             "default",
		MaxTokens:              DefaultMaxTokens,
		SingleSessionMaxTokens: DefaultSingleSessionMaxTokens,
		AssignmentChunkSize:    DefaultAssignmentChunkSize,
		AssignmentMinRatio:     DefaultAssignmentMinRatio,
		StreamRetryAttempts:    DefaultStreamRetryAttempts,
		StreamRetryDelay:       Duration(2 * time.Second),
		CacheTTL:               Duration(DefaultCacheTTL),
		EventsPageSize:         DefaultEventsPageSize,
		StepTimeout:            Duration(10 * time.Minute),
		GroupConcurrency:       4,
	}
}

// Load reads the YAML file at path, applies defaults for unset fields and
// environment overrides on top. A missing file is not an error: defaults
// plus environment are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment. Environment
// always wins over the file so deployments can keep credentials out of YAML.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("SOURCE_URL"); v != "" {
		c.SourceURL = v
	}
	if v := os.Getenv("SOURCE_API_KEY"); v != "" {
		c.SourceAPIKey = v
	}
}

func (c *Config) validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.SingleSessionMaxTokens < c.MaxTokens {
		return fmt.Errorf("single_session_max_tokens (%d) must be >= max_tokens (%d)",
			c.SingleSessionMaxTokens, c.MaxTokens)
	}
	if c.AssignmentMinRatio < 0 || c.AssignmentMinRatio > 1 {
		return fmt.Errorf("assignment_min_ratio must be in [0,1], got %f", c.AssignmentMinRatio)
	}
	if c.AssignmentChunkSize <= 0 {
		return fmt.Errorf("assignment_chunk_size must be positive, got %d", c.AssignmentChunkSize)
	}
	return nil
}
