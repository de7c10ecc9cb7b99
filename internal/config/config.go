// Package config provides configuration management for the evidence service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the evidence service.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `mapstructure:"server"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Qdrant contains vector store settings.
	Qdrant QdrantConfig `mapstructure:"qdrant"`
	// Embedding contains embedding service client settings.
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	// LLM contains completion endpoint client settings.
	LLM LLMConfig `mapstructure:"llm"`
	// Search contains semantic search tuning.
	Search SearchConfig `mapstructure:"search"`
	// Pipeline contains Map-Reduce pipeline settings.
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// MetricsPort is the metrics server port (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response. SSE query
	// streams run long, so this defaults well above the retry envelope.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	// Address is the Qdrant gRPC address.
	Address string `mapstructure:"address"`
	// APIKey is the Qdrant Cloud API key (loaded from EVIDENCE_QDRANT_API_KEY).
	APIKey string `mapstructure:"-"`
	// PaperCollection is the collection holding structured papers.
	PaperCollection string `mapstructure:"paper_collection"`
	// FactCollection is the collection holding atomic facts.
	FactCollection string `mapstructure:"fact_collection"`
	// PaperVectorName is the named vector carrying paper embeddings.
	PaperVectorName string `mapstructure:"paper_vector_name"`
	// FactVectorName is the named vector carrying fact embeddings.
	FactVectorName string `mapstructure:"fact_vector_name"`
	// ScrollLimit is the page size for bulk scroll reads.
	ScrollLimit uint32 `mapstructure:"scroll_limit"`
}

// EmbeddingConfig holds embedding service client settings.
type EmbeddingConfig struct {
	// BaseURL is the embedding microservice base URL.
	BaseURL string `mapstructure:"base_url"`
	// APIKey is the bearer token (loaded from EVIDENCE_EMBEDDING_API_KEY).
	APIKey string `mapstructure:"-"`
	// Timeout is the per-request timeout.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	// BurstSize is the token bucket burst size.
	BurstSize int `mapstructure:"burst_size"`
	// MaxRetries is the maximum retry attempts per embed call.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelay is the base delay between retries.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// LLMConfig holds completion endpoint client settings.
type LLMConfig struct {
	// BaseURL is the OpenAI-compatible completion endpoint base URL
	// (e.g. a Hugging Face dedicated endpoint).
	BaseURL string `mapstructure:"base_url"`
	// APIKey is the bearer token (loaded from EVIDENCE_LLM_API_KEY).
	APIKey string `mapstructure:"-"`
	// Model is the model identifier sent in requests ("tgi" for HF endpoints).
	Model string `mapstructure:"model"`
	// MaxTokens is the completion token budget.
	MaxTokens int `mapstructure:"max_tokens"`
	// Temperature is the sampling temperature.
	Temperature float64 `mapstructure:"temperature"`
	// Timeout is the per-attempt request timeout.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxAttempts bounds cold-start retries (total attempts, not re-tries).
	MaxAttempts int `mapstructure:"max_attempts"`
	// InitialBackoff is the first cold-start wait.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	// MaxBackoff caps the per-attempt wait.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	// TranslationMaxTokens is the token budget for translation calls.
	TranslationMaxTokens int `mapstructure:"translation_max_tokens"`
}

// SearchConfig holds semantic search tuning.
type SearchConfig struct {
	// TopK is the number of papers returned per query.
	TopK int `mapstructure:"top_k"`
	// CandidateWindow is the rerank window over the similarity ranking.
	CandidateWindow int `mapstructure:"candidate_window"`
	// BonusCap is the maximum total keyword bonus per candidate.
	BonusCap float64 `mapstructure:"bonus_cap"`
	// HighWeight is the bonus per matched high-importance keyword.
	HighWeight float64 `mapstructure:"high_weight"`
	// MediumWeight is the bonus per matched medium-importance keyword.
	MediumWeight float64 `mapstructure:"medium_weight"`
	// LowWeight is the bonus per matched low-importance keyword.
	LowWeight float64 `mapstructure:"low_weight"`
	// FactsPerPaper caps atomic facts retrieved for each paper.
	FactsPerPaper int `mapstructure:"facts_per_paper"`
}

// PipelineConfig holds Map-Reduce pipeline settings.
type PipelineConfig struct {
	// ProgressBuffer is the progress relay channel capacity.
	ProgressBuffer int `mapstructure:"progress_buffer"`
	// ProgressWait is the bounded receive timeout before a synthetic
	// still-waiting event is emitted.
	ProgressWait time.Duration `mapstructure:"progress_wait"`
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// MetricsAddress returns the metrics server address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("EVIDENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/evidence-service")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Load secrets exclusively from environment variables.
	// These fields use mapstructure:"-" to prevent loading from config files.
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
func loadSecrets(cfg *Config) {
	cfg.Qdrant.APIKey = os.Getenv("EVIDENCE_QDRANT_API_KEY")
	cfg.Embedding.APIKey = os.Getenv("EVIDENCE_EMBEDDING_API_KEY")
	cfg.LLM.APIKey = os.Getenv("EVIDENCE_LLM_API_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "15m")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Qdrant defaults
	v.SetDefault("qdrant.address", "localhost:6334")
	v.SetDefault("qdrant.paper_collection", "medical_papers")
	v.SetDefault("qdrant.fact_collection", "atomic_facts")
	v.SetDefault("qdrant.paper_vector_name", "e5_pico")
	v.SetDefault("qdrant.fact_vector_name", "sapbert_fact")
	v.SetDefault("qdrant.scroll_limit", 1000)

	// Embedding service defaults
	v.SetDefault("embedding.base_url", "http://localhost:5000")
	v.SetDefault("embedding.timeout", "60s")
	v.SetDefault("embedding.rate_limit", 5.0)
	v.SetDefault("embedding.burst_size", 5)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.retry_delay", "2s")

	// Completion endpoint defaults
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "tgi")
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.timeout", "180s")
	v.SetDefault("llm.max_attempts", 4)
	v.SetDefault("llm.initial_backoff", "30s")
	v.SetDefault("llm.max_backoff", "120s")
	v.SetDefault("llm.translation_max_tokens", 512)

	// Search tuning defaults. Bonus weights and cap are hand-tuned
	// constants carried from the original corpus calibration.
	v.SetDefault("search.top_k", 3)
	v.SetDefault("search.candidate_window", 50)
	v.SetDefault("search.bonus_cap", 0.15)
	v.SetDefault("search.high_weight", 0.05)
	v.SetDefault("search.medium_weight", 0.03)
	v.SetDefault("search.low_weight", 0.01)
	v.SetDefault("search.facts_per_paper", 5)

	// Pipeline defaults
	v.SetDefault("pipeline.progress_buffer", 100)
	v.SetDefault("pipeline.progress_wait", "70s")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Qdrant.Address == "" {
		return fmt.Errorf("qdrant address is required")
	}
	if c.Qdrant.PaperCollection == "" || c.Qdrant.FactCollection == "" {
		return fmt.Errorf("qdrant collection names are required")
	}

	if c.Embedding.BaseURL == "" {
		return fmt.Errorf("embedding base_url is required")
	}

	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm base_url is required (set EVIDENCE_LLM_BASE_URL)")
	}
	if c.LLM.MaxAttempts < 1 {
		return fmt.Errorf("llm max_attempts must be at least 1")
	}
	if c.LLM.InitialBackoff <= 0 || c.LLM.MaxBackoff < c.LLM.InitialBackoff {
		return fmt.Errorf("llm backoff bounds are invalid: initial %s, max %s", c.LLM.InitialBackoff, c.LLM.MaxBackoff)
	}

	if c.Search.TopK <= 0 {
		return fmt.Errorf("search top_k must be positive")
	}
	if c.Search.CandidateWindow < c.Search.TopK {
		return fmt.Errorf("search candidate_window (%d) must be >= top_k (%d)", c.Search.CandidateWindow, c.Search.TopK)
	}
	if c.Search.BonusCap < 0 {
		return fmt.Errorf("search bonus_cap must not be negative")
	}
	if c.Search.FactsPerPaper <= 0 {
		return fmt.Errorf("search facts_per_paper must be positive")
	}

	if c.Pipeline.ProgressBuffer <= 0 {
		return fmt.Errorf("pipeline progress_buffer must be positive")
	}
	if c.Pipeline.ProgressWait <= 0 {
		return fmt.Errorf("pipeline progress_wait must be positive")
	}

	return nil
}
