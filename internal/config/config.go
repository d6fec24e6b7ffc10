package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// configDir is the configuration directory path
	// Can be set via SetConfigDir before loading config
	configDir     string
	configDirInit bool
)

// SetConfigDir sets a custom configuration directory
// Must be called before any config loading functions
func SetConfigDir(dir string) {
	configDir = dir
	configDirInit = true
}

// GetConfigDir returns the configuration directory
// Priority: 1. Manually set via SetConfigDir, 2. ./config in current directory
func GetConfigDir() string {
	if !configDirInit {
		cwd, err := os.Getwd()
		if err == nil {
			configDir = filepath.Join(cwd, "config")
		}
		configDirInit = true
	}
	return configDir
}

// Config application configuration structure
type Config struct {
	Model       ModelConfig       `yaml:"model"`
	Memory      MemoryConfig      `yaml:"memory"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Costs       CostsConfig       `yaml:"costs"`
	Worker      WorkerConfig      `yaml:"worker"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ModelConfig chat model configuration
type ModelConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Service     string  `yaml:"service"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// MemoryConfig record store and retrieval configuration
type MemoryConfig struct {
	DBPath              string  `yaml:"db_path"`
	DefaultCategory     string  `yaml:"default_category"`
	RetrieveLimit       int     `yaml:"retrieve_limit"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	SimilarLimit        int     `yaml:"similar_limit"`
	CandidateWindow     int     `yaml:"candidate_window"`
}

// EmbeddingConfig embedding provider configuration
type EmbeddingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	Model             string  `yaml:"model"`
	Service           string  `yaml:"service"`
	MaxInputChars     int     `yaml:"max_input_chars"`
	MaxAttempts       int     `yaml:"max_attempts"`
	BackoffBaseMillis int     `yaml:"backoff_base_ms"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	CacheTTLMinutes   int     `yaml:"cache_ttl_minutes"`
}

// MaintenanceConfig lifecycle maintenance thresholds
type MaintenanceConfig struct {
	IntervalMinutes       int `yaml:"interval_minutes"`
	CompressAfterDays     int `yaml:"compress_after_days"`
	CompressAccessCeiling int `yaml:"compress_access_ceiling"`
	ArchiveAfterDays      int `yaml:"archive_after_days"`
	ArchiveAccessCeiling  int `yaml:"archive_access_ceiling"`
	SummaryLength         int `yaml:"summary_length"`
}

// CostsConfig cost ledger configuration
type CostsConfig struct {
	DBPath  string          `yaml:"db_path"`
	Pricing []PriceOverride `yaml:"pricing,omitempty"`
}

// PriceOverride replaces or adds the rate of one model, USD per 1000 tokens.
// A model ending in "*" matches by prefix.
type PriceOverride struct {
	Model       string  `yaml:"model"`
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k,omitempty"`
	Flat        bool    `yaml:"flat,omitempty"`
}

// WorkerConfig non-blocking queue configuration
type WorkerConfig struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

// LoggingConfig logging configuration
type LoggingConfig struct {
	Dir        string `yaml:"dir"`
	Level      string `yaml:"level"`
	MaxDays    int    `yaml:"max_days"`
	ConsoleOut bool   `yaml:"console_out"`
}

// MetricsConfig metrics endpoint configuration
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".toolmate")
	return &Config{
		Model: ModelConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Service:     "openai",
			Temperature: 0.7,
			MaxTokens:   2048,
		},
		Memory: MemoryConfig{
			DBPath:              filepath.Join(dataDir, "memories.db"),
			DefaultCategory:     "tool_recommendation",
			RetrieveLimit:       5,
			SimilarityThreshold: 0.7,
			SimilarLimit:        5,
			CandidateWindow:     100,
		},
		Embedding: EmbeddingConfig{
			Enabled:           true,
			BaseURL:           "https://api.openai.com/v1",
			Model:             "text-embedding-3-small",
			Service:           "openai",
			MaxInputChars:     8000,
			MaxAttempts:       3,
			BackoffBaseMillis: 1000,
			TimeoutSeconds:    30,
			RequestsPerSecond: 0,
			CacheTTLMinutes:   60,
		},
		Maintenance: MaintenanceConfig{
			IntervalMinutes:       24 * 60,
			CompressAfterDays:     30,
			CompressAccessCeiling: 5,
			ArchiveAfterDays:      90,
			ArchiveAccessCeiling:  2,
			SummaryLength:         500,
		},
		Costs: CostsConfig{
			DBPath: filepath.Join(dataDir, "costs.db"),
		},
		Worker: WorkerConfig{
			QueueSize: 64,
			Workers:   1,
		},
		Logging: LoggingConfig{
			Dir:        filepath.Join(dataDir, "logs"),
			Level:      "info",
			MaxDays:    7,
			ConsoleOut: false,
		},
	}
}

// ConfigDir returns the configuration directory path
func ConfigDir() (string, error) {
	dir := GetConfigDir()
	if dir == "" {
		return "", fmt.Errorf("failed to determine config directory")
	}
	return dir, nil
}

// ConfigPath returns the configuration file path
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load loads configuration from file and merges with secrets
func Load() (*Config, error) {
	configPath, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.applySecrets(); err != nil {
			return nil, err
		}
		if err := Save(cfg); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig() // Use default values as base
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applySecrets(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applySecrets fills API keys left empty in the config file
func (c *Config) applySecrets() error {
	secrets, err := LoadSecrets()
	if err != nil {
		return err
	}
	if c.Model.APIKey == "" {
		c.Model.APIKey = secrets.APIKey(c.Model.Service)
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = secrets.APIKey(c.Embedding.Service)
	}
	return nil
}

// Save saves configuration to file
func Save(cfg *Config) error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Keys come from .secrets or the environment, never from the YAML file
	out := *cfg
	out.Model.APIKey = ""
	out.Embedding.APIKey = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	content := "# Toolmate Configuration File\n# API keys belong in .secrets next to this file\n\n" + string(data)

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Model.BaseURL == "" {
		return fmt.Errorf("config error: model.base_url cannot be empty")
	}
	if c.Model.Model == "" {
		return fmt.Errorf("config error: model.model cannot be empty")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("config error: model.temperature must be between 0 and 2")
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("config error: model.max_tokens must be greater than 0")
	}

	if c.Memory.DBPath == "" {
		return fmt.Errorf("config error: memory.db_path cannot be empty")
	}
	if c.Memory.RetrieveLimit <= 0 {
		return fmt.Errorf("config error: memory.retrieve_limit must be greater than 0")
	}
	if c.Memory.SimilarLimit <= 0 {
		return fmt.Errorf("config error: memory.similar_limit must be greater than 0")
	}
	if c.Memory.CandidateWindow <= 0 {
		return fmt.Errorf("config error: memory.candidate_window must be greater than 0")
	}
	if c.Memory.SimilarityThreshold < 0 || c.Memory.SimilarityThreshold > 1 {
		return fmt.Errorf("config error: memory.similarity_threshold must be between 0 and 1")
	}

	if c.Embedding.Enabled {
		if c.Embedding.BaseURL == "" {
			return fmt.Errorf("config error: embedding.base_url cannot be empty")
		}
		if c.Embedding.Model == "" {
			return fmt.Errorf("config error: embedding.model cannot be empty")
		}
	}
	if c.Embedding.MaxAttempts <= 0 {
		return fmt.Errorf("config error: embedding.max_attempts must be greater than 0")
	}
	if c.Embedding.MaxInputChars <= 0 {
		return fmt.Errorf("config error: embedding.max_input_chars must be greater than 0")
	}
	if c.Embedding.RequestsPerSecond < 0 {
		return fmt.Errorf("config error: embedding.requests_per_second cannot be negative")
	}

	m := c.Maintenance
	if m.CompressAfterDays <= 0 || m.ArchiveAfterDays <= 0 {
		return fmt.Errorf("config error: maintenance age thresholds must be greater than 0")
	}
	if m.ArchiveAccessCeiling >= m.CompressAccessCeiling {
		return fmt.Errorf("config error: maintenance.archive_access_ceiling must be lower than compress_access_ceiling")
	}
	if m.SummaryLength <= 0 {
		return fmt.Errorf("config error: maintenance.summary_length must be greater than 0")
	}

	if c.Costs.DBPath == "" {
		return fmt.Errorf("config error: costs.db_path cannot be empty")
	}
	for i, p := range c.Costs.Pricing {
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("config error: costs.pricing[%d].model cannot be empty", i)
		}
		if p.InputPer1K < 0 || p.OutputPer1K < 0 {
			return fmt.Errorf("config error: costs.pricing[%d] rates cannot be negative", i)
		}
	}
	if c.Worker.QueueSize <= 0 || c.Worker.Workers <= 0 {
		return fmt.Errorf("config error: worker.queue_size and worker.workers must be greater than 0")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config error: logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// IsAPIKeyConfigured checks if the chat API key is configured
func (c *Config) IsAPIKeyConfigured() bool {
	return c.Model.APIKey != ""
}

// EmbeddingsAvailable reports whether an embedding provider can be called
func (c *Config) EmbeddingsAvailable() bool {
	return c.Embedding.Enabled && c.Embedding.APIKey != ""
}

// MaintenanceInterval returns the scheduled maintenance period
func (c *Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.Maintenance.IntervalMinutes) * time.Minute
}

// String returns string representation of config (hides sensitive info)
func (c *Config) String() string {
	return fmt.Sprintf(`Toolmate Configuration:
  Model:
    API Key: %s
    Base URL: %s
    Model: %s
    Temperature: %.1f
    Max Tokens: %d
  Memory:
    DB Path: %s
    Retrieve Limit: %d
    Similarity Threshold: %.2f
  Embedding:
    Enabled: %v
    API Key: %s
    Model: %s
    Max Attempts: %d
  Maintenance:
    Interval Minutes: %d
    Compress: %d days / access < %d
    Archive: %d days / access < %d
  Costs:
    DB Path: %s
  Worker:
    Queue Size: %d
    Workers: %d
  Logging:
    Dir: %s
    Level: %s`,
		redactAPIKey(c.Model.APIKey),
		c.Model.BaseURL,
		c.Model.Model,
		c.Model.Temperature,
		c.Model.MaxTokens,
		c.Memory.DBPath,
		c.Memory.RetrieveLimit,
		c.Memory.SimilarityThreshold,
		c.Embedding.Enabled,
		redactAPIKey(c.Embedding.APIKey),
		c.Embedding.Model,
		c.Embedding.MaxAttempts,
		c.Maintenance.IntervalMinutes,
		c.Maintenance.CompressAfterDays,
		c.Maintenance.CompressAccessCeiling,
		c.Maintenance.ArchiveAfterDays,
		c.Maintenance.ArchiveAccessCeiling,
		c.Costs.DBPath,
		c.Worker.QueueSize,
		c.Worker.Workers,
		c.Logging.Dir,
		c.Logging.Level,
	)
}

func redactAPIKey(value string) string {
	if value == "" {
		return "(not configured)"
	}
	if len(value) > 8 {
		return value[:8] + "..."
	}
	return "***"
}
