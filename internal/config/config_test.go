package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Embedding.Model != "text-embedding-3-small" {
		t.Errorf("Expected embedding model text-embedding-3-small, got %s", cfg.Embedding.Model)
	}
	if cfg.Embedding.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts to be 3, got %d", cfg.Embedding.MaxAttempts)
	}
	if cfg.Memory.SimilarityThreshold != 0.7 {
		t.Errorf("Expected SimilarityThreshold 0.7, got %f", cfg.Memory.SimilarityThreshold)
	}
	if cfg.Memory.CandidateWindow != 100 {
		t.Errorf("Expected CandidateWindow 100, got %d", cfg.Memory.CandidateWindow)
	}

	m := cfg.Maintenance
	if m.CompressAfterDays != 30 || m.CompressAccessCeiling != 5 {
		t.Errorf("Unexpected compression thresholds: %d days / %d", m.CompressAfterDays, m.CompressAccessCeiling)
	}
	if m.ArchiveAfterDays != 90 || m.ArchiveAccessCeiling != 2 {
		t.Errorf("Unexpected archive thresholds: %d days / %d", m.ArchiveAfterDays, m.ArchiveAccessCeiling)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "empty BaseURL",
			mutate:  func(c *Config) { c.Model.BaseURL = "" },
			wantErr: true,
		},
		{
			name:    "invalid Temperature",
			mutate:  func(c *Config) { c.Model.Temperature = 3.0 },
			wantErr: true,
		},
		{
			name:    "threshold above one",
			mutate:  func(c *Config) { c.Memory.SimilarityThreshold = 1.5 },
			wantErr: true,
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Embedding.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name: "archive ceiling not below compress ceiling",
			mutate: func(c *Config) {
				c.Maintenance.ArchiveAccessCeiling = 5
				c.Maintenance.CompressAccessCeiling = 5
			},
			wantErr: true,
		},
		{
			name:    "disabled embeddings skip provider checks",
			mutate:  func(c *Config) { c.Embedding.Enabled = false; c.Embedding.BaseURL = "" },
			wantErr: false,
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "no workers",
			mutate:  func(c *Config) { c.Worker.Workers = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "toolmate-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	configTestDir := filepath.Join(tmpDir, "config")
	SetConfigDir(configTestDir)

	cfg := DefaultConfig()
	cfg.Memory.RetrieveLimit = 9
	cfg.Model.APIKey = "should-not-be-written"

	if err := Save(cfg); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	configPath := filepath.Join(configTestDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Config file not created: %v", err)
	}
	if strings.Contains(string(data), "should-not-be-written") {
		t.Error("API key must not be persisted to config.yaml")
	}

	secrets := "# test secrets\nOPENAI_API_KEY=sk-from-secrets\n"
	if err := os.WriteFile(filepath.Join(configTestDir, ".secrets"), []byte(secrets), 0600); err != nil {
		t.Fatal(err)
	}

	loadedCfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loadedCfg.Memory.RetrieveLimit != 9 {
		t.Errorf("RetrieveLimit mismatch: expected 9, got %d", loadedCfg.Memory.RetrieveLimit)
	}
	if loadedCfg.Model.APIKey != "sk-from-secrets" {
		t.Errorf("Expected model key from secrets, got %q", loadedCfg.Model.APIKey)
	}
	if !loadedCfg.EmbeddingsAvailable() {
		t.Error("Embeddings should be available once a key is configured")
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "toolmate-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	SetConfigDir(filepath.Join(tmpDir, "fresh"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Memory.RetrieveLimit != DefaultConfig().Memory.RetrieveLimit {
		t.Errorf("Expected default retrieve limit, got %d", cfg.Memory.RetrieveLimit)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "fresh", "config.yaml")); err != nil {
		t.Errorf("Default config file should be created: %v", err)
	}
}

func TestIsAPIKeyConfigured(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.IsAPIKeyConfigured() {
		t.Error("Default config should not have API Key")
	}

	cfg.Model.APIKey = "test-key"
	if !cfg.IsAPIKeyConfigured() {
		t.Error("Should return true after setting API Key")
	}
}

func TestStringRedactsKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.APIKey = "sk-1234567890abcdef"

	out := cfg.String()
	if strings.Contains(out, "sk-1234567890abcdef") {
		t.Error("String() leaked the full API key")
	}
	if !strings.Contains(out, "sk-12345...") {
		t.Errorf("Expected redacted key prefix in output:\n%s", out)
	}
}

func TestSystemWithMemory(t *testing.T) {
	p := DefaultPromptConfig()

	if got := p.SystemWithMemory(""); got != p.System {
		t.Error("Empty memory context should leave the system prompt unchanged")
	}

	got := p.SystemWithMemory("[2026-01-01] asked about linters")
	if !strings.Contains(got, p.MemoryContext) || !strings.HasSuffix(got, "asked about linters") {
		t.Errorf("Memory context not appended: %q", got)
	}
}

func TestParseSecrets(t *testing.T) {
	in := `# comment
OPENAI_API_KEY = sk-one
export DEEPSEEK_API_KEY="sk-two"
MISTRAL_API_KEY=
not a pair
=orphan
`
	s, err := ParseSecrets(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Lookup("OPENAI_API_KEY"); v != "sk-one" {
		t.Errorf("OPENAI_API_KEY = %q", v)
	}
	if v, _ := s.Lookup("DEEPSEEK_API_KEY"); v != "sk-two" {
		t.Errorf("DEEPSEEK_API_KEY = %q", v)
	}
	if v, ok := s.Lookup("MISTRAL_API_KEY"); !ok || v != "" {
		t.Errorf("Empty value should still be defined: %q, %v", v, ok)
	}
	if len(s) != 3 {
		t.Errorf("Expected 3 keys, got %v", s)
	}
}

func TestSecretsAPIKeyPrecedence(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("DEEPSEEK_API_KEY", "sk-env-deepseek")
	t.Setenv("MISTRAL_API_KEY", "sk-env-mistral")

	s := Secrets{"OPENAI_API_KEY": "sk-file", "MISTRAL_API_KEY": ""}

	if got := s.APIKey("OpenAI"); got != "sk-file" {
		t.Errorf("File should win over env, got %q", got)
	}
	if got := s.APIKey("deepseek"); got != "sk-env-deepseek" {
		t.Errorf("Absent key should fall back to env, got %q", got)
	}
	if got := s.APIKey("mistral"); got != "" {
		t.Errorf("Key defined empty should disable env fallback, got %q", got)
	}
}

func TestValidatePricingOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Costs.Pricing = []PriceOverride{{Model: "m", InputPer1K: 0.1}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Valid override rejected: %v", err)
	}

	cfg.Costs.Pricing = []PriceOverride{{Model: "", InputPer1K: 0.1}}
	if err := cfg.Validate(); err == nil {
		t.Error("Empty model should be rejected")
	}
	cfg.Costs.Pricing = []PriceOverride{{Model: "m", OutputPer1K: -1}}
	if err := cfg.Validate(); err == nil {
		t.Error("Negative rate should be rejected")
	}
}
