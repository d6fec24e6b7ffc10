package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PromptConfig prompt configuration structure
type PromptConfig struct {
	System        string `yaml:"system"`
	MemoryContext string `yaml:"memory_context"`
	ErrorPrefix   string `yaml:"error_prefix"`
}

// DefaultPromptConfig returns default prompt configuration
func DefaultPromptConfig() *PromptConfig {
	return &PromptConfig{
		System: `You are Toolmate, an assistant that recommends developer tools, libraries and services.
Prefer concrete, actively maintained options. Say briefly why each fits and how to install it.
Use the user's earlier interactions when they are relevant, and do not repeat a recommendation the user already rejected.`,
		MemoryContext: "Previous interactions with this user (newest first):",
		ErrorPrefix:   "Error",
	}
}

// PromptConfigPath returns the prompt config file path
func PromptConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "prompt.yaml"), nil
}

// LoadPromptConfig loads prompt configuration from file
func LoadPromptConfig() (*PromptConfig, error) {
	configPath, err := PromptConfigPath()
	if err != nil {
		return DefaultPromptConfig(), nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultPromptConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt config: %w", err)
	}

	cfg := DefaultPromptConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse prompt config: %w", err)
	}

	return cfg, nil
}

// SystemWithMemory returns the system prompt with the retrieved memory
// context appended under the memory header.
func (p *PromptConfig) SystemWithMemory(memoryContext string) string {
	if memoryContext == "" {
		return p.System
	}
	return p.System + "\n\n" + p.MemoryContext + "\n" + memoryContext
}
