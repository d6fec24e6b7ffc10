package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// providerKeyNames maps a provider service to the key holding its API key.
// Other services use <SERVICE>_API_KEY.
var providerKeyNames = map[string]string{
	"openai":   "OPENAI_API_KEY",
	"deepseek": "DEEPSEEK_API_KEY",
}

// Secrets holds KEY=value pairs from the .secrets file next to config.yaml
type Secrets map[string]string

// SecretsPath returns the secrets file path
func SecretsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".secrets"), nil
}

// LoadSecrets reads the .secrets file. A missing file yields no secrets.
func LoadSecrets() (Secrets, error) {
	path, err := SecretsPath()
	if err != nil {
		return Secrets{}, err
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Secrets{}, nil
	}
	if err != nil {
		return Secrets{}, fmt.Errorf("failed to open secrets file: %w", err)
	}
	defer f.Close()

	s, err := ParseSecrets(f)
	if err != nil {
		return s, fmt.Errorf("failed to read secrets file %s: %w", path, err)
	}
	return s, nil
}

// ParseSecrets reads KEY=value lines. Blank lines, # comments and lines
// without '=' are skipped, an "export " prefix is allowed and matching
// quotes around the value are removed.
func ParseSecrets(r io.Reader) (Secrets, error) {
	s := Secrets{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		s[key] = unquote(strings.TrimSpace(value))
	}
	return s, sc.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// Lookup reports the value of key and whether the file defines it at all
func (s Secrets) Lookup(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

// APIKey resolves the key for a provider service. A key defined in the
// file wins over the environment, and defining it empty switches the
// environment fallback off.
func (s Secrets) APIKey(service string) string {
	name, ok := providerKeyNames[strings.ToLower(service)]
	if !ok {
		name = strings.ToUpper(service) + "_API_KEY"
	}
	if v, ok := s.Lookup(name); ok {
		return v
	}
	return os.Getenv(name)
}
