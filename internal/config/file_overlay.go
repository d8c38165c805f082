package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileOverlay holds values that may be set in an optional YAML config file
// (path given by SYNCAGENT_CONFIG_FILE) instead of environment variables.
// Callers fill in TenantID/ClientAPIURL from the overlay only when the
// corresponding env var is unset.
type FileOverlay struct {
	TenantID     string `yaml:"tenant_id"`
	ClientAPIURL string `yaml:"client_api_url"`
}

// LoadFileOverlay reads and parses the YAML file at path, if set. Returns
// a zero-value overlay and no error if path is empty.
func LoadFileOverlay(path string) (FileOverlay, error) {
	var overlay FileOverlay
	if path == "" {
		return overlay, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return overlay, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return overlay, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return overlay, nil
}
