// Package config loads the engine configuration from YAML and can watch
// the file for changes.
package config

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/orchestra/internal/model"
)

// Load reads and validates a YAML config file. Fields absent from the
// file keep their defaults; invalid values fail loading outright.
func Load(path string) (model.Config, error) {
	cfg := model.DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.Engine = cfg.Engine.Normalized()
	if err := cfg.Engine.Validate(); err != nil {
		return model.Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
