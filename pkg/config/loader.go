package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/pelletier/go-toml/v2"
)

// ConfigFileName is the per-project configuration file.
const ConfigFileName = ".loom.toml"

// Environment overrides.
const (
	EnvModel  = "LOOM_MODEL"
	EnvDBPath = "LOOM_DB_PATH"
)

// Load builds the runtime configuration for a project:
//
//  1. Start from built-in defaults.
//  2. Deep-merge .loom.toml from projectPath (missing file is fine).
//  3. Apply environment overrides (LOOM_MODEL, LOOM_DB_PATH).
//  4. Validate.
func Load(projectPath string) (*Config, error) {
	cfg := &Config{}

	path := filepath.Join(projectPath, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		slog.Debug("Loaded project configuration", "path", path)
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("No project configuration, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	// File values win; defaults fill whatever the file left unset.
	// WithoutDereference keeps pointer fields the file set, so an
	// explicit false survives a true default.
	if err := mergo.Merge(cfg, Defaults(), mergo.WithoutDereference); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if m := os.Getenv(EnvModel); m != "" {
		cfg.Model.Default = m
	}
	if p := os.Getenv(EnvDBPath); p != "" {
		cfg.DBPath = p
	} else if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath()
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "loom.db"
	}
	return filepath.Join(home, ".loom", "loom.db")
}

func validate(cfg *Config) error {
	if cfg.Model.Default == "" {
		return fmt.Errorf("config: model.default must not be empty")
	}
	if cfg.Context.ReservedOutputTokens < 0 {
		return fmt.Errorf("config: context.reserved_output_tokens must be >= 0, got %d", cfg.Context.ReservedOutputTokens)
	}
	if cfg.Context.MaxRepoMapTokens < 0 {
		return fmt.Errorf("config: context.max_repo_map_tokens must be >= 0, got %d", cfg.Context.MaxRepoMapTokens)
	}
	if cfg.Context.MaxDecisionContextTokens < 0 {
		return fmt.Errorf("config: context.max_decision_context_tokens must be >= 0, got %d", cfg.Context.MaxDecisionContextTokens)
	}
	return nil
}
