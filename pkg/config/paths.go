package config

import (
	"fmt"
	"os"
	"path/filepath"

	"coe/pkg/protocol"
)

// Paths holds all resolved coe state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home       string // ~/.coe or COE_HOME
	DBPath     string // coe.db or COE_DB_PATH
	ConfigPath string // config.yaml, config.toml, or COE_CONFIG
	KickPath   string // kick file touched by CLI mutations
}

// ResolvePaths returns all coe paths, respecting env var overrides.
// Environment variables:
//   - COE_HOME: base directory for all coe state (default: ~/.coe)
//   - COE_DB_PATH: engine database (default: $COE_HOME/coe.db)
//   - COE_CONFIG: config file (default: $COE_HOME/config.toml if present, else config.yaml)
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		Home:       home,
		DBPath:     resolvePathWithEnv("COE_DB_PATH", home, protocol.DBFile),
		ConfigPath: resolveConfigPath(home),
		KickPath:   filepath.Join(home, protocol.KickFile),
	}, nil
}

// resolveHome returns the coe home directory from COE_HOME env var or ~/.coe.
func resolveHome() (string, error) {
	if v := os.Getenv("COE_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.CoeDir), nil
}

func resolveConfigPath(home string) string {
	if v := os.Getenv("COE_CONFIG"); v != "" {
		return v
	}
	tomlPath := filepath.Join(home, "config.toml")
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath
	}
	return filepath.Join(home, "config.yaml")
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
