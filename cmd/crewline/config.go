package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all crewline server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath     string `json:"db_path"`
	DataDir    string `json:"data_dir"`
	LogLevel   string `json:"log_level"`
	StaleAfter string `json:"stale_after"` // Go duration string, e.g. "15m"
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(crewlineDir(), "crewline.db"),
		DataDir:  crewlineDir(),
		LogLevel: "info",
	}
}

func crewlineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crewline"
	}
	return filepath.Join(home, ".crewline")
}

func settingsPath() string {
	return filepath.Join(crewlineDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CREWLINE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CREWLINE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CREWLINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CREWLINE_STALE_AFTER"); v != "" {
		cfg.StaleAfter = v
	}

	return cfg
}

// staleAfter parses the configured staleness window; zero means "use the
// engine default".
func (c Config) staleAfter() time.Duration {
	if c.StaleAfter == "" {
		return 0
	}
	d, err := time.ParseDuration(c.StaleAfter)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}
