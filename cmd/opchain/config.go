package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/opchain/internal/chains"
	"github.com/rendis/opchain/internal/plugins"
	"github.com/rendis/opchain/internal/scheduler"
)

// Config holds all opchain configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	DBPath                 string               `json:"db_path"`
	LogLevel               string               `json:"log_level"`
	LogFormat              string               `json:"log_format"`
	Workers                int                  `json:"workers"`
	StepTimeoutMs          int                  `json:"step_timeout_ms"`
	StepRetryDelayMs       int                  `json:"step_retry_delay_ms"`
	JobRetryBaseMs         int                  `json:"job_retry_base_ms"`
	JobRetryMaxMs          int                  `json:"job_retry_max_ms"`
	ChainsDir              string               `json:"chains_dir"`
	PluginHealthIntervalMs int                  `json:"plugin_health_interval_ms"`
	Plugins                []plugins.Config     `json:"plugins,omitempty"`
	Schedules              []scheduler.Schedule `json:"schedules,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:                 filepath.Join(opchainDir(), "opchain.db"),
		LogLevel:               "info",
		LogFormat:              "text",
		Workers:                4,
		StepTimeoutMs:          30000,
		StepRetryDelayMs:       1000,
		JobRetryBaseMs:         1000,
		JobRetryMaxMs:          300000,
		ChainsDir:              filepath.Join(opchainDir(), "chains"),
		PluginHealthIntervalMs: 30000,
	}
}

func opchainDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opchain"
	}
	return filepath.Join(home, ".opchain")
}

func settingsPath() string {
	return filepath.Join(opchainDir(), "settings.json")
}

// loadConfig layers defaults, the settings file and env vars. An empty
// path reads ~/.opchain/settings.json and tolerates its absence; an
// explicit path must exist.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeConfig(data, chains.FormatOf(path), &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	case explicit || !os.IsNotExist(err):
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

// decodeConfig reads JSON or YAML. YAML goes through JSON so both forms
// share the json field names.
func decodeConfig(data []byte, format chains.Format, cfg *Config) error {
	if format == chains.FormatYAML {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		if doc == nil {
			return nil
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		data = converted
	}
	return json.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("OPCHAIN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("OPCHAIN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("OPCHAIN_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("OPCHAIN_CHAINS_DIR"); v != "" {
		cfg.ChainsDir = v
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"OPCHAIN_WORKERS", &cfg.Workers},
		{"OPCHAIN_STEP_TIMEOUT_MS", &cfg.StepTimeoutMs},
		{"OPCHAIN_STEP_RETRY_DELAY_MS", &cfg.StepRetryDelayMs},
		{"OPCHAIN_JOB_RETRY_BASE_MS", &cfg.JobRetryBaseMs},
		{"OPCHAIN_JOB_RETRY_MAX_MS", &cfg.JobRetryMaxMs},
		{"OPCHAIN_PLUGIN_HEALTH_INTERVAL_MS", &cfg.PluginHealthIntervalMs},
	}
	for _, e := range ints {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", e.key, v)
		}
		*e.dst = n
	}
	return nil
}

func (c Config) validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.StepTimeoutMs < 0 || c.StepRetryDelayMs < 0 || c.JobRetryBaseMs < 0 || c.JobRetryMaxMs < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
