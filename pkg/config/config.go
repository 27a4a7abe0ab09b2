// Package config loads the daemon configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=postgres sqlite memory"`
	DSN    string `yaml:"dsn"`
}

// Config is the full daemon configuration.
type Config struct {
	ListenAddr    string      `yaml:"listen_addr" validate:"required"`
	SourceBaseURL string      `yaml:"source_base_url" validate:"required,url"`
	WindBaseURL   string      `yaml:"wind_base_url" validate:"required,url"`
	Store         StoreConfig `yaml:"store"`
	NATSUrl       string      `yaml:"nats_url"`
	LogLevel      string      `yaml:"log_level"`
	LogJSON       bool        `yaml:"log_json"`
	AutoIngest    bool        `yaml:"auto_ingest"`
	WindCacheMax  int         `yaml:"wind_cache_max" validate:"gte=0"`
	CORSOrigins   []string    `yaml:"cors_origins"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ListenAddr:    "0.0.0.0:8080",
		SourceBaseURL: "https://a.windbornesystems.com/treasure",
		WindBaseURL:   "https://api.open-meteo.com/v1/forecast",
		Store:         StoreConfig{Driver: "sqlite", DSN: "constellation.db"},
		LogLevel:      "info",
		AutoIngest:    true,
		WindCacheMax:  10000,
		CORSOrigins:   []string{"http://localhost:3000", "http://127.0.0.1:3000"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if it
// exists), then environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Optional file; env and defaults carry the configuration.
		default:
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, into *string) {
		if v := os.Getenv(key); v != "" {
			*into = v
		}
	}
	setBool := func(key string, into *bool) {
		if v := os.Getenv(key); v != "" {
			*into = v == "true" || v == "1"
		}
	}

	setString("LISTEN_ADDR", &cfg.ListenAddr)
	setString("SOURCE_BASE_URL", &cfg.SourceBaseURL)
	setString("WIND_BASE_URL", &cfg.WindBaseURL)
	setString("STORE_DRIVER", &cfg.Store.Driver)
	setString("STORE_DSN", &cfg.Store.DSN)
	setString("NATS_URL", &cfg.NATSUrl)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setBool("LOG_JSON", &cfg.LogJSON)
	setBool("AUTO_INGEST", &cfg.AutoIngest)

	if v := os.Getenv("WIND_CACHE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WindCacheMax = n
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		cfg.CORSOrigins = origins
	}
}
