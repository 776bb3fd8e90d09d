// Package config loads the application configuration from YAML, with
// environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ragchat-dev/ragchat/pkg/chat"
	"github.com/ragchat-dev/ragchat/pkg/llm"
	"github.com/ragchat-dev/ragchat/pkg/observability"
	"github.com/ragchat-dev/ragchat/pkg/promptcache"
)

// Config is the application configuration.
type Config struct {
	// OpenAI configures the completion and embedding provider.
	OpenAI llm.OpenAIConfig `yaml:"openai"`

	// Budgets are the per-turn token budgets.
	Budgets chat.Budgets `yaml:"budgets"`

	// Cache configures the Redis response cache.
	Cache promptcache.RedisConfig `yaml:"cache"`

	// Store selects the session store backend: "sqlite" or "firestore".
	Store string `yaml:"store"`

	// SQLitePath is the database file for the sqlite store.
	SQLitePath string `yaml:"sqlite_path"`

	// Firestore configures the firestore store.
	Firestore chat.FirestoreConfig `yaml:"firestore"`

	// MaxVectorSearchResults caps candidates requested per retrieval.
	MaxVectorSearchResults int `yaml:"max_vector_search_results"`

	// MetricsPort is the /metrics and /healthz listen port.
	MetricsPort int `yaml:"metrics_port"`

	// Tracing configures OpenTelemetry trace export.
	Tracing observability.TracingConfig `yaml:"tracing"`
}

// Default returns the configuration used when fields are left unset.
func Default() Config {
	return Config{
		Budgets:                chat.DefaultBudgets(),
		Store:                  "sqlite",
		SQLitePath:             "ragchat.db",
		MaxVectorSearchResults: 10,
		MetricsPort:            9090,
	}
}

// Load reads the YAML file at path and applies environment overrides.
// A missing file is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fall through to environment-only configuration.
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets secrets stay out of the YAML file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAI.BaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
}

func validate(cfg *Config) error {
	switch cfg.Store {
	case "sqlite":
		if cfg.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for the sqlite store")
		}
	case "firestore":
		if cfg.Firestore.ProjectID == "" {
			return fmt.Errorf("firestore.project_id is required for the firestore store")
		}
	default:
		return fmt.Errorf("unknown store %q (want sqlite or firestore)", cfg.Store)
	}
	return nil
}
