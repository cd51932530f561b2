// Package config loads celeste settings from an optional config file and
// CELESTE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendSQLite    = "sqlite"
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
)

type Config struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	DataDir        string `mapstructure:"data_dir"`
	OwnerID        string `mapstructure:"owner_id"`
	SelectionsPath string `mapstructure:"selections_path"`
	// Autosave flushes the conversation after every submission.
	Autosave bool `mapstructure:"autosave"`

	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Backend BackendConfig `mapstructure:"backend"`
	Gemini  GeminiConfig  `mapstructure:"gemini"`
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File receives logs instead of stderr when set. The terminal UI always
	// logs to a file.
	File string `mapstructure:"file"`
}

type StoreConfig struct {
	Backend          string `mapstructure:"backend"`
	SQLitePath       string `mapstructure:"sqlite_path"`
	FirestoreProject string `mapstructure:"firestore_project"`
	// FirestoreCredentials is a service account key file. Application
	// default credentials are used when empty.
	FirestoreCredentials string `mapstructure:"firestore_credentials"`
}

// BackendConfig points at a REST generation service.
type BackendConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// Timeout bounds the wait for response headers. Streamed bodies are not
	// limited. Zero waits indefinitely.
	Timeout time.Duration `mapstructure:"timeout"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// New returns a viper instance with defaults and environment bindings. Flags
// may be bound to it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("data_dir", "./.celeste")
	v.SetDefault("owner_id", "local")
	v.SetDefault("selections_path", "")
	v.SetDefault("autosave", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.firestore_project", "")
	v.SetDefault("store.firestore_credentials", "")

	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.timeout", "0s")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")

	v.SetEnvPrefix("celeste")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Accept the providers' conventional variables too.
	v.BindEnv("gemini.api_key", "CELESTE_GEMINI_API_KEY", "GEMINI_API_KEY")
	v.BindEnv("openai.api_key", "CELESTE_OPENAI_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("store.firestore_project", "CELESTE_STORE_FIRESTORE_PROJECT", "GOOGLE_CLOUD_PROJECT")

	return v
}

// Load reads path (if set) into v and decodes the result. Derived paths are
// resolved against DataDir.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(cfg.DataDir, "celeste.db")
	}
	if cfg.SelectionsPath == "" {
		cfg.SelectionsPath = filepath.Join(cfg.DataDir, "selections.toml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendSQLite, BackendMemory:
	case BackendFirestore:
		if c.Store.FirestoreProject == "" {
			errs = append(errs, errors.New("store.firestore_project is required for the firestore backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if c.OwnerID == "" {
		errs = append(errs, errors.New("owner_id must not be empty"))
	}
	if c.Backend.Timeout < 0 {
		errs = append(errs, errors.New("backend.timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// HasProviders reports whether at least one generation service is configured.
func (c *Config) HasProviders() bool {
	return c.Backend.BaseURL != "" || c.Gemini.APIKey != "" || c.OpenAI.APIKey != ""
}
