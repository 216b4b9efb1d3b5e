package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are
// separated by a double underscore: LEGIS_SERVER__PORT=9000.
const EnvPrefix = "LEGIS_"

// DefaultPath is read when LEGIS_CONFIG is unset.
const DefaultPath = "config.yaml"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Generation GenerationConfig `koanf:"generation"`
	Upstream   UpstreamConfig   `koanf:"upstream"`
	Storage    StorageConfig    `koanf:"storage"`
	Auth       AuthConfig       `koanf:"auth"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	AllowedOrigin  string        `koanf:"allowed_origin"`
}

// GenerationConfig points the Consumer at a generation endpoint. When URL is
// empty the server uses its own /functions/v1/generate-text route.
type GenerationConfig struct {
	URL             string        `koanf:"url"`
	APIKey          string        `koanf:"api_key"`
	Model           string        `koanf:"model"`
	StreamTimeout   time.Duration `koanf:"stream_timeout"`
	FallbackTimeout time.Duration `koanf:"fallback_timeout"`
	UserAgent       string        `koanf:"user_agent"`
	NotifySuccess   bool          `koanf:"notify_success"`
}

// UpstreamConfig is the OpenAI-compatible LLM behind the generation endpoint.
type UpstreamConfig struct {
	BaseURL     string   `koanf:"base_url"`
	APIKey      string   `koanf:"api_key"`
	Model       string   `koanf:"model"`
	MaxTokens   int      `koanf:"max_tokens"`
	Temperature *float32 `koanf:"temperature"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type AuthConfig struct {
	APIKeys []APIKeyConfig `koanf:"api_keys"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Caller      string `koanf:"caller"`
	Description string `koanf:"description"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.port":                 8080,
	"server.request_timeout":      "120s",
	"server.allowed_origin":       "*",
	"generation.model":            "gpt-4o-mini",
	"generation.stream_timeout":   "90s",
	"generation.fallback_timeout": "60s",
	"generation.user_agent":       "legisdraft/1.0",
	"upstream.base_url":           "https://api.openai.com/v1",
	"upstream.model":              "gpt-4o-mini",
	"upstream.max_tokens":         2048,
	"storage.type":                "sqlite",
	"storage.sqlite.path":         "legisdraft.db",
	"telemetry.service_name":      "legisdraft",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the file named by LEGIS_CONFIG (or config.yaml), then applies
// LEGIS_ environment overrides and defaults.
func Load() (*Config, error) {
	path := os.Getenv("LEGIS_CONFIG")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit file. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Generation.APIKey = substituteEnvVars(cfg.Generation.APIKey)
	cfg.Upstream.APIKey = substituteEnvVars(cfg.Upstream.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values koanf cannot.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Storage.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	if c.Generation.StreamTimeout < 0 || c.Generation.FallbackTimeout < 0 {
		return errors.New("generation timeouts must not be negative")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
