package config

import (
	"errors"
	"strings"

	"github.com/andresmejia3/facetag/internal/errs"
	"github.com/andresmejia3/facetag/internal/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the top-level facetag configuration.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Log      LogConfig      `mapstructure:"log"`
	Match    MatchConfig    `mapstructure:"match"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Detector DetectorConfig `mapstructure:"detector"`
	Embedder EmbedderConfig `mapstructure:"embedder"`
}

// StoreConfig selects where identities are persisted. Path is either a
// SQLite file path or a postgres:// URL.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MatchConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

// WorkerConfig controls the python collaborator processes.
type WorkerConfig struct {
	Python  string `mapstructure:"python"`
	Script  string `mapstructure:"script"`
	Engines int    `mapstructure:"engines"`
}

type DetectorConfig struct {
	Model     string  `mapstructure:"model"`
	Threshold float64 `mapstructure:"threshold"`
}

type EmbedderConfig struct {
	Model string `mapstructure:"model"`
}

// Defaults mirrors the flag defaults so file/env-only setups behave the same.
var Defaults = map[string]any{
	"store.path":         "facetag.db",
	"log.level":          "info",
	"match.threshold":    0.65,
	"worker.python":      "python3",
	"worker.script":      "python/worker.py",
	"worker.engines":     1,
	"detector.model":     "models/blazeface640.onnx",
	"detector.threshold": 0.5,
	"embedder.model":     "models/arcface.onnx",
}

// Load reads configuration from defaults, an optional .env file, environment
// variables (prefix FACETAG_), the optional config file at path, and finally
// any explicitly set flags in bindings (viper key -> flag).
func Load(path string, bindings map[string]*pflag.Flag) (*Config, error) {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range Defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("FACETAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.Errorf(errs.CodeConfigInvalid, "reading config %s: %w", path, err)
		}
	}

	for key, flag := range bindings {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, errs.Errorf(errs.CodeConfigInvalid, "binding flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Errorf(errs.CodeConfigInvalid, "unmarshalling config: %w", err)
	}

	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, errs.Errorf(errs.CodeConfigInvalid, "validating config: %w", errors.Join(problems...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors, collecting every
// problem instead of stopping at the first.
func (c *Config) Validate() []error {
	var problems []error

	if strings.TrimSpace(c.Store.Path) == "" {
		problems = append(problems, errors.New("store.path must not be empty"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err)
	}
	if err := ValidateThreshold("match.threshold", c.Match.Threshold); err != nil {
		problems = append(problems, err)
	}
	if err := ValidateThreshold("detector.threshold", c.Detector.Threshold); err != nil {
		problems = append(problems, err)
	}
	if c.Worker.Engines < 1 {
		problems = append(problems, errors.New("worker.engines must be >= 1"))
	}

	return problems
}

// ValidateThreshold accepts values in (0, 1].
func ValidateThreshold(name string, value float64) error {
	if value <= 0 || value > 1.0 {
		return errs.Errorf(errs.CodeConfigInvalid, "%s must be between 0.0 and 1.0, got %f", name, value)
	}
	return nil
}
