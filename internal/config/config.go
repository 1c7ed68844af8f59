// Package config loads application configuration from a config.yaml file
// and PROSPECTOR_-prefixed environment variables. Environment wins over
// file, file wins over defaults.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/prospector/internal/ledger"
	"github.com/sells-group/prospector/internal/store"
	"github.com/sells-group/prospector/internal/workflow"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig              `yaml:"store" mapstructure:"store"`
	Server    ServerConfig             `yaml:"server" mapstructure:"server"`
	Temporal  TemporalConfig           `yaml:"temporal" mapstructure:"temporal"`
	Ledger    ledger.Config            `yaml:"ledger" mapstructure:"ledger"`
	Pipeline  workflow.PipelineOptions `yaml:"pipeline" mapstructure:"pipeline"`
	Reviews   ReviewsConfig            `yaml:"reviews" mapstructure:"reviews"`
	Anthropic AnthropicConfig          `yaml:"anthropic" mapstructure:"anthropic"`
	Log       LogConfig                `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port        int `yaml:"port" mapstructure:"port"`
	MaxJobItems int `yaml:"max_job_items" mapstructure:"max_job_items"`
}

// TemporalConfig configures the Temporal client connection.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// ReviewsConfig holds review provider API settings.
type ReviewsConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROSPECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_job_items", 500)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("ledger.max_attempts", 3)
	v.SetDefault("ledger.initial_backoff", "20ms")
	v.SetDefault("ledger.max_backoff", "250ms")
	v.SetDefault("pipeline.warmup_seconds", 5)
	v.SetDefault("pipeline.poll_interval_seconds", 3)
	v.SetDefault("pipeline.poll_max_attempts", 8)
	v.SetDefault("pipeline.batch_size", 10)
	v.SetDefault("reviews.base_url", "https://api.reviewradar.io/v1")
	v.SetDefault("reviews.rate_limit", 5.0)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the fields a given command needs are present.
// Commands that never touch a provider do not require its key.
func (c *Config) Validate(command string) error {
	var missing []string

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url (PROSPECTOR_STORE_DATABASE_URL)")
	}

	if command == "worker" {
		if c.Reviews.Key == "" {
			missing = append(missing, "reviews.key (PROSPECTOR_REVIEWS_KEY)")
		}
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key (PROSPECTOR_ANTHROPIC_KEY)")
		}
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required settings for %s: %s",
			command, strings.Join(missing, ", "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
