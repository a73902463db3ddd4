// Package config loads the service configuration from a YAML file and
// MEMMESH_-prefixed environment variables, with sensible defaults for
// local development.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig defines the HTTP server configuration.
type ServerConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig defines the Postgres connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// DSN builds the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.Username), url.QueryEscape(c.Password),
		c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig defines the embedding cache configuration. The cache is
// optional; an empty address disables it.
type RedisConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LLMConfig defines the provider and gateway configuration.
type LLMConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	EmbedModel      string        `mapstructure:"embed_model"`
	ChatModel       string        `mapstructure:"chat_model"`
	EmbedDimensions int           `mapstructure:"embed_dimensions"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	MaxQueued       int           `mapstructure:"max_queued"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryBudget     time.Duration `mapstructure:"retry_budget"`
}

// EngineConfig defines the memory pipeline tuning knobs.
type EngineConfig struct {
	NeighborK      int           `mapstructure:"neighbor_k"`
	GraphEnabled   bool          `mapstructure:"graph_enabled"`
	GraphQueryLLM  bool          `mapstructure:"graph_query_llm"`
	VectorDistance string        `mapstructure:"vector_distance"`
	AddTimeout     time.Duration `mapstructure:"add_timeout"`
	SearchTimeout  time.Duration `mapstructure:"search_timeout"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// SessionConfig defines the SSE session table limits.
type SessionConfig struct {
	MaxSessions int           `mapstructure:"max_sessions"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst"`
}

// TracingConfig defines the OTLP trace export configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// Config holds the complete service configuration.
type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	LLM         LLMConfig      `mapstructure:"llm"`
	Engine      EngineConfig   `mapstructure:"engine"`
	Session     SessionConfig  `mapstructure:"session"`
	Tracing     TracingConfig  `mapstructure:"tracing"`
}

// Load reads configuration from the file named by MEMMESH_CONFIG_FILE
// (default configs/config.yaml) and from MEMMESH_-prefixed environment
// variables. A missing config file is fine when the environment
// carries everything.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("MEMMESH_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("MEMMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	// Common unprefixed variables used in container environments.
	_ = v.BindEnv("llm.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("database.host", "DATABASE_HOST")
	_ = v.BindEnv("redis.address", "REDIS_ADDR")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, statErr := os.Stat(configFile); statErr == nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the invariants the rest of the service relies on.
func (c *Config) Validate() error {
	if c.LLM.EmbedDimensions <= 0 {
		return fmt.Errorf("llm.embed_dimensions must be positive, got %d", c.LLM.EmbedDimensions)
	}
	if c.Engine.NeighborK < 1 || c.Engine.NeighborK > 50 {
		return fmt.Errorf("engine.neighbor_k must be in [1, 50], got %d", c.Engine.NeighborK)
	}
	switch c.Engine.VectorDistance {
	case "cosine", "inner_product":
	default:
		return fmt.Errorf("engine.vector_distance must be cosine or inner_product, got %q", c.Engine.VectorDistance)
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("session.max_sessions must be positive, got %d", c.Session.MaxSessions)
	}
	return nil
}

// IsProduction returns true when the environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0) // SSE responses stream indefinitely
	v.SetDefault("server.idle_timeout", 90*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "memmesh")
	v.SetDefault("database.username", "memmesh")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.embed_model", "text-embedding-3-small")
	v.SetDefault("llm.chat_model", "gpt-4o-mini")
	v.SetDefault("llm.embed_dimensions", 1536)
	v.SetDefault("llm.max_concurrency", 8)
	v.SetDefault("llm.max_queued", 64)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.retry_budget", 30*time.Second)

	v.SetDefault("engine.neighbor_k", 5)
	v.SetDefault("engine.graph_enabled", true)
	v.SetDefault("engine.graph_query_llm", false)
	v.SetDefault("engine.vector_distance", "cosine")
	v.SetDefault("engine.add_timeout", 60*time.Second)
	v.SetDefault("engine.search_timeout", 15*time.Second)
	v.SetDefault("engine.default_timeout", 10*time.Second)

	v.SetDefault("session.max_sessions", 1024)
	v.SetDefault("session.idle_timeout", 30*time.Minute)
	v.SetDefault("session.rate_limit", 10.0)
	v.SetDefault("session.rate_burst", 20)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
}
