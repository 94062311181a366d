package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	AnthropicKey   string        `mapstructure:"ANTHROPIC_API_KEY"`
	OracleModel    string        `mapstructure:"ORACLE_MODEL"`
	OracleTimeout  time.Duration `mapstructure:"ORACLE_TIMEOUT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	DedupScope     string        `mapstructure:"DEDUP_SCOPE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ORACLE_TIMEOUT", "20s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("DEDUP_SCOPE", "patient")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("ANTHROPIC_API_KEY")
	v.BindEnv("ORACLE_MODEL")
	v.BindEnv("ORACLE_TIMEOUT")
	v.BindEnv("REQUEST_TIMEOUT")
	v.BindEnv("DEDUP_SCOPE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.DedupScope != "patient" && c.DedupScope != "encounter" {
		return fmt.Errorf("DEDUP_SCOPE must be \"patient\" or \"encounter\", got %q", c.DedupScope)
	}
	if c.OracleTimeout <= 0 {
		return fmt.Errorf("ORACLE_TIMEOUT must be positive, got %s", c.OracleTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.RequestTimeout <= c.OracleTimeout {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must exceed ORACLE_TIMEOUT (%s) so the fallback can run",
			c.RequestTimeout, c.OracleTimeout)
	}
	return nil
}
