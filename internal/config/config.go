// Package config loads portal configuration from an optional TOML file with
// PANEL_* environment variables layered on top. A .env file in the working
// directory is honored for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	Nats       NatsConfig       `toml:"nats"`
	Auth       AuthConfig       `toml:"auth"`
	VirtFusion VirtFusionConfig `toml:"virtfusion"`
	Billing    BillingConfig    `toml:"billing"`
	CORS       CORSConfig       `toml:"cors"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
	SSLMode  string `toml:"sslmode"`

	// URL overrides the individual fields when set. Env only
	// (PANEL_DATABASE_URL); never put credentials in the TOML file.
	URL string `toml:"-"`
}

type RedisConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

type NatsConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

type AuthConfig struct {
	JWTSecret     string `toml:"jwt_secret"`
	TokenTTLHours int    `toml:"token_ttl_hours"`
}

type VirtFusionConfig struct {
	BaseURL  string `toml:"base_url"`
	APIToken string `toml:"api_token"`
}

type BillingConfig struct {
	Provider      string `toml:"provider"`
	WebhookSecret string `toml:"webhook_secret"`
}

type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present. Secrets default to empty and fail
// Validate so a misconfigured deployment stops at boot.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "panel",
			Name:    "panel",
			SSLMode: "disable",
		},
		Redis: RedisConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    6379,
		},
		Nats: NatsConfig{
			Enabled: true,
			URL:     "nats://localhost:4222",
		},
		Auth: AuthConfig{
			TokenTTLHours: 24,
		},
		Billing: BillingConfig{
			Provider: "stripe",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
		},
	}
}

// Load builds the effective configuration: defaults, then the TOML file at
// path (if non-empty), then PANEL_* environment variables.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Host, "PANEL_SERVER_HOST")
	setInt(&c.Server.Port, "PANEL_SERVER_PORT")

	setString(&c.Database.URL, "PANEL_DATABASE_URL")
	setString(&c.Database.Host, "PANEL_DB_HOST")
	setInt(&c.Database.Port, "PANEL_DB_PORT")
	setString(&c.Database.User, "PANEL_DB_USER")
	setString(&c.Database.Password, "PANEL_DB_PASSWORD")
	setString(&c.Database.Name, "PANEL_DB_NAME")
	setString(&c.Database.SSLMode, "PANEL_DB_SSLMODE")

	setBool(&c.Redis.Enabled, "PANEL_REDIS_ENABLED")
	setString(&c.Redis.Host, "PANEL_REDIS_HOST")
	setInt(&c.Redis.Port, "PANEL_REDIS_PORT")

	setBool(&c.Nats.Enabled, "PANEL_NATS_ENABLED")
	setString(&c.Nats.URL, "PANEL_NATS_URL")

	setString(&c.Auth.JWTSecret, "PANEL_JWT_SECRET")
	setInt(&c.Auth.TokenTTLHours, "PANEL_TOKEN_TTL_HOURS")

	setString(&c.VirtFusion.BaseURL, "PANEL_VIRTFUSION_URL")
	setString(&c.VirtFusion.APIToken, "PANEL_VIRTFUSION_TOKEN")

	setString(&c.Billing.Provider, "PANEL_BILLING_PROVIDER")
	setString(&c.Billing.WebhookSecret, "PANEL_WEBHOOK_SECRET")

	if v := os.Getenv("PANEL_CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		c.CORS.AllowedOrigins = origins
	}
}

// Validate rejects configurations that cannot serve traffic safely.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (PANEL_JWT_SECRET)")
	}
	if c.Auth.TokenTTLHours <= 0 {
		return fmt.Errorf("auth.token_ttl_hours must be positive, got %d", c.Auth.TokenTTLHours)
	}
	if c.VirtFusion.BaseURL == "" {
		return fmt.Errorf("virtfusion.base_url is required (PANEL_VIRTFUSION_URL)")
	}
	if c.VirtFusion.APIToken == "" {
		return fmt.Errorf("virtfusion.api_token is required (PANEL_VIRTFUSION_TOKEN)")
	}
	if c.Billing.WebhookSecret == "" {
		return fmt.Errorf("billing.webhook_secret is required (PANEL_WEBHOOK_SECRET)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// DSN returns the Postgres connection string, preferring the URL override.
func (c *Config) DSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.Name, c.Database.SSLMode)
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
