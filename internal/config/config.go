// Package config loads service configuration from a YAML file with
// environment variable overrides. Env always wins: deployments tune a shared
// config file through the environment without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Qdrant   QdrantConfig   `yaml:"qdrant"`
	Provider ProviderConfig `yaml:"provider"`
	Storage  StorageConfig  `yaml:"storage"`
	Budget   BudgetConfig   `yaml:"budget"`
	Workers  WorkersConfig  `yaml:"workers"`
	Ingest   IngestConfig   `yaml:"ingest"`
	CORS     CORSConfig     `yaml:"cors"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	Env             string        `yaml:"env"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type QdrantConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

type ProviderConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	PolicyPath string `yaml:"policy_path"`
}

type StorageConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	Token         string `yaml:"token"`
	PublicBaseURL string `yaml:"public_base_url"`
	SigningSecret string `yaml:"signing_secret"`
}

type BudgetConfig struct {
	DailyUSD     float64 `yaml:"daily_usd"`
	AlertWebhook string  `yaml:"alert_webhook"`
}

type WorkersConfig struct {
	MaxRenderWorkers  int           `yaml:"max_render_workers"`
	AutoscaleInterval time.Duration `yaml:"autoscale_interval"`
}

type IngestConfig struct {
	RefURLAllowHosts []string `yaml:"ref_url_allow_hosts"`
}

type CORSConfig struct {
	AllowOrigins []string `yaml:"allow_origins"`
}

// Defaults returns the config used when no file or env is present.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Env:             "development",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis:    RedisConfig{URL: "redis://localhost:6379/0"},
		Qdrant:   QdrantConfig{URL: "http://localhost:6333"},
		Provider: ProviderConfig{BaseURL: "https://openrouter.ai/api/v1"},
		Budget:   BudgetConfig{DailyUSD: 10.0},
		Workers: WorkersConfig{
			MaxRenderWorkers:  3,
			AutoscaleInterval: 15 * time.Second,
		},
	}
}

// Load reads the YAML file at path (skipped when empty or absent) and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("config parse failed: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Server.Port, "SERVICE_PORT")
	setStr(&c.Server.Env, "SERVICE_ENV")
	setDur(&c.Server.ReadTimeout, "SERVICE_READ_TIMEOUT")
	setDur(&c.Server.WriteTimeout, "SERVICE_WRITE_TIMEOUT")
	setDur(&c.Server.ShutdownTimeout, "SERVICE_SHUTDOWN_TIMEOUT")

	setStr(&c.Redis.URL, "REDIS_URL")
	setStr(&c.Database.URL, "DATABASE_URL")
	setStr(&c.Qdrant.URL, "QDRANT_URL")
	setStr(&c.Qdrant.APIKey, "QDRANT_API_KEY")

	setStr(&c.Provider.BaseURL, "OPENROUTER_BASE_URL")
	setStr(&c.Provider.APIKey, "OPENROUTER_API_KEY")
	setStr(&c.Provider.PolicyPath, "MODEL_POLICY_PATH")

	setStr(&c.Storage.Endpoint, "STORAGE_ENDPOINT")
	setStr(&c.Storage.Bucket, "STORAGE_BUCKET")
	setStr(&c.Storage.Token, "STORAGE_TOKEN")
	setStr(&c.Storage.PublicBaseURL, "STORAGE_PUBLIC_BASE_URL")
	setStr(&c.Storage.SigningSecret, "STORAGE_SIGNING_SECRET")

	setFloat(&c.Budget.DailyUSD, "DAILY_BUDGET_USD")
	setStr(&c.Budget.AlertWebhook, "BUDGET_ALERT_WEBHOOK")

	setInt(&c.Workers.MaxRenderWorkers, "MAX_RENDER_WORKERS")
	setDur(&c.Workers.AutoscaleInterval, "WORKER_AUTOSCALE_INTERVAL")

	setList(&c.Ingest.RefURLAllowHosts, "REF_URL_ALLOW_HOSTS")
	setList(&c.CORS.AllowOrigins, "CORS_ALLOW_ORIGINS")
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Budget.DailyUSD < 0 {
		return fmt.Errorf("daily budget must not be negative")
	}
	if c.Workers.MaxRenderWorkers < 1 {
		return fmt.Errorf("max render workers must be at least 1")
	}
	return nil
}

// IsProduction reports whether the org-header auth fallback and other dev
// affordances must be disabled.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

func setStr(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, env string) {
	if v := os.Getenv(env); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDur(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setList(dst *[]string, env string) {
	if v := os.Getenv(env); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
