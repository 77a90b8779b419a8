// Package config builds the single process-wide configuration record. All
// defaults live here; values come from the environment first and an optional
// YAML file second, resolved through viper at process startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fleetcode/transcodeq/internal/schema"
)

// Store holds state-store connection settings.
type Store struct {
	URL          string        `mapstructure:"url"`
	Token        string        `mapstructure:"token"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// Provider holds compute-provider API settings. An empty APIToken puts the
// whole system in dev mode: no machines are created, started, or stopped.
type Provider struct {
	APIToken string `mapstructure:"api_token"`
	AppName  string `mapstructure:"app_name"`
	Region   string `mapstructure:"region"`
	Image    string `mapstructure:"image"`
	BaseURL  string `mapstructure:"base_url"`
}

// ObjectStore holds blob-store credentials and bucket names.
type ObjectStore struct {
	AccountID       string `mapstructure:"account_id"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	InputBucket     string `mapstructure:"input_bucket"`
	OutputBucket    string `mapstructure:"output_bucket"`
	Host            string `mapstructure:"host"`
}

// Events holds the upload-event feed settings.
type Events struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
	Durable string `mapstructure:"durable"`
}

// Orchestrator holds the tunable constants of the core. Defaults mirror
// internal/schema.
type Orchestrator struct {
	MaxMachines             int           `mapstructure:"max_machines"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	JobStatusTTL            time.Duration `mapstructure:"job_status_ttl"`
	MaxJobRetries           int           `mapstructure:"max_job_retries"`
	BackoffBase             time.Duration `mapstructure:"backoff_base"`
	BackoffMax              time.Duration `mapstructure:"backoff_max"`
	PresignedURLExpiry      time.Duration `mapstructure:"presigned_url_expiry"`
	UploadingRecoveryBuffer time.Duration `mapstructure:"uploading_recovery_buffer"`
	RateLimitWindow         time.Duration `mapstructure:"rate_limit_window"`
}

// Server holds HTTP listener settings.
type Server struct {
	Addr        string `mapstructure:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Config is the complete configuration record passed down to every
// component at startup.
type Config struct {
	Store        Store        `mapstructure:"store"`
	Provider     Provider     `mapstructure:"provider"`
	ObjectStore  ObjectStore  `mapstructure:"object_store"`
	Events       Events       `mapstructure:"events"`
	Orchestrator Orchestrator `mapstructure:"orchestrator"`
	Server       Server       `mapstructure:"server"`
	WebhookBase  string       `mapstructure:"webhook_base_url"`
	LogLevel     string       `mapstructure:"log_level"`
	Dev          bool         `mapstructure:"dev"`
}

// DevMode reports whether the system runs without a real compute provider.
func (c *Config) DevMode() bool {
	return c.Dev || c.Provider.APIToken == ""
}

func defaults() *Config {
	return &Config{
		Store: Store{
			URL:          "redis://localhost:6379",
			PoolSize:     20,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MaxRetries:   3,
		},
		Provider: Provider{
			AppName: "transcodeq-worker",
			Region:  "iad",
			Image:   "registry.fly.io/transcodeq-worker:latest",
			BaseURL: "https://api.machines.dev/v1",
		},
		ObjectStore: ObjectStore{
			InputBucket:  "transcodeq-inputs",
			OutputBucket: "transcodeq-outputs",
			Host:         "r2.cloudflarestorage.com",
		},
		Events: Events{
			NATSURL: "nats://localhost:4222",
			Subject: "objectstore.uploads",
			Durable: "transcodeq-uploads",
		},
		Orchestrator: Orchestrator{
			MaxMachines:             schema.DefaultMaxMachines,
			IdleTimeout:             schema.DefaultIdleTimeout,
			PollInterval:            schema.DefaultPollInterval,
			JobStatusTTL:            schema.DefaultJobStatusTTL,
			MaxJobRetries:           schema.DefaultMaxJobRetries,
			BackoffBase:             schema.DefaultBackoffBase,
			BackoffMax:              schema.DefaultBackoffMax,
			PresignedURLExpiry:      schema.DefaultPresignedURLExpiry,
			UploadingRecoveryBuffer: schema.DefaultUploadingRecoveryBuffer,
			RateLimitWindow:         schema.DefaultRateLimitWindow,
		},
		Server: Server{
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		LogLevel: "info",
	}
}

// Environment variable names recognized at the deployment boundary, mapped
// onto config keys.
var envBindings = map[string]string{
	"store.url":                      "UPSTREAM_STATE_STORE_URL",
	"store.token":                    "UPSTREAM_STATE_STORE_TOKEN",
	"provider.api_token":             "PROVIDER_API_TOKEN",
	"provider.app_name":              "PROVIDER_APP_NAME",
	"provider.region":                "PROVIDER_REGION",
	"webhook_base_url":               "WEBHOOK_BASE_URL",
	"object_store.account_id":        "OBJECT_STORE_ACCOUNT_ID",
	"object_store.access_key_id":     "OBJECT_STORE_ACCESS_KEY_ID",
	"object_store.secret_access_key": "OBJECT_STORE_SECRET_ACCESS_KEY",
	"object_store.input_bucket":      "OBJECT_STORE_INPUT_BUCKET",
	"object_store.output_bucket":     "OBJECT_STORE_OUTPUT_BUCKET",
	"log_level":                      "LOG_LEVEL",
}

// Load reads configuration from the environment and, when path names an
// existing file, a YAML overlay. Defaults apply for everything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	def := defaults()
	v.SetDefault("store.url", def.Store.URL)
	v.SetDefault("store.pool_size", def.Store.PoolSize)
	v.SetDefault("store.min_idle_conns", def.Store.MinIdleConns)
	v.SetDefault("store.dial_timeout", def.Store.DialTimeout)
	v.SetDefault("store.read_timeout", def.Store.ReadTimeout)
	v.SetDefault("store.write_timeout", def.Store.WriteTimeout)
	v.SetDefault("store.max_retries", def.Store.MaxRetries)
	v.SetDefault("provider.app_name", def.Provider.AppName)
	v.SetDefault("provider.region", def.Provider.Region)
	v.SetDefault("provider.image", def.Provider.Image)
	v.SetDefault("provider.base_url", def.Provider.BaseURL)
	v.SetDefault("object_store.input_bucket", def.ObjectStore.InputBucket)
	v.SetDefault("object_store.output_bucket", def.ObjectStore.OutputBucket)
	v.SetDefault("object_store.host", def.ObjectStore.Host)
	v.SetDefault("events.nats_url", def.Events.NATSURL)
	v.SetDefault("events.subject", def.Events.Subject)
	v.SetDefault("events.durable", def.Events.Durable)
	v.SetDefault("orchestrator.max_machines", def.Orchestrator.MaxMachines)
	v.SetDefault("orchestrator.idle_timeout", def.Orchestrator.IdleTimeout)
	v.SetDefault("orchestrator.poll_interval", def.Orchestrator.PollInterval)
	v.SetDefault("orchestrator.job_status_ttl", def.Orchestrator.JobStatusTTL)
	v.SetDefault("orchestrator.max_job_retries", def.Orchestrator.MaxJobRetries)
	v.SetDefault("orchestrator.backoff_base", def.Orchestrator.BackoffBase)
	v.SetDefault("orchestrator.backoff_max", def.Orchestrator.BackoffMax)
	v.SetDefault("orchestrator.presigned_url_expiry", def.Orchestrator.PresignedURLExpiry)
	v.SetDefault("orchestrator.uploading_recovery_buffer", def.Orchestrator.UploadingRecoveryBuffer)
	v.SetDefault("orchestrator.rate_limit_window", def.Orchestrator.RateLimitWindow)
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("server.metrics_addr", def.Server.MetricsAddr)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("dev", false)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid
// settings.
func Validate(cfg *Config) error {
	if cfg.Store.URL == "" {
		return fmt.Errorf("store.url must be set")
	}
	if cfg.Orchestrator.MaxMachines < 1 {
		return fmt.Errorf("orchestrator.max_machines must be >= 1")
	}
	if cfg.Orchestrator.MaxJobRetries < 0 {
		return fmt.Errorf("orchestrator.max_job_retries must be >= 0")
	}
	if cfg.Orchestrator.PollInterval <= 0 {
		return fmt.Errorf("orchestrator.poll_interval must be > 0")
	}
	if cfg.Orchestrator.BackoffBase <= 0 || cfg.Orchestrator.BackoffMax < cfg.Orchestrator.BackoffBase {
		return fmt.Errorf("orchestrator backoff range invalid")
	}
	if cfg.Orchestrator.RateLimitWindow <= 0 {
		return fmt.Errorf("orchestrator.rate_limit_window must be > 0")
	}
	if !cfg.DevMode() && cfg.Provider.AppName == "" {
		return fmt.Errorf("provider.app_name must be set outside dev mode")
	}
	return nil
}
