package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`
	ServerName  string `koanf:"server_name"`

	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`

	Consent   ConsentConfig   `koanf:"consent"`
	Audit     AuditConfig     `koanf:"audit"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	QueryTimeout    time.Duration `koanf:"query_timeout"`
}

type RedisConfig struct {
	URL      string        `koanf:"url"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

type ConsentConfig struct {
	// CheckTimeout bounds a single consent store round trip.
	CheckTimeout time.Duration `koanf:"check_timeout"`
	// EmergencyGrantDuration is the validity of a break-glass grant.
	EmergencyGrantDuration time.Duration `koanf:"emergency_grant_duration"`
	// EmergencyRatePerDay is the per-caller break-glass budget enforced by
	// the limiter shim standing in for the upstream rate limiter.
	EmergencyRatePerDay int `koanf:"emergency_rate_per_day"`
}

type AuditConfig struct {
	// QueueSize is the capacity of the bounded append buffer.
	QueueSize int `koanf:"queue_size"`
	// Workers drain the append buffer concurrently.
	Workers int `koanf:"workers"`
	// WriteTimeout bounds a single ledger write.
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// RetryAttempts is the number of local retries before log-and-drop.
	RetryAttempts int `koanf:"retry_attempts"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		ServerName:  "records-01",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Redis: RedisConfig{
			DB:       0,
			CacheTTL: 2 * time.Minute,
		},
		Consent: ConsentConfig{
			CheckTimeout:           2 * time.Second,
			EmergencyGrantDuration: 24 * time.Hour,
			EmergencyRatePerDay:    5,
		},
		Audit: AuditConfig{
			QueueSize:     10000,
			Workers:       8,
			WriteTimeout:  5 * time.Second,
			RetryAttempts: 1,
		},
		Telemetry: TelemetryConfig{
			Enabled:      true,
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional.
	_ = k.Load(file.Provider("configs/config.yaml"), yaml.Parser())

	// Override with environment variables.
	if err := k.Load(env.Provider("CGP_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CGP_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
