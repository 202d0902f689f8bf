package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Retention RetentionConfig `mapstructure:"retention"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // postgres | memory
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type DeliveryConfig struct {
	Workers          int           `mapstructure:"workers"`
	Timeout          time.Duration `mapstructure:"timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	BatchSize        int64         `mapstructure:"batch_size"`
}

type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Jitter       float64       `mapstructure:"jitter"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

type RetentionConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	Interval time.Duration `mapstructure:"interval"`
}

type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("redis.url", "")

	v.SetDefault("delivery.workers", 50)
	v.SetDefault("delivery.timeout", 10*time.Second)
	v.SetDefault("delivery.user_agent", "Purrr.love-Webhook/1.0")
	v.SetDefault("delivery.max_response_bytes", 1024)
	v.SetDefault("delivery.poll_interval", 100*time.Millisecond)
	v.SetDefault("delivery.batch_size", 10)

	v.SetDefault("retry.max_attempts", 8)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", time.Hour)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.poll_interval", 500*time.Millisecond)
	v.SetDefault("retry.batch_size", 100)
	v.SetDefault("retry.stale_after", 2*time.Minute)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", 30*time.Second)

	v.SetDefault("retention.max_age", 30*24*time.Hour)
	v.SetDefault("retention.interval", time.Hour)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "purrr-webhooks")

	v.SetDefault("log.level", "info")
}

// Load reads configuration from the optional file at path, then from the
// environment. DELIVERY_WORKERS overrides delivery.workers, and so on.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Flat names used by existing deployment manifests.
	_ = v.BindEnv("server.port", "PORT", "SERVER_PORT")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("delivery.workers", "NUM_WORKERS", "DELIVERY_WORKERS")
	_ = v.BindEnv("retry.max_attempts", "MAX_ATTEMPTS", "RETRY_MAX_ATTEMPTS")
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "TRACING_ENDPOINT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the engine relies on.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Redis.URL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	}
	if c.Delivery.Workers <= 0 {
		errs = append(errs, errors.New("delivery.workers must be positive"))
	}
	if c.Delivery.Timeout <= 0 {
		errs = append(errs, errors.New("delivery.timeout must be positive"))
	}
	if c.Delivery.PollInterval <= 0 {
		errs = append(errs, errors.New("delivery.poll_interval must be positive"))
	}
	if c.Delivery.BatchSize <= 0 {
		errs = append(errs, errors.New("delivery.batch_size must be positive"))
	}
	if c.Retry.PollInterval <= 0 {
		errs = append(errs, errors.New("retry.poll_interval must be positive"))
	}
	if c.Retry.BatchSize <= 0 {
		errs = append(errs, errors.New("retry.batch_size must be positive"))
	}
	// A pending attempt younger than the request timeout may still be in flight.
	if c.Retry.StaleAfter <= c.Delivery.Timeout {
		errs = append(errs, errors.New("retry.stale_after must exceed delivery.timeout"))
	}
	if c.Retention.MaxAge < 0 {
		errs = append(errs, errors.New("retention.max_age must not be negative"))
	}
	if c.Retention.MaxAge > 0 && c.Retention.Interval <= 0 {
		errs = append(errs, errors.New("retention.interval must be positive when retention.max_age is set"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry delays must satisfy 0 < base_delay <= max_delay"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		errs = append(errs, errors.New("retry.jitter must be in [0, 1)"))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be at least 1"))
	}
	if c.Breaker.Cooldown <= 0 {
		errs = append(errs, errors.New("breaker.cooldown must be positive"))
	}

	return errors.Join(errs...)
}
