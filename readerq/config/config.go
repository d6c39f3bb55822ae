package config

import (
	"context"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/olamilekan000/readerq/readerq/backend"
	"github.com/olamilekan000/readerq/readerq/driver"
	"github.com/olamilekan000/readerq/readerq/errors"
)

type Config struct {
	Driver driver.Driver `env:"READERQ_DRIVER"` // "sqlite" (default)

	SQLitePath        string        `env:"READERQ_SQLITE_PATH"`
	SQLiteBusyTimeout time.Duration `env:"READERQ_SQLITE_BUSY_TIMEOUT"`

	RedisURL             string        `env:"READERQ_REDIS_URL"`
	RedisHost            string        `env:"READERQ_REDIS_HOST"`
	RedisPort            int           `env:"READERQ_REDIS_PORT"`
	RedisDB              int           `env:"READERQ_REDIS_DB"`
	RedisPassword        string        `env:"READERQ_REDIS_PASSWORD"`
	RedisUsername        string        `env:"READERQ_REDIS_USERNAME"`
	RedisPoolSize        int           `env:"READERQ_REDIS_POOL_SIZE"`
	RedisMaxRetries      int           `env:"READERQ_REDIS_MAX_RETRIES"`
	RedisConnMaxIdleTime time.Duration `env:"READERQ_REDIS_CONN_MAX_IDLE_TIME"`
	RedisPingTimeout     time.Duration `env:"READERQ_REDIS_PING_TIMEOUT"`
	RedisPrefix          string        `env:"READERQ_REDIS_PREFIX"`

	CustomBackend backend.Backend

	PollInterval     time.Duration `env:"READERQ_POLL_INTERVAL"`
	PurgeInterval    time.Duration `env:"READERQ_PURGE_INTERVAL"`
	RetentionWindow  time.Duration `env:"READERQ_RETENTION_WINDOW"`
	ShutdownTimeout  time.Duration `env:"READERQ_SHUTDOWN_TIMEOUT"`
	WaitPollInterval time.Duration `env:"READERQ_WAIT_POLL_INTERVAL"`
	ClearOnStart     bool          `env:"READERQ_CLEAR_ON_START"`

	RateLimitPollInterval time.Duration `env:"READERQ_RATE_LIMIT_POLL_INTERVAL"`
	RateLimitRetention    time.Duration `env:"READERQ_RATE_LIMIT_RETENTION"`

	HTTPAddr         string        `env:"READERQ_HTTP_ADDR"`
	ProxyWaitTimeout time.Duration `env:"READERQ_PROXY_WAIT_TIMEOUT"`

	InferenceCommand     []string      `env:"READERQ_INFERENCE_COMMAND" envSeparator:" "`
	InferenceIdleTimeout time.Duration `env:"READERQ_INFERENCE_IDLE_TIMEOUT"`

	LogLevel string `env:"READERQ_LOG_LEVEL"`
}

// Load reads an optional .env file and then the process environment.
// Unset values are left zero so SetDefaults can fill them.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, &errors.ValidationError{Field: "env_file", Message: err.Error()}
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, &errors.ValidationError{Message: err.Error()}
	}
	return cfg, nil
}

func (c *Config) SetDefaults() {
	if string(c.Driver) == "" {
		c.Driver = driver.DriverSQLite
	}
	if c.Driver == driver.DriverSQLite {
		if c.SQLitePath == "" {
			c.SQLitePath = "readerq.sqlite"
		}
		if c.SQLiteBusyTimeout == 0 {
			c.SQLiteBusyTimeout = 5 * time.Second
		}
	}
	if c.Driver == driver.DriverRedis {
		if c.RedisHost == "" && c.RedisURL == "" {
			c.RedisHost = "localhost"
		}
		if c.RedisPort == 0 {
			c.RedisPort = 6379
		}
		if c.RedisPoolSize == 0 {
			c.RedisPoolSize = 10
		}
		if c.RedisMaxRetries == 0 {
			c.RedisMaxRetries = 3
		}
		if c.RedisConnMaxIdleTime == 0 {
			c.RedisConnMaxIdleTime = 5 * time.Minute
		}
		if c.RedisPingTimeout == 0 {
			c.RedisPingTimeout = 5 * time.Second
		}
		if c.RedisPrefix == "" {
			c.RedisPrefix = "readerq"
		}
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.PurgeInterval == 0 {
		c.PurgeInterval = time.Minute
	}
	if c.RetentionWindow == 0 {
		c.RetentionWindow = 600 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.WaitPollInterval == 0 {
		c.WaitPollInterval = 100 * time.Millisecond
	}
	if c.RateLimitPollInterval == 0 {
		c.RateLimitPollInterval = 100 * time.Millisecond
	}
	if c.RateLimitRetention == 0 {
		c.RateLimitRetention = 300 * time.Second
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.ProxyWaitTimeout == 0 {
		c.ProxyWaitTimeout = 60 * time.Second
	}
	if c.InferenceIdleTimeout == 0 {
		c.InferenceIdleTimeout = 30 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return &errors.ValidationError{Field: "poll_interval", Message: "must be > 0"}
	}
	if c.PurgeInterval <= 0 {
		return &errors.ValidationError{Field: "purge_interval", Message: "must be > 0"}
	}
	if c.RetentionWindow < 0 {
		return &errors.ValidationError{Field: "retention_window", Message: "must be >= 0"}
	}
	if c.ShutdownTimeout <= 0 {
		return &errors.ValidationError{Field: "shutdown_timeout", Message: "must be > 0"}
	}
	if c.WaitPollInterval <= 0 {
		return &errors.ValidationError{Field: "wait_poll_interval", Message: "must be > 0"}
	}

	switch c.Driver {
	case driver.DriverSQLite, "":
		if c.SQLitePath == "" {
			return &errors.ValidationError{Field: "sqlite_path", Message: "must be provided"}
		}

	case driver.DriverRedis:
		if c.RedisURL == "" && c.RedisHost == "" {
			return &errors.ValidationError{Field: "redis_url", Message: "redis_url or redis_host must be provided"}
		}
		if c.RedisPort < 0 || c.RedisPort > 65535 {
			return &errors.ValidationError{Field: "redis_port", Message: "must be between 0 and 65535"}
		}
		if c.RedisPoolSize < 1 {
			return &errors.ValidationError{Field: "redis_pool_size", Message: "must be >= 1"}
		}

	case driver.DriverCustom:
		if c.CustomBackend == nil {
			return &errors.ValidationError{Field: "custom_backend", Message: "must be provided when driver is 'custom'"}
		}

	default:
		return &errors.ValidationError{Field: "driver", Message: "unsupported driver: " + string(c.Driver)}
	}

	return nil
}

func (c *Config) CreateBackend(ctx context.Context) (backend.Backend, error) {
	switch c.Driver {
	case driver.DriverSQLite, "":
		return backend.NewSQLiteBackend(ctx, backend.SQLiteConfig{
			Path:        c.SQLitePath,
			BusyTimeout: c.SQLiteBusyTimeout,
		})
	case driver.DriverRedis:
		return backend.NewRedisBackend(ctx, backend.RedisConfig{
			URL:             c.RedisURL,
			Host:            c.RedisHost,
			Port:            c.RedisPort,
			DB:              c.RedisDB,
			Password:        c.RedisPassword,
			Username:        c.RedisUsername,
			PoolSize:        c.RedisPoolSize,
			MaxRetries:      c.RedisMaxRetries,
			ConnMaxIdleTime: c.RedisConnMaxIdleTime,
			PingTimeout:     c.RedisPingTimeout,
			Prefix:          c.RedisPrefix,
		})
	case driver.DriverCustom:
		if c.CustomBackend == nil {
			return nil, &errors.ValidationError{Field: "custom_backend", Message: "must be provided when driver is 'custom'"}
		}
		return c.CustomBackend, nil
	default:
		return nil, &errors.ValidationError{Field: "driver", Message: "unsupported driver: " + string(c.Driver)}
	}
}
