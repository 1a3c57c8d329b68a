package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                      = "LATESTNOTE"
	defaultHTTPAddress             = "0.0.0.0:8080"
	defaultDatabaseDriver          = "sqlite"
	defaultDatabaseDSN             = "latestnote.db"
	defaultLogLevel                = "info"
	defaultCookieName              = "latestnote_session"
	defaultSessionIssuer           = "latestnote"
	defaultSchedulerWorkers        = 4
	defaultSchedulerQueueSize      = 1024
	defaultSchedulerShutdownPeriod = 10 * time.Second
	defaultCacheBackend            = CacheBackendMemory
	defaultCacheSize               = 10000
	defaultCacheTTL                = 5 * time.Minute
	defaultAMQPQueue               = "latestnote.events"

	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// AppConfig captures runtime configuration for every command.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabaseDSN    string
	LogLevel       string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string

	SchedulerWorkers         int
	SchedulerQueueSize       int
	SchedulerShutdownTimeout time.Duration
	PruneDangling            bool

	CacheBackend  string
	CacheSize     int
	CacheTTL      time.Duration
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	AMQPURL   string
	AMQPQueue string

	JaegerEndpoint string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("scheduler.workers", defaultSchedulerWorkers)
	configViper.SetDefault("scheduler.queue_size", defaultSchedulerQueueSize)
	configViper.SetDefault("scheduler.shutdown_timeout", defaultSchedulerShutdownPeriod)
	configViper.SetDefault("projection.prune_dangling", false)
	configViper.SetDefault("cache.backend", defaultCacheBackend)
	configViper.SetDefault("cache.size", defaultCacheSize)
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("amqp.url", "")
	configViper.SetDefault("amqp.queue", defaultAMQPQueue)
	configViper.SetDefault("tracing.jaeger_endpoint", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:              configViper.GetString("http.address"),
		DatabaseDriver:           strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:              configViper.GetString("database.dsn"),
		LogLevel:                 configViper.GetString("log.level"),
		AuthSigningSecret:        configViper.GetString("auth.signing_secret"),
		AuthIssuer:               configViper.GetString("auth.issuer"),
		AuthCookieName:           configViper.GetString("auth.cookie_name"),
		SchedulerWorkers:         configViper.GetInt("scheduler.workers"),
		SchedulerQueueSize:       configViper.GetInt("scheduler.queue_size"),
		SchedulerShutdownTimeout: configViper.GetDuration("scheduler.shutdown_timeout"),
		PruneDangling:            configViper.GetBool("projection.prune_dangling"),
		CacheBackend:             strings.ToLower(strings.TrimSpace(configViper.GetString("cache.backend"))),
		CacheSize:                configViper.GetInt("cache.size"),
		CacheTTL:                 configViper.GetDuration("cache.ttl"),
		RedisAddress:             configViper.GetString("redis.address"),
		RedisPassword:            configViper.GetString("redis.password"),
		RedisDB:                  configViper.GetInt("redis.db"),
		AMQPURL:                  configViper.GetString("amqp.url"),
		AMQPQueue:                configViper.GetString("amqp.queue"),
		JaegerEndpoint:           configViper.GetString("tracing.jaeger_endpoint"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireAuth reports an error when the HTTP surface cannot validate sessions.
func (c AppConfig) RequireAuth() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	return nil
}

// RequireAMQP reports an error when no broker is configured.
func (c AppConfig) RequireAMQP() error {
	if strings.TrimSpace(c.AMQPURL) == "" {
		return fmt.Errorf("amqp.url is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.DatabaseDriver)
	}
	if c.SchedulerWorkers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive")
	}
	if c.SchedulerQueueSize <= 0 {
		return fmt.Errorf("scheduler.queue_size must be positive")
	}
	switch c.CacheBackend {
	case CacheBackendMemory:
		if c.CacheSize <= 0 {
			return fmt.Errorf("cache.size must be positive")
		}
	case CacheBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.CacheBackend)
	}
	if c.AMQPURL != "" && strings.TrimSpace(c.AMQPQueue) == "" {
		return fmt.Errorf("amqp.queue is required when amqp.url is set")
	}
	return nil
}
