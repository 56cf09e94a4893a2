package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service    ServiceConfig
	Deployment DeploymentConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Queue      QueueConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DeploymentConfig identifies the deployment and carries its key material
type DeploymentConfig struct {
	ProjectID    string
	DeploymentID string
	// Key is the deployment-scoped base key for per-run key derivation,
	// hex-encoded in the environment. Empty disables encryption.
	Key []byte
	// TargetWorld selects the storage/queue/streamer composition:
	// "memory" or "postgres".
	TargetWorld string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig holds message queue settings
type QueueConfig struct {
	// MessageLifetime is the maximum lifetime L the underlying queue
	// allows a single message to exist for.
	MessageLifetime time.Duration
	// LifetimeBuffer is the safety buffer B subtracted from the lifetime
	// when deciding between visibility clamping and re-enqueueing.
	LifetimeBuffer time.Duration
	// VisibilityTimeout is the default lease granted to a consumer.
	VisibilityTimeout time.Duration
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	key, err := loadDeploymentKey()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Deployment: DeploymentConfig{
			ProjectID:    getEnv("PROJECT_ID", "default"),
			DeploymentID: getEnv("DEPLOYMENT_ID", "local"),
			Key:          key,
			TargetWorld:  getEnv("TARGET_WORLD", "memory"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "loom"),
			User:        getEnv("POSTGRES_USER", "loom"),
			Password:    getEnv("POSTGRES_PASSWORD", "loom"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			MessageLifetime:   getEnvDuration("QUEUE_MESSAGE_LIFETIME", 24*time.Hour),
			LifetimeBuffer:    getEnvDuration("QUEUE_LIFETIME_BUFFER", 1*time.Hour),
			VisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 30*time.Second),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Deployment.TargetWorld {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown target world: %s", c.Deployment.TargetWorld)
	}

	if len(c.Deployment.Key) != 0 && len(c.Deployment.Key) != 32 {
		return fmt.Errorf("deployment key must be 32 bytes, got %d", len(c.Deployment.Key))
	}

	if c.Queue.LifetimeBuffer >= c.Queue.MessageLifetime {
		return fmt.Errorf("queue lifetime buffer must be smaller than message lifetime")
	}

	if c.Deployment.TargetWorld == "postgres" && c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

func loadDeploymentKey() ([]byte, error) {
	raw := os.Getenv("DEPLOYMENT_KEY")
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("DEPLOYMENT_KEY must be hex-encoded: %w", err)
	}
	return key, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
