// Package config loads server configuration from the environment and an optional .env file.
package config

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendDynamo   = "dynamo"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Env      string `mapstructure:"APP_ENV"`
	DevMode  bool   `mapstructure:"DEV_MODE"`
	HostPort string `mapstructure:"HOST_PORT"`

	// StoreBackend selects the delta log and key ledger store.
	StoreBackend     string `mapstructure:"STORE_BACKEND"`
	DynamoDBEndpoint string `mapstructure:"DYNAMODB_ENDPOINT"`
	DynamoDBTable    string `mapstructure:"DYNAMODB_TABLE"`
	DatabaseURL      string `mapstructure:"DATABASE_URL"`

	RedisEndpoint      string `mapstructure:"REDIS_ENDPOINT"`
	SQSEndpoint        string `mapstructure:"SQS_ENDPOINT"`
	SQSCompactionQueue string `mapstructure:"SQS_COMPACTION_QUEUE"`

	// JWTSecret is base64 encoded.
	JWTSecret     string `mapstructure:"JWT_SECRET"`
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`

	CompactionDeltaThreshold int    `mapstructure:"COMPACTION_DELTA_THRESHOLD"`
	CompactionByteThreshold  int64  `mapstructure:"COMPACTION_BYTE_THRESHOLD"`
	SessionTimeout           string `mapstructure:"SESSION_TIMEOUT"`
	SessionRetention         string `mapstructure:"SESSION_RETENTION"`
	MaxPayloadBytes          int    `mapstructure:"MAX_PAYLOAD_BYTES"`
}

// Load reads .env (if present), then the environment. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("DEV_MODE", false)
	v.SetDefault("HOST_PORT", "8080")
	v.SetDefault("STORE_BACKEND", BackendDynamo)
	v.SetDefault("DYNAMODB_ENDPOINT", "")
	v.SetDefault("DYNAMODB_TABLE", "DocSync")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ENDPOINT", "localhost:6379")
	v.SetDefault("SQS_ENDPOINT", "")
	v.SetDefault("SQS_COMPACTION_QUEUE", "CompactionQueue")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("ALLOWED_ORIGIN", "")
	v.SetDefault("COMPACTION_DELTA_THRESHOLD", 200)
	v.SetDefault("COMPACTION_BYTE_THRESHOLD", 1<<20)
	v.SetDefault("SESSION_TIMEOUT", "30s")
	v.SetDefault("SESSION_RETENTION", "10m")
	v.SetDefault("MAX_PAYLOAD_BYTES", 256*1024)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendDynamo:
		if c.DevMode && c.DynamoDBEndpoint == "" {
			return errors.New("config: DYNAMODB_ENDPOINT must be set in dev mode")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set for the postgres backend")
		}
	case BackendMemory:
		if c.Env == "production" {
			return errors.New("config: STORE_BACKEND=memory must not be used when APP_ENV=production")
		}
	default:
		return errors.New("config: STORE_BACKEND must be one of dynamo, postgres, memory")
	}

	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET must be set")
	}
	if _, err := c.JWTSecretBytes(); err != nil {
		return errors.New("config: JWT_SECRET must be base64 encoded")
	}
	if c.CompactionDeltaThreshold <= 0 && c.CompactionByteThreshold <= 0 {
		return errors.New("config: at least one compaction threshold must be positive")
	}
	if c.MaxPayloadBytes <= 0 {
		return errors.New("config: MAX_PAYLOAD_BYTES must be positive")
	}
	if _, err := time.ParseDuration(c.SessionTimeout); err != nil {
		return errors.New("config: SESSION_TIMEOUT must be a duration")
	}
	return nil
}

func (c *Config) JWTSecretBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.JWTSecret)
}

// SessionTimeoutDuration returns 30s if unset or invalid.
func (c *Config) SessionTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.SessionTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// SessionRetentionDuration returns 10m if unset or invalid.
func (c *Config) SessionRetentionDuration() time.Duration {
	d, err := time.ParseDuration(c.SessionRetention)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}
