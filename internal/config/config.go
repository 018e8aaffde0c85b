package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env       string
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Gateway   GatewayConfig
	Auth      AuthConfig
	Kafka     KafkaConfig
	Scheduler SchedulerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN builds the postgres connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Host         string
	Port         string
	Password     string
	DB           int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

type GatewayConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	GraceWindow       time.Duration
	SendBufferSize    int
	MaxMessageSize    int64
	TokenCookie       string
	AllowedOrigins    []string
	// RelayChannel is the redis pub/sub channel used to fan events out across
	// gateway instances. Empty disables the relay.
	RelayChannel string
}

type AuthConfig struct {
	TokenSecret    string
	InternalSecret string
}

type KafkaConfig struct {
	Brokers       []string
	EventsTopic   string
	GroupID       string
	PresenceTopic string
}

// Enabled reports whether any brokers are configured
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type SchedulerConfig struct {
	Queue        string
	PollInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// LoadConfig reads .env (if any) and the process environment
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	env := v.GetString("NODE_ENV")
	tokenCookie := v.GetString("GATEWAY_TOKEN_COOKIE")
	if tokenCookie == "" {
		tokenCookie = "token"
		if env == "production" {
			tokenCookie = "__Host-Token"
		}
	}

	cfg := &Config{
		Env: env,
		Server: ServerConfig{
			Host:         v.GetString("SERVER_HOST"),
			Port:         v.GetString("SERVER_PORT"),
			ReadTimeout:  v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("SERVER_WRITE_TIMEOUT"),
			IdleTimeout:  v.GetDuration("SERVER_IDLE_TIMEOUT"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("POSTGRES_HOST"),
			Port:     v.GetString("POSTGRES_PORT"),
			User:     v.GetString("POSTGRES_USER"),
			Password: v.GetString("POSTGRES_PASSWORD"),
			DBName:   v.GetString("POSTGRES_DB"),
			SSLMode:  v.GetString("POSTGRES_SSLMODE"),
		},
		Redis: RedisConfig{
			Host:         v.GetString("REDIS_HOST"),
			Port:         v.GetString("REDIS_PORT"),
			Password:     v.GetString("REDIS_PASSWORD"),
			DB:           v.GetInt("REDIS_DB"),
			MaxRetries:   v.GetInt("REDIS_MAX_RETRIES"),
			DialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
			ReadTimeout:  v.GetDuration("REDIS_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("REDIS_WRITE_TIMEOUT"),
			PoolSize:     v.GetInt("REDIS_POOL_SIZE"),
			MinIdleConns: v.GetInt("REDIS_MIN_IDLE_CONNS"),
		},
		Gateway: GatewayConfig{
			HeartbeatInterval: v.GetDuration("GATEWAY_HEARTBEAT_INTERVAL"),
			HeartbeatTimeout:  v.GetDuration("GATEWAY_HEARTBEAT_TIMEOUT"),
			GraceWindow:       v.GetDuration("GATEWAY_GRACE_WINDOW"),
			SendBufferSize:    v.GetInt("GATEWAY_SEND_BUFFER"),
			MaxMessageSize:    v.GetInt64("GATEWAY_MAX_MESSAGE_SIZE"),
			TokenCookie:       tokenCookie,
			AllowedOrigins:    splitList(v.GetString("ALLOWED_ORIGINS")),
			RelayChannel:      v.GetString("GATEWAY_RELAY_CHANNEL"),
		},
		Auth: AuthConfig{
			TokenSecret:    v.GetString("TOKEN_SECRET"),
			InternalSecret: v.GetString("INTERNAL_JWT_SECRET"),
		},
		Kafka: KafkaConfig{
			Brokers:       splitList(v.GetString("KAFKA_BROKERS")),
			EventsTopic:   v.GetString("KAFKA_EVENTS_TOPIC"),
			GroupID:       v.GetString("KAFKA_GROUP_ID"),
			PresenceTopic: v.GetString("KAFKA_PRESENCE_TOPIC"),
		},
		Scheduler: SchedulerConfig{
			Queue:        v.GetString("SCHEDULER_QUEUE"),
			PollInterval: v.GetDuration("SCHEDULER_POLL_INTERVAL"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("NODE_ENV", "development")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", "3000")
	v.SetDefault("SERVER_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER_IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("POSTGRES_USER", "postgres")
	v.SetDefault("POSTGRES_PASSWORD", "password")
	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("POSTGRES_DB", "postgres")
	v.SetDefault("POSTGRES_SSLMODE", "disable")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_MAX_RETRIES", 3)
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", 5*time.Second)
	v.SetDefault("REDIS_READ_TIMEOUT", 3*time.Second)
	v.SetDefault("REDIS_WRITE_TIMEOUT", 3*time.Second)
	v.SetDefault("GATEWAY_HEARTBEAT_INTERVAL", 30*time.Second)
	v.SetDefault("GATEWAY_HEARTBEAT_TIMEOUT", 75*time.Second)
	v.SetDefault("GATEWAY_GRACE_WINDOW", 100*time.Millisecond)
	v.SetDefault("GATEWAY_SEND_BUFFER", 256)
	v.SetDefault("GATEWAY_MAX_MESSAGE_SIZE", 4096)
	v.SetDefault("GATEWAY_RELAY_CHANNEL", "gateway:fanout")
	v.SetDefault("KAFKA_EVENTS_TOPIC", "gateway-events")
	v.SetDefault("KAFKA_GROUP_ID", "chat-gateway")
	v.SetDefault("KAFKA_PRESENCE_TOPIC", "presence-updates")
	v.SetDefault("SCHEDULER_QUEUE", "deleteAccount")
	v.SetDefault("SCHEDULER_POLL_INTERVAL", time.Second)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.TokenSecret == "" {
		errs = append(errs, errors.New("TOKEN_SECRET is required"))
	}
	if c.Auth.InternalSecret == "" {
		errs = append(errs, errors.New("INTERNAL_JWT_SECRET is required"))
	}
	if c.Gateway.HeartbeatTimeout <= c.Gateway.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("heartbeat timeout %s must exceed interval %s",
			c.Gateway.HeartbeatTimeout, c.Gateway.HeartbeatInterval))
	}
	if c.Gateway.SendBufferSize <= 0 {
		errs = append(errs, errors.New("GATEWAY_SEND_BUFFER must be positive"))
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
