package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Bus       BusConfig       `mapstructure:"bus"`
	Saga      SagaConfig      `mapstructure:"saga"`
	Fraud     FraudConfig     `mapstructure:"fraud"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// BusConfig controls the Redis Streams event bus consumers.
type BusConfig struct {
	Group          string        `mapstructure:"group"`
	Consumer       string        `mapstructure:"consumer"`
	BlockTimeout   time.Duration `mapstructure:"block_timeout"`
	HandlerRetries int           `mapstructure:"handler_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

// SagaConfig controls retry and sweep behavior for the payment saga.
type SagaConfig struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryCooldown      time.Duration `mapstructure:"retry_cooldown"`
	RetryBaseBackoff   time.Duration `mapstructure:"retry_base_backoff"`
	ReservationTimeout time.Duration `mapstructure:"reservation_timeout"`
	StuckCutoff        time.Duration `mapstructure:"stuck_cutoff"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

// FraudConfig holds tunable fraud-rule parameters.
type FraudConfig struct {
	HighAmountThreshold   string `mapstructure:"high_amount_threshold"`
	VelocityLimit         int    `mapstructure:"velocity_limit"`
	VelocityWindowMinutes int    `mapstructure:"velocity_window_minutes"`
}

// ProcessorConfig holds simulated processor failure injection rates.
type ProcessorConfig struct {
	TimeoutRate     float64       `mapstructure:"timeout_rate"`
	SystemErrorRate float64       `mapstructure:"system_error_rate"`
	Latency         time.Duration `mapstructure:"latency"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: PSO_ (Payment Saga Orchestrator).
// Nested keys use underscore: PSO_DATABASE_HOST, PSO_SAGA_MAX_RETRIES, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "payment_saga")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("bus.group", "payment-saga")
	v.SetDefault("bus.consumer", "orchestrator-1")
	v.SetDefault("bus.block_timeout", "5s")
	v.SetDefault("bus.handler_retries", 3)
	v.SetDefault("bus.retry_backoff", "1s")
	v.SetDefault("saga.max_retries", 3)
	v.SetDefault("saga.retry_cooldown", "5m")
	v.SetDefault("saga.retry_base_backoff", "5s")
	v.SetDefault("saga.reservation_timeout", "30m")
	v.SetDefault("saga.stuck_cutoff", "10m")
	v.SetDefault("saga.sweep_interval", "1m")
	v.SetDefault("fraud.high_amount_threshold", "5000")
	v.SetDefault("fraud.velocity_limit", 10)
	v.SetDefault("fraud.velocity_window_minutes", 5)
	v.SetDefault("processor.timeout_rate", 0.0)
	v.SetDefault("processor.system_error_rate", 0.0)
	v.SetDefault("processor.latency", "0s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: PSO_DATABASE_HOST -> database.host
	v.SetEnvPrefix("PSO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
