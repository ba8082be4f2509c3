package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port string
}

type PostgresConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MigrationsPath  string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type GatewayConfig struct {
	PaymentBaseURL string
	PaymentAPIKey  string
	PaymentTimeout time.Duration
	CarrierBaseURL string
	CarrierAPIKey  string
	CarrierTimeout time.Duration
}

type QueueConfig struct {
	PollInterval     time.Duration
	SweepInterval    time.Duration
	TrackingInterval time.Duration
	InterCallDelay   time.Duration
}

type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Gateway  GatewayConfig
	Queue    QueueConfig
}

// Load reads configuration from the environment, optionally seeded from a
// .env file. Database credentials are required; everything else has
// defaults.
func Load(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: failed to load %s: %w", path, err)
		}
	}

	cfg := &Config{}
	cfg.App.Port = getenv("APP_PORT", "8080")

	var err error
	if cfg.Postgres.Host, err = required("DB_HOST"); err != nil {
		return nil, err
	}
	if cfg.Postgres.Port, err = required("DB_PORT"); err != nil {
		return nil, err
	}
	if cfg.Postgres.User, err = required("DB_USER"); err != nil {
		return nil, err
	}
	if cfg.Postgres.Password, err = required("DB_PASSWORD"); err != nil {
		return nil, err
	}
	if cfg.Postgres.DBName, err = required("DB_NAME"); err != nil {
		return nil, err
	}
	cfg.Postgres.SSLMode = getenv("DB_SSLMODE", "disable")
	cfg.Postgres.MigrationsPath = getenv("DB_MIGRATIONS_PATH", "migrations")
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2
	cfg.Postgres.MaxConnLifetime = 30 * time.Minute

	cfg.Gateway.PaymentBaseURL = getenv("PAYMENT_GATEWAY_URL", "https://api.payment.example.com")
	cfg.Gateway.PaymentAPIKey = os.Getenv("PAYMENT_GATEWAY_KEY")
	cfg.Gateway.PaymentTimeout = getduration("PAYMENT_GATEWAY_TIMEOUT", 120*time.Second)
	cfg.Gateway.CarrierBaseURL = getenv("CARRIER_API_URL", "https://api.carrier.example.com")
	cfg.Gateway.CarrierAPIKey = os.Getenv("CARRIER_API_KEY")
	cfg.Gateway.CarrierTimeout = getduration("CARRIER_API_TIMEOUT", 300*time.Second)

	cfg.Queue.PollInterval = getduration("QUEUE_POLL_INTERVAL", time.Second)
	cfg.Queue.SweepInterval = getduration("IDEMPOTENCY_SWEEP_INTERVAL", time.Hour)
	cfg.Queue.TrackingInterval = getduration("TRACKING_SYNC_INTERVAL", time.Hour)
	cfg.Queue.InterCallDelay = getduration("TRACKING_INTER_CALL_DELAY", 500*time.Millisecond)

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func required(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("config: %s is required", key)
	}
	return v, nil
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
