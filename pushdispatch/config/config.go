// Package config holds the single, authoritative configuration shared by the
// four pipeline stage binaries.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"
)

type BrokerConfig struct {
	Host             string
	Username         string
	Password         string
	HeartbeatSeconds int
}

// URI renders the AMQP connection string.
func (b BrokerConfig) URI() string {
	return fmt.Sprintf("amqp://%s:%s@%s/",
		url.QueryEscape(b.Username), url.QueryEscape(b.Password), b.Host)
}

// Heartbeat returns the configured broker heartbeat interval.
func (b BrokerConfig) Heartbeat() time.Duration {
	return time.Duration(b.HeartbeatSeconds) * time.Second
}

type PostgresConfig struct {
	DSN string
}

type APNSConfig struct {
	Enabled                 bool
	CertSandbox             string
	CertProduction          string
	Topic                   string
	FeedbackIntervalMinutes int
}

// CertFile selects the certificate profile: sandbox in debug mode, production
// otherwise.
func (a APNSConfig) CertFile(debug bool) string {
	if debug {
		return a.CertSandbox
	}
	return a.CertProduction
}

// FeedbackInterval returns the feedback drain period.
func (a APNSConfig) FeedbackInterval() time.Duration {
	return time.Duration(a.FeedbackIntervalMinutes) * time.Minute
}

type GCMConfig struct {
	Enabled bool
	APIKey  string
}

type ApplicationConfig struct {
	Debug      bool
	SaveAlerts bool
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ListenAddr  string
	Broker      BrokerConfig
	Postgres    PostgresConfig
	APNS        APNSConfig
	GCM         GCMConfig
	Application ApplicationConfig
	Redis       RedisConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("BROKER_HOST"); val != "" {
		logger.Debug("Overriding config value", "key", "BROKER_HOST", "source", "env")
		cfg.Broker.Host = val
	}
	if val := os.Getenv("BROKER_USERNAME"); val != "" {
		cfg.Broker.Username = val
	}
	if val := os.Getenv("BROKER_PASSWORD"); val != "" {
		cfg.Broker.Password = val
	}
	if val := os.Getenv("BROKER_HEARTBEAT_SECONDS"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
			cfg.Broker.HeartbeatSeconds = secs
		}
	}
	if val := os.Getenv("POSTGRES_DSN"); val != "" {
		logger.Debug("Overriding config value", "key", "POSTGRES_DSN", "source", "env")
		cfg.Postgres.DSN = val
	}

	// APNS Overrides
	if val := os.Getenv("APNS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.APNS.Enabled = enabled
	}
	if val := os.Getenv("APNS_CERT_SANDBOX"); val != "" {
		cfg.APNS.CertSandbox = val
	}
	if val := os.Getenv("APNS_CERT_PRODUCTION"); val != "" {
		cfg.APNS.CertProduction = val
	}
	if val := os.Getenv("APNS_TOPIC"); val != "" {
		cfg.APNS.Topic = val
	}
	if val := os.Getenv("APNS_FEEDBACK_INTERVAL_MINUTES"); val != "" {
		if mins, err := strconv.Atoi(val); err == nil && mins > 0 {
			cfg.APNS.FeedbackIntervalMinutes = mins
		}
	}

	// GCM Overrides
	if val := os.Getenv("GCM_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.GCM.Enabled = enabled
	}
	if val := os.Getenv("GCM_API_KEY"); val != "" {
		cfg.GCM.APIKey = val
	}

	// Application Overrides
	if val := os.Getenv("DEBUG"); val != "" {
		debug, _ := strconv.ParseBool(val)
		cfg.Application.Debug = debug
	}
	if val := os.Getenv("SAVE_ALERTS"); val != "" {
		save, _ := strconv.ParseBool(val)
		cfg.Application.SaveAlerts = save
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// 2. Final Validation
	if cfg.Broker.Host == "" {
		return nil, fmt.Errorf("broker.host is required (set via YAML or BROKER_HOST env var)")
	}
	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required (set via YAML or POSTGRES_DSN env var)")
	}
	if cfg.APNS.Enabled && cfg.APNS.CertFile(cfg.Application.Debug) == "" {
		return nil, fmt.Errorf("apns is enabled but no certificate is configured for this mode")
	}
	if cfg.GCM.Enabled && cfg.GCM.APIKey == "" {
		return nil, fmt.Errorf("gcm is enabled but gcm.api_key is not configured")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Broker.HeartbeatSeconds <= 0 {
		cfg.Broker.HeartbeatSeconds = 60
	}
	if cfg.APNS.FeedbackIntervalMinutes <= 0 {
		cfg.APNS.FeedbackIntervalMinutes = 30
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
