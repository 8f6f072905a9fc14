package config

import "log/slog"

type YamlBrokerConfig struct {
	Host             string `yaml:"host"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds"`
}

type YamlPostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type YamlAPNSConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	CertSandbox             string `yaml:"cert_sandbox"`
	CertProduction          string `yaml:"cert_production"`
	Topic                   string `yaml:"topic"`
	FeedbackIntervalMinutes int    `yaml:"feedback_interval_minutes"`
}

type YamlGCMConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

type YamlApplicationConfig struct {
	Debug      bool `yaml:"debug"`
	SaveAlerts bool `yaml:"save_alerts"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ListenAddr  string                `yaml:"listen_addr"`
	Broker      YamlBrokerConfig      `yaml:"broker"`
	Postgres    YamlPostgresConfig    `yaml:"postgres"`
	APNS        YamlAPNSConfig        `yaml:"apns"`
	GCM         YamlGCMConfig         `yaml:"gcm"`
	Application YamlApplicationConfig `yaml:"application"`
	Redis       YamlRedisConfig       `yaml:"redis"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ListenAddr: baseCfg.ListenAddr,
		Broker: BrokerConfig{
			Host:             baseCfg.Broker.Host,
			Username:         baseCfg.Broker.Username,
			Password:         baseCfg.Broker.Password,
			HeartbeatSeconds: baseCfg.Broker.HeartbeatSeconds,
		},
		Postgres: PostgresConfig{
			DSN: baseCfg.Postgres.DSN,
		},
		APNS: APNSConfig{
			Enabled:                 baseCfg.APNS.Enabled,
			CertSandbox:             baseCfg.APNS.CertSandbox,
			CertProduction:          baseCfg.APNS.CertProduction,
			Topic:                   baseCfg.APNS.Topic,
			FeedbackIntervalMinutes: baseCfg.APNS.FeedbackIntervalMinutes,
		},
		GCM: GCMConfig{
			Enabled: baseCfg.GCM.Enabled,
			APIKey:  baseCfg.GCM.APIKey,
		},
		Application: ApplicationConfig{
			Debug:      baseCfg.Application.Debug,
			SaveAlerts: baseCfg.Application.SaveAlerts,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.Redis.Addr,
			Password: baseCfg.Redis.Password,
			DB:       baseCfg.Redis.DB,
			Enabled:  baseCfg.Redis.Enabled,
		},
	}

	logger.Debug("YAML config mapping complete",
		"broker_host", cfg.Broker.Host,
		"listen_addr", cfg.ListenAddr,
	)

	return cfg, nil
}
