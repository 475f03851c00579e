// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"` // "boltdb" or "postgres"
	Path string `yaml:"path"` // boltdb file path
	DSN  string `yaml:"dsn"`  // postgres connection string
}

type QueueConfig struct {
	Type     string `yaml:"type"` // "memory" or "redis"
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

type MonitoringConfig struct {
	// OfflineHorizon is how long after last contact an agent is still
	// considered online.
	OfflineHorizon time.Duration `yaml:"offline_horizon"`
	// SweepInterval is the cadence of the outage sweep loop.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// RenotifyInterval suppresses repeat alerts per check and channel.
	RenotifyInterval time.Duration `yaml:"renotify_interval"`
}

type AlertingConfig struct {
	Workers       int           `yaml:"workers"`
	JitterMin     time.Duration `yaml:"jitter_min"`
	JitterMax     time.Duration `yaml:"jitter_max"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	RateBurst     int           `yaml:"rate_burst"`
}

type PrometheusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(filename string) (*Config, error) {
	config, err := loadConfigFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	setDefaults(config)

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &config, nil
}

func setDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8000"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}

	// Database defaults
	if cfg.Database.Type == "" {
		cfg.Database.Type = "boltdb"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/fleetwatch.db"
	}

	// Queue defaults
	if cfg.Queue.Type == "" {
		cfg.Queue.Type = "memory"
	}
	if cfg.Queue.Addr == "" {
		cfg.Queue.Addr = "localhost:6379"
	}
	if cfg.Queue.Key == "" {
		cfg.Queue.Key = "fleetwatch:alerts"
	}

	// Monitoring defaults
	if cfg.Monitoring.OfflineHorizon == 0 {
		cfg.Monitoring.OfflineHorizon = 6 * time.Minute
	}
	if cfg.Monitoring.SweepInterval == 0 {
		cfg.Monitoring.SweepInterval = time.Minute
	}
	if cfg.Monitoring.RenotifyInterval == 0 {
		cfg.Monitoring.RenotifyInterval = 24 * time.Hour
	}

	// Alerting defaults
	if cfg.Alerting.Workers == 0 {
		cfg.Alerting.Workers = 3
	}
	if cfg.Alerting.JitterMin == 0 {
		cfg.Alerting.JitterMin = time.Second
	}
	if cfg.Alerting.JitterMax == 0 {
		cfg.Alerting.JitterMax = 10 * time.Second
	}
	if cfg.Alerting.RatePerSecond == 0 {
		cfg.Alerting.RatePerSecond = 1
	}
	if cfg.Alerting.RateBurst == 0 {
		cfg.Alerting.RateBurst = 5
	}

	// Prometheus defaults
	if cfg.Prometheus.MetricsPath == "" {
		cfg.Prometheus.MetricsPath = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func validate(cfg *Config) error {
	switch cfg.Database.Type {
	case "boltdb":
		if cfg.Database.Path == "" {
			return fmt.Errorf("database.path is required for boltdb")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.type must be boltdb or postgres, got %q", cfg.Database.Type)
	}

	switch cfg.Queue.Type {
	case "memory":
	case "redis":
		if cfg.Queue.Addr == "" {
			return fmt.Errorf("queue.addr is required for redis")
		}
	default:
		return fmt.Errorf("queue.type must be memory or redis, got %q", cfg.Queue.Type)
	}

	if cfg.Monitoring.OfflineHorizon <= 0 {
		return fmt.Errorf("monitoring.offline_horizon must be positive")
	}
	if cfg.Monitoring.SweepInterval <= 0 {
		return fmt.Errorf("monitoring.sweep_interval must be positive")
	}
	if cfg.Monitoring.RenotifyInterval <= 0 {
		return fmt.Errorf("monitoring.renotify_interval must be positive")
	}

	if cfg.Alerting.Workers < 1 {
		return fmt.Errorf("alerting.workers must be at least 1")
	}
	if cfg.Alerting.JitterMin < 0 || cfg.Alerting.JitterMax < cfg.Alerting.JitterMin {
		return fmt.Errorf("alerting jitter window is invalid")
	}
	if cfg.Alerting.RatePerSecond <= 0 {
		return fmt.Errorf("alerting.rate_per_second must be positive")
	}

	return nil
}
