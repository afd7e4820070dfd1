package config

import (
	"errors"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Escrow struct {
		OfferTTLHours   int `yaml:"offer_ttl_hours"`
		LockTTLHours    int `yaml:"lock_ttl_hours"`
		LockWaitSeconds int `yaml:"lock_wait_seconds"`
	} `yaml:"escrow"`
	Worker struct {
		IntervalSeconds int64  `yaml:"interval_seconds"`
		Batch           int    `yaml:"batch"`
		MetricsAddr     string `yaml:"metrics_addr"`
	} `yaml:"worker"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Escrow.OfferTTLHours <= 0 {
		cfg.Escrow.OfferTTLHours = 24
	}
	if cfg.Escrow.LockTTLHours <= 0 {
		cfg.Escrow.LockTTLHours = 24
	}
	if cfg.Escrow.LockWaitSeconds <= 0 {
		cfg.Escrow.LockWaitSeconds = 3
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 60
	}
	if cfg.Worker.Batch <= 0 {
		cfg.Worker.Batch = 100
	}
	if cfg.Worker.MetricsAddr == "" {
		cfg.Worker.MetricsAddr = ":9100"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("OFFER_TTL_HOURS"); v != "" {
		cfg.Escrow.OfferTTLHours = atoiOr(cfg.Escrow.OfferTTLHours, v)
	}
	if v := os.Getenv("LOCK_TTL_HOURS"); v != "" {
		cfg.Escrow.LockTTLHours = atoiOr(cfg.Escrow.LockTTLHours, v)
	}
	if v := os.Getenv("LOCK_WAIT_SECONDS"); v != "" {
		cfg.Escrow.LockWaitSeconds = atoiOr(cfg.Escrow.LockWaitSeconds, v)
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_BATCH"); v != "" {
		cfg.Worker.Batch = atoiOr(cfg.Worker.Batch, v)
	}
	if v := os.Getenv("WORKER_METRICS_ADDR"); v != "" {
		cfg.Worker.MetricsAddr = v
	}
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
