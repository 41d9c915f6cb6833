package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string           `yaml:"listen_addr"`
	DB         DBConfig         `yaml:"db"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Archiver   ArchiverConfig   `yaml:"archiver"`
	Log        LogConfig        `yaml:"log"`
}

type DBConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite
	DSN    string `yaml:"dsn"`
}

type DispatcherConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	RetryGapSeconds     int `yaml:"retry_gap_seconds"`
}

type ArchiverConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	ArchiveAfterDays    int `yaml:"archive_after_days"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DB:         DBConfig{Driver: "memory"},
		Dispatcher: DispatcherConfig{PollIntervalSeconds: 5, RetryGapSeconds: 30},
		Archiver:   ArchiverConfig{PollIntervalSeconds: 60, ArchiveAfterDays: 30},
		Log:        LogConfig{Level: "info"},
	}
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	switch c.DB.Driver {
	case "", "memory":
	case "sqlite":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver is sqlite")
		}
	default:
		return fmt.Errorf("unsupported db driver: %s", c.DB.Driver)
	}

	if c.Dispatcher.PollIntervalSeconds < 0 || c.Dispatcher.RetryGapSeconds < 0 {
		return fmt.Errorf("dispatcher intervals must not be negative")
	}
	if c.Archiver.PollIntervalSeconds < 0 || c.Archiver.ArchiveAfterDays < 0 {
		return fmt.Errorf("archiver intervals must not be negative")
	}

	return nil
}
