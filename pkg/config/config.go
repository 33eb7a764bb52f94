package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config - корневая структура конфигурации приложения
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Server    ServerConfig    `yaml:"http-server"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Backup    BackupConfig    `yaml:"backup"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type RecoveryConfig struct {
	// FanOut bounds concurrent fetches of one recovery.
	FanOut       int           `yaml:"fan_out"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// Seed drives the backup visiting order; 0 means time-based.
	Seed  uint64      `yaml:"seed"`
	Retry RetryConfig `yaml:"retry"`
	// Retain is how many finished recoveries stay queryable.
	Retain int `yaml:"retain"`
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxRetries      uint64        `yaml:"max_retries"`
}

type BackupConfig struct {
	ID      uint64 `yaml:"id"`
	Locator string `yaml:"locator"`
	DataDir string `yaml:"data_dir"`
	// Recoverer also registers the node as a master able to take over
	// partitions of a crashed one.
	Recoverer bool `yaml:"recoverer"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		ZooKeeper: ZooKeeperConfig{
			Servers:        []string{"127.0.0.1:2181"},
			Root:           "/memlog",
			SessionTimeout: 5 * time.Second,
		},
		Recovery: RecoveryConfig{
			FanOut:       16,
			FetchTimeout: 5 * time.Second,
			Retain:       128,
			Retry: RetryConfig{
				InitialInterval: 50 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				Multiplier:      2,
				MaxRetries:      8,
			},
		},
		Backup: BackupConfig{
			DataDir:   "./data/backup",
			Recoverer: true,
		},
	}
}

// Validate checks the fields a process cannot start without.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logger.level: unknown level %q", c.Logger.Level))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port: %d out of range", c.Server.Port))
	}
	if c.Recovery.FanOut < 1 {
		errs = append(errs, fmt.Errorf("recovery.fan_out: must be >= 1, got %d", c.Recovery.FanOut))
	}
	if c.Recovery.Retain < 0 {
		errs = append(errs, fmt.Errorf("recovery.retain: must be >= 0, got %d", c.Recovery.Retain))
	}
	if c.Recovery.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("recovery.retry.multiplier: must be >= 1, got %v", c.Recovery.Retry.Multiplier))
	}
	if c.Recovery.Retry.InitialInterval <= 0 {
		errs = append(errs, errors.New("recovery.retry.initial_interval: must be positive"))
	}
	if c.Recovery.Retry.MaxInterval < c.Recovery.Retry.InitialInterval {
		errs = append(errs, fmt.Errorf("recovery.retry.max_interval: %v is below initial_interval %v",
			c.Recovery.Retry.MaxInterval, c.Recovery.Retry.InitialInterval))
	}
	return errors.Join(errs...)
}
