package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"vendorwatch/internal/rules"
)

// Config holds runtime configuration for the daemon and the CLI.
type Config struct {
	// Folder watched for input batches
	DataDir string `yaml:"data_dir"`
	// Qualifying batch extensions, lower case with the dot
	Extensions []string `yaml:"extensions"`
	LogLevel   string   `yaml:"log_level"`

	Store    StoreConfig      `yaml:"store"`
	Pipeline PipelineConfig   `yaml:"pipeline"`
	Watch    WatchConfig      `yaml:"watch"`
	Schedule ScheduleConfig   `yaml:"schedule"`
	Rules    rules.Thresholds `yaml:"rules"`
	Notify   NotifyConfig     `yaml:"notify"`
	Events   EventsConfig     `yaml:"events"`
	Trigger  TriggerConfig    `yaml:"trigger"`
	Server   ServerConfig     `yaml:"server"`
}

// StoreConfig selects the metric store backend
type StoreConfig struct {
	// sqlite, memory, postgres, pgx, mysql or sqlserver
	Driver string `yaml:"driver"`
	// Empty with sqlite means <data_dir>/vendorwatch.db
	DSN string `yaml:"dsn"`
}

type PipelineConfig struct {
	Archive     bool `yaml:"archive"`
	HistorySize int  `yaml:"history_size"`
	// Concurrent batch loads during ingest
	Workers int `yaml:"workers"`
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// ScheduleConfig enables the scheduler when Interval or Cron is set.
type ScheduleConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Cron           string        `yaml:"cron"`
	RunImmediately bool          `yaml:"run_immediately"`
}

// Enabled reports whether any schedule is configured
func (s ScheduleConfig) Enabled() bool {
	return s.Interval > 0 || s.Cron != ""
}

type NotifyConfig struct {
	Email bool       `yaml:"email"`
	SMTP  SMTPConfig `yaml:"smtp"`
	NATS  NATSConfig `yaml:"nats"`
	// Log writes every digest to the process log
	Log bool `yaml:"log"`
}

type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// EventsConfig enables the Kafka event stream when Brokers is non-empty.
type EventsConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// none, gzip, snappy, lz4 or zstd
	Compression string `yaml:"compression"`
}

// TriggerConfig enables manual triggers over NATS when URL is set.
type TriggerConfig struct {
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

type ServerConfig struct {
	// Empty disables the admin HTTP server
	Addr string `yaml:"addr"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, fills defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if len(c.Extensions) == 0 {
		c.Extensions = []string{".xlsx"}
	}
	for i, ext := range c.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Extensions[i] = ext
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Pipeline.HistorySize == 0 {
		c.Pipeline.HistorySize = 50
	}
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = 4
	}
	if c.Watch.Cooldown == 0 {
		c.Watch.Cooldown = 30 * time.Second
	}
	if c.Notify.SMTP.Port == 0 {
		c.Notify.SMTP.Port = 587
	}
	if c.Notify.NATS.Subject == "" {
		c.Notify.NATS.Subject = "vendorwatch.alerts"
	}
	if c.Events.Topic == "" {
		c.Events.Topic = "vendorwatch-events"
	}
	if c.Events.Compression == "" {
		c.Events.Compression = "snappy"
	}
	if c.Trigger.NATSSubject == "" {
		c.Trigger.NATSSubject = "vendorwatch.trigger"
	}
	c.Rules = c.Rules.WithDefaults()
}

// SQLitePath is the database file used when the sqlite store has no DSN
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "vendorwatch.db")
}

// ApplyEnv overrides secrets from the environment
func (c *Config) ApplyEnv() {
	if dsn := os.Getenv("VENDORWATCH_STORE_DSN"); dsn != "" {
		c.Store.DSN = dsn
	}
	if pw := os.Getenv("VENDORWATCH_SMTP_PASSWORD"); pw != "" {
		c.Notify.SMTP.Password = pw
	}
}

// Validate checks the config after flags and files have been merged
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres", "pgx", "mysql", "sqlserver":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Watch.Cooldown < 0 {
		return fmt.Errorf("watch.cooldown must not be negative")
	}
	if c.Schedule.Interval < 0 {
		return fmt.Errorf("schedule.interval must not be negative")
	}
	if c.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return fmt.Errorf("schedule.cron: %w", err)
		}
	}
	if c.Pipeline.HistorySize < 0 {
		return fmt.Errorf("pipeline.history_size must not be negative")
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must not be negative")
	}
	return nil
}
