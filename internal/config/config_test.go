package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: ./incoming
extensions: [XLSX, csv]
schedule:
  interval: 6h
rules:
  profit_margin: 20
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Watch.Cooldown != 30*time.Second {
		t.Fatalf("expected cooldown default 30s, got %s", cfg.Watch.Cooldown)
	}
	if cfg.Schedule.Interval != 6*time.Hour {
		t.Fatalf("expected interval 6h, got %s", cfg.Schedule.Interval)
	}
	if got := cfg.Extensions; len(got) != 2 || got[0] != ".xlsx" || got[1] != ".csv" {
		t.Fatalf("expected normalized extensions, got %v", got)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != "" {
		t.Fatalf("expected file-backed sqlite store by default, got %s %q", cfg.Store.Driver, cfg.Store.DSN)
	}
	if cfg.Pipeline.HistorySize != 50 {
		t.Fatalf("expected history size 50, got %d", cfg.Pipeline.HistorySize)
	}
	if cfg.Rules.ProfitMargin != 20 {
		t.Fatalf("expected overridden profit margin 20, got %v", cfg.Rules.ProfitMargin)
	}
	if cfg.Rules.StockTurnover != 0.3 {
		t.Fatalf("expected default turnover 0.3, got %v", cfg.Rules.StockTurnover)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VENDORWATCH_STORE_DSN", "postgres://env@localhost/inventory")
	t.Setenv("VENDORWATCH_SMTP_PASSWORD", "s3cret")

	path := writeConfig(t, `
store:
  driver: postgres
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Store.DSN != "postgres://env@localhost/inventory" {
		t.Errorf("expected DSN from env, got %q", cfg.Store.DSN)
	}
	if cfg.Notify.SMTP.Password != "s3cret" {
		t.Errorf("expected SMTP password from env, got %q", cfg.Notify.SMTP.Password)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"unknown driver", func(c *Config) { c.Store.Driver = "oracle" }, true},
		{"sqlite without dsn", func(c *Config) { c.Store.Driver = "sqlite" }, false},
		{"sql driver without dsn", func(c *Config) { c.Store.Driver = "mysql" }, true},
		{"sql driver with dsn", func(c *Config) {
			c.Store.Driver = "sqlserver"
			c.Store.DSN = "sqlserver://sa@localhost"
		}, false},
		{"bad cron", func(c *Config) { c.Schedule.Cron = "every day" }, true},
		{"cron every", func(c *Config) { c.Schedule.Cron = "@every 1h" }, false},
		{"negative interval", func(c *Config) { c.Schedule.Interval = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSQLitePath(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/srv/vendors"
	if got := cfg.SQLitePath(); got != filepath.Join("/srv/vendors", "vendorwatch.db") {
		t.Errorf("unexpected sqlite path %s", got)
	}
}

func TestScheduleEnabled(t *testing.T) {
	if (ScheduleConfig{}).Enabled() {
		t.Error("expected zero schedule to be disabled")
	}
	if !(ScheduleConfig{Cron: "0 6 * * *"}).Enabled() {
		t.Error("expected cron schedule to be enabled")
	}
}
