package main

import (
	"testing"
	"time"

	"github.com/spf13/pflag"

	"vendorwatch/internal/config"
)

func pipelineFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	f := pflag.NewFlagSet("pipeline", pflag.ContinueOnError)
	f.Bool("archive", false, "")
	f.Float64("schedule", 0, "")
	f.String("cron", "", "")
	f.Bool("watch", false, "")
	addWatchFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return f
}

func TestApplyFlags(t *testing.T) {
	cfg := config.Default()
	f := pipelineFlags(t, "--archive", "--schedule", "1.5", "--folder", "/tmp/in", "--cooldown", "10", "--email", "--watch")

	if err := applyFlags(cfg, f); err != nil {
		t.Fatalf("applyFlags: %v", err)
	}
	if !cfg.Pipeline.Archive || !cfg.Watch.Enabled || !cfg.Notify.Email {
		t.Errorf("expected bool flags applied, got %+v", cfg)
	}
	if cfg.Schedule.Interval != 90*time.Minute {
		t.Errorf("expected 90m interval, got %v", cfg.Schedule.Interval)
	}
	if cfg.DataDir != "/tmp/in" || cfg.Watch.Cooldown != 10*time.Second {
		t.Errorf("unexpected folder/cooldown %q %v", cfg.DataDir, cfg.Watch.Cooldown)
	}
}

func TestApplyFlagsKeepsUnsetValues(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = "from-file"
	cfg.Watch.Cooldown = time.Minute

	if err := applyFlags(cfg, pipelineFlags(t, "--cron", "0 * * * *")); err != nil {
		t.Fatalf("applyFlags: %v", err)
	}
	if cfg.DataDir != "from-file" || cfg.Watch.Cooldown != time.Minute {
		t.Errorf("unset flags overrode config: %q %v", cfg.DataDir, cfg.Watch.Cooldown)
	}
	if cfg.Schedule.Cron != "0 * * * *" {
		t.Errorf("expected cron applied, got %q", cfg.Schedule.Cron)
	}
}

func TestApplyFlagsRejectsNonPositiveSchedule(t *testing.T) {
	if err := applyFlags(config.Default(), pipelineFlags(t, "--schedule", "0")); err == nil {
		t.Fatal("expected error for --schedule 0")
	}
}
