package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vendorwatch/internal/config"
	"vendorwatch/internal/logger"
	"vendorwatch/internal/models"
	"vendorwatch/internal/pipeline"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Extensions = []string{".csv"}
	return cfg
}

func seedBatches(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		"sales.csv": "VendorName,Description,SalesQuantity,SalesDollars\n" +
			"Acme,Widget,10,1000\n",
		"purchases.csv": "VendorName,Description,PurchaseQuantity,PurchaseDollars\n" +
			"Acme,Widget,100,1100\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestNewSkipsUnconfiguredEmail(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.Email = true
	cfg.Notify.Log = true

	d, err := New(context.Background(), cfg, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	got := d.Dispatcher().Transports()
	if len(got) != 1 || got[0] != "log" {
		t.Errorf("expected only the log transport, got %v", got)
	}
}

func TestRunOnceRunsAlertCycle(t *testing.T) {
	cfg := testConfig(t)
	seedBatches(t, cfg.DataDir)

	d, err := New(context.Background(), cfg, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	run, err := d.RunOnce(context.Background(), models.NewTriggerSignal(models.TriggerManual))
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if run.Status != models.RunSucceeded {
		t.Fatalf("expected success, got %s", run.Status)
	}

	// Acme loses money on Widget: negative profit and low margin at least
	res, ok := d.Alerts().Last()
	if !ok {
		t.Fatal("expected an alert cycle after the run")
	}
	if len(res.Digest.Critical) == 0 {
		t.Errorf("expected a critical alert, got %+v", res.Digest)
	}
}

func TestDefaultStoreOutlivesProcess(t *testing.T) {
	cfg := testConfig(t)
	seedBatches(t, cfg.DataDir)

	first, err := New(context.Background(), cfg, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := first.RunOnce(context.Background(), models.NewTriggerSignal(models.TriggerManual)); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Standalone alerts and validate-only commands start a fresh process
	second, err := New(context.Background(), cfg, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer second.Close()

	res, err := second.Alerts().RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(res.Digest.Critical) == 0 {
		t.Errorf("expected a critical alert from the persisted summary, got %+v", res.Digest)
	}
	for _, issue := range second.Orchestrator().Validate(context.Background()) {
		if strings.Contains(issue, "not found") {
			t.Errorf("unexpected validation issue %q", issue)
		}
	}
	if _, err := os.Stat(cfg.SQLitePath()); err != nil {
		t.Errorf("expected database file in the data folder: %v", err)
	}
}

func TestRunOnceWithoutInput(t *testing.T) {
	d, err := New(context.Background(), testConfig(t), logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	_, err = d.RunOnce(context.Background(), models.NewTriggerSignal(models.TriggerManual))
	if !errors.Is(err, pipeline.ErrNoInput) {
		t.Fatalf("expected ErrNoInput, got %v", err)
	}
	if _, ok := d.Alerts().Last(); ok {
		t.Error("expected no alert cycle")
	}
}

func TestRunNothingEnabled(t *testing.T) {
	d, err := New(context.Background(), testConfig(t), logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected an error when no source is enabled")
	}
}

func TestRunScheduledDaemon(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule.Interval = time.Hour
	cfg.Schedule.RunImmediately = true
	cfg.Server.Addr = "127.0.0.1:0"
	seedBatches(t, cfg.DataDir)

	d, err := New(context.Background(), cfg, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(d.Orchestrator().History()) == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("timed out waiting for the scheduled run")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	h := d.Orchestrator().History()
	if h[0].Trigger != models.TriggerSchedule || h[0].Status != models.RunSucceeded {
		t.Errorf("unexpected run %+v", h[0])
	}
	if _, ok := d.Alerts().Last(); !ok {
		t.Error("expected shutdown to wait for the alert cycle")
	}
}
