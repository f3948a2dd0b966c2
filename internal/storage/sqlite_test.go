package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"vendorwatch/internal/models"
)

func openSQLite(t *testing.T, path string) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", SQLiteDSN(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSQLiteSummaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t, filepath.Join(t.TempDir(), "vendorwatch.db"))
	defer s.Close()

	seed(t, s)

	n, err := s.RebuildSummary(ctx)
	if err != nil {
		t.Fatalf("RebuildSummary: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 summary rows, got %d", n)
	}

	snap, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	acme := snap.Rows[0]
	if acme.Vendor != "Acme" || acme.Item != "Widget" {
		t.Fatalf("unexpected first row %+v", acme)
	}
	if !approx(acme.GrossProfit, 200) || !approx(acme.ProfitMargin, 20) || !approx(acme.StockTurnover, 0.2) {
		t.Errorf("unexpected metrics %+v", acme)
	}
	if len(snap.Missing) != len(enrichmentTables) {
		t.Errorf("expected all enrichment tables missing, got %v", snap.Missing)
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vendorwatch.db")

	s := openSQLite(t, path)
	seed(t, s)
	if _, err := s.RebuildSummary(ctx); err != nil {
		t.Fatalf("RebuildSummary: %v", err)
	}
	gen := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	err := s.ReplaceActiveAlerts(ctx, []models.Alert{
		{ID: "ALT_20240301093000_1", Kind: models.KindNegativeProfit, Priority: models.PriorityCritical,
			Vendor: "Globex", Item: "Gizmo", Value: -50, GeneratedAt: gen},
	})
	if err != nil {
		t.Fatalf("ReplaceActiveAlerts: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A second process sees the tables the first one wrote
	s = openSQLite(t, path)
	defer s.Close()

	snap, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot after reopen: %v", err)
	}
	if len(snap.Rows) != 2 {
		t.Errorf("expected 2 rows after reopen, got %d", len(snap.Rows))
	}

	active, err := s.ActiveAlerts(ctx)
	if err != nil {
		t.Fatalf("ActiveAlerts: %v", err)
	}
	if len(active) != 1 || active[0].ID != "ALT_20240301093000_1" || !active[0].GeneratedAt.Equal(gen) {
		t.Errorf("unexpected active alerts %+v", active)
	}
}
