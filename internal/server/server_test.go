package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"vendorwatch/internal/alerts"
	"vendorwatch/internal/logger"
	"vendorwatch/internal/metrics"
	"vendorwatch/internal/models"
	"vendorwatch/internal/storage"
)

type fakeRuns struct {
	current *models.PipelineRun
	history []*models.PipelineRun
}

func (f *fakeRuns) Current() (*models.PipelineRun, bool) { return f.current, f.current != nil }
func (f *fakeRuns) History() []*models.PipelineRun { return f.history }

type fakeCycles struct {
	last alerts.CycleResult
}

func (f *fakeCycles) Last() (alerts.CycleResult, bool) { return f.last, f.last.CycleID != "" }

func newTestServer(t *testing.T, store storage.Gateway, runs *fakeRuns, triggers chan models.TriggerSignal) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	s := New(Config{
		Store:    store,
		Runs:     runs,
		Cycles:   &fakeCycles{last: alerts.CycleResult{CycleID: "cycle-1", Digest: models.Digest{High: []models.Alert{{ID: "a"}}}}},
		Triggers: triggers,
		Gatherer: reg,
		Logger:   logger.Nop(),
		Metrics:  metrics.New(reg),
	})
	return s, reg
}

func do(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	store := storage.NewMemory()
	s, _ := newTestServer(t, store, &fakeRuns{}, nil)

	if rec := do(s, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	store.Close()
	rec := do(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on closed store, got %d", rec.Code)
	}
}

type fakeChecker struct{ err error }

func (f fakeChecker) HealthCheck(context.Context) error { return f.err }

func TestHealthReportsEventStream(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus string
		wantEvents string
	}{
		{"reachable", nil, "ok", "ok"},
		{"unreachable", errors.New("no reachable broker"), "degraded", "no reachable broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{
				Store:  storage.NewMemory(),
				Runs:   &fakeRuns{},
				Events: fakeChecker{err: tt.err},
				Logger: logger.Nop(),
			})
			rec := do(s, http.MethodGet, "/healthz")
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["status"] != tt.wantStatus || body["events"] != tt.wantEvents {
				t.Errorf("unexpected body %v", body)
			}
		})
	}
}

func TestRunsNewestFirst(t *testing.T) {
	runs := &fakeRuns{history: []*models.PipelineRun{{ID: "old"}, {ID: "new"}}}
	s, _ := newTestServer(t, storage.NewMemory(), runs, nil)

	rec := do(s, http.MethodGet, "/runs")
	var got []models.PipelineRun
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" {
		t.Errorf("unexpected order %+v", got)
	}
}

func TestStats(t *testing.T) {
	runs := &fakeRuns{
		current: &models.PipelineRun{ID: "live", Stage: models.StageValidating},
		history: []*models.PipelineRun{{ID: "done", Status: models.RunSucceeded}},
	}
	s, _ := newTestServer(t, storage.NewMemory(), runs, nil)

	var resp statsResponse
	if err := json.NewDecoder(do(s, http.MethodGet, "/stats").Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ActiveRun == nil || resp.ActiveRun.ID != "live" {
		t.Errorf("expected active run, got %+v", resp.ActiveRun)
	}
	if resp.LastRun == nil || resp.LastRun.ID != "done" || resp.Runs != 1 {
		t.Errorf("unexpected run stats %+v", resp)
	}
	if resp.LastCycle == nil || resp.LastCycle.High != 1 || !resp.LastCycle.Dispatched {
		t.Errorf("unexpected cycle stats %+v", resp.LastCycle)
	}
}

func TestActiveAlerts(t *testing.T) {
	store := storage.NewMemory()
	s, _ := newTestServer(t, store, &fakeRuns{}, nil)

	rec := do(s, http.MethodGet, "/alerts/active")
	if !strings.Contains(rec.Body.String(), `"alerts":[]`) {
		t.Errorf("expected empty list, got %s", rec.Body.String())
	}

	err := store.ReplaceActiveAlerts(context.Background(), []models.Alert{
		{ID: "ALT_1", Kind: models.KindNegativeProfit, Priority: models.PriorityCritical, Vendor: "Acme", GeneratedAt: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}

	var resp struct {
		Count  int            `json:"count"`
		Alerts []models.Alert `json:"alerts"`
	}
	if err := json.NewDecoder(do(s, http.MethodGet, "/alerts/active").Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Alerts[0].ID != "ALT_1" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestTrigger(t *testing.T) {
	triggers := make(chan models.TriggerSignal, 1)
	runs := &fakeRuns{}
	s, _ := newTestServer(t, storage.NewMemory(), runs, triggers)

	if rec := do(s, http.MethodPost, "/trigger"); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if sig := <-triggers; sig.Source != models.TriggerManual {
		t.Errorf("expected manual source, got %s", sig.Source)
	}

	runs.current = &models.PipelineRun{ID: "busy", Stage: models.StageIngesting}
	if rec := do(s, http.MethodPost, "/trigger"); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while busy, got %d", rec.Code)
	}
	if len(triggers) != 0 {
		t.Error("expected nothing queued while busy")
	}

	if rec := do(s, http.MethodGet, "/trigger"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestTriggerDisabled(t *testing.T) {
	s, _ := newTestServer(t, storage.NewMemory(), &fakeRuns{}, nil)
	if rec := do(s, http.MethodPost, "/trigger"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a trigger channel, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, storage.NewMemory(), &fakeRuns{}, nil)
	do(s, http.MethodGet, "/runs")

	rec := do(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `vendorwatch_http_requests_total{method="GET",route="/runs",status="200"} 1`) {
		t.Errorf("expected request metric in output:\n%s", rec.Body.String())
	}
}

func TestStartShutdown(t *testing.T) {
	s, _ := newTestServer(t, storage.NewMemory(), &fakeRuns{}, nil)
	s.srv.Addr = "127.0.0.1:0"

	done := make(chan error, 1)
	go func() { done <- s.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-done; err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Start returned %v", err)
	}
}
