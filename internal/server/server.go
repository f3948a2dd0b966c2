// Package server exposes the admin HTTP API: health, run history, the
// active alert set, manual triggers and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"vendorwatch/internal/alerts"
	"vendorwatch/internal/logger"
	"vendorwatch/internal/metrics"
	"vendorwatch/internal/middleware"
	"vendorwatch/internal/models"
	"vendorwatch/internal/storage"
)

// RunSource exposes orchestrator state
type RunSource interface {
	Current() (*models.PipelineRun, bool)
	History() []*models.PipelineRun
}

// CycleSource exposes the last alert cycle
type CycleSource interface {
	Last() (alerts.CycleResult, bool)
}

// HealthChecker is an optional dependency reported by /healthz
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config wires the admin server
type Config struct {
	Addr     string
	Store    storage.Gateway
	Runs     RunSource
	Cycles   CycleSource
	// Triggers receives manual signals; nil disables POST /trigger
	Triggers chan<- models.TriggerSignal
	// Events is the best-effort event stream; a failure degrades health
	// without failing it
	Events   HealthChecker
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Server is the admin HTTP server
type Server struct {
	cfg     Config
	log     zerolog.Logger
	started time.Time
	handler http.Handler
	srv     *http.Server
}

func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:     cfg,
		log:     logger.WithComponent(cfg.Logger, "http"),
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Logging(s.log, cfg.Metrics), middleware.Recovery(s.log, cfg.Metrics))

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/runs", s.handleRuns)
	r.Get("/alerts/active", s.handleActiveAlerts)
	r.Post("/trigger", s.handleTrigger)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	s.handler = r
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("admin server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type errorResponse struct {
	Ok      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Ok: false, Code: code, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.cfg.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	resp := map[string]string{"status": "ok"}
	if s.cfg.Events != nil {
		if err := s.cfg.Events.HealthCheck(ctx); err != nil {
			resp["status"] = "degraded"
			resp["events"] = err.Error()
		} else {
			resp["events"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type cycleStats struct {
	CycleID     string    `json:"cycle_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Critical    int       `json:"critical"`
	High        int       `json:"high"`
	Medium      int       `json:"medium"`
	Low         int       `json:"low"`
	Missing     []string  `json:"missing_tables,omitempty"`
	Dispatched  bool      `json:"dispatched"`
}

type statsResponse struct {
	Uptime    string              `json:"uptime"`
	ActiveRun *models.PipelineRun `json:"active_run"`
	Runs      int                 `json:"runs"`
	LastRun   *models.PipelineRun `json:"last_run"`
	LastCycle *cycleStats         `json:"last_cycle"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Uptime: time.Since(s.started).Round(time.Second).String()}

	if cur, ok := s.cfg.Runs.Current(); ok {
		resp.ActiveRun = cur
	}
	history := s.cfg.Runs.History()
	resp.Runs = len(history)
	if len(history) > 0 {
		resp.LastRun = history[len(history)-1]
	}

	if s.cfg.Cycles != nil {
		if c, ok := s.cfg.Cycles.Last(); ok {
			resp.LastCycle = &cycleStats{
				CycleID:     c.CycleID,
				GeneratedAt: c.GeneratedAt,
				Critical:    len(c.Digest.Critical),
				High:        len(c.Digest.High),
				Medium:      len(c.Digest.Medium),
				Low:         len(c.Digest.Low),
				Missing:     c.Missing,
				Dispatched:  c.DispatchErr == nil,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRuns lists terminal runs, newest first
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	history := s.cfg.Runs.History()
	out := make([]*models.PipelineRun, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	active, err := s.cfg.Store.ActiveAlerts(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read active alerts")
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "cannot read active alerts")
		return
	}
	if active == nil {
		active = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(active),
		"alerts": active,
	})
}

// handleTrigger queues a manual signal. A busy pipeline answers 409 without
// queueing, matching how the orchestrator drops triggers.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Triggers == nil {
		writeError(w, http.StatusServiceUnavailable, "TRIGGERS_DISABLED", "manual triggers are not accepted by this process")
		return
	}
	if cur, ok := s.cfg.Runs.Current(); ok {
		writeJSON(w, http.StatusConflict, map[string]any{
			"ok":         false,
			"code":       "RUN_ACTIVE",
			"active_run": cur.ID,
			"stage":      cur.Stage,
		})
		return
	}

	sig := models.NewTriggerSignal(models.TriggerManual)
	select {
	case s.cfg.Triggers <- sig:
		s.log.Info().Str("request_id", r.Header.Get(middleware.RequestIDHeader)).Msg("manual trigger queued")
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "source": sig.Source, "at": sig.At})
	case <-time.After(5 * time.Second):
		writeError(w, http.StatusServiceUnavailable, "TIMEOUT", "trigger channel not accepting")
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "TIMEOUT", "trigger channel not accepting")
	}
}
