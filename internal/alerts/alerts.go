package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vendorwatch/internal/logger"
	"vendorwatch/internal/metrics"
	"vendorwatch/internal/models"
	"vendorwatch/internal/notify"
	"vendorwatch/internal/rules"
	"vendorwatch/internal/storage"
)

// Dispatcher delivers a cycle's alerts
type Dispatcher interface {
	Dispatch(ctx context.Context, alerts []models.Alert) error
}

// Publisher receives every generated alert for the event stream
type Publisher interface {
	PublishAlerts(ctx context.Context, cycleID string, alerts []models.Alert) error
}

// Config wires a Manager
type Config struct {
	Store      storage.Gateway
	Rules      []rules.Rule
	Dispatcher Dispatcher // optional
	Events     Publisher  // optional
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	// Now is the clock; defaults to time.Now
	Now        func() time.Time
}

// CycleResult is the outcome of one evaluation cycle
type CycleResult struct {
	CycleID     string
	GeneratedAt time.Time
	Alerts      []models.Alert
	Digest      models.Digest
	// Missing lists enrichment tables whose rules were skipped
	Missing     []string
	DispatchErr error
}

// Manager runs evaluation cycles: snapshot, evaluate, persist, dispatch.
// Cycles are serialized.
type Manager struct {
	store      storage.Gateway
	rules      []rules.Rule
	dispatcher Dispatcher
	events     Publisher
	log        zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu      sync.Mutex
	lastGen time.Time
	last    *CycleResult
}

// NewManager creates an alert manager
func NewManager(cfg Config) *Manager {
	if cfg.Rules == nil {
		cfg.Rules = rules.DefaultRules(rules.DefaultThresholds())
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{
		store:      cfg.Store,
		rules:      cfg.Rules,
		dispatcher: cfg.Dispatcher,
		events:     cfg.Events,
		log:        logger.WithComponent(cfg.Logger, "alert_manager"),
		metrics:    cfg.Metrics,
		now:        cfg.Now,
	}
}

// RunCycle evaluates the current snapshot and replaces the active alert set.
// A snapshot or active-set failure aborts the cycle; history, event and
// dispatch failures are logged and do not.
func (m *Manager) RunCycle(ctx context.Context) (CycleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	res := CycleResult{CycleID: uuid.NewString()}
	log := m.log.With().Str("cycle_id", res.CycleID).Logger()

	log.Info().Msg("alert cycle started")

	snap, err := m.store.LoadSnapshot(ctx)
	if err != nil {
		m.metrics.AlertCycles.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("failed to load metrics snapshot")
		return res, fmt.Errorf("load snapshot: %w", err)
	}
	res.Missing = snap.Missing
	for _, name := range snap.Missing {
		log.Warn().Str("table", name).Msg("enrichment table not available, dependent rules skipped")
	}

	candidates := rules.Evaluate(snap.Rows, m.rules)
	res.GeneratedAt = m.nextGeneration()
	res.Alerts = stamp(candidates, res.GeneratedAt)

	// Snapshot semantics: the active set is exactly this cycle's alerts
	if err := m.store.ReplaceActiveAlerts(ctx, res.Alerts); err != nil {
		m.metrics.AlertCycles.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("failed to replace active alerts")
		return res, fmt.Errorf("replace active alerts: %w", err)
	}
	m.metrics.ActiveAlerts.Set(float64(len(res.Alerts)))

	if err := m.store.AppendAlertHistory(ctx, res.Alerts); err != nil {
		log.Error().Err(err).Int("alerts", len(res.Alerts)).Msg("failed to append alert history")
	}

	for _, a := range res.Alerts {
		m.metrics.AlertsGenerated.WithLabelValues(string(a.Priority)).Inc()
	}

	if m.events != nil && len(res.Alerts) > 0 {
		if err := m.events.PublishAlerts(ctx, res.CycleID, res.Alerts); err != nil {
			log.Warn().Err(err).Msg("failed to publish alert events")
		}
	}

	res.Digest = notify.BuildDigest(res.Alerts, res.GeneratedAt)

	if m.dispatcher != nil {
		res.DispatchErr = m.dispatcher.Dispatch(ctx, res.Alerts)
		if res.DispatchErr != nil {
			log.Error().Err(res.DispatchErr).Msg("alert dispatch failed")
		}
	}

	outcome := "ok"
	if res.DispatchErr != nil {
		outcome = "dispatch_failed"
	}
	m.metrics.AlertCycles.WithLabelValues(outcome).Inc()

	log.Info().
		Int("alerts", len(res.Alerts)).
		Int("critical", len(res.Digest.Critical)).
		Int("high", len(res.Digest.High)).
		Int("medium", len(res.Digest.Medium)).
		Int("low", len(res.Digest.Low)).
		Dur("duration", time.Since(start)).
		Msg("alert cycle completed")

	last := res
	m.last = &last
	return res, nil
}

// Last returns the most recent successful cycle
func (m *Manager) Last() (CycleResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.last == nil {
		return CycleResult{}, false
	}
	return *m.last, true
}

// nextGeneration returns a timestamp strictly after the previous cycle's
func (m *Manager) nextGeneration() time.Time {
	gen := m.now().UTC().Truncate(time.Microsecond)
	if !gen.After(m.lastGen) {
		gen = m.lastGen.Add(time.Microsecond)
	}
	m.lastGen = gen
	return gen
}

// stamp assigns cycle-unique ids and the shared generation timestamp
func stamp(candidates []models.Alert, gen time.Time) []models.Alert {
	out := make([]models.Alert, len(candidates))
	prefix := "ALT_" + gen.Format("20060102150405") + "_"
	for i, a := range candidates {
		a.ID = fmt.Sprintf("%s%d", prefix, i+1)
		a.GeneratedAt = gen
		out[i] = a
	}
	return out
}
