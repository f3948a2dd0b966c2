// Package daemon wires the store, trigger sources, pipeline, alert manager,
// notification transports, event stream and admin server into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"vendorwatch/internal/alerts"
	"vendorwatch/internal/config"
	"vendorwatch/internal/events"
	"vendorwatch/internal/logger"
	"vendorwatch/internal/metrics"
	"vendorwatch/internal/models"
	"vendorwatch/internal/notify"
	"vendorwatch/internal/pipeline"
	"vendorwatch/internal/rules"
	"vendorwatch/internal/server"
	"vendorwatch/internal/storage"
	"vendorwatch/internal/trigger"
)

// Daemon is the high-level coordinator for triggers, runs and alerting.
type Daemon struct {
	cfg     *config.Config
	log     zerolog.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics

	store      storage.Gateway
	dispatcher *notify.Dispatcher
	producer   *events.Producer
	publisher  *events.Publisher
	alerts     *alerts.Manager
	orch       *pipeline.Orchestrator

	triggers chan models.TriggerSignal
	closers  []func()
	wg       sync.WaitGroup
}

// New connects the store and transports. A store that cannot be reached
// is a startup failure.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Daemon, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d := &Daemon{
		cfg:      cfg,
		log:      logger.WithComponent(log, "daemon"),
		reg:      reg,
		metrics:  metrics.New(reg),
		triggers: make(chan models.TriggerSignal, 16),
	}

	if err := d.initStore(ctx); err != nil {
		return nil, err
	}
	if err := d.initDispatcher(log); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.initEvents(log); err != nil {
		d.Close()
		return nil, err
	}

	amCfg := alerts.Config{
		Store:      d.store,
		Rules:      rules.DefaultRules(cfg.Rules),
		Dispatcher: d.dispatcher,
		Logger:     log,
		Metrics:    d.metrics,
	}
	if d.publisher != nil {
		amCfg.Events = d.publisher
	}
	d.alerts = alerts.NewManager(amCfg)

	pCfg := pipeline.Config{
		Store:       d.store,
		DataDir:     cfg.DataDir,
		Extensions:  cfg.Extensions,
		Workers:     cfg.Pipeline.Workers,
		HistorySize: cfg.Pipeline.HistorySize,
		Archive:     cfg.Pipeline.Archive,
		OnComplete:  d.alertCycle,
		Logger:      log,
		Metrics:     d.metrics,
	}
	if d.publisher != nil {
		pCfg.Events = d.publisher
	}
	d.orch = pipeline.New(pCfg)

	return d, nil
}

func (d *Daemon) initStore(ctx context.Context) error {
	if d.cfg.Store.Driver == "memory" {
		d.store = storage.NewMemory()
		d.log.Info().Str("driver", "memory").Msg("metric store ready")
		return nil
	}

	dsn := d.cfg.Store.DSN
	if d.cfg.Store.Driver == "sqlite" && dsn == "" {
		if err := os.MkdirAll(d.cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data folder: %w", err)
		}
		dsn = storage.SQLiteDSN(d.cfg.SQLitePath())
	}

	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	store, err := storage.Open(openCtx, d.cfg.Store.Driver, dsn)
	if err != nil {
		return fmt.Errorf("open %s store: %w", d.cfg.Store.Driver, err)
	}
	d.store = store
	d.log.Info().Str("driver", d.cfg.Store.Driver).Msg("metric store ready")
	return nil
}

// initDispatcher builds the configured transports. Email that is requested
// but not configured is skipped with a warning.
func (d *Daemon) initDispatcher(log zerolog.Logger) error {
	var transports []notify.Transport
	n := d.cfg.Notify

	if n.Email {
		smtpT, err := notify.NewSMTP(notify.SMTPConfig{
			Host:     n.SMTP.Host,
			Port:     n.SMTP.Port,
			Username: n.SMTP.Username,
			Password: n.SMTP.Password,
			From:     n.SMTP.From,
			To:       n.SMTP.To,
		})
		switch {
		case errors.Is(err, notify.ErrNotConfigured):
			d.log.Warn().Err(err).Msg("email not configured, skipping email notification")
		case err != nil:
			return err
		default:
			transports = append(transports, smtpT)
		}
	}

	if n.NATS.URL != "" {
		natsT, err := notify.NewNATS(n.NATS.URL, n.NATS.Subject)
		if err != nil {
			return fmt.Errorf("notify nats: %w", err)
		}
		d.closers = append(d.closers, natsT.Close)
		transports = append(transports, natsT)
	}

	if n.Log {
		transports = append(transports, notify.NewLog(logger.WithComponent(log, "notify_log")))
	}

	d.dispatcher = notify.NewDispatcher(log, d.metrics, transports...)
	d.log.Info().Strs("transports", d.dispatcher.Transports()).Msg("notification dispatcher ready")
	return nil
}

func (d *Daemon) initEvents(log zerolog.Logger) error {
	if len(d.cfg.Events.Brokers) == 0 {
		return nil
	}

	pcfg := events.DefaultProducerConfig()
	pcfg.Compression = d.cfg.Events.Compression
	producer, err := events.NewProducer(
		d.cfg.Events.Brokers,
		d.cfg.Events.Topic,
		pcfg,
		events.WithLogger(log),
		events.WithMetrics(d.metrics),
	)
	if err != nil {
		return fmt.Errorf("events producer: %w", err)
	}

	node, _ := os.Hostname()
	if node == "" {
		node = "unknown"
	}
	d.producer = producer
	d.publisher = events.NewPublisher(producer, node, log)

	d.log.Info().
		Strs("brokers", d.cfg.Events.Brokers).
		Str("topic", d.cfg.Events.Topic).
		Msg("event stream enabled")
	return nil
}

// alertCycle is the pipeline completion hook
func (d *Daemon) alertCycle(ctx context.Context, run *models.PipelineRun) error {
	res, err := d.alerts.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("alert cycle after run %s: %w", run.ID, err)
	}
	d.log.Info().
		Str("run_id", run.ID).
		Str("cycle_id", res.CycleID).
		Int("alerts", len(res.Alerts)).
		Msg("alert cycle finished")
	return nil
}

// Orchestrator exposes the pipeline for one-shot CLI commands
func (d *Daemon) Orchestrator() *pipeline.Orchestrator { return d.orch }

// Alerts exposes the alert manager for one-shot CLI commands
func (d *Daemon) Alerts() *alerts.Manager { return d.alerts }

// Dispatcher exposes the notification dispatcher
func (d *Daemon) Dispatcher() *notify.Dispatcher { return d.dispatcher }

// RunOnce executes one run and waits for its alert cycle.
func (d *Daemon) RunOnce(ctx context.Context, sig models.TriggerSignal) (*models.PipelineRun, error) {
	run, err := d.orch.Run(ctx, sig)
	d.orch.Wait()
	return run, err
}

// sources builds the trigger sources enabled by config
func (d *Daemon) sources(log zerolog.Logger) ([]trigger.Source, error) {
	var srcs []trigger.Source

	if d.cfg.Watch.Enabled {
		srcs = append(srcs, trigger.NewWatcher(trigger.WatcherConfig{
			Dir:        d.cfg.DataDir,
			Extensions: d.cfg.Extensions,
			Cooldown:   d.cfg.Watch.Cooldown,
			Logger:     log,
			Metrics:    d.metrics,
		}))
	}

	if d.cfg.Schedule.Enabled() {
		s, err := trigger.NewScheduler(trigger.SchedulerConfig{
			Interval:       d.cfg.Schedule.Interval,
			Cron:           d.cfg.Schedule.Cron,
			RunImmediately: d.cfg.Schedule.RunImmediately,
			Logger:         log,
			Metrics:        d.metrics,
		})
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, s)
	}

	if d.cfg.Trigger.NATSURL != "" {
		srcs = append(srcs, trigger.NewNATSSource(d.cfg.Trigger.NATSURL, d.cfg.Trigger.NATSSubject, log, d.metrics))
	}
	return srcs, nil
}

// Run starts the trigger sources, the orchestrator and the admin server and
// blocks until ctx is cancelled or a source fails to start.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info().Msg("daemon starting")

	srcs, err := d.sources(d.log)
	if err != nil {
		return err
	}
	if len(srcs) == 0 && d.cfg.Server.Addr == "" {
		return errors.New("nothing to run: enable watch, schedule, nats trigger or the admin server")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(srcs)+1)

	// Sources stop on ctx cancel
	var sourcesWG sync.WaitGroup
	for _, src := range srcs {
		sourcesWG.Add(1)
		go func(src trigger.Source) {
			defer sourcesWG.Done()
			if err := src.Run(ctx, d.triggers); err != nil {
				errs <- err
			}
		}(src)
	}

	// Orchestrator drains in-flight work before returning
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.orch.Serve(ctx, d.triggers)
	}()

	var srv *server.Server
	if d.cfg.Server.Addr != "" {
		sCfg := server.Config{
			Addr:     d.cfg.Server.Addr,
			Store:    d.store,
			Runs:     d.orch,
			Cycles:   d.alerts,
			Triggers: d.triggers,
			Gatherer: d.reg,
			Logger:   d.log,
			Metrics:  d.metrics,
		}
		if d.producer != nil {
			sCfg.Events = d.producer
		}
		srv = server.New(sCfg)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := srv.Start(); err != nil {
				errs <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	// Stats reporting goroutine
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.reportStats(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		d.log.Info().Msg("shutdown signal received")
	case runErr = <-errs:
		d.log.Error().Err(runErr).Msg("trigger source failed")
	}
	cancel()

	return errors.Join(runErr, d.shutdown(srv, &sourcesWG))
}

// shutdown performs graceful shutdown
func (d *Daemon) shutdown(srv *server.Server, sources *sync.WaitGroup) error {
	d.log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		d.log.Info().Msg("stopping admin server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			d.log.Error().Err(err).Msg("admin server shutdown error")
		}
	}

	// 2. Stop trigger sources
	sources.Wait()

	// 3. Wait for the in-flight run and alert cycle
	d.wg.Wait()
	d.log.Info().Msg("in-flight work finished")

	// 4. Close producer, transports and store
	return d.Close()
}

// Close releases transports, the producer and the store
func (d *Daemon) Close() error {
	for _, c := range d.closers {
		c()
	}
	d.closers = nil

	var errs []error
	if d.publisher != nil {
		d.log.Info().Msg("closing kafka producer")
		if err := d.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close: %w", err))
		}
		d.publisher = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
		d.store = nil
	}

	d.log.Info().Msg("daemon stopped")
	return errors.Join(errs...)
}

// reportStats periodically logs statistics
func (d *Daemon) reportStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batches := d.orch.BatchStats()
			ev := d.log.Info().
				Uint64("batches_loaded", batches.Processed).
				Uint64("batches_failed", batches.Failed).
				Int("runs", len(d.orch.History()))

			if d.producer != nil {
				ps := d.producer.Stats()
				ev = ev.Uint64("producer_sent", ps.MessagesSent).
					Uint64("producer_failed", ps.MessagesFailed).
					Uint64("producer_bytes", ps.BytesWritten)
			}
			ev.Msg("stats")
		}
	}
}
