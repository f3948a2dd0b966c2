// Package pipeline runs the ingest, validate, transform and archive stages
// with at most one run active at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vendorwatch/internal/logger"
	"vendorwatch/internal/metrics"
	"vendorwatch/internal/models"
	"vendorwatch/internal/storage"
	"vendorwatch/internal/tabular"
	"vendorwatch/internal/worker"
)

var (
	// ErrRunActive is returned when a trigger arrives while a run is in progress
	ErrRunActive = errors.New("pipeline run already active")
	// ErrNoInput is returned when the data folder has no qualifying batches
	ErrNoInput = errors.New("no input batches found")
	// ErrDuplicateTable is returned when two batches would replace the same table
	ErrDuplicateTable = errors.New("batches map to the same table")
)

const (
	defaultHistorySize = 50
	archiveDirName     = "archive"
)

// RunPublisher receives terminal runs
type RunPublisher interface {
	PublishRun(ctx context.Context, run *models.PipelineRun) error
}

// CompletionHook runs after a run completes successfully. It is the alert
// cycle in production.
type CompletionHook func(ctx context.Context, run *models.PipelineRun) error

// Config holds orchestrator dependencies
type Config struct {
	Store       storage.Gateway
	DataDir     string
	Extensions  []string
	Workers     int
	HistorySize int
	Archive     bool
	OnComplete  CompletionHook
	Events      RunPublisher
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Orchestrator owns the single active run
type Orchestrator struct {
	cfg     Config
	store   storage.Gateway
	pool    *worker.Pool
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	active  *models.PipelineRun
	view    *models.PipelineRun // copy of active as of its last stage change
	history []*models.PipelineRun

	// hooks tracks in-flight completion hooks; runs tracks runs started by Serve
	hooks sync.WaitGroup
	runs  sync.WaitGroup
}

// New creates an orchestrator
func New(cfg Config) *Orchestrator {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".xlsx"}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	o := &Orchestrator{
		cfg:     cfg,
		store:   cfg.Store,
		log:     logger.WithComponent(cfg.Logger, "pipeline"),
		metrics: cfg.Metrics,
	}
	o.pool = worker.NewPool(worker.Config{
		Load:    o.loadBatch,
		Workers: cfg.Workers,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	return o
}

// Run executes one pipeline run for sig and blocks until it is terminal.
// A busy orchestrator drops the signal and returns ErrRunActive. The
// returned error is the stage error of a failed run.
func (o *Orchestrator) Run(ctx context.Context, sig models.TriggerSignal) (*models.PipelineRun, error) {
	run, err := o.acquire(sig)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, run)
}

// acquire is the check-and-set of the active run
func (o *Orchestrator) acquire(sig models.TriggerSignal) (*models.PipelineRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		o.metrics.TriggersTotal.WithLabelValues(string(sig.Source), "dropped").Inc()
		o.log.Warn().
			Str("trigger", string(sig.Source)).
			Str("active_run", o.active.ID).
			Msg("run already active, trigger dropped")
		return nil, ErrRunActive
	}

	run := models.NewPipelineRun(uuid.NewString(), sig, o.cfg.Archive).WithClock(o.cfg.Now)
	o.active = run
	o.view = run.Clone()
	o.metrics.TriggersTotal.WithLabelValues(string(sig.Source), "accepted").Inc()
	o.metrics.RunActive.Set(1)
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *models.PipelineRun) (result *models.PipelineRun, runErr error) {
	log := logger.WithRun(o.log, run.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stage", string(run.Stage)).
				Str("stack", string(debug.Stack())).
				Msg("recovered from panic in pipeline run")
			o.metrics.PanicsRecovered.WithLabelValues("pipeline").Inc()
			run.Abort(fmt.Sprintf("panic: %v", r))
			runErr = fmt.Errorf("run aborted: %v", r)
		}
		result = o.finish(ctx, log, run)
	}()

	log.Info().
		Str("trigger", string(run.Trigger)).
		Bool("archive", run.Archive).
		Msg("pipeline run started")

	// Alert cycles from the previous run must not see half-written tables
	o.hooks.Wait()

	return run, o.stages(ctx, log, run)
}

func (o *Orchestrator) stages(ctx context.Context, log zerolog.Logger, run *models.PipelineRun) error {
	if err := o.stage(log, run, models.StageIngesting, func() error { return o.ingest(ctx, log, run) }); err != nil {
		return err
	}
	if err := o.stage(log, run, models.StageValidating, func() error { return o.validate(ctx, log, run) }); err != nil {
		return err
	}
	if err := o.stage(log, run, models.StageTransforming, func() error {
		n, err := o.store.RebuildSummary(ctx)
		if err != nil {
			return fmt.Errorf("rebuild summary: %w", err)
		}
		log.Info().Int64("rows", n).Str("table", storage.TableSummary).Msg("summary rebuilt")
		return nil
	}); err != nil {
		return err
	}
	if run.Archive {
		if err := o.stage(log, run, models.StageArchiving, func() error {
			o.archive(log, run)
			return nil
		}); err != nil {
			return err
		}
	}
	return run.Advance(models.StageCompleted)
}

// stage advances run to s, runs fn and fails the run if fn errors
func (o *Orchestrator) stage(log zerolog.Logger, run *models.PipelineRun, s models.Stage, fn func() error) error {
	if err := run.Advance(s); err != nil {
		return err
	}
	o.refresh(run)
	log.Info().Str("stage", string(s)).Msg("stage started")

	start := time.Now()
	err := fn()
	o.metrics.StageDuration.WithLabelValues(string(s)).Observe(time.Since(start).Seconds())
	o.refresh(run)

	if err != nil {
		log.Error().Err(err).Str("stage", string(s)).Msg("stage failed")
		if ferr := run.Fail(err); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) refresh(run *models.PipelineRun) {
	c := run.Clone()
	o.mu.Lock()
	o.view = c
	o.mu.Unlock()
}

// finish records the terminal run, releases the active slot and starts the
// completion hook.
func (o *Orchestrator) finish(ctx context.Context, log zerolog.Logger, run *models.PipelineRun) *models.PipelineRun {
	snapshot := run.Clone()
	bg := context.WithoutCancel(ctx)

	o.metrics.RunsTotal.WithLabelValues(string(run.Trigger), string(run.Status)).Inc()
	o.metrics.RunDuration.Observe(run.Duration().Seconds())

	ev := log.Info()
	if run.Status != models.RunSucceeded {
		ev = log.Error().Interface("stage_errors", run.StageErrors)
	}
	ev.Str("status", string(run.Status)).
		Int("batches", len(run.Batches)).
		Int("warnings", len(run.Warnings)).
		Dur("duration", run.Duration()).
		Msg("pipeline run finished")

	if err := o.store.RecordRun(bg, snapshot); err != nil {
		log.Warn().Err(err).Msg("failed to record run")
	}
	if o.cfg.Events != nil {
		if err := o.cfg.Events.PublishRun(bg, snapshot); err != nil {
			log.Warn().Err(err).Msg("failed to publish run event")
		}
	}

	hook := o.cfg.OnComplete != nil && run.Status == models.RunSucceeded

	o.mu.Lock()
	o.history = append(o.history, snapshot)
	if len(o.history) > o.cfg.HistorySize {
		o.history = o.history[len(o.history)-o.cfg.HistorySize:]
	}
	if hook {
		// Registered before the slot is released so the next run waits for it
		o.hooks.Add(1)
	}
	o.active = nil
	o.view = nil
	o.metrics.RunActive.Set(0)
	o.mu.Unlock()

	if hook {
		go func() {
			defer o.hooks.Done()
			if err := o.cfg.OnComplete(bg, snapshot.Clone()); err != nil {
				log.Error().Err(err).Msg("completion hook failed")
			}
		}()
	}
	return snapshot
}

// Serve consumes trigger signals in arrival order until ctx is cancelled or
// triggers is closed, then waits for the in-flight run and completion hook.
// Signals that arrive while a run is active are dropped.
func (o *Orchestrator) Serve(ctx context.Context, triggers <-chan models.TriggerSignal) error {
	o.log.Info().Msg("orchestrator accepting triggers")
	defer o.Wait()

	// Cancellation stops intake only; an accepted run is allowed to finish
	runCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			o.log.Info().Msg("orchestrator stopped accepting triggers")
			return nil
		case sig, ok := <-triggers:
			if !ok {
				return nil
			}
			run, err := o.acquire(sig)
			if err != nil {
				continue
			}
			o.runs.Add(1)
			go func() {
				defer o.runs.Done()
				o.execute(runCtx, run)
			}()
		}
	}
}

// Wait blocks until runs started by Serve and pending completion hooks finish
func (o *Orchestrator) Wait() {
	o.runs.Wait()
	o.hooks.Wait()
}

// Current returns a copy of the active run, if any
func (o *Orchestrator) Current() (*models.PipelineRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.view == nil {
		return nil, false
	}
	return o.view.Clone(), true
}

// BatchStats reports batch loads since start
func (o *Orchestrator) BatchStats() worker.Stats {
	return o.pool.Stats()
}

// History returns terminal runs, oldest first
func (o *Orchestrator) History() []*models.PipelineRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*models.PipelineRun, len(o.history))
	for i, r := range o.history {
		out[i] = r.Clone()
	}
	return out
}

// discover lists qualifying batch files in the data folder, sorted by name
func (o *Orchestrator) discover() ([]string, error) {
	entries, err := os.ReadDir(o.cfg.DataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read data dir %s: %w", o.cfg.DataDir, err)
	}

	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !tabular.Qualifies(e.Name(), o.cfg.Extensions) {
			continue
		}
		paths = append(paths, filepath.Join(o.cfg.DataDir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// uniqueTables rejects batch sets where concurrent loads would race on one
// table, e.g. sales.xlsx next to sales.csv
func uniqueTables(paths []string) error {
	owner := make(map[string]string, len(paths))
	var clashes []string
	for _, p := range paths {
		name := tabular.TableName(p)
		if first, ok := owner[name]; ok {
			clashes = append(clashes, fmt.Sprintf("%s and %s -> %s", filepath.Base(first), filepath.Base(p), name))
			continue
		}
		owner[name] = p
	}
	if len(clashes) > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTable, strings.Join(clashes, "; "))
	}
	return nil
}

func (o *Orchestrator) ingest(ctx context.Context, log zerolog.Logger, run *models.PipelineRun) error {
	paths, err := o.discover()
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("%w in %s", ErrNoInput, o.cfg.DataDir)
	}
	run.Batches = paths
	log.Info().Int("batches", len(paths)).Str("dir", o.cfg.DataDir).Msg("input batches found")

	if err := uniqueTables(paths); err != nil {
		return err
	}

	var errs []error
	for _, res := range o.pool.Run(ctx, paths) {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(res.Path), res.Err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("load batches: %w", errors.Join(errs...))
	}
	return nil
}

// loadBatch parses one file and replaces the table named after it
func (o *Orchestrator) loadBatch(ctx context.Context, path string) (string, int, error) {
	t, err := tabular.Load(path)
	if err != nil {
		return "", 0, err
	}
	if err := o.store.WriteTable(ctx, t.Name, t, storage.Replace); err != nil {
		return t.Name, 0, fmt.Errorf("write table %s: %w", t.Name, err)
	}
	return t.Name, len(t.Rows), nil
}

func (o *Orchestrator) validate(ctx context.Context, log zerolog.Logger, run *models.PipelineRun) error {
	issues := o.check(ctx, log)
	for _, issue := range issues {
		log.Warn().Msg(issue)
		run.Warn(issue)
	}
	o.metrics.ValidationWarnings.Add(float64(len(issues)))
	if len(issues) > 0 {
		log.Warn().Int("issues", len(issues)).Msg("data validation issues detected, continuing")
	}
	return nil
}

// Validate runs the data checks against the store without starting a run
func (o *Orchestrator) Validate(ctx context.Context) []string {
	return o.check(ctx, o.log)
}

type negativeCheck struct {
	table, column, label string
}

var negativeChecks = []negativeCheck{
	{storage.TableSales, storage.ColSalesDollars, "sales"},
	{storage.TablePurchases, storage.ColPurchaseDollars, "purchase"},
}

func (o *Orchestrator) check(ctx context.Context, log zerolog.Logger) []string {
	var issues []string

	for _, table := range []string{storage.TableSales, storage.TablePurchases} {
		n, err := o.store.RowCount(ctx, table)
		switch {
		case errors.Is(err, storage.ErrTableNotFound):
			issues = append(issues, fmt.Sprintf("Table '%s' not found", table))
		case err != nil:
			issues = append(issues, fmt.Sprintf("Cannot count rows in '%s': %v", table, err))
		case n == 0:
			issues = append(issues, fmt.Sprintf("Table '%s' is empty", table))
		default:
			log.Info().Str("table", table).Int64("records", n).Msg("table checked")
		}
	}

	for _, c := range negativeChecks {
		n, err := o.store.CountWhere(ctx, c.table, c.column, storage.OpLess, 0)
		if err != nil {
			if !errors.Is(err, storage.ErrTableNotFound) {
				issues = append(issues, fmt.Sprintf("Cannot check negative %s values: %v", c.label, err))
			}
			continue
		}
		if n > 0 {
			issues = append(issues, fmt.Sprintf("Found %d negative %s values", n, c.label))
		}
	}
	return issues
}

// archive moves each consumed batch to <data>/archive/<stem>_<ts><ext>.
// Failures are warnings.
func (o *Orchestrator) archive(log zerolog.Logger, run *models.PipelineRun) {
	dir := filepath.Join(o.cfg.DataDir, archiveDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		msg := fmt.Sprintf("Failed to create archive folder: %v", err)
		log.Error().Err(err).Str("dir", dir).Msg("archive folder unavailable")
		o.metrics.ArchiveFailures.Add(float64(len(run.Batches)))
		run.Warn(msg)
		return
	}

	ts := o.cfg.Now().Format("20060102_150405")
	for _, path := range run.Batches {
		base := filepath.Base(path)
		ext := filepath.Ext(base)
		name := fmt.Sprintf("%s_%s%s", base[:len(base)-len(ext)], ts, ext)
		dst := filepath.Join(dir, name)

		if err := os.Rename(path, dst); err != nil {
			log.Error().Err(err).Str("file", base).Msg("failed to archive batch")
			o.metrics.ArchiveFailures.Inc()
			run.Warn(fmt.Sprintf("Failed to archive %s: %v", base, err))
			continue
		}
		o.metrics.BatchesTotal.WithLabelValues("archived").Inc()
		log.Info().Str("file", base).Str("archived_as", name).Msg("batch archived")
	}
}
