package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"vendorwatch/internal/logger"
	"vendorwatch/internal/metrics"
)

// LoadFunc loads one input batch into the store and reports the destination
// table and the number of rows written.
type LoadFunc func(ctx context.Context, path string) (table string, rows int, err error)

// Result is the outcome of loading one batch
type Result struct {
	Path     string
	Table    string
	Rows     int
	Err      error
	Duration time.Duration
}

// Pool loads input batches concurrently
type Pool struct {
	load    LoadFunc
	workers int
	log     zerolog.Logger
	metrics *metrics.Metrics

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Load    LoadFunc
	Workers int
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}

	return &Pool{
		load:    cfg.Load,
		workers: cfg.Workers,
		log:     logger.WithComponent(cfg.Logger, "worker_pool"),
		metrics: cfg.Metrics,
	}
}

// Run loads every path and blocks until all loads have finished. Results
// are returned in input order. A cancelled context marks the batches that
// were not started as failed.
func (p *Pool) Run(ctx context.Context, paths []string) []Result {
	results := make([]Result, len(paths))
	if len(paths) == 0 {
		return results
	}

	workers := p.workers
	if workers > len(paths) {
		workers = len(paths)
	}

	p.log.Debug().
		Int("workers", workers).
		Int("batches", len(paths)).
		Msg("starting batch load")

	jobs := make(chan int)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go p.worker(ctx, i, paths, jobs, results, &wg)
	}

	for i := range paths {
		select {
		case jobs <- i:
		case <-ctx.Done():
			// Mark everything not yet handed out
			for j := i; j < len(paths); j++ {
				results[j] = Result{Path: paths[j], Err: ctx.Err()}
				p.failed.Add(1)
			}
			close(jobs)
			wg.Wait()
			return results
		}
	}
	close(jobs)
	wg.Wait()

	return results
}

// worker loads batches from the jobs channel
func (p *Pool) worker(ctx context.Context, id int, paths []string, jobs <-chan int, results []Result, wg *sync.WaitGroup) {
	defer wg.Done()

	log := p.log.With().Int("worker_id", id).Logger()

	for i := range jobs {
		results[i] = p.loadOne(ctx, log, paths[i])
	}
}

// loadOne runs the load function with panic recovery
func (p *Pool) loadOne(ctx context.Context, log zerolog.Logger, path string) (res Result) {
	start := time.Now()
	res.Path = path

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log.Error().
				Interface("panic", r).
				Bytes("stack", stack).
				Str("path", path).
				Msg("worker panic recovered")
			p.metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			res.Err = fmt.Errorf("load %s: panic: %v", path, r)
		}

		res.Duration = time.Since(start)
		if res.Err != nil {
			p.failed.Add(1)
			p.metrics.BatchesTotal.WithLabelValues("failed").Inc()
			log.Error().
				Err(res.Err).
				Str("path", path).
				Dur("duration", res.Duration).
				Msg("batch load failed")
			return
		}
		p.processed.Add(1)
		p.metrics.BatchesTotal.WithLabelValues("loaded").Inc()
		log.Info().
			Str("path", path).
			Str("table", res.Table).
			Int("rows", res.Rows).
			Dur("duration", res.Duration).
			Msg("batch loaded")
	}()

	res.Table, res.Rows, res.Err = p.load(ctx, path)
	return res
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}
