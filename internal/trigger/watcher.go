package trigger

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"vendorwatch/internal/logger"
	"vendorwatch/internal/metrics"
	"vendorwatch/internal/models"
	"vendorwatch/internal/tabular"
)

// WatcherConfig configures a directory watcher
type WatcherConfig struct {
	Dir        string
	Extensions []string
	Cooldown   time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Watcher emits a watch signal when a qualifying batch file appears in Dir.
// Only the top level of Dir is watched.
type Watcher struct {
	dir      string
	exts     []string
	cooldown *Cooldown
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

var _ Source = (*Watcher)(nil)

func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".xlsx"}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	return &Watcher{
		dir:      cfg.Dir,
		exts:     cfg.Extensions,
		cooldown: NewCooldown(cfg.Cooldown),
		log:      logger.WithComponent(cfg.Logger, "watcher"),
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

// Run watches until ctx is cancelled. The directory is created if missing.
func (w *Watcher) Run(ctx context.Context, out chan<- models.TriggerSignal) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir %s: %w", w.dir, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.log.Info().
		Str("dir", w.dir).
		Strs("extensions", w.exts).
		Dur("cooldown", w.cooldown.window).
		Msg("watching for new batches")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("watcher stopped")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if we, ok := w.qualify(ev); ok {
				w.Observe(ctx, we, out)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("watcher error")
		}
	}
}

// qualify filters raw notifications down to creation of regular batch files
func (w *Watcher) qualify(ev fsnotify.Event) (models.WatchEvent, bool) {
	if ev.Op&fsnotify.Create == 0 {
		return models.WatchEvent{}, false
	}
	if !tabular.Qualifies(ev.Name, w.exts) {
		return models.WatchEvent{}, false
	}
	info, err := os.Stat(ev.Name)
	if err != nil || !info.Mode().IsRegular() {
		return models.WatchEvent{}, false
	}
	return models.WatchEvent{Path: ev.Name, DetectedAt: w.now()}, true
}

// Observe applies the cooldown to ev and emits a watch signal if it passes.
func (w *Watcher) Observe(ctx context.Context, ev models.WatchEvent, out chan<- models.TriggerSignal) bool {
	if !w.cooldown.Allow(ev.DetectedAt) {
		w.log.Debug().Str("path", ev.Path).Msg("event within cooldown, ignored")
		w.metrics.TriggersTotal.WithLabelValues(string(models.TriggerWatch), "debounced").Inc()
		return false
	}

	w.log.Info().Str("path", ev.Path).Msg("new batch detected")
	return emit(ctx, out, models.TriggerSignal{Source: models.TriggerWatch, At: ev.DetectedAt.UTC()}, w.metrics)
}
