// Package trigger turns filesystem events, timers and manual requests into
// TriggerSignals on a single channel consumed by the pipeline.
package trigger

import (
	"context"
	"sync"
	"time"

	"vendorwatch/internal/metrics"
	"vendorwatch/internal/models"
)

// DefaultCooldown is the debounce window applied to watch events
const DefaultCooldown = 30 * time.Second

// Source is anything that emits trigger signals until ctx is cancelled
type Source interface {
	Run(ctx context.Context, out chan<- models.TriggerSignal) error
}

// Cooldown debounces bursts. An event is allowed only if the previous
// accepted event is older than the window. Dropped events are not queued.
type Cooldown struct {
	mu       sync.Mutex
	window   time.Duration
	last     time.Time
	accepted bool
}

func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window}
}

// Allow reports whether an event at now passes the window and, if so,
// records it as the last accepted event.
func (c *Cooldown) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accepted && now.Sub(c.last) <= c.window {
		return false
	}
	c.last = now
	c.accepted = true
	return true
}

// emit sends sig unless ctx ends first
func emit(ctx context.Context, out chan<- models.TriggerSignal, sig models.TriggerSignal, m *metrics.Metrics) bool {
	select {
	case out <- sig:
		m.TriggersTotal.WithLabelValues(string(sig.Source), "emitted").Inc()
		return true
	case <-ctx.Done():
		return false
	}
}
