package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"vendorwatch/internal/logger"
	"vendorwatch/internal/metrics"
	"vendorwatch/internal/models"
)

// Dispatcher renders a cycle's digest once and hands it to every transport.
// It never retries; the next cycle re-evaluates current state instead.
type Dispatcher struct {
	transports []Transport
	log        zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewDispatcher creates a dispatcher over the given transports
func NewDispatcher(log zerolog.Logger, m *metrics.Metrics, transports ...Transport) *Dispatcher {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Dispatcher{
		transports: transports,
		log:        logger.WithComponent(log, "dispatcher"),
		metrics:    m,
		now:        time.Now,
	}
}

// Transports returns the configured transport names
func (d *Dispatcher) Transports() []string {
	names := make([]string, len(d.transports))
	for i, t := range d.transports {
		names[i] = t.Name()
	}
	return names
}

// Dispatch delivers alerts as one digest. An empty list sends nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, alerts []models.Alert) error {
	if len(alerts) == 0 {
		d.log.Info().Msg("no alerts to send")
		return nil
	}

	at := alerts[0].GeneratedAt
	if at.IsZero() {
		at = d.now().UTC()
	}
	return d.send(ctx, BuildDigest(alerts, at))
}

// SendTest delivers a synthetic one-alert digest to every transport
func (d *Dispatcher) SendTest(ctx context.Context) error {
	if len(d.transports) == 0 {
		return ErrNotConfigured
	}
	return d.send(ctx, testDigest(d.now().UTC()))
}

func (d *Dispatcher) send(ctx context.Context, digest models.Digest) error {
	if len(d.transports) == 0 {
		d.log.Warn().Int("alerts", digest.Total()).Msg("no notification transport configured, skipping dispatch")
		return nil
	}

	msg, err := Render(digest)
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range d.transports {
		start := time.Now()
		if err := t.Send(ctx, msg); err != nil {
			d.metrics.DispatchTotal.WithLabelValues(t.Name(), "failed").Inc()
			d.log.Error().
				Err(err).
				Str("transport", t.Name()).
				Int("alerts", digest.Total()).
				Msg("failed to deliver digest")
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		d.metrics.DispatchTotal.WithLabelValues(t.Name(), "sent").Inc()
		d.log.Info().
			Str("transport", t.Name()).
			Str("subject", msg.Subject).
			Dur("duration", time.Since(start)).
			Msg("digest delivered")
	}
	return errors.Join(errs...)
}
