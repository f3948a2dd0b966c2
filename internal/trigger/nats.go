package trigger

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"vendorwatch/internal/logger"
	"vendorwatch/internal/metrics"
	"vendorwatch/internal/models"
)

// NATSSource turns any message on a subject into a manual trigger
type NATSSource struct {
	url     string
	subject string
	log     zerolog.Logger
	metrics *metrics.Metrics
}

var _ Source = (*NATSSource)(nil)

func NewNATSSource(url, subject string, log zerolog.Logger, m *metrics.Metrics) *NATSSource {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &NATSSource{
		url:     url,
		subject: subject,
		log:     logger.WithComponent(log, "nats_trigger"),
		metrics: m,
	}
}

func (n *NATSSource) Run(ctx context.Context, out chan<- models.TriggerSignal) error {
	conn, err := nats.Connect(n.url, nats.Name("vendorwatch-trigger"))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer func() {
		conn.Drain()
		conn.Close()
	}()

	msgs := make(chan *nats.Msg, 16)
	sub, err := conn.ChanSubscribe(n.subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	defer sub.Unsubscribe()

	n.log.Info().Str("subject", n.subject).Msg("listening for manual triggers")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			n.log.Info().Str("subject", msg.Subject).Msg("manual trigger received")
			if !emit(ctx, out, models.NewTriggerSignal(models.TriggerManual), n.metrics) {
				return nil
			}
		}
	}
}
