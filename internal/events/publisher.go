package events

import (
	"context"

	"github.com/rs/zerolog"

	"vendorwatch/internal/logger"
	"vendorwatch/internal/models"
)

// Sink accepts envelopes; *Producer is the Kafka implementation
type Sink interface {
	Publish(ctx context.Context, envelope *models.Envelope) error
	PublishBatch(ctx context.Context, envelopes []*models.Envelope) error
	Close() error
}

var _ Sink = (*Producer)(nil)

// Publisher turns finished runs and cycle alerts into envelopes.
// Publishing is best effort; callers log and move on.
type Publisher struct {
	sink Sink
	node string
	log  zerolog.Logger
}

// NewPublisher wraps a sink. node identifies this process in envelopes.
func NewPublisher(sink Sink, node string, log zerolog.Logger) *Publisher {
	return &Publisher{
		sink: sink,
		node: node,
		log:  logger.WithComponent(log, "events"),
	}
}

// PublishRun emits a run.finished event
func (p *Publisher) PublishRun(ctx context.Context, run *models.PipelineRun) error {
	env := models.NewRunEnvelope(run.Clone(), p.node)
	if err := p.sink.Publish(ctx, env); err != nil {
		return err
	}
	p.log.Debug().Str("run_id", run.ID).Msg("run event published")
	return nil
}

// PublishAlerts emits one alert.raised event per alert in a single batch
func (p *Publisher) PublishAlerts(ctx context.Context, cycleID string, alerts []models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	envs := make([]*models.Envelope, len(alerts))
	for i, a := range alerts {
		envs[i] = models.NewAlertEnvelope(a, p.node).WithCycle(cycleID)
	}
	if err := p.sink.PublishBatch(ctx, envs); err != nil {
		return err
	}
	p.log.Debug().Str("cycle_id", cycleID).Int("alerts", len(alerts)).Msg("alert events published")
	return nil
}

// Close closes the underlying sink
func (p *Publisher) Close() error {
	return p.sink.Close()
}
