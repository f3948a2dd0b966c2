package events

import (
	"context"
	"errors"
	"testing"

	"vendorwatch/internal/logger"
	"vendorwatch/internal/models"
)

type memorySink struct {
	published []*models.Envelope
	batches   int
	err       error
	closed    bool
}

func (m *memorySink) Publish(ctx context.Context, env *models.Envelope) error {
	return m.PublishBatch(ctx, []*models.Envelope{env})
}

func (m *memorySink) PublishBatch(ctx context.Context, envs []*models.Envelope) error {
	if m.err != nil {
		return m.err
	}
	m.batches++
	m.published = append(m.published, envs...)
	return nil
}

func (m *memorySink) Close() error {
	m.closed = true
	return nil
}

func TestPublishRun(t *testing.T) {
	sink := &memorySink{}
	pub := NewPublisher(sink, "node-a", logger.Nop())

	run := models.NewPipelineRun("run-7", models.NewTriggerSignal(models.TriggerWatch), true)
	if err := pub.PublishRun(context.Background(), run); err != nil {
		t.Fatalf("PublishRun: %v", err)
	}

	if len(sink.published) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(sink.published))
	}
	env := sink.published[0]
	if env.Kind != models.EventRunFinished || env.PartitionKey != "run-7" || env.Node != "node-a" {
		t.Errorf("unexpected envelope %+v", env)
	}
	if env.Run == run {
		t.Error("expected the published run to be a copy")
	}
}

func TestPublishAlerts(t *testing.T) {
	sink := &memorySink{}
	pub := NewPublisher(sink, "node-a", logger.Nop())

	if err := pub.PublishAlerts(context.Background(), "cycle-1", nil); err != nil {
		t.Fatalf("empty publish: %v", err)
	}
	if sink.batches != 0 {
		t.Fatal("expected nothing sent for an empty cycle")
	}

	alerts := []models.Alert{
		{ID: "ALT_1", Vendor: "Acme", Kind: models.KindNegativeProfit},
		{ID: "ALT_2", Vendor: "Globex", Kind: models.KindLowStockTurnover},
	}
	if err := pub.PublishAlerts(context.Background(), "cycle-1", alerts); err != nil {
		t.Fatalf("PublishAlerts: %v", err)
	}
	if sink.batches != 1 || len(sink.published) != 2 {
		t.Fatalf("expected one batch of 2, got %d batches and %d envelopes", sink.batches, len(sink.published))
	}
	for i, env := range sink.published {
		if env.CycleID != "cycle-1" || env.PartitionKey != alerts[i].Vendor {
			t.Errorf("envelope %d: unexpected %+v", i, env)
		}
	}

	sink.err = errors.New("broker unavailable")
	if err := pub.PublishAlerts(context.Background(), "cycle-2", alerts); err == nil {
		t.Error("expected sink error to propagate")
	}

	if err := pub.Close(); err != nil || !sink.closed {
		t.Error("expected Close to close the sink")
	}
}
