package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/segmentio/kafka-go/compress"

	"vendorwatch/internal/models"
)

// skipIfNoKafka skips the test if Kafka is not available
func skipIfNoKafka(t *testing.T) {
	if os.Getenv("KAFKA_TEST") != "1" {
		t.Skip("Skipping Kafka integration test. Set KAFKA_TEST=1 to run.")
	}
}

func TestNewProducerValidation(t *testing.T) {
	if _, err := NewProducer(nil, "topic", DefaultProducerConfig()); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewProducer([]string{"localhost:9092"}, "", DefaultProducerConfig()); err == nil {
		t.Error("expected error without topic")
	}

	p, err := NewProducer([]string{"localhost:9092"}, "vendorwatch-events", ProducerConfig{})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.Close()
	if len(p.writers) != 2 {
		t.Errorf("expected default pool size 2, got %d", len(p.writers))
	}
}

func TestGetCompression(t *testing.T) {
	tests := []struct {
		name string
		want compress.Compression
	}{
		{"gzip", compress.Gzip},
		{"snappy", compress.Snappy},
		{"lz4", compress.Lz4},
		{"zstd", compress.Zstd},
		{"", compress.None},
		{"brotli", compress.None},
	}
	for _, tt := range tests {
		if got := getCompression(tt.name); got != tt.want {
			t.Errorf("getCompression(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPublishAfterClose(t *testing.T) {
	p, err := NewProducer([]string{"localhost:9092"}, "vendorwatch-events", DefaultProducerConfig())
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Second close is a no-op
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	run := models.NewPipelineRun("run-1", models.NewTriggerSignal(models.TriggerManual), false)
	err = p.Publish(context.Background(), models.NewRunEnvelope(run, "test-node"))
	if !errors.Is(err, ErrProducerClosed) {
		t.Fatalf("expected ErrProducerClosed, got %v", err)
	}
}

func TestMessageKeyAndHeaders(t *testing.T) {
	a := models.Alert{ID: "ALT_1", Kind: models.KindNegativeProfit, Priority: models.PriorityCritical, Vendor: "Acme", Item: "Widget"}
	env := models.NewAlertEnvelope(a, "node-a").WithCycle("cycle-1")

	msg, err := message(env)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if string(msg.Key) != "Acme" {
		t.Errorf("expected vendor partition key, got %q", msg.Key)
	}

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["kind"] != string(models.EventAlertRaised) || headers["node"] != "node-a" {
		t.Errorf("unexpected headers %v", headers)
	}

	var decoded models.Envelope
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Alert == nil || decoded.Alert.ID != "ALT_1" || decoded.CycleID != "cycle-1" {
		t.Errorf("unexpected envelope %+v", decoded)
	}
}

func TestProducerPublishIntegration(t *testing.T) {
	skipIfNoKafka(t)

	p, err := NewProducer([]string{"localhost:9092"}, "vendorwatch-events", DefaultProducerConfig())
	if err != nil {
		t.Fatalf("failed to create producer: %v", err)
	}
	defer p.Close()

	run := models.NewPipelineRun("run-it", models.NewTriggerSignal(models.TriggerSchedule), true)
	run.Advance(models.StageIngesting)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Publish(ctx, models.NewRunEnvelope(run, "test-node")); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	stats := p.Stats()
	if stats.MessagesSent != 1 {
		t.Errorf("expected 1 message sent, got %d", stats.MessagesSent)
	}
}

func TestHealthCheckUnreachable(t *testing.T) {
	// Nothing listens on the discard port
	p, err := NewProducer([]string{"127.0.0.1:9"}, "vendorwatch-events", DefaultProducerConfig())
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.HealthCheck(ctx); err == nil {
		t.Error("expected error with no reachable broker")
	}
	p.Close()
	if err := p.HealthCheck(ctx); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
}

func TestHealthCheckIntegration(t *testing.T) {
	skipIfNoKafka(t)

	p, err := NewProducer([]string{"localhost:9092"}, "vendorwatch-events", DefaultProducerConfig())
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.Close()

	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected healthy producer, got %v", err)
	}
}
