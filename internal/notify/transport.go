package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/jordan-wright/email"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"vendorwatch/internal/models"
)

// ErrNotConfigured is returned when a transport is missing required settings
var ErrNotConfigured = errors.New("notification transport not configured")

// Transport delivers a rendered digest
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds mail server settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// SMTPTransport mails digests through an SMTP relay
type SMTPTransport struct {
	cfg SMTPConfig
	// send is swapped in tests
	send func(e *email.Email, addr string, auth smtp.Auth) error
}

var _ Transport = (*SMTPTransport)(nil)

// NewSMTP validates cfg and returns an SMTP transport
func NewSMTP(cfg SMTPConfig) (*SMTPTransport, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("%w: smtp host, from and to are required", ErrNotConfigured)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPTransport{
		cfg: cfg,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}, nil
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := &email.Email{
		To:      t.cfg.To,
		From:    t.cfg.From,
		Subject: msg.Subject,
		Text:    []byte(msg.Text),
		HTML:    []byte(msg.HTML),
		Headers: textproto.MIMEHeader{},
	}

	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	if err := t.send(e, addr, auth); err != nil {
		return fmt.Errorf("cannot send email to %s: %w", strings.Join(t.cfg.To, ", "), err)
	}
	return nil
}

// natsConn is the part of *nats.Conn the transport uses
type natsConn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// NATSTransport publishes digests as JSON on a NATS subject
type NATSTransport struct {
	conn    natsConn
	subject string
	close   func()
}

var _ Transport = (*NATSTransport)(nil)

// NewNATS connects to url and publishes on subject
func NewNATS(url, subject string) (*NATSTransport, error) {
	if url == "" || subject == "" {
		return nil, fmt.Errorf("%w: nats url and subject are required", ErrNotConfigured)
	}
	conn, err := nats.Connect(url, nats.Name("vendorwatch-notify"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSTransport{
		conn:    conn,
		subject: subject,
		close: func() {
			conn.Drain()
			conn.Close()
		},
	}, nil
}

func (t *NATSTransport) Name() string { return "nats" }

// digestPayload is the wire form of a digest on the bus
type digestPayload struct {
	Subject     string         `json:"subject"`
	GeneratedAt time.Time      `json:"generated_at"`
	Counts      map[string]int `json:"counts"`
	Critical    any            `json:"critical"`
	High        any            `json:"high"`
}

func (t *NATSTransport) Send(ctx context.Context, msg Message) error {
	d := msg.Digest
	data, err := json.Marshal(digestPayload{
		Subject:     msg.Subject,
		GeneratedAt: d.GeneratedAt,
		Counts: map[string]int{
			"critical": len(d.Critical),
			"high":     len(d.High),
			"medium":   len(d.Medium),
			"low":      len(d.Low),
		},
		Critical: d.Critical,
		High:     d.High,
	})
	if err != nil {
		return fmt.Errorf("encode digest: %w", err)
	}

	if err := t.conn.Publish(t.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", t.subject, err)
	}

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	return t.conn.FlushTimeout(timeout)
}

// Close drains the connection
func (t *NATSTransport) Close() {
	if t.close != nil {
		t.close()
	}
}

// LogTransport writes each digest to the process log
type LogTransport struct {
	log zerolog.Logger
}

var _ Transport = (*LogTransport)(nil)

func NewLog(log zerolog.Logger) *LogTransport {
	return &LogTransport{log: log}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	d := msg.Digest
	for _, a := range append(append([]models.Alert(nil), d.Critical...), d.High...) {
		t.log.Warn().
			Str("priority", string(a.Priority)).
			Str("vendor", a.Vendor).
			Str("item", a.Item).
			Str("kind", string(a.Kind)).
			Msg(a.Message)
	}

	t.log.Warn().
		Str("subject", msg.Subject).
		Int("critical", len(d.Critical)).
		Int("high", len(d.High)).
		Int("medium", len(d.Medium)).
		Int("low", len(d.Low)).
		Msg("alert digest")
	return nil
}
