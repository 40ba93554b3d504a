// Package natspub publishes session events to a NATS subject hierarchy as
// JSON. An event of kind "session.closed" under prefix "novarelay.events" is
// published on "novarelay.events.session.closed", so subscribers can filter
// with the usual wildcards.
package natspub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/novarelay/internal/events"
)

var _ events.Sink = (*Publisher)(nil)

// Config configures a [Publisher].
type Config struct {
	// URL is a comma-separated list of server URLs.
	URL string

	// Subject is the prefix every event subject starts with.
	Subject string

	// ConnectTimeout bounds the initial connect. Zero means 5s.
	ConnectTimeout time.Duration
}

// Publisher is an [events.Sink] backed by a NATS connection.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// Connect dials the NATS servers in cfg.URL.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("natspub: no server url")
	}
	if cfg.Subject == "" {
		return nil, errors.New("natspub: no subject")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("novarelay"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natspub: connect: %w", err)
	}
	slog.Info("connected to NATS", "url", conn.ConnectedUrl(), "subject", cfg.Subject)
	return &Publisher{conn: conn, subject: cfg.Subject}, nil
}

// Name implements [events.Sink].
func (p *Publisher) Name() string { return "nats" }

// Subject returns the subject ev is published on.
func (p *Publisher) Subject(ev events.Event) string {
	return p.subject + "." + string(ev.Kind)
}

// Write publishes ev as JSON.
func (p *Publisher) Write(_ context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("natspub: encode: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev), data); err != nil {
		return fmt.Errorf("natspub: publish: %w", err)
	}
	return nil
}

// Ping flushes the connection, which round-trips to the server.
func (p *Publisher) Ping(ctx context.Context) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("natspub: not connected (status %s)", p.conn.Status())
	}
	return p.conn.FlushWithContext(ctx)
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("natspub: drain: %w", err)
	}
	return nil
}
