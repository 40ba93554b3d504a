package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/novarelay/internal/config"
	"github.com/MrWong99/novarelay/internal/wire"
)

// Config holds the per-session tunables. The zero value of any duration or
// size field is replaced by its default in [NewSession].
type Config struct {
	// Addr is the gateway host:port.
	Addr string

	// Mode is the wire sub-mode spoken with the gateway.
	Mode wire.Mode

	// Handshake selects the handshake encoding.
	Handshake wire.HandshakeFormat

	// DialTimeout bounds the single connect attempt and the handshake write.
	DialTimeout time.Duration

	// InboundFrames sizes the caller-to-gateway buffer in call-codec frames.
	InboundFrames int

	// InboundWriteTimeout is the longest the telephony loop blocks on a full
	// inbound buffer before dropping the frame.
	InboundWriteTimeout time.Duration

	// OutboundFrames sizes the gateway-to-caller queue.
	OutboundFrames int

	// ReadWait bounds each sender wait for a full inbound frame.
	ReadWait time.Duration

	// JoinTimeout bounds how long Close waits for the workers.
	JoinTimeout time.Duration

	// PollInterval is the back-off after the call reports no data.
	PollInterval time.Duration
}

// ConfigFrom maps the process configuration onto a session [Config].
func ConfigFrom(cfg *config.Config) (Config, error) {
	mode, err := wire.ParseMode(string(cfg.Gateway.Mode))
	if err != nil {
		return Config{}, fmt.Errorf("relay: %w", err)
	}
	hs, err := wire.ParseHandshakeFormat(string(cfg.Gateway.Handshake))
	if err != nil {
		return Config{}, fmt.Errorf("relay: %w", err)
	}
	return Config{
		Addr:                cfg.Gateway.Addr(),
		Mode:                mode,
		Handshake:           hs,
		DialTimeout:         cfg.Gateway.DialTimeout,
		InboundFrames:       cfg.Buffer.InboundFrames,
		InboundWriteTimeout: cfg.Buffer.InboundWriteTimeout,
		OutboundFrames:      cfg.Buffer.OutboundFrames,
		ReadWait:            cfg.Buffer.ReadWait,
		JoinTimeout:         cfg.Session.JoinTimeout,
		PollInterval:        cfg.Session.PollInterval,
	}, nil
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.InboundFrames <= 0 {
		c.InboundFrames = 16
	}
	if c.InboundWriteTimeout <= 0 {
		c.InboundWriteTimeout = 100 * time.Millisecond
	}
	if c.OutboundFrames <= 0 {
		c.OutboundFrames = 100
	}
	if c.ReadWait <= 0 {
		c.ReadWait = 20 * time.Millisecond
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Millisecond
	}
	return c
}

func (c Config) validate() error {
	if c.Addr == "" {
		return errors.New("relay: gateway address is required")
	}
	if !c.Mode.IsValid() {
		return fmt.Errorf("relay: invalid wire mode %d", int(c.Mode))
	}
	return nil
}
