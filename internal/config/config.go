// Package config provides the configuration schema and loader for the
// novarelay audio relay.
//
// Configuration is built once at startup from defaults, an optional YAML
// file, an optional .env file and NOVA_* environment variables, in that order
// of precedence (last wins). The resulting [Config] is passed explicitly to
// every component; there is no package-level configuration state.
package config

import (
	"net"
	"strconv"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// WireMode selects the framing sub-mode spoken with the gateway.
type WireMode string

const (
	// WireRaw sends bare PCM16 frames; the gateway cannot send control.
	WireRaw WireMode = "raw"

	// WireTagged prefixes audio with 0x01 and control lines with 0x02.
	WireTagged WireMode = "tagged"

	// WireLengthPrefixed sends bare audio and 4-byte length-prefixed control.
	WireLengthPrefixed WireMode = "length_prefixed"
)

// IsValid reports whether m is a recognised wire mode.
func (m WireMode) IsValid() bool {
	switch m {
	case WireRaw, WireTagged, WireLengthPrefixed:
		return true
	}
	return false
}

// HandshakeFormat selects the opening handshake encoding.
type HandshakeFormat string

const (
	// HandshakeLine is NOVA_SESSION:<id>:CALLER:<caller>.
	HandshakeLine HandshakeFormat = "line"

	// HandshakeJSON is a single-line JSON object.
	HandshakeJSON HandshakeFormat = "json"
)

// IsValid reports whether f is a recognised handshake format.
func (f HandshakeFormat) IsValid() bool {
	return f == HandshakeLine || f == HandshakeJSON
}

// Config is the root configuration structure.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Session SessionConfig `yaml:"session"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Events  EventsConfig  `yaml:"events"`
}

// GatewayConfig describes how to reach the AI gateway.
type GatewayConfig struct {
	// Host is the gateway host name or IP. Env: NOVA_GATEWAY_HOST.
	Host string `yaml:"host"`

	// Port is the gateway TCP port. Env: NOVA_GATEWAY_PORT.
	Port int `yaml:"port"`

	// Mode is the framing sub-mode. Env: NOVA_WIRE_MODE.
	Mode WireMode `yaml:"mode"`

	// Handshake is the handshake encoding. Env: NOVA_HANDSHAKE.
	Handshake HandshakeFormat `yaml:"handshake"`

	// DialTimeout bounds the single connect attempt per session.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Breaker fails dials fast while the gateway is known to be down.
	Breaker BreakerConfig `yaml:"breaker"`
}

// Addr returns host:port.
func (g GatewayConfig) Addr() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

// BreakerConfig tunes the gateway dial circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed dials that opens the
	// breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before probing again.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// BufferConfig sizes the per-session buffers.
type BufferConfig struct {
	// InboundFrames is the caller-to-gateway capacity in 320-byte frames.
	InboundFrames int `yaml:"inbound_frames"`

	// InboundWriteTimeout is how long the telephony loop may block on a full
	// inbound buffer before the frame is dropped.
	InboundWriteTimeout time.Duration `yaml:"inbound_write_timeout"`

	// OutboundFrames is the gateway-to-caller queue capacity in frames.
	OutboundFrames int `yaml:"outbound_frames"`

	// ReadWait bounds each wait of the sender for a full inbound frame, so
	// that a stop request is observed promptly.
	ReadWait time.Duration `yaml:"read_wait"`
}

// SessionConfig holds session lifecycle tunables.
type SessionConfig struct {
	// JoinTimeout bounds how long teardown waits for the workers.
	JoinTimeout time.Duration `yaml:"join_timeout"`

	// PollInterval is the back-off after the telephony host reports no data.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz, /metrics, /sessions and
	// /events/ws. Empty disables the server. Env: NOVA_LISTEN_ADDR.
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level controls verbosity. Env: NOVA_LOG_LEVEL.
	Level LogLevel `yaml:"level"`

	// Format selects text or JSON output.
	Format LogFormat `yaml:"format"`

	// File, when set, also writes logs to a size-rotated file.
	File LogFileConfig `yaml:"file"`
}

// LogFileConfig configures log file rotation.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// EventsConfig enables session lifecycle event sinks. Every sink is off
// when its address is empty. Audio is never recorded.
type EventsConfig struct {
	// SQLitePath stores the event timeline in a local SQLite file.
	SQLitePath string `yaml:"sqlite_path"`

	// PostgresDSN stores the event timeline in PostgreSQL.
	PostgresDSN string `yaml:"postgres_dsn"`

	// NATSURL publishes events to a NATS server.
	NATSURL string `yaml:"nats_url"`

	// NATSSubject is the subject prefix; events go to <prefix>.<kind>.
	NATSSubject string `yaml:"nats_subject"`

	// QueueSize bounds the asynchronous event queue.
	QueueSize int `yaml:"queue_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:        "127.0.0.1",
			Port:        8085,
			Mode:        WireLengthPrefixed,
			Handshake:   HandshakeJSON,
			DialTimeout: 5 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures:  5,
				ResetTimeout: 30 * time.Second,
			},
		},
		Buffer: BufferConfig{
			InboundFrames:       16,
			InboundWriteTimeout: 100 * time.Millisecond,
			OutboundFrames:      100,
			ReadWait:            20 * time.Millisecond,
		},
		Session: SessionConfig{
			JoinTimeout:  2 * time.Second,
			PollInterval: 5 * time.Millisecond,
		},
		Server: ServerConfig{
			ListenAddr: ":9090",
		},
		Log: LogConfig{
			Level:  LogInfo,
			Format: LogFormatText,
			File: LogFileConfig{
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 28,
			},
		},
		Events: EventsConfig{
			NATSSubject: "novarelay.events",
			QueueSize:   256,
		},
	}
}
