package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path on top of [Default], applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	if path == "" {
		return finish(Default())
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadOptional behaves like [Load] but treats a missing file as empty, so a
// deployment can run from defaults and environment variables alone.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("config file not found, using defaults and environment", "path", path)
		return finish(Default())
	}
	return cfg, err
}

// LoadFromReader decodes YAML from r on top of [Default], applies environment
// overrides and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return finish(cfg)
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load env file %q: %w", p, err)
		}
	}
	return nil
}

func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg for invalid values and returns all problems joined.
func Validate(cfg *Config) error {
	var errs []error

	// Gateway
	if cfg.Gateway.Host == "" {
		errs = append(errs, errors.New("gateway.host must not be empty"))
	}
	if cfg.Gateway.Port < 1 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d is out of range 1-65535", cfg.Gateway.Port))
	}
	if !cfg.Gateway.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("gateway.mode %q is invalid; valid values: raw, tagged, length_prefixed", cfg.Gateway.Mode))
	}
	if !cfg.Gateway.Handshake.IsValid() {
		errs = append(errs, fmt.Errorf("gateway.handshake %q is invalid; valid values: line, json", cfg.Gateway.Handshake))
	}
	if cfg.Gateway.DialTimeout <= 0 {
		errs = append(errs, errors.New("gateway.dial_timeout must be positive"))
	}
	if cfg.Gateway.Breaker.MaxFailures < 0 || cfg.Gateway.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("gateway.breaker values must not be negative"))
	}
	if cfg.Gateway.Mode == WireRaw {
		slog.Warn("gateway.mode is raw; the gateway has no control channel and cannot hang up calls")
	}

	// Buffers
	if cfg.Buffer.InboundFrames < 1 {
		errs = append(errs, fmt.Errorf("buffer.inbound_frames must be at least 1, got %d", cfg.Buffer.InboundFrames))
	}
	if cfg.Buffer.OutboundFrames < 1 {
		errs = append(errs, fmt.Errorf("buffer.outbound_frames must be at least 1, got %d", cfg.Buffer.OutboundFrames))
	}
	if cfg.Buffer.InboundWriteTimeout < 0 {
		errs = append(errs, errors.New("buffer.inbound_write_timeout must not be negative"))
	}
	if cfg.Buffer.ReadWait <= 0 {
		errs = append(errs, errors.New("buffer.read_wait must be positive"))
	}

	// Session
	if cfg.Session.JoinTimeout <= 0 {
		errs = append(errs, errors.New("session.join_timeout must be positive"))
	}
	if cfg.Session.PollInterval <= 0 {
		errs = append(errs, errors.New("session.poll_interval must be positive"))
	}

	// Logging
	if !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	// Events
	if cfg.Events.NATSURL != "" && cfg.Events.NATSSubject == "" {
		errs = append(errs, errors.New("events.nats_subject is required when events.nats_url is set"))
	}
	if cfg.Events.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("events.queue_size must be at least 1, got %d", cfg.Events.QueueSize))
	}

	return errors.Join(errs...)
}
