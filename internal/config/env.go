package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// applyEnvOverrides copies NOVA_* environment variables over cfg. Malformed
// numeric values are logged and ignored.
func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Gateway.Host, "NOVA_GATEWAY_HOST")
	overrideInt(&cfg.Gateway.Port, "NOVA_GATEWAY_PORT")
	overrideEnum(&cfg.Gateway.Mode, "NOVA_WIRE_MODE")
	overrideEnum(&cfg.Gateway.Handshake, "NOVA_HANDSHAKE")
	overrideDuration(&cfg.Gateway.DialTimeout, "NOVA_DIAL_TIMEOUT")
	overrideString(&cfg.Server.ListenAddr, "NOVA_LISTEN_ADDR")
	overrideEnum(&cfg.Log.Level, "NOVA_LOG_LEVEL")
	overrideString(&cfg.Log.File.Path, "NOVA_LOG_FILE")
	overrideString(&cfg.Events.SQLitePath, "NOVA_EVENTS_SQLITE_PATH")
	overrideString(&cfg.Events.PostgresDSN, "NOVA_EVENTS_POSTGRES_DSN")
	overrideString(&cfg.Events.NATSURL, "NOVA_EVENTS_NATS_URL")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		*target = value
	}
}

func overrideEnum[T ~string](target *T, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		*target = T(value)
	}
}

func overrideInt(target *int, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("ignoring malformed environment variable", "key", envKey, "value", value, "err", err)
		return
	}
	*target = parsed
}

func overrideDuration(target *time.Duration, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("ignoring malformed environment variable", "key", envKey, "value", value, "err", err)
		return
	}
	*target = parsed
}
