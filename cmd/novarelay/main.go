// Command novarelay relays telephony call audio to an AI voice gateway over
// TCP. It also ships a loopback gateway and a synthetic caller for smoke
// testing a deployment end to end.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/novarelay/internal/config"
	"github.com/MrWong99/novarelay/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "novarelay: %v\n", err)
		return 1
	}
	return 0
}

// cli holds state shared by all subcommands. It is filled in by the root
// command's PersistentPreRunE.
type cli struct {
	configPath string
	envFile    string

	cfg       *config.Config
	logCloser io.Closer
	otelStop  func(context.Context) error
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "novarelay",
		Short:         "Telephony to AI gateway audio relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return c.teardown()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "optional KEY=VALUE file loaded before NOVA_* overrides")

	root.AddCommand(
		newCallCmd(c),
		newGatewayCmd(c),
		newEventsCmd(c),
	)
	return root
}

// setup loads configuration and installs the process logger and telemetry
// providers.
func (c *cli) setup(ctx context.Context) error {
	if err := config.LoadDotEnv(c.envFile); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	logger, closer := newLogger(cfg.Log)
	slog.SetDefault(logger)
	c.logCloser = closer

	c.otelStop, err = observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "novarelay",
		ServiceVersion: version,
		GatewayAddr:    cfg.Gateway.Addr(),
		WireMode:       string(cfg.Gateway.Mode),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	slog.Debug("configuration loaded",
		"config", c.configPath,
		"gateway", cfg.Gateway.Addr(),
		"mode", cfg.Gateway.Mode,
		"log_level", cfg.Log.Level,
	)
	return nil
}

func (c *cli) teardown() error {
	var err error
	if c.otelStop != nil {
		err = c.otelStop(context.Background())
	}
	if c.logCloser != nil {
		_ = c.logCloser.Close()
	}
	return err
}
