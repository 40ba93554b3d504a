package main

import (
	"github.com/spf13/cobra"

	"github.com/MrWong99/novarelay/internal/gateway"
	"github.com/MrWong99/novarelay/internal/wire"
)

func newGatewayCmd(c *cli) *cobra.Command {
	var (
		listen      string
		hangupAfter int
		noEcho      bool
	)
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the loopback echo gateway",
		Long: `Runs a gateway that accepts relay connections, echoes received audio back
at real-time pace and optionally hangs up after a number of frames. The
wire mode is taken from the gateway.mode setting so that it matches the
relay configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := wire.ParseMode(string(c.cfg.Gateway.Mode))
			if err != nil {
				return err
			}
			if listen == "" {
				listen = c.cfg.Gateway.Addr()
			}
			srv := gateway.New(gateway.Config{
				ListenAddr:  listen,
				Mode:        mode,
				NoEcho:      noEcho,
				HangupAfter: hangupAfter,
			})
			return srv.ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: gateway.host:gateway.port)")
	cmd.Flags().IntVar(&hangupAfter, "hangup-after", 0, "send a hangup after this many received frames (0 disables)")
	cmd.Flags().BoolVar(&noEcho, "no-echo", false, "do not play received audio back")
	return cmd
}
