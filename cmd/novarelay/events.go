package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/novarelay/internal/events/sqlite"
)

func newEventsCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events SESSION_ID",
		Short: "Print the stored event timeline of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.cfg.Events.SQLitePath
			if path == "" {
				return errors.New("events.sqlite_path is not configured")
			}
			ctx := cmd.Context()
			store, err := sqlite.Open(ctx, path)
			if err != nil {
				return err
			}
			defer store.Close()

			evs, err := store.List(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(evs) == 0 {
				return fmt.Errorf("no events for session %q", args[0])
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tKIND\tREASON\tERROR")
			for _, ev := range evs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.At.Local().Format(time.StampMilli), ev.Kind, ev.Reason, ev.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events to print")
	return cmd
}
