package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/novarelay/internal/app"
	"github.com/MrWong99/novarelay/pkg/audio"
	"github.com/MrWong99/novarelay/pkg/telephony/synth"
)

type callResult struct {
	id    string
	stats synth.Stats
	took  time.Duration
	err   error
}

func newCallCmd(c *cli) *cobra.Command {
	var (
		calls    int
		duration time.Duration
		codec    string
		caller   string
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Place synthetic calls through the relay",
		Long: `Places concurrent synthetic calls through the relay and prints per-call
frame counts. Each call plays a 440 Hz tone at real-time cadence and hangs
up after --duration unless the gateway ends it first. The ops server runs
for as long as the calls do.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if calls < 1 {
				return fmt.Errorf("--calls must be at least 1")
			}
			cd, err := audio.ParseCodec(codec)
			if err != nil {
				return err
			}
			return runCalls(cmd, c, calls, duration, cd, caller)
		},
	}
	cmd.Flags().IntVar(&calls, "calls", 1, "number of concurrent calls")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long each caller talks")
	cmd.Flags().StringVar(&codec, "codec", "pcmu", "call leg codec (pcmu or l16)")
	cmd.Flags().StringVar(&caller, "caller", "", "caller ID presented to the gateway")
	return cmd
}

func runCalls(cmd *cobra.Command, c *cli, n int, d time.Duration, codec audio.Codec, caller string) error {
	ctx := cmd.Context()
	a, err := app.New(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	serveCtx, stopServe := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error { return a.Serve(serveCtx) })

	results := make([]callResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			call := synth.New(synth.Config{CallerID: caller, Codec: codec, Duration: d})
			start := time.Now()
			err := a.HandleCall(ctx, call)
			_ = call.Hangup()
			results[i] = callResult{id: call.ID(), stats: call.Stats(), took: time.Since(start), err: err}
		})
	}
	wg.Wait()
	stopServe()
	if err := g.Wait(); err != nil {
		slog.Warn("ops server error", "err", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALL\tCAPTURED\tPLAYED\tDURATION\tRESULT")
	var failed int
	for _, r := range results {
		result := "ok"
		if r.err != nil {
			result = r.err.Error()
			failed++
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", r.id, r.stats.FramesCaptured, r.stats.FramesPlayed, r.took.Round(time.Millisecond), result)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d calls failed", failed, n)
	}
	return nil
}
