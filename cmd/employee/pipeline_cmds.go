package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/employee/internal/config"
	"github.com/kingrea/employee/internal/eventbridge"
	"github.com/kingrea/employee/internal/pipeline"
)

func newInitCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .employee directory and default config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := c.project()
			if err != nil {
				return err
			}
			if err := config.InitDir(dir); err != nil {
				return err
			}
			cfg, err := config.NewConfig(dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", cfg.EmployeeDir)
			return nil
		},
	}
}

func newRunCmd(c *cli) *cobra.Command {
	var (
		loop     bool
		interval time.Duration
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one poll cycle, or keep polling with --loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(func(rt *runtime) error {
				out := cmd.OutOrStdout()
				if !loop {
					report, err := rt.pipeline.RunOnce(cmd.Context())
					printReport(out, report, asJSON)
					return err
				}
				if interval <= 0 {
					interval = rt.cfg.Project.Pipeline.PollInterval
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				settings := eventbridge.SettingsFromConfig(rt.cfg)
				if settings.Enabled {
					srv, err := startBridge(ctx, rt, settings)
					if err != nil {
						return err
					}
					defer shutdownBridge(srv)
					fmt.Fprintf(out, "Event bridge listening on %s\n", srv.BaseURL())
				}
				return rt.pipeline.Run(ctx, interval, func(r pipeline.Report, _ error) {
					printReport(out, r, asJSON)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep polling until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (defaults to pipeline.poll_interval)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print cycle reports as JSON")
	return cmd
}

func newServeCmd(c *cli) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the event bridge together with the poll loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(func(rt *runtime) error {
				if interval <= 0 {
					interval = rt.cfg.Project.Pipeline.PollInterval
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				settings := eventbridge.SettingsFromConfig(rt.cfg)
				settings.Enabled = true
				srv, err := startBridge(ctx, rt, settings)
				if err != nil {
					return err
				}
				defer shutdownBridge(srv)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Event bridge listening on %s\n", srv.BaseURL())
				return rt.pipeline.Run(ctx, interval, func(r pipeline.Report, _ error) {
					printReport(out, r, false)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (defaults to pipeline.poll_interval)")
	return cmd
}

func startBridge(ctx context.Context, rt *runtime, settings eventbridge.Settings) (*eventbridge.Server, error) {
	srv, err := eventbridge.NewServer(settings,
		eventbridge.WithInbox(rt.inbox),
		eventbridge.WithPending(rt.store),
		eventbridge.WithLogger(rt.logger.With("component", "eventbridge")),
	)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	return srv, nil
}

func shutdownBridge(srv *eventbridge.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func printReport(w io.Writer, r pipeline.Report, asJSON bool) {
	if asJSON {
		data, err := json.Marshal(r)
		if err == nil {
			fmt.Fprintln(w, string(data))
		}
		return
	}
	fmt.Fprintf(w, "cycle %d: ingested=%d skipped=%d auto_approved=%d pending=%d executed=%d failed=%d stalled=%d\n",
		r.Cycle, r.Ingested, r.Skipped, r.AutoApproved, r.Pending, r.Executed, r.Failed, r.Stalled)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}
