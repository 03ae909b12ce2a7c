package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/employee/internal/plan"
	"github.com/kingrea/employee/internal/store"
)

func newListCmd(c *cli) *cobra.Command {
	var (
		partition string
		stalled   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records awaiting approval (or another partition)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			part := store.Pending
			if stalled {
				part = store.Approved
			} else if partition != "" {
				p, ok := store.ParsePartition(partition)
				if !ok {
					return fmt.Errorf("unknown partition %q", partition)
				}
				part = p
			}
			return c.withRuntime(func(rt *runtime) error {
				records, err := rt.store.List(part)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tAPPROVAL\tATTEMPTS\tTITLE")
				for _, rec := range records {
					if stalled && !rec.Stalled() {
						continue
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", rec.ID, rec.Type, rec.Status, rec.ApprovalLevel, rec.Attempts, rec.Title)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&partition, "partition", "", "partition to list (Plans, Pending_Approval, Approved, Rejected, Done)")
	cmd.Flags().BoolVar(&stalled, "stalled", false, "list approved records that stopped retrying")
	return cmd
}

func newShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(func(rt *runtime) error {
				rec, part, err := rt.store.Get(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprint(out, plan.Render(rec))
				fmt.Fprintf(out, "\n_Partition: %s_\n", part)
				return nil
			})
		},
	}
}

func newApproveCmd(c *cli) *cobra.Command {
	var by, notes string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(func(rt *runtime) error {
				rec, err := rt.router.Approve(cmd.Context(), args[0], by, notes)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", rec.ID, rec.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "name recorded as the approver")
	cmd.Flags().StringVar(&notes, "notes", "", "optional approval notes")
	return cmd
}

func newRejectCmd(c *cli) *cobra.Command {
	var by, reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("--reason is required")
			}
			return c.withRuntime(func(rt *runtime) error {
				rec, err := rt.router.Reject(cmd.Context(), args[0], by, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", rec.ID, rec.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "name recorded as the reviewer")
	cmd.Flags().StringVar(&reason, "reason", "", "why the record is rejected")
	return cmd
}

func newRetryCmd(c *cli) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Clear a stalled record so the next cycle dispatches it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(func(rt *runtime) error {
				rec, err := rt.router.Retry(cmd.Context(), args[0], by)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s attempts=%d\n", rec.ID, rec.Status, rec.Attempts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "name recorded on the retry request")
	return cmd
}

func newHistoryCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Replay the activity log for one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(func(rt *runtime) error {
				tl, err := rt.activity.History(args[0])
				if err != nil {
					return err
				}
				if !tl.Found() {
					return fmt.Errorf("no activity for %s", args[0])
				}
				out := cmd.OutOrStdout()
				for _, e := range tl.Events {
					payload := ""
					if len(e.Payload) > 0 {
						if data, err := json.Marshal(e.Payload); err == nil {
							payload = " " + string(data)
						}
					}
					fmt.Fprintf(out, "%s  %-22s%s\n", e.Timestamp.Format(time.RFC3339), e.EventType, payload)
				}
				if tl.DecidedBy != "" {
					fmt.Fprintf(out, "decided by %s (%s)\n", tl.DecidedBy, tl.Decision)
				}
				if !tl.ExecutedAt.IsZero() {
					fmt.Fprintf(out, "executed at %s\n", tl.ExecutedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newVerifyLogCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-log",
		Short: "Check the activity log hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(func(rt *runtime) error {
				report, err := rt.activity.Verify()
				if err != nil {
					return fmt.Errorf("activity log broken after %d entries: %w", report.Entries, err)
				}
				out := cmd.OutOrStdout()
				for _, tw := range report.Torn {
					fmt.Fprintf(out, "torn write discarded: %s:%d %q\n", tw.Segment, tw.Line, tw.Data)
				}
				fmt.Fprintf(out, "activity log intact: %d entries\n", report.Entries)
				return nil
			})
		},
	}
}
