package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/employee/internal/classify"
	"github.com/kingrea/employee/internal/plan"
	"github.com/kingrea/employee/internal/tui"
)

func newClassifyCmd(c *cli) *cobra.Command {
	var taskType, recipient string
	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Classify text without creating a record",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := plan.ParseType(taskType)
			if !ok {
				return fmt.Errorf("unknown type %q", taskType)
			}
			return c.withRuntime(func(rt *runtime) error {
				res, err := rt.classifier.Classify(classify.Request{
					Content:   strings.Join(args, " "),
					Type:      t,
					Recipient: recipient,
				}, rt.contacts.Snapshot())
				var cerr *classify.ClassificationError
				if err != nil && !errors.As(err, &cerr) {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "profile:           %s\n", res.Profile)
				fmt.Fprintf(out, "requires approval: %t\n", res.RequiresApproval)
				fmt.Fprintf(out, "risk:              %s\n", res.Risk)
				if res.Amount > 0 {
					fmt.Fprintf(out, "amount:            %.2f\n", res.Amount)
				}
				for _, f := range res.Flags {
					fmt.Fprintf(out, "flag:              %s\n", f)
				}
				if cerr != nil {
					fmt.Fprintf(out, "malformed input, held for review: %v\n", cerr)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskType, "type", string(plan.TypeGeneral), "task type")
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient address")
	return cmd
}

func newContactsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Inspect or extend the contact registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known contacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(func(rt *runtime) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ADDRESS\tNAME\tINTERACTIONS\tLAST CONTACT")
				for _, ct := range rt.contacts.List() {
					last := ""
					if !ct.LastContactAt.IsZero() {
						last = ct.LastContactAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", ct.Address, ct.DisplayName, ct.InteractionCount, last)
				}
				return w.Flush()
			})
		},
	})
	var name string
	add := &cobra.Command{
		Use:   "add <address>",
		Short: "Mark an address as a known contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(func(rt *runtime) error {
				ct, err := rt.contacts.Add(args[0], name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", ct.Address)
				return nil
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	cmd.AddCommand(add)
	return cmd
}

func newRulesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect classifier rule packs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the rule packs in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(func(rt *runtime) error {
				out := cmd.OutOrStdout()
				if len(rt.packs) == 0 {
					fmt.Fprintf(out, "no rule packs in %s\n", rt.cfg.RulesDir())
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tVERSION\tKEYWORDS\tRULES\tFILE")
				for _, f := range rt.packs {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", f.Pack.ID, f.Pack.Version, len(f.Pack.Keywords), len(f.Pack.Rules), f.Path)
				}
				return w.Flush()
			})
		},
	})
	return cmd
}

func newReviewCmd(c *cli) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Open the interactive approval queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(func(rt *runtime) error {
				app, err := tui.NewApp(rt.store, rt.router,
					tui.WithActivity(rt.activity),
					tui.WithOperator(by),
				)
				if err != nil {
					return err
				}
				// Run blocks until the user quits
				p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
				_, err = p.Run()
				return err
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "name recorded on decisions")
	return cmd
}
