// cmd/employee/main.go
//
// Entry point for the employee CLI. Every command works on the project in
// the current directory (or --project) and its .employee/ folder.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the persistent flags shared by every command.
type cli struct {
	projectDir string
}

func (c *cli) project() (string, error) {
	if c.projectDir != "" {
		return c.projectDir, nil
	}
	return os.Getwd()
}

// open wires the project runtime. Callers must Close it.
func (c *cli) open() (*runtime, error) {
	dir, err := c.project()
	if err != nil {
		return nil, fmt.Errorf("determine working directory: %w", err)
	}
	return openRuntime(dir)
}

// withRuntime opens the runtime for the duration of fn.
func (c *cli) withRuntime(fn func(rt *runtime) error) error {
	rt, err := c.open()
	if err != nil {
		return err
	}
	runErr := fn(rt)
	if closeErr := rt.Close(); runErr == nil {
		runErr = closeErr
	}
	return runErr
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "employee",
		Short: "Approval-gated task pipeline",
		Long: `employee turns inbox items into plans, routes anything sensitive to a
human approval queue and dispatches approved work exactly once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.projectDir, "project", "C", "", "project directory (defaults to the current directory)")

	root.AddCommand(
		newInitCmd(c),
		newRunCmd(c),
		newServeCmd(c),
		newListCmd(c),
		newShowCmd(c),
		newApproveCmd(c),
		newRejectCmd(c),
		newRetryCmd(c),
		newHistoryCmd(c),
		newVerifyLogCmd(c),
		newClassifyCmd(c),
		newContactsCmd(c),
		newRulesCmd(c),
		newReviewCmd(c),
	)
	return root
}
