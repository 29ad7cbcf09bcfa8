package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackd-io/stackd/internal/engine"
)

var suspendCmd = &cobra.Command{
	Use:   "suspend <stack>",
	Short: "Suspend a stack's resources",
	Long:  `Pauses every resource whose type supports suspension; others are skipped.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd.Context(), args[0], "Suspending", (*engine.Stack).Suspend)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <stack>",
	Short: "Resume a suspended stack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd.Context(), args[0], "Resuming", (*engine.Stack).Resume)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <stack>",
	Short: "Check a stack's resources against reality",
	Long:  `Verifies every resource still exists and is healthy without changing anything.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd.Context(), args[0], "Checking", (*engine.Stack).Check)
	},
}

func runLifecycle(ctx context.Context, name, verb string, op func(*engine.Stack, context.Context) error) error {
	backend, err := openBackend(name)
	if err != nil {
		return err
	}
	if err := backend.Lock(); err != nil {
		return err
	}
	defer backend.Unlock()

	s, err := loadStack(ctx, name, backend)
	if err != nil {
		return err
	}

	fmt.Printf("%s stack %s:\n", verb, name)
	err = op(s, ctx)
	reportOutcome(s)
	return err
}
