package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stackd-io/stackd/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status <stack>",
	Short: "Show a stack's state and resources",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stacks in the local state directory",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := args[0]

	backend, err := openBackend(name)
	if err != nil {
		return err
	}
	st, err := backend.Read(ctx)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("stack %q does not exist", name)
	}

	fmt.Printf("Stack:  %s (%s)\n", st.Name, st.ID)
	fmt.Printf("State:  %s %s\n", st.Action, st.Status)
	if st.StatusReason != "" {
		fmt.Printf("Reason: %s\n", st.StatusReason)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tTYPE\tACTION\tSTATUS\tID")
	for _, row := range st.Resources {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", row.Name, row.Type, row.Action, row.Status, row.ResourceID)
	}
	return w.Flush()
}

func runList(cmd *cobra.Command, args []string) error {
	names, err := state.ListStacks(flagStateDir)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No stacks.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}
