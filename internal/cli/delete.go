package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var deleteAutoApprove bool

var deleteCmd = &cobra.Command{
	Use:   "delete <stack>",
	Short: "Delete a stack and its resources",
	Long: `Deletes every resource in reverse dependency order, honoring each
resource's deletion policy, then removes the stack state.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteAutoApprove, "auto-approve", false, "Skip interactive confirmation")
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := args[0]

	backend, err := openBackend(name)
	if err != nil {
		return err
	}

	if !deleteAutoApprove {
		fmt.Printf("Delete stack %q and all of its resources? (y/n): ", name)
		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(response)
		if response != "y" && response != "yes" {
			fmt.Println("Delete cancelled.")
			return nil
		}
	}

	if err := backend.Lock(); err != nil {
		return err
	}
	defer backend.Unlock()

	s, err := loadStack(ctx, name, backend)
	if err != nil {
		return err
	}

	fmt.Printf("Deleting stack %s:\n", name)
	err = s.Delete(ctx)
	reportOutcome(s)
	return err
}
