package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackd-io/stackd/internal/engine"
)

var updateTemplate string

var updateCmd = &cobra.Command{
	Use:   "update <stack>",
	Short: "Converge a stack onto a new template",
	Long: `Diffs the template against the stack's current resources, then creates,
updates, replaces, and deletes resources until the stack matches the
template.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdate,
}

func init() {
	updateCmd.Flags().StringVarP(&updateTemplate, "template", "f", "stack.yaml", "Template file")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := args[0]

	tmpl, err := loadTemplate(updateTemplate)
	if err != nil {
		return err
	}

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

	fmt.Printf("Updating stack %s:\n", name)
	err = s.Update(ctx, tmpl)
	if errors.Is(err, engine.ErrSuperseded) {
		fmt.Println("\nUpdate superseded by a newer template.")
		return nil
	}
	reportOutcome(s)
	return err
}
