package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackd-io/stackd/internal/engine"
)

var createTemplate string

var createCmd = &cobra.Command{
	Use:   "create <stack>",
	Short: "Create a stack from a template",
	Long:  `Provisions every resource declared in the template, in dependency order.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createTemplate, "template", "f", "stack.yaml", "Template file")
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := args[0]

	tmpl, err := loadTemplate(createTemplate)
	if err != nil {
		return err
	}

	backend, err := openBackend(name)
	if err != nil {
		return err
	}
	if existing, err := backend.Read(ctx); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("stack %q already exists; use update", name)
	}

	if err := backend.Lock(); err != nil {
		return err
	}
	defer backend.Unlock()

	reg, err := buildRegistry()
	if err != nil {
		return err
	}
	s, err := engine.New(name, tmpl, reg, stackOptions(backend)...)
	if err != nil {
		return err
	}

	fmt.Printf("Creating stack %s (%d resources):\n", name, len(tmpl.Resources))
	err = s.Create(ctx)
	reportOutcome(s)
	return err
}
