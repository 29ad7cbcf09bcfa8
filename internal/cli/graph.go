package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackd-io/stackd/internal/engine"
)

var graphTemplate string

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Output a template's dependency graph in DOT format",
	Long: `Generates a visual representation of the resource dependency graph
in Graphviz DOT format. Pipe the output to 'dot' to generate an image:

  stackd graph -f stack.yaml | dot -Tpng > graph.png`,
	RunE: runGraph,
}

func init() {
	graphCmd.Flags().StringVarP(&graphTemplate, "template", "f", "stack.yaml", "Template file")
}

func runGraph(cmd *cobra.Command, args []string) error {
	tmpl, err := loadTemplate(graphTemplate)
	if err != nil {
		return err
	}

	graph, err := engine.BuildGraph(tmpl.Resources)
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}

	fmt.Println("digraph stackd {")
	fmt.Println("  rankdir = \"BT\";")
	fmt.Println("  node [shape = rect];")
	fmt.Println()

	for _, name := range graph.Names() {
		fmt.Printf("  %q;\n", name)
	}
	fmt.Println()

	for _, name := range graph.ForwardOrder() {
		for _, dep := range graph.Dependencies(name) {
			fmt.Printf("  %q -> %q;\n", name, dep)
		}
	}

	fmt.Println("}")
	return nil
}
