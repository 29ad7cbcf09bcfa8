package cli

import (
	"github.com/spf13/cobra"

	"github.com/stackd-io/stackd/internal/logging"
)

var (
	flagStateDir      string
	flagBackend       string
	flagBackendConfig map[string]string
	flagRegion        string
	flagProfile       string
	flagProperties    map[string]string
	flagVerbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "stackd",
	Short: "Declarative stack orchestration",
	Long: `Stackd provisions groups of resources as a single stack, declared in a
YAML template. It tracks every resource through an explicit lifecycle,
converges the stack onto template changes, and can suspend, resume,
check, snapshot, and restore whole stacks.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := "info"
		if flagVerbose {
			level = "debug"
		}
		logging.Init(level)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", ".stackd", "Directory for local stack state")
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "local", "State backend: local or s3")
	rootCmd.PersistentFlags().StringToStringVar(&flagBackendConfig, "backend-config", nil, "Backend settings (format: key=value)")
	rootCmd.PersistentFlags().StringVar(&flagRegion, "region", "", "AWS region for aws:: resources and the s3 backend")
	rootCmd.PersistentFlags().StringVar(&flagProfile, "profile", "", "AWS shared config profile")
	rootCmd.PersistentFlags().StringToStringVarP(&flagProperties, "property", "p", nil, "Template properties (format: key=value)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(versionCmd)
}
