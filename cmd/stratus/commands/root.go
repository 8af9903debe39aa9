package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	workspacePath string
	jsonOutput    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stratus",
		Short: "Stratus - infrastructure graph orchestrator",
		Long: `Stratus resolves a project of typed component instances into a dependency
graph, computes change hashes, validates every instance and plans operations
that update, preview, destroy, recreate or refresh parts of the graph.

Composite components expand into child instances through Starlark scripts.
Plans are checked against OPA policies before they are applied.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&workspacePath, "workspace", "w", ".", "workspace directory or config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand(version))
	rootCmd.AddCommand(newHashesCommand(version))
	rootCmd.AddCommand(newPlanCommand(version))
	rootCmd.AddCommand(newApplyCommand(version))
	rootCmd.AddCommand(newStateCommand(version))
	rootCmd.AddCommand(newWatchCommand(version))

	return rootCmd
}
