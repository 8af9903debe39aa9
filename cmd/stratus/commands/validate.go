package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stratus/pkg/planner"
	"github.com/openfroyo/stratus/pkg/project"
)

func newValidateCommand(version string) *cobra.Command {
	var projects []string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate projects against the library",
		Long: `Resolve every project of the workspace and report invalid instances.

This command checks:
  - Input references and hub wiring
  - Composite scripts and their child instances
  - Argument and secret schemas
  - Entity types of connected inputs`,
		Example: `  # Validate all projects
  stratus validate

  # Validate selected projects
  stratus validate -p prod -p staging`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if len(projects) == 0 {
				if projects, err = a.projects.ProjectIDs(); err != nil {
					return err
				}
			}

			invalid := 0
			for _, id := range projects {
				snap, err := a.projects.Snapshot(ctx, id)
				if err != nil {
					return fmt.Errorf("failed to resolve project %s: %w", id, err)
				}
				invalid += reportValidation(snap)
			}

			if invalid > 0 {
				return fmt.Errorf("%d invalid instances", invalid)
			}
			log.Info().Int("projects", len(projects)).Msg("All projects are valid")
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&projects, "project", "p", nil, "project to validate (default all)")
	return cmd
}

func reportValidation(snap *planner.Snapshot) int {
	ids := project.InvalidInstances(snap)
	if len(ids) == 0 {
		fmt.Printf("%s: %d instances valid\n", snap.ProjectID, len(snap.Instances))
		return 0
	}

	fmt.Printf("%s: %d of %d instances invalid\n", snap.ProjectID, len(ids), len(snap.Instances))
	for _, id := range ids {
		fmt.Printf("\n  %s\n", id)
		fmt.Printf("%s\n", indent(snap.Validation[id].ErrorText, "    "))
	}
	return len(ids)
}
