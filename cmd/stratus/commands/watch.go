package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stratus/pkg/library"
	"github.com/openfroyo/stratus/pkg/model"
)

func newWatchCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Revalidate projects when the library or policies change",
		Long: `Watch the library and policy directories. Every reload swaps the library of
the loaded projects and validates them again. Invalid reloads keep the
previous library in use.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			revalidate := func() {
				ids, err := a.projects.ProjectIDs()
				if err != nil {
					log.Error().Err(err).Msg("Failed to list projects")
					return
				}
				for _, id := range ids {
					snap, err := a.projects.Snapshot(ctx, id)
					if err != nil {
						log.Error().Err(err).Str("project_id", id).Msg("Failed to resolve project")
						continue
					}
					reportValidation(snap)
				}
			}

			watcher := library.NewWatcher(a.loader, a.ws.LibraryPath, a.logger)
			if err := watcher.Watch(ctx, func(lib *model.Library) {
				a.projects.SetLibrary(lib)
				revalidate()
			}); err != nil {
				return err
			}
			defer watcher.Stop()

			if len(a.ws.PolicyPaths) > 0 {
				loader, err := a.policies.Watch(ctx, a.ws.PolicyPaths)
				if err != nil {
					return err
				}
				defer loader.StopWatching()
			}

			revalidate()
			log.Info().Str("library", a.ws.LibraryPath).Msg("Watching for changes, press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}
	return cmd
}
