package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stratus/pkg/engine"
	"github.com/openfroyo/stratus/pkg/operation"
	"github.com/openfroyo/stratus/pkg/telemetry"
)

func newApplyCommand(version string) *cobra.Command {
	var (
		flags       requestFlags
		title       string
		description string
		fail        []string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "apply [instance-id...]",
		Short: "Plan and run an operation",
		Long: `Plan an operation, check it against the workspace policies and run it.

Instances are applied level by level with the workspace parallelism. A failed
instance skips its dependents; the rest of the plan continues. Progress events
are streamed to the terminal and recorded in the state database.`,
		Example: `  # Update an instance and whatever is out of date below it
  stratus apply -p prod app.server:web --title "roll web"

  # Destroy a composite and its children
  stratus apply -p prod net.stack:core --type destroy --title "tear down"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			snap, err := a.projects.Snapshot(ctx, flags.projectID)
			if err != nil {
				return err
			}
			req := flags.request(args, snap)
			if title == "" {
				title = fmt.Sprintf("%s %s", req.Type, strings.Join(req.InstanceIDs, ", "))
			}

			var applier engine.UnitApplier = operation.LogApplier{Next: operation.NoopApplier{}}
			if len(fail) > 0 {
				failing := operation.FailingApplier{Next: applier, Fail: map[string]bool{}}
				for _, id := range fail {
					failing.Fail[id] = true
				}
				applier = failing
			}

			runner, err := operation.NewRunner(
				operation.Config{Parallelism: a.ws.Parallelism, ApplyTimeout: timeout},
				applier, a.store, a.logger,
				operation.WithPlanChecker(a.policies),
				operation.WithPublisher(a.tel.Events),
				operation.WithTelemetry(a.tel),
			)
			if err != nil {
				return err
			}

			unsubscribe := a.tel.Events.Subscribe(printEvent, telemetry.FilterByLevel(eventLevel()))
			defer unsubscribe()

			op, err := runner.Launch(ctx, operation.LaunchRequest{
				Request: req,
				Meta:    engine.OperationMeta{Title: title, Description: description},
			}, snap)
			if err != nil {
				return err
			}
			log.Info().Str("operation_id", op.ID).Msg("Operation launched")

			go func() {
				<-ctx.Done()
				_ = runner.Cancel(op.ID)
			}()

			final, err := runner.Wait(context.Background(), op.ID)
			if err != nil {
				return err
			}

			fmt.Printf("\nOperation %s %s\n", final.ID, final.Status)
			if final.Status != engine.OperationStatusCompleted {
				if final.Error != "" {
					fmt.Println(final.Error)
				}
				return fmt.Errorf("operation %s", final.Status)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&title, "title", "", "operation title")
	cmd.Flags().StringVar(&description, "description", "", "operation description")
	cmd.Flags().StringSliceVar(&fail, "fail", nil, "make the given instances fail (for rehearsals)")
	cmd.Flags().DurationVar(&timeout, "apply-timeout", 0, "bound a single instance apply (0 for no limit)")
	return cmd
}

func eventLevel() string {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		return "debug"
	}
	return "info"
}

func printEvent(e engine.Event) {
	ts := e.Timestamp.Local().Format("15:04:05")
	switch {
	case e.InstanceID != "":
		fmt.Printf("%s %-7s %-8s %s: %s\n", ts, e.Phase, e.Level, e.InstanceID, e.Message)
	default:
		fmt.Printf("%s %s\n", ts, e.Message)
	}
}
