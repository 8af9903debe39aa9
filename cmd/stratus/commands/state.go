package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStateCommand(version string) *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and edit recorded instance state",
	}
	cmd.PersistentFlags().StringVarP(&projectID, "project", "p", "", "project id")
	_ = cmd.MarkPersistentFlagRequired("project")

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List recorded instance states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			states, err := a.store.GetInstanceStates(ctx, projectID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(states)
			}

			ids := make([]string, 0, len(states))
			for id := range states {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tSTATUS\tOUTPUT\tLAST OPERATION\tUPDATED")
			for _, id := range ids {
				st := states[id]
				fmt.Fprintf(w, "%s\t%s\t%08x\t%s\t%s\n",
					id, st.Status, st.OutputHash, st.LastOperationID, st.UpdatedAt.Local().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	rm := &cobra.Command{
		Use:   "rm <instance-id>...",
		Short: "Forget the recorded state of instances",
		Long: `Remove recorded state without touching the backend. The next update treats
the instances as never deployed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			for _, id := range args {
				if err := a.store.DeleteInstanceState(ctx, projectID, id); err != nil {
					return fmt.Errorf("failed to remove state of %s: %w", id, err)
				}
				fmt.Printf("Removed state of %s\n", id)
			}
			return nil
		},
	}

	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "List recent operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			ops, err := a.store.ListOperations(ctx, projectID, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(ops)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tTITLE\tSTARTED")
			for _, op := range ops {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					op.ID, op.Type, op.Status, op.Meta.Title, op.StartedAt.Local().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "maximum number of operations")

	cmd.AddCommand(ls, rm, history)
	return cmd
}
