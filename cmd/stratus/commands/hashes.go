package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHashesCommand(version string) *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "hashes",
		Short: "Show change hashes of a project",
		Long: `Compute the input, dependency output and self hashes of every instance and
compare them with the hashes recorded by the last successful apply.`,
		Example: `  stratus hashes -p prod`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			snap, err := a.projects.Snapshot(ctx, projectID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(snap.Hashes)
			}

			ids := make([]string, 0, len(snap.Hashes))
			for id := range snap.Hashes {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tINPUT\tDEPENDENCY OUTPUT\tSELF\tOUTPUT\tSTATE")
			for _, id := range ids {
				h := snap.Hashes[id]
				status := "undeployed"
				if st := snap.States[id]; st != nil {
					status = string(st.Status)
					if st.InputHash != h.InputHash || st.SelfHash != h.SelfHash {
						status += " (changed)"
					}
				}
				fmt.Fprintf(w, "%s\t%08x\t%08x\t%08x\t%08x\t%s\n",
					id, h.InputHash, h.DependencyOutputHash, h.SelfHash, h.OutputHash, status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
