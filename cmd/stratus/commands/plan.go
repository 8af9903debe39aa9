package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stratus/pkg/engine"
	"github.com/openfroyo/stratus/pkg/model"
	"github.com/openfroyo/stratus/pkg/planner"
	"github.com/openfroyo/stratus/pkg/policy"
)

// requestFlags binds the flags shared by plan and apply.
type requestFlags struct {
	projectID string
	opType    string
	instances []string
	all       bool
	options   model.OperationOptions
}

func (f *requestFlags) register(cmd *cobra.Command) {
	f.options = model.DefaultOperationOptions()

	flags := cmd.Flags()
	flags.StringVarP(&f.projectID, "project", "p", "", "project id")
	flags.StringVarP(&f.opType, "type", "t", string(engine.OperationUpdate), "operation type (update, preview, destroy, recreate, refresh)")
	flags.StringSliceVarP(&f.instances, "instance", "i", nil, "instance to select (repeatable, in addition to arguments)")
	flags.BoolVar(&f.all, "all", false, "select every top-level instance")
	flags.BoolVar(&f.options.ForceUpdateDependencies, "force-deps", false, "update dependencies even when up to date")
	flags.BoolVar(&f.options.IgnoreDependencies, "ignore-dependencies", false, "do not pull in out of date dependencies")
	flags.BoolVar(&f.options.ForceUpdateChildren, "force-update-children", false, "update every child of selected composites")
	flags.BoolVar(&f.options.DestroyDependentInstances, "destroy-dependents", f.options.DestroyDependentInstances, "destroy instances depending on destroyed ones")
	flags.BoolVar(&f.options.InvokeDestroyTriggers, "destroy-triggers", f.options.InvokeDestroyTriggers, "invoke destroy triggers")
	flags.BoolVar(&f.options.DeleteUnreachableResources, "delete-unreachable", false, "delete resources no longer reachable")
	flags.BoolVar(&f.options.ForceDeleteState, "force-delete-state", false, "drop state even if destroy fails")
	flags.BoolVar(&f.options.AllowPartialCompositeInstanceUpdate, "allow-partial-composite-update", false, "do not pull in the rest of a composite")
	flags.BoolVar(&f.options.AllowPartialCompositeInstanceDestruction, "allow-partial-composite-destruction", false, "do not destroy the rest of a composite")
	flags.BoolVar(&f.options.Refresh, "refresh", false, "refresh selected instances before the operation")
	flags.BoolVar(&f.options.Debug, "debug", false, "ask the backend for debug output")
	_ = cmd.MarkFlagRequired("project")
}

func (f *requestFlags) request(args []string, snap *planner.Snapshot) planner.Request {
	ids := append(append([]string(nil), args...), f.instances...)
	if f.all {
		ids = nil
		for id, inst := range snap.Instances {
			if inst.ParentID == "" {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
	}
	return planner.Request{
		ProjectID:   f.projectID,
		Type:        engine.OperationType(f.opType),
		InstanceIDs: ids,
		Options:     f.options,
	}
}

func newPlanCommand(version string) *cobra.Command {
	var (
		flags   requestFlags
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan [instance-id...]",
		Short: "Generate an operation plan",
		Long: `Generate an operation plan for the given instances.

The plan:
  - Resolves the project against the library and the recorded state
  - Selects instances that are out of date, forced or affected
  - Orders each phase so dependencies run first (last for destroy)
  - Is checked against the workspace policies`,
		Example: `  # Plan an update of two instances
  stratus plan -p prod -i net.vpc:main -i app.server:web

  # Plan a destroy of everything and write the graph
  stratus plan -p prod --all --type destroy --dot plan.dot`,
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

			plan, err := planner.New(a.logger).Plan(ctx, req, snap)
			if err != nil {
				return err
			}

			result, err := a.policies.EvaluatePlan(ctx, plan, req)
			if err != nil {
				return fmt.Errorf("failed to evaluate policies: %w", err)
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(planner.ToDOT(plan)), 0644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
				log.Info().Str("file", dotFile).Msg("Wrote plan graph")
			}

			if jsonOutput {
				return printJSON(struct {
					Plan   *engine.Plan   `json:"plan"`
					Policy *policy.Result `json:"policy"`
				}{plan, result})
			}

			printPlan(plan)
			printPolicyResult(result)
			if !result.Allowed {
				return fmt.Errorf("plan is blocked by %d policy violations", len(result.Blocking()))
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&dotFile, "dot", "", "output DOT graph file (optional)")
	return cmd
}

func printPlan(plan *engine.Plan) {
	fmt.Printf("Plan %s (%s) for project %s\n", plan.ID, plan.Type, plan.ProjectID)
	if len(plan.InstanceIDs()) == 0 {
		fmt.Println("\nNothing to do.")
		return
	}

	for i := range plan.Phases {
		phase := &plan.Phases[i]
		fmt.Printf("\n%s phase:\n", phase.Type)

		levels, err := planner.Levels(phase)
		if err != nil {
			fmt.Printf("  (invalid ordering: %v)\n", err)
			continue
		}
		entries := make(map[string]engine.PhaseInstance, len(phase.Instances))
		for _, e := range phase.Instances {
			entries[e.InstanceID] = e
		}
		for n, level := range levels {
			for _, id := range level {
				fmt.Printf("  %d. %-40s %s\n", n+1, id, entries[id].Message)
			}
		}
	}
}

func printPolicyResult(result *policy.Result) {
	if len(result.Violations) == 0 {
		return
	}
	fmt.Printf("\nPolicy findings (%d policies evaluated):\n", len(result.EvaluatedPolicies))
	for _, v := range result.Violations {
		target := ""
		if v.InstanceID != "" {
			target = " [" + v.InstanceID + "]"
		}
		fmt.Printf("  %-8s %s%s: %s\n", strings.ToUpper(string(v.Severity)), v.Policy, target, v.Message)
	}
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
