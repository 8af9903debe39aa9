package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/stratus/pkg/engine"
)

// phaseEdges maps every selected id to the selected ids it must wait for.
// Dependencies come first unless reversed, and children always finish before
// their parent composite.
func phaseEdges(g *graph, sel *selection, reversed bool) map[string][]string {
	waitsFor := make(map[string][]string, len(sel.order))
	add := func(from, to string) {
		if from == to || !sel.has(to) {
			return
		}
		for _, existing := range waitsFor[from] {
			if existing == to {
				return
			}
		}
		waitsFor[from] = append(waitsFor[from], to)
	}

	for _, id := range sel.order {
		if reversed {
			for _, dependent := range g.dependents[id] {
				add(id, dependent)
			}
		} else {
			for _, dep := range g.deps[id] {
				add(id, dep)
			}
		}
		for _, child := range g.children[id] {
			add(id, child)
		}
	}

	for id := range waitsFor {
		sort.Strings(waitsFor[id])
	}
	return waitsFor
}

// Levels groups the entries of a phase into execution levels. Entries of one
// level only depend on entries of earlier levels and can run in parallel.
func Levels(phase *engine.Phase) ([][]string, error) {
	ids := make([]string, 0, len(phase.Instances))
	waitsFor := make(map[string][]string, len(phase.Instances))
	for _, entry := range phase.Instances {
		ids = append(ids, entry.InstanceID)
		waitsFor[entry.InstanceID] = entry.DependsOn
	}
	return orderLevels(ids, waitsFor)
}

// orderLevels is Kahn's algorithm with sorted levels, so the order only
// depends on the ids and edges.
func orderLevels(ids []string, waitsFor map[string][]string) ([][]string, error) {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		if known[id] {
			return nil, engine.NewPermanentError(fmt.Sprintf("duplicate phase entry: %s", id), nil).
				WithCode(engine.ErrCodeValidation).WithInstance(id)
		}
		known[id] = true
	}

	inDegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		for _, dep := range waitsFor[id] {
			if !known[dep] {
				return nil, engine.NewPermanentError(
					fmt.Sprintf("phase entry %s depends on non-existent entry %s", id, dep), nil,
				).WithCode(engine.ErrCodeValidation).WithInstance(id)
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var current []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		processed += len(current)

		var next []string
		for _, id := range current {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(ids) {
		cycle := detectCycle(ids, waitsFor)
		return nil, engine.NewPermanentError(
			fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil,
		).WithCode(engine.ErrCodeCycle).WithDetail("cycle", cycle)
	}
	return levels, nil
}

// detectCycle returns one cycle of the graph using depth-first search.
func detectCycle(ids []string, waitsFor map[string][]string) []string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, dep := range waitsFor[id] {
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			} else if onStack[dep] {
				for i, p := range path {
					if p == dep {
						return append(append([]string(nil), path[i:]...), dep)
					}
				}
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range sorted {
		if !visited[id] {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// ToDOT renders a plan in Graphviz DOT format, one cluster per phase.
func ToDOT(plan *engine.Plan) string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for i, phase := range plan.Phases {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_phase_%d {\n", i))
		sb.WriteString(fmt.Sprintf("    label=\"%d. %s\";\n", i+1, phase.Type))
		sb.WriteString("    style=dashed;\n")

		color := phaseColor(phase.Type)
		for _, entry := range phase.Instances {
			label := fmt.Sprintf("%s\\n%s", entry.InstanceID, entry.Message)
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				dotID(i, entry.InstanceID), label, color))
		}
		sb.WriteString("  }\n\n")
	}

	for i, phase := range plan.Phases {
		for _, entry := range phase.Instances {
			for _, dep := range entry.DependsOn {
				sb.WriteString(fmt.Sprintf("  %q -> %q [style=solid, color=black];\n",
					dotID(i, dep), dotID(i, entry.InstanceID)))
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func dotID(phase int, instanceID string) string {
	return fmt.Sprintf("%d/%s", phase, instanceID)
}

func phaseColor(phase engine.PhaseType) string {
	switch phase {
	case engine.PhaseUpdate:
		return "lightblue"
	case engine.PhasePreview:
		return "lightgray"
	case engine.PhaseDestroy:
		return "lightcoral"
	case engine.PhaseRefresh:
		return "lightgreen"
	default:
		return "white"
	}
}
