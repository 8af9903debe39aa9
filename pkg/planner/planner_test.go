package planner

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/stratus/pkg/engine"
	"github.com/openfroyo/stratus/pkg/model"
	"github.com/openfroyo/stratus/pkg/resolvers"
	"github.com/rs/zerolog"
)

const (
	inputHash = 100
	depHash   = 200
)

type fixture struct {
	snapshot *Snapshot
}

func newFixture() *fixture {
	return &fixture{snapshot: &Snapshot{
		ProjectID:  "p1",
		Instances:  make(map[string]*model.Instance),
		Inputs:     make(map[string]*resolvers.InstanceInputOutput),
		Hashes:     make(map[string]resolvers.HashOutput),
		Validation: make(map[string]resolvers.ValidationOutput),
		States:     make(map[string]*model.InstanceState),
	}}
}

// add registers an instance consuming the "out" output of each dependency.
func (f *fixture) add(id, parent string, deps ...string) *fixture {
	f.snapshot.Instances[id] = &model.Instance{ID: id, ParentID: parent}
	out := &resolvers.InstanceInputOutput{ResolvedInputs: map[string][]model.ResolvedInstanceInput{}}
	for _, dep := range deps {
		out.ResolvedInputs["in"] = append(out.ResolvedInputs["in"], model.ResolvedInstanceInput{
			Input: model.InstanceInput{InstanceID: dep, Output: "out"},
			Type:  "T",
		})
	}
	f.snapshot.Inputs[id] = out
	f.snapshot.Hashes[id] = resolvers.HashOutput{InputHash: inputHash, DependencyOutputHash: depHash}
	f.snapshot.Validation[id] = resolvers.ValidationOutput{Status: resolvers.ValidationStatusOK}
	return f
}

// deploy records an up-to-date state.
func (f *fixture) deploy(ids ...string) *fixture {
	for _, id := range ids {
		f.snapshot.States[id] = &model.InstanceState{
			ID:                   id,
			Status:               model.InstanceStatusDeployed,
			InputHash:            inputHash,
			DependencyOutputHash: depHash,
		}
	}
	return f
}

func (f *fixture) changeInputs(id string) *fixture {
	f.deploy(id)
	f.snapshot.States[id].InputHash = 1
	return f
}

func (f *fixture) changeDependencies(id string) *fixture {
	f.deploy(id)
	f.snapshot.States[id].DependencyOutputHash = 1
	return f
}

func (f *fixture) plan(t *testing.T, typ engine.OperationType, ids []string, mutate func(*model.OperationOptions)) *engine.Plan {
	t.Helper()
	opts := model.DefaultOperationOptions()
	if mutate != nil {
		mutate(&opts)
	}
	plan, err := New(zerolog.Nop()).Plan(context.Background(), Request{
		ProjectID:   "p1",
		Type:        typ,
		InstanceIDs: ids,
		Options:     opts,
	}, f.snapshot)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	return plan
}

func entryIDs(phase engine.Phase) []string {
	ids := make([]string, 0, len(phase.Instances))
	for _, entry := range phase.Instances {
		ids = append(ids, entry.InstanceID)
	}
	return ids
}

func messages(phase engine.Phase) map[string]string {
	m := make(map[string]string, len(phase.Instances))
	for _, entry := range phase.Instances {
		m[entry.InstanceID] = entry.Message
	}
	return m
}

func singlePhase(t *testing.T, plan *engine.Plan, want engine.PhaseType) engine.Phase {
	t.Helper()
	if len(plan.Phases) != 1 || plan.Phases[0].Type != want {
		t.Fatalf("Expected a single %s phase, got %+v", want, plan.Phases)
	}
	return plan.Phases[0]
}

func TestPlanner_Plan_UpdateSelection(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fixture)
		mutate func(*model.OperationOptions)
		want   []string
	}{
		{
			name:  "up to date dependencies are skipped",
			setup: func(f *fixture) { f.deploy("a", "root") },
			want:  []string{"b"},
		},
		{
			name: "missing state pulls the dependencies",
			want: []string{"root", "a", "b"},
		},
		{
			name:  "changed dependency is pulled transitively",
			setup: func(f *fixture) { f.deploy("a").changeInputs("root") },
			want:  []string{"b", "root"},
		},
		{
			name:   "force pulls the whole upstream closure",
			setup:  func(f *fixture) { f.deploy("a", "root") },
			mutate: func(o *model.OperationOptions) { o.ForceUpdateDependencies = true },
			want:   []string{"root", "a", "b"},
		},
		{
			name:   "ignore dependencies keeps the request",
			mutate: func(o *model.OperationOptions) { o.IgnoreDependencies = true },
			want:   []string{"b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// root <- a <- b
			f := newFixture().add("root", "").add("a", "", "root").add("b", "", "a")
			if tt.setup != nil {
				tt.setup(f)
			}

			phase := singlePhase(t, f.plan(t, engine.OperationUpdate, []string{"b"}, tt.mutate), engine.PhaseUpdate)
			if got := entryIDs(phase); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPlanner_Plan_UpdateMessages(t *testing.T) {
	f := newFixture().add("a", "").add("c", "").add("b", "", "a", "c")
	f.changeDependencies("a")

	phase := singlePhase(t, f.plan(t, engine.OperationUpdate, []string{"b"}, nil), engine.PhaseUpdate)
	want := map[string]string{
		"a": engine.MessageDependency,
		"b": engine.MessageRequested,
		"c": engine.MessageOutOfDate,
	}
	if got := messages(phase); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	b := phase.Instances[len(phase.Instances)-1]
	if b.InstanceID != "b" || !reflect.DeepEqual(b.DependsOn, []string{"a", "c"}) {
		t.Errorf("Expected b last depending on a and c, got %+v", b)
	}
	if b.InputHash != inputHash || b.DependencyOutputHash != depHash {
		t.Errorf("Expected planned hashes, got %+v", b)
	}
}

// compositeFixture builds a composite stack with three children and a
// consumer wired to the second child.
func compositeFixture() *fixture {
	f := newFixture().
		add("net.stack:core", "").
		add("net.vpc:core-a", "net.stack:core").
		add("net.vpc:core-b", "net.stack:core").
		add("net.vpc:core-c", "net.stack:core").
		add("app.server:web", "", "net.vpc:core-b")
	f.deploy("net.stack:core", "net.vpc:core-c", "app.server:web")
	return f
}

func TestPlanner_Plan_CompositeDependency(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.OperationOptions)
		want   []string
	}{
		{
			name: "whole composite by default",
			want: []string{"net.vpc:core-a", "net.vpc:core-b", "app.server:web", "net.stack:core"},
		},
		{
			name:   "partial update takes only the dependency",
			mutate: func(o *model.OperationOptions) { o.AllowPartialCompositeInstanceUpdate = true },
			want:   []string{"net.vpc:core-b", "app.server:web"},
		},
		{
			name: "force children overrides partial update",
			mutate: func(o *model.OperationOptions) {
				o.AllowPartialCompositeInstanceUpdate = true
				o.ForceUpdateChildren = true
			},
			want: []string{"net.vpc:core-a", "net.vpc:core-b", "net.vpc:core-c", "app.server:web", "net.stack:core"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := compositeFixture()
			phase := singlePhase(t, f.plan(t, engine.OperationUpdate, []string{"app.server:web"}, tt.mutate), engine.PhaseUpdate)
			if got := entryIDs(phase); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPlanner_Plan_ExplicitCompositeUpdate(t *testing.T) {
	f := compositeFixture()

	phase := singlePhase(t, f.plan(t, engine.OperationUpdate, []string{"net.stack:core"}, nil), engine.PhaseUpdate)
	want := []string{"net.vpc:core-a", "net.vpc:core-b", "net.stack:core"}
	if got := entryIDs(phase); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if phase.Instances[0].ParentID != "net.stack:core" || phase.Instances[0].Message != engine.MessageChild {
		t.Errorf("Expected child entry, got %+v", phase.Instances[0])
	}
}

func TestPlanner_Plan_DestroyExplicitComposite(t *testing.T) {
	for _, partial := range []bool{false, true} {
		f := newFixture().add("C", "").add("C1", "C").add("C2", "C")
		f.deploy("C", "C1", "C2")

		plan := f.plan(t, engine.OperationDestroy, []string{"C"}, func(o *model.OperationOptions) {
			o.AllowPartialCompositeInstanceDestruction = partial
		})
		phase := singlePhase(t, plan, engine.PhaseDestroy)

		want := []string{"C1", "C2", "C"}
		if got := entryIDs(phase); !reflect.DeepEqual(got, want) {
			t.Errorf("partial=%v: Expected %v, got %v", partial, want, got)
		}
	}
}

func TestPlanner_Plan_DestroyCascade(t *testing.T) {
	tests := []struct {
		name     string
		deployed []string
		mutate   func(*model.OperationOptions)
		want     []string
	}{
		{
			name:     "dependents first",
			deployed: []string{"a", "b", "c"},
			want:     []string{"c", "b", "a"},
		},
		{
			name:     "undeployed dependents are left alone",
			deployed: []string{"a", "b"},
			want:     []string{"b", "a"},
		},
		{
			name:     "no cascade",
			deployed: []string{"a", "b", "c"},
			mutate:   func(o *model.OperationOptions) { o.DestroyDependentInstances = false },
			want:     []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture().add("a", "").add("b", "", "a").add("c", "", "b")
			f.deploy(tt.deployed...)

			phase := singlePhase(t, f.plan(t, engine.OperationDestroy, []string{"a"}, tt.mutate), engine.PhaseDestroy)
			if got := entryIDs(phase); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
			for _, entry := range phase.Instances[:len(phase.Instances)-1] {
				if entry.Message != engine.MessageCascadingDestroy {
					t.Errorf("Expected cascading destroy message, got %+v", entry)
				}
			}
		})
	}
}

func TestPlanner_Plan_DestroyCascadeIntoComposite(t *testing.T) {
	tests := []struct {
		name    string
		partial bool
		want    []string
	}{
		{"whole composite", false, []string{"P1", "P2", "P", "x"}},
		{"partial", true, []string{"P1", "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture().add("x", "").add("P", "").add("P1", "P", "x").add("P2", "P")
			f.deploy("x", "P1", "P2")

			plan := f.plan(t, engine.OperationDestroy, []string{"x"}, func(o *model.OperationOptions) {
				o.AllowPartialCompositeInstanceDestruction = tt.partial
			})
			if got := entryIDs(singlePhase(t, plan, engine.PhaseDestroy)); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPlanner_Plan_RecreateAndRefresh(t *testing.T) {
	f := newFixture().add("a", "").add("b", "", "a")
	f.deploy("b")

	plan := f.plan(t, engine.OperationRecreate, []string{"b"}, func(o *model.OperationOptions) { o.Refresh = true })
	if len(plan.Phases) != 3 {
		t.Fatalf("Expected 3 phases, got %d", len(plan.Phases))
	}

	wantTypes := []engine.PhaseType{engine.PhaseRefresh, engine.PhaseDestroy, engine.PhaseUpdate}
	wantOrder := [][]string{{"a", "b"}, {"b", "a"}, {"a", "b"}}
	for i, phase := range plan.Phases {
		if phase.Type != wantTypes[i] {
			t.Errorf("phase %d: Expected %s, got %s", i, wantTypes[i], phase.Type)
		}
		if got := entryIDs(phase); !reflect.DeepEqual(got, wantOrder[i]) {
			t.Errorf("phase %d: Expected %v, got %v", i, wantOrder[i], got)
		}
	}
}

func TestPlanner_Plan_RefreshType(t *testing.T) {
	f := newFixture().add("C", "").add("C1", "C").add("other", "")

	phase := singlePhase(t, f.plan(t, engine.OperationRefresh, []string{"C"}, nil), engine.PhaseRefresh)
	if got := entryIDs(phase); !reflect.DeepEqual(got, []string{"C1", "C"}) {
		t.Errorf("Expected composite and child, got %v", got)
	}
}

func TestPlanner_Plan_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		req   Request
		code  string
	}{
		{
			name: "empty request",
			req:  Request{ProjectID: "p1", Type: engine.OperationUpdate},
			code: engine.ErrCodeValidation,
		},
		{
			name: "unknown type",
			req:  Request{ProjectID: "p1", Type: "deploy", InstanceIDs: []string{"a"}},
			code: engine.ErrCodeValidation,
		},
		{
			name: "exclusive options",
			req: Request{ProjectID: "p1", Type: engine.OperationUpdate, InstanceIDs: []string{"a"},
				Options: model.OperationOptions{IgnoreDependencies: true, ForceUpdateDependencies: true}},
			code: engine.ErrCodeValidation,
		},
		{
			name: "missing instance",
			req:  Request{ProjectID: "p1", Type: engine.OperationUpdate, InstanceIDs: []string{"nope"}},
			code: engine.ErrCodeNotFound,
		},
		{
			name: "invalid instance",
			setup: func(f *fixture) {
				f.snapshot.Validation["a"] = resolvers.ValidationOutput{Status: resolvers.ValidationStatusError, ErrorText: "1. boom"}
			},
			req:  Request{ProjectID: "p1", Type: engine.OperationPreview, InstanceIDs: []string{"b"}},
			code: engine.ErrCodeInvalidInstance,
		},
		{
			name: "cycle",
			setup: func(f *fixture) {
				f.add("a", "", "b")
			},
			req:  Request{ProjectID: "p1", Type: engine.OperationUpdate, InstanceIDs: []string{"b"}},
			code: engine.ErrCodeCycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture().add("a", "").add("b", "", "a")
			if tt.setup != nil {
				tt.setup(f)
			}

			_, err := New(zerolog.Nop()).Plan(context.Background(), tt.req, f.snapshot)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !engine.IsPermanent(err) || engine.CodeOf(err) != tt.code {
				t.Errorf("Expected permanent %s error, got %v", tt.code, err)
			}
		})
	}
}

func TestPlanner_Plan_InvalidInstanceDoesNotBlockDestroy(t *testing.T) {
	f := newFixture().add("a", "")
	f.deploy("a")
	f.snapshot.Validation["a"] = resolvers.ValidationOutput{Status: resolvers.ValidationStatusError, ErrorText: "1. boom"}

	phase := singlePhase(t, f.plan(t, engine.OperationDestroy, []string{"a"}, nil), engine.PhaseDestroy)
	if len(phase.Instances) != 1 {
		t.Errorf("Expected destroy of a, got %v", entryIDs(phase))
	}
}

func TestLevels(t *testing.T) {
	f := newFixture().add("a", "").add("b", "", "a").add("c", "", "a").add("d", "", "b", "c")
	phase := singlePhase(t, f.plan(t, engine.OperationUpdate, []string{"d"}, nil), engine.PhaseUpdate)

	levels, err := Levels(&phase)
	if err != nil {
		t.Fatalf("Levels failed: %v", err)
	}
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(levels, want) {
		t.Errorf("Expected %v, got %v", want, levels)
	}
}

func TestToDOT(t *testing.T) {
	f := newFixture().add("a", "").add("b", "", "a")
	dot := ToDOT(f.plan(t, engine.OperationUpdate, []string{"b"}, nil))

	for _, want := range []string{"digraph Plan {", `label="1. update"`, `"0/a" -> "0/b"`, "lightblue"} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q:\n%s", want, dot)
		}
	}
}
