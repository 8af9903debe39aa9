package planner

import (
	"encoding/json"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stratus/pkg/engine"
	"github.com/openfroyo/stratus/pkg/model"
	"github.com/openfroyo/stratus/pkg/resolvers"
)

// Request asks for a plan over a set of instances.
type Request struct {
	ProjectID   string                 `json:"projectId" yaml:"projectId" validate:"required"`
	Type        engine.OperationType   `json:"type" yaml:"type" validate:"required,oneof=update preview destroy recreate refresh"`
	InstanceIDs []string               `json:"instanceIds" yaml:"instanceIds" validate:"min=1,dive,required"`
	Options     model.OperationOptions `json:"options" yaml:"options"`
}

// NewRequest returns a request carrying the default options.
func NewRequest() Request {
	return Request{Options: model.DefaultOperationOptions()}
}

// UnmarshalJSON keeps the default options when data has no options key.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	p := plain(NewRequest())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Request(p)
	return nil
}

// UnmarshalYAML keeps the default options when the node has no options key.
func (r *Request) UnmarshalYAML(value *yaml.Node) error {
	type plain Request
	p := plain(NewRequest())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = Request(p)
	return nil
}

// Snapshot is the resolved view of a project the planner selects from.
type Snapshot struct {
	ProjectID string
	Library   *model.Library

	// Instances holds top-level and virtual instances keyed by id.
	Instances map[string]*model.Instance

	Inputs     map[string]*resolvers.InstanceInputOutput
	Hashes     map[string]resolvers.HashOutput
	Validation map[string]resolvers.ValidationOutput
	States     map[string]*model.InstanceState
}

// graph indexes a snapshot for selection.
type graph struct {
	snapshot   *Snapshot
	deps       map[string][]string
	dependents map[string][]string
	children   map[string][]string
}

func newGraph(s *Snapshot) *graph {
	g := &graph{
		snapshot:   s,
		deps:       make(map[string][]string, len(s.Instances)),
		dependents: make(map[string][]string),
		children:   make(map[string][]string),
	}

	for _, id := range sortedIDs(s.Instances) {
		inst := s.Instances[id]
		if inst.ParentID != "" {
			g.children[inst.ParentID] = append(g.children[inst.ParentID], id)
		}

		out, ok := s.Inputs[id]
		if !ok {
			continue
		}
		for _, dep := range out.DependencyIDs() {
			if _, exists := s.Instances[dep]; !exists || dep == id {
				continue
			}
			g.deps[id] = append(g.deps[id], dep)
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	return g
}

func (g *graph) exists(id string) bool {
	_, ok := g.snapshot.Instances[id]
	return ok
}

// substantive reports whether id is a composite with children.
func (g *graph) substantive(id string) bool {
	return len(g.children[id]) > 0
}

func (g *graph) parent(id string) string {
	if inst, ok := g.snapshot.Instances[id]; ok {
		return inst.ParentID
	}
	return ""
}

// descendants returns all nested children of id, depth first.
func (g *graph) descendants(id string) []string {
	var result []string
	var walk func(string)
	walk = func(parent string) {
		for _, child := range g.children[parent] {
			result = append(result, child)
			walk(child)
		}
	}
	walk(id)
	return result
}

// staleness returns why id needs an update, or "" if it is up to date. A
// substantive composite is stale when any of its descendants is.
func (g *graph) staleness(id string) string {
	if g.substantive(id) {
		for _, child := range g.descendants(id) {
			if g.substantive(child) {
				continue
			}
			if reason := g.staleness(child); reason != "" {
				return reason
			}
		}
		return ""
	}

	state := g.snapshot.States[id]
	if state == nil || state.Status != model.InstanceStatusDeployed {
		return engine.MessageOutOfDate
	}
	hash, ok := g.snapshot.Hashes[id]
	if !ok {
		return engine.MessageOutOfDate
	}
	if state.InputHash != hash.InputHash {
		return engine.MessageOutOfDate
	}
	if state.DependencyOutputHash != hash.DependencyOutputHash {
		return engine.MessageDependency
	}
	return ""
}

// deployed reports whether id or any of its descendants exists in the
// backend.
func (g *graph) deployed(id string) bool {
	if g.snapshot.States[id].IsDeployed() {
		return true
	}
	for _, child := range g.descendants(id) {
		if g.snapshot.States[child].IsDeployed() {
			return true
		}
	}
	return false
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
