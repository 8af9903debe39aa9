// Package model defines the project, library and state types shared by the
// resolvers, the planner and the operation runner.
package model

import (
	"fmt"
	"strings"
)

// InstanceInput references a single output of an upstream instance.
type InstanceInput struct {
	InstanceID string `json:"instanceId" yaml:"instanceId"`
	Output     string `json:"output" yaml:"output"`
}

// Key returns the de-duplication key of the reference.
func (i InstanceInput) Key() string {
	return i.InstanceID + ":" + i.Output
}

// HubInput references a hub.
type HubInput struct {
	HubID string `json:"hubId" yaml:"hubId"`
}

// Position is canvas layout information. The core never reads it.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Instance is a node of the user's infrastructure graph.
type Instance struct {
	ID              string                     `json:"id" yaml:"id"`
	Type            string                     `json:"type" yaml:"type"`
	Name            string                     `json:"name" yaml:"name"`
	Args            map[string]any             `json:"args,omitempty" yaml:"args,omitempty"`
	Inputs          map[string][]InstanceInput `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	HubInputs       map[string][]HubInput      `json:"hubInputs,omitempty" yaml:"hubInputs,omitempty"`
	InjectionInputs []HubInput                 `json:"injectionInputs,omitempty" yaml:"injectionInputs,omitempty"`
	ParentID        string                     `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Position        *Position                  `json:"position,omitempty" yaml:"position,omitempty"`

	// ResolvedInputs is set on virtual instances produced by composite
	// evaluation. Such instances are never resolved through the graph.
	ResolvedInputs map[string][]InstanceInput `json:"resolvedInputs,omitempty" yaml:"-"`

	// ResolvedOutputs maps a composite output to the child outputs it forwards.
	ResolvedOutputs map[string][]InstanceInput `json:"resolvedOutputs,omitempty" yaml:"-"`
}

// IsVirtual reports whether the instance was produced by composite evaluation.
func (i *Instance) IsVirtual() bool {
	return i.ResolvedInputs != nil
}

// Clone returns a copy that shares no maps or slices with the receiver.
func (i *Instance) Clone() *Instance {
	c := *i
	if i.Args != nil {
		c.Args = make(map[string]any, len(i.Args))
		for k, v := range i.Args {
			c.Args[k] = v
		}
	}
	c.Inputs = cloneInputMap(i.Inputs)
	c.ResolvedInputs = cloneInputMap(i.ResolvedInputs)
	c.ResolvedOutputs = cloneInputMap(i.ResolvedOutputs)
	if i.HubInputs != nil {
		c.HubInputs = make(map[string][]HubInput, len(i.HubInputs))
		for k, v := range i.HubInputs {
			c.HubInputs[k] = append([]HubInput(nil), v...)
		}
	}
	c.InjectionInputs = append([]HubInput(nil), i.InjectionInputs...)
	if i.Position != nil {
		p := *i.Position
		c.Position = &p
	}
	return &c
}

func cloneInputMap(m map[string][]InstanceInput) map[string][]InstanceInput {
	if m == nil {
		return nil
	}
	out := make(map[string][]InstanceInput, len(m))
	for k, v := range m {
		out[k] = append([]InstanceInput(nil), v...)
	}
	return out
}

// Hub is a typed broadcast node.
type Hub struct {
	ID              string          `json:"id" yaml:"id"`
	Inputs          []InstanceInput `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	InjectionInputs []HubInput      `json:"injectionInputs,omitempty" yaml:"injectionInputs,omitempty"`
	Position        *Position       `json:"position,omitempty" yaml:"position,omitempty"`
}

// ResolvedInstanceInput is an edge annotated with the entity type it carries.
type ResolvedInstanceInput struct {
	Input InstanceInput `json:"input"`
	Type  string        `json:"type"`
}

// InstanceID derives the instance id from the component type and name.
func InstanceID(instanceType, name string) string {
	return instanceType + ":" + name
}

// ParseInstanceID splits an instance id into type and name.
func ParseInstanceID(id string) (string, string, error) {
	idx := strings.LastIndex(id, ":")
	if idx <= 0 || idx == len(id)-1 {
		return "", "", fmt.Errorf("invalid instance id: %q", id)
	}
	return id[:idx], id[idx+1:], nil
}
