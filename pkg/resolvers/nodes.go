package resolvers

import (
	"github.com/openfroyo/stratus/pkg/model"
)

// BuildInputNodes creates the input graph for instances and hubs.
func BuildInputNodes(instances []*model.Instance, hubs []*model.Hub, library *model.Library) map[string]InputNode {
	nodes := make(map[string]InputNode, len(instances)+len(hubs))
	for _, inst := range instances {
		component, _ := library.Component(inst.Type)
		nodes[InstanceKey(inst.ID)] = &InstanceInputNode{Instance: inst, Component: component}
	}
	for _, hub := range hubs {
		nodes[HubKey(hub.ID)] = &HubInputNode{Hub: hub}
	}
	return nodes
}

// BuildHashNodes creates the hash graph from resolved inputs and state.
func BuildHashNodes(
	instances []*model.Instance,
	inputs map[string]*InstanceInputOutput,
	library *model.Library,
	states map[string]*model.InstanceState,
) map[string]*HashNode {
	nodes := make(map[string]*HashNode, len(instances))
	for _, inst := range instances {
		component, _ := library.Component(inst.Type)

		node := &HashNode{
			Instance:       inst,
			Component:      component,
			ResolvedInputs: map[string][]model.InstanceInput{},
			State:          states[inst.ID],
		}
		if component != nil {
			node.SourceHash = component.SourceHash()
		}
		if resolved, ok := inputs[inst.ID]; ok {
			node.ResolvedInputs = resolved.Edges()
		}
		nodes[inst.ID] = node
	}
	return nodes
}

// BuildValidationNodes creates the validation graph from resolved inputs and state.
func BuildValidationNodes(
	instances []*model.Instance,
	inputs map[string]*InstanceInputOutput,
	library *model.Library,
	states map[string]*model.InstanceState,
) map[string]*ValidationNode {
	nodes := make(map[string]*ValidationNode, len(instances))
	for _, inst := range instances {
		component, _ := library.Component(inst.Type)

		node := &ValidationNode{
			Instance:       inst,
			Component:      component,
			State:          states[inst.ID],
			ResolvedInputs: map[string][]model.ResolvedInstanceInput{},
		}
		if resolved, ok := inputs[inst.ID]; ok {
			node.ResolvedInputs = resolved.ResolvedInputs
		}
		nodes[inst.ID] = node
	}
	return nodes
}
