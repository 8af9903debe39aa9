package resolvers

import (
	"sort"

	"github.com/openfroyo/stratus/pkg/graph"
	"github.com/openfroyo/stratus/pkg/model"
	"github.com/rs/zerolog"
)

// InstanceKey returns the input graph key of an instance.
func InstanceKey(id string) string {
	return "instance:" + id
}

// HubKey returns the input graph key of a hub.
func HubKey(id string) string {
	return "hub:" + id
}

// InputNode is a node of the input graph: *InstanceInputNode or *HubInputNode.
type InputNode interface {
	inputNode()
}

// InstanceInputNode is an instance together with its component.
type InstanceInputNode struct {
	Instance  *model.Instance
	Component *model.Component
}

// HubInputNode is a hub.
type HubInputNode struct {
	Hub *model.Hub
}

func (*InstanceInputNode) inputNode() {}
func (*HubInputNode) inputNode()      {}

// InputOutput is the result for an input node: *InstanceInputOutput or *HubInputOutput.
type InputOutput interface {
	inputOutput()
}

// InstanceInputOutput holds the resolved inputs of an instance.
type InstanceInputOutput struct {
	// ResolvedInputs maps an input slot to its edges, explicit inputs first.
	ResolvedInputs map[string][]model.ResolvedInstanceInput

	// ResolvedOutputs are the output redirects of a composite.
	ResolvedOutputs map[string][]model.InstanceInput

	// ResolvedInjectionInputs is every candidate received through injection.
	ResolvedInjectionInputs []model.ResolvedInstanceInput

	// MatchedInjectionInputs are the candidates accepted by at least one slot.
	MatchedInjectionInputs []model.ResolvedInstanceInput
}

// HubInputOutput holds the merged inputs of a hub.
type HubInputOutput struct {
	ResolvedInputs []model.ResolvedInstanceInput
}

func (*InstanceInputOutput) inputOutput() {}
func (*HubInputOutput) inputOutput()      {}

// Edges returns the resolved inputs without their types.
func (o *InstanceInputOutput) Edges() map[string][]model.InstanceInput {
	edges := make(map[string][]model.InstanceInput, len(o.ResolvedInputs))
	for name, inputs := range o.ResolvedInputs {
		refs := make([]model.InstanceInput, len(inputs))
		for i, in := range inputs {
			refs[i] = in.Input
		}
		edges[name] = refs
	}
	return edges
}

// DependencyIDs returns the unique upstream instance ids in lexical order.
func (o *InstanceInputOutput) DependencyIDs() []string {
	seen := make(map[string]struct{})
	for _, inputs := range o.ResolvedInputs {
		for _, in := range inputs {
			seen[in.Input.InstanceID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InputResolver resolves the inputs of every instance and hub.
type InputResolver struct {
	*graph.Resolver[InputNode, InputOutput]
}

// NewInputResolver creates an input resolver over nodes keyed with
// InstanceKey and HubKey.
func NewInputResolver(nodes map[string]InputNode, logger zerolog.Logger, opts ...graph.Option) *InputResolver {
	proc := &inputProcessor{
		nodes:  nodes,
		logger: logger.With().Str("component", "input-resolver").Logger(),
	}
	opts = append([]graph.Option{graph.WithName("input"), graph.WithLogger(logger)}, opts...)
	return &InputResolver{Resolver: graph.New[InputNode, InputOutput](nodes, proc, opts...)}
}

// Instance returns the resolved output of an instance.
func (r *InputResolver) Instance(id string) (*InstanceInputOutput, bool) {
	out, ok := r.Outputs().Get(InstanceKey(id))
	if !ok {
		return nil, false
	}
	inst, ok := out.(*InstanceInputOutput)
	return inst, ok
}

// Hub returns the resolved output of a hub.
func (r *InputResolver) Hub(id string) (*HubInputOutput, bool) {
	out, ok := r.Outputs().Get(HubKey(id))
	if !ok {
		return nil, false
	}
	hub, ok := out.(*HubInputOutput)
	return hub, ok
}

// Instances returns the resolved outputs of all instances keyed by instance id.
func (r *InputResolver) Instances() map[string]*InstanceInputOutput {
	result := make(map[string]*InstanceInputOutput)
	for key, out := range r.OutputMap() {
		if inst, ok := out.(*InstanceInputOutput); ok {
			result[key[len("instance:"):]] = inst
		}
	}
	return result
}

type inputProcessor struct {
	nodes  map[string]InputNode
	logger zerolog.Logger
}

func (p *inputProcessor) Dependencies(node InputNode) []string {
	switch n := node.(type) {
	case *InstanceInputNode:
		if n.Instance.IsVirtual() {
			return nil
		}
		var deps []string
		for _, name := range sortedKeys(n.Instance.Inputs) {
			for _, ref := range n.Instance.Inputs[name] {
				deps = append(deps, InstanceKey(ref.InstanceID))
			}
		}
		for _, name := range sortedKeys(n.Instance.HubInputs) {
			for _, ref := range n.Instance.HubInputs[name] {
				deps = append(deps, HubKey(ref.HubID))
			}
		}
		for _, ref := range n.Instance.InjectionInputs {
			deps = append(deps, HubKey(ref.HubID))
		}
		return deps
	case *HubInputNode:
		var deps []string
		for _, ref := range n.Hub.Inputs {
			deps = append(deps, InstanceKey(ref.InstanceID))
		}
		for _, ref := range n.Hub.InjectionInputs {
			deps = append(deps, HubKey(ref.HubID))
		}
		return deps
	default:
		panic("resolvers: unknown input node type")
	}
}

func (p *inputProcessor) Process(key string, node InputNode, outputs graph.Outputs[InputOutput]) (InputOutput, error) {
	switch n := node.(type) {
	case *InstanceInputNode:
		if n.Instance.IsVirtual() {
			return p.passthrough(n), nil
		}
		return p.processInstance(n, outputs), nil
	case *HubInputNode:
		return p.processHub(n, outputs), nil
	default:
		panic("resolvers: unknown input node type")
	}
}

func (p *inputProcessor) processHub(n *HubInputNode, outputs graph.Outputs[InputOutput]) *HubInputOutput {
	merged := newOrderedInputs()

	for _, ref := range n.Hub.Inputs {
		for _, in := range p.resolveReference(ref, outputs) {
			merged.add(in)
		}
	}

	for _, ref := range n.Hub.InjectionInputs {
		hub, ok := hubOutput(outputs, ref.HubID)
		if !ok {
			p.logger.Warn().Str("hub_id", n.Hub.ID).Str("injected_hub_id", ref.HubID).Msg("Injected hub is not resolved")
			continue
		}
		for _, in := range hub.ResolvedInputs {
			merged.add(in)
		}
	}

	return &HubInputOutput{ResolvedInputs: merged.list()}
}

func (p *inputProcessor) processInstance(n *InstanceInputNode, outputs graph.Outputs[InputOutput]) *InstanceInputOutput {
	inst := n.Instance
	logger := p.logger.With().Str("instance_id", inst.ID).Logger()

	slots := make(map[string]*orderedInputs)
	slot := func(name string) *orderedInputs {
		s, ok := slots[name]
		if !ok {
			s = newOrderedInputs()
			slots[name] = s
		}
		return s
	}

	for _, name := range sortedKeys(inst.Inputs) {
		if n.Component != nil {
			if _, declared := n.Component.Inputs[name]; !declared {
				logger.Warn().Str("input", name).Msg("Input is not declared by the component")
			}
		}
		for _, ref := range inst.Inputs[name] {
			for _, in := range p.resolveReference(ref, outputs) {
				slot(name).add(in)
			}
		}
	}

	injected := newOrderedInputs()
	for _, ref := range inst.InjectionInputs {
		hub, ok := hubOutput(outputs, ref.HubID)
		if !ok {
			logger.Warn().Str("hub_id", ref.HubID).Msg("Injection hub is not resolved")
			continue
		}
		for _, in := range hub.ResolvedInputs {
			injected.add(in)
		}
	}

	slotNames := make(map[string]struct{})
	for name := range inst.HubInputs {
		slotNames[name] = struct{}{}
	}
	if n.Component != nil {
		for name := range n.Component.Inputs {
			slotNames[name] = struct{}{}
		}
	} else {
		logger.Warn().Str("type", inst.Type).Msg("Component not found, injection inputs are ignored")
	}

	matched := newOrderedInputs()
	for _, name := range sortedKeys(slotNames) {
		for _, ref := range inst.HubInputs[name] {
			hub, ok := hubOutput(outputs, ref.HubID)
			if !ok {
				logger.Warn().Str("hub_id", ref.HubID).Str("input", name).Msg("Hub input is not resolved")
				continue
			}
			for _, in := range hub.ResolvedInputs {
				slot(name).add(in)
			}
		}

		if n.Component == nil {
			continue
		}
		declared, ok := n.Component.Inputs[name]
		if !ok {
			continue
		}
		for _, in := range injected.list() {
			if in.Type != declared.Type {
				continue
			}
			slot(name).add(in)
			matched.add(in)
		}
	}

	resolved := make(map[string][]model.ResolvedInstanceInput, len(slots))
	for name, s := range slots {
		if s.len() > 0 {
			resolved[name] = s.list()
		}
	}

	return &InstanceInputOutput{
		ResolvedInputs:          resolved,
		ResolvedOutputs:         inst.ResolvedOutputs,
		ResolvedInjectionInputs: injected.list(),
		MatchedInjectionInputs:  matched.list(),
	}
}

// passthrough returns the inputs precomputed by composite evaluation.
func (p *inputProcessor) passthrough(n *InstanceInputNode) *InstanceInputOutput {
	inst := n.Instance
	resolved := make(map[string][]model.ResolvedInstanceInput, len(inst.ResolvedInputs))

	for _, name := range sortedKeys(inst.ResolvedInputs) {
		typ := ""
		if n.Component != nil {
			if declared, ok := n.Component.Inputs[name]; ok {
				typ = declared.Type
			} else {
				p.logger.Warn().Str("instance_id", inst.ID).Str("input", name).Msg("Input is not declared by the component")
			}
		}

		s := newOrderedInputs()
		for _, ref := range inst.ResolvedInputs[name] {
			s.add(model.ResolvedInstanceInput{Input: ref, Type: typ})
		}
		if s.len() > 0 {
			resolved[name] = s.list()
		}
	}

	return &InstanceInputOutput{
		ResolvedInputs:          resolved,
		ResolvedOutputs:         inst.ResolvedOutputs,
		ResolvedInjectionInputs: []model.ResolvedInstanceInput{},
		MatchedInjectionInputs:  []model.ResolvedInstanceInput{},
	}
}

// resolveReference types a reference to an upstream output. References to a
// composite are forwarded to the child outputs the composite exposes.
func (p *inputProcessor) resolveReference(ref model.InstanceInput, outputs graph.Outputs[InputOutput]) []model.ResolvedInstanceInput {
	node, ok := p.nodes[InstanceKey(ref.InstanceID)].(*InstanceInputNode)
	if !ok {
		p.logger.Warn().Str("instance_id", ref.InstanceID).Msg("Referenced instance not found")
		return nil
	}
	if node.Component == nil {
		p.logger.Warn().Str("instance_id", ref.InstanceID).Str("type", node.Instance.Type).Msg("Component of referenced instance not found")
		return nil
	}

	declared, ok := node.Component.Outputs[ref.Output]
	if !ok {
		p.logger.Warn().
			Str("instance_id", ref.InstanceID).
			Str("output", ref.Output).
			Msg("Referenced output is not declared by the component")
		return nil
	}

	if node.Component.IsUnit() {
		return []model.ResolvedInstanceInput{{Input: ref, Type: declared.Type}}
	}

	upstream, ok := instanceOutput(outputs, ref.InstanceID)
	if !ok || upstream.ResolvedOutputs == nil {
		// composite not evaluated yet, keep pointing at the composite itself
		return []model.ResolvedInstanceInput{{Input: ref, Type: declared.Type}}
	}

	redirects := upstream.ResolvedOutputs[ref.Output]
	resolved := make([]model.ResolvedInstanceInput, 0, len(redirects))
	for _, target := range redirects {
		resolved = append(resolved, model.ResolvedInstanceInput{Input: target, Type: declared.Type})
	}
	return resolved
}

func instanceOutput(outputs graph.Outputs[InputOutput], id string) (*InstanceInputOutput, bool) {
	out, ok := outputs.Get(InstanceKey(id))
	if !ok {
		return nil, false
	}
	inst, ok := out.(*InstanceInputOutput)
	return inst, ok
}

func hubOutput(outputs graph.Outputs[InputOutput], id string) (*HubInputOutput, bool) {
	out, ok := outputs.Get(HubKey(id))
	if !ok {
		return nil, false
	}
	hub, ok := out.(*HubInputOutput)
	return hub, ok
}

// orderedInputs is an insertion-ordered set keyed by instanceId:output.
type orderedInputs struct {
	index map[string]int
	items []model.ResolvedInstanceInput
}

func newOrderedInputs() *orderedInputs {
	return &orderedInputs{index: make(map[string]int)}
}

func (o *orderedInputs) add(in model.ResolvedInstanceInput) bool {
	key := in.Input.Key()
	if _, ok := o.index[key]; ok {
		return false
	}
	o.index[key] = len(o.items)
	o.items = append(o.items, in)
	return true
}

func (o *orderedInputs) len() int {
	return len(o.items)
}

func (o *orderedInputs) list() []model.ResolvedInstanceInput {
	out := make([]model.ResolvedInstanceInput, len(o.items))
	copy(out, o.items)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
