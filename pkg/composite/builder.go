package composite

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/stratus/pkg/model"
	"github.com/openfroyo/stratus/pkg/resolvers"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var (
	refConstructor      = starlark.String("ref")
	instanceConstructor = starlark.String("instance")
	contextConstructor  = starlark.String("context")
)

// builder collects the children declared by one top-level composite. They
// become visible to the shared evaluation only on commit.
type builder struct {
	shared    *evaluation
	ids       map[string]struct{}
	instances []*model.Instance
	outputs   map[string]map[string][]model.InstanceInput

	// conflict is set when a child id collides with an existing instance.
	conflict error
}

func newBuilder(shared *evaluation) *builder {
	return &builder{
		shared:  shared,
		ids:     make(map[string]struct{}),
		outputs: make(map[string]map[string][]model.InstanceInput),
	}
}

func (b *builder) commit() {
	for id := range b.ids {
		b.shared.ids[id] = struct{}{}
	}
	for id, outs := range b.outputs {
		b.shared.outputs[id] = outs
	}
	b.shared.instances = append(b.shared.instances, b.instances...)
}

func (b *builder) register(id string) error {
	_, shared := b.shared.ids[id]
	_, local := b.ids[id]
	if shared || local {
		return fmt.Errorf("%w: instance %q already exists", ErrNamingConflict, id)
	}
	b.ids[id] = struct{}{}
	return nil
}

// evaluate runs create(ctx) for a composite instance and returns its output
// redirects.
func (b *builder) evaluate(
	thread *starlark.Thread,
	inst *model.Instance,
	component *model.Component,
	inputs map[string][]model.InstanceInput,
	depth int,
) (map[string][]model.InstanceInput, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("composite nesting exceeds %d levels", maxDepth)
	}
	if component == nil {
		return nil, fmt.Errorf("component %q not found", inst.Type)
	}

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	globals, err := starlark.ExecFile(thread, component.Type+".star", component.Script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	create, ok := globals["create"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("script of %s does not define create(ctx)", component.Type)
	}

	ctxValue, err := b.contextValue(inst, inputs, depth)
	if err != nil {
		return nil, err
	}

	res, err := starlark.Call(thread, create, starlark.Tuple{ctxValue}, nil)
	if err != nil {
		return nil, fmt.Errorf("create failed: %w", err)
	}

	return b.collectOutputs(component, res)
}

func (b *builder) contextValue(inst *model.Instance, inputs map[string][]model.InstanceInput, depth int) (starlark.Value, error) {
	args := make(map[string]any, len(inst.Args))
	for name, raw := range inst.Args {
		value, err := resolvers.ParseArgumentValue(raw)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		args[name] = value
	}
	argsValue, err := toStarlarkValue(args)
	if err != nil {
		return nil, fmt.Errorf("failed to convert args: %w", err)
	}

	inputsDict := starlark.NewDict(len(inputs))
	for _, name := range sortedKeys(inputs) {
		refs := make([]starlark.Value, 0, len(inputs[name]))
		for _, in := range inputs[name] {
			refs = append(refs, refValue(in))
		}
		if err := inputsDict.SetKey(starlark.String(name), starlark.NewList(refs)); err != nil {
			return nil, err
		}
	}

	return starlarkstruct.FromStringDict(contextConstructor, starlark.StringDict{
		"id":       starlark.String(inst.ID),
		"name":     starlark.String(inst.Name),
		"type":     starlark.String(inst.Type),
		"args":     argsValue,
		"inputs":   inputsDict,
		"instance": starlark.NewBuiltin("instance", b.instanceBuiltin(inst.ID, depth)),
	}), nil
}

// instanceBuiltin implements ctx.instance(type, name, args={}, inputs={}).
func (b *builder) instanceBuiltin(parentID string, depth int) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var typ, name string
		var argsDict, inputsDict *starlark.Dict
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
			"type", &typ, "name", &name, "args?", &argsDict, "inputs?", &inputsDict); err != nil {
			return nil, err
		}

		component, ok := b.shared.library.Component(typ)
		if !ok {
			return nil, fmt.Errorf("%s: unknown component type %q", fn.Name(), typ)
		}

		id := model.InstanceID(typ, name)
		if err := b.register(id); err != nil {
			b.conflict = err
			return nil, err
		}

		child := &model.Instance{
			ID:             id,
			Type:           typ,
			Name:           name,
			ParentID:       parentID,
			ResolvedInputs: map[string][]model.InstanceInput{},
		}

		if argsDict != nil {
			goArgs, err := fromStarlarkValue(argsDict)
			if err != nil {
				return nil, fmt.Errorf("%s: args of %s: %w", fn.Name(), id, err)
			}
			child.Args = goArgs.(map[string]any)
		}

		if inputsDict != nil {
			for _, item := range inputsDict.Items() {
				slot, ok := item[0].(starlark.String)
				if !ok {
					return nil, fmt.Errorf("%s: input names must be strings", fn.Name())
				}
				if _, declared := component.Inputs[string(slot)]; !declared {
					return nil, fmt.Errorf("%s: component %q has no input %q", fn.Name(), typ, string(slot))
				}
				refs, err := toRefs(item[1])
				if err != nil {
					return nil, fmt.Errorf("%s: input %q: %w", fn.Name(), string(slot), err)
				}
				child.ResolvedInputs[string(slot)] = b.expandAll(refs)
			}
		}

		b.instances = append(b.instances, child)

		if !component.IsUnit() {
			outputs, err := b.evaluate(thread, child, component, child.ResolvedInputs, depth+1)
			if err != nil {
				return nil, fmt.Errorf("composite %s: %w", id, err)
			}
			child.ResolvedOutputs = outputs
			b.outputs[id] = outputs
		}

		outputNames := make([]string, 0, len(component.Outputs))
		for out := range component.Outputs {
			outputNames = append(outputNames, out)
		}
		sort.Strings(outputNames)

		outputs := make(starlark.StringDict, len(outputNames))
		for _, out := range outputNames {
			outputs[out] = refValue(model.InstanceInput{InstanceID: id, Output: out})
		}

		return starlarkstruct.FromStringDict(instanceConstructor, starlark.StringDict{
			"id":      starlark.String(id),
			"type":    starlark.String(typ),
			"name":    starlark.String(name),
			"outputs": starlarkstruct.FromStringDict(starlarkstruct.Default, outputs),
		}), nil
	}
}

// collectOutputs converts the dict returned by create into output redirects.
func (b *builder) collectOutputs(component *model.Component, res starlark.Value) (map[string][]model.InstanceInput, error) {
	outputs := make(map[string][]model.InstanceInput)
	if res == starlark.None {
		return outputs, nil
	}

	dict, ok := res.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("create must return a dict of outputs, got %s", res.Type())
	}

	for _, item := range dict.Items() {
		name, ok := item[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("output names must be strings")
		}
		if _, declared := component.Outputs[string(name)]; !declared {
			return nil, fmt.Errorf("component %q has no output %q", component.Type, string(name))
		}
		refs, err := toRefs(item[1])
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", string(name), err)
		}
		outputs[string(name)] = b.expandAll(refs)
	}
	return outputs, nil
}

// expandAll replaces refs to evaluated composites with the refs they forward,
// keeping the first occurrence of each target.
func (b *builder) expandAll(refs []model.InstanceInput) []model.InstanceInput {
	seen := make(map[string]struct{}, len(refs))
	result := make([]model.InstanceInput, 0, len(refs))
	for _, in := range refs {
		targets := []model.InstanceInput{in}
		if outs, ok := b.lookupOutputs(in.InstanceID); ok {
			targets = outs[in.Output]
		}
		for _, target := range targets {
			if _, dup := seen[target.Key()]; dup {
				continue
			}
			seen[target.Key()] = struct{}{}
			result = append(result, target)
		}
	}
	return result
}

func (b *builder) lookupOutputs(id string) (map[string][]model.InstanceInput, bool) {
	if outs, ok := b.outputs[id]; ok {
		return outs, true
	}
	outs, ok := b.shared.outputs[id]
	return outs, ok
}

func refValue(in model.InstanceInput) starlark.Value {
	return starlarkstruct.FromStringDict(refConstructor, starlark.StringDict{
		"instance_id": starlark.String(in.InstanceID),
		"output":      starlark.String(in.Output),
	})
}

// toRefs accepts a ref or a list or tuple of refs.
func toRefs(v starlark.Value) ([]model.InstanceInput, error) {
	switch val := v.(type) {
	case *starlarkstruct.Struct:
		in, err := refFromStruct(val)
		if err != nil {
			return nil, err
		}
		return []model.InstanceInput{in}, nil
	case *starlark.List:
		refs := make([]model.InstanceInput, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			s, ok := val.Index(i).(*starlarkstruct.Struct)
			if !ok {
				return nil, fmt.Errorf("expected ref, got %s", val.Index(i).Type())
			}
			in, err := refFromStruct(s)
			if err != nil {
				return nil, err
			}
			refs = append(refs, in)
		}
		return refs, nil
	case starlark.Tuple:
		return toRefs(starlark.NewList(val))
	default:
		return nil, fmt.Errorf("expected ref or list of refs, got %s", v.Type())
	}
}

func refFromStruct(s *starlarkstruct.Struct) (model.InstanceInput, error) {
	if s.Constructor() != refConstructor {
		return model.InstanceInput{}, fmt.Errorf("expected ref, got %s", s.Constructor())
	}
	id, _ := s.Attr("instance_id")
	out, _ := s.Attr("output")
	idStr, ok1 := starlark.AsString(id)
	outStr, ok2 := starlark.AsString(out)
	if !ok1 || !ok2 || strings.TrimSpace(idStr) == "" {
		return model.InstanceInput{}, fmt.Errorf("malformed ref")
	}
	return model.InstanceInput{InstanceID: idStr, Output: outStr}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
