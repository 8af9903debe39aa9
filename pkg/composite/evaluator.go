// Package composite expands composite instances into virtual child instances
// by running the Starlark script of their component.
//
// A composite script defines create(ctx). The ctx struct exposes id, name,
// type, args and inputs (slot -> list of refs) and the ctx.instance builtin,
// which declares a child instance and returns a struct with its id and one
// ref per declared output under outputs. create returns a dict mapping the
// composite outputs to a ref or a list of refs.
//
//	def create(ctx):
//	    vpc = ctx.instance("net.vpc", ctx.name + "-vpc", args = {"cidr": ctx.args["cidr"]})
//	    subnet = ctx.instance("net.subnet", ctx.name + "-subnet", inputs = {"vpc": vpc.outputs.vpc})
//	    return {"vpc": vpc.outputs.vpc, "subnet": subnet.outputs.subnet}
//
// Child composites are expanded as soon as they are declared, so refs to
// their outputs already point at the grandchildren that produce them.
package composite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/stratus/pkg/graph"
	"github.com/openfroyo/stratus/pkg/model"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
)

// DefaultTimeout bounds the evaluation of one top-level composite.
const DefaultTimeout = 10 * time.Second

// maxDepth bounds composite nesting.
const maxDepth = 32

// ErrNamingConflict is returned when two instances resolve to the same id.
var ErrNamingConflict = errors.New("instance name conflict")

// Result is the outcome of a composite evaluation.
type Result struct {
	// Success is false when a naming conflict aborted the evaluation.
	Success bool

	// VirtualInstances are the children of every evaluated composite.
	VirtualInstances []*model.Instance

	// ResolvedOutputs holds the output redirects of top-level composites.
	ResolvedOutputs map[string]map[string][]model.InstanceInput

	// TopLevelErrors maps a top-level composite id to its evaluation error.
	TopLevelErrors map[string]string

	Error error
}

// Evaluator evaluates composite instances.
type Evaluator struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// NewEvaluator creates a new evaluator. A zero timeout uses DefaultTimeout.
func NewEvaluator(timeout time.Duration, logger zerolog.Logger) *Evaluator {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{
		timeout: timeout,
		logger:  logger.With().Str("component", "composite-evaluator").Logger(),
	}
}

// Evaluate expands every top-level composite in instances. resolvedInputs
// holds the resolved inputs of the top-level instances keyed by instance id.
// Composites consuming another composite are evaluated after it.
func (e *Evaluator) Evaluate(
	ctx context.Context,
	library *model.Library,
	instances []*model.Instance,
	resolvedInputs map[string]map[string][]model.InstanceInput,
) *Result {
	ev := &evaluation{
		library:    library,
		ids:        make(map[string]struct{}, len(instances)),
		outputs:    make(map[string]map[string][]model.InstanceInput),
		topOutputs: make(map[string]map[string][]model.InstanceInput),
		errors:     make(map[string]string),
	}

	nodes := make(map[string]*model.Instance)
	for _, inst := range instances {
		if _, exists := ev.ids[inst.ID]; exists {
			return &Result{Error: fmt.Errorf("%w: instance %q is declared twice", ErrNamingConflict, inst.ID)}
		}
		ev.ids[inst.ID] = struct{}{}

		if component, ok := library.Component(inst.Type); ok && !component.IsUnit() {
			nodes[inst.ID] = inst
		}
	}

	proc := &topLevelProcessor{
		evaluator:      e,
		evaluation:     ev,
		ctx:            ctx,
		resolvedInputs: resolvedInputs,
	}
	r := graph.New[*model.Instance, struct{}](nodes, proc, graph.WithName("composite"), graph.WithLogger(e.logger))
	if err := r.ResolveAll(); err != nil {
		e.logger.Error().Err(err).Msg("Composite evaluation aborted")
		return &Result{Error: graph.RootCause(err)}
	}

	// node failures other than script errors, e.g. recovered panics
	for key, err := range r.Errors() {
		if _, recorded := ev.errors[key]; !recorded {
			ev.errors[key] = err.Error()
		}
	}

	e.logger.Debug().
		Int("composites", len(nodes)).
		Int("virtual_instances", len(ev.instances)).
		Int("errors", len(ev.errors)).
		Msg("Composite evaluation completed")

	return &Result{
		Success:          true,
		VirtualInstances: ev.instances,
		ResolvedOutputs:  ev.topOutputs,
		TopLevelErrors:   ev.errors,
	}
}

// evaluation is the state shared by all top-level evaluations of one call.
type evaluation struct {
	library    *model.Library
	ids        map[string]struct{}
	instances  []*model.Instance
	outputs    map[string]map[string][]model.InstanceInput
	topOutputs map[string]map[string][]model.InstanceInput
	errors     map[string]string
}

type topLevelProcessor struct {
	evaluator      *Evaluator
	evaluation     *evaluation
	ctx            context.Context
	resolvedInputs map[string]map[string][]model.InstanceInput
}

// Dependencies returns the composites whose outputs the instance consumes.
func (p *topLevelProcessor) Dependencies(inst *model.Instance) []string {
	var deps []string
	for _, name := range sortedKeys(p.resolvedInputs[inst.ID]) {
		for _, in := range p.resolvedInputs[inst.ID][name] {
			deps = append(deps, in.InstanceID)
		}
	}
	return deps
}

func (p *topLevelProcessor) Process(key string, inst *model.Instance, _ graph.Outputs[struct{}]) (struct{}, error) {
	component, _ := p.evaluation.library.Component(inst.Type)
	logger := p.evaluator.logger.With().Str("instance_id", inst.ID).Logger()

	evalCtx, cancel := context.WithTimeout(p.ctx, p.evaluator.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "composite:" + inst.ID,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Debug().Str("source", "starlark").Msg(msg)
		},
	}
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(context.Cause(evalCtx).Error())
	})
	defer stop()

	b := newBuilder(p.evaluation)
	inputs := make(map[string][]model.InstanceInput)
	for name, refs := range p.resolvedInputs[inst.ID] {
		inputs[name] = b.expandAll(refs)
	}

	start := time.Now()
	outputs, err := b.evaluate(thread, inst, component, inputs, 0)
	if b.conflict != nil {
		return struct{}{}, graph.Fatal(b.conflict)
	}
	if err != nil {
		if errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("composite evaluation timed out after %s", p.evaluator.timeout)
		}
		logger.Warn().Err(err).Msg("Composite evaluation failed")
		p.evaluation.errors[inst.ID] = err.Error()
		return struct{}{}, nil
	}

	b.commit()
	p.evaluation.topOutputs[inst.ID] = outputs
	p.evaluation.outputs[inst.ID] = outputs

	logger.Debug().
		Int("children", len(b.instances)).
		Dur("duration", time.Since(start)).
		Msg("Composite evaluated")

	return struct{}{}, nil
}
