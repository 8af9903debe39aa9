package project

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/stratus/pkg/engine"
	"github.com/openfroyo/stratus/pkg/model"
	"github.com/openfroyo/stratus/pkg/planner"
	"github.com/openfroyo/stratus/pkg/resolvers"
	"github.com/openfroyo/stratus/pkg/telemetry"
)

// Resolution is the state-independent part of a resolved project: composite
// expansion and resolved inputs. It is cached per project and library
// revision.
type Resolution struct {
	ProjectID string
	Revision  int64
	Library   *model.Library

	// Instances holds top-level and virtual instances keyed by id. Top-level
	// composites carry their output redirects.
	Instances map[string]*model.Instance

	// Order lists top-level instances in project order followed by virtual
	// instances in evaluation order.
	Order []string

	Inputs map[string]*resolvers.InstanceInputOutput

	// Errors maps an instance id to problems found while resolving it,
	// e.g. a failed composite script.
	Errors map[string][]string

	libraryRevision int64
}

func (r *Resolution) instanceList() []*model.Instance {
	out := make([]*model.Instance, 0, len(r.Order))
	for _, id := range r.Order {
		out = append(out, r.Instances[id])
	}
	return out
}

// Resolve expands composites and resolves the inputs of every instance.
// Concurrent callers for the same revision share one evaluation.
func (s *Service) Resolve(ctx context.Context, projectID string) (*Resolution, error) {
	e, err := s.entry(projectID)
	if err != nil {
		return nil, err
	}
	library, libRev := s.currentLibrary()

	e.mu.Lock()
	if c := e.cached; c != nil && c.libraryRevision == libRev {
		e.mu.Unlock()
		return c, nil
	}
	p := e.project.Clone()
	rev := e.revision
	e.mu.Unlock()

	key := fmt.Sprintf("%s@%d/%d", projectID, rev, libRev)
	v, err, shared := s.group.Do(key, func() (any, error) {
		res, err := s.resolve(ctx, p, rev, library)
		if err != nil {
			return nil, err
		}
		res.libraryRevision = libRev

		e.mu.Lock()
		if e.revision == rev {
			e.cached = res
		}
		e.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug().Str("project_id", projectID).Int64("revision", rev).Msg("Joined in-flight resolution")
	}
	return v.(*Resolution), nil
}

func (s *Service) resolve(ctx context.Context, p *model.Project, rev int64, library *model.Library) (res *Resolution, err error) {
	ctx, span := s.tel.Tracer.StartResolveSpan(ctx, p.ID, rev)
	defer func() { telemetry.EndSpan(span, err) }()

	logger := s.logger.With().Str("project_id", p.ID).Int64("revision", rev).Logger()

	// top-level inputs feed the composite scripts
	timer := telemetry.NewTimer()
	top := resolvers.NewInputResolver(resolvers.BuildInputNodes(p.Instances, p.Hubs, library), logger)
	if err := top.ResolveAll(); err != nil {
		return nil, fmt.Errorf("failed to resolve inputs: %w", err)
	}
	s.tel.Metrics.RecordResolverPass("input", timer.Duration(), len(top.Errors()))

	topInputs := make(map[string]map[string][]model.InstanceInput, len(p.Instances))
	for id, out := range top.Instances() {
		topInputs[id] = out.Edges()
	}

	timer = telemetry.NewTimer()
	expanded := s.evaluator.Evaluate(ctx, library, p.Instances, topInputs)
	s.tel.Metrics.RecordResolverPass("composite", timer.Duration(), len(expanded.TopLevelErrors))
	if !expanded.Success {
		return nil, engine.NewPermanentError("composite evaluation failed", expanded.Error).
			WithCode(engine.ErrCodeAlreadyExists).
			WithDetail("project", p.ID)
	}

	res = &Resolution{
		ProjectID: p.ID,
		Revision:  rev,
		Library:   library,
		Instances: make(map[string]*model.Instance, len(p.Instances)+len(expanded.VirtualInstances)),
		Errors:    make(map[string][]string),
	}
	for _, inst := range p.Instances {
		if outputs, ok := expanded.ResolvedOutputs[inst.ID]; ok {
			inst = inst.Clone()
			inst.ResolvedOutputs = outputs
		}
		res.Instances[inst.ID] = inst
		res.Order = append(res.Order, inst.ID)
	}
	for _, inst := range expanded.VirtualInstances {
		res.Instances[inst.ID] = inst
		res.Order = append(res.Order, inst.ID)
	}
	for id, msg := range expanded.TopLevelErrors {
		res.Errors[id] = append(res.Errors[id], "Composite evaluation failed: "+msg)
	}

	timer = telemetry.NewTimer()
	full := resolvers.NewInputResolver(resolvers.BuildInputNodes(res.instanceList(), p.Hubs, library), logger)
	if err := full.ResolveAll(); err != nil {
		return nil, fmt.Errorf("failed to resolve inputs: %w", err)
	}
	s.tel.Metrics.RecordResolverPass("input", timer.Duration(), len(full.Errors()))

	res.Inputs = full.Instances()
	for key, nodeErr := range full.Errors() {
		if id, ok := strings.CutPrefix(key, resolvers.InstanceKey("")); ok {
			res.Errors[id] = append(res.Errors[id], "Failed to resolve inputs: "+nodeErr.Error())
		}
	}

	logger.Debug().
		Int("instances", len(res.Instances)).
		Int("virtual", len(expanded.VirtualInstances)).
		Int("errors", len(res.Errors)).
		Msg("Project resolved")
	return res, nil
}

// Snapshot resolves the project and computes hashes and validation against
// the current instance states.
func (s *Service) Snapshot(ctx context.Context, projectID string) (*planner.Snapshot, error) {
	res, err := s.Resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}

	states := map[string]*model.InstanceState{}
	if s.states != nil {
		states, err = s.states.GetInstanceStates(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("failed to load instance states: %w", err)
		}
	}

	logger := s.logger.With().Str("project_id", projectID).Logger()
	instances := res.instanceList()

	timer := telemetry.NewTimer()
	hashes := resolvers.NewHashResolver(resolvers.BuildHashNodes(instances, res.Inputs, res.Library, states), logger)
	if err := hashes.ResolveAll(); err != nil {
		return nil, fmt.Errorf("failed to compute hashes: %w", err)
	}
	s.tel.Metrics.RecordResolverPass("hash", timer.Duration(), len(hashes.Errors()))

	timer = telemetry.NewTimer()
	validation := resolvers.NewValidationResolver(
		resolvers.BuildValidationNodes(instances, res.Inputs, res.Library, states), s.schemas, logger)
	if err := validation.ResolveAll(); err != nil {
		return nil, fmt.Errorf("failed to validate instances: %w", err)
	}
	s.tel.Metrics.RecordResolverPass("validation", timer.Duration(), len(validation.Errors()))

	extra := make(map[string][]string, len(res.Errors))
	for id, errs := range res.Errors {
		extra[id] = append(extra[id], errs...)
	}
	for id, nodeErr := range hashes.Errors() {
		extra[id] = append(extra[id], "Failed to compute hashes: "+nodeErr.Error())
	}
	for id, nodeErr := range validation.Errors() {
		extra[id] = append(extra[id], "Failed to validate: "+nodeErr.Error())
	}

	outputs := validation.OutputMap()
	for id, errs := range extra {
		outputs[id] = appendValidationErrors(outputs[id], errs)
	}

	return &planner.Snapshot{
		ProjectID:  projectID,
		Library:    res.Library,
		Instances:  res.Instances,
		Inputs:     res.Inputs,
		Hashes:     hashes.OutputMap(),
		Validation: outputs,
		States:     states,
	}, nil
}

// InvalidInstances returns the ids with validation errors in lexical order.
func InvalidInstances(snapshot *planner.Snapshot) []string {
	var ids []string
	for id, out := range snapshot.Validation {
		if !out.OK() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// appendValidationErrors continues the numbering of an existing error text.
func appendValidationErrors(out resolvers.ValidationOutput, errs []string) resolvers.ValidationOutput {
	sort.Strings(errs)
	if out.Status != resolvers.ValidationStatusError || out.ErrorText == "" {
		return resolvers.ValidationOutput{
			Status:    resolvers.ValidationStatusError,
			ErrorText: resolvers.FormatValidationErrors(errs),
		}
	}

	n := 0
	for _, line := range strings.Split(out.ErrorText, "\n") {
		if strings.HasPrefix(line, fmt.Sprintf("%d. ", n+1)) {
			n++
		}
	}

	var b strings.Builder
	b.WriteString(out.ErrorText)
	for _, e := range errs {
		n++
		fmt.Fprintf(&b, "\n%d. %s", n, e)
	}
	out.ErrorText = b.String()
	return out
}
