// Package planner selects the instances an operation touches and orders them
// into phases.
//
// Selection works on a resolved Snapshot of a project. An instance is out of
// date when it has no state, is not deployed, or its current input hash or
// dependency output hash differs from the one recorded by its last apply.
// Update, preview and recreate plans walk the dependencies of the requested
// instances and pull in the out-of-date ones; destroy plans walk the
// dependents instead. Composite instances are planned together with their
// children unless partial composite updates or destructions are allowed.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/openfroyo/stratus/pkg/engine"
	"github.com/rs/zerolog"
)

// Planner builds operation plans.
type Planner struct {
	validate *validator.Validate
	logger   zerolog.Logger
}

// New creates a new planner.
func New(logger zerolog.Logger) *Planner {
	return &Planner{
		validate: validator.New(),
		logger:   logger.With().Str("component", "planner").Logger(),
	}
}

// ValidateRequest checks the shape of a plan request.
func (p *Planner) ValidateRequest(req Request) error {
	if err := p.validate.Struct(req); err != nil {
		return engine.NewPermanentError("invalid plan request", err).WithCode(engine.ErrCodeValidation)
	}
	if req.Options.IgnoreDependencies && req.Options.ForceUpdateDependencies {
		return engine.NewPermanentError(
			"invalid plan request",
			errors.New("ignoreDependencies and forceUpdateDependencies are mutually exclusive"),
		).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// Plan builds the plan for req over snapshot.
func (p *Planner) Plan(ctx context.Context, req Request, snapshot *Snapshot) (*engine.Plan, error) {
	if err := p.ValidateRequest(req); err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, engine.NewPermanentError("snapshot is nil", nil).WithCode(engine.ErrCodeInternal)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g := newGraph(snapshot)
	for _, id := range req.InstanceIDs {
		if !g.exists(id) {
			return nil, engine.NewPermanentError(fmt.Sprintf("instance %q not found", id), nil).
				WithCode(engine.ErrCodeNotFound).WithInstance(id)
		}
	}

	plan := &engine.Plan{
		ID:        uuid.New().String(),
		ProjectID: req.ProjectID,
		Type:      req.Type,
		Options:   req.Options,
		CreatedAt: time.Now().UTC(),
	}

	var sel *selection
	switch req.Type {
	case engine.OperationDestroy:
		sel = selectDestroy(g, req)
	case engine.OperationRefresh:
		sel = selectRefresh(g, req)
	default:
		sel = selectUpdate(g, req)
		if err := checkValidation(snapshot, sel); err != nil {
			return nil, err
		}
	}

	var phaseTypes []engine.PhaseType
	if req.Options.Refresh && req.Type != engine.OperationRefresh {
		phaseTypes = append(phaseTypes, engine.PhaseRefresh)
	}
	switch req.Type {
	case engine.OperationUpdate:
		phaseTypes = append(phaseTypes, engine.PhaseUpdate)
	case engine.OperationPreview:
		phaseTypes = append(phaseTypes, engine.PhasePreview)
	case engine.OperationDestroy:
		phaseTypes = append(phaseTypes, engine.PhaseDestroy)
	case engine.OperationRecreate:
		phaseTypes = append(phaseTypes, engine.PhaseDestroy, engine.PhaseUpdate)
	case engine.OperationRefresh:
		phaseTypes = append(phaseTypes, engine.PhaseRefresh)
	}

	for _, phaseType := range phaseTypes {
		phase, err := buildPhase(g, phaseType, sel)
		if err != nil {
			return nil, err
		}
		plan.Phases = append(plan.Phases, *phase)
	}

	p.logger.Info().
		Str("plan_id", plan.ID).
		Str("project_id", req.ProjectID).
		Str("type", string(req.Type)).
		Int("requested", len(req.InstanceIDs)).
		Int("selected", len(sel.order)).
		Int("phases", len(plan.Phases)).
		Msg("Plan built")

	return plan, nil
}

// selection is an insertion-ordered set of instance ids with messages.
type selection struct {
	order    []string
	messages map[string]string
}

func newSelection() *selection {
	return &selection{messages: make(map[string]string)}
}

func (s *selection) add(id, message string) bool {
	if _, ok := s.messages[id]; ok {
		return false
	}
	s.messages[id] = message
	s.order = append(s.order, id)
	return true
}

func (s *selection) has(id string) bool {
	_, ok := s.messages[id]
	return ok
}

func selectUpdate(g *graph, req Request) *selection {
	opts := req.Options
	sel := newSelection()
	visited := make(map[string]bool)
	var queue []string

	include := func(id, message string) {
		if sel.add(id, message) {
			visited[id] = true
			queue = append(queue, id)
		}
	}
	traverse := func(id string) {
		if !visited[id] {
			visited[id] = true
			queue = append(queue, id)
		}
	}

	wholeComposite := opts.ForceUpdateChildren || !opts.AllowPartialCompositeInstanceUpdate
	var includeDependency func(id, message string)
	includeDependency = func(id, message string) {
		include(id, message)
		if parent := g.parent(id); parent != "" && wholeComposite && g.substantive(parent) {
			includeDependency(parent, message)
		}
	}

	for _, id := range req.InstanceIDs {
		include(id, engine.MessageRequested)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if sel.has(id) && g.substantive(id) {
			for _, child := range g.children[id] {
				if opts.ForceUpdateChildren || g.staleness(child) != "" {
					include(child, engine.MessageChild)
				}
			}
		}

		if opts.IgnoreDependencies {
			continue
		}
		for _, dep := range g.deps[id] {
			if opts.ForceUpdateDependencies {
				includeDependency(dep, engine.MessageForced)
				continue
			}
			if reason := g.staleness(dep); reason != "" {
				includeDependency(dep, reason)
				continue
			}
			traverse(dep)
		}
	}
	return sel
}

func selectDestroy(g *graph, req Request) *selection {
	opts := req.Options
	sel := newSelection()
	var queue []string

	include := func(id, message string) {
		if sel.add(id, message) {
			queue = append(queue, id)
		}
	}
	includeAll := func(id, message string) {
		include(id, message)
		for _, child := range g.descendants(id) {
			include(child, engine.MessageChild)
		}
	}

	// explicit composites always take all their children with them
	for _, id := range req.InstanceIDs {
		includeAll(id, engine.MessageRequested)
	}

	if !opts.DestroyDependentInstances {
		return sel
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, dependent := range g.dependents[id] {
			if sel.has(dependent) || !g.deployed(dependent) {
				continue
			}
			if opts.AllowPartialCompositeInstanceDestruction {
				include(dependent, engine.MessageCascadingDestroy)
				continue
			}

			includeAll(dependent, engine.MessageCascadingDestroy)
			for parent := g.parent(dependent); parent != ""; parent = g.parent(parent) {
				includeAll(parent, engine.MessageCascadingDestroy)
			}
		}
	}
	return sel
}

func selectRefresh(g *graph, req Request) *selection {
	sel := newSelection()
	for _, id := range req.InstanceIDs {
		sel.add(id, engine.MessageRequested)
		for _, child := range g.descendants(id) {
			sel.add(child, engine.MessageChild)
		}
	}
	return sel
}

// checkValidation fails when a selected instance did not pass validation.
func checkValidation(snapshot *Snapshot, sel *selection) error {
	var invalid []string
	var lines []string
	for _, id := range sel.order {
		v, ok := snapshot.Validation[id]
		if !ok || v.OK() {
			continue
		}
		invalid = append(invalid, id)
		lines = append(lines, fmt.Sprintf("%s:\n%s", id, v.ErrorText))
	}
	if len(invalid) == 0 {
		return nil
	}
	return engine.NewPermanentError(
		fmt.Sprintf("%d selected instance(s) failed validation", len(invalid)),
		errors.New(strings.Join(lines, "\n")),
	).WithCode(engine.ErrCodeInvalidInstance).WithDetail("instances", invalid)
}

func buildPhase(g *graph, phaseType engine.PhaseType, sel *selection) (*engine.Phase, error) {
	waitsFor := phaseEdges(g, sel, phaseType.Reversed())

	levels, err := orderLevels(sel.order, waitsFor)
	if err != nil {
		return nil, err
	}

	phase := &engine.Phase{Type: phaseType}
	for _, level := range levels {
		for _, id := range level {
			hash := g.snapshot.Hashes[id]
			message := sel.messages[id]
			if phaseType == engine.PhaseRefresh && message != engine.MessageRequested {
				message = engine.MessageRefresh
			}
			phase.Instances = append(phase.Instances, engine.PhaseInstance{
				InstanceID:           id,
				ParentID:             g.parent(id),
				Message:              message,
				DependsOn:            waitsFor[id],
				InputHash:            hash.InputHash,
				DependencyOutputHash: hash.DependencyOutputHash,
				SelfHash:             hash.SelfHash,
			})
		}
	}
	return phase, nil
}
