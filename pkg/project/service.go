package project

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/stratus/pkg/composite"
	"github.com/openfroyo/stratus/pkg/engine"
	"github.com/openfroyo/stratus/pkg/model"
	"github.com/openfroyo/stratus/pkg/resolvers"
	"github.com/openfroyo/stratus/pkg/telemetry"
)

// Service holds the loaded projects of a workspace and the current library.
// Mutations of one project are serialized by a per-project lock and bump its
// revision; resolutions are cached per revision.
type Service struct {
	dir       string
	states    engine.StateStore
	schemas   *resolvers.SchemaValidator
	evaluator *composite.Evaluator
	tel       *telemetry.Telemetry
	logger    zerolog.Logger

	mu              sync.RWMutex
	library         *model.Library
	libraryRevision int64
	projects        map[string]*entry

	group singleflight.Group
}

type entry struct {
	mu       sync.Mutex
	project  *model.Project
	revision int64
	cached   *Resolution
}

// Option configures a Service.
type Option func(*Service)

// WithTelemetry records resolver metrics and spans.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Service) { s.tel = tel }
}

// WithCompositeTimeout bounds each top-level composite evaluation.
func WithCompositeTimeout(d time.Duration) Option {
	return func(s *Service) { s.evaluator = composite.NewEvaluator(d, s.logger) }
}

// WithSchemaValidator shares a compiled schema cache, e.g. with the library
// loader.
func WithSchemaValidator(v *resolvers.SchemaValidator) Option {
	return func(s *Service) { s.schemas = v }
}

// NewService creates a service. dir is the projects directory; an empty dir
// keeps projects in memory only. states may be nil, in which case every
// instance is treated as never deployed.
func NewService(dir string, library *model.Library, states engine.StateStore, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		dir:      dir,
		states:   states,
		tel:      telemetry.Nop(),
		logger:   logger.With().Str("component", "project-service").Logger(),
		library:  library,
		projects: make(map[string]*entry),
	}
	s.evaluator = composite.NewEvaluator(composite.DefaultTimeout, s.logger)
	for _, opt := range opts {
		opt(s)
	}
	if s.schemas == nil {
		s.schemas = resolvers.NewSchemaValidator()
	}
	return s
}

// Library returns the current library.
func (s *Service) Library() *model.Library {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.library
}

// SetLibrary swaps the library. Cached resolutions of every project become
// stale.
func (s *Service) SetLibrary(library *model.Library) {
	s.mu.Lock()
	s.library = library
	s.libraryRevision++
	s.mu.Unlock()

	s.logger.Info().Str("library_id", library.ID).Msg("Library replaced")
}

func (s *Service) currentLibrary() (*model.Library, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.library, s.libraryRevision
}

// Add registers a project. It fails if a project with the same id exists.
func (s *Service) Add(p *model.Project) error {
	p = p.Clone()
	if err := p.Normalize(); err != nil {
		return engine.NewPermanentError("invalid project", err).WithCode(engine.ErrCodeValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[p.ID]; exists {
		return engine.NewPermanentError(fmt.Sprintf("project %s already exists", p.ID), nil).WithCode(engine.ErrCodeAlreadyExists)
	}
	s.projects[p.ID] = &entry{project: p, revision: 1}
	return nil
}

// ProjectIDs lists loaded projects and, when a directory is configured, the
// project files in it.
func (s *Service) ProjectIDs() ([]string, error) {
	set := make(map[string]struct{})
	s.mu.RLock()
	for id := range s.projects {
		set[id] = struct{}{}
	}
	s.mu.RUnlock()

	if s.dir != "" {
		ids, err := ListFiles(s.dir)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Project returns a copy of the project and its revision.
func (s *Service) Project(projectID string) (*model.Project, int64, error) {
	e, err := s.entry(projectID)
	if err != nil {
		return nil, 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.project.Clone(), e.revision, nil
}

// entry returns the loaded project, reading its file on first use.
func (s *Service) entry(projectID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.projects[projectID]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	if s.dir == "" {
		return nil, notFound("project", projectID)
	}
	path := s.path(projectID)
	p, err := LoadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound("project", projectID)
		}
		return nil, err
	}
	if p.ID != projectID {
		return nil, engine.NewPermanentError(fmt.Sprintf("project file %s declares id %s", path, p.ID), nil).WithCode(engine.ErrCodeValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.projects[projectID]; ok {
		return e, nil
	}
	e = &entry{project: p, revision: 1}
	s.projects[projectID] = e
	s.logger.Debug().Str("project_id", projectID).Str("path", path).Msg("Project loaded")
	return e, nil
}

func (s *Service) path(projectID string) string {
	return filepath.Join(s.dir, projectID+FileExt)
}

// mutate runs fn under the project lock on a working copy. The copy replaces
// the project only if fn succeeds and the result normalizes; the file is
// then rewritten.
func (s *Service) mutate(ctx context.Context, projectID string, fn func(p *model.Project) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := s.entry(projectID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.project.Clone()
	if err := fn(working); err != nil {
		return err
	}
	if err := working.Normalize(); err != nil {
		return engine.NewPermanentError("invalid project", err).WithCode(engine.ErrCodeValidation)
	}
	if s.dir != "" {
		if err := SaveFile(s.path(projectID), working); err != nil {
			return err
		}
	}

	e.project = working
	e.revision++
	e.cached = nil

	s.logger.Debug().
		Str("project_id", projectID).
		Int64("revision", e.revision).
		Msg("Project updated")
	return nil
}

// CreateInstance adds an instance. Its id is derived from type and name.
func (s *Service) CreateInstance(ctx context.Context, projectID string, inst *model.Instance) (*model.Instance, error) {
	inst = inst.Clone()
	inst.ID = model.InstanceID(inst.Type, inst.Name)

	err := s.mutate(ctx, projectID, func(p *model.Project) error {
		if findInstance(p, inst.ID) >= 0 {
			return engine.NewPermanentError(fmt.Sprintf("instance %s already exists", inst.ID), nil).
				WithCode(engine.ErrCodeAlreadyExists).WithInstance(inst.ID)
		}
		p.Instances = append(p.Instances, inst)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// UpdateInstance applies fn to a copy of the instance. fn may change args,
// inputs and hub inputs but not the type or name.
func (s *Service) UpdateInstance(ctx context.Context, projectID, instanceID string, fn func(*model.Instance) error) (*model.Instance, error) {
	var updated *model.Instance
	err := s.mutate(ctx, projectID, func(p *model.Project) error {
		idx := findInstance(p, instanceID)
		if idx < 0 {
			return notFound("instance", instanceID)
		}
		inst := p.Instances[idx]
		if err := fn(inst); err != nil {
			return err
		}
		if model.InstanceID(inst.Type, inst.Name) != instanceID {
			return engine.NewPermanentError("type and name cannot be changed by an update; use rename", nil).
				WithCode(engine.ErrCodeValidation).WithInstance(instanceID)
		}
		updated = inst.Clone()
		return nil
	})
	return updated, err
}

// RenameInstance changes the name of an instance. References from other
// instances and hubs follow, and the recorded state moves to the new id.
func (s *Service) RenameInstance(ctx context.Context, projectID, instanceID, newName string) (*model.Instance, error) {
	var renamed *model.Instance
	err := s.mutate(ctx, projectID, func(p *model.Project) error {
		idx := findInstance(p, instanceID)
		if idx < 0 {
			return notFound("instance", instanceID)
		}
		inst := p.Instances[idx]
		newID := model.InstanceID(inst.Type, newName)
		if newID == instanceID {
			renamed = inst.Clone()
			return nil
		}
		if findInstance(p, newID) >= 0 {
			return engine.NewPermanentError(fmt.Sprintf("instance %s already exists", newID), nil).
				WithCode(engine.ErrCodeAlreadyExists).WithInstance(newID)
		}

		inst.Name = newName
		inst.ID = newID
		rewriteReferences(p, instanceID, newID)
		renamed = inst.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if renamed.ID != instanceID {
		if err := s.moveState(ctx, projectID, instanceID, renamed.ID); err != nil {
			return nil, err
		}
	}
	return renamed, nil
}

// DeleteInstance removes an instance and every reference to it. The state
// store is not touched; destroying the backend resources is an operation.
func (s *Service) DeleteInstance(ctx context.Context, projectID, instanceID string) error {
	return s.mutate(ctx, projectID, func(p *model.Project) error {
		idx := findInstance(p, instanceID)
		if idx < 0 {
			return notFound("instance", instanceID)
		}
		p.Instances = append(p.Instances[:idx], p.Instances[idx+1:]...)
		rewriteReferences(p, instanceID, "")
		return nil
	})
}

// CreateHub adds a hub.
func (s *Service) CreateHub(ctx context.Context, projectID string, hub *model.Hub) error {
	h := *hub
	return s.mutate(ctx, projectID, func(p *model.Project) error {
		if h.ID == "" {
			return engine.NewPermanentError("hub must have an id", nil).WithCode(engine.ErrCodeValidation)
		}
		if findHub(p, h.ID) >= 0 {
			return engine.NewPermanentError(fmt.Sprintf("hub %s already exists", h.ID), nil).WithCode(engine.ErrCodeAlreadyExists)
		}
		p.Hubs = append(p.Hubs, &h)
		return nil
	})
}

// DeleteHub removes a hub and every hub input or injection referencing it.
func (s *Service) DeleteHub(ctx context.Context, projectID, hubID string) error {
	return s.mutate(ctx, projectID, func(p *model.Project) error {
		idx := findHub(p, hubID)
		if idx < 0 {
			return notFound("hub", hubID)
		}
		p.Hubs = append(p.Hubs[:idx], p.Hubs[idx+1:]...)
		removeHubReferences(p, hubID)
		return nil
	})
}

func (s *Service) moveState(ctx context.Context, projectID, from, to string) error {
	if s.states == nil {
		return nil
	}
	state, err := s.states.GetInstanceState(ctx, projectID, from)
	if err != nil {
		return fmt.Errorf("failed to read state of %s: %w", from, err)
	}
	if state == nil {
		return nil
	}

	moved := *state
	moved.ID = to
	if err := s.states.PutInstanceState(ctx, projectID, &moved); err != nil {
		return fmt.Errorf("failed to write state of %s: %w", to, err)
	}
	if err := s.states.DeleteInstanceState(ctx, projectID, from); err != nil {
		return fmt.Errorf("failed to delete state of %s: %w", from, err)
	}
	return nil
}

func findInstance(p *model.Project, id string) int {
	for i, inst := range p.Instances {
		if inst.ID == id {
			return i
		}
	}
	return -1
}

func findHub(p *model.Project, id string) int {
	for i, hub := range p.Hubs {
		if hub.ID == id {
			return i
		}
	}
	return -1
}

// rewriteReferences points references to from at to, or drops them when to
// is empty.
func rewriteReferences(p *model.Project, from, to string) {
	rewrite := func(refs []model.InstanceInput) []model.InstanceInput {
		out := refs[:0]
		for _, ref := range refs {
			if ref.InstanceID == from {
				if to == "" {
					continue
				}
				ref.InstanceID = to
			}
			out = append(out, ref)
		}
		return out
	}

	for _, inst := range p.Instances {
		for slot, refs := range inst.Inputs {
			inst.Inputs[slot] = rewrite(refs)
			if len(inst.Inputs[slot]) == 0 {
				delete(inst.Inputs, slot)
			}
		}
	}
	for _, hub := range p.Hubs {
		hub.Inputs = rewrite(hub.Inputs)
	}
}

func removeHubReferences(p *model.Project, hubID string) {
	drop := func(refs []model.HubInput) []model.HubInput {
		out := refs[:0]
		for _, ref := range refs {
			if ref.HubID != hubID {
				out = append(out, ref)
			}
		}
		return out
	}

	for _, inst := range p.Instances {
		for slot, refs := range inst.HubInputs {
			inst.HubInputs[slot] = drop(refs)
			if len(inst.HubInputs[slot]) == 0 {
				delete(inst.HubInputs, slot)
			}
		}
		inst.InjectionInputs = drop(inst.InjectionInputs)
	}
	for _, hub := range p.Hubs {
		hub.InjectionInputs = drop(hub.InjectionInputs)
	}
}

func notFound(kind, id string) *engine.EngineError {
	return engine.NewPermanentError(fmt.Sprintf("%s %s not found", kind, id), nil).WithCode(engine.ErrCodeNotFound)
}
