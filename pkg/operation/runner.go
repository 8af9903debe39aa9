// Package operation executes plans. A Runner launches one goroutine per
// operation, runs its phases strictly in sequence and, inside a phase, applies
// instances level by level with bounded parallelism.
package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/stratus/pkg/engine"
	"github.com/openfroyo/stratus/pkg/model"
	"github.com/openfroyo/stratus/pkg/planner"
	"github.com/openfroyo/stratus/pkg/telemetry"
)

// DefaultParallelism bounds concurrent applies within a phase level.
const DefaultParallelism = 10

// Store is the persistence the runner needs.
type Store interface {
	engine.StateStore
	engine.OperationStore
	engine.EventStore
}

// PlanChecker vets a plan before it is launched. A non-nil error blocks the
// launch.
type PlanChecker interface {
	CheckPlan(ctx context.Context, plan *engine.Plan, req planner.Request) error
}

// Config configures a Runner.
type Config struct {
	// Parallelism bounds concurrent applies within a level. Zero uses
	// DefaultParallelism.
	Parallelism int `validate:"min=0"`

	// ApplyTimeout bounds a single instance apply. Zero means no limit.
	ApplyTimeout time.Duration `validate:"min=0"`
}

// LaunchRequest asks the runner to start an operation. Without a Plan, the
// request is planned against the snapshot first.
type LaunchRequest struct {
	Request planner.Request      `json:"request"`
	Meta    engine.OperationMeta `json:"meta"`
	Plan    *engine.Plan         `json:"plan,omitempty"`
}

// UnmarshalJSON keeps the default request options when data has no request
// key or the request has no options.
func (l *LaunchRequest) UnmarshalJSON(data []byte) error {
	type plain LaunchRequest
	p := plain{Request: planner.NewRequest()}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = LaunchRequest(p)
	return nil
}

// Runner launches and tracks operations.
type Runner struct {
	config    Config
	planner   *planner.Planner
	applier   engine.UnitApplier
	store     Store
	publisher engine.EventPublisher
	checker   PlanChecker
	tel       *telemetry.Telemetry
	validate  *validator.Validate
	logger    zerolog.Logger

	mu      sync.Mutex
	running map[string]*task
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures optional Runner collaborators.
type Option func(*Runner)

// WithPublisher fans events out to live subscribers.
func WithPublisher(p engine.EventPublisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithPlanChecker vets plans before launch.
func WithPlanChecker(c PlanChecker) Option {
	return func(r *Runner) { r.checker = c }
}

// WithTelemetry records metrics and spans.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(r *Runner) { r.tel = t }
}

// NewRunner creates a runner applying instances with applier.
func NewRunner(cfg Config, applier engine.UnitApplier, store Store, logger zerolog.Logger, opts ...Option) (*Runner, error) {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid runner config: %w", err)
	}
	if applier == nil || store == nil {
		return nil, errors.New("runner requires an applier and a store")
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = DefaultParallelism
	}

	componentLogger := logger.With().Str("component", "operation-runner").Logger()
	r := &Runner{
		config:   cfg,
		planner:  planner.New(logger),
		applier:  applier,
		store:    store,
		tel:      telemetry.Nop(),
		validate: v,
		logger:   componentLogger,
		running:  make(map[string]*task),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Launch plans (when needed) and starts an operation. It returns once the
// operation is persisted as pending; execution continues in the background.
func (r *Runner) Launch(ctx context.Context, req LaunchRequest, snapshot *planner.Snapshot) (*engine.Operation, error) {
	if err := r.validate.Struct(req.Meta); err != nil {
		return nil, engine.NewPermanentError("invalid launch request", err).WithCode(engine.ErrCodeValidation)
	}
	if err := r.planner.ValidateRequest(req.Request); err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, engine.NewPermanentError("snapshot is nil", nil).WithCode(engine.ErrCodeInternal)
	}

	plan := req.Plan
	if plan == nil {
		var err error
		plan, err = r.planner.Plan(ctx, req.Request, snapshot)
		if err != nil {
			return nil, err
		}
	} else if err := checkPlan(plan, req.Request, snapshot); err != nil {
		return nil, err
	}

	if r.checker != nil {
		if err := r.checker.CheckPlan(ctx, plan, req.Request); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	op := &engine.Operation{
		ID:        uuid.New().String(),
		ProjectID: req.Request.ProjectID,
		Type:      req.Request.Type,
		Status:    engine.OperationStatusPending,
		Meta:      req.Meta,
		Plan:      plan,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.SaveOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to save operation: %w", err)
	}
	for _, phase := range plan.Phases {
		for _, entry := range phase.Instances {
			io := &engine.InstanceOperation{
				OperationID: op.ID,
				InstanceID:  entry.InstanceID,
				Phase:       phase.Type,
				Status:      engine.InstanceOperationPending,
				Message:     entry.Message,
			}
			if err := r.store.SaveInstanceOperation(ctx, io); err != nil {
				return nil, fmt.Errorf("failed to save instance operation: %w", err)
			}
		}
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.running[op.ID] = t
	r.mu.Unlock()

	launched := *op
	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			r.mu.Lock()
			delete(r.running, op.ID)
			r.mu.Unlock()
		}()
		r.execute(execCtx, op, snapshot)
	}()

	return &launched, nil
}

// checkPlan rejects a supplied plan that does not fit the request or snapshot.
func checkPlan(plan *engine.Plan, req planner.Request, snapshot *planner.Snapshot) error {
	if plan.ProjectID != "" && plan.ProjectID != req.ProjectID {
		return engine.NewPermanentError("plan belongs to another project", nil).
			WithCode(engine.ErrCodeValidation).
			WithDetail("planProject", plan.ProjectID)
	}
	for _, phase := range plan.Phases {
		if err := phase.Type.Validate(); err != nil {
			return engine.NewPermanentError("malformed plan", err).WithCode(engine.ErrCodeValidation)
		}
		for _, entry := range phase.Instances {
			if _, ok := snapshot.Instances[entry.InstanceID]; !ok {
				return engine.NewPermanentError(fmt.Sprintf("instance %q not found", entry.InstanceID), nil).
					WithCode(engine.ErrCodeNotFound).
					WithInstance(entry.InstanceID)
			}
		}
		if _, err := planner.Levels(&phase); err != nil {
			return err
		}
	}
	return nil
}

// Cancel stops an in-flight operation. Instances not yet started are
// cancelled and in-flight applies see a cancelled context.
func (r *Runner) Cancel(operationID string) error {
	r.mu.Lock()
	t, ok := r.running[operationID]
	r.mu.Unlock()
	if !ok {
		return engine.NewPermanentError(fmt.Sprintf("operation %q is not running", operationID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithOperation(operationID)
	}
	t.cancel()
	return nil
}

// Wait blocks until the operation finishes and returns its final record.
func (r *Runner) Wait(ctx context.Context, operationID string) (*engine.Operation, error) {
	r.mu.Lock()
	t, ok := r.running[operationID]
	r.mu.Unlock()

	if ok {
		select {
		case <-t.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.store.GetOperation(ctx, operationID)
}

// Running returns the ids of in-flight operations.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels every in-flight operation and waits for them to stop.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	tasks := make([]*task, 0, len(r.running))
	for _, t := range r.running {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// execution is the mutable state of one running operation.
type execution struct {
	op       *engine.Operation
	snapshot *planner.Snapshot
	logger   zerolog.Logger

	mu sync.Mutex
	// blocked holds instances that failed or were skipped in any phase.
	blocked map[string]bool
	errs    *multierror.Error
	aborted bool
}

func (ex *execution) isBlocked(id string) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.blocked[id]
}

func (ex *execution) isAborted() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.aborted
}

func (r *Runner) execute(ctx context.Context, op *engine.Operation, snapshot *planner.Snapshot) {
	ex := &execution{
		op:       op,
		snapshot: snapshot,
		logger:   r.logger.With().Str("operation_id", op.ID).Str("project_id", op.ProjectID).Logger(),
		blocked:  make(map[string]bool),
	}
	// Persistence must outlive cancellation of the operation itself.
	storeCtx := context.WithoutCancel(ctx)

	ctx, span := r.tel.Tracer.StartOperationSpan(ctx, op.ID, string(op.Type))
	timer := telemetry.NewTimer()
	r.tel.Metrics.RecordOperationStarted(string(op.Type))

	r.setStatus(storeCtx, ex, engine.OperationStatusRunning)
	r.emit(storeCtx, &engine.Event{
		OperationID: op.ID,
		Type:        engine.EventOperationStarted,
		Message:     fmt.Sprintf("Operation %q started", op.Meta.Title),
	})
	ex.logger.Info().Str("type", string(op.Type)).Int("phases", len(op.Plan.Phases)).Msg("Operation started")

	var fatal error
	for i := range op.Plan.Phases {
		if ctx.Err() != nil || ex.isAborted() {
			r.skipPhase(storeCtx, ex, &op.Plan.Phases[i], ctx.Err() != nil)
			continue
		}
		if err := r.runPhase(ctx, storeCtx, ex, &op.Plan.Phases[i]); err != nil {
			fatal = err
			ex.mu.Lock()
			ex.aborted = true
			ex.errs = multierror.Append(ex.errs, err)
			ex.mu.Unlock()
		}
	}

	final := engine.OperationStatusCompleted
	switch {
	case ctx.Err() != nil:
		final = engine.OperationStatusCancelled
	case fatal != nil || op.Status == engine.OperationStatusFailing || ex.errs.ErrorOrNil() != nil:
		final = engine.OperationStatusFailed
	}

	if err := ex.errs.ErrorOrNil(); err != nil {
		op.Error = err.Error()
	}
	if final == engine.OperationStatusFailed && op.Status == engine.OperationStatusRunning {
		r.setStatus(storeCtx, ex, engine.OperationStatusFailing)
	}
	completed := time.Now().UTC()
	op.CompletedAt = &completed
	r.setStatus(storeCtx, ex, final)

	level := "info"
	if final != engine.OperationStatusCompleted {
		level = "error"
	}
	r.emit(storeCtx, &engine.Event{
		OperationID: op.ID,
		Type:        engine.EventOperationCompleted,
		Level:       level,
		Message:     fmt.Sprintf("Operation %s", final),
	})

	r.tel.Metrics.RecordOperationCompleted(string(final), timer.Duration())
	telemetry.EndSpan(span, ex.errs.ErrorOrNil())
	ex.logger.Info().Str("status", string(final)).Dur("duration", timer.Duration()).Msg("Operation finished")
}

// setStatus applies a validated transition and persists it.
func (r *Runner) setStatus(ctx context.Context, ex *execution, next engine.OperationStatus) {
	ex.mu.Lock()
	if ex.op.Status == next {
		ex.mu.Unlock()
		return
	}
	status, err := ex.op.Status.Transition(next)
	if err == nil {
		ex.op.Status = status
		ex.op.UpdatedAt = time.Now().UTC()
	}
	snapshot := *ex.op
	ex.mu.Unlock()

	if err != nil {
		ex.logger.Error().Err(err).Msg("Rejected operation status change")
		return
	}
	if err := r.store.SaveOperation(ctx, &snapshot); err != nil {
		ex.logger.Error().Err(err).Msg("Failed to save operation")
	}
	if next == engine.OperationStatusFailing {
		r.emit(ctx, &engine.Event{
			OperationID: ex.op.ID,
			Type:        engine.EventOperationStatus,
			Level:       "warn",
			Message:     "Operation failing",
		})
	}
}

func (r *Runner) runPhase(ctx, storeCtx context.Context, ex *execution, phase *engine.Phase) error {
	levels, err := planner.Levels(phase)
	if err != nil {
		return err
	}

	r.emit(storeCtx, &engine.Event{
		OperationID: ex.op.ID,
		Phase:       phase.Type,
		Type:        engine.EventPhaseStarted,
		Message:     fmt.Sprintf("Phase %s started with %d instances", phase.Type, len(phase.Instances)),
	})

	entries := make(map[string]engine.PhaseInstance, len(phase.Instances))
	for _, entry := range phase.Instances {
		entries[entry.InstanceID] = entry
	}

	var mu sync.Mutex
	succeeded := make(map[string]bool, len(entries))

	for _, level := range levels {
		var g errgroup.Group
		g.SetLimit(r.config.Parallelism)

		for _, id := range level {
			entry := entries[id]

			if ctx.Err() != nil {
				r.finishEntry(storeCtx, ex, phase.Type, entry, engine.InstanceOperationCancelled, "operation cancelled", nil)
				continue
			}
			if ex.isAborted() {
				r.skipEntry(storeCtx, ex, phase.Type, entry, "operation aborted")
				continue
			}
			if ex.isBlocked(id) {
				r.skipEntry(storeCtx, ex, phase.Type, entry, "failed in an earlier phase")
				continue
			}
			mu.Lock()
			var failedDep string
			for _, dep := range entry.DependsOn {
				if !succeeded[dep] {
					failedDep = dep
					break
				}
			}
			mu.Unlock()
			if failedDep != "" {
				r.skipEntry(storeCtx, ex, phase.Type, entry, fmt.Sprintf("dependency %s did not succeed", failedDep))
				continue
			}

			g.Go(func() error {
				if r.applyEntry(ctx, storeCtx, ex, phase.Type, entry) {
					mu.Lock()
					succeeded[entry.InstanceID] = true
					mu.Unlock()
				}
				return nil
			})
		}

		_ = g.Wait()
	}

	r.emit(storeCtx, &engine.Event{
		OperationID: ex.op.ID,
		Phase:       phase.Type,
		Type:        engine.EventPhaseCompleted,
		Message:     fmt.Sprintf("Phase %s completed", phase.Type),
	})
	return nil
}

// skipPhase closes out every entry of a phase that will not run.
func (r *Runner) skipPhase(ctx context.Context, ex *execution, phase *engine.Phase, cancelled bool) {
	for _, entry := range phase.Instances {
		if cancelled {
			r.finishEntry(ctx, ex, phase.Type, entry, engine.InstanceOperationCancelled, "operation cancelled", nil)
		} else {
			r.skipEntry(ctx, ex, phase.Type, entry, "operation aborted")
		}
	}
}

func (r *Runner) skipEntry(ctx context.Context, ex *execution, phase engine.PhaseType, entry engine.PhaseInstance, reason string) {
	ex.mu.Lock()
	ex.blocked[entry.InstanceID] = true
	ex.mu.Unlock()
	r.finishEntry(ctx, ex, phase, entry, engine.InstanceOperationSkipped, reason, nil)
}

// applyEntry applies one instance and records the outcome. It reports
// whether the apply succeeded.
func (r *Runner) applyEntry(ctx, storeCtx context.Context, ex *execution, phase engine.PhaseType, entry engine.PhaseInstance) bool {
	id := entry.InstanceID
	logger := ex.logger.With().Str("instance_id", id).Str("phase", string(phase)).Logger()

	started := time.Now().UTC()
	r.saveInstanceOperation(storeCtx, ex, &engine.InstanceOperation{
		OperationID: ex.op.ID,
		InstanceID:  id,
		Phase:       phase,
		Status:      engine.InstanceOperationRunning,
		Message:     entry.Message,
		StartedAt:   &started,
	})
	r.emit(storeCtx, &engine.Event{
		OperationID: ex.op.ID,
		InstanceID:  id,
		Phase:       phase,
		Type:        engine.EventInstanceStarted,
		Message:     fmt.Sprintf("%s %s (%s)", phase, id, entry.Message),
	})

	state, err := r.store.GetInstanceState(storeCtx, ex.op.ProjectID, id)
	if err != nil {
		return r.failEntry(storeCtx, ex, phase, entry, &started, fmt.Errorf("failed to read state: %w", err), nil)
	}

	inst := ex.snapshot.Instances[id]
	var component *model.Component
	if inst != nil {
		component, _ = ex.snapshot.Library.Component(inst.Type)
	}

	applyCtx, span := r.tel.Tracer.StartApplySpan(ctx, ex.op.ID, id, string(phase))
	if r.config.ApplyTimeout > 0 {
		var cancel context.CancelFunc
		applyCtx, cancel = context.WithTimeout(applyCtx, r.config.ApplyTimeout)
		defer cancel()
	}

	timer := telemetry.NewTimer()
	result, applyErr := r.applier.Apply(applyCtx, engine.ApplyRequest{
		OperationID: ex.op.ID,
		Phase:       phase,
		Instance:    inst,
		Component:   component,
		State:       state,
		Entry:       entry,
		Log: func(level, message string) {
			r.emit(storeCtx, &engine.Event{
				OperationID: ex.op.ID,
				InstanceID:  id,
				Phase:       phase,
				Type:        engine.EventInstanceLog,
				Level:       level,
				Message:     message,
			})
		},
	})
	telemetry.EndSpan(span, applyErr)

	if applyErr == nil {
		applyErr = r.writeState(storeCtx, ex.op, phase, entry, state, result)
	}
	if applyErr != nil {
		status := "failed"
		if ctx.Err() != nil {
			status = "cancelled"
		}
		r.tel.Metrics.RecordInstanceApply(string(phase), status, timer.Duration())
		logger.Warn().Err(applyErr).Msg("Instance apply failed")
		if ctx.Err() != nil {
			r.finishEntry(storeCtx, ex, phase, entry, engine.InstanceOperationCancelled, "operation cancelled", &started)
			return false
		}
		return r.failEntry(storeCtx, ex, phase, entry, &started, applyErr, state)
	}

	r.tel.Metrics.RecordInstanceApply(string(phase), "succeeded", timer.Duration())
	logger.Debug().Dur("duration", timer.Duration()).Msg("Instance applied")
	r.finishEntry(storeCtx, ex, phase, entry, engine.InstanceOperationSucceeded, entry.Message, &started)
	return true
}

// writeState records the post-apply state of a successful apply.
func (r *Runner) writeState(ctx context.Context, op *engine.Operation, phase engine.PhaseType, entry engine.PhaseInstance, prior *model.InstanceState, result *engine.ApplyResult) error {
	if result == nil {
		result = &engine.ApplyResult{}
	}

	switch phase {
	case engine.PhaseUpdate:
		state := &model.InstanceState{
			ID:                   entry.InstanceID,
			Status:               model.InstanceStatusDeployed,
			InputHash:            entry.InputHash,
			DependencyOutputHash: entry.DependencyOutputHash,
			SelfHash:             entry.SelfHash,
			OutputHash:           result.OutputHash,
			LastOperationID:      op.ID,
		}
		if prior != nil {
			state.InputHashNonce = prior.InputHashNonce
			state.SecretNames = prior.SecretNames
		}
		return r.store.PutInstanceState(ctx, op.ProjectID, state)

	case engine.PhaseDestroy:
		return r.store.DeleteInstanceState(ctx, op.ProjectID, entry.InstanceID)

	case engine.PhaseRefresh:
		if prior == nil {
			return nil
		}
		refreshed := *prior
		refreshed.OutputHash = result.OutputHash
		refreshed.LastOperationID = op.ID
		return r.store.PutInstanceState(ctx, op.ProjectID, &refreshed)
	}

	return nil
}

func (r *Runner) failEntry(ctx context.Context, ex *execution, phase engine.PhaseType, entry engine.PhaseInstance, started *time.Time, cause error, prior *model.InstanceState) bool {
	err := engine.NewPermanentError(fmt.Sprintf("%s failed", phase), cause).
		WithCode(engine.ErrCodeApplyFailed).
		WithInstance(entry.InstanceID).
		WithOperation(ex.op.ID)

	ex.mu.Lock()
	ex.blocked[entry.InstanceID] = true
	ex.errs = multierror.Append(ex.errs, err)
	if ex.op.Plan.Options.ForceDeleteState {
		ex.aborted = true
	}
	ex.mu.Unlock()

	switch {
	case phase == engine.PhaseDestroy && ex.op.Plan.Options.ForceDeleteState:
		if delErr := r.store.DeleteInstanceState(ctx, ex.op.ProjectID, entry.InstanceID); delErr != nil {
			ex.logger.Error().Err(delErr).Str("instance_id", entry.InstanceID).Msg("Failed to force delete state")
		}
	case phase == engine.PhaseUpdate:
		failed := &model.InstanceState{ID: entry.InstanceID, LastOperationID: ex.op.ID}
		if prior != nil {
			*failed = *prior
			failed.LastOperationID = ex.op.ID
		}
		failed.Status = model.InstanceStatusFailed
		if putErr := r.store.PutInstanceState(ctx, ex.op.ProjectID, failed); putErr != nil {
			ex.logger.Error().Err(putErr).Str("instance_id", entry.InstanceID).Msg("Failed to record failed state")
		}
	}

	r.finishEntry(ctx, ex, phase, entry, engine.InstanceOperationFailed, cause.Error(), started)
	r.setStatus(ctx, ex, engine.OperationStatusFailing)
	return false
}

// finishEntry persists a terminal instance status and emits its event.
func (r *Runner) finishEntry(ctx context.Context, ex *execution, phase engine.PhaseType, entry engine.PhaseInstance, status engine.InstanceOperationStatus, message string, started *time.Time) {
	completed := time.Now().UTC()
	io := &engine.InstanceOperation{
		OperationID: ex.op.ID,
		InstanceID:  entry.InstanceID,
		Phase:       phase,
		Status:      status,
		Message:     entry.Message,
		StartedAt:   started,
		CompletedAt: &completed,
	}

	eventType := engine.EventInstanceCompleted
	switch status {
	case engine.InstanceOperationFailed:
		io.Error = message
		eventType = engine.EventInstanceFailed
	case engine.InstanceOperationSkipped, engine.InstanceOperationCancelled:
		io.Error = message
		eventType = engine.EventInstanceSkipped
	}
	r.saveInstanceOperation(ctx, ex, io)

	data, _ := json.Marshal(map[string]string{"status": string(status)})
	r.emit(ctx, &engine.Event{
		OperationID: ex.op.ID,
		InstanceID:  entry.InstanceID,
		Phase:       phase,
		Type:        eventType,
		Message:     message,
		Data:        data,
	})
}

func (r *Runner) saveInstanceOperation(ctx context.Context, ex *execution, io *engine.InstanceOperation) {
	if err := r.store.SaveInstanceOperation(ctx, io); err != nil {
		ex.logger.Error().Err(err).Str("instance_id", io.InstanceID).Msg("Failed to save instance operation")
	}
}

// emit appends an event to the store and fans it out to subscribers.
func (r *Runner) emit(ctx context.Context, event *engine.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	if err := r.store.AppendEvent(ctx, event); err != nil {
		r.logger.Error().Err(err).Str("operation_id", event.OperationID).Msg("Failed to append event")
	}
	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, event); err != nil {
			r.logger.Warn().Err(err).Str("operation_id", event.OperationID).Msg("Failed to publish event")
		}
	}
}
