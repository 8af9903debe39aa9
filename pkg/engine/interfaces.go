package engine

import (
	"context"

	"github.com/openfroyo/stratus/pkg/model"
)

// UnitApplier performs the backend work for one instance of a phase. The
// deployment engine itself lives outside this module.
type UnitApplier interface {
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error)
}

// UnitApplierFunc adapts a function to UnitApplier.
type UnitApplierFunc func(ctx context.Context, req ApplyRequest) (*ApplyResult, error)

// Apply calls f.
func (f UnitApplierFunc) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	return f(ctx, req)
}

// StateStore persists the last-applied state of instances.
type StateStore interface {
	// GetInstanceStates returns the states of a project keyed by instance id.
	GetInstanceStates(ctx context.Context, projectID string) (map[string]*model.InstanceState, error)

	// GetInstanceState returns nil and no error if no state exists.
	GetInstanceState(ctx context.Context, projectID, instanceID string) (*model.InstanceState, error)

	PutInstanceState(ctx context.Context, projectID string, state *model.InstanceState) error

	DeleteInstanceState(ctx context.Context, projectID, instanceID string) error
}

// OperationStore persists operations and their per-instance progress.
type OperationStore interface {
	SaveOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, id string) (*Operation, error)
	ListOperations(ctx context.Context, projectID string, limit int) ([]*Operation, error)

	SaveInstanceOperation(ctx context.Context, io *InstanceOperation) error
	ListInstanceOperations(ctx context.Context, operationID string) ([]*InstanceOperation, error)
}

// EventStore is the append-only operation log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error

	// ListEvents returns the events of an operation in append order. An empty
	// instanceID returns all events.
	ListEvents(ctx context.Context, operationID, instanceID string) ([]*Event, error)
}

// EventPublisher fans out operation events to live subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}
