package engine

import (
	"encoding/json"
	"fmt"
)

// OperationType is the kind of operation requested for a set of instances.
type OperationType string

const (
	// OperationUpdate creates or updates the selected instances.
	OperationUpdate OperationType = "update"

	// OperationPreview computes what an update would do without writing state.
	OperationPreview OperationType = "preview"

	// OperationDestroy removes the selected instances.
	OperationDestroy OperationType = "destroy"

	// OperationRecreate destroys and then updates the selected instances.
	OperationRecreate OperationType = "recreate"

	// OperationRefresh re-reads the observed outputs of the selected instances.
	OperationRefresh OperationType = "refresh"
)

// IsDestructive returns true if the operation removes instances.
func (o OperationType) IsDestructive() bool {
	return o == OperationDestroy || o == OperationRecreate
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationUpdate, OperationPreview, OperationDestroy,
		OperationRecreate, OperationRefresh:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// PhaseType is the action a phase applies to its instances.
type PhaseType string

const (
	PhaseDestroy PhaseType = "destroy"
	PhasePreview PhaseType = "preview"
	PhaseUpdate  PhaseType = "update"
	PhaseRefresh PhaseType = "refresh"
)

// Reversed returns true if dependents run before their dependencies.
func (p PhaseType) Reversed() bool {
	return p == PhaseDestroy
}

// Validate checks if the phase type is valid.
func (p PhaseType) Validate() error {
	switch p {
	case PhaseDestroy, PhasePreview, PhaseUpdate, PhaseRefresh:
		return nil
	default:
		return fmt.Errorf("invalid phase type: %s", p)
	}
}

// OperationStatus is the lifecycle status of an operation.
type OperationStatus string

const (
	OperationStatusPending OperationStatus = "pending"
	OperationStatusRunning OperationStatus = "running"

	// OperationStatusFailing means at least one instance failed while others
	// are still being processed.
	OperationStatusFailing OperationStatus = "failing"

	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusFailed    OperationStatus = "failed"
	OperationStatusCancelled OperationStatus = "cancelled"
)

var operationTransitions = map[OperationStatus][]OperationStatus{
	OperationStatusPending: {OperationStatusRunning, OperationStatusFailed, OperationStatusCancelled},
	OperationStatusRunning: {OperationStatusFailing, OperationStatusCompleted, OperationStatusFailed, OperationStatusCancelled},
	OperationStatusFailing: {OperationStatusFailed, OperationStatusCancelled},
}

// IsTerminal returns true if the status represents a final state.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationStatusCompleted || s == OperationStatusFailed ||
		s == OperationStatusCancelled
}

// IsActive returns true if the operation is pending or running.
func (s OperationStatus) IsActive() bool {
	return !s.IsTerminal()
}

// CanTransitionTo reports whether next is a valid successor of s.
func (s OperationStatus) CanTransitionTo(next OperationStatus) bool {
	for _, allowed := range operationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next if the transition is valid.
func (s OperationStatus) Transition(next OperationStatus) (OperationStatus, error) {
	if !s.CanTransitionTo(next) {
		return s, NewPermanentError(fmt.Sprintf("invalid operation transition %s -> %s", s, next), nil).
			WithCode(ErrCodeInvalidTransition)
	}
	return next, nil
}

// Validate checks if the operation status is valid.
func (s OperationStatus) Validate() error {
	switch s {
	case OperationStatusPending, OperationStatusRunning, OperationStatusFailing,
		OperationStatusCompleted, OperationStatusFailed, OperationStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid operation status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s OperationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *OperationStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = OperationStatus(str)
	return s.Validate()
}

// InstanceOperationStatus is the status of one instance within a phase.
type InstanceOperationStatus string

const (
	InstanceOperationPending   InstanceOperationStatus = "pending"
	InstanceOperationRunning   InstanceOperationStatus = "running"
	InstanceOperationSucceeded InstanceOperationStatus = "succeeded"
	InstanceOperationFailed    InstanceOperationStatus = "failed"

	// InstanceOperationSkipped means a dependency failed or the schedule was
	// aborted before the instance started.
	InstanceOperationSkipped   InstanceOperationStatus = "skipped"
	InstanceOperationCancelled InstanceOperationStatus = "cancelled"
)

// IsTerminal returns true if the status represents a final state.
func (s InstanceOperationStatus) IsTerminal() bool {
	return s != InstanceOperationPending && s != InstanceOperationRunning
}

// EventType is the type of an operation event.
type EventType string

const (
	EventOperationStarted   EventType = "operation_started"
	EventOperationStatus    EventType = "operation_status"
	EventOperationCompleted EventType = "operation_completed"
	EventPhaseStarted       EventType = "phase_started"
	EventPhaseCompleted     EventType = "phase_completed"
	EventInstanceStarted    EventType = "instance_started"
	EventInstanceCompleted  EventType = "instance_completed"
	EventInstanceFailed     EventType = "instance_failed"
	EventInstanceSkipped    EventType = "instance_skipped"
	EventInstanceLog        EventType = "instance_log"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventInstanceFailed:
		return "error"
	case EventInstanceSkipped:
		return "warn"
	default:
		return "info"
	}
}
