package engine

import (
	"encoding/json"
	"time"

	"github.com/openfroyo/stratus/pkg/model"
)

// Plan is the ordered list of phases an operation executes.
type Plan struct {
	ID        string                 `json:"id"`
	ProjectID string                 `json:"projectId"`
	Type      OperationType          `json:"type"`
	Options   model.OperationOptions `json:"options"`
	Phases    []Phase                `json:"phases"`
	CreatedAt time.Time              `json:"createdAt"`
}

// InstanceIDs returns the ids selected by any phase, in first-seen order.
func (p *Plan) InstanceIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, phase := range p.Phases {
		for _, entry := range phase.Instances {
			if !seen[entry.InstanceID] {
				seen[entry.InstanceID] = true
				ids = append(ids, entry.InstanceID)
			}
		}
	}
	return ids
}

// Phase returns the first phase of the given type.
func (p *Plan) Phase(phaseType PhaseType) (*Phase, bool) {
	for i := range p.Phases {
		if p.Phases[i].Type == phaseType {
			return &p.Phases[i], true
		}
	}
	return nil, false
}

// Phase is a set of instances processed with the same action. Instances are
// stored in execution order.
type Phase struct {
	Type      PhaseType       `json:"type"`
	Instances []PhaseInstance `json:"instances"`
}

// Contains reports whether the phase selects the instance.
func (p *Phase) Contains(instanceID string) bool {
	for _, entry := range p.Instances {
		if entry.InstanceID == instanceID {
			return true
		}
	}
	return false
}

// PhaseInstance is one selected instance of a phase.
type PhaseInstance struct {
	InstanceID string `json:"instanceId"`
	ParentID   string `json:"parentId,omitempty"`

	// Message explains why the instance was selected.
	Message string `json:"message"`

	// DependsOn lists the in-phase entries that must finish first.
	DependsOn []string `json:"dependsOn,omitempty"`

	// Hashes the instance is planned with. Recorded on a successful update.
	InputHash            uint32 `json:"inputHash"`
	DependencyOutputHash uint32 `json:"dependencyOutputHash"`
	SelfHash             uint32 `json:"selfHash"`
}

// Selection messages.
const (
	MessageRequested        = "explicitly requested"
	MessageForced           = "forced"
	MessageOutOfDate        = "out of date"
	MessageDependency       = "dependency changed"
	MessageChild            = "child of composite"
	MessageCascadingDestroy = "cascading destroy"
	MessageRefresh          = "refresh"
)

// OperationMeta describes an operation to humans.
type OperationMeta struct {
	Title       string `json:"title" yaml:"title" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Operation is the persisted record of a launched plan.
type Operation struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"projectId"`
	Type        OperationType   `json:"type"`
	Status      OperationStatus `json:"status"`
	Meta        OperationMeta   `json:"meta"`
	Plan        *Plan           `json:"plan"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// InstanceOperation is the per-phase progress of one instance.
type InstanceOperation struct {
	OperationID string                  `json:"operationId"`
	InstanceID  string                  `json:"instanceId"`
	Phase       PhaseType               `json:"phase"`
	Status      InstanceOperationStatus `json:"status"`
	Message     string                  `json:"message,omitempty"`
	Error       string                  `json:"error,omitempty"`
	StartedAt   *time.Time              `json:"startedAt,omitempty"`
	CompletedAt *time.Time              `json:"completedAt,omitempty"`
}

// Event is an append-only log entry of an operation.
type Event struct {
	ID          string          `json:"id"`
	OperationID string          `json:"operationId"`
	InstanceID  string          `json:"instanceId,omitempty"`
	Phase       PhaseType       `json:"phase,omitempty"`
	Type        EventType       `json:"type"`
	Level       string          `json:"level"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ApplyRequest asks a UnitApplier to process one instance of a phase.
type ApplyRequest struct {
	OperationID string
	Phase       PhaseType
	Instance    *model.Instance
	Component   *model.Component
	State       *model.InstanceState
	Entry       PhaseInstance

	// Log appends an instance log line to the operation event stream.
	Log func(level, message string)
}

// ApplyResult is what the applier observed after processing an instance.
type ApplyResult struct {
	OutputHash uint32
	Outputs    map[string]any
}
