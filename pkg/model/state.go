package model

import (
	"fmt"
	"time"
)

// InstanceStatus is the persisted deployment status of an instance.
type InstanceStatus string

const (
	// InstanceStatusUndeployed means nothing has been applied yet, or it was destroyed.
	InstanceStatusUndeployed InstanceStatus = "undeployed"

	// InstanceStatusDeployed means the last apply succeeded.
	InstanceStatusDeployed InstanceStatus = "deployed"

	// InstanceStatusFailed means the last apply failed.
	InstanceStatusFailed InstanceStatus = "failed"
)

// Validate checks if the status is valid.
func (s InstanceStatus) Validate() error {
	switch s {
	case InstanceStatusUndeployed, InstanceStatusDeployed, InstanceStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid instance status: %s", s)
	}
}

// InstanceState is the last-applied snapshot of an instance.
type InstanceState struct {
	ID             string         `json:"id"`
	Status         InstanceStatus `json:"status"`
	InputHashNonce *int32         `json:"inputHashNonce,omitempty"`
	OutputHash     uint32         `json:"outputHash"`
	SecretNames    []string       `json:"secretNames,omitempty"`

	// Hashes recorded by the last successful apply.
	InputHash            uint32 `json:"inputHash"`
	DependencyOutputHash uint32 `json:"dependencyOutputHash"`
	SelfHash             uint32 `json:"selfHash"`

	LastOperationID string    `json:"lastOperationId,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// HasSecret reports whether a secret value is stored for the instance.
func (s *InstanceState) HasSecret(name string) bool {
	if s == nil {
		return false
	}
	for _, n := range s.SecretNames {
		if n == name {
			return true
		}
	}
	return false
}

// IsDeployed reports whether the instance currently exists in the backend.
func (s *InstanceState) IsDeployed() bool {
	return s != nil && s.Status != InstanceStatusUndeployed && s.Status != ""
}
