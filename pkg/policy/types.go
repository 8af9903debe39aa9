package policy

import (
	"time"

	"github.com/openfroyo/stratus/pkg/engine"
	"github.com/openfroyo/stratus/pkg/planner"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo indicates an informational finding.
	SeverityInfo Severity = "info"
	// SeverityWarning indicates a finding that is reported but does not block.
	SeverityWarning Severity = "warning"
	// SeverityError indicates a violation that blocks the operation.
	SeverityError Severity = "error"
	// SeverityCritical indicates a violation that blocks the operation.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether violations of this severity prevent a launch.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy is a Rego module evaluated against every plan. The module must
// define a `deny` set whose members are objects with a `message` and
// optionally `severity` and `instance`.
type Policy struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Rego        string            `json:"rego"`
	Severity    Severity          `json:"severity"`
	Enabled     bool              `json:"enabled"`
	Builtin     bool              `json:"builtin,omitempty"`
	Source      string            `json:"source,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Violation is one member of a policy's deny set.
type Violation struct {
	Policy     string         `json:"policy"`
	InstanceID string         `json:"instanceId,omitempty"`
	Message    string         `json:"message"`
	Severity   Severity       `json:"severity"`
	Details    map[string]any `json:"details,omitempty"`
}

// Result is the outcome of evaluating all enabled policies against a plan.
type Result struct {
	// Allowed is false when any violation blocks the operation.
	Allowed bool `json:"allowed"`

	Violations        []Violation   `json:"violations"`
	EvaluatedPolicies []string      `json:"evaluatedPolicies"`
	EvaluatedAt       time.Time     `json:"evaluatedAt"`
	Duration          time.Duration `json:"duration"`
}

// Blocking returns the violations that prevent the launch.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocks() {
			out = append(out, v)
		}
	}
	return out
}

// BySeverity returns the violations with the given severity.
func (r *Result) BySeverity(s Severity) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == s {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies see as `input`.
type Input struct {
	Plan    *engine.Plan    `json:"plan"`
	Request planner.Request `json:"request"`
}
