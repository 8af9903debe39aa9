package config

import (
	"fmt"
	"strings"
	"time"
)

// DefaultFileName is the workspace configuration file looked up in a
// directory.
const DefaultFileName = "stratus.cue"

// Workspace is the decoded `workspace` block of stratus.cue. Relative paths
// are resolved against the directory holding the file.
type Workspace struct {
	// Name identifies the workspace in logs and telemetry.
	Name string `json:"name" validate:"required"`

	// LibraryPath is a CUE file or directory with entities and components.
	LibraryPath string `json:"libraryPath" validate:"required"`

	// ProjectsPath is the directory holding <project>.yaml files.
	ProjectsPath string `json:"projectsPath" validate:"required"`

	// StatePath is the SQLite database for instance states and operations.
	StatePath string `json:"statePath" validate:"required"`

	// Parallelism bounds concurrent instance applies within a phase.
	Parallelism int `json:"parallelism" validate:"min=1,max=256"`

	// CompositeTimeout bounds each top-level composite evaluation.
	CompositeTimeout time.Duration `json:"-" validate:"gt=0"`

	// PolicyPaths lists .rego/.json files or directories.
	PolicyPaths []string `json:"policyPaths" validate:"dive,required"`

	Telemetry TelemetrySettings `json:"telemetry"`

	// Dir is the directory the configuration was loaded from.
	Dir string `json:"-"`
}

// TelemetrySettings is the user-facing subset of telemetry.Config.
type TelemetrySettings struct {
	LogLevel  string          `json:"logLevel" validate:"oneof=debug info warn error"`
	LogFormat string          `json:"logFormat" validate:"oneof=console json"`
	Tracing   TracingSettings `json:"tracing"`
	Metrics   MetricsSettings `json:"metrics"`
}

// TracingSettings selects the span exporter.
type TracingSettings struct {
	Exporter   string  `json:"exporter" validate:"oneof=none otlp stdout"`
	Endpoint   string  `json:"endpoint" validate:"required_if=Exporter otlp"`
	SampleRate float64 `json:"sampleRate" validate:"min=0,max=1"`
}

// MetricsSettings enables the Prometheus endpoint when Address is set.
type MetricsSettings struct {
	Address string `json:"address" validate:"omitempty,hostname_port"`
}

// rawWorkspace mirrors the CUE document before durations are parsed.
type rawWorkspace struct {
	Workspace
	CompositeTimeout string `json:"compositeTimeout"`
}

// ValidationError is one problem found while loading the configuration.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError carries every problem found in a configuration.
type LoadError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid workspace configuration: " + e.Errors[0].Error()
	}
	lines := make([]string, 0, len(e.Errors)+1)
	lines = append(lines, fmt.Sprintf("invalid workspace configuration (%d errors):", len(e.Errors)))
	for _, ve := range e.Errors {
		lines = append(lines, "  "+ve.Error())
	}
	return strings.Join(lines, "\n")
}
