package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/stratus/pkg/telemetry"
)

const schemaFilename = "schema.cue"

// Parser decodes stratus.cue files against the built-in workspace schema.
type Parser struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewParser creates a parser with the compiled workspace schema.
func NewParser() *Parser {
	ctx := cuecontext.New()
	schema := ctx.CompileString(workspaceSchema, cue.Filename(schemaFilename))
	if err := schema.Err(); err != nil {
		panic(fmt.Sprintf("invalid built-in workspace schema: %v", err))
	}
	return &Parser{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#Workspace")),
		validator: validator.New(),
	}
}

// Load reads the workspace configuration. path may be the file itself or the
// directory holding stratus.cue.
func Load(path string) (*Workspace, error) {
	return NewParser().Load(path)
}

// Load reads and validates a configuration file.
func (p *Parser) Load(path string) (*Workspace, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}
	if info.IsDir() {
		path = filepath.Join(path, DefaultFileName)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	return p.Parse(string(content), abs)
}

// Parse decodes configuration content. filename is used in error positions
// and as the base for relative paths.
func (p *Parser) Parse(content, filename string) (*Workspace, error) {
	val := p.ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err)}
	}

	block := val.LookupPath(cue.ParsePath("workspace"))
	if !block.Exists() {
		return nil, &LoadError{Errors: []ValidationError{{File: filename, Message: "missing workspace block"}}}
	}

	unified := p.schema.Unify(block)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err)}
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err)}
	}

	var raw rawWorkspace
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode workspace: %w", err)
	}

	ws := raw.Workspace
	ws.CompositeTimeout, err = time.ParseDuration(raw.CompositeTimeout)
	if err != nil {
		return nil, &LoadError{Errors: []ValidationError{{
			File:    filename,
			Path:    "workspace.compositeTimeout",
			Message: err.Error(),
		}}}
	}

	if err := p.validator.Struct(ws); err != nil {
		return nil, &LoadError{Errors: convertValidatorErrors(filename, err)}
	}

	ws.Dir = filepath.Dir(filename)
	ws.resolvePaths()
	return &ws, nil
}

func (w *Workspace) resolvePaths() {
	w.LibraryPath = w.resolve(w.LibraryPath)
	w.ProjectsPath = w.resolve(w.ProjectsPath)
	w.StatePath = w.resolve(w.StatePath)
	for i, path := range w.PolicyPaths {
		w.PolicyPaths[i] = w.resolve(path)
	}
}

func (w *Workspace) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || w.Dir == "" {
		return path
	}
	return filepath.Join(w.Dir, path)
}

// ProjectFile returns the YAML file for a project id.
func (w *Workspace) ProjectFile(projectID string) string {
	return filepath.Join(w.ProjectsPath, projectID+".yaml")
}

// TelemetryConfig maps the workspace settings onto telemetry.Config.
func (w *Workspace) TelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Environment = w.Name

	cfg.Logging.Level = w.Telemetry.LogLevel
	cfg.Logging.Format = w.Telemetry.LogFormat

	if w.Telemetry.Tracing.Exporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = w.Telemetry.Tracing.Exporter
		cfg.Tracing.Endpoint = w.Telemetry.Tracing.Endpoint
		cfg.Tracing.SamplingRate = w.Telemetry.Tracing.SampleRate
	}

	if w.Telemetry.Metrics.Address != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = w.Telemetry.Metrics.Address
	}
	return cfg
}

// convertCUEErrors flattens CUE errors with their first position.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{
			Message: fmt.Sprintf(format, args...),
			Path:    strings.Join(e.Path(), "."),
		}
		if pos := userPosition(errors.Positions(e)); pos.IsValid() {
			ve.File = pos.Filename()
			ve.Line = pos.Line()
			ve.Column = pos.Column()
		}
		out = append(out, ve)
	}
	return out
}

// userPosition prefers a position in the user's file over one in the
// built-in schema.
func userPosition(positions []token.Pos) token.Pos {
	for _, pos := range positions {
		if pos.Filename() != schemaFilename {
			return pos
		}
	}
	if len(positions) > 0 {
		return positions[0]
	}
	return token.NoPos
}

func convertValidatorErrors(filename string, err error) []ValidationError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{File: filename, Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			File:    filename,
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
		})
	}
	return out
}
