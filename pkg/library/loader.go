// Package library loads the immutable component and entity catalog from CUE
// files and watches it for changes.
//
// A library file declares entities and components:
//
//	id: "network"
//
//	entities: Vpc: description: "A virtual network"
//
//	components: "net.vpc": {
//		kind: "unit"
//		outputs: vpc: type: "Vpc"
//		args: cidr: {schema: "string", required: true}
//		source: {package: "net", path: "vpc", hash: 1234}
//	}
//
// Directories are loaded by unifying every .cue file below them.
package library

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/stratus/pkg/model"
	"github.com/openfroyo/stratus/pkg/resolvers"
	"github.com/rs/zerolog"
)

// componentSpec is the on-disk shape of a component.
type componentSpec struct {
	Kind           string                             `json:"kind" validate:"required,oneof=unit composite"`
	Inputs         map[string]model.ComponentInput    `json:"inputs"`
	Outputs        map[string]model.ComponentOutput   `json:"outputs"`
	Args           map[string]model.ComponentArgument `json:"args"`
	Secrets        map[string]model.ComponentArgument `json:"secrets"`
	Source         *model.UnitSource                  `json:"source"`
	Script         string                             `json:"script"`
	DefinitionHash *uint32                            `json:"definitionHash"`
}

type librarySpec struct {
	ID         string                    `json:"id"`
	Entities   map[string]*model.Entity  `json:"entities"`
	Components map[string]*componentSpec `json:"components" validate:"dive"`
}

// Loader loads libraries from CUE sources.
type Loader struct {
	ctx       *cue.Context
	validator *validator.Validate
	schemas   *resolvers.SchemaValidator
	logger    zerolog.Logger
}

// NewLoader creates a new library loader. Argument schemas are checked with
// schemas; a nil value uses a private validator.
func NewLoader(schemas *resolvers.SchemaValidator, logger zerolog.Logger) *Loader {
	if schemas == nil {
		schemas = resolvers.NewSchemaValidator()
	}
	return &Loader{
		ctx:       cuecontext.New(),
		validator: validator.New(),
		schemas:   schemas,
		logger:    logger.With().Str("component", "library-loader").Logger(),
	}
}

// Load reads a library from a .cue file or a directory of .cue files.
func (l *Loader) Load(ctx context.Context, path string) (*model.Library, error) {
	files, err := cueFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", path)
	}

	var value cue.Value
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read library file: %w", err)
		}

		v := l.ctx.CompileString(string(content), cue.Filename(file))
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("failed to compile %s: %s", file, cueerrors.Details(err, nil))
		}

		if value.Exists() {
			value = value.Unify(v)
		} else {
			value = v
		}
	}

	lib, err := l.decode(value)
	if err != nil {
		return nil, err
	}
	if lib.ID == "" {
		lib.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	l.logger.Info().
		Str("library", lib.ID).
		Int("components", len(lib.Components)).
		Int("entities", len(lib.Entities)).
		Int("files", len(files)).
		Msg("Library loaded")

	return lib, nil
}

// LoadString reads a library from inline CUE content.
func (l *Loader) LoadString(id, content string) (*model.Library, error) {
	v := l.ctx.CompileString(content, cue.Filename(id+".cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile library: %s", cueerrors.Details(err, nil))
	}

	lib, err := l.decode(v)
	if err != nil {
		return nil, err
	}
	if lib.ID == "" {
		lib.ID = id
	}
	return lib, nil
}

func (l *Loader) decode(value cue.Value) (*model.Library, error) {
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid library: %s", cueerrors.Details(err, nil))
	}

	var spec librarySpec
	if err := value.Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to decode library: %w", err)
	}
	if err := l.validator.Struct(spec); err != nil {
		return nil, fmt.Errorf("library validation failed: %w", err)
	}

	lib := &model.Library{
		ID:         spec.ID,
		Components: make(map[string]*model.Component, len(spec.Components)),
		Entities:   make(map[string]*model.Entity, len(spec.Entities)),
	}

	for name, entity := range spec.Entities {
		e := *entity
		e.Type = name
		lib.Entities[name] = &e
	}

	for _, typ := range sortedKeys(spec.Components) {
		component, err := l.buildComponent(typ, spec.Components[typ], lib.Entities)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", typ, err)
		}
		lib.Components[typ] = component
	}

	return lib, nil
}

func (l *Loader) buildComponent(typ string, spec *componentSpec, entities map[string]*model.Entity) (*model.Component, error) {
	component := &model.Component{
		Type:    typ,
		Kind:    model.ComponentKind(spec.Kind),
		Inputs:  spec.Inputs,
		Outputs: spec.Outputs,
		Args:    spec.Args,
		Secrets: spec.Secrets,
		Source:  spec.Source,
		Script:  spec.Script,
	}

	switch component.Kind {
	case model.ComponentKindUnit:
		if component.Script != "" {
			return nil, fmt.Errorf("unit components cannot declare a script")
		}
	case model.ComponentKindComposite:
		if len(component.Secrets) > 0 || component.Source != nil {
			return nil, fmt.Errorf("composite components cannot declare secrets or a source")
		}
		if strings.TrimSpace(component.Script) == "" {
			return nil, fmt.Errorf("composite components require a script")
		}
	}

	for name, in := range component.Inputs {
		if in.Type == "" {
			return nil, fmt.Errorf("input %q has no type", name)
		}
		l.checkEntity(typ, in.Type, entities)
	}
	for name, out := range component.Outputs {
		if out.Type == "" {
			return nil, fmt.Errorf("output %q has no type", name)
		}
		l.checkEntity(typ, out.Type, entities)
	}
	for name, arg := range component.Args {
		if err := l.schemas.Compile(arg.Schema); arg.Schema != "" && err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
	}
	for name, secret := range component.Secrets {
		if err := l.schemas.Compile(secret.Schema); secret.Schema != "" && err != nil {
			return nil, fmt.Errorf("secret %q: %w", name, err)
		}
	}

	if spec.DefinitionHash != nil {
		component.DefinitionHash = *spec.DefinitionHash
	} else {
		hash, err := DefinitionHash(component)
		if err != nil {
			return nil, err
		}
		component.DefinitionHash = hash
	}

	return component, nil
}

func (l *Loader) checkEntity(component, entity string, entities map[string]*model.Entity) {
	if len(entities) == 0 {
		return
	}
	if _, ok := entities[entity]; !ok {
		l.logger.Warn().
			Str("type", component).
			Str("entity", entity).
			Msg("Component references an undeclared entity")
	}
}

// cueFiles returns the .cue files at path in lexical order.
func cueFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat library path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".cue") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk library directory: %w", err)
	}

	sort.Strings(files)
	return files, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
