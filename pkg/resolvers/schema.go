package resolvers

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// SchemaValidator validates values against CUE schema expressions.
// Compiled schemas are cached per expression. It is safe for concurrent use.
type SchemaValidator struct {
	mu    sync.Mutex
	ctx   *cue.Context
	cache map[string]cue.Value
}

// NewSchemaValidator creates a schema validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		ctx:   cuecontext.New(),
		cache: make(map[string]cue.Value),
	}
}

// Compile checks that schema is a valid CUE expression.
func (v *SchemaValidator) Compile(schema string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := v.compile(schema)
	return err
}

// Validate checks value against schema. An empty schema accepts any value.
// The returned error text may span several lines, one per CUE error.
func (v *SchemaValidator) Validate(schema string, value any) error {
	if strings.TrimSpace(schema) == "" {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	compiled, err := v.compile(schema)
	if err != nil {
		return err
	}

	encoded := v.ctx.Encode(value)
	if err := encoded.Err(); err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}

	unified := compiled.Unify(encoded)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s", details(err))
	}
	return nil
}

func (v *SchemaValidator) compile(schema string) (cue.Value, error) {
	if compiled, ok := v.cache[schema]; ok {
		return compiled, nil
	}

	compiled := v.ctx.CompileString(schema)
	if err := compiled.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("invalid schema %q: %s", schema, details(err))
	}
	v.cache[schema] = compiled
	return compiled, nil
}

func details(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	lines := make([]string, 0, len(errs))
	for _, e := range errs {
		lines = append(lines, e.Error())
	}
	return strings.Join(lines, "\n")
}
