package resolvers

import (
	"fmt"
	"strings"

	"github.com/openfroyo/stratus/pkg/graph"
	"github.com/openfroyo/stratus/pkg/model"
	"github.com/rs/zerolog"
)

// ValidationStatus is the result status of instance validation.
type ValidationStatus string

const (
	// ValidationStatusOK means the instance is valid.
	ValidationStatusOK ValidationStatus = "ok"

	// ValidationStatusError means at least one check failed.
	ValidationStatusError ValidationStatus = "error"
)

// ValidationNode is the input of the validation resolver for one instance.
type ValidationNode struct {
	Instance       *model.Instance
	Component      *model.Component
	State          *model.InstanceState
	ResolvedInputs map[string][]model.ResolvedInstanceInput
}

// ValidationOutput is the validation result of an instance.
type ValidationOutput struct {
	Status    ValidationStatus `json:"status"`
	ErrorText string           `json:"errorText,omitempty"`
}

// OK reports whether the instance passed validation.
func (o ValidationOutput) OK() bool {
	return o.Status == ValidationStatusOK
}

// ValidationResolver validates instances keyed by instance id.
type ValidationResolver struct {
	*graph.Resolver[*ValidationNode, ValidationOutput]
}

// NewValidationResolver creates a validation resolver over nodes keyed by instance id.
func NewValidationResolver(nodes map[string]*ValidationNode, schemas *SchemaValidator, logger zerolog.Logger, opts ...graph.Option) *ValidationResolver {
	if schemas == nil {
		schemas = NewSchemaValidator()
	}
	proc := &validationProcessor{
		schemas: schemas,
		logger:  logger.With().Str("component", "validation-resolver").Logger(),
	}
	opts = append([]graph.Option{graph.WithName("validation"), graph.WithLogger(logger)}, opts...)
	return &ValidationResolver{Resolver: graph.New[*ValidationNode, ValidationOutput](nodes, proc, opts...)}
}

type validationProcessor struct {
	schemas *SchemaValidator
	logger  zerolog.Logger
}

func (p *validationProcessor) Dependencies(node *ValidationNode) []string {
	var deps []string
	for _, name := range sortedKeys(node.ResolvedInputs) {
		for _, in := range node.ResolvedInputs[name] {
			deps = append(deps, in.Input.InstanceID)
		}
	}
	return deps
}

func (p *validationProcessor) Process(key string, node *ValidationNode, outputs graph.Outputs[ValidationOutput]) (ValidationOutput, error) {
	var errs []string

	if node.Component == nil {
		errs = append(errs, fmt.Sprintf("Unknown component type %q", node.Instance.Type))
	} else {
		errs = append(errs, p.checkArgs(node)...)
		errs = append(errs, p.checkSecrets(node)...)
	}

	errs = append(errs, p.checkInputs(node, outputs)...)

	if node.Component != nil {
		for _, name := range node.Component.InputNames() {
			declared := node.Component.Inputs[name]
			if declared.Required && len(node.ResolvedInputs[name]) == 0 {
				errs = append(errs, fmt.Sprintf("Missing required input %q of type %q", name, declared.Type))
			}
		}
	}

	if len(errs) == 0 {
		return ValidationOutput{Status: ValidationStatusOK}, nil
	}
	return ValidationOutput{
		Status:    ValidationStatusError,
		ErrorText: FormatValidationErrors(errs),
	}, nil
}

func (p *validationProcessor) checkArgs(node *ValidationNode) []string {
	var errs []string
	for _, name := range node.Component.ArgNames() {
		arg := node.Component.Args[name]

		value, err := ParseArgumentValue(node.Instance.Args[name])
		if err != nil {
			errs = append(errs, fmt.Sprintf("Invalid argument %q: %v", name, err))
			continue
		}

		if value == nil {
			if arg.Required {
				errs = append(errs, fmt.Sprintf("Invalid argument %q: value is required", name))
			}
			continue
		}

		if err := p.schemas.Validate(arg.Schema, value); err != nil {
			errs = append(errs, fmt.Sprintf("Invalid argument %q: %v", name, err))
		}
	}
	return errs
}

func (p *validationProcessor) checkSecrets(node *ValidationNode) []string {
	if !node.Component.IsUnit() {
		return nil
	}

	var errs []string
	for _, name := range node.Component.SecretNames() {
		if node.Component.Secrets[name].Required && !node.State.HasSecret(name) {
			errs = append(errs, fmt.Sprintf("Missing required secret %q", name))
		}
	}
	return errs
}

func (p *validationProcessor) checkInputs(node *ValidationNode, outputs graph.Outputs[ValidationOutput]) []string {
	var errs []string
	for _, name := range sortedKeys(node.ResolvedInputs) {
		reported := make(map[string]struct{})
		for _, in := range node.ResolvedInputs[name] {
			upstream := in.Input.InstanceID
			if _, done := reported[upstream]; done {
				continue
			}

			out, ok := outputs.Get(upstream)
			if !ok {
				p.logger.Warn().
					Str("instance_id", node.Instance.ID).
					Str("dependency", upstream).
					Msg("Dependency validation not resolved, skipping")
				continue
			}
			if !out.OK() {
				reported[upstream] = struct{}{}
				errs = append(errs, fmt.Sprintf("Invalid input %q: instance %q is invalid", name, upstream))
			}
		}
	}
	return errs
}

// FormatValidationErrors numbers errors and aligns continuation lines under
// the number prefix.
func FormatValidationErrors(errs []string) string {
	var b strings.Builder
	for i, e := range errs {
		if i > 0 {
			b.WriteString("\n")
		}
		prefix := fmt.Sprintf("%d. ", i+1)
		pad := strings.Repeat(" ", len(prefix))

		lines := strings.Split(e, "\n")
		b.WriteString(prefix)
		b.WriteString(lines[0])
		for _, line := range lines[1:] {
			b.WriteString("\n")
			b.WriteString(pad)
			b.WriteString(line)
		}
	}
	return b.String()
}
