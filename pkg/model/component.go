package model

import "sort"

// ComponentKind distinguishes leaf units from composites.
type ComponentKind string

const (
	// ComponentKindUnit is a leaf component applied by the execution backend.
	ComponentKindUnit ComponentKind = "unit"

	// ComponentKindComposite is a component that expands into child instances.
	ComponentKindComposite ComponentKind = "composite"
)

// ComponentInput declares an input slot.
type ComponentInput struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Multiple bool   `json:"multiple"`
}

// ComponentOutput declares an output.
type ComponentOutput struct {
	Type string `json:"type"`
}

// ComponentArgument declares an argument or a secret. Schema is a CUE
// expression.
type ComponentArgument struct {
	Schema   string `json:"schema"`
	Required bool   `json:"required"`
}

// UnitSource locates the program backing a unit.
type UnitSource struct {
	Package string  `json:"package"`
	Path    string  `json:"path"`
	Hash    *uint32 `json:"hash,omitempty"`
}

// Component is the immutable schema of an instance type.
type Component struct {
	Type           string                       `json:"type"`
	Kind           ComponentKind                `json:"kind"`
	Inputs         map[string]ComponentInput    `json:"inputs,omitempty"`
	Outputs        map[string]ComponentOutput   `json:"outputs,omitempty"`
	Args           map[string]ComponentArgument `json:"args,omitempty"`
	Secrets        map[string]ComponentArgument `json:"secrets,omitempty"`
	Source         *UnitSource                  `json:"source,omitempty"`
	Script         string                       `json:"script,omitempty"`
	DefinitionHash uint32                       `json:"definitionHash"`
}

// IsUnit reports whether the component is a leaf unit.
func (c *Component) IsUnit() bool {
	return c.Kind == ComponentKindUnit
}

// SourceHash returns the unit source hash, if known.
func (c *Component) SourceHash() *uint32 {
	if c.Source == nil {
		return nil
	}
	return c.Source.Hash
}

// InputNames returns the declared input names in lexical order.
func (c *Component) InputNames() []string {
	return sortedKeys(c.Inputs)
}

// ArgNames returns the declared argument names in lexical order.
func (c *Component) ArgNames() []string {
	return sortedKeys(c.Args)
}

// SecretNames returns the declared secret names in lexical order.
func (c *Component) SecretNames() []string {
	return sortedKeys(c.Secrets)
}

// Entity is a named type carried between instances.
type Entity struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Schema      string `json:"schema,omitempty"`
}

// Library is the immutable catalog of components and entities.
type Library struct {
	ID         string                `json:"id"`
	Components map[string]*Component `json:"components"`
	Entities   map[string]*Entity    `json:"entities"`
}

// Component looks up a component by type.
func (l *Library) Component(componentType string) (*Component, bool) {
	if l == nil {
		return nil, false
	}
	c, ok := l.Components[componentType]
	return c, ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
