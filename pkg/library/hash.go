package library

import (
	"bytes"
	"fmt"
	"hash/crc32"

	"github.com/openfroyo/stratus/pkg/model"
	"github.com/vmihailenco/msgpack/v5"
)

// definitionShape returns the part of a component that contributes to its
// definition hash. Every map is a map[string]any: msgpack only sorts the keys
// of untyped maps, so typed maps would encode in random order.
func definitionShape(c *model.Component) map[string]any {
	inputs := make(map[string]any, len(c.Inputs))
	for name, in := range c.Inputs {
		inputs[name] = map[string]any{"type": in.Type, "required": in.Required, "multiple": in.Multiple}
	}
	outputs := make(map[string]any, len(c.Outputs))
	for name, out := range c.Outputs {
		outputs[name] = map[string]any{"type": out.Type}
	}

	shape := map[string]any{
		"type":    c.Type,
		"kind":    string(c.Kind),
		"inputs":  inputs,
		"outputs": outputs,
		"args":    argumentShape(c.Args),
		"secrets": argumentShape(c.Secrets),
		"source":  "",
		"script":  c.Script,
	}
	if c.Source != nil {
		shape["source"] = c.Source.Package + "/" + c.Source.Path
	}
	return shape
}

func argumentShape(args map[string]model.ComponentArgument) map[string]any {
	out := make(map[string]any, len(args))
	for name, arg := range args {
		out[name] = map[string]any{"schema": arg.Schema, "required": arg.Required}
	}
	return out
}

// DefinitionHash computes a stable CRC32 of the component shape.
func DefinitionHash(c *model.Component) (uint32, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(definitionShape(c)); err != nil {
		return 0, fmt.Errorf("failed to encode definition of %s: %w", c.Type, err)
	}
	return crc32.ChecksumIEEE(buf.Bytes()), nil
}
