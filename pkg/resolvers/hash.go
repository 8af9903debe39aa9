package resolvers

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/openfroyo/stratus/pkg/graph"
	"github.com/openfroyo/stratus/pkg/model"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// HashNode is the input of the hash resolver for one instance.
type HashNode struct {
	Instance       *model.Instance
	Component      *model.Component
	ResolvedInputs map[string][]model.InstanceInput
	State          *model.InstanceState
	SourceHash     *uint32
}

// HashOutput holds the hashes of an instance.
type HashOutput struct {
	SelfHash             uint32 `json:"selfHash"`
	InputHash            uint32 `json:"inputHash"`
	DependencyOutputHash uint32 `json:"dependencyOutputHash"`
	OutputHash           uint32 `json:"outputHash"`
}

// HashResolver computes content hashes keyed by instance id.
type HashResolver struct {
	*graph.Resolver[*HashNode, HashOutput]
}

// NewHashResolver creates a hash resolver over nodes keyed by instance id.
func NewHashResolver(nodes map[string]*HashNode, logger zerolog.Logger, opts ...graph.Option) *HashResolver {
	proc := &hashProcessor{logger: logger.With().Str("component", "hash-resolver").Logger()}
	opts = append([]graph.Option{graph.WithName("hash"), graph.WithLogger(logger)}, opts...)
	return &HashResolver{Resolver: graph.New[*HashNode, HashOutput](nodes, proc, opts...)}
}

type hashProcessor struct {
	logger zerolog.Logger
}

func (p *hashProcessor) Dependencies(node *HashNode) []string {
	var deps []string
	for _, name := range sortedKeys(node.ResolvedInputs) {
		for _, in := range node.ResolvedInputs[name] {
			deps = append(deps, in.InstanceID)
		}
	}
	return deps
}

func (p *hashProcessor) Process(key string, node *HashNode, outputs graph.Outputs[HashOutput]) (HashOutput, error) {
	logger := p.logger.With().Str("instance_id", node.Instance.ID).Logger()

	self, err := p.selfBytes(node, logger)
	if err != nil {
		return HashOutput{}, err
	}

	var buf bytes.Buffer
	buf.Write(self)

	depOutputs := make(map[string]uint32)
	for _, name := range sortedKeys(node.ResolvedInputs) {
		edges := node.ResolvedInputs[name]
		if len(edges) == 0 {
			continue
		}
		buf.WriteString(name)

		sorted := append([]model.InstanceInput(nil), edges...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].InstanceID < sorted[j].InstanceID
		})

		for _, edge := range sorted {
			dep, ok := outputs.Get(edge.InstanceID)
			if !ok {
				logger.Warn().
					Str("dependency", edge.InstanceID).
					Str("input", name).
					Msg("Dependency hash not resolved, skipping")
				continue
			}
			writeUint32(&buf, dep.InputHash)
			writeUint32(&buf, dep.OutputHash)
			depOutputs[edge.InstanceID] = dep.OutputHash
		}
	}

	var depBuf bytes.Buffer
	for _, id := range sortedKeys(depOutputs) {
		writeUint32(&depBuf, depOutputs[id])
	}

	out := HashOutput{
		SelfHash:             crc32.ChecksumIEEE(self),
		InputHash:            crc32.ChecksumIEEE(buf.Bytes()),
		DependencyOutputHash: crc32.ChecksumIEEE(depBuf.Bytes()),
	}
	if node.State != nil {
		out.OutputHash = node.State.OutputHash
	}
	return out, nil
}

// selfBytes builds the byte sequence behind selfHash. The field order is part
// of the stored hash format and must not change.
func (p *hashProcessor) selfBytes(node *HashNode, logger zerolog.Logger) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(node.Instance.ID)

	var definitionHash uint32
	if node.Component != nil {
		definitionHash = node.Component.DefinitionHash
	} else {
		logger.Warn().Str("type", node.Instance.Type).Msg("Component not found, using zero definition hash")
	}
	writeUint32(&buf, definitionHash)

	if node.State != nil && node.State.InputHashNonce != nil {
		writeUint32(&buf, uint32(*node.State.InputHashNonce))
	}

	if len(node.Instance.Args) > 0 {
		encoded, err := EncodeArgs(node.Instance.Args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode args of %s: %w", node.Instance.ID, err)
		}
		buf.Write(encoded)
	}

	if node.SourceHash != nil {
		writeUint32(&buf, *node.SourceHash)
	} else if node.Component != nil && node.Component.IsUnit() {
		logger.Warn().Msg("Unit has no source hash, hash does not track source changes")
	}

	return buf.Bytes(), nil
}

// EncodeArgs encodes args as msgpack with sorted map keys and normalized
// numbers so equal values always produce equal bytes.
func EncodeArgs(args map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	if err := enc.Encode(normalizeValue(args)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
