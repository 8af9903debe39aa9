package library

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stratus/pkg/model"
	"github.com/openfroyo/stratus/pkg/resolvers"
)

const serviceLibrary = `
components: {
	"net.vpc": {
		kind: "unit"
		outputs: {
			vpc:    type: "Vpc"
			router: type: "Router"
			dns:    type: "Zone"
		}
		args: {
			cidr:   {schema: "string", required: true}
			region: {schema: "string"}
			size:   {schema: "int"}
		}
		source: {package: "net", path: "vpc", hash: 7}
	}
	"app.server": {
		kind: "unit"
		inputs: {
			vpc:    {type: "Vpc", required: true}
			router: {type: "Router"}
			dns:    {type: "Zone", multiple: true}
		}
		args: {
			image:    {schema: "string", required: true}
			replicas: {schema: "int"}
			env:      {schema: "{[string]: string}"}
		}
		secrets: {
			token: {schema: "string", required: true}
			cert:  {schema: "string"}
		}
		source: {package: "app", path: "server", hash: 9}
	}
}
`

func serviceHashes(t *testing.T) map[string]resolvers.HashOutput {
	t.Helper()

	lib, err := NewLoader(nil, zerolog.Nop()).LoadString("services", serviceLibrary)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	vpc := &model.Instance{
		ID:   model.InstanceID("net.vpc", "main"),
		Type: "net.vpc",
		Name: "main",
		Args: map[string]any{"cidr": "10.0.0.0/16", "region": "eu-west-1", "size": 3},
	}
	server := &model.Instance{
		ID:   model.InstanceID("app.server", "web"),
		Type: "app.server",
		Name: "web",
		Args: map[string]any{
			"image":    "web:1.2",
			"replicas": 2,
			"env":      map[string]any{"A": "1", "B": "2", "C": "3"},
		},
		Inputs: map[string][]model.InstanceInput{
			"vpc":    {{InstanceID: vpc.ID, Output: "vpc"}},
			"router": {{InstanceID: vpc.ID, Output: "router"}},
			"dns":    {{InstanceID: vpc.ID, Output: "dns"}},
		},
	}
	instances := []*model.Instance{vpc, server}

	inputs := resolvers.NewInputResolver(resolvers.BuildInputNodes(instances, nil, lib), zerolog.Nop())
	if err := inputs.ResolveAll(); err != nil {
		t.Fatalf("input ResolveAll failed: %v", err)
	}

	states := map[string]*model.InstanceState{vpc.ID: {ID: vpc.ID, Status: model.InstanceStatusDeployed, OutputHash: 11}}
	hashes := resolvers.NewHashResolver(resolvers.BuildHashNodes(instances, inputs.Instances(), lib, states), zerolog.Nop())
	if err := hashes.ResolveAll(); err != nil {
		t.Fatalf("hash ResolveAll failed: %v", err)
	}
	if len(hashes.Errors()) != 0 {
		t.Fatalf("Expected no hash errors, got %v", hashes.Errors())
	}
	return hashes.OutputMap()
}

func TestDefinitionHash_DeterministicThroughHashResolver(t *testing.T) {
	first := serviceHashes(t)
	if first["app.server:web"].InputHash == 0 {
		t.Fatalf("Expected a computed input hash, got %+v", first)
	}

	for i := 0; i < 20; i++ {
		again := serviceHashes(t)
		for id, want := range first {
			if again[id] != want {
				t.Fatalf("Expected stable hashes for %s, got %+v then %+v", id, want, again[id])
			}
		}
	}
}
