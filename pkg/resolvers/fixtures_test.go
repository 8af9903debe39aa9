package resolvers

import (
	"github.com/openfroyo/stratus/pkg/model"
	"github.com/rs/zerolog"
)

func u32(v uint32) *uint32 { return &v }

// testLibrary returns a small catalog:
//
//	net.vpc     unit, output vpc:Vpc, arg cidr string (required)
//	net.subnet  unit, input vpc:Vpc (required), output subnet:Subnet
//	app.server  unit, inputs vpc:Vpc, subnet:Subnet, port:Foo (required), secret token
//	src.foo     unit, outputs foo:Foo, bar:Bar
//	net.stack   composite, output vpc:Vpc
func testLibrary() *model.Library {
	return &model.Library{
		ID: "test",
		Components: map[string]*model.Component{
			"net.vpc": {
				Type:    "net.vpc",
				Kind:    model.ComponentKindUnit,
				Outputs: map[string]model.ComponentOutput{"vpc": {Type: "Vpc"}},
				Args: map[string]model.ComponentArgument{
					"cidr": {Schema: "string", Required: true},
					"size": {Schema: "int & >=1 & <=16"},
				},
				Source:         &model.UnitSource{Package: "net", Path: "vpc", Hash: u32(7)},
				DefinitionHash: 11,
			},
			"net.subnet": {
				Type:           "net.subnet",
				Kind:           model.ComponentKindUnit,
				Inputs:         map[string]model.ComponentInput{"vpc": {Type: "Vpc", Required: true}},
				Outputs:        map[string]model.ComponentOutput{"subnet": {Type: "Subnet"}},
				Source:         &model.UnitSource{Package: "net", Path: "subnet", Hash: u32(8)},
				DefinitionHash: 12,
			},
			"app.server": {
				Type: "app.server",
				Kind: model.ComponentKindUnit,
				Inputs: map[string]model.ComponentInput{
					"vpc":    {Type: "Vpc"},
					"subnet": {Type: "Subnet", Multiple: true},
					"port":   {Type: "Foo", Required: true},
				},
				Secrets: map[string]model.ComponentArgument{
					"token": {Schema: "string", Required: true},
				},
				DefinitionHash: 13,
			},
			"src.foo": {
				Type: "src.foo",
				Kind: model.ComponentKindUnit,
				Outputs: map[string]model.ComponentOutput{
					"foo": {Type: "Foo"},
					"bar": {Type: "Bar"},
				},
				DefinitionHash: 14,
			},
			"net.stack": {
				Type:           "net.stack",
				Kind:           model.ComponentKindComposite,
				Outputs:        map[string]model.ComponentOutput{"vpc": {Type: "Vpc"}},
				DefinitionHash: 15,
			},
		},
	}
}

func instance(typ, name string) *model.Instance {
	return &model.Instance{ID: model.InstanceID(typ, name), Type: typ, Name: name}
}

func ref(id, output string) model.InstanceInput {
	return model.InstanceInput{InstanceID: id, Output: output}
}

func resolveInputs(instances []*model.Instance, hubs []*model.Hub) *InputResolver {
	r := NewInputResolver(BuildInputNodes(instances, hubs, testLibrary()), zerolog.Nop())
	_ = r.ResolveAll()
	return r
}

func resolveHashes(instances []*model.Instance, states map[string]*model.InstanceState) *HashResolver {
	inputs := resolveInputs(instances, nil)
	r := NewHashResolver(BuildHashNodes(instances, inputs.Instances(), testLibrary(), states), zerolog.Nop())
	_ = r.ResolveAll()
	return r
}
