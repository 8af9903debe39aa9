package library

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/stratus/pkg/model"
	"github.com/rs/zerolog"
)

const networkLibrary = `
id: "network"

entities: {
	Vpc: description:    "A virtual network"
	Subnet: description: "A subnet"
}

components: {
	"net.vpc": {
		kind: "unit"
		outputs: vpc: type: "Vpc"
		args: {
			cidr: {schema: "string", required: true}
			size: {schema: "int & >=1 & <=16"}
		}
		secrets: token: {schema: "string", required: false}
		source: {package: "net", path: "vpc", hash: 1234}
	}
	"net.subnet": {
		kind: "unit"
		inputs: vpc: {type: "Vpc", required: true}
		outputs: subnet: type: "Subnet"
		definitionHash: 42
	}
	"net.stack": {
		kind: "composite"
		outputs: vpc: type: "Vpc"
		script: """
			def create(ctx):
			    vpc = ctx.instance("net.vpc", "main", args = {"cidr": "10.0.0.0/16"})
			    return {"vpc": vpc.outputs.vpc}
			"""
	}
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestLoader_Load(t *testing.T) {
	path := writeFile(t, t.TempDir(), "network.cue", networkLibrary)

	lib, err := NewLoader(nil, zerolog.Nop()).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if lib.ID != "network" {
		t.Errorf("Expected library id network, got %s", lib.ID)
	}
	if len(lib.Components) != 3 {
		t.Fatalf("Expected 3 components, got %d", len(lib.Components))
	}
	if lib.Entities["Vpc"].Type != "Vpc" {
		t.Errorf("Expected entity type to be filled from its key")
	}

	vpc, ok := lib.Component("net.vpc")
	if !ok {
		t.Fatal("Expected net.vpc component")
	}
	if !vpc.IsUnit() || vpc.Type != "net.vpc" {
		t.Errorf("Unexpected component %+v", vpc)
	}
	if !vpc.Args["cidr"].Required || vpc.Args["size"].Schema != "int & >=1 & <=16" {
		t.Errorf("Unexpected args %+v", vpc.Args)
	}
	if vpc.SourceHash() == nil || *vpc.SourceHash() != 1234 {
		t.Errorf("Expected source hash 1234, got %v", vpc.SourceHash())
	}
	if vpc.DefinitionHash == 0 {
		t.Error("Expected computed definition hash")
	}

	subnet, _ := lib.Component("net.subnet")
	if subnet.DefinitionHash != 42 {
		t.Errorf("Expected explicit definition hash 42, got %d", subnet.DefinitionHash)
	}
	if !subnet.Inputs["vpc"].Required {
		t.Error("Expected required vpc input")
	}

	stack, _ := lib.Component("net.stack")
	if stack.Kind != model.ComponentKindComposite || !strings.Contains(stack.Script, "def create(ctx):") {
		t.Errorf("Unexpected composite %+v", stack)
	}
}

func TestLoader_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.cue", `components: "a.one": {kind: "unit", outputs: x: type: "X"}`)
	writeFile(t, dir, "b.cue", `components: "b.two": {kind: "unit", inputs: x: type: "X"}`)
	writeFile(t, dir, "notes.txt", "ignored")

	lib, err := NewLoader(nil, zerolog.Nop()).Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(lib.Components) != 2 {
		t.Errorf("Expected 2 components, got %d", len(lib.Components))
	}
	if lib.ID != filepath.Base(dir) {
		t.Errorf("Expected id derived from directory, got %s", lib.ID)
	}
}

func TestLoader_Errors(t *testing.T) {
	loader := NewLoader(nil, zerolog.Nop())

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad kind", `components: x: kind: "module"`, "validation failed"},
		{"composite without script", `components: x: kind: "composite"`, "require a script"},
		{"unit with script", `components: x: {kind: "unit", script: "def create(ctx): pass"}`, "cannot declare a script"},
		{"bad schema", `components: x: {kind: "unit", args: a: schema: "int &"}`, `argument "a"`},
		{"untyped output", `components: x: {kind: "unit", outputs: o: {}}`, `output "o" has no type`},
		{"syntax", `components: {`, "failed to compile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.LoadString("test", tt.content)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDefinitionHash_Stable(t *testing.T) {
	build := func() *model.Component {
		return &model.Component{
			Type: "net.vpc",
			Kind: model.ComponentKindUnit,
			Inputs: map[string]model.ComponentInput{
				"a": {Type: "A"}, "b": {Type: "B"}, "c": {Type: "C", Required: true},
			},
			Outputs: map[string]model.ComponentOutput{"vpc": {Type: "Vpc"}},
		}
	}

	first, err := DefinitionHash(build())
	if err != nil {
		t.Fatalf("DefinitionHash failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := DefinitionHash(build())
		if again != first {
			t.Fatalf("Expected stable hash %d, got %d", first, again)
		}
	}

	changed := build()
	changed.Inputs["c"] = model.ComponentInput{Type: "C"}
	if h, _ := DefinitionHash(changed); h == first {
		t.Error("Expected shape change to change the hash")
	}
}

func TestLoader_LoadString_DefinitionHashStable(t *testing.T) {
	loader := NewLoader(nil, zerolog.Nop())

	seen := map[uint32]int{}
	for i := 0; i < 20; i++ {
		lib, err := loader.LoadString("network", networkLibrary)
		if err != nil {
			t.Fatalf("LoadString failed: %v", err)
		}
		vpc, _ := lib.Component("net.vpc")
		seen[vpc.DefinitionHash]++
	}
	if len(seen) != 1 {
		t.Errorf("Expected one definition hash across loads, got %v", seen)
	}
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "lib.cue", `components: "a.one": {kind: "unit"}`)

	loader := NewLoader(nil, zerolog.Nop())
	w := NewWatcher(loader, path, zerolog.Nop())
	w.SetReloadDelay(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *model.Library, 1)
	if err := w.Watch(ctx, func(lib *model.Library) {
		select {
		case reloaded <- lib:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer func() { _ = w.Stop() }()

	writeFile(t, dir, "lib.cue", `components: {"a.one": {kind: "unit"}, "a.two": {kind: "unit"}}`)

	select {
	case lib := <-reloaded:
		if len(lib.Components) != 2 {
			t.Errorf("Expected 2 components after reload, got %d", len(lib.Components))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}
