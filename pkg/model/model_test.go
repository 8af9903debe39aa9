package model

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestInstanceID_RoundTrip(t *testing.T) {
	id := InstanceID("aws.network.vpc", "main")
	if id != "aws.network.vpc:main" {
		t.Fatalf("Expected aws.network.vpc:main, got %s", id)
	}

	typ, name, err := ParseInstanceID(id)
	if err != nil {
		t.Fatalf("ParseInstanceID failed: %v", err)
	}
	if typ != "aws.network.vpc" || name != "main" {
		t.Errorf("Expected (aws.network.vpc, main), got (%s, %s)", typ, name)
	}

	for _, bad := range []string{"", "novalue", ":name", "type:"} {
		if _, _, err := ParseInstanceID(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestOperationOptions_DefaultsSurviveDecoding(t *testing.T) {
	var fromJSON OperationOptions
	if err := json.Unmarshal([]byte(`{"refresh": true}`), &fromJSON); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if !fromJSON.DestroyDependentInstances || !fromJSON.InvokeDestroyTriggers {
		t.Errorf("Expected defaults to survive JSON decoding, got %+v", fromJSON)
	}
	if !fromJSON.Refresh {
		t.Error("Expected refresh to be set")
	}

	var fromYAML OperationOptions
	if err := yaml.Unmarshal([]byte("destroyDependentInstances: false\n"), &fromYAML); err != nil {
		t.Fatalf("yaml decode failed: %v", err)
	}
	if fromYAML.DestroyDependentInstances {
		t.Error("Expected explicit false to override the default")
	}
	if !fromYAML.InvokeDestroyTriggers {
		t.Error("Expected invokeDestroyTriggers default to survive YAML decoding")
	}
}

func TestProject_Normalize(t *testing.T) {
	p := &Project{
		ID: "demo",
		Instances: []*Instance{
			{Type: "net.vpc", Name: "a"},
			{Type: "net.subnet", Name: "a"},
		},
	}
	if err := p.Normalize(); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if p.Instances[0].ID != "net.vpc:a" {
		t.Errorf("Expected derived id net.vpc:a, got %s", p.Instances[0].ID)
	}

	dup := &Project{Instances: []*Instance{{Type: "t", Name: "x"}, {Type: "t", Name: "x"}}}
	if err := dup.Normalize(); err == nil {
		t.Error("Expected duplicate instance error")
	}

	mismatch := &Project{Instances: []*Instance{{ID: "t:y", Type: "t", Name: "x"}}}
	if err := mismatch.Normalize(); err == nil {
		t.Error("Expected id mismatch error")
	}
}

func TestInstance_CloneIsIndependent(t *testing.T) {
	orig := &Instance{
		ID:     "t:a",
		Args:   map[string]any{"k": "v"},
		Inputs: map[string][]InstanceInput{"in": {{InstanceID: "t:b", Output: "out"}}},
	}
	c := orig.Clone()
	c.Args["k"] = "changed"
	c.Inputs["in"][0].Output = "other"

	if orig.Args["k"] != "v" {
		t.Error("Expected args to be copied")
	}
	if orig.Inputs["in"][0].Output != "out" {
		t.Error("Expected inputs to be copied")
	}
}
