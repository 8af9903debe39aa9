package planner

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stratus/pkg/engine"
)

func TestRequest_UnmarshalJSON_DefaultOptions(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"projectId":"p","type":"destroy","instanceIds":["a"]}`), &req); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if req.Type != engine.OperationDestroy || req.ProjectID != "p" {
		t.Errorf("Unexpected request %+v", req)
	}
	if !req.Options.DestroyDependentInstances || !req.Options.InvokeDestroyTriggers {
		t.Errorf("Expected default destroy options, got %+v", req.Options)
	}

	if err := json.Unmarshal([]byte(`{"projectId":"p","type":"destroy","instanceIds":["a"],"options":{"destroyDependentInstances":false}}`), &req); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if req.Options.DestroyDependentInstances {
		t.Error("Expected explicit destroyDependentInstances=false to be kept")
	}
	if !req.Options.InvokeDestroyTriggers {
		t.Error("Expected invokeDestroyTriggers to keep its default")
	}
}

func TestRequest_UnmarshalYAML_DefaultOptions(t *testing.T) {
	var req Request
	if err := yaml.Unmarshal([]byte("projectId: p\ntype: destroy\ninstanceIds: [a]\n"), &req); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(req.InstanceIDs) != 1 || req.InstanceIDs[0] != "a" {
		t.Errorf("Expected instance a, got %v", req.InstanceIDs)
	}
	if !req.Options.DestroyDependentInstances || !req.Options.InvokeDestroyTriggers {
		t.Errorf("Expected default destroy options, got %+v", req.Options)
	}
}
