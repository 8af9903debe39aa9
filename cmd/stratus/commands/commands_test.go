package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	workspacePath = "."
	jsonOutput = false

	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd.ExecuteContext(context.Background())
}

func initWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := run(t, "init", dir); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	return dir
}

func writeProject(t *testing.T, dir, id, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "projects", id+".yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write project: %v", err)
	}
}

const starterProject = `instances:
  - type: net.network
    name: main
    args:
      cidr: 10.0.0.0/16
  - type: app.service
    name: api
    inputs:
      network:
        - instanceId: net.network:main
          output: network
`

func TestInit_RefusesOverwrite(t *testing.T) {
	dir := initWorkspace(t)

	err := run(t, "init", dir)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected an overwrite error, got %v", err)
	}
	if err := run(t, "init", dir, "--force"); err != nil {
		t.Errorf("Expected --force to succeed, got %v", err)
	}
}

func TestValidate_Workspace(t *testing.T) {
	dir := initWorkspace(t)
	writeProject(t, dir, "prod", starterProject)

	if err := run(t, "validate", "-w", dir); err != nil {
		t.Fatalf("Expected a valid workspace, got %v", err)
	}

	writeProject(t, dir, "broken", `instances:
  - type: app.service
    name: orphan
`)
	err := run(t, "validate", "-w", dir)
	if err == nil || !strings.Contains(err.Error(), "1 invalid instances") {
		t.Errorf("Expected one invalid instance, got %v", err)
	}
}

func TestApply_UpdateThenDestroy(t *testing.T) {
	dir := initWorkspace(t)
	writeProject(t, dir, "prod", starterProject)

	if err := run(t, "apply", "-w", dir, "-p", "prod", "--all", "--title", "first"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := run(t, "plan", "-w", dir, "-p", "prod", "--all"); err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if err := run(t, "apply", "-w", dir, "-p", "prod", "app.service:api", "--fail", "app.service:api", "--type", "recreate"); err == nil {
		t.Error("Expected the rehearsed failure to fail the operation")
	}
	if err := run(t, "apply", "-w", dir, "-p", "prod", "net.network:main", "--type", "destroy"); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if err := run(t, "state", "history", "-w", dir, "-p", "prod"); err != nil {
		t.Fatalf("history failed: %v", err)
	}
}

func TestPlan_PolicyBlocks(t *testing.T) {
	dir := initWorkspace(t)
	writeProject(t, dir, "prod", starterProject)

	err := run(t, "plan", "-w", dir, "-p", "prod", "--all", "--force-delete-state")
	if err == nil || !strings.Contains(err.Error(), "blocked") {
		t.Errorf("Expected the plan to be blocked by policy, got %v", err)
	}
}
