package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/stratus/pkg/engine"
	"github.com/openfroyo/stratus/pkg/model"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("Expected error for empty path")
	}

	store := setupTestStore(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	// migrations are idempotent
	if err := store.Migrate(context.Background()); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestSQLiteStore_InstanceStates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	missing, err := store.GetInstanceState(ctx, "p1", "net.vpc:main")
	if err != nil || missing != nil {
		t.Fatalf("Expected no state, got %+v, %v", missing, err)
	}

	nonce := int32(7)
	state := &model.InstanceState{
		ID:                   "net.vpc:main",
		Status:               model.InstanceStatusDeployed,
		InputHashNonce:       &nonce,
		InputHash:            0xFFFFFFFF,
		DependencyOutputHash: 2,
		SelfHash:             3,
		OutputHash:           4,
		SecretNames:          []string{"token"},
		LastOperationID:      "op-1",
	}
	if err := store.PutInstanceState(ctx, "p1", state); err != nil {
		t.Fatalf("PutInstanceState failed: %v", err)
	}

	got, err := store.GetInstanceState(ctx, "p1", "net.vpc:main")
	if err != nil {
		t.Fatalf("GetInstanceState failed: %v", err)
	}
	if got.InputHash != 0xFFFFFFFF || got.OutputHash != 4 || got.InputHashNonce == nil || *got.InputHashNonce != 7 {
		t.Errorf("Unexpected state %+v", got)
	}
	if !got.HasSecret("token") || got.LastOperationID != "op-1" {
		t.Errorf("Unexpected secrets or operation %+v", got)
	}

	state.Status = model.InstanceStatusFailed
	state.InputHashNonce = nil
	if err := store.PutInstanceState(ctx, "p1", state); err != nil {
		t.Fatalf("PutInstanceState update failed: %v", err)
	}
	if err := store.PutInstanceState(ctx, "p2", &model.InstanceState{ID: "other:x", Status: model.InstanceStatusDeployed}); err != nil {
		t.Fatalf("PutInstanceState failed: %v", err)
	}

	states, err := store.GetInstanceStates(ctx, "p1")
	if err != nil {
		t.Fatalf("GetInstanceStates failed: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("Expected 1 state for p1, got %d", len(states))
	}
	if s := states["net.vpc:main"]; s.Status != model.InstanceStatusFailed || s.InputHashNonce != nil {
		t.Errorf("Expected updated state, got %+v", s)
	}

	if err := store.DeleteInstanceState(ctx, "p1", "net.vpc:main"); err != nil {
		t.Fatalf("DeleteInstanceState failed: %v", err)
	}
	if s, _ := store.GetInstanceState(ctx, "p1", "net.vpc:main"); s != nil {
		t.Error("Expected state to be deleted")
	}

	if err := store.PutInstanceState(ctx, "p1", &model.InstanceState{ID: "x", Status: "bogus"}); err == nil {
		t.Error("Expected invalid status to be rejected")
	}
}

func testOperation(id string, started time.Time) *engine.Operation {
	return &engine.Operation{
		ID:        id,
		ProjectID: "p1",
		Type:      engine.OperationUpdate,
		Status:    engine.OperationStatusPending,
		Meta:      engine.OperationMeta{Title: "deploy " + id},
		Plan: &engine.Plan{
			ID:   "plan-" + id,
			Type: engine.OperationUpdate,
			Phases: []engine.Phase{{
				Type:      engine.PhaseUpdate,
				Instances: []engine.PhaseInstance{{InstanceID: "net.vpc:main", Message: engine.MessageRequested, InputHash: 9}},
			}},
		},
		StartedAt: started,
	}
}

func TestSQLiteStore_Operations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.GetOperation(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	first := testOperation("op-1", now.Add(-time.Minute))
	second := testOperation("op-2", now)
	for _, op := range []*engine.Operation{first, second} {
		if err := store.SaveOperation(ctx, op); err != nil {
			t.Fatalf("SaveOperation failed: %v", err)
		}
	}

	completed := now.Add(time.Second)
	first.Status = engine.OperationStatusFailed
	first.Error = "boom"
	first.CompletedAt = &completed
	if err := store.SaveOperation(ctx, first); err != nil {
		t.Fatalf("SaveOperation update failed: %v", err)
	}

	got, err := store.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetOperation failed: %v", err)
	}
	if got.Status != engine.OperationStatusFailed || got.Error != "boom" || got.CompletedAt == nil {
		t.Errorf("Unexpected operation %+v", got)
	}
	if got.Plan == nil || got.Plan.Phases[0].Instances[0].InputHash != 9 {
		t.Errorf("Expected plan round trip, got %+v", got.Plan)
	}

	ops, err := store.ListOperations(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	if len(ops) != 2 || ops[0].ID != "op-2" {
		t.Errorf("Expected newest first, got %d operations", len(ops))
	}
	if ops, _ := store.ListOperations(ctx, "p1", 1); len(ops) != 1 {
		t.Errorf("Expected limit to apply, got %d", len(ops))
	}
}

func TestSQLiteStore_InstanceOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveOperation(ctx, testOperation("op-1", time.Now())); err != nil {
		t.Fatalf("SaveOperation failed: %v", err)
	}

	started := time.Now().UTC()
	io := &engine.InstanceOperation{
		OperationID: "op-1",
		InstanceID:  "net.vpc:main",
		Phase:       engine.PhaseUpdate,
		Status:      engine.InstanceOperationRunning,
		StartedAt:   &started,
	}
	if err := store.SaveInstanceOperation(ctx, io); err != nil {
		t.Fatalf("SaveInstanceOperation failed: %v", err)
	}
	io.Status = engine.InstanceOperationFailed
	io.Error = "apply failed"
	if err := store.SaveInstanceOperation(ctx, io); err != nil {
		t.Fatalf("SaveInstanceOperation update failed: %v", err)
	}

	list, err := store.ListInstanceOperations(ctx, "op-1")
	if err != nil {
		t.Fatalf("ListInstanceOperations failed: %v", err)
	}
	if len(list) != 1 || list[0].Status != engine.InstanceOperationFailed || list[0].Error != "apply failed" {
		t.Errorf("Unexpected instance operations %+v", list)
	}
	if list[0].StartedAt == nil || list[0].CompletedAt != nil {
		t.Errorf("Unexpected timestamps %+v", list[0])
	}
}

func TestSQLiteStore_Events(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveOperation(ctx, testOperation("op-1", time.Now())); err != nil {
		t.Fatalf("SaveOperation failed: %v", err)
	}

	events := []*engine.Event{
		{ID: "e1", OperationID: "op-1", Type: engine.EventOperationStarted, Level: "info", Message: "started"},
		{ID: "e2", OperationID: "op-1", InstanceID: "a", Phase: engine.PhaseUpdate, Type: engine.EventInstanceLog, Level: "info", Message: "hello", Data: []byte(`{"k":1}`)},
		{ID: "e3", OperationID: "op-1", InstanceID: "b", Phase: engine.PhaseUpdate, Type: engine.EventInstanceFailed, Level: "error", Message: "boom"},
	}
	for _, e := range events {
		e.Timestamp = time.Now().UTC()
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	all, err := store.ListEvents(ctx, "op-1", "")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "e1" || all[2].ID != "e3" {
		t.Fatalf("Expected events in append order, got %d", len(all))
	}

	forA, err := store.ListEvents(ctx, "op-1", "a")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(forA) != 1 || string(forA[0].Data) != `{"k":1}` || forA[0].Phase != engine.PhaseUpdate {
		t.Errorf("Unexpected instance events %+v", forA)
	}

	if err := store.AppendEvent(ctx, &engine.Event{ID: "e4", OperationID: "missing", Type: engine.EventInstanceLog, Level: "info", Message: "x", Timestamp: time.Now()}); err == nil {
		t.Error("Expected foreign key violation for unknown operation")
	}
}
