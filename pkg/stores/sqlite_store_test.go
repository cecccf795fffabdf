package stores

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/recowave/recowave/pkg/orchestrator"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
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

	return store
}

func testPlan(id string, waveCount int) *orchestrator.RecoveryPlan {
	plan := &orchestrator.RecoveryPlan{
		ID:   id,
		Name: "test plan",
		Type: orchestrator.ExecutionTypeDrill,
	}
	for i := 0; i < waveCount; i++ {
		plan.Waves = append(plan.Waves, orchestrator.PlanWave{
			WaveNumber:        i,
			WaveName:          "wave",
			ProtectionGroupID: "pg-001",
		})
	}
	return plan
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"executions", "protection_groups", "wave_results", "events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestExecutionCRUD tests execution persistence
func TestExecutionCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	exec := orchestrator.NewExecution(testPlan("plan-001", 2), nil, time.Now())

	if err := store.PutExecution(ctx, exec); err != nil {
		t.Fatalf("failed to put execution: %v", err)
	}

	retrieved, err := store.GetExecution(ctx, exec.ID, exec.PlanID)
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}

	if retrieved.ID != exec.ID {
		t.Errorf("expected ID %s, got %s", exec.ID, retrieved.ID)
	}
	if retrieved.PlanID != exec.PlanID {
		t.Errorf("expected PlanID %s, got %s", exec.PlanID, retrieved.PlanID)
	}
	if retrieved.Status != orchestrator.ExecutionStatusPending {
		t.Errorf("expected status PENDING, got %s", retrieved.Status)
	}
	if len(retrieved.Waves) != 2 {
		t.Errorf("expected 2 waves, got %d", len(retrieved.Waves))
	}
	if retrieved.Version != 0 {
		t.Errorf("expected version 0, got %d", retrieved.Version)
	}

	// Update bumps the version
	exec.Status = orchestrator.ExecutionStatusPolling
	if err := store.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("failed to update execution: %v", err)
	}
	if exec.Version != 1 {
		t.Errorf("expected in-memory version 1 after update, got %d", exec.Version)
	}

	updated, err := store.GetExecution(ctx, exec.ID, exec.PlanID)
	if err != nil {
		t.Fatalf("failed to get updated execution: %v", err)
	}
	if updated.Status != orchestrator.ExecutionStatusPolling {
		t.Errorf("expected status POLLING, got %s", updated.Status)
	}
	if updated.Version != 1 {
		t.Errorf("expected stored version 1, got %d", updated.Version)
	}

	// Delete
	if err := store.DeleteExecution(ctx, exec.ID, exec.PlanID); err != nil {
		t.Fatalf("failed to delete execution: %v", err)
	}

	_, err = store.GetExecution(ctx, exec.ID, exec.PlanID)
	if !orchestrator.IsNotFound(err) {
		t.Errorf("expected not-found error after delete, got %v", err)
	}
}

// TestExecutionGetMissing verifies the not-found classification
func TestExecutionGetMissing(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	_, err := store.GetExecution(context.Background(), "no-such-exec", "no-such-plan")
	if err == nil {
		t.Fatal("expected error for missing execution")
	}
	if !orchestrator.IsNotFound(err) {
		t.Errorf("expected not-found classification, got %v", err)
	}
}

// TestExecutionVersionConflict verifies the guarded write loses when stale
func TestExecutionVersionConflict(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	exec := orchestrator.NewExecution(testPlan("plan-002", 1), nil, time.Now())
	if err := store.PutExecution(ctx, exec); err != nil {
		t.Fatalf("failed to put execution: %v", err)
	}

	// Two readers pick up the same version
	copyA, err := store.GetExecution(ctx, exec.ID, exec.PlanID)
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}
	copyB, err := store.GetExecution(ctx, exec.ID, exec.PlanID)
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}

	copyA.Status = orchestrator.ExecutionStatusPolling
	if err := store.UpdateExecution(ctx, copyA); err != nil {
		t.Fatalf("first writer should win: %v", err)
	}

	copyB.Status = orchestrator.ExecutionStatusCancelling
	err = store.UpdateExecution(ctx, copyB)
	if err == nil {
		t.Fatal("expected stale writer to fail")
	}
	if !orchestrator.IsConflict(err) {
		t.Errorf("expected conflict classification, got %v", err)
	}

	// The winner's write survived
	stored, err := store.GetExecution(ctx, exec.ID, exec.PlanID)
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}
	if stored.Status != orchestrator.ExecutionStatusPolling {
		t.Errorf("expected status POLLING, got %s", stored.Status)
	}
	if stored.Version != 1 {
		t.Errorf("expected version 1, got %d", stored.Version)
	}
}

// TestListActiveExecutions verifies terminal executions are excluded
func TestListActiveExecutions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	active := orchestrator.NewExecution(testPlan("plan-a", 1), nil, now)
	if err := store.PutExecution(ctx, active); err != nil {
		t.Fatalf("failed to put active execution: %v", err)
	}

	polling := orchestrator.NewExecution(testPlan("plan-b", 1), nil, now)
	polling.Status = orchestrator.ExecutionStatusPolling
	if err := store.PutExecution(ctx, polling); err != nil {
		t.Fatalf("failed to put polling execution: %v", err)
	}

	done := orchestrator.NewExecution(testPlan("plan-c", 1), nil, now)
	done.Status = orchestrator.ExecutionStatusCompleted
	if err := store.PutExecution(ctx, done); err != nil {
		t.Fatalf("failed to put completed execution: %v", err)
	}

	executions, err := store.ListActiveExecutions(ctx)
	if err != nil {
		t.Fatalf("failed to list active executions: %v", err)
	}

	if len(executions) != 2 {
		t.Fatalf("expected 2 active executions, got %d", len(executions))
	}
	for _, e := range executions {
		if !e.Status.IsActive() {
			t.Errorf("execution %s has non-active status %s", e.ID, e.Status)
		}
	}
}

// TestProtectionGroupCRUD tests protection group persistence
func TestProtectionGroupCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	group := &orchestrator.ProtectionGroup{
		GroupID:   "pg-001",
		Name:      "databases",
		Region:    "us-east-1",
		ServerIDs: []string{"s-1", "s-2"},
		LaunchConfigs: map[string]map[string]any{
			"s-1": {"instance_type": "m5.large"},
			"s-2": {"instance_type": "m5.xlarge"},
		},
	}

	if err := store.PutProtectionGroup(ctx, group); err != nil {
		t.Fatalf("failed to put protection group: %v", err)
	}

	retrieved, err := store.GetProtectionGroup(ctx, group.GroupID)
	if err != nil {
		t.Fatalf("failed to get protection group: %v", err)
	}

	if retrieved.Name != group.Name {
		t.Errorf("expected name %s, got %s", group.Name, retrieved.Name)
	}
	if retrieved.Region != group.Region {
		t.Errorf("expected region %s, got %s", group.Region, retrieved.Region)
	}
	if len(retrieved.ServerIDs) != 2 {
		t.Errorf("expected 2 server ids, got %d", len(retrieved.ServerIDs))
	}
	if retrieved.LaunchConfigStatus != nil {
		t.Errorf("expected no launch config status, got %+v", retrieved.LaunchConfigStatus)
	}

	// Replace via upsert
	group.Name = "databases-renamed"
	if err := store.PutProtectionGroup(ctx, group); err != nil {
		t.Fatalf("failed to upsert protection group: %v", err)
	}

	updated, err := store.GetProtectionGroup(ctx, group.GroupID)
	if err != nil {
		t.Fatalf("failed to get updated protection group: %v", err)
	}
	if updated.Name != "databases-renamed" {
		t.Errorf("expected updated name, got %s", updated.Name)
	}

	// List
	groups, err := store.ListProtectionGroups(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list protection groups: %v", err)
	}
	if len(groups) != 1 {
		t.Errorf("expected 1 protection group, got %d", len(groups))
	}

	// Delete
	if err := store.DeleteProtectionGroup(ctx, group.GroupID); err != nil {
		t.Fatalf("failed to delete protection group: %v", err)
	}

	_, err = store.GetProtectionGroup(ctx, group.GroupID)
	if !orchestrator.IsNotFound(err) {
		t.Errorf("expected not-found error after delete, got %v", err)
	}
}

// TestPutLaunchConfigStatus tests the targeted status write
func TestPutLaunchConfigStatus(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	group := &orchestrator.ProtectionGroup{
		GroupID:   "pg-002",
		Region:    "us-west-2",
		ServerIDs: []string{"s-1"},
	}
	if err := store.PutProtectionGroup(ctx, group); err != nil {
		t.Fatalf("failed to put protection group: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	status := orchestrator.NewLaunchConfigStatus()
	status.Status = orchestrator.ConfigStatusReady
	status.LastApplied = &now
	status.AppliedBy = "executor"
	status.ServerConfigs["s-1"] = &orchestrator.ServerConfigStatus{
		Status:     orchestrator.ServerConfigReady,
		ConfigHash: "sha256:abc",
	}

	if err := store.PutLaunchConfigStatus(ctx, group.GroupID, status); err != nil {
		t.Fatalf("failed to put launch config status: %v", err)
	}

	retrieved, err := store.GetProtectionGroup(ctx, group.GroupID)
	if err != nil {
		t.Fatalf("failed to get protection group: %v", err)
	}
	if retrieved.LaunchConfigStatus == nil {
		t.Fatal("expected launch config status to be set")
	}
	if retrieved.LaunchConfigStatus.Status != orchestrator.ConfigStatusReady {
		t.Errorf("expected status ready, got %s", retrieved.LaunchConfigStatus.Status)
	}
	sc := retrieved.LaunchConfigStatus.ServerConfigs["s-1"]
	if sc == nil || sc.ConfigHash != "sha256:abc" {
		t.Errorf("expected server config hash to round-trip, got %+v", sc)
	}

	// Missing group surfaces not-found
	err = store.PutLaunchConfigStatus(ctx, "pg-missing", status)
	if !orchestrator.IsNotFound(err) {
		t.Errorf("expected not-found error for missing group, got %v", err)
	}
}

// TestWaveResultSync tests that UpdateExecution mirrors wave results
func TestWaveResultSync(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	exec := orchestrator.NewExecution(testPlan("plan-wr", 2), nil, time.Now())
	if err := store.PutExecution(ctx, exec); err != nil {
		t.Fatalf("failed to put execution: %v", err)
	}

	start := time.Now().UTC().Truncate(time.Second)
	end := start.Add(5 * time.Minute)
	exec.WaveResults = append(exec.WaveResults, orchestrator.WaveResult{
		ID:              "wr-001",
		WaveNumber:      0,
		WaveName:        "first",
		Status:          orchestrator.WaveStatusCompleted,
		JobID:           "job-001",
		LaunchedServers: 3,
		StartTime:       &start,
		EndTime:         &end,
	})
	if err := store.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("failed to update execution: %v", err)
	}

	results, err := store.ListWaveResults(ctx, exec.ID)
	if err != nil {
		t.Fatalf("failed to list wave results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 wave result, got %d", len(results))
	}
	wr := results[0]
	if wr.ID != "wr-001" || wr.JobID != "job-001" {
		t.Errorf("unexpected wave result identity: %+v", wr)
	}
	if wr.LaunchedServers != 3 {
		t.Errorf("expected 3 launched servers, got %d", wr.LaunchedServers)
	}
	if wr.Duration != 5*time.Minute {
		t.Errorf("expected 5m duration, got %s", wr.Duration)
	}

	// A second update re-syncs the same row instead of duplicating it
	exec.WaveResults[0].FailedServers = 1
	if err := store.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("failed to update execution again: %v", err)
	}

	results, err = store.ListWaveResults(ctx, exec.ID)
	if err != nil {
		t.Fatalf("failed to list wave results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 wave result after re-sync, got %d", len(results))
	}
	if results[0].FailedServers != 1 {
		t.Errorf("expected failed count to update, got %d", results[0].FailedServers)
	}
}

// TestEventOperations tests the audit event log
func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	execID := "exec-001"
	waveZero := 0

	events := []*Event{
		{
			ExecutionID: &execID,
			Level:       EventLevelInfo,
			Type:        "execution.started",
			Message:     "Execution started",
			Timestamp:   now,
		},
		{
			ExecutionID: &execID,
			WaveNumber:  &waveZero,
			Level:       EventLevelWarning,
			Type:        "drift.detected",
			Message:     "Launch configuration drift detected",
			Timestamp:   now.Add(1 * time.Second),
		},
		{
			ExecutionID: &execID,
			WaveNumber:  &waveZero,
			Level:       EventLevelError,
			Type:        "wave.failed",
			Message:     "Wave failed to launch",
			Timestamp:   now.Add(2 * time.Second),
		},
	}

	for _, event := range events {
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.ID == 0 {
			t.Error("expected event ID to be set after insert")
		}
	}

	// All events for the execution
	retrieved, err := store.ListEvents(ctx, &execID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(retrieved) != 3 {
		t.Errorf("expected 3 events, got %d", len(retrieved))
	}

	// Filter by level
	errorLevel := EventLevelError
	filtered, err := store.ListEvents(ctx, nil, &errorLevel, 10, 0)
	if err != nil {
		t.Fatalf("failed to list filtered events: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(filtered))
	}
	if filtered[0].Type != "wave.failed" {
		t.Errorf("expected wave.failed event, got %s", filtered[0].Type)
	}
	if filtered[0].WaveNumber == nil || *filtered[0].WaveNumber != 0 {
		t.Errorf("expected wave number 0, got %v", filtered[0].WaveNumber)
	}
}

// TestTransactions tests transaction support
func TestTransactions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	exec := orchestrator.NewExecution(testPlan("plan-tx", 1), nil, time.Now())

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}

	query := `
		INSERT INTO executions (id, plan_id, status, version, document, created_at, updated_at)
		VALUES (?, ?, ?, 0, '{}', ?, ?)
	`
	now := time.Now().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, query, exec.ID, exec.PlanID, string(exec.Status), now, now)
	if err != nil {
		store.RollbackTx(tx)
		t.Fatalf("failed to insert execution in transaction: %v", err)
	}

	// Rollback
	if err := store.RollbackTx(tx); err != nil {
		t.Fatalf("failed to rollback transaction: %v", err)
	}

	_, err = store.GetExecution(ctx, exec.ID, exec.PlanID)
	if err == nil {
		t.Error("expected error when getting rolled back execution")
	}

	// Commit
	tx, err = store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin second transaction: %v", err)
	}
	_, err = tx.ExecContext(ctx, query, exec.ID, exec.PlanID, string(exec.Status), now, now)
	if err != nil {
		store.RollbackTx(tx)
		t.Fatalf("failed to insert execution in second transaction: %v", err)
	}
	if err := store.CommitTx(tx); err != nil {
		t.Fatalf("failed to commit transaction: %v", err)
	}

	var count int
	err = store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM executions WHERE id = ?", exec.ID).Scan(&count)
	if err != nil {
		t.Fatalf("failed to count executions: %v", err)
	}
	if count != 1 {
		t.Errorf("expected committed execution row, got count %d", count)
	}
}

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	// Run tests
	code := m.Run()

	// Exit
	os.Exit(code)
}
