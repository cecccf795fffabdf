package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/recowave/recowave/pkg/orchestrator"
	"github.com/recowave/recowave/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	// Create store configuration
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	// Store is now ready to use
	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_PutExecution demonstrates persisting a new execution.
func ExampleSQLiteStore_PutExecution() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	plan := &orchestrator.RecoveryPlan{
		ID:   "plan-001",
		Name: "regional failover",
		Type: orchestrator.ExecutionTypeDrill,
		Waves: []orchestrator.PlanWave{
			{WaveNumber: 0, WaveName: "databases", ProtectionGroupID: "pg-db"},
		},
	}
	exec := orchestrator.NewExecution(plan, nil, time.Now())

	if err := store.PutExecution(ctx, exec); err != nil {
		log.Fatal(err)
	}

	// Retrieve the execution
	retrieved, err := store.GetExecution(ctx, exec.ID, exec.PlanID)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Plan: %s, Status: %s, Waves: %d\n",
		retrieved.PlanID, retrieved.Status, len(retrieved.Waves))
	// Output: Plan: plan-001, Status: PENDING, Waves: 1
}

// ExampleSQLiteStore_UpdateExecution demonstrates the version-guarded write.
func ExampleSQLiteStore_UpdateExecution() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	plan := &orchestrator.RecoveryPlan{
		ID:   "plan-002",
		Type: orchestrator.ExecutionTypeDrill,
		Waves: []orchestrator.PlanWave{
			{WaveNumber: 0, ProtectionGroupID: "pg-app"},
		},
	}
	exec := orchestrator.NewExecution(plan, nil, time.Now())
	_ = store.PutExecution(ctx, exec)

	// A stale copy loses the race against a fresher writer
	stale, _ := store.GetExecution(ctx, exec.ID, exec.PlanID)

	exec.Status = orchestrator.ExecutionStatusPolling
	if err := store.UpdateExecution(ctx, exec); err != nil {
		log.Fatal(err)
	}

	stale.Status = orchestrator.ExecutionStatusCancelling
	err := store.UpdateExecution(ctx, stale)
	fmt.Printf("Stale write rejected: %v\n", orchestrator.IsConflict(err))
	// Output: Stale write rejected: true
}

// ExampleSQLiteStore_PutLaunchConfigStatus demonstrates persisting a
// whole-object launch-configuration status.
func ExampleSQLiteStore_PutLaunchConfigStatus() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	group := &orchestrator.ProtectionGroup{
		GroupID:   "pg-db",
		Name:      "databases",
		Region:    "us-east-1",
		ServerIDs: []string{"s-1"},
	}
	_ = store.PutProtectionGroup(ctx, group)

	now := time.Now()
	status := orchestrator.NewLaunchConfigStatus()
	status.Status = orchestrator.ConfigStatusReady
	status.LastApplied = &now
	status.AppliedBy = "executor"

	if err := store.PutLaunchConfigStatus(ctx, "pg-db", status); err != nil {
		log.Fatal(err)
	}

	retrieved, _ := store.GetProtectionGroup(ctx, "pg-db")
	fmt.Printf("Group: %s, Config status: %s\n",
		retrieved.GroupID, retrieved.LaunchConfigStatus.Status)
	// Output: Group: pg-db, Config status: ready
}

// ExampleSQLiteStore_AppendEvent demonstrates the audit event log.
func ExampleSQLiteStore_AppendEvent() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	execID := "exec-001"
	details := `{"wave":0,"servers":3}`
	event := &stores.Event{
		ExecutionID: &execID,
		Level:       stores.EventLevelInfo,
		Type:        "wave.started",
		Message:     "Wave 0 started",
		Details:     &details,
		Timestamp:   time.Now(),
	}

	if err := store.AppendEvent(ctx, event); err != nil {
		log.Fatal(err)
	}

	// Retrieve events
	events, err := store.ListEvents(ctx, &execID, nil, 10, 0)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Event count: %d, Message: %s\n", len(events), events[0].Message)
	// Output: Event count: 1, Message: Wave 0 started
}
