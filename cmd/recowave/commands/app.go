package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/recowave/recowave/pkg/controlplane"
	"github.com/recowave/recowave/pkg/orchestrator"
	"github.com/recowave/recowave/pkg/stores"
	"github.com/recowave/recowave/pkg/telemetry"
)

// app wires the runtime dependencies a command needs: store, control-plane
// clients, telemetry and the orchestrator facade.
type app struct {
	store     *stores.SQLiteStore
	provider  *controlplane.Provider
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	publisher *telemetry.EventPublisher
	admission *orchestrator.AdmissionController
	configs   *orchestrator.LaunchConfigService
	orch      *orchestrator.Orchestrator

	subscribers sync.WaitGroup
}

// newApp builds the runtime from the global flags. The store is opened and
// migrated; lifecycle events are persisted to its audit log.
func newApp(ctx context.Context) (*app, error) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  level,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:   true,
		Namespace: "recowave",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	cpEndpoint := endpoint
	if cpEndpoint == "" {
		cpEndpoint = os.Getenv("RECOWAVE_ENDPOINT")
	}
	cpToken := token
	if cpToken == "" {
		cpToken = os.Getenv("RECOWAVE_TOKEN")
	}
	provider, err := controlplane.NewProvider(
		controlplane.Config{Endpoint: cpEndpoint, Token: cpToken},
		nil,
		logger.Zerolog(),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("invalid control-plane configuration: %w", err)
	}

	zl := logger.Zerolog()
	admission := orchestrator.NewAdmissionController(store, provider, zl,
		orchestrator.WithAdmissionMetrics(metrics))
	configs := orchestrator.NewLaunchConfigService(store, provider, zl,
		orchestrator.WithConfigMetrics(metrics))
	executor := orchestrator.NewWaveExecutor(store, provider, admission, configs, zl,
		orchestrator.WithExecutorMetrics(metrics),
		orchestrator.WithActor("recowave-cli"))
	poller := orchestrator.NewWavePoller(store, provider, executor, zl,
		orchestrator.WithPollerMetrics(metrics))

	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	a := &app{
		store:     store,
		provider:  provider,
		logger:    logger,
		metrics:   metrics,
		publisher: publisher,
		admission: admission,
		configs:   configs,
		orch: orchestrator.New(orchestrator.Deps{
			Store:     store,
			Admission: admission,
			Executor:  executor,
			Poller:    poller,
			Configs:   configs,
			Logger:    zl,
			Metrics:   metrics,
		}),
	}
	publisher.Subscribe(a.persistEvent, nil)
	return a, nil
}

// persistEvent appends a published event to the store's audit log.
func (a *app) persistEvent(event telemetry.Event) {
	a.subscribers.Add(1)
	defer a.subscribers.Done()

	record := &stores.Event{
		Level:     stores.EventLevel(event.Level),
		Type:      event.Type,
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if record.Level == "" {
		record.Level = stores.EventLevelInfo
	}
	if event.ExecutionID != "" {
		record.ExecutionID = &event.ExecutionID
	}
	if strings.HasPrefix(event.Type, "wave.") {
		wave := event.WaveNumber
		record.WaveNumber = &wave
	}
	if len(event.Data) > 0 {
		if raw, err := json.Marshal(event.Data); err == nil {
			details := string(raw)
			record.Details = &details
		}
	}
	if err := a.store.AppendEvent(context.Background(), record); err != nil {
		a.logger.NewComponentLogger("events").WithError(err).Warn("Failed to persist event")
	}
}

// Close flushes pending events and closes the store.
func (a *app) Close(ctx context.Context) {
	_ = a.publisher.Shutdown(ctx)
	a.subscribers.Wait()
	_ = a.store.Close()
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// printExecution writes a short human-readable execution summary.
func printExecution(exec *orchestrator.Execution) {
	fmt.Printf("Execution: %s (plan %s)\n", exec.ID, exec.PlanID)
	fmt.Printf("  Type:   %s\n", exec.Type)
	fmt.Printf("  Status: %s\n", exec.Status)
	if exec.PausedBeforeWave != nil {
		fmt.Printf("  Paused before wave %d\n", *exec.PausedBeforeWave)
	}
	for i := range exec.Waves {
		wave := &exec.Waves[i]
		fmt.Printf("  Wave %d (%s): %s", wave.WaveNumber, wave.ProtectionGroupID, wave.Status)
		if wave.JobID != "" {
			fmt.Printf(" job=%s", wave.JobID)
		}
		if wave.ErrorCode != "" {
			fmt.Printf(" error=%s", wave.ErrorCode)
		}
		fmt.Println()
	}
}
