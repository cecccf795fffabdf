package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/recowave/recowave/pkg/orchestrator"
)

// EventLevel represents the severity level of a stored event.
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Event represents an append-only audit log entry. Events are only ever
// appended and pruned, never updated.
type Event struct {
	ID          int64      `json:"id"`
	ExecutionID *string    `json:"execution_id,omitempty"`
	WaveNumber  *int       `json:"wave_number,omitempty"`
	Level       EventLevel `json:"level"`
	Type        string     `json:"type"`
	Message     string     `json:"message"`
	Details     *string    `json:"details,omitempty"` // JSON blob
	Timestamp   time.Time  `json:"timestamp"`
}

// Store defines the interface for the persistence layer. It embeds the
// orchestrator's store contract and adds lifecycle, audit and query
// surfaces that only the outer layers use.
type Store interface {
	orchestrator.ExecutionStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Execution queries beyond the orchestrator contract
	ListExecutions(ctx context.Context, limit, offset int) ([]orchestrator.Execution, error)
	DeleteExecution(ctx context.Context, executionID, planID string) error

	// Protection group queries
	ListProtectionGroups(ctx context.Context, limit, offset int) ([]orchestrator.ProtectionGroup, error)
	DeleteProtectionGroup(ctx context.Context, groupID string) error

	// Wave result history
	ListWaveResults(ctx context.Context, executionID string) ([]orchestrator.WaveResult, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, executionID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
