package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/recowave/recowave/pkg/orchestrator"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// HealthCheck verifies the database is accessible
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Execution operations

// GetExecution retrieves an execution by its (executionID, planID) key.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID, planID string) (*orchestrator.Execution, error) {
	query := `SELECT document, version FROM executions WHERE id = ? AND plan_id = ?`

	var document string
	var version int64
	err := s.db.QueryRowContext(ctx, query, executionID, planID).Scan(&document, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orchestrator.NewNotFoundError(
				fmt.Sprintf("execution %s not found for plan %s", executionID, planID))
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var exec orchestrator.Execution
	if err := json.Unmarshal([]byte(document), &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution document: %w", err)
	}
	// The version column is authoritative; the document copy may lag a
	// concurrent writer by one bump.
	exec.Version = version

	return &exec, nil
}

// PutExecution creates a new execution record.
func (s *SQLiteStore) PutExecution(ctx context.Context, exec *orchestrator.Execution) error {
	document, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	query := `
		INSERT INTO executions (id, plan_id, status, version, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, query,
		exec.ID, exec.PlanID, string(exec.Status), exec.Version, string(document), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	return nil
}

// UpdateExecution persists an execution guarded by its version. The write
// only lands when the stored version still matches the in-memory one; a
// mismatch means another poll cycle won the race and the caller must
// discard its copy.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *orchestrator.Execution) error {
	document, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	query := `
		UPDATE executions
		SET document = ?, status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND plan_id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(document), string(exec.Status), time.Now().Format(time.RFC3339),
		exec.ID, exec.PlanID, exec.Version)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return orchestrator.NewConflictError(
			fmt.Sprintf("execution %s version %d is stale", exec.ID, exec.Version), nil)
	}

	exec.Version++

	if err := s.syncWaveResults(ctx, exec); err != nil {
		return fmt.Errorf("failed to sync wave results: %w", err)
	}

	return nil
}

// syncWaveResults mirrors the execution's wave history into queryable rows.
func (s *SQLiteStore) syncWaveResults(ctx context.Context, exec *orchestrator.Execution) error {
	query := `
		INSERT OR REPLACE INTO wave_results
		(id, execution_id, wave_number, wave_name, status, job_id,
		 launched_servers, failed_servers, start_time, end_time, error_code, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().Format(time.RFC3339)
	for _, wr := range exec.WaveResults {
		var startTime, endTime any
		if wr.StartTime != nil {
			startTime = wr.StartTime.Format(time.RFC3339)
		}
		if wr.EndTime != nil {
			endTime = wr.EndTime.Format(time.RFC3339)
		}
		_, err := s.db.ExecContext(ctx, query,
			wr.ID, exec.ID, wr.WaveNumber, wr.WaveName, string(wr.Status), wr.JobID,
			wr.LaunchedServers, wr.FailedServers, startTime,
			endTime, wr.ErrorCode, wr.Error, now)
		if err != nil {
			return fmt.Errorf("failed to upsert wave result %s: %w", wr.ID, err)
		}
	}
	return nil
}

// ListActiveExecutions lists executions that still hold server claims.
func (s *SQLiteStore) ListActiveExecutions(ctx context.Context) ([]orchestrator.Execution, error) {
	query := `
		SELECT document, version FROM executions
		WHERE status IN ('PENDING', 'POLLING', 'PAUSED', 'CANCELLING')
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanExecutions(rows)
}

// ListExecutions retrieves executions ordered by creation time, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]orchestrator.Execution, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT document, version FROM executions
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanExecutions(rows)
}

func scanExecutions(rows *sql.Rows) ([]orchestrator.Execution, error) {
	var executions []orchestrator.Execution
	for rows.Next() {
		var document string
		var version int64
		if err := rows.Scan(&document, &version); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		var exec orchestrator.Execution
		if err := json.Unmarshal([]byte(document), &exec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution document: %w", err)
		}
		exec.Version = version
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return executions, nil
}

// DeleteExecution removes an execution and its wave result rows.
func (s *SQLiteStore) DeleteExecution(ctx context.Context, executionID, planID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM wave_results WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("failed to delete wave results: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE id = ? AND plan_id = ?`, executionID, planID)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return orchestrator.NewNotFoundError(
			fmt.Sprintf("execution %s not found for plan %s", executionID, planID))
	}

	return nil
}

// Protection group operations

// GetProtectionGroup retrieves a protection group with its persisted
// launch-configuration status.
func (s *SQLiteStore) GetProtectionGroup(ctx context.Context, groupID string) (*orchestrator.ProtectionGroup, error) {
	query := `SELECT document, launch_config_status FROM protection_groups WHERE group_id = ?`

	var document string
	var statusDoc sql.NullString
	err := s.db.QueryRowContext(ctx, query, groupID).Scan(&document, &statusDoc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orchestrator.NewNotFoundError(
				fmt.Sprintf("protection group %s not found", groupID))
		}
		return nil, fmt.Errorf("failed to get protection group: %w", err)
	}

	var group orchestrator.ProtectionGroup
	if err := json.Unmarshal([]byte(document), &group); err != nil {
		return nil, fmt.Errorf("failed to unmarshal protection group document: %w", err)
	}

	// The status column is written independently of the group document and
	// overrides whatever the document carries.
	if statusDoc.Valid && statusDoc.String != "" {
		var status orchestrator.LaunchConfigStatus
		if err := json.Unmarshal([]byte(statusDoc.String), &status); err != nil {
			return nil, fmt.Errorf("failed to unmarshal launch config status: %w", err)
		}
		group.LaunchConfigStatus = &status
	}

	return &group, nil
}

// PutProtectionGroup creates or replaces a protection group record.
func (s *SQLiteStore) PutProtectionGroup(ctx context.Context, group *orchestrator.ProtectionGroup) error {
	document, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("failed to marshal protection group: %w", err)
	}

	var statusDoc any
	if group.LaunchConfigStatus != nil {
		raw, err := json.Marshal(group.LaunchConfigStatus)
		if err != nil {
			return fmt.Errorf("failed to marshal launch config status: %w", err)
		}
		statusDoc = string(raw)
	}

	query := `
		INSERT OR REPLACE INTO protection_groups
		(group_id, name, region, document, launch_config_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		group.GroupID, group.Name, group.Region, string(document), statusDoc,
		time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert protection group: %w", err)
	}

	return nil
}

// PutLaunchConfigStatus atomically replaces the stored launch-configuration
// status of a group without touching the group document.
func (s *SQLiteStore) PutLaunchConfigStatus(ctx context.Context, groupID string, status *orchestrator.LaunchConfigStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal launch config status: %w", err)
	}

	query := `UPDATE protection_groups SET launch_config_status = ?, updated_at = ? WHERE group_id = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(raw), time.Now().Format(time.RFC3339), groupID)
	if err != nil {
		return fmt.Errorf("failed to update launch config status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return orchestrator.NewNotFoundError(
			fmt.Sprintf("protection group %s not found", groupID))
	}

	return nil
}

// ListProtectionGroups retrieves protection groups ordered by name.
func (s *SQLiteStore) ListProtectionGroups(ctx context.Context, limit, offset int) ([]orchestrator.ProtectionGroup, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT document, launch_config_status FROM protection_groups
		ORDER BY name ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list protection groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []orchestrator.ProtectionGroup
	for rows.Next() {
		var document string
		var statusDoc sql.NullString
		if err := rows.Scan(&document, &statusDoc); err != nil {
			return nil, fmt.Errorf("failed to scan protection group row: %w", err)
		}
		var group orchestrator.ProtectionGroup
		if err := json.Unmarshal([]byte(document), &group); err != nil {
			return nil, fmt.Errorf("failed to unmarshal protection group document: %w", err)
		}
		if statusDoc.Valid && statusDoc.String != "" {
			var status orchestrator.LaunchConfigStatus
			if err := json.Unmarshal([]byte(statusDoc.String), &status); err != nil {
				return nil, fmt.Errorf("failed to unmarshal launch config status: %w", err)
			}
			group.LaunchConfigStatus = &status
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return groups, nil
}

// DeleteProtectionGroup removes a protection group.
func (s *SQLiteStore) DeleteProtectionGroup(ctx context.Context, groupID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM protection_groups WHERE group_id = ?`, groupID)
	if err != nil {
		return fmt.Errorf("failed to delete protection group: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return orchestrator.NewNotFoundError(
			fmt.Sprintf("protection group %s not found", groupID))
	}

	return nil
}

// Wave result operations

// ListWaveResults retrieves the wave history rows for an execution.
func (s *SQLiteStore) ListWaveResults(ctx context.Context, executionID string) ([]orchestrator.WaveResult, error) {
	query := `
		SELECT id, wave_number, wave_name, status, job_id,
		       launched_servers, failed_servers, start_time, end_time, error_code, error
		FROM wave_results
		WHERE execution_id = ?
		ORDER BY wave_number ASC, start_time ASC
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wave results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []orchestrator.WaveResult
	for rows.Next() {
		var wr orchestrator.WaveResult
		var status string
		var jobID, startTime, endTime, errorCode, errMsg sql.NullString
		if err := rows.Scan(&wr.ID, &wr.WaveNumber, &wr.WaveName, &status, &jobID,
			&wr.LaunchedServers, &wr.FailedServers, &startTime, &endTime, &errorCode, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan wave result row: %w", err)
		}
		wr.Status = orchestrator.WaveStatus(status)
		if jobID.Valid {
			wr.JobID = jobID.String
		}
		if startTime.Valid {
			st, err := time.Parse(time.RFC3339, startTime.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse wave result start time: %w", err)
			}
			wr.StartTime = &st
		}
		if endTime.Valid {
			et, err := time.Parse(time.RFC3339, endTime.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse wave result end time: %w", err)
			}
			wr.EndTime = &et
		}
		if wr.StartTime != nil && wr.EndTime != nil {
			wr.Duration = wr.EndTime.Sub(*wr.StartTime)
		}
		if errorCode.Valid {
			wr.ErrorCode = errorCode.String
		}
		if errMsg.Valid {
			wr.Error = errMsg.String
		}
		results = append(results, wr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return results, nil
}

// Event operations

// AppendEvent appends an event to the audit log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
		INSERT INTO events (execution_id, wave_number, level, type, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.ExecutionID, event.WaveNumber, string(event.Level),
		event.Type, event.Message, event.Details,
		event.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}
	event.ID = id

	return nil
}

// ListEvents retrieves events, optionally filtered by execution and level,
// newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, executionID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, execution_id, wave_number, level, type, message, details, timestamp
		FROM events
		WHERE 1=1
	`
	args := []any{}

	if executionID != nil {
		query += " AND execution_id = ?"
		args = append(args, *executionID)
	}
	if level != nil {
		query += " AND level = ?"
		args = append(args, string(*level))
	}

	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var e Event
		var lvl, ts string
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.WaveNumber, &lvl,
			&e.Type, &e.Message, &e.Details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Level = EventLevel(lvl)
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		e.Timestamp = t
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return events, nil
}
