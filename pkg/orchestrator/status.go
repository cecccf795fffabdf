package orchestrator

import (
	"encoding/json"
	"fmt"
)

// ExecutionType distinguishes drills from real recoveries.
type ExecutionType string

const (
	// ExecutionTypeDrill launches recovery instances for testing only.
	ExecutionTypeDrill ExecutionType = "DRILL"

	// ExecutionTypeRecovery launches real recovery instances and requires
	// post-launch actions to complete before a wave counts as done.
	ExecutionTypeRecovery ExecutionType = "RECOVERY"
)

// Validate checks if the execution type is valid.
func (t ExecutionType) Validate() error {
	switch t {
	case ExecutionTypeDrill, ExecutionTypeRecovery:
		return nil
	default:
		return fmt.Errorf("invalid execution type: %s", t)
	}
}

// ExecutionStatus represents the overall status of a recovery execution.
type ExecutionStatus string

const (
	// ExecutionStatusPending indicates the execution is created but no wave
	// has been started yet.
	ExecutionStatusPending ExecutionStatus = "PENDING"

	// ExecutionStatusPolling indicates a wave is in flight and the external
	// scheduler is expected to keep invoking Poll.
	ExecutionStatusPolling ExecutionStatus = "POLLING"

	// ExecutionStatusPaused indicates the execution stopped before a wave
	// whose plan declares a pause; Resume restarts it.
	ExecutionStatusPaused ExecutionStatus = "PAUSED"

	// ExecutionStatusCancelling indicates cancellation was requested
	// externally; the next Poll observes it and finalizes.
	ExecutionStatusCancelling ExecutionStatus = "CANCELLING"

	// ExecutionStatusCompleted indicates every wave completed.
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"

	// ExecutionStatusCompletedWithWarnings indicates the execution finished
	// without raw failures but not every wave completed cleanly.
	ExecutionStatusCompletedWithWarnings ExecutionStatus = "COMPLETED_WITH_WARNINGS"

	// ExecutionStatusFailed indicates at least one wave failed.
	ExecutionStatusFailed ExecutionStatus = "FAILED"

	// ExecutionStatusTimeout indicates a wave exceeded its wait budget.
	ExecutionStatusTimeout ExecutionStatus = "TIMEOUT"

	// ExecutionStatusCancelled indicates the execution was cancelled.
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal returns true if the status represents a final state. Terminal
// executions are never mutated again except by idempotent re-reads.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusCompletedWithWarnings,
		ExecutionStatusFailed, ExecutionStatusTimeout, ExecutionStatusCancelled:
		return true
	}
	return false
}

// IsActive returns true if the execution currently holds (or may hold)
// servers and must be considered by admission control.
func (s ExecutionStatus) IsActive() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusPolling,
		ExecutionStatusPaused, ExecutionStatusCancelling:
		return true
	}
	return false
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	if s.IsTerminal() || s.IsActive() {
		return nil
	}
	return fmt.Errorf("invalid execution status: %s", s)
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecutionStatus(str)
	return s.Validate()
}

// WaveStatus represents the status of a single wave within an execution.
type WaveStatus string

const (
	// WaveStatusPending indicates the wave has not been started.
	WaveStatusPending WaveStatus = "PENDING"

	// WaveStatusStarted indicates the recovery job was created.
	WaveStatusStarted WaveStatus = "STARTED"

	// WaveStatusLaunching indicates servers are launching.
	WaveStatusLaunching WaveStatus = "LAUNCHING"

	// WaveStatusConverting indicates servers are being converted.
	WaveStatusConverting WaveStatus = "CONVERTING"

	// WaveStatusInProgress indicates the job is running with mixed
	// per-server progress.
	WaveStatusInProgress WaveStatus = "IN_PROGRESS"

	// WaveStatusCompleted indicates every server launched successfully.
	WaveStatusCompleted WaveStatus = "COMPLETED"

	// WaveStatusFailed indicates at least one server failed to launch.
	WaveStatusFailed WaveStatus = "FAILED"

	// WaveStatusTimeout indicates the wave exceeded its wait budget.
	WaveStatusTimeout WaveStatus = "TIMEOUT"

	// WaveStatusCancelled indicates the wave was cancelled.
	WaveStatusCancelled WaveStatus = "CANCELLED"
)

// IsTerminal returns true if the wave status represents a final state.
// A new job may only be created for a wave once its previous job reached a
// terminal state.
func (s WaveStatus) IsTerminal() bool {
	switch s {
	case WaveStatusCompleted, WaveStatusFailed, WaveStatusTimeout, WaveStatusCancelled:
		return true
	}
	return false
}

// Validate checks if the wave status is valid.
func (s WaveStatus) Validate() error {
	switch s {
	case WaveStatusPending, WaveStatusStarted, WaveStatusLaunching,
		WaveStatusConverting, WaveStatusInProgress, WaveStatusCompleted,
		WaveStatusFailed, WaveStatusTimeout, WaveStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid wave status: %s", s)
	}
}

// LaunchStatus represents the per-server launch status reported by the
// recovery control plane, normalized to the orchestrator's vocabulary.
type LaunchStatus string

const (
	// LaunchStatusPending indicates the server has not started launching.
	LaunchStatusPending LaunchStatus = "PENDING"

	// LaunchStatusInProgress indicates the server launch is underway.
	LaunchStatusInProgress LaunchStatus = "IN_PROGRESS"

	// LaunchStatusLaunched indicates the recovery instance is up.
	LaunchStatusLaunched LaunchStatus = "LAUNCHED"

	// LaunchStatusFailed indicates the launch failed.
	LaunchStatusFailed LaunchStatus = "FAILED"

	// LaunchStatusTerminated indicates the recovery instance was terminated.
	LaunchStatusTerminated LaunchStatus = "TERMINATED"
)

// IsTerminal returns true if the launch status represents a final state.
func (s LaunchStatus) IsTerminal() bool {
	return s == LaunchStatusLaunched || s.IsFailure()
}

// IsFailure returns true for launch outcomes counted as failed.
func (s LaunchStatus) IsFailure() bool {
	return s == LaunchStatusFailed || s == LaunchStatusTerminated
}

// ConfigStatus represents the aggregate launch-configuration status of a
// protection group.
type ConfigStatus string

const (
	// ConfigStatusNotConfigured indicates no configuration was ever applied.
	ConfigStatusNotConfigured ConfigStatus = "not_configured"

	// ConfigStatusPending indicates an application is in progress.
	ConfigStatusPending ConfigStatus = "pending"

	// ConfigStatusReady indicates every server's configuration applied.
	ConfigStatusReady ConfigStatus = "ready"

	// ConfigStatusFailed indicates every server's configuration failed.
	ConfigStatusFailed ConfigStatus = "failed"

	// ConfigStatusPartial indicates a mix of applied, failed and pending.
	ConfigStatusPartial ConfigStatus = "partial"
)

// Validate checks if the config status is valid.
func (s ConfigStatus) Validate() error {
	switch s {
	case ConfigStatusNotConfigured, ConfigStatusPending, ConfigStatusReady,
		ConfigStatusFailed, ConfigStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid launch config status: %s", s)
	}
}

// ServerConfigState represents the launch-configuration state of one server.
type ServerConfigState string

const (
	// ServerConfigReady indicates the configuration applied successfully.
	ServerConfigReady ServerConfigState = "ready"

	// ServerConfigPending indicates the configuration has not been applied
	// yet, including servers skipped when an apply ran out of budget.
	ServerConfigPending ServerConfigState = "pending"

	// ServerConfigFailed indicates the configuration failed to apply.
	ServerConfigFailed ServerConfigState = "failed"
)

// JobStatus represents the lifecycle status of a control-plane job.
type JobStatus string

const (
	// JobStatusPending indicates the job was created but has not started.
	JobStatusPending JobStatus = "PENDING"

	// JobStatusStarted indicates the job is running.
	JobStatusStarted JobStatus = "STARTED"

	// JobStatusCompleted indicates the job finished (which says nothing
	// about per-server success).
	JobStatusCompleted JobStatus = "COMPLETED"
)

// IsLive returns true for jobs that hold servers from the control plane's
// point of view.
func (s JobStatus) IsLive() bool {
	return s == JobStatusPending || s == JobStatusStarted
}

// ConflictKind classifies admission-control findings.
type ConflictKind string

const (
	// ConflictKindExecution flags a server already held by another
	// active execution known to the orchestrator.
	ConflictKindExecution ConflictKind = "execution"

	// ConflictKindDRSJob flags a server participating in a live
	// control-plane job not reflected in any execution record.
	ConflictKindDRSJob ConflictKind = "drs_job"

	// ConflictKindQuotaViolation flags a service-quota breach.
	ConflictKindQuotaViolation ConflictKind = "quota_violation"
)
