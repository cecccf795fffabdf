package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// AccountContext identifies the target account for cross-account operation.
// When nil, operations run against the orchestrator's own account.
type AccountContext struct {
	// AccountID is the target account id.
	AccountID string `json:"account_id"`

	// RoleName is the role assumed in the target account.
	RoleName string `json:"role_name"`

	// ExternalID is an optional external id for the role assumption.
	ExternalID string `json:"external_id,omitempty"`
}

// RecoveryPlan describes the waves of a recovery, in order. Plans are
// authored out of band (see pkg/plans) and referenced by executions.
type RecoveryPlan struct {
	// ID is the unique plan identifier.
	ID string `json:"id" validate:"required"`

	// Name is the human-readable plan name.
	Name string `json:"name"`

	// Type selects drill or real recovery for executions of this plan.
	Type ExecutionType `json:"type" validate:"required,oneof=DRILL RECOVERY"`

	// Waves are the ordered wave definitions. Wave numbers are 0-indexed
	// and unique within the plan.
	Waves []PlanWave `json:"waves" validate:"required,min=1,dive"`
}

// PlanWave is a single wave definition on a plan.
type PlanWave struct {
	// WaveNumber is the 0-indexed position of the wave.
	WaveNumber int `json:"wave_number" validate:"gte=0"`

	// WaveName is the human-readable wave name.
	WaveName string `json:"wave_name"`

	// ProtectionGroupID references the protection group recovered by
	// this wave.
	ProtectionGroupID string `json:"protection_group_id" validate:"required"`

	// PauseBeforeWave pauses the execution before this wave starts,
	// until an explicit resume. Consumed once per execution.
	PauseBeforeWave bool `json:"pause_before_wave"`

	// MaxWaitTime is the wave's total wait budget across poll cycles.
	// Zero means no budget.
	MaxWaitTime time.Duration `json:"max_wait_time"`

	// ConfigScript is an optional Starlark script deriving per-server
	// launch configurations (see pkg/plans).
	ConfigScript string `json:"config_script,omitempty"`
}

// Execution is the persisted state of one run of a recovery plan. It is
// created by the scheduler's begin call and mutated only by StartWave, Poll
// and Resume until it reaches a terminal status.
type Execution struct {
	// ID is the unique execution identifier.
	ID string `json:"id"`

	// PlanID references the plan this execution runs.
	PlanID string `json:"plan_id"`

	// Type is the execution type, copied from the plan at begin time.
	Type ExecutionType `json:"type"`

	// Status is the current execution status.
	Status ExecutionStatus `json:"status"`

	// Waves are the per-wave states, ordered by wave number.
	Waves []Wave `json:"waves"`

	// CurrentWaveNumber is the wave currently in flight (or next to start).
	CurrentWaveNumber int `json:"current_wave_number"`

	// CurrentWaveWaitTime accumulates poll intervals for the current wave
	// and is compared against the wave's MaxWaitTime.
	CurrentWaveWaitTime time.Duration `json:"current_wave_total_wait_time"`

	// PausedBeforeWave is the wave index the execution paused before,
	// or nil when not paused. Field name is a stable contract with the
	// UI layer.
	PausedBeforeWave *int `json:"pausedBeforeWave,omitempty"`

	// AccountContext is the target account, or nil for same-account.
	AccountContext *AccountContext `json:"account_context,omitempty"`

	// WaveResults is the append-only record of wave outcomes. Field name
	// is a stable contract with the UI layer.
	WaveResults []WaveResult `json:"wave_results"`

	// CompletedWaves counts waves that reached COMPLETED.
	CompletedWaves int `json:"completed_waves"`

	// FailedWaves counts waves that reached FAILED.
	FailedWaves int `json:"failed_waves"`

	// AllWavesCompleted is true once every wave reached a terminal state.
	AllWavesCompleted bool `json:"all_waves_completed"`

	// StartTime is when the execution began.
	StartTime *time.Time `json:"start_time,omitempty"`

	// EndTime is when the execution reached a terminal status.
	EndTime *time.Time `json:"end_time,omitempty"`

	// Duration is EndTime minus StartTime, set on finalization.
	Duration time.Duration `json:"duration,omitempty"`

	// LastPolledTime is when Poll last ran. Updated best-effort.
	LastPolledTime *time.Time `json:"last_polled_time,omitempty"`

	// ErrorCode and Error describe the failure when Status is FAILED or
	// TIMEOUT. Field names are a stable contract with the UI layer.
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`

	// Version is the optimistic-locking version for conditional updates.
	Version int64 `json:"version"`
}

// NewExecution creates a pending execution from a plan. Wave state is
// seeded from the plan's wave definitions; nothing is resolved or started.
func NewExecution(plan *RecoveryPlan, account *AccountContext, now time.Time) *Execution {
	waves := make([]Wave, len(plan.Waves))
	for i, pw := range plan.Waves {
		waves[i] = Wave{
			WaveNumber:        pw.WaveNumber,
			WaveName:          pw.WaveName,
			ProtectionGroupID: pw.ProtectionGroupID,
			Status:            WaveStatusPending,
			PauseBeforeWave:   pw.PauseBeforeWave,
			MaxWaitTime:       pw.MaxWaitTime,
		}
	}
	start := now
	return &Execution{
		ID:             uuid.New().String(),
		PlanID:         plan.ID,
		Type:           plan.Type,
		Status:         ExecutionStatusPending,
		Waves:          waves,
		AccountContext: account,
		WaveResults:    []WaveResult{},
		StartTime:      &start,
	}
}

// CurrentWave returns the wave at CurrentWaveNumber, or nil if out of range.
func (e *Execution) CurrentWave() *Wave {
	if e.CurrentWaveNumber < 0 || e.CurrentWaveNumber >= len(e.Waves) {
		return nil
	}
	return &e.Waves[e.CurrentWaveNumber]
}

// HeldServers returns the set of server ids this execution currently holds,
// from resolved per-wave state only. Waves without resolved membership are
// not included; admission control re-resolves those separately.
func (e *Execution) HeldServers() map[string]struct{} {
	held := make(map[string]struct{})
	for i := range e.Waves {
		w := &e.Waves[i]
		for j := range w.Servers {
			held[w.Servers[j].SourceServerID] = struct{}{}
		}
		for _, id := range w.ServerIDs {
			held[id] = struct{}{}
		}
	}
	return held
}

// Wave is the per-wave state within an execution.
type Wave struct {
	// WaveNumber is the 0-indexed wave position, unique in the execution.
	WaveNumber int `json:"wave_number"`

	// WaveName is the human-readable wave name.
	WaveName string `json:"wave_name"`

	// ProtectionGroupID references the wave's protection group.
	ProtectionGroupID string `json:"protection_group_id"`

	// Status is the current wave status.
	Status WaveStatus `json:"status"`

	// JobID is the control-plane job handle, empty until the wave starts.
	// A wave has at most one live job at a time.
	JobID string `json:"job_id,omitempty"`

	// Region is the region the wave launches into, snapshotted from the
	// protection group at start time.
	Region string `json:"region,omitempty"`

	// ServerIDs is the membership snapshot resolved at start time.
	ServerIDs []string `json:"server_ids,omitempty"`

	// Servers holds the latest per-server launch snapshot.
	Servers []ServerStatus `json:"servers,omitempty"`

	// PauseBeforeWave pauses the execution before this wave, once.
	PauseBeforeWave bool `json:"pause_before_wave"`

	// MaxWaitTime is the wave's total wait budget. Zero means unlimited.
	MaxWaitTime time.Duration `json:"max_wait_time"`

	// StartTime and EndTime bound the wave's execution.
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// ErrorCode and Error describe the failure for FAILED/TIMEOUT waves.
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ServerStatus is the per-server launch snapshot within a wave.
type ServerStatus struct {
	// SourceServerID identifies the protected source server.
	SourceServerID string `json:"source_server_id"`

	// LaunchStatus is the normalized launch status.
	LaunchStatus LaunchStatus `json:"launch_status"`

	// RecoveryInstanceID is set once the launch completes.
	RecoveryInstanceID string `json:"recovery_instance_id,omitempty"`

	// Enrichment fields, filled best-effort after wave completion.
	Hostname       string `json:"hostname,omitempty"`
	PrivateAddress string `json:"private_address,omitempty"`
	PublicAddress  string `json:"public_address,omitempty"`

	// Errors holds per-server error messages.
	Errors []string `json:"errors,omitempty"`
}

// WaveResult is an append-only record of a wave's outcome, persisted under
// the stable wave_results contract.
type WaveResult struct {
	// ID is the unique result record id.
	ID string `json:"id"`

	// WaveNumber and WaveName identify the wave.
	WaveNumber int    `json:"wave_number"`
	WaveName   string `json:"wave_name"`

	// Status is the wave status when the record was last updated.
	Status WaveStatus `json:"status"`

	// JobID is the control-plane job the record covers.
	JobID string `json:"job_id,omitempty"`

	// LaunchedServers and FailedServers count terminal server outcomes.
	LaunchedServers int `json:"launched_servers"`
	FailedServers   int `json:"failed_servers"`

	// StartTime/EndTime/Duration bound the wave.
	StartTime *time.Time    `json:"start_time,omitempty"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`

	// ErrorCode and Error describe the failure, if any.
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProtectionGroup is a shared, independently-owned set of servers recovered
// together. Executions never copy groups; they snapshot resolved server ids
// at wave-start time.
type ProtectionGroup struct {
	// GroupID is the unique group identifier.
	GroupID string `json:"group_id"`

	// Name is the human-readable group name.
	Name string `json:"name,omitempty"`

	// Region is the region the group's servers live in.
	Region string `json:"region"`

	// Tags selects members by native tags (AND semantics). Mutually
	// exclusive with ServerIDs.
	Tags map[string]string `json:"tags,omitempty"`

	// ServerIDs selects members explicitly. Mutually exclusive with Tags.
	ServerIDs []string `json:"server_ids,omitempty"`

	// LaunchConfigs maps source server id to its desired launch
	// configuration, or nil when the group has none.
	LaunchConfigs map[string]map[string]any `json:"launch_configs,omitempty"`

	// LaunchConfigStatus is the last persisted configuration status, or
	// nil when never persisted (read as not_configured).
	LaunchConfigStatus *LaunchConfigStatus `json:"launch_config_status,omitempty"`

	// AccountID and RoleName override the execution's account context for
	// cross-account membership resolution, when set.
	AccountID string `json:"account_id,omitempty"`
	RoleName  string `json:"role_name,omitempty"`
}

// UsesTags reports whether the group selects members by tags.
func (g *ProtectionGroup) UsesTags() bool {
	return len(g.Tags) > 0
}

// HasSelection reports whether any membership mode is configured.
func (g *ProtectionGroup) HasSelection() bool {
	return len(g.Tags) > 0 || len(g.ServerIDs) > 0
}

// LaunchConfigStatus is the whole-object launch-configuration status of a
// protection group. It is always replaced atomically on persist; partial
// field updates are forbidden. Field names are a stable contract with the
// UI layer.
type LaunchConfigStatus struct {
	// Status is the aggregate configuration status.
	Status ConfigStatus `json:"status"`

	// LastApplied is when the status was last produced by an apply.
	// Required unless Status is not_configured.
	LastApplied *time.Time `json:"lastApplied,omitempty"`

	// AppliedBy records who triggered the apply ("drift-detection" for
	// drift-triggered reapplication).
	AppliedBy string `json:"appliedBy,omitempty"`

	// ServerConfigs maps source server id to its per-server status.
	ServerConfigs map[string]*ServerConfigStatus `json:"serverConfigs"`

	// Errors holds group-level (redacted) error messages.
	Errors []string `json:"errors"`
}

// NewLaunchConfigStatus returns the default not_configured status for a
// group that exists but never had a status persisted.
func NewLaunchConfigStatus() *LaunchConfigStatus {
	return &LaunchConfigStatus{
		Status:        ConfigStatusNotConfigured,
		ServerConfigs: map[string]*ServerConfigStatus{},
		Errors:        []string{},
	}
}

// ServerConfigStatus is the per-server launch-configuration status.
type ServerConfigStatus struct {
	// Status is the per-server configuration state.
	Status ServerConfigState `json:"status"`

	// LastApplied is when this server's configuration last applied.
	LastApplied *time.Time `json:"lastApplied,omitempty"`

	// ConfigHash is "sha256:<hex>" of the applied configuration, or
	// "sha256:empty" for an empty one.
	ConfigHash string `json:"configHash,omitempty"`

	// Errors holds per-server error messages.
	Errors []string `json:"errors,omitempty"`
}

// ApplyResult is the outcome of one ApplyConfigs call. The caller is
// responsible for persisting it via PersistStatus.
type ApplyResult struct {
	// Status is the aggregate outcome: ready iff every server succeeded,
	// failed iff every server failed, partial otherwise.
	Status ConfigStatus `json:"status"`

	// AppliedServers, FailedServers and PendingServers partition the
	// requested server set. They always sum to the request size.
	AppliedServers int `json:"applied_servers"`
	FailedServers  int `json:"failed_servers"`
	PendingServers int `json:"pending_servers"`

	// ServerConfigs holds the per-server outcomes for the requested set.
	ServerConfigs map[string]*ServerConfigStatus `json:"server_configs"`

	// Errors holds redacted group-level error messages.
	Errors []string `json:"errors"`
}

// DriftDetail explains why one server was reported drifted.
type DriftDetail struct {
	// CurrentHash is the hash of the currently-desired configuration.
	CurrentHash string `json:"current_hash"`

	// StoredHash is the last applied hash, empty when none is stored.
	StoredHash string `json:"stored_hash,omitempty"`

	// Reason explains which drift case applied.
	Reason string `json:"reason"`
}

// DriftReport is the result of a DetectDrift call.
type DriftReport struct {
	// HasDrift is true when any server needs reapplication.
	HasDrift bool `json:"has_drift"`

	// DriftedServers lists the drifted server ids.
	DriftedServers []string `json:"drifted_servers"`

	// Details maps server id to its drift explanation.
	Details map[string]DriftDetail `json:"details"`
}

// Conflict is a single admission-control finding: a server held elsewhere,
// a live external job, or a quota breach.
type Conflict struct {
	// Kind classifies the finding.
	Kind ConflictKind `json:"kind"`

	// ServerID is the conflicting server, when applicable.
	ServerID string `json:"server_id,omitempty"`

	// WaveNumber is the wave of the plan under test the finding applies to.
	WaveNumber int `json:"wave_number"`

	// ExecutionID is the holding execution for execution conflicts.
	ExecutionID string `json:"execution_id,omitempty"`

	// JobID is the live control-plane job for drs_job conflicts.
	JobID string `json:"job_id,omitempty"`

	// Region is the region of the finding, when applicable.
	Region string `json:"region,omitempty"`

	// Message is a human-readable explanation.
	Message string `json:"message"`
}

// Limits are the service quotas enforced by admission control.
type Limits struct {
	// MaxServersPerJob caps the server count of a single wave's job.
	MaxServersPerJob int `json:"max_servers_per_job"`

	// MaxConcurrentJobsPerRegion caps live jobs per region.
	MaxConcurrentJobsPerRegion int `json:"max_concurrent_jobs_per_region"`

	// MaxTotalServersPerRegion caps servers in live jobs per region,
	// counting everything this plan would add.
	MaxTotalServersPerRegion int `json:"max_total_servers_per_region"`
}

// DefaultLimits mirrors the control plane's published service quotas.
func DefaultLimits() Limits {
	return Limits{
		MaxServersPerJob:           200,
		MaxConcurrentJobsPerRegion: 20,
		MaxTotalServersPerRegion:   500,
	}
}

// Job is a control-plane recovery job snapshot.
type Job struct {
	// JobID is the control-plane job handle.
	JobID string `json:"job_id"`

	// Status is the job lifecycle status.
	Status JobStatus `json:"status"`

	// IsDrill reports whether the job launches drill instances.
	IsDrill bool `json:"is_drill"`

	// Region is the job's region.
	Region string `json:"region,omitempty"`

	// Servers are the participating servers and their launch statuses.
	Servers []JobServer `json:"servers"`

	// PostLaunchActionsComplete reports whether post-launch actions
	// finished for every launched server.
	PostLaunchActionsComplete bool `json:"post_launch_actions_complete"`
}

// JobServer is one participating server within a control-plane job.
type JobServer struct {
	SourceServerID     string       `json:"source_server_id"`
	LaunchStatus       LaunchStatus `json:"launch_status"`
	RecoveryInstanceID string       `json:"recovery_instance_id,omitempty"`
	Error              string       `json:"error,omitempty"`
}

// SourceServer is a protected server visible to membership resolution.
type SourceServer struct {
	SourceServerID string            `json:"source_server_id"`
	Region         string            `json:"region"`
	Hostname       string            `json:"hostname,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// RecoveryInstance is a provisioned compute instance used for enrichment.
type RecoveryInstance struct {
	RecoveryInstanceID string `json:"recovery_instance_id"`
	SourceServerID     string `json:"source_server_id"`
	Hostname           string `json:"hostname,omitempty"`
	PrivateAddress     string `json:"private_address,omitempty"`
	PublicAddress      string `json:"public_address,omitempty"`
}
