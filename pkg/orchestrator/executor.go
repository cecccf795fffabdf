package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recowave/recowave/pkg/telemetry"
)

// WaveExecutor starts waves: it resolves membership, ensures launch
// configurations are applied and drift-free, creates the control-plane
// recovery job with conflict-aware retry, and records the outcome on the
// execution. Every path persists through the store's conditional update.
type WaveExecutor struct {
	store     ExecutionStore
	creds     CredentialProvider
	admission *AdmissionController
	configs   *LaunchConfigService
	clock     Clock
	retry     RetryPolicy
	actor     string
	logger    zerolog.Logger
	meter     *telemetry.Metrics
}

// ExecutorOption configures a WaveExecutor.
type ExecutorOption func(*WaveExecutor)

// WithExecutorClock substitutes the clock, for tests.
func WithExecutorClock(clock Clock) ExecutorOption {
	return func(e *WaveExecutor) { e.clock = clock }
}

// WithStartRetryPolicy overrides the job-creation retry schedule.
func WithStartRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *WaveExecutor) { e.retry = p }
}

// WithActor sets the identity recorded as appliedBy on non-drift config
// application.
func WithActor(actor string) ExecutorOption {
	return func(e *WaveExecutor) { e.actor = actor }
}

// WithExecutorMetrics attaches a metrics collector.
func WithExecutorMetrics(m *telemetry.Metrics) ExecutorOption {
	return func(e *WaveExecutor) { e.meter = m }
}

// NewWaveExecutor creates a wave executor.
func NewWaveExecutor(store ExecutionStore, creds CredentialProvider, admission *AdmissionController, configs *LaunchConfigService, logger zerolog.Logger, opts ...ExecutorOption) *WaveExecutor {
	e := &WaveExecutor{
		store:     store,
		creds:     creds,
		admission: admission,
		configs:   configs,
		clock:     NewClock(),
		retry:     StartRecoveryRetryPolicy(),
		actor:     "executor",
		logger:    logger.With().Str("component", "executor").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartWave starts the given wave of an execution. On success the wave holds
// the job handle, membership snapshot and region, the execution moves to
// POLLING with its wait counter reset, and the state is persisted. On
// failure the wave and execution are marked FAILED with an explicit error
// code, the state is persisted, and the classified error is returned.
func (e *WaveExecutor) StartWave(ctx context.Context, exec *Execution, waveNumber int) error {
	if waveNumber < 0 || waveNumber >= len(exec.Waves) {
		return NewValidationError(fmt.Sprintf("wave %d is out of range for execution %s", waveNumber, exec.ID))
	}
	wave := &exec.Waves[waveNumber]
	log := e.logger.With().
		Str("execution_id", exec.ID).
		Int("wave_number", waveNumber).
		Str("protection_group_id", wave.ProtectionGroupID).
		Logger()

	group, err := e.store.GetProtectionGroup(ctx, wave.ProtectionGroupID)
	if err != nil {
		if IsNotFound(err) {
			return e.failWave(ctx, exec, wave, NewNotFoundError(
				fmt.Sprintf("protection group %s not found", wave.ProtectionGroupID)))
		}
		return e.failWave(ctx, exec, wave, NewPermanentError("failed to read protection group", err).
			WithCode(ErrCodePersistence))
	}
	if !group.HasSelection() {
		return e.failWave(ctx, exec, wave, NewPermanentError(
			fmt.Sprintf("protection group %s has no server selection configured", group.GroupID), nil).
			WithCode(ErrCodeNoServerSelection))
	}

	members, err := e.admission.ResolveMembership(ctx, group, exec.AccountContext)
	if err != nil {
		return e.failWave(ctx, exec, wave, err)
	}
	if len(members) == 0 {
		code := ErrCodeNoServerSelection
		if group.UsesTags() {
			code = ErrCodeNoServersMatchTags
		}
		return e.failWave(ctx, exec, wave, NewPermanentError(
			fmt.Sprintf("protection group %s resolved zero servers", group.GroupID), nil).
			WithCode(code))
	}

	if err := e.ensureConfigured(ctx, exec, wave, group, members, log); err != nil {
		return e.failWave(ctx, exec, wave, err)
	}

	job, err := e.createJob(ctx, exec, group, members, log)
	if err != nil {
		return e.failWave(ctx, exec, wave, err)
	}

	now := e.clock.Now()
	wave.Status = WaveStatusStarted
	wave.JobID = job.JobID
	wave.Region = group.Region
	wave.ServerIDs = members
	wave.StartTime = &now
	wave.Servers = make([]ServerStatus, len(members))
	for i, id := range members {
		wave.Servers[i] = ServerStatus{SourceServerID: id, LaunchStatus: LaunchStatusPending}
	}

	exec.CurrentWaveNumber = waveNumber
	exec.CurrentWaveWaitTime = 0
	exec.Status = ExecutionStatusPolling
	exec.PausedBeforeWave = nil
	exec.WaveResults = append(exec.WaveResults, WaveResult{
		ID:         uuid.New().String(),
		WaveNumber: wave.WaveNumber,
		WaveName:   wave.WaveName,
		Status:     WaveStatusStarted,
		JobID:      job.JobID,
		StartTime:  &now,
	})

	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return NewPermanentError("failed to persist started wave", err).
			WithCode(ErrCodePersistence).WithOperation("StartWave")
	}
	log.Info().
		Str("job_id", job.JobID).
		Int("servers", len(members)).
		Msg("Wave started")
	return nil
}

// Resume clears a paused execution's pause marker and starts the wave it
// paused before. The pause is consumed; a later poll cycle will not re-pause
// on the same wave.
func (e *WaveExecutor) Resume(ctx context.Context, exec *Execution) error {
	if exec.Status != ExecutionStatusPaused || exec.PausedBeforeWave == nil {
		return NewValidationError(fmt.Sprintf("execution %s is not paused", exec.ID))
	}
	waveNumber := *exec.PausedBeforeWave
	if waveNumber < 0 || waveNumber >= len(exec.Waves) {
		return NewValidationError(fmt.Sprintf("paused wave %d is out of range for execution %s", waveNumber, exec.ID))
	}
	exec.PausedBeforeWave = nil
	exec.Waves[waveNumber].PauseBeforeWave = false
	e.logger.Info().
		Str("execution_id", exec.ID).
		Int("wave_number", waveNumber).
		Msg("Resuming paused execution")
	return e.StartWave(ctx, exec, waveNumber)
}

// ensureConfigured checks launch-configuration readiness for the wave's
// members and reapplies the drifted or unready subset. Groups without
// launch configurations skip straight through.
func (e *WaveExecutor) ensureConfigured(ctx context.Context, exec *Execution, wave *Wave, group *ProtectionGroup, members []string, log zerolog.Logger) error {
	desired := make(map[string]map[string]any)
	for _, id := range members {
		if cfg, ok := group.LaunchConfigs[id]; ok {
			desired[id] = cfg
		}
	}
	if len(desired) == 0 {
		return nil
	}

	status, err := e.configs.GetStatus(ctx, group.GroupID)
	if err != nil {
		return err
	}
	report, err := e.configs.DetectDrift(ctx, group.GroupID, desired)
	if err != nil {
		return err
	}
	if status.Status == ConfigStatusReady && !report.HasDrift {
		log.Debug().Msg("Launch configurations ready, skipping application")
		return nil
	}

	appliedBy := e.actor
	if status.Status == ConfigStatusReady {
		// The stored status was clean; only drift forces reapplication.
		appliedBy = "drift-detection"
	}
	subset := report.DriftedServers
	if len(subset) == 0 {
		return nil
	}
	log.Info().
		Int("servers", len(subset)).
		Str("applied_by", appliedBy).
		Msg("Applying launch configurations before wave start")

	result, err := e.configs.ApplyConfigs(ctx, ApplyInput{
		GroupID:       group.GroupID,
		Region:        group.Region,
		ServerIDs:     subset,
		LaunchConfigs: desired,
		Account:       e.accountFor(group, exec.AccountContext),
	})
	if err != nil {
		return err
	}
	merged := result.ToStatus(status, appliedBy, e.clock.Now())
	if err := e.configs.PersistStatus(ctx, group.GroupID, merged); err != nil {
		return err
	}
	switch merged.Status {
	case ConfigStatusFailed:
		return NewPermanentError(
			fmt.Sprintf("launch configuration application failed for group %s", group.GroupID), nil).
			WithCode(ErrCodeApplication)
	case ConfigStatusPartial:
		// Partially configured servers still launch; the unconfigured ones
		// fall back to control-plane defaults.
		log.Warn().
			Int("failed", result.FailedServers).
			Int("pending", result.PendingServers).
			Msg("Launch configurations only partially applied, continuing")
	}
	return nil
}

// createJob asks the control plane for a recovery job, retrying only
// conflict-class rejections. The backoff starts at the policy's base delay
// and doubles per attempt; any other error fails immediately.
func (e *WaveExecutor) createJob(ctx context.Context, exec *Execution, group *ProtectionGroup, members []string, log zerolog.Logger) (*Job, error) {
	client, err := e.creds.ClientFor(ctx, e.accountFor(group, exec.AccountContext), group.Region)
	if err != nil {
		return nil, NewPermanentError("failed to obtain control plane client", err).
			WithCode(ErrCodeApplication).WithOperation("StartWave")
	}

	isDrill := exec.Type == ExecutionTypeDrill
	var lastErr error
	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.retry.Delay(attempt - 1)
			log.Warn().
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Msg("Job creation conflicted, retrying")
			if err := e.clock.Sleep(ctx, delay); err != nil {
				return nil, NewTransientError("wave start interrupted", err).WithCode(ErrCodeTimeout)
			}
		}
		job, err := client.StartRecovery(ctx, members, isDrill)
		e.meter.RecordControlPlaneCall("StartRecovery", err)
		if err == nil {
			return job, nil
		}
		lastErr = err
		if !IsConflict(err) {
			return nil, NewPermanentError("control plane rejected job creation", err).
				WithCode(ErrCodeDRSStartRecoveryError)
		}
	}
	return nil, NewConflictError(
		fmt.Sprintf("job creation still conflicted after %d attempts", e.retry.MaxAttempts), lastErr).
		WithCode(ErrCodeDRSConflict)
}

func (e *WaveExecutor) accountFor(group *ProtectionGroup, account *AccountContext) *AccountContext {
	if group.AccountID != "" {
		return &AccountContext{AccountID: group.AccountID, RoleName: group.RoleName}
	}
	return account
}

// failWave marks the wave and the execution FAILED, records the wave result,
// persists, and returns the classified error for the caller.
func (e *WaveExecutor) failWave(ctx context.Context, exec *Execution, wave *Wave, cause error) error {
	now := e.clock.Now()
	code := ErrCodeApplication
	var classified *Error
	if errors.As(cause, &classified) && classified.Code != "" {
		code = classified.Code
	}

	wave.Status = WaveStatusFailed
	wave.ErrorCode = code
	wave.Error = cause.Error()
	wave.EndTime = &now

	exec.Status = ExecutionStatusFailed
	exec.ErrorCode = code
	exec.Error = cause.Error()
	exec.EndTime = &now
	if exec.StartTime != nil {
		exec.Duration = now.Sub(*exec.StartTime)
	}
	exec.FailedWaves++
	exec.WaveResults = append(exec.WaveResults, WaveResult{
		ID:         uuid.New().String(),
		WaveNumber: wave.WaveNumber,
		WaveName:   wave.WaveName,
		Status:     WaveStatusFailed,
		EndTime:    &now,
		ErrorCode:  code,
		Error:      cause.Error(),
	})
	e.meter.RecordWaveCompleted(string(WaveStatusFailed), 0)
	e.meter.RecordExecutionCompleted(string(ExecutionStatusFailed), exec.Duration)

	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.logger.Error().Err(err).
			Str("execution_id", exec.ID).
			Msg("Failed to persist failed wave")
	}
	e.logger.Error().
		Str("execution_id", exec.ID).
		Int("wave_number", wave.WaveNumber).
		Str("error_code", code).
		Err(cause).
		Msg("Wave failed to start")
	return cause
}
