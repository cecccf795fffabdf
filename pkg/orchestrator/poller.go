package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/recowave/recowave/pkg/telemetry"
)

// DefaultPollInterval is the wait-time increment charged per poll cycle when
// the caller does not supply one. It must match the external scheduler's
// invocation cadence for wave wait budgets to be meaningful.
const DefaultPollInterval = 60 * time.Second

// PollOptions parameterizes one poll cycle.
type PollOptions struct {
	// Interval is the wait-time increment for this cycle. Zero means
	// DefaultPollInterval.
	Interval time.Duration
}

// WavePoller advances an execution by one observation cycle: it checks for
// cancellation, charges the wave's wait budget, queries the control plane
// for launch progress, and on wave completion starts the next wave, pauses,
// or finalizes the execution.
//
// Poll contains its own failures. The returned execution always reflects
// the outcome, carrying error_code and error when something went wrong, and
// every path persists before returning.
type WavePoller struct {
	store    ExecutionStore
	creds    CredentialProvider
	executor *WaveExecutor
	clock    Clock
	logger   zerolog.Logger
	meter    *telemetry.Metrics
}

// PollerOption configures a WavePoller.
type PollerOption func(*WavePoller)

// WithPollerClock substitutes the clock, for tests.
func WithPollerClock(clock Clock) PollerOption {
	return func(p *WavePoller) { p.clock = clock }
}

// WithPollerMetrics attaches a metrics collector.
func WithPollerMetrics(m *telemetry.Metrics) PollerOption {
	return func(p *WavePoller) { p.meter = m }
}

// NewWavePoller creates a wave poller.
func NewWavePoller(store ExecutionStore, creds CredentialProvider, executor *WaveExecutor, logger zerolog.Logger, opts ...PollerOption) *WavePoller {
	p := &WavePoller{
		store:    store,
		creds:    creds,
		executor: executor,
		clock:    NewClock(),
		logger:   logger.With().Str("component", "poller").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll runs one observation cycle for the execution's current wave and
// returns the updated execution. Cancellation is honored before anything
// else; the wait budget is charged before any control-plane query.
func (p *WavePoller) Poll(ctx context.Context, exec *Execution, opts PollOptions) *Execution {
	log := p.logger.With().
		Str("execution_id", exec.ID).
		Int("wave_number", exec.CurrentWaveNumber).
		Logger()

	// Re-read the stored state so an externally-set cancelling flag and the
	// latest version win over whatever the caller handed us. A failed read
	// is logged and the in-memory state polled as-is; skipping a cycle is
	// worse than polling a possibly stale copy.
	if stored, err := p.store.GetExecution(ctx, exec.ID, exec.PlanID); err != nil {
		log.Warn().Err(err).Msg("Failed to re-read execution, polling in-memory state")
	} else {
		exec = stored
	}
	if exec.Status == ExecutionStatusCancelling {
		return p.cancel(ctx, exec, log)
	}
	if exec.Status.IsTerminal() {
		log.Debug().Str("status", string(exec.Status)).Msg("Execution already terminal, nothing to poll")
		return exec
	}

	now := p.clock.Now()
	exec.LastPolledTime = &now

	wave := exec.CurrentWave()
	if wave == nil {
		return p.finalize(ctx, exec, log)
	}
	if wave.JobID == "" {
		// No job was ever recorded for this wave. Nothing can be polled, so
		// the wave is treated as already complete rather than wedging the
		// execution forever.
		log.Warn().Msg("Wave has no job handle, treating as complete")
		if !wave.Status.IsTerminal() {
			p.completeWave(exec, wave, now)
		}
		return p.advance(ctx, exec, wave, log)
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	exec.CurrentWaveWaitTime += interval
	if wave.MaxWaitTime > 0 && exec.CurrentWaveWaitTime >= wave.MaxWaitTime {
		return p.timeout(ctx, exec, wave, log)
	}

	client, err := p.creds.ClientFor(ctx, p.accountFor(ctx, exec, wave), wave.Region)
	if err != nil {
		return p.failWave(ctx, exec, wave, ErrCodeApplication,
			fmt.Sprintf("failed to obtain control plane client: %v", err), log)
	}
	job, err := client.DescribeJob(ctx, wave.JobID)
	p.meter.RecordControlPlaneCall("DescribeJob", err)
	if err != nil {
		if IsNotFound(err) {
			return p.failWave(ctx, exec, wave, ErrCodeJobNotFound,
				fmt.Sprintf("job %s not found", wave.JobID), log)
		}
		return p.failWave(ctx, exec, wave, ErrCodeApplication,
			fmt.Sprintf("failed to describe job %s: %v", wave.JobID, err), log)
	}

	if len(job.Servers) == 0 {
		if job.Status.IsLive() {
			// The job exists but has not admitted servers yet.
			wave.Status = WaveStatusLaunching
			p.persist(ctx, exec, log)
			return exec
		}
		return p.failWave(ctx, exec, wave, ErrCodeApplication,
			fmt.Sprintf("job %s completed with zero participating servers", wave.JobID), log)
	}

	launched, failed := p.snapshotServers(wave, job)
	total := len(job.Servers)

	waveComplete := launched == total && failed == 0
	if waveComplete && exec.Type == ExecutionTypeRecovery && !job.PostLaunchActionsComplete {
		waveComplete = false
	}

	switch {
	case waveComplete:
		p.completeWave(exec, wave, now)
		p.enrich(ctx, client, wave, log)
		p.upsertWaveResult(exec, wave, launched, failed)
		log.Info().
			Str("job_id", wave.JobID).
			Int("servers", total).
			Msg("Wave completed")
		return p.advance(ctx, exec, wave, log)

	case failed > 0:
		return p.failWave(ctx, exec, wave, ErrCodeApplication,
			fmt.Sprintf("%d of %d servers failed to launch", failed, total), log)

	case job.Status == JobStatusCompleted:
		// The control plane reports the job done while servers are still
		// short of launched. Treated as failure, not as in-progress.
		log.Error().
			Str("job_id", wave.JobID).
			Int("launched", launched).
			Int("total", total).
			Msg("Job reported complete without all servers launched")
		return p.failWave(ctx, exec, wave, ErrCodeApplication,
			fmt.Sprintf("job %s completed but only %d of %d servers launched", wave.JobID, launched, total), log)

	default:
		if launched > 0 {
			wave.Status = WaveStatusInProgress
		} else {
			wave.Status = WaveStatusLaunching
		}
		p.persist(ctx, exec, log)
		log.Debug().
			Str("job_id", wave.JobID).
			Int("launched", launched).
			Int("total", total).
			Dur("waited", exec.CurrentWaveWaitTime).
			Msg("Wave in progress")
		return exec
	}
}

// snapshotServers replaces the wave's per-server snapshot with the job's
// current view and returns the launched and failed counts. TERMINATED
// counts as failed.
func (p *WavePoller) snapshotServers(wave *Wave, job *Job) (launched, failed int) {
	servers := make([]ServerStatus, len(job.Servers))
	for i, js := range job.Servers {
		s := ServerStatus{
			SourceServerID:     js.SourceServerID,
			LaunchStatus:       js.LaunchStatus,
			RecoveryInstanceID: js.RecoveryInstanceID,
		}
		if js.Error != "" {
			s.Errors = []string{js.Error}
		}
		switch {
		case js.LaunchStatus == LaunchStatusLaunched:
			launched++
		case js.LaunchStatus.IsFailure():
			failed++
		}
		servers[i] = s
	}
	wave.Servers = servers
	return launched, failed
}

// completeWave marks the wave COMPLETED.
func (p *WavePoller) completeWave(exec *Execution, wave *Wave, now time.Time) {
	wave.Status = WaveStatusCompleted
	wave.EndTime = &now
	exec.CompletedWaves++
	if wave.StartTime != nil {
		p.meter.RecordWaveCompleted(string(WaveStatusCompleted), now.Sub(*wave.StartTime))
	} else {
		p.meter.RecordWaveCompleted(string(WaveStatusCompleted), 0)
	}
}

// advance decides what follows a completed wave: cancellation, a pause, the
// next wave, or finalization.
func (p *WavePoller) advance(ctx context.Context, exec *Execution, wave *Wave, log zerolog.Logger) *Execution {
	// A cancel set while the wave was finishing still wins; the wave's own
	// state is already consistent at this point.
	if stored, err := p.store.GetExecution(ctx, exec.ID, exec.PlanID); err != nil {
		log.Warn().Err(err).Msg("Failed to re-check cancellation after wave completion")
	} else if stored.Status == ExecutionStatusCancelling {
		exec.Version = stored.Version
		return p.cancel(ctx, exec, log)
	}

	next := wave.WaveNumber + 1
	if next >= len(exec.Waves) {
		return p.finalize(ctx, exec, log)
	}

	if exec.Waves[next].PauseBeforeWave {
		exec.Status = ExecutionStatusPaused
		exec.PausedBeforeWave = &next
		exec.CurrentWaveNumber = next
		exec.CurrentWaveWaitTime = 0
		p.persist(ctx, exec, log)
		log.Info().Int("next_wave", next).Msg("Execution paused before next wave")
		return exec
	}

	// StartWave persists on both success and failure, so no persist here.
	if err := p.executor.StartWave(ctx, exec, next); err != nil {
		log.Error().Err(err).Int("next_wave", next).Msg("Failed to start next wave")
	}
	return exec
}

// enrich fills hostname and address metadata from recovery instances.
// Best-effort: any failure is logged and the wave stays completed.
func (p *WavePoller) enrich(ctx context.Context, client ControlPlaneClient, wave *Wave, log zerolog.Logger) {
	var ids []string
	for i := range wave.Servers {
		if wave.Servers[i].RecoveryInstanceID != "" {
			ids = append(ids, wave.Servers[i].RecoveryInstanceID)
		}
	}
	if len(ids) == 0 {
		return
	}
	instances, err := client.DescribeRecoveryInstances(ctx, ids)
	p.meter.RecordControlPlaneCall("DescribeRecoveryInstances", err)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to enrich servers with instance metadata")
		return
	}
	byID := make(map[string]*RecoveryInstance, len(instances))
	for i := range instances {
		byID[instances[i].RecoveryInstanceID] = &instances[i]
	}
	for i := range wave.Servers {
		inst, ok := byID[wave.Servers[i].RecoveryInstanceID]
		if !ok {
			continue
		}
		wave.Servers[i].Hostname = inst.Hostname
		wave.Servers[i].PrivateAddress = inst.PrivateAddress
		wave.Servers[i].PublicAddress = inst.PublicAddress
	}
}

// timeout marks the current wave and the execution TIMEOUT. The elapsed
// wait is recorded and no control-plane query is made this cycle.
func (p *WavePoller) timeout(ctx context.Context, exec *Execution, wave *Wave, log zerolog.Logger) *Execution {
	now := p.clock.Now()
	msg := fmt.Sprintf("wave %d exceeded its wait budget: waited %s of %s",
		wave.WaveNumber, exec.CurrentWaveWaitTime, wave.MaxWaitTime)

	wave.Status = WaveStatusTimeout
	wave.ErrorCode = ErrCodeTimeout
	wave.Error = msg
	wave.EndTime = &now
	p.upsertWaveResult(exec, wave, 0, 0)
	p.meter.RecordWaveCompleted(string(WaveStatusTimeout), exec.CurrentWaveWaitTime)

	exec.Status = ExecutionStatusTimeout
	exec.ErrorCode = ErrCodeTimeout
	exec.Error = msg
	exec.EndTime = &now
	if exec.StartTime != nil {
		exec.Duration = now.Sub(*exec.StartTime)
	}
	p.meter.RecordExecutionCompleted(string(exec.Status), exec.Duration)
	p.persist(ctx, exec, log)
	log.Error().Dur("waited", exec.CurrentWaveWaitTime).Msg("Wave timed out")
	return exec
}

// failWave marks the current wave FAILED and finalizes the execution.
func (p *WavePoller) failWave(ctx context.Context, exec *Execution, wave *Wave, code, msg string, log zerolog.Logger) *Execution {
	now := p.clock.Now()
	wave.Status = WaveStatusFailed
	wave.ErrorCode = code
	wave.Error = msg
	wave.EndTime = &now
	exec.FailedWaves++
	exec.ErrorCode = code
	exec.Error = msg

	launched, failed := countLaunches(wave)
	p.upsertWaveResult(exec, wave, launched, failed)
	p.meter.RecordWaveCompleted(string(WaveStatusFailed), 0)
	log.Error().Str("error_code", code).Msg(msg)
	return p.finalize(ctx, exec, log)
}

// cancel finalizes the execution as CANCELLED, closing out every wave still
// open.
func (p *WavePoller) cancel(ctx context.Context, exec *Execution, log zerolog.Logger) *Execution {
	now := p.clock.Now()
	for i := range exec.Waves {
		if !exec.Waves[i].Status.IsTerminal() {
			exec.Waves[i].Status = WaveStatusCancelled
			exec.Waves[i].EndTime = &now
		}
	}
	exec.Status = ExecutionStatusCancelled
	exec.AllWavesCompleted = true
	exec.EndTime = &now
	if exec.StartTime != nil {
		exec.Duration = now.Sub(*exec.StartTime)
	}
	p.meter.RecordExecutionCompleted(string(exec.Status), exec.Duration)
	p.persist(ctx, exec, log)
	log.Info().Msg("Execution cancelled")
	return exec
}

// finalize derives the execution's terminal status from its waves:
// COMPLETED when every wave completed, FAILED when any wave failed, and
// COMPLETED_WITH_WARNINGS otherwise, e.g. when a wave timed out.
func (p *WavePoller) finalize(ctx context.Context, exec *Execution, log zerolog.Logger) *Execution {
	now := p.clock.Now()
	completed, anyFailed := 0, false
	for i := range exec.Waves {
		switch exec.Waves[i].Status {
		case WaveStatusCompleted:
			completed++
		case WaveStatusFailed:
			anyFailed = true
		}
	}
	switch {
	case anyFailed:
		exec.Status = ExecutionStatusFailed
	case completed == len(exec.Waves):
		exec.Status = ExecutionStatusCompleted
	default:
		exec.Status = ExecutionStatusCompletedWithWarnings
	}
	exec.AllWavesCompleted = true
	exec.EndTime = &now
	if exec.StartTime != nil {
		exec.Duration = now.Sub(*exec.StartTime)
	}
	p.meter.RecordExecutionCompleted(string(exec.Status), exec.Duration)
	p.persist(ctx, exec, log)
	log.Info().
		Str("status", string(exec.Status)).
		Int("completed_waves", exec.CompletedWaves).
		Int("failed_waves", exec.FailedWaves).
		Msg("Execution finalized")
	return exec
}

// upsertWaveResult updates the latest result record for the wave, or
// appends one when none exists.
func (p *WavePoller) upsertWaveResult(exec *Execution, wave *Wave, launched, failed int) {
	for i := len(exec.WaveResults) - 1; i >= 0; i-- {
		r := &exec.WaveResults[i]
		if r.WaveNumber != wave.WaveNumber {
			continue
		}
		r.Status = wave.Status
		r.JobID = wave.JobID
		r.LaunchedServers = launched
		r.FailedServers = failed
		r.EndTime = wave.EndTime
		r.ErrorCode = wave.ErrorCode
		r.Error = wave.Error
		if r.StartTime != nil && r.EndTime != nil {
			r.Duration = r.EndTime.Sub(*r.StartTime)
		}
		return
	}
	exec.WaveResults = append(exec.WaveResults, WaveResult{
		WaveNumber:      wave.WaveNumber,
		WaveName:        wave.WaveName,
		Status:          wave.Status,
		JobID:           wave.JobID,
		LaunchedServers: launched,
		FailedServers:   failed,
		StartTime:       wave.StartTime,
		EndTime:         wave.EndTime,
		ErrorCode:       wave.ErrorCode,
		Error:           wave.Error,
	})
}

// countLaunches tallies terminal launch outcomes from the wave snapshot.
func countLaunches(wave *Wave) (launched, failed int) {
	for i := range wave.Servers {
		switch {
		case wave.Servers[i].LaunchStatus == LaunchStatusLaunched:
			launched++
		case wave.Servers[i].LaunchStatus.IsFailure():
			failed++
		}
	}
	return launched, failed
}

// accountFor resolves the account for the wave's control-plane calls,
// preferring the protection group's cross-account identity.
func (p *WavePoller) accountFor(ctx context.Context, exec *Execution, wave *Wave) *AccountContext {
	group, err := p.store.GetProtectionGroup(ctx, wave.ProtectionGroupID)
	if err == nil && group.AccountID != "" {
		return &AccountContext{AccountID: group.AccountID, RoleName: group.RoleName}
	}
	return exec.AccountContext
}

// persist writes the execution through the store's conditional update. A
// version conflict means another invocation got there first; the loss is
// logged and this cycle's result discarded in its favor.
func (p *WavePoller) persist(ctx context.Context, exec *Execution, log zerolog.Logger) {
	if err := p.store.UpdateExecution(ctx, exec); err != nil {
		if IsConflict(err) {
			log.Warn().Err(err).Msg("Concurrent update won, discarding this poll cycle")
			return
		}
		log.Error().Err(err).Msg("Failed to persist execution")
	}
}
