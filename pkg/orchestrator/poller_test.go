package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// pollerFixture wires a poller over shared fakes with an execution whose
// first wave is already started against job-1.
type pollerFixture struct {
	store  *memStore
	client *fakeControlPlane
	clock  *manualClock
	poller *WavePoller
	exec   *Execution
}

func newPollerFixture(t *testing.T, waveCount int) *pollerFixture {
	t.Helper()
	ctx := context.Background()
	store := newMemStore()
	client := &fakeControlPlane{}
	clock := newManualClock()

	store.PutProtectionGroup(ctx, &ProtectionGroup{
		GroupID:   "pg-1",
		Region:    "us-east-1",
		ServerIDs: []string{"s-1", "s-2"},
	})

	creds := StaticCredentials(client)
	admission := NewAdmissionController(store, creds, zerolog.Nop())
	configs := NewLaunchConfigService(store, creds, zerolog.Nop(), WithConfigClock(clock))
	executor := NewWaveExecutor(store, creds, admission, configs, zerolog.Nop(),
		WithExecutorClock(clock))
	poller := NewWavePoller(store, creds, executor, zerolog.Nop(),
		WithPollerClock(clock))

	start := clock.Now()
	waves := make([]Wave, waveCount)
	for i := range waves {
		waves[i] = Wave{WaveNumber: i, ProtectionGroupID: "pg-1", Status: WaveStatusPending}
	}
	waves[0].Status = WaveStatusStarted
	waves[0].JobID = "job-1"
	waves[0].Region = "us-east-1"
	waves[0].ServerIDs = []string{"s-1", "s-2"}
	waves[0].StartTime = &start
	waves[0].Servers = []ServerStatus{
		{SourceServerID: "s-1", LaunchStatus: LaunchStatusPending},
		{SourceServerID: "s-2", LaunchStatus: LaunchStatusPending},
	}

	exec := &Execution{
		ID:        "exec-1",
		PlanID:    "plan-1",
		Type:      ExecutionTypeDrill,
		Status:    ExecutionStatusPolling,
		Waves:     waves,
		StartTime: &start,
		WaveResults: []WaveResult{
			{ID: "wr-0", WaveNumber: 0, Status: WaveStatusStarted, JobID: "job-1", StartTime: &start},
		},
	}
	store.PutExecution(ctx, exec)

	return &pollerFixture{store: store, client: client, clock: clock, poller: poller, exec: exec}
}

func launchedJob(serverIDs ...string) *Job {
	job := &Job{JobID: "job-1", Status: JobStatusCompleted, PostLaunchActionsComplete: true}
	for i, id := range serverIDs {
		job.Servers = append(job.Servers, JobServer{
			SourceServerID:     id,
			LaunchStatus:       LaunchStatusLaunched,
			RecoveryInstanceID: "i-" + string(rune('a'+i)),
		})
	}
	return job
}

func TestPollInProgress(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.client.describeJob = func(string) (*Job, error) {
		return &Job{
			JobID:  "job-1",
			Status: JobStatusStarted,
			Servers: []JobServer{
				{SourceServerID: "s-1", LaunchStatus: LaunchStatusLaunched},
				{SourceServerID: "s-2", LaunchStatus: LaunchStatusInProgress},
			},
		}, nil
	}

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{Interval: 30 * time.Second})

	if got.Status != ExecutionStatusPolling {
		t.Errorf("expected POLLING, got %s", got.Status)
	}
	if got.Waves[0].Status != WaveStatusInProgress {
		t.Errorf("expected wave IN_PROGRESS, got %s", got.Waves[0].Status)
	}
	if got.CurrentWaveWaitTime != 30*time.Second {
		t.Errorf("expected 30s charged, got %s", got.CurrentWaveWaitTime)
	}
	if got.LastPolledTime == nil {
		t.Error("last polled time not recorded")
	}
	// The per-server snapshot was refreshed
	if got.Waves[0].Servers[0].LaunchStatus != LaunchStatusLaunched {
		t.Errorf("server snapshot stale: %+v", got.Waves[0].Servers)
	}
	if stored := f.store.stored("exec-1", "plan-1"); stored.CurrentWaveWaitTime != 30*time.Second {
		t.Error("progress was not persisted")
	}
}

func TestPollDefaultInterval(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.client.describeJob = func(string) (*Job, error) {
		return &Job{JobID: "job-1", Status: JobStatusStarted, Servers: []JobServer{
			{SourceServerID: "s-1", LaunchStatus: LaunchStatusPending},
			{SourceServerID: "s-2", LaunchStatus: LaunchStatusPending},
		}}, nil
	}

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})
	if got.CurrentWaveWaitTime != DefaultPollInterval {
		t.Errorf("expected default interval %s charged, got %s",
			DefaultPollInterval, got.CurrentWaveWaitTime)
	}
	if got.Waves[0].Status != WaveStatusLaunching {
		t.Errorf("expected LAUNCHING with zero launches, got %s", got.Waves[0].Status)
	}
}

func TestPollCompletionStartsNextWave(t *testing.T) {
	f := newPollerFixture(t, 2)
	f.client.describeJob = func(string) (*Job, error) {
		return launchedJob("s-1", "s-2"), nil
	}

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})

	if got.Waves[0].Status != WaveStatusCompleted {
		t.Errorf("expected wave 0 COMPLETED, got %s", got.Waves[0].Status)
	}
	if got.CompletedWaves != 1 {
		t.Errorf("expected 1 completed wave, got %d", got.CompletedWaves)
	}
	if got.Waves[1].Status != WaveStatusStarted {
		t.Errorf("expected wave 1 STARTED, got %s", got.Waves[1].Status)
	}
	if got.CurrentWaveNumber != 1 || got.CurrentWaveWaitTime != 0 {
		t.Errorf("wave cursor not advanced: wave=%d wait=%s",
			got.CurrentWaveNumber, got.CurrentWaveWaitTime)
	}
	if got.Status != ExecutionStatusPolling {
		t.Errorf("expected POLLING, got %s", got.Status)
	}
	if f.client.startCalls != 1 {
		t.Errorf("expected 1 job creation for the next wave, got %d", f.client.startCalls)
	}
}

func TestPollRecoveryWaitsForPostLaunchActions(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.exec.Type = ExecutionTypeRecovery
	f.store.PutExecution(context.Background(), f.exec)

	job := launchedJob("s-1", "s-2")
	job.Status = JobStatusStarted
	job.PostLaunchActionsComplete = false
	f.client.describeJob = func(string) (*Job, error) { return job, nil }

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})

	if got.Waves[0].Status != WaveStatusInProgress {
		t.Errorf("recovery wave must wait for post-launch actions, got %s", got.Waves[0].Status)
	}
	if got.Status.IsTerminal() {
		t.Errorf("execution must not finalize yet, got %s", got.Status)
	}
}

func TestPollServerFailureFailsWave(t *testing.T) {
	f := newPollerFixture(t, 2)
	f.client.describeJob = func(string) (*Job, error) {
		return &Job{JobID: "job-1", Status: JobStatusStarted, Servers: []JobServer{
			{SourceServerID: "s-1", LaunchStatus: LaunchStatusLaunched},
			{SourceServerID: "s-2", LaunchStatus: LaunchStatusFailed, Error: "volume attach failed"},
		}}, nil
	}

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})

	if got.Waves[0].Status != WaveStatusFailed {
		t.Errorf("expected wave FAILED, got %s", got.Waves[0].Status)
	}
	if got.Status != ExecutionStatusFailed {
		t.Errorf("expected execution FAILED, got %s", got.Status)
	}
	if got.FailedWaves != 1 {
		t.Errorf("expected 1 failed wave, got %d", got.FailedWaves)
	}
	if !got.AllWavesCompleted || got.EndTime == nil {
		t.Error("failed execution must be finalized")
	}
	// The wave result carries the terminal launch tallies
	wr := got.WaveResults[len(got.WaveResults)-1]
	if wr.LaunchedServers != 1 || wr.FailedServers != 1 {
		t.Errorf("wave result tallies wrong: %+v", wr)
	}
	if got.Waves[1].Status != WaveStatusPending {
		t.Errorf("later waves stay untouched on failure, got %s", got.Waves[1].Status)
	}
}

func TestPollTerminatedCountsAsFailed(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.client.describeJob = func(string) (*Job, error) {
		return &Job{JobID: "job-1", Status: JobStatusStarted, Servers: []JobServer{
			{SourceServerID: "s-1", LaunchStatus: LaunchStatusLaunched},
			{SourceServerID: "s-2", LaunchStatus: LaunchStatusTerminated},
		}}, nil
	}

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})
	if got.Waves[0].Status != WaveStatusFailed {
		t.Errorf("terminated server must fail the wave, got %s", got.Waves[0].Status)
	}
}

func TestPollTimeoutWithoutControlPlaneQuery(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.exec.Waves[0].MaxWaitTime = 90 * time.Second
	f.exec.CurrentWaveWaitTime = 60 * time.Second
	f.store.PutExecution(context.Background(), f.exec)

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{Interval: 60 * time.Second})

	if f.client.describeCalls != 0 {
		t.Error("timed-out cycle must not query the control plane")
	}
	if got.Waves[0].Status != WaveStatusTimeout {
		t.Errorf("expected wave TIMEOUT, got %s", got.Waves[0].Status)
	}
	if got.Status != ExecutionStatusTimeout || got.ErrorCode != ErrCodeTimeout {
		t.Errorf("expected execution TIMEOUT, got %s/%s", got.Status, got.ErrorCode)
	}
	if got.CurrentWaveWaitTime != 120*time.Second {
		t.Errorf("elapsed wait not recorded, got %s", got.CurrentWaveWaitTime)
	}
	if stored := f.store.stored("exec-1", "plan-1"); stored.Status != ExecutionStatusTimeout {
		t.Error("timeout was not persisted")
	}
}

func TestPollExactBudgetTimesOut(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.exec.Waves[0].MaxWaitTime = 120 * time.Second
	f.exec.CurrentWaveWaitTime = 60 * time.Second
	f.store.PutExecution(context.Background(), f.exec)

	// Reaching the budget exactly counts as exhausting it
	got := f.poller.Poll(context.Background(), f.exec, PollOptions{Interval: 60 * time.Second})
	if got.Status != ExecutionStatusTimeout {
		t.Errorf("wait equal to the budget must time out, got %s", got.Status)
	}
	if f.client.describeCalls != 0 {
		t.Error("timed-out wave must not query the control plane")
	}
}

func TestPollCancellationPreempts(t *testing.T) {
	f := newPollerFixture(t, 2)
	f.exec.Status = ExecutionStatusCancelling
	f.store.PutExecution(context.Background(), f.exec)

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})

	if f.client.describeCalls != 0 {
		t.Error("cancellation must pre-empt the control plane query")
	}
	if got.Status != ExecutionStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}
	for i := range got.Waves {
		if got.Waves[i].Status != WaveStatusCancelled {
			t.Errorf("wave %d not cancelled: %s", i, got.Waves[i].Status)
		}
	}
	if !got.AllWavesCompleted || got.EndTime == nil {
		t.Error("cancelled execution must be finalized")
	}
}

func TestPollCancellationWinsOverWaveCompletion(t *testing.T) {
	f := newPollerFixture(t, 2)
	ctx := context.Background()

	// Cancellation lands while the describe call is in flight; the completed
	// wave keeps its state but no next wave starts.
	f.client.describeJob = func(string) (*Job, error) {
		f.store.stored("exec-1", "plan-1").Status = ExecutionStatusCancelling
		return launchedJob("s-1", "s-2"), nil
	}

	got := f.poller.Poll(ctx, f.exec, PollOptions{})

	if got.Status != ExecutionStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}
	if got.Waves[0].Status != WaveStatusCompleted {
		t.Errorf("completed wave must keep its state, got %s", got.Waves[0].Status)
	}
	if got.Waves[1].Status != WaveStatusCancelled {
		t.Errorf("unstarted wave must cancel, got %s", got.Waves[1].Status)
	}
	if f.client.startCalls != 0 {
		t.Error("no next wave may start after cancellation")
	}
}

func TestPollPausesBeforeNextWave(t *testing.T) {
	f := newPollerFixture(t, 2)
	f.exec.Waves[1].PauseBeforeWave = true
	f.store.PutExecution(context.Background(), f.exec)

	f.client.describeJob = func(string) (*Job, error) {
		return launchedJob("s-1", "s-2"), nil
	}

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})

	if got.Status != ExecutionStatusPaused {
		t.Errorf("expected PAUSED, got %s", got.Status)
	}
	if got.PausedBeforeWave == nil || *got.PausedBeforeWave != 1 {
		t.Errorf("pause marker wrong: %v", got.PausedBeforeWave)
	}
	if got.CurrentWaveNumber != 1 || got.CurrentWaveWaitTime != 0 {
		t.Errorf("cursor not positioned at the paused wave: wave=%d wait=%s",
			got.CurrentWaveNumber, got.CurrentWaveWaitTime)
	}
	if f.client.startCalls != 0 {
		t.Error("paused execution must not start the next wave")
	}
	if got.Waves[1].Status != WaveStatusPending {
		t.Errorf("paused wave stays pending, got %s", got.Waves[1].Status)
	}
}

func TestPollLastWaveFinalizesCompleted(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.clock.step = time.Second
	f.client.describeJob = func(string) (*Job, error) {
		return launchedJob("s-1", "s-2"), nil
	}

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})

	if got.Status != ExecutionStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got.Status)
	}
	if !got.AllWavesCompleted || got.EndTime == nil || got.Duration <= 0 {
		t.Errorf("execution not finalized: %+v", got)
	}
}

func TestPollFinalizeWithWarnings(t *testing.T) {
	f := newPollerFixture(t, 2)
	// One wave cancelled earlier, one completed: no failures, but not every
	// wave completed cleanly.
	f.exec.Waves[0].Status = WaveStatusCancelled
	f.exec.Waves[1].Status = WaveStatusCompleted
	f.exec.CurrentWaveNumber = 2
	f.store.PutExecution(context.Background(), f.exec)

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})

	if got.Status != ExecutionStatusCompletedWithWarnings {
		t.Errorf("expected COMPLETED_WITH_WARNINGS, got %s", got.Status)
	}
}

func TestPollTerminalExecutionUntouched(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.exec.Status = ExecutionStatusCompleted
	f.store.PutExecution(context.Background(), f.exec)
	before := f.store.updateCalls

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})

	if got.Status != ExecutionStatusCompleted {
		t.Errorf("terminal execution mutated: %s", got.Status)
	}
	if f.client.describeCalls != 0 || f.store.updateCalls != before {
		t.Error("terminal execution must not trigger queries or writes")
	}
}

func TestPollMissingJobHandleCompletes(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.exec.Waves[0].JobID = ""
	f.store.PutExecution(context.Background(), f.exec)

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})

	if f.client.describeCalls != 0 {
		t.Error("nothing to poll without a job handle")
	}
	if got.Waves[0].Status != WaveStatusCompleted {
		t.Errorf("handle-less wave treated as complete, got %s", got.Waves[0].Status)
	}
	if got.Status != ExecutionStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got.Status)
	}
}

func TestPollJobNotFound(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.client.describeJob = func(jobID string) (*Job, error) {
		return nil, NewNotFoundError("job " + jobID + " not found")
	}

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})

	if got.Status != ExecutionStatusFailed || got.ErrorCode != ErrCodeJobNotFound {
		t.Errorf("expected FAILED/%s, got %s/%s", ErrCodeJobNotFound, got.Status, got.ErrorCode)
	}
}

func TestPollZeroServerJobStillLive(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.client.describeJob = func(string) (*Job, error) {
		return &Job{JobID: "job-1", Status: JobStatusPending}, nil
	}

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})

	if got.Waves[0].Status != WaveStatusLaunching {
		t.Errorf("live job without servers keeps launching, got %s", got.Waves[0].Status)
	}
	if got.Status != ExecutionStatusPolling {
		t.Errorf("expected POLLING, got %s", got.Status)
	}
}

func TestPollCompletedJobWithoutLaunchesFails(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.client.describeJob = func(string) (*Job, error) {
		return &Job{JobID: "job-1", Status: JobStatusCompleted, Servers: []JobServer{
			{SourceServerID: "s-1", LaunchStatus: LaunchStatusLaunched},
			{SourceServerID: "s-2", LaunchStatus: LaunchStatusInProgress},
		}}, nil
	}

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})

	if got.Status != ExecutionStatusFailed {
		t.Errorf("completed job short of launches must fail, got %s", got.Status)
	}
}

func TestPollEnrichesCompletedWave(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.client.describeJob = func(string) (*Job, error) {
		return launchedJob("s-1", "s-2"), nil
	}
	f.client.describeRecoveryInstances = func(ids []string) ([]RecoveryInstance, error) {
		var out []RecoveryInstance
		for _, id := range ids {
			out = append(out, RecoveryInstance{
				RecoveryInstanceID: id,
				Hostname:           "host-" + id,
				PrivateAddress:     "10.0.0.1",
			})
		}
		return out, nil
	}

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})

	for _, s := range got.Waves[0].Servers {
		if s.Hostname == "" || s.PrivateAddress == "" {
			t.Errorf("server %s not enriched: %+v", s.SourceServerID, s)
		}
	}
}

func TestPollEnrichmentFailureIsBestEffort(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.client.describeJob = func(string) (*Job, error) {
		return launchedJob("s-1", "s-2"), nil
	}
	f.client.describeRecoveryInstances = func([]string) ([]RecoveryInstance, error) {
		return nil, NewTransientError("throttled", nil)
	}

	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})

	if got.Status != ExecutionStatusCompleted {
		t.Errorf("enrichment failure must not affect completion, got %s", got.Status)
	}
}

func TestPollVersionConflictDiscardsCycle(t *testing.T) {
	f := newPollerFixture(t, 1)
	f.client.describeJob = func(string) (*Job, error) {
		return &Job{JobID: "job-1", Status: JobStatusStarted, Servers: []JobServer{
			{SourceServerID: "s-1", LaunchStatus: LaunchStatusLaunched},
			{SourceServerID: "s-2", LaunchStatus: LaunchStatusInProgress},
		}}, nil
	}
	f.store.failUpdate = NewConflictError("version is stale", nil)

	// Must not panic or error; the losing cycle is simply discarded
	got := f.poller.Poll(context.Background(), f.exec, PollOptions{})
	if got == nil {
		t.Fatal("poll must always return the execution")
	}
	if stored := f.store.stored("exec-1", "plan-1"); stored.CurrentWaveWaitTime != 0 {
		t.Error("losing cycle must not overwrite the stored state")
	}
}
