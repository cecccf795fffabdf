package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// memStore is an in-memory ExecutionStore with the same version-guarded
// update semantics as the SQLite store.
type memStore struct {
	executions map[string]*Execution
	groups     map[string]*ProtectionGroup
	statuses   map[string]*LaunchConfigStatus

	updateCalls int
	failUpdate  error
	failList    error
	failGetExec error
}

func newMemStore() *memStore {
	return &memStore{
		executions: make(map[string]*Execution),
		groups:     make(map[string]*ProtectionGroup),
		statuses:   make(map[string]*LaunchConfigStatus),
	}
}

func execKey(executionID, planID string) string {
	return executionID + "|" + planID
}

func copyExecution(exec *Execution) *Execution {
	cp := *exec
	cp.Waves = append([]Wave{}, exec.Waves...)
	for i := range cp.Waves {
		cp.Waves[i].ServerIDs = append([]string{}, exec.Waves[i].ServerIDs...)
		cp.Waves[i].Servers = append([]ServerStatus{}, exec.Waves[i].Servers...)
	}
	cp.WaveResults = append([]WaveResult{}, exec.WaveResults...)
	return &cp
}

func (m *memStore) GetExecution(_ context.Context, executionID, planID string) (*Execution, error) {
	if m.failGetExec != nil {
		return nil, m.failGetExec
	}
	exec, ok := m.executions[execKey(executionID, planID)]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("execution %s not found", executionID))
	}
	return copyExecution(exec), nil
}

func (m *memStore) PutExecution(_ context.Context, exec *Execution) error {
	m.executions[execKey(exec.ID, exec.PlanID)] = copyExecution(exec)
	return nil
}

func (m *memStore) UpdateExecution(_ context.Context, exec *Execution) error {
	m.updateCalls++
	if m.failUpdate != nil {
		return m.failUpdate
	}
	key := execKey(exec.ID, exec.PlanID)
	stored, ok := m.executions[key]
	if !ok {
		return NewNotFoundError(fmt.Sprintf("execution %s not found", exec.ID))
	}
	if stored.Version != exec.Version {
		return NewConflictError(
			fmt.Sprintf("execution %s version %d is stale", exec.ID, exec.Version), nil)
	}
	exec.Version++
	m.executions[key] = copyExecution(exec)
	return nil
}

func (m *memStore) ListActiveExecutions(_ context.Context) ([]Execution, error) {
	if m.failList != nil {
		return nil, m.failList
	}
	var active []Execution
	for _, exec := range m.executions {
		if exec.Status.IsActive() {
			active = append(active, *copyExecution(exec))
		}
	}
	return active, nil
}

func (m *memStore) GetProtectionGroup(_ context.Context, groupID string) (*ProtectionGroup, error) {
	group, ok := m.groups[groupID]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("protection group %s not found", groupID))
	}
	cp := *group
	if st, ok := m.statuses[groupID]; ok {
		cp.LaunchConfigStatus = st
	}
	return &cp, nil
}

func (m *memStore) PutProtectionGroup(_ context.Context, group *ProtectionGroup) error {
	cp := *group
	m.groups[group.GroupID] = &cp
	return nil
}

func (m *memStore) PutLaunchConfigStatus(_ context.Context, groupID string, status *LaunchConfigStatus) error {
	if _, ok := m.groups[groupID]; !ok {
		return NewNotFoundError(fmt.Sprintf("protection group %s not found", groupID))
	}
	m.statuses[groupID] = status
	return nil
}

// stored returns the persisted copy of an execution, for assertions.
func (m *memStore) stored(executionID, planID string) *Execution {
	return m.executions[execKey(executionID, planID)]
}

// fakeControlPlane implements ControlPlaneClient with per-call hooks. A nil
// hook returns an empty success.
type fakeControlPlane struct {
	startRecovery             func(serverIDs []string, isDrill bool) (*Job, error)
	describeJob               func(jobID string) (*Job, error)
	updateLaunchConfig        func(serverID string, config map[string]any) error
	describeSourceServers     func(region string) ([]SourceServer, error)
	describeActiveJobs        func(region string) ([]Job, error)
	describeRecoveryInstances func(instanceIDs []string) ([]RecoveryInstance, error)

	startCalls    int
	describeCalls int
	updateCalls   int
}

func (f *fakeControlPlane) StartRecovery(_ context.Context, serverIDs []string, isDrill bool) (*Job, error) {
	f.startCalls++
	if f.startRecovery != nil {
		return f.startRecovery(serverIDs, isDrill)
	}
	return &Job{JobID: "job-fake", Status: JobStatusPending, IsDrill: isDrill}, nil
}

func (f *fakeControlPlane) DescribeJob(_ context.Context, jobID string) (*Job, error) {
	f.describeCalls++
	if f.describeJob != nil {
		return f.describeJob(jobID)
	}
	return &Job{JobID: jobID, Status: JobStatusStarted}, nil
}

func (f *fakeControlPlane) UpdateLaunchConfig(_ context.Context, serverID string, config map[string]any) error {
	f.updateCalls++
	if f.updateLaunchConfig != nil {
		return f.updateLaunchConfig(serverID, config)
	}
	return nil
}

func (f *fakeControlPlane) DescribeSourceServers(_ context.Context, region string) ([]SourceServer, error) {
	if f.describeSourceServers != nil {
		return f.describeSourceServers(region)
	}
	return nil, nil
}

func (f *fakeControlPlane) DescribeActiveJobs(_ context.Context, region string) ([]Job, error) {
	if f.describeActiveJobs != nil {
		return f.describeActiveJobs(region)
	}
	return nil, nil
}

func (f *fakeControlPlane) DescribeRecoveryInstances(_ context.Context, instanceIDs []string) ([]RecoveryInstance, error) {
	if f.describeRecoveryInstances != nil {
		return f.describeRecoveryInstances(instanceIDs)
	}
	return nil, nil
}

// manualClock is a deterministic Clock. Now advances by step per call so
// budget arithmetic is observable; Sleep advances by the requested duration
// and records it instead of blocking.
type manualClock struct {
	now    time.Time
	step   time.Duration
	sleeps []time.Duration
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *manualClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}
