package orchestrator

import (
	"context"
	"time"
)

// ExecutionStore is the persistence boundary used by the orchestrator core.
// Implementations must make UpdateExecution a compare-and-guard write: the
// stored version must match the in-memory one, since the external scheduler
// could double-invoke a stale state.
type ExecutionStore interface {
	// GetExecution retrieves an execution by (executionID, planID).
	GetExecution(ctx context.Context, executionID, planID string) (*Execution, error)

	// PutExecution creates a new execution record.
	PutExecution(ctx context.Context, exec *Execution) error

	// UpdateExecution persists an execution conditionally on its Version
	// and bumps it. Returns a conflict error when the stored version
	// differs.
	UpdateExecution(ctx context.Context, exec *Execution) error

	// ListActiveExecutions lists executions whose status is active.
	ListActiveExecutions(ctx context.Context) ([]Execution, error)

	// GetProtectionGroup retrieves a protection group by id, including its
	// persisted launchConfigStatus.
	GetProtectionGroup(ctx context.Context, groupID string) (*ProtectionGroup, error)

	// PutProtectionGroup creates or replaces a protection group record.
	PutProtectionGroup(ctx context.Context, group *ProtectionGroup) error

	// PutLaunchConfigStatus atomically replaces the whole stored
	// launch-configuration status of a group.
	PutLaunchConfigStatus(ctx context.Context, groupID string, status *LaunchConfigStatus) error
}

// ControlPlaneClient talks to the external recovery control plane. All
// operations may block on I/O and honor the context deadline.
type ControlPlaneClient interface {
	// StartRecovery creates a recovery job for the given servers.
	StartRecovery(ctx context.Context, serverIDs []string, isDrill bool) (*Job, error)

	// DescribeJob returns a job with its per-server launch status.
	DescribeJob(ctx context.Context, jobID string) (*Job, error)

	// UpdateLaunchConfig applies a server's launch configuration.
	UpdateLaunchConfig(ctx context.Context, serverID string, config map[string]any) error

	// DescribeSourceServers enumerates protected servers and their native
	// tags in a region.
	DescribeSourceServers(ctx context.Context, region string) ([]SourceServer, error)

	// DescribeActiveJobs lists jobs in a pending/started state in a region,
	// including ones started outside this orchestrator.
	DescribeActiveJobs(ctx context.Context, region string) ([]Job, error)

	// DescribeRecoveryInstances resolves provisioned instances for
	// enrichment.
	DescribeRecoveryInstances(ctx context.Context, instanceIDs []string) ([]RecoveryInstance, error)
}

// CredentialProvider yields control-plane clients scoped to another account
// when an execution carries an account context.
type CredentialProvider interface {
	// ClientFor returns a client for the given account and region. A nil
	// account returns the orchestrator's own client.
	ClientFor(ctx context.Context, account *AccountContext, region string) (ControlPlaneClient, error)
}

// Clock abstracts time for deterministic retry and timeout tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep blocks for the given duration or until the context is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// realClock is the production Clock.
type realClock struct{}

// NewClock returns the real wall clock.
func NewClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// staticCredentials wraps a single client as a CredentialProvider for
// same-account deployments.
type staticCredentials struct {
	client ControlPlaneClient
}

// StaticCredentials returns a CredentialProvider that always yields the
// given client, ignoring account context and region.
func StaticCredentials(client ControlPlaneClient) CredentialProvider {
	return staticCredentials{client: client}
}

func (s staticCredentials) ClientFor(_ context.Context, _ *AccountContext, _ string) (ControlPlaneClient, error) {
	return s.client, nil
}
