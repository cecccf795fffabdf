package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/recowave/recowave/pkg/telemetry"
)

// DefaultApplyBudget bounds a single ApplyConfigs call. Servers not reached
// within the budget are left pending, not failed.
const DefaultApplyBudget = 300 * time.Second

// maxRedactedErrorLen caps downstream error messages accumulated into the
// group-level error list, which is surfaced to the UI layer.
const maxRedactedErrorLen = 200

// LaunchConfigService applies per-server launch configuration to the
// recovery control plane, persists group status and detects drift.
type LaunchConfigService struct {
	store  ExecutionStore
	creds  CredentialProvider
	clock  Clock
	retry  RetryPolicy
	logger zerolog.Logger
	meter  *telemetry.Metrics
}

// LaunchConfigOption configures a LaunchConfigService.
type LaunchConfigOption func(*LaunchConfigService)

// WithConfigClock overrides the service clock.
func WithConfigClock(clock Clock) LaunchConfigOption {
	return func(s *LaunchConfigService) { s.clock = clock }
}

// WithConfigRetryPolicy overrides the throttle retry schedule.
func WithConfigRetryPolicy(p RetryPolicy) LaunchConfigOption {
	return func(s *LaunchConfigService) { s.retry = p }
}

// WithConfigMetrics attaches a metrics collector.
func WithConfigMetrics(m *telemetry.Metrics) LaunchConfigOption {
	return func(s *LaunchConfigService) { s.meter = m }
}

// NewLaunchConfigService creates a launch-configuration service.
func NewLaunchConfigService(store ExecutionStore, creds CredentialProvider, logger zerolog.Logger, opts ...LaunchConfigOption) *LaunchConfigService {
	s := &LaunchConfigService{
		store:  store,
		creds:  creds,
		clock:  NewClock(),
		retry:  ApplyConfigRetryPolicy(),
		logger: logger.With().Str("component", "launch-config").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetStatus returns the persisted launch-configuration status of a group.
// A group that exists but never had a status persisted reads as a default
// not_configured status. A missing group is a not-found error.
func (s *LaunchConfigService) GetStatus(ctx context.Context, groupID string) (*LaunchConfigStatus, error) {
	group, err := s.store.GetProtectionGroup(ctx, groupID)
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, NewPermanentError("failed to read protection group", err).
			WithCode(ErrCodePersistence).WithOperation("GetStatus")
	}
	if group.LaunchConfigStatus == nil {
		return NewLaunchConfigStatus(), nil
	}
	return group.LaunchConfigStatus, nil
}

// PersistStatus atomically replaces the whole stored status object of a
// group. Partial merges are forbidden; callers must pass a complete status.
func (s *LaunchConfigService) PersistStatus(ctx context.Context, groupID string, status *LaunchConfigStatus) error {
	if status == nil {
		return NewValidationError("launch config status is required")
	}
	if status.Status == "" {
		return NewValidationError("launch config status field is required")
	}
	if err := status.Status.Validate(); err != nil {
		return NewValidationError(err.Error())
	}
	if status.ServerConfigs == nil {
		return NewValidationError("serverConfigs field is required")
	}
	if status.Errors == nil {
		return NewValidationError("errors field is required")
	}
	if err := s.store.PutLaunchConfigStatus(ctx, groupID, status); err != nil {
		return NewPermanentError("failed to persist launch config status", err).
			WithCode(ErrCodePersistence).WithOperation("PersistStatus")
	}
	return nil
}

// ApplyInput parameterizes one ApplyConfigs call.
type ApplyInput struct {
	// GroupID and Region identify the protection group.
	GroupID string
	Region  string

	// ServerIDs are the servers to configure, in order.
	ServerIDs []string

	// LaunchConfigs maps server id to its desired configuration. A server
	// without an entry is marked failed.
	LaunchConfigs map[string]map[string]any

	// Budget bounds the whole call; zero means DefaultApplyBudget.
	// Servers not reached within the budget are left pending.
	Budget time.Duration

	// Account selects the target account, or nil for same-account.
	Account *AccountContext
}

// ApplyConfigs applies each server's launch configuration to the control
// plane, retrying throttling-class errors with exponential backoff. The
// result is not persisted here; callers persist it via PersistStatus so the
// two steps stay independently testable.
func (s *LaunchConfigService) ApplyConfigs(ctx context.Context, in ApplyInput) (*ApplyResult, error) {
	if in.GroupID == "" {
		return nil, NewValidationError("group id is required")
	}
	if len(in.ServerIDs) == 0 {
		return nil, NewValidationError("at least one server id is required")
	}
	budget := in.Budget
	if budget <= 0 {
		budget = DefaultApplyBudget
	}

	client, err := s.creds.ClientFor(ctx, in.Account, in.Region)
	if err != nil {
		return nil, NewPermanentError("failed to obtain control plane client", err).
			WithCode(ErrCodeApplication).WithOperation("ApplyConfigs")
	}

	result := &ApplyResult{
		ServerConfigs: make(map[string]*ServerConfigStatus, len(in.ServerIDs)),
		Errors:        []string{},
	}
	deadline := s.clock.Now().Add(budget)

	for _, serverID := range in.ServerIDs {
		if !s.clock.Now().Before(deadline) {
			// Out of budget: everything not yet processed stays pending
			// for a later call rather than being marked failed.
			result.ServerConfigs[serverID] = &ServerConfigStatus{
				Status: ServerConfigPending,
				Errors: []string{fmt.Sprintf("timed out after %s before configuration was applied", budget)},
			}
			result.PendingServers++
			continue
		}

		config, ok := in.LaunchConfigs[serverID]
		if !ok {
			msg := fmt.Sprintf("no launch configuration found for server %s", serverID)
			result.ServerConfigs[serverID] = &ServerConfigStatus{
				Status: ServerConfigFailed,
				Errors: []string{msg},
			}
			result.FailedServers++
			result.Errors = append(result.Errors, msg)
			continue
		}

		if err := s.applyOne(ctx, client, serverID, config); err != nil {
			s.logger.Warn().Err(err).
				Str("group_id", in.GroupID).
				Str("server_id", serverID).
				Msg("Launch configuration apply failed")
			result.ServerConfigs[serverID] = &ServerConfigStatus{
				Status: ServerConfigFailed,
				Errors: []string{err.Error()},
			}
			result.FailedServers++
			result.Errors = append(result.Errors, redactError(serverID, err))
			continue
		}

		applied := s.clock.Now()
		result.ServerConfigs[serverID] = &ServerConfigStatus{
			Status:      ServerConfigReady,
			LastApplied: &applied,
			ConfigHash:  HashConfig(config),
		}
		result.AppliedServers++
	}

	switch {
	case result.AppliedServers == len(in.ServerIDs):
		result.Status = ConfigStatusReady
	case result.FailedServers == len(in.ServerIDs):
		result.Status = ConfigStatusFailed
	default:
		result.Status = ConfigStatusPartial
	}

	s.meter.RecordConfigApply(string(result.Status), result.AppliedServers)
	s.logger.Info().
		Str("group_id", in.GroupID).
		Int("applied", result.AppliedServers).
		Int("failed", result.FailedServers).
		Int("pending", result.PendingServers).
		Str("status", string(result.Status)).
		Msg("Launch configuration apply finished")

	return result, nil
}

// applyOne pushes a single server's configuration, retrying only
// throttling-class errors.
func (s *LaunchConfigService) applyOne(ctx context.Context, client ControlPlaneClient, serverID string, config map[string]any) error {
	var lastErr error
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		err := client.UpdateLaunchConfig(ctx, serverID, config)
		s.meter.RecordControlPlaneCall("UpdateLaunchConfig", err)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsThrottled(err) || attempt == s.retry.MaxAttempts-1 {
			break
		}
		if sleepErr := s.clock.Sleep(ctx, s.retry.Delay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}

// ToStatus converts an apply result into a persistable whole status object.
// Entries in prev for servers outside this apply are carried forward so a
// subset reapplication never erases unrelated server state.
func (r *ApplyResult) ToStatus(prev *LaunchConfigStatus, appliedBy string, now time.Time) *LaunchConfigStatus {
	st := &LaunchConfigStatus{
		Status:        r.Status,
		LastApplied:   &now,
		AppliedBy:     appliedBy,
		ServerConfigs: make(map[string]*ServerConfigStatus),
		Errors:        append([]string{}, r.Errors...),
	}
	if prev != nil {
		for id, sc := range prev.ServerConfigs {
			st.ServerConfigs[id] = sc
		}
	}
	for id, sc := range r.ServerConfigs {
		st.ServerConfigs[id] = sc
	}

	// Re-derive the aggregate over the full merged set.
	ready, failed := 0, 0
	for _, sc := range st.ServerConfigs {
		switch sc.Status {
		case ServerConfigReady:
			ready++
		case ServerConfigFailed:
			failed++
		}
	}
	switch {
	case len(st.ServerConfigs) == 0:
		st.Status = r.Status
	case ready == len(st.ServerConfigs):
		st.Status = ConfigStatusReady
	case failed == len(st.ServerConfigs):
		st.Status = ConfigStatusFailed
	default:
		st.Status = ConfigStatusPartial
	}
	return st
}

// DetectDrift compares the currently-desired configurations against the
// stored per-server hashes. A failed status lookup reports every server as
// drifted: the fail-safe direction is reapplication, never a silent skip.
func (s *LaunchConfigService) DetectDrift(ctx context.Context, groupID string, currentConfigs map[string]map[string]any) (*DriftReport, error) {
	report := &DriftReport{
		DriftedServers: []string{},
		Details:        make(map[string]DriftDetail, len(currentConfigs)),
	}

	stored, err := s.GetStatus(ctx, groupID)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("group_id", groupID).
			Msg("Status lookup failed during drift detection, treating all servers as drifted")
		for serverID, config := range currentConfigs {
			report.HasDrift = true
			report.DriftedServers = append(report.DriftedServers, serverID)
			report.Details[serverID] = DriftDetail{
				CurrentHash: HashConfig(config),
				Reason:      fmt.Sprintf("status lookup failed: %v", err),
			}
		}
		s.meter.RecordDriftDetection(len(report.DriftedServers))
		return report, nil
	}

	for serverID, config := range currentConfigs {
		currentHash := HashConfig(config)

		if stored.Status == ConfigStatusNotConfigured {
			report.HasDrift = true
			report.DriftedServers = append(report.DriftedServers, serverID)
			report.Details[serverID] = DriftDetail{
				CurrentHash: currentHash,
				Reason:      "launch configuration was never applied to this group",
			}
			continue
		}

		sc, ok := stored.ServerConfigs[serverID]
		if !ok || sc.ConfigHash == "" {
			report.HasDrift = true
			report.DriftedServers = append(report.DriftedServers, serverID)
			report.Details[serverID] = DriftDetail{
				CurrentHash: currentHash,
				Reason:      "no stored configuration hash for server",
			}
			continue
		}

		if sc.ConfigHash != currentHash {
			report.HasDrift = true
			report.DriftedServers = append(report.DriftedServers, serverID)
			report.Details[serverID] = DriftDetail{
				CurrentHash: currentHash,
				StoredHash:  sc.ConfigHash,
				Reason:      "configuration hash mismatch",
			}
		}
	}

	if report.HasDrift {
		s.meter.RecordDriftDetection(len(report.DriftedServers))
		s.logger.Info().
			Str("group_id", groupID).
			Int("drifted", len(report.DriftedServers)).
			Msg("Launch configuration drift detected")
	}
	return report, nil
}

// redactError produces the group-level form of a downstream error: bounded
// length, prefixed with the server it concerns.
func redactError(serverID string, err error) string {
	msg := err.Error()
	if len(msg) > maxRedactedErrorLen {
		msg = msg[:maxRedactedErrorLen] + "..."
	}
	return fmt.Sprintf("server %s: %s", serverID, msg)
}
