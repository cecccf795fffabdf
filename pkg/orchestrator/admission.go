package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/recowave/recowave/pkg/telemetry"
)

// AdmissionController resolves wave membership and rejects wave starts that
// would conflict with other executions, collide with live control-plane
// jobs, or exceed service quotas.
//
// The conflict check is dual-source on purpose: the execution store can be
// stale when jobs were started outside this orchestrator, so the live
// control plane is queried as well. The check is advisory, not
// transactional; two plans can both pass before either job registers. The
// control plane's own per-server exclusivity is the final authority, and an
// admitted start it rejects is handled as an ordinary conflict retry.
type AdmissionController struct {
	store  ExecutionStore
	creds  CredentialProvider
	limits Limits
	logger zerolog.Logger
	meter  *telemetry.Metrics
}

// AdmissionOption configures an AdmissionController.
type AdmissionOption func(*AdmissionController)

// WithLimits overrides the default service quotas.
func WithLimits(limits Limits) AdmissionOption {
	return func(a *AdmissionController) { a.limits = limits }
}

// WithAdmissionMetrics attaches a metrics collector.
func WithAdmissionMetrics(m *telemetry.Metrics) AdmissionOption {
	return func(a *AdmissionController) { a.meter = m }
}

// NewAdmissionController creates an admission controller.
func NewAdmissionController(store ExecutionStore, creds CredentialProvider, logger zerolog.Logger, opts ...AdmissionOption) *AdmissionController {
	a := &AdmissionController{
		store:  store,
		creds:  creds,
		limits: DefaultLimits(),
		logger: logger.With().Str("component", "admission").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ResolveMembership returns the server ids belonging to a protection group.
// Tag-based groups keep servers whose native tags contain every required
// key/value, matched case-insensitively with surrounding whitespace trimmed
// (AND semantics). Explicit groups return their ids unchanged. Zero matches
// is an empty list, not an error.
func (a *AdmissionController) ResolveMembership(ctx context.Context, group *ProtectionGroup, account *AccountContext) ([]string, error) {
	if !group.UsesTags() {
		return append([]string{}, group.ServerIDs...), nil
	}

	client, err := a.creds.ClientFor(ctx, a.accountFor(group, account), group.Region)
	if err != nil {
		return nil, NewPermanentError("failed to obtain control plane client", err).
			WithCode(ErrCodeApplication).WithOperation("ResolveMembership")
	}
	servers, err := client.DescribeSourceServers(ctx, group.Region)
	a.meter.RecordControlPlaneCall("DescribeSourceServers", err)
	if err != nil {
		return nil, NewPermanentError("failed to enumerate source servers", err).
			WithCode(ErrCodeApplication).WithOperation("ResolveMembership")
	}

	matched := make([]string, 0, len(servers))
	for _, server := range servers {
		if matchesTags(server.Tags, group.Tags) {
			matched = append(matched, server.SourceServerID)
		}
	}
	sort.Strings(matched)
	return matched, nil
}

// accountFor prefers a group's own cross-account identity over the
// execution's account context.
func (a *AdmissionController) accountFor(group *ProtectionGroup, account *AccountContext) *AccountContext {
	if group.AccountID != "" {
		return &AccountContext{AccountID: group.AccountID, RoleName: group.RoleName}
	}
	return account
}

// matchesTags reports whether the server's tag set satisfies every required
// tag. Keys and values are compared case-insensitively after trimming.
func matchesTags(serverTags, required map[string]string) bool {
	if len(required) == 0 {
		return false
	}
	normalized := make(map[string]string, len(serverTags))
	for k, v := range serverTags {
		normalized[normalizeTag(k)] = normalizeTag(v)
	}
	for k, v := range required {
		got, ok := normalized[normalizeTag(k)]
		if !ok || got != normalizeTag(v) {
			return false
		}
	}
	return true
}

func normalizeTag(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// serverHold records which execution holds a server.
type serverHold struct {
	executionID string
}

// CheckConflicts validates a plan against every other active execution and
// the live control plane, and evaluates service quotas. The returned list
// is the union of conflicts and quota violations; an empty list means the
// plan is admissible.
func (a *AdmissionController) CheckConflicts(ctx context.Context, plan *RecoveryPlan, account *AccountContext) ([]Conflict, error) {
	held, err := a.collectHeldServers(ctx, plan, account)
	if err != nil {
		return nil, err
	}

	// Resolve the plan's own membership once, caching group lookups, and
	// collect the distinct regions it touches.
	groupCache := make(map[string]*ProtectionGroup)
	waveMembers := make(map[int][]string, len(plan.Waves))
	waveRegions := make(map[int]string, len(plan.Waves))
	regions := make(map[string]struct{})
	for _, wave := range plan.Waves {
		group, err := a.cachedGroup(ctx, groupCache, wave.ProtectionGroupID)
		if err != nil {
			return nil, err
		}
		members, err := a.ResolveMembership(ctx, group, account)
		if err != nil {
			return nil, err
		}
		waveMembers[wave.WaveNumber] = members
		waveRegions[wave.WaveNumber] = group.Region
		regions[group.Region] = struct{}{}
	}

	liveJobs, liveJobCount, liveServerCount, err := a.describeLiveJobs(ctx, account, regions)
	if err != nil {
		return nil, err
	}

	var conflicts []Conflict
	plannedPerRegion := make(map[string]int)

	for _, wave := range plan.Waves {
		members := waveMembers[wave.WaveNumber]
		region := waveRegions[wave.WaveNumber]
		plannedPerRegion[region] += len(members)

		for _, serverID := range members {
			if hold, ok := held[serverID]; ok {
				conflicts = append(conflicts, Conflict{
					Kind:        ConflictKindExecution,
					ServerID:    serverID,
					WaveNumber:  wave.WaveNumber,
					ExecutionID: hold.executionID,
					Region:      region,
					Message: fmt.Sprintf("server %s is held by active execution %s",
						serverID, hold.executionID),
				})
				continue
			}
			// Only flag an external job when no execution record already
			// explains the claim; this catches jobs started outside the
			// orchestrator.
			if jobID, ok := liveJobs[serverID]; ok {
				conflicts = append(conflicts, Conflict{
					Kind:       ConflictKindDRSJob,
					ServerID:   serverID,
					WaveNumber: wave.WaveNumber,
					JobID:      jobID,
					Region:     region,
					Message: fmt.Sprintf("server %s is participating in live job %s",
						serverID, jobID),
				})
			}
		}

		if a.limits.MaxServersPerJob > 0 && len(members) > a.limits.MaxServersPerJob {
			conflicts = append(conflicts, Conflict{
				Kind:       ConflictKindQuotaViolation,
				WaveNumber: wave.WaveNumber,
				Region:     region,
				Message: fmt.Sprintf("wave %d has %d servers, exceeding the per-job limit of %d",
					wave.WaveNumber, len(members), a.limits.MaxServersPerJob),
			})
		}
	}

	for region := range regions {
		if a.limits.MaxConcurrentJobsPerRegion > 0 && liveJobCount[region] >= a.limits.MaxConcurrentJobsPerRegion {
			conflicts = append(conflicts, Conflict{
				Kind:   ConflictKindQuotaViolation,
				Region: region,
				Message: fmt.Sprintf("region %s already has %d live jobs, at the concurrent-job limit of %d",
					region, liveJobCount[region], a.limits.MaxConcurrentJobsPerRegion),
			})
		}
		if a.limits.MaxTotalServersPerRegion > 0 &&
			liveServerCount[region]+plannedPerRegion[region] > a.limits.MaxTotalServersPerRegion {
			conflicts = append(conflicts, Conflict{
				Kind:   ConflictKindQuotaViolation,
				Region: region,
				Message: fmt.Sprintf("region %s would have %d servers in live jobs, exceeding the limit of %d",
					region, liveServerCount[region]+plannedPerRegion[region], a.limits.MaxTotalServersPerRegion),
			})
		}
	}

	for _, c := range conflicts {
		a.meter.RecordConflict(string(c.Kind))
	}
	if len(conflicts) > 0 {
		a.logger.Warn().
			Str("plan_id", plan.ID).
			Int("conflicts", len(conflicts)).
			Msg("Plan admission found conflicts")
	}
	return conflicts, nil
}

// collectHeldServers builds the server sets held by every other active
// execution: resolved wave state first, then per-wave group re-resolution
// for waves that have not resolved yet. Prior executions of the same plan
// are exempt; they are this plan's own history, not a competitor.
func (a *AdmissionController) collectHeldServers(ctx context.Context, plan *RecoveryPlan, account *AccountContext) (map[string]serverHold, error) {
	active, err := a.store.ListActiveExecutions(ctx)
	if err != nil {
		return nil, NewPermanentError("failed to list active executions", err).
			WithCode(ErrCodePersistence).WithOperation("CheckConflicts")
	}

	held := make(map[string]serverHold)
	groupCache := make(map[string]*ProtectionGroup)
	for i := range active {
		exec := &active[i]
		if exec.PlanID == plan.ID {
			continue
		}
		for id := range exec.HeldServers() {
			held[id] = serverHold{executionID: exec.ID}
		}
		for j := range exec.Waves {
			wave := &exec.Waves[j]
			if len(wave.Servers) > 0 || len(wave.ServerIDs) > 0 {
				continue
			}
			group, err := a.cachedGroup(ctx, groupCache, wave.ProtectionGroupID)
			if err != nil {
				if IsNotFound(err) {
					// A dangling group reference on someone else's
					// execution is their failure, not an admission error.
					continue
				}
				return nil, err
			}
			members, err := a.ResolveMembership(ctx, group, exec.AccountContext)
			if err != nil {
				return nil, err
			}
			for _, id := range members {
				held[id] = serverHold{executionID: exec.ID}
			}
		}
	}
	return held, nil
}

// describeLiveJobs queries the control plane for pending/started jobs in
// each region and indexes their participating servers.
func (a *AdmissionController) describeLiveJobs(ctx context.Context, account *AccountContext, regions map[string]struct{}) (map[string]string, map[string]int, map[string]int, error) {
	jobByServer := make(map[string]string)
	jobCount := make(map[string]int)
	serverCount := make(map[string]int)

	for region := range regions {
		client, err := a.creds.ClientFor(ctx, account, region)
		if err != nil {
			return nil, nil, nil, NewPermanentError("failed to obtain control plane client", err).
				WithCode(ErrCodeApplication).WithOperation("CheckConflicts")
		}
		jobs, err := client.DescribeActiveJobs(ctx, region)
		a.meter.RecordControlPlaneCall("DescribeActiveJobs", err)
		if err != nil {
			return nil, nil, nil, NewPermanentError("failed to describe live jobs", err).
				WithCode(ErrCodeApplication).WithOperation("CheckConflicts")
		}
		for _, job := range jobs {
			if !job.Status.IsLive() {
				continue
			}
			jobCount[region]++
			for _, srv := range job.Servers {
				jobByServer[srv.SourceServerID] = job.JobID
				serverCount[region]++
			}
		}
	}
	return jobByServer, jobCount, serverCount, nil
}

// cachedGroup memoizes protection-group lookups for the duration of one
// admission check.
func (a *AdmissionController) cachedGroup(ctx context.Context, cache map[string]*ProtectionGroup, groupID string) (*ProtectionGroup, error) {
	if group, ok := cache[groupID]; ok {
		return group, nil
	}
	group, err := a.store.GetProtectionGroup(ctx, groupID)
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, NewPermanentError("failed to read protection group", err).
			WithCode(ErrCodePersistence).WithOperation("CheckConflicts")
	}
	cache[groupID] = group
	return group, nil
}
