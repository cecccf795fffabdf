package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/recowave/recowave/pkg/orchestrator"
)

// Engine evaluates admission policies against recovery plans. Built-in
// policies load at construction; file-backed policies are layered on top via
// LoadPolicies and can be hot-reloaded through the loader's watcher.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	groups   GroupReader
	evalCtx  EvalContext

	builtinPolicies []Policy
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithGroupReader attaches a protection-group resolver so policies can see
// per-group facts (region, server count, tags).
func WithGroupReader(groups GroupReader) Option {
	return func(e *Engine) { e.groups = groups }
}

// WithEvalContext sets the ambient context handed to every evaluation.
func WithEvalContext(evalCtx EvalContext) Option {
	return func(e *Engine) { e.evalCtx = evalCtx }
}

// NewEngine creates a policy engine with the built-in policies compiled.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// EvaluatePlan runs every enabled policy against the plan and aggregates
// the findings. The plan is admissible when no error or critical violation
// was raised; a policy that fails to evaluate is reported as a warning and
// never blocks.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *orchestrator.RecoveryPlan) (*Result, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is required")
	}
	startTime := time.Now()

	input := &planInput{
		Plan:    plan,
		Groups:  e.resolveGroupFacts(ctx, plan),
		Context: e.evalContext(),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{EvaluatedPolicies: make([]string, 0, len(e.policies))}
	for _, name := range e.sortedPolicyNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("plan_id", plan.ID).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s failed to evaluate: %v", cp.policy.Name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	result.Allowed = true
	for i := range result.Violations {
		if result.Violations[i].IsBlocking() {
			result.Allowed = false
			break
		}
	}
	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")
	return result, nil
}

// resolveGroupFacts gathers per-group facts for every protection group the
// plan references. A group that cannot be read contributes no facts; the
// policies that depend on them simply do not fire.
func (e *Engine) resolveGroupFacts(ctx context.Context, plan *orchestrator.RecoveryPlan) map[string]*GroupFacts {
	facts := make(map[string]*GroupFacts)
	if e.groups == nil {
		return facts
	}
	for _, wave := range plan.Waves {
		if wave.ProtectionGroupID == "" {
			continue
		}
		if _, done := facts[wave.ProtectionGroupID]; done {
			continue
		}
		group, err := e.groups.GetProtectionGroup(ctx, wave.ProtectionGroupID)
		if err != nil {
			e.logger.Warn().Err(err).
				Str("group_id", wave.ProtectionGroupID).
				Msg("Failed to resolve protection group for policy input")
			continue
		}
		facts[wave.ProtectionGroupID] = &GroupFacts{
			Region:      group.Region,
			ServerCount: len(group.ServerIDs),
			Tags:        group.Tags,
		}
	}
	return facts
}

func (e *Engine) evalContext() *EvalContext {
	evalCtx := e.evalCtx
	evalCtx.Timestamp = time.Now()
	return &evalCtx
}

// LoadPolicies loads policy files on top of the built-ins. A file policy
// with the same name as a built-in replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(ctx, policies)
}

// ReplacePolicies compiles and installs the given file-backed policies,
// keeping the built-ins. The loader's watcher calls this on reload.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// evaluatePolicy runs one policy's prepared deny query against the input.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *planInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.toViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// toViolation maps one deny result onto a Violation. String results become
// the message; object results may carry severity, wave and group scope.
func (e *Engine) toViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if group, ok := v["group_id"].(string); ok {
			violation.GroupID = group
		}
		if wave, ok := asInt(v["wave_number"]); ok {
			violation.WaveNumber = &wave
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// compileAndStorePolicy parses the policy module and prepares its deny
// query for reuse.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	if _, err := ast.ParseModule(policy.Name, policy.Rego); err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", extractPackageName(policy.Rego))),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled")
	return nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(code string) string {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "recowave.policies"
}

// loadBuiltinPolicies compiles the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		if err := e.compileAndStorePolicy(ctx, &e.builtinPolicies[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
	}
	e.logger.Info().Int("count", len(e.builtinPolicies)).Msg("Built-in policies loaded")
	return nil
}

func (e *Engine) sortedPolicyNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedPolicyNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// ReloadPolicies drops every file-backed policy and recompiles the
// built-ins.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
