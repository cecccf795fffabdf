package policy

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/recowave/recowave/pkg/orchestrator"
)

type fakeGroups struct {
	groups map[string]*orchestrator.ProtectionGroup
}

func (f *fakeGroups) GetProtectionGroup(_ context.Context, groupID string) (*orchestrator.ProtectionGroup, error) {
	group, ok := f.groups[groupID]
	if !ok {
		return nil, orchestrator.NewNotFoundError(fmt.Sprintf("protection group %s not found", groupID))
	}
	return group, nil
}

func testEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger, opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func smallGroup(region string) *orchestrator.ProtectionGroup {
	return &orchestrator.ProtectionGroup{
		GroupID:   "pg-1",
		Region:    region,
		ServerIDs: []string{"s-1", "s-2"},
	}
}

func planWithWaves(planType orchestrator.ExecutionType, groupIDs ...string) *orchestrator.RecoveryPlan {
	plan := &orchestrator.RecoveryPlan{ID: "plan-1", Name: "test plan", Type: planType}
	for i, gid := range groupIDs {
		plan.Waves = append(plan.Waves, orchestrator.PlanWave{
			WaveNumber:        i,
			ProtectionGroupID: gid,
		})
	}
	return plan
}

func TestNewEngine(t *testing.T) {
	eng := testEngine(t)

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No built-in policies loaded")
	}

	expected := []string{
		"wave-size",
		"forbidden-region",
		"drill-only-account",
		"production-pause-gate",
	}
	for _, name := range expected {
		if _, err := eng.GetPolicy(name); err != nil {
			t.Errorf("Expected built-in policy not found: %s", name)
		}
	}
}

func TestEvaluatePlanAllowed(t *testing.T) {
	eng := testEngine(t, WithGroupReader(&fakeGroups{
		groups: map[string]*orchestrator.ProtectionGroup{"pg-1": smallGroup("us-east-1")},
	}))

	result, err := eng.EvaluatePlan(context.Background(), planWithWaves(orchestrator.ExecutionTypeDrill, "pg-1"))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected plan to be allowed, violations: %+v", result.Violations)
	}
	if len(result.Violations) != 0 {
		t.Errorf("Expected no violations, got %+v", result.Violations)
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("Expected 4 evaluated policies, got %v", result.EvaluatedPolicies)
	}
}

func TestEvaluatePlanRejectsNil(t *testing.T) {
	eng := testEngine(t)
	if _, err := eng.EvaluatePlan(context.Background(), nil); err == nil {
		t.Fatal("Expected error for nil plan")
	}
}

func TestEvaluatePlanForbiddenRegion(t *testing.T) {
	eng := testEngine(t, WithGroupReader(&fakeGroups{
		groups: map[string]*orchestrator.ProtectionGroup{"pg-1": smallGroup("us-gov-west-1")},
	}))

	result, err := eng.EvaluatePlan(context.Background(), planWithWaves(orchestrator.ExecutionTypeDrill, "pg-1"))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected plan targeting a forbidden region to be blocked")
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.Policy != "forbidden-region" || v.Severity != SeverityError {
		t.Errorf("Unexpected violation: %+v", v)
	}
	if v.GroupID != "pg-1" || v.WaveNumber == nil || *v.WaveNumber != 0 {
		t.Errorf("Violation scope wrong: %+v", v)
	}
}

func TestEvaluatePlanWaveSizeAdvisory(t *testing.T) {
	big := &orchestrator.ProtectionGroup{GroupID: "pg-big", Region: "us-east-1"}
	for i := 0; i < 150; i++ {
		big.ServerIDs = append(big.ServerIDs, fmt.Sprintf("s-%d", i))
	}
	eng := testEngine(t, WithGroupReader(&fakeGroups{
		groups: map[string]*orchestrator.ProtectionGroup{"pg-big": big},
	}))

	result, err := eng.EvaluatePlan(context.Background(), planWithWaves(orchestrator.ExecutionTypeDrill, "pg-big"))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Advisory wave-size finding must not block admission")
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}
	if result.Violations[0].Policy != "wave-size" || result.Violations[0].Severity != SeverityWarning {
		t.Errorf("Unexpected violation: %+v", result.Violations[0])
	}
}

func TestEvaluatePlanDrillOnlyAccount(t *testing.T) {
	groups := &fakeGroups{
		groups: map[string]*orchestrator.ProtectionGroup{"pg-1": smallGroup("us-east-1")},
	}
	eng := testEngine(t,
		WithGroupReader(groups),
		WithEvalContext(EvalContext{
			AccountID:         "111122223333",
			DrillOnlyAccounts: []string{"111122223333"},
		}))

	recovery, err := eng.EvaluatePlan(context.Background(), planWithWaves(orchestrator.ExecutionTypeRecovery, "pg-1"))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if recovery.Allowed {
		t.Error("Real recovery in a drill-only account must be blocked")
	}
	if len(recovery.Violations) != 1 || recovery.Violations[0].Severity != SeverityCritical {
		t.Errorf("Expected one critical violation, got %+v", recovery.Violations)
	}

	// A drill in the same account passes
	drill, err := eng.EvaluatePlan(context.Background(), planWithWaves(orchestrator.ExecutionTypeDrill, "pg-1"))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !drill.Allowed {
		t.Errorf("Drill must be allowed in a drill-only account, violations: %+v", drill.Violations)
	}
}

func TestEvaluatePlanProductionPauseGate(t *testing.T) {
	prod := smallGroup("us-east-1")
	prod.GroupID = "pg-prod"
	prod.Tags = map[string]string{"env": "production"}
	eng := testEngine(t, WithGroupReader(&fakeGroups{
		groups: map[string]*orchestrator.ProtectionGroup{
			"pg-1":    smallGroup("us-east-1"),
			"pg-prod": prod,
		},
	}))

	// Wave 1 targets production without a pause gate
	plan := planWithWaves(orchestrator.ExecutionTypeDrill, "pg-1", "pg-prod")
	result, err := eng.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Pause-gate finding is advisory and must not block")
	}
	if len(result.Violations) != 1 || result.Violations[0].Policy != "production-pause-gate" {
		t.Fatalf("Expected one pause-gate violation, got %+v", result.Violations)
	}

	// With the gate declared the finding goes away
	plan.Waves[1].PauseBeforeWave = true
	result, err = eng.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if len(result.Violations) != 0 {
		t.Errorf("Expected no violations with a pause gate, got %+v", result.Violations)
	}
}

func TestEvaluatePlanUnresolvableGroup(t *testing.T) {
	eng := testEngine(t, WithGroupReader(&fakeGroups{groups: map[string]*orchestrator.ProtectionGroup{}}))

	// Group-fact policies cannot fire without facts; the plan stays
	// admissible rather than failing closed on a read error.
	result, err := eng.EvaluatePlan(context.Background(), planWithWaves(orchestrator.ExecutionTypeDrill, "pg-missing"))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !result.Allowed || len(result.Violations) != 0 {
		t.Errorf("Expected clean result, got %+v", result)
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := testEngine(t, WithGroupReader(&fakeGroups{
		groups: map[string]*orchestrator.ProtectionGroup{"pg-1": smallGroup("us-gov-west-1")},
	}))
	plan := planWithWaves(orchestrator.ExecutionTypeDrill, "pg-1")

	if err := eng.DisablePolicy("forbidden-region"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	result, err := eng.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Disabled policy must not fire")
	}

	if err := eng.EnablePolicy("forbidden-region"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	result, err = eng.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if result.Allowed {
		t.Error("Re-enabled policy must fire again")
	}

	if err := eng.DisablePolicy("no-such-policy"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestReplacePoliciesCustomRule(t *testing.T) {
	eng := testEngine(t)

	custom := Policy{
		Name:     "no-single-wave-plans",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.policies.singlewave

import rego.v1

deny contains violation if {
	count(input.plan.waves) == 1
	violation := {
		"message": "Plans must stage recovery across at least two waves",
		"severity": "error",
	}
}`,
	}
	if err := eng.ReplacePolicies(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}

	result, err := eng.EvaluatePlan(context.Background(), planWithWaves(orchestrator.ExecutionTypeDrill, "pg-1"))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if result.Allowed {
		t.Error("Custom policy must block single-wave plans")
	}

	two := planWithWaves(orchestrator.ExecutionTypeDrill, "pg-1", "pg-2")
	result, err = eng.EvaluatePlan(context.Background(), two)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Two-wave plan must pass, violations: %+v", result.Violations)
	}
}

func TestReplacePoliciesRejectsBadRego(t *testing.T) {
	eng := testEngine(t)
	bad := Policy{Name: "broken", Enabled: true, Rego: "this is not rego"}
	if err := eng.ReplacePolicies(context.Background(), []Policy{bad}); err == nil {
		t.Fatal("Expected compile error for invalid Rego")
	}
}

func TestReloadPoliciesRestoresBuiltins(t *testing.T) {
	eng := testEngine(t)
	custom := Policy{
		Name:     "extra",
		Enabled:  true,
		Severity: SeverityInfo,
		Rego:     "package custom.policies.extra\n\nimport rego.v1\n\ndeny contains v if { false; v := \"never\" }",
	}
	if err := eng.ReplacePolicies(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}
	if len(eng.ListPolicies()) != 5 {
		t.Fatalf("Expected 5 policies, got %d", len(eng.ListPolicies()))
	}

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("Expected 4 built-in policies after reload, got %d", len(eng.ListPolicies()))
	}
	if _, err := eng.GetPolicy("extra"); err == nil {
		t.Error("File-backed policy must be gone after reload")
	}
}
