package policy

import (
	"context"
	"time"

	"github.com/recowave/recowave/pkg/orchestrator"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not
	// block admission.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block plan admission.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must never be overridden.
	SeverityCritical Severity = "critical"
)

// Policy is a named admission rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations the policy raises.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at" yaml:"created_at,omitempty"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at,omitempty"`
}

// Violation is a single policy finding against a plan.
type Violation struct {
	// Policy is the name of the policy that raised the finding.
	Policy string `json:"policy"`

	// WaveNumber is the wave the finding concerns, when wave-scoped.
	WaveNumber *int `json:"wave_number,omitempty"`

	// GroupID is the protection group the finding concerns, if any.
	GroupID string `json:"group_id,omitempty"`

	// Message is a human-readable description of the finding.
	Message string `json:"message"`

	// Severity is the finding's severity level.
	Severity Severity `json:"severity"`
}

// IsBlocking reports whether the finding blocks plan admission.
func (v *Violation) IsBlocking() bool {
	return v.Severity == SeverityError || v.Severity == SeverityCritical
}

// Result is the outcome of evaluating all enabled policies against a plan.
type Result struct {
	// Allowed is true when no blocking violation was raised.
	Allowed bool `json:"allowed"`

	// Violations lists every finding, blocking and advisory.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems (a policy that failed to run),
	// as opposed to policy findings.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation happened.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// GroupFacts is the per-protection-group input handed to policies alongside
// the plan. Counts come from the group's explicit server list; tag-selected
// groups report zero until membership is resolved at wave start.
type GroupFacts struct {
	// Region is the recovery region of the group.
	Region string `json:"region"`

	// ServerCount is the number of explicitly listed member servers.
	ServerCount int `json:"server_count"`

	// Tags are the group's matching tags.
	Tags map[string]string `json:"tags,omitempty"`
}

// EvalContext carries ambient facts policies may condition on.
type EvalContext struct {
	// AccountID is the account the plan would run against.
	AccountID string `json:"account_id,omitempty"`

	// DrillOnlyAccounts lists accounts in which real recoveries are
	// forbidden.
	DrillOnlyAccounts []string `json:"drill_only_accounts,omitempty"`

	// Environment is the environment label of the invocation.
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// planInput is the full document policies receive as input.
type planInput struct {
	Plan    *orchestrator.RecoveryPlan `json:"plan"`
	Groups  map[string]*GroupFacts     `json:"groups"`
	Context *EvalContext               `json:"context"`
}

// GroupReader resolves protection groups referenced by a plan. The store
// satisfies it.
type GroupReader interface {
	GetProtectionGroup(ctx context.Context, groupID string) (*orchestrator.ProtectionGroup, error)
}
