package policy

import (
	"time"
)

// GetBuiltinPolicies returns the built-in plan-admission policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		waveSizePolicy(),
		forbiddenRegionPolicy(),
		drillOnlyAccountPolicy(),
		productionPauseGatePolicy(),
	}
}

// waveSizePolicy warns when a single wave recovers more servers than the
// advisory limit. Oversized waves amplify blast radius and stretch launch
// times past typical wave wait budgets.
func waveSizePolicy() Policy {
	return Policy{
		Name:        "wave-size",
		Description: "Warns when a wave recovers more servers than the advisory limit",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"waves", "capacity"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package recowave.policies.wavesize

import rego.v1

max_wave_size := 100

deny contains violation if {
	some wave in input.plan.waves
	facts := input.groups[wave.protection_group_id]
	facts.server_count > max_wave_size
	violation := {
		"message": sprintf("Wave %d recovers %d servers, above the advisory limit of %d",
			[wave.wave_number, facts.server_count, max_wave_size]),
		"severity": "warning",
		"wave_number": wave.wave_number,
		"group_id": wave.protection_group_id,
	}
}`,
	}
}

// forbiddenRegionPolicy denies plans whose waves target a region on the
// deny list.
func forbiddenRegionPolicy() Policy {
	return Policy{
		Name:        "forbidden-region",
		Description: "Denies plans targeting regions on the deny list",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"regions", "compliance"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package recowave.policies.regions

import rego.v1

forbidden_regions := ["us-gov-west-1", "us-gov-east-1"]

deny contains violation if {
	some wave in input.plan.waves
	facts := input.groups[wave.protection_group_id]
	facts.region in forbidden_regions
	violation := {
		"message": sprintf("Wave %d targets forbidden region %s",
			[wave.wave_number, facts.region]),
		"severity": "error",
		"wave_number": wave.wave_number,
		"group_id": wave.protection_group_id,
	}
}`,
	}
}

// drillOnlyAccountPolicy denies real recoveries in accounts flagged as
// drill-only.
func drillOnlyAccountPolicy() Policy {
	return Policy{
		Name:        "drill-only-account",
		Description: "Denies RECOVERY plans in accounts restricted to drills",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"accounts", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package recowave.policies.accounts

import rego.v1

deny contains violation if {
	input.plan.type == "RECOVERY"
	some account in input.context.drill_only_accounts
	account == input.context.account_id
	violation := {
		"message": sprintf("Account %s only permits drill executions", [account]),
		"severity": "critical",
	}
}`,
	}
}

// productionPauseGatePolicy warns when a wave targets a production-tagged
// group without a pause gate before it.
func productionPauseGatePolicy() Policy {
	return Policy{
		Name:        "production-pause-gate",
		Description: "Warns when a production wave has no pause gate before it",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"waves", "production", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package recowave.policies.pausegate

import rego.v1

deny contains violation if {
	some wave in input.plan.waves
	wave.wave_number > 0
	facts := input.groups[wave.protection_group_id]
	facts.tags.env == "production"
	not wave.pause_before_wave
	violation := {
		"message": sprintf("Wave %d targets production group %s without a pause gate",
			[wave.wave_number, wave.protection_group_id]),
		"severity": "warning",
		"wave_number": wave.wave_number,
		"group_id": wave.protection_group_id,
	}
}`,
	}
}
