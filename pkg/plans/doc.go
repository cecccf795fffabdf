// Package plans loads recovery plan documents written in CUE and turns
// them into orchestrator plans ready for admission.
//
// A plan document declares its waves under a top-level "plan" field:
//
//	plan: {
//		id:   "plan-payments"
//		name: "Payments failover"
//		type: "DRILL"
//		waves: [
//			{name: "databases", protection_group: "pg-db", max_wait: "30m"},
//			{name: "apps", protection_group: "pg-app", pause_before: true},
//		]
//	}
//
// Multiple source files unify into one document, so environments can
// layer overrides on a shared base. Wave numbers default to list
// position and must be contiguous from zero.
//
// Waves may carry a config_script, a Starlark program evaluated once
// per member server to derive its launch configuration. The script
// receives a "server" dict and assigns a "config" dict:
//
//	config = {
//		"instance_type": server["tags"].get("instance_type", "t3.medium"),
//	}
//
// ScriptEvaluator runs these scripts under a timeout; the resulting
// configurations feed the pre-launch configuration pass.
package plans
