// Package policy provides Open Policy Agent (OPA) plan-admission policies
// for RecoWave.
//
// Recovery plans are evaluated against Rego policies before an execution is
// created. Built-in policies cover common governance requirements: advisory
// wave-size limits, forbidden recovery regions, drill-only accounts, and
// pause gates before production waves. Custom policies load from .rego,
// .json, or .yaml files and can be hot-reloaded through the loader's
// fsnotify watcher.
//
// Creating an engine and evaluating a plan:
//
//	eng, err := policy.NewEngine(logger, policy.WithGroupReader(store))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := eng.EvaluatePlan(ctx, plan)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Allowed {
//	    for _, v := range result.Violations {
//	        fmt.Printf("%s: %s\n", v.Policy, v.Message)
//	    }
//	}
//
// Policies query the input document, which carries the plan, per-group
// facts (region, server count, tags), and an ambient context:
//
//	package custom.policies.weekday
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.plan.type == "RECOVERY"
//	    input.context.environment == "production"
//	    violation := {
//	        "message": "Real recoveries require a change window",
//	        "severity": "error",
//	    }
//	}
//
// Violations carry four severity levels: info, warning, error, and
// critical. Only error and critical block admission.
package policy
