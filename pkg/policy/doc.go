// Package policy gates deployment runs with Rego policies evaluated by OPA.
//
// Policies see the planned run as input:
//
//	{
//	  "run_id": "...", "environment": "prod", "context": "...", "dry_run": false,
//	  "request": {"targets": [...], "mode": "transitive", "phase_filter": [...], "sub_filter": [...]},
//	  "plan": {"components": [{"id": "ceph", "depends_on": [...], "phases": [...], "tags": [...]}]},
//	  "filtered": [...]
//	}
//
// and define a deny set in their package. A member is either a message
// string or an object with message, severity and component keys. Error and
// critical results reject the run before any component is touched; other
// severities are logged as warnings.
//
// Rego files may start with a comment block; its text becomes the policy
// description and a "# severity: warning" line sets the default severity.
//
// Engine.Gate adapts an Engine to engine.Gate:
//
//	eng, _ := policy.NewEngine(logger)
//	_ = eng.LoadPolicies(ctx, cfg.Policies)
//	pipeline := engine.NewPipeline(reg, engine.WithGate(eng.Gate()))
package policy
