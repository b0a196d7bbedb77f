package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		componentNamingPolicy(),
		productionSafeguardsPolicy(),
		filteredDependencyPolicy(),
	}
}

// componentNamingPolicy keeps component ids usable as helm release names.
func componentNamingPolicy() Policy {
	return Policy{
		Name:        "component-naming",
		Description: "Component ids must be lowercase alphanumeric with hyphens or underscores and at most 53 characters",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package daalu.policies.naming

import rego.v1

deny contains violation if {
	some c in input.plan.components
	not regex.match("^[a-z0-9][a-z0-9_-]*$", c.id)
	violation := {
		"message": sprintf("component id '%s' must be lowercase alphanumeric with '-' or '_'", [c.id]),
		"component": c.id,
	}
}

# Helm limits release names to 53 characters.
deny contains violation if {
	some c in input.plan.components
	count(c.id) > 53
	violation := {
		"message": sprintf("component id '%s' exceeds 53 characters", [c.id]),
		"component": c.id,
	}
}`,
	}
}

// productionSafeguardsPolicy flags partial deployments to production.
func productionSafeguardsPolicy() Policy {
	return Policy{
		Name:        "production-safeguards",
		Description: "Warns when a production deployment skips dependencies or phases",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"production"},
		Rego: `package daalu.policies.production

import rego.v1

production if input.environment in {"prod", "production"}

deny contains violation if {
	production
	not input.dry_run
	input.request.mode == "exact"
	violation := {"message": sprintf("exact-mode production deployment of %v does not deploy dependencies", [input.request.targets])}
}

deny contains violation if {
	production
	not input.dry_run
	count(input.request.phase_filter) > 0
	violation := {"message": sprintf("production deployment restricted to phases %v", [input.request.phase_filter])}
}`,
	}
}

// filteredDependencyPolicy flags components whose dependencies the
// sub-filter removed from the run.
func filteredDependencyPolicy() Policy {
	return Policy{
		Name:        "filtered-dependency",
		Description: "Warns when a deployed component depends on a component dropped by the sub-filter",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"dependencies"},
		Rego: `package daalu.policies.filter

import rego.v1

deny contains violation if {
	some c in input.plan.components
	not c.id in input.filtered
	some dep in c.depends_on
	dep in input.filtered
	violation := {
		"message": sprintf("depends on %s, which the sub-filter excluded", [dep]),
		"component": c.id,
	}
}`,
	}
}
