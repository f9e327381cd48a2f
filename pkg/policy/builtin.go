package policy

// BuiltinPolicies returns the admission rules every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		exploratoryImagePolicy(),
		computationalNodesPolicy(),
		scheduleAdvisoryPolicy(),
	}
}

// resourceNamingPolicy keeps names usable as cloud hostnames.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource names are lowercase letters, digits and inner hyphens",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package labforge.admission.naming

import rego.v1

deny contains violation if {
	name := input.request.name
	not regex.match("^[a-z0-9]([a-z0-9-]*[a-z0-9])?$", name)
	violation := {
		"field": "name",
		"message": sprintf("name '%s' must contain only lowercase letters, digits and hyphens, and must not start or end with a hyphen", [name]),
	}
}

deny contains violation if {
	startswith(input.request.name, "system-")
	violation := {
		"field": "name",
		"message": "names starting with 'system-' are reserved",
	}
}
`,
	}
}

func exploratoryImagePolicy() Policy {
	return Policy{
		Name:        "exploratory-image",
		Description: "Exploratory environments must name an image",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package labforge.admission.images

import rego.v1

deny contains violation if {
	input.request.type == "exploratory"
	object.get(input.request.spec, "image", "") == ""
	violation := {
		"field": "spec.image",
		"message": "exploratory resources require an image",
	}
}
`,
	}
}

// computationalNodesPolicy bounds cluster size by data.labforge.limits.
func computationalNodesPolicy() Policy {
	return Policy{
		Name:        "computational-nodes",
		Description: "Computational resources request between one and max_node_count nodes",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package labforge.admission.compute

import rego.v1

node_count := object.get(input.request.spec, "node_count", 0)

deny contains violation if {
	input.request.type == "computational"
	node_count < 1
	violation := {
		"field": "spec.node_count",
		"message": "computational resources need at least one node",
	}
}

deny contains violation if {
	input.request.type == "computational"
	node_count > data.labforge.limits.max_node_count
	violation := {
		"field": "spec.node_count",
		"message": sprintf("node count %d exceeds the limit of %d", [node_count, data.labforge.limits.max_node_count]),
	}
}
`,
	}
}

func scheduleAdvisoryPolicy() Policy {
	return Policy{
		Name:        "schedule-advisory",
		Description: "Warns about exploratory environments without a stop schedule",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package labforge.admission.schedule

import rego.v1

deny contains "exploratory resource has no schedule and runs until stopped" if {
	input.request.type == "exploratory"
	not input.request.schedule
}
`,
	}
}
