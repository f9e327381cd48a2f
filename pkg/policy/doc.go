// Package policy provides Open Policy Agent (OPA) admission rules for labforge.
//
// Every resource request passes through Engine.Admit before any quota is
// reserved. Each enabled policy is a Rego module that defines a `deny` set in
// its own package; the engine evaluates `data.<package>.deny` with the request
// as input:
//
//	input.request    the engine.ResourceRequest (JSON field names)
//	input.operation  "create"
//	input.timestamp  evaluation time, RFC 3339
//
// Deployment limits are exposed as data.labforge.limits.
//
// # Built-in Policies
//
//  1. resource-naming - lowercase DNS-style names, "system-" prefix reserved
//  2. exploratory-image - exploratory resources name an image
//  3. computational-nodes - node count within [1, max_node_count]
//  4. schedule-advisory - warns about exploratory resources without a schedule
//
// # Custom Policies
//
// Custom policies are loaded from .rego files or JSON bundles:
//
//	package site.shapes
//
//	import rego.v1
//
//	deny contains msg if {
//	    startswith(input.request.spec.shape, "gpu")
//	    msg := "GPU shapes need approval"
//	}
//
// A deny element may be a string or an object with "message", "field" and
// "severity". Violations with severity "warning" are logged and never block.
//
// # Hot Reload
//
// WatchPolicies reloads the policy directories whenever a file changes. A
// reload that fails to compile keeps the previous set.
package policy
