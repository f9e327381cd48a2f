package policy

import (
	"time"

	"github.com/labforge/labforge/pkg/engine"
)

// Severity decides whether a violation blocks admission.
type Severity string

const (
	// SeverityWarning violations are logged and reported but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError violations deny the request.
	SeverityError Severity = "error"
)

// Blocks reports whether violations of this severity deny a request.
func (s Severity) Blocks() bool {
	return s != SeverityWarning
}

// Policy is a named Rego module. Every module must define a `deny` set in
// its own package; each element is either a message string or an object
// with "message" and optional "field" and "severity" keys.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty"`

	// Rego holds the module source.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled reports whether the policy takes part in admission.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy against a request.
type Decision struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []Violation   `json:"warnings,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	Request   *engine.ResourceRequest `json:"request"`
	Operation string                  `json:"operation"`
	Timestamp time.Time               `json:"timestamp"`
}

// Limits are exposed to policies as data.labforge.limits.
type Limits struct {
	// MaxNodeCount bounds the worker count of computational resources.
	MaxNodeCount int `json:"max_node_count" yaml:"max_node_count" mapstructure:"max_node_count" validate:"gte=0"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxNodeCount: 32}
}

// Bundle is a versioned set of policies shipped as one JSON document.
type Bundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Policies    []Policy `json:"policies"`
}
