package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are logged but do not block a plugin.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the plugin from being registered.
	SeverityError Severity = "error"

	// SeverityCritical blocks the plugin from being registered.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module producing a `deny` set of violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Input is the document policies are evaluated against, available as `input`.
type Input struct {
	// Plugin describes the plugin asking for capabilities.
	Plugin PluginInfo `json:"plugin"`

	// Context holds evaluation context.
	Context Context `json:"context"`
}

// PluginInfo is what a policy knows about a plugin.
type PluginInfo struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities"`
	Verified     bool     `json:"verified"`
}

// Context is evaluation context.
type Context struct {
	// Operation is what is being authorized, for example "register".
	Operation string `json:"operation"`

	// Allowlist is the statically configured capability allowlist, if any.
	Allowlist []string `json:"allowlist,omitempty"`

	// Timestamp is when the evaluation happened.
	Timestamp time.Time `json:"timestamp"`
}

// Violation is a single denial produced by a policy.
type Violation struct {
	Policy     string `json:"policy"`
	Message    string `json:"message"`
	Severity   string `json:"severity"`
	Capability string `json:"capability,omitempty"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists every violation found.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation finished.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Denied returns the blocking violations.
func (r *Result) Denied() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if Severity(v.Severity).Blocking() {
			out = append(out, v)
		}
	}
	return out
}
