package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		knownCapabilitiesPolicy(),
		pluginIdentityPolicy(),
		unverifiedPluginPolicy(),
	}
}

// knownCapabilitiesPolicy rejects capabilities the engine does not define.
func knownCapabilitiesPolicy() Policy {
	return Policy{
		Name:        "known-capabilities",
		Description: "Plugins may only request capabilities the engine defines",
		Severity:    SeverityError,
		Enabled:     true,
		UpdatedAt:   time.Now(),
		Rego: `package arkit.capabilities.known

import rego.v1

known := {"camera:pose", "audio:spatial", "resources:load", "scene:anchors"}

deny contains violation if {
	some c in input.plugin.capabilities
	not known[c]
	violation := {
		"message": sprintf("plugin %s requests unknown capability %s", [input.plugin.id, c]),
		"severity": "error",
		"capability": c,
	}
}
`,
	}
}

// pluginIdentityPolicy enforces plugin id conventions.
func pluginIdentityPolicy() Policy {
	return Policy{
		Name:        "plugin-identity",
		Description: "Plugin ids are lowercase letters, digits, dots, underscores and hyphens",
		Severity:    SeverityError,
		Enabled:     true,
		UpdatedAt:   time.Now(),
		Rego: `package arkit.capabilities.identity

import rego.v1

deny contains violation if {
	not regex.match("^[a-z0-9][a-z0-9._-]*$", input.plugin.id)
	violation := {
		"message": sprintf("plugin id '%s' must be lowercase alphanumeric with . _ or -", [input.plugin.id]),
		"severity": "error",
	}
}
`,
	}
}

// unverifiedPluginPolicy warns about code plugins loaded without a checksum.
func unverifiedPluginPolicy() Policy {
	return Policy{
		Name:        "unverified-plugins",
		Description: "Script and WebAssembly plugins should pin a checksum",
		Severity:    SeverityWarning,
		Enabled:     true,
		UpdatedAt:   time.Now(),
		Rego: `package arkit.capabilities.unverified

import rego.v1

deny contains violation if {
	input.plugin.kind in {"script", "wasm"}
	not input.plugin.verified
	violation := {
		"message": sprintf("plugin %s has no verified checksum", [input.plugin.id]),
		"severity": "warning",
	}
}
`,
	}
}
