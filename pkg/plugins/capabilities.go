package plugins

import (
	"sort"

	"github.com/openfroyo/arkit/pkg/engine"
)

// CapabilityEnforcer tracks the capabilities granted to one plugin and gates
// the host services behind them.
type CapabilityEnforcer struct {
	owner   string
	granted map[engine.Capability]bool
}

// NewCapabilityEnforcer creates an enforcer granting capabilities to owner.
func NewCapabilityEnforcer(owner string, capabilities []engine.Capability) *CapabilityEnforcer {
	e := &CapabilityEnforcer{
		owner:   owner,
		granted: make(map[engine.Capability]bool, len(capabilities)),
	}
	for _, c := range capabilities {
		e.granted[c] = true
	}
	return e
}

// HasCapability checks if a capability is granted.
func (e *CapabilityEnforcer) HasCapability(c engine.Capability) bool {
	return e.granted[c]
}

// Require returns a CapabilityDenied error unless c is granted.
func (e *CapabilityEnforcer) Require(c engine.Capability) error {
	if !e.granted[c] {
		return engine.NewCapabilityDeniedError(e.owner, c)
	}
	return nil
}

// ValidateCapabilities checks that every requested capability is granted.
func (e *CapabilityEnforcer) ValidateCapabilities(requested []engine.Capability) error {
	var missing []engine.Capability
	for _, c := range requested {
		if !e.granted[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return engine.NewCapabilityDeniedError(e.owner, missing...)
	}
	return nil
}

// Granted returns the granted capabilities sorted.
func (e *CapabilityEnforcer) Granted() []engine.Capability {
	out := make([]engine.Capability, 0, len(e.granted))
	for c := range e.granted {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
