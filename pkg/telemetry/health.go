package telemetry

import (
	"github.com/heptiolabs/healthcheck"
)

// Health exposes liveness and readiness endpoints backed by named checks.
type Health struct {
	healthcheck.Handler
}

// NewHealth creates an empty health handler.
func NewHealth() *Health {
	return &Health{Handler: healthcheck.NewHandler()}
}

// Register adds a liveness and a readiness check under name. Either may be nil.
func (h *Health) Register(name string, live, ready func() error) {
	if live != nil {
		h.AddLivenessCheck(name, live)
	}
	if ready != nil {
		h.AddReadinessCheck(name, ready)
	}
}
