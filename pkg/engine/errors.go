package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error for recovery and reporting decisions.
type ErrorKind string

const (
	// ErrorKindPluginRuntime indicates a failure raised inside a plugin lifecycle call.
	// Recovered locally by the plugin registry and never fatal to the frame loop.
	ErrorKindPluginRuntime ErrorKind = "plugin_runtime"

	// ErrorKindResourceLoad indicates an asset load failed after its automatic retry.
	ErrorKindResourceLoad ErrorKind = "resource_load_failed"

	// ErrorKindUnknownAnchor indicates an anchor id was used after removal.
	ErrorKindUnknownAnchor ErrorKind = "unknown_anchor"

	// ErrorKindAnchorNotOwned indicates a plugin touched another plugin's anchor.
	ErrorKindAnchorNotOwned ErrorKind = "anchor_not_owned"

	// ErrorKindSessionInactive indicates the session is not started or already terminated.
	ErrorKindSessionInactive ErrorKind = "session_inactive"

	// ErrorKindInvalidTransition indicates a session state change outside the transition table.
	ErrorKindInvalidTransition ErrorKind = "invalid_transition"

	// ErrorKindCapabilityDenied indicates a plugin used or requested a capability it was not granted.
	ErrorKindCapabilityDenied ErrorKind = "capability_denied"

	// ErrorKindInvalidConfig indicates configuration that cannot be used to run a session.
	ErrorKindInvalidConfig ErrorKind = "invalid_config"

	// ErrorKindSessionStart indicates the session could not be started.
	ErrorKindSessionStart ErrorKind = "session_start_failed"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Origin is the plugin or component that raised the error, if applicable.
	Origin string `json:"origin,omitempty"`

	// Anchor is the anchor involved in the error, if applicable.
	Anchor AnchorID `json:"anchor,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Origin != "" {
		msg += fmt.Sprintf(" (origin=%s)", e.Origin)
	}
	if e.Anchor != "" {
		msg += fmt.Sprintf(" (anchor=%s)", e.Anchor)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when their kinds match and, if the target sets a code, the codes match.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors usable with errors.Is.
var (
	ErrPluginRuntime     = &EngineError{Kind: ErrorKindPluginRuntime, Message: "plugin runtime error"}
	ErrResourceLoad      = &EngineError{Kind: ErrorKindResourceLoad, Message: "resource load failed"}
	ErrUnknownAnchor     = &EngineError{Kind: ErrorKindUnknownAnchor, Message: "unknown anchor"}
	ErrAnchorNotOwned    = &EngineError{Kind: ErrorKindAnchorNotOwned, Message: "anchor not owned"}
	ErrSessionInactive   = &EngineError{Kind: ErrorKindSessionInactive, Message: "session inactive"}
	ErrInvalidTransition = &EngineError{Kind: ErrorKindInvalidTransition, Message: "invalid transition"}
	ErrCapabilityDenied  = &EngineError{Kind: ErrorKindCapabilityDenied, Message: "capability denied"}
	ErrInvalidConfig     = &EngineError{Kind: ErrorKindInvalidConfig, Message: "invalid config"}
)

func newError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewPluginRuntimeError creates an error attributed to a plugin lifecycle call.
func NewPluginRuntimeError(pluginID, operation string, err error) *EngineError {
	return newError(ErrorKindPluginRuntime, fmt.Sprintf("plugin %s failed", operation), err).
		WithOrigin(pluginID).
		WithDetail("operation", operation)
}

// NewResourceLoadError creates a resource load failure.
func NewResourceLoadError(url string, err error) *EngineError {
	return newError(ErrorKindResourceLoad, fmt.Sprintf("failed to load %s", url), err).
		WithDetail("url", url)
}

// NewUnknownAnchorError creates an unknown anchor error.
func NewUnknownAnchorError(id AnchorID) *EngineError {
	return newError(ErrorKindUnknownAnchor, "anchor not found", nil).WithAnchor(id)
}

// NewAnchorNotOwnedError creates an ownership violation error.
func NewAnchorNotOwnedError(id AnchorID, caller string) *EngineError {
	return newError(ErrorKindAnchorNotOwned, "anchor belongs to another owner", nil).
		WithAnchor(id).
		WithOrigin(caller)
}

// NewSessionInactiveError creates a session inactive error.
func NewSessionInactiveError(message string) *EngineError {
	return newError(ErrorKindSessionInactive, message, nil)
}

// NewInvalidTransitionError creates an invalid state transition error.
func NewInvalidTransitionError(from, to SessionState) *EngineError {
	return newError(ErrorKindInvalidTransition, fmt.Sprintf("cannot transition from %s to %s", from, to), nil).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// NewCapabilityDeniedError creates a capability error.
func NewCapabilityDeniedError(origin string, capabilities ...Capability) *EngineError {
	return newError(ErrorKindCapabilityDenied, fmt.Sprintf("capabilities not granted: %v", capabilities), nil).
		WithOrigin(origin)
}

// NewInvalidConfigError creates a configuration error.
func NewInvalidConfigError(message string, err error) *EngineError {
	return newError(ErrorKindInvalidConfig, message, err)
}

// NewSessionStartError creates a session start failure.
func NewSessionStartError(message string, err error) *EngineError {
	return newError(ErrorKindSessionStart, message, err)
}

// WithOrigin adds origin context to an error.
func (e *EngineError) WithOrigin(origin string) *EngineError {
	e.Origin = origin
	return e
}

// WithAnchor adds anchor context to an error.
func (e *EngineError) WithAnchor(id AnchorID) *EngineError {
	e.Anchor = id
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first EngineError in the chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsPluginRuntime returns true if the error was raised inside a plugin.
func IsPluginRuntime(err error) bool {
	return KindOf(err) == ErrorKindPluginRuntime
}

// IsResourceLoadFailed returns true if the error is a resource load failure.
func IsResourceLoadFailed(err error) bool {
	return KindOf(err) == ErrorKindResourceLoad
}

// IsUnknownAnchor returns true if the error refers to a removed anchor.
func IsUnknownAnchor(err error) bool {
	return KindOf(err) == ErrorKindUnknownAnchor
}

// IsSessionInactive returns true if the session rejected the call.
func IsSessionInactive(err error) bool {
	return KindOf(err) == ErrorKindSessionInactive
}

// IsFatal returns true if the error should stop the experience.
// Plugin failures, resource failures and tracking loss are never fatal.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case ErrorKindSessionStart, ErrorKindInvalidConfig:
		return true
	default:
		return false
	}
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeAlreadyExists  = "ALREADY_EXISTS"
	ErrCodePanic          = "PANIC"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeDisabled       = "PLUGIN_DISABLED"
	ErrCodePolicyDenied   = "POLICY_DENIED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
)
