package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestSessionStateTransitions(t *testing.T) {
	tests := []struct {
		from SessionState
		to   SessionState
		want bool
	}{
		{SessionStateInitializing, SessionStateSearching, true},
		{SessionStateInitializing, SessionStateTracking, false},
		{SessionStateInitializing, SessionStateTerminated, true},
		{SessionStateSearching, SessionStateTracking, true},
		{SessionStateSearching, SessionStateLost, false},
		{SessionStateTracking, SessionStateLost, true},
		{SessionStateTracking, SessionStateSearching, false},
		{SessionStateLost, SessionStateTracking, true},
		{SessionStateLost, SessionStateSearching, false},
		{SessionStateLost, SessionStateTerminated, true},
		{SessionStateTerminated, SessionStateSearching, false},
		{SessionStateTerminated, SessionStateTracking, false},
		{SessionStateTerminated, SessionStateTerminated, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionStatePredicates(t *testing.T) {
	if !SessionStateTerminated.IsTerminal() {
		t.Error("terminated should be terminal")
	}
	if SessionStateLost.IsTerminal() {
		t.Error("lost should not be terminal")
	}
	for _, s := range []SessionState{SessionStateSearching, SessionStateTracking, SessionStateLost} {
		if !s.IsActive() {
			t.Errorf("%s should be active", s)
		}
	}
	if SessionStateInitializing.IsActive() || SessionStateTerminated.IsActive() {
		t.Error("initializing and terminated should not be active")
	}
	if err := SessionState("paused").Validate(); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability("camera:pose")
	if err != nil {
		t.Fatalf("ParseCapability() error = %v", err)
	}
	if c != CapabilityCameraPose {
		t.Errorf("got %s, want %s", c, CapabilityCameraPose)
	}

	if _, err := ParseCapability("net:outbound"); err == nil {
		t.Error("expected error for unknown capability")
	}
}

func TestEngineErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  ErrorKind
		fatal bool
	}{
		{"plugin runtime", NewPluginRuntimeError("p1", "update", errors.New("boom")), ErrorKindPluginRuntime, false},
		{"resource load", NewResourceLoadError("a.png", errors.New("404")), ErrorKindResourceLoad, false},
		{"unknown anchor", NewUnknownAnchorError("a1"), ErrorKindUnknownAnchor, false},
		{"not owned", NewAnchorNotOwnedError("a1", "p2"), ErrorKindAnchorNotOwned, false},
		{"inactive", NewSessionInactiveError("stopped"), ErrorKindSessionInactive, false},
		{"transition", NewInvalidTransitionError(SessionStateLost, SessionStateSearching), ErrorKindInvalidTransition, false},
		{"config", NewInvalidConfigError("bad threshold", nil), ErrorKindInvalidConfig, true},
		{"start", NewSessionStartError("no surface", nil), ErrorKindSessionStart, true},
		{"wrapped", fmt.Errorf("outer: %w", NewUnknownAnchorError("a2")), ErrorKindUnknownAnchor, false},
		{"plain", errors.New("plain"), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf() = %q, want %q", got, tt.kind)
			}
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.fatal)
			}
		})
	}
}

func TestEngineErrorIs(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NewUnknownAnchorError("a1"))
	if !errors.Is(err, ErrUnknownAnchor) {
		t.Error("expected errors.Is to match ErrUnknownAnchor")
	}
	if errors.Is(err, ErrSessionInactive) {
		t.Error("did not expect match on ErrSessionInactive")
	}

	coded := NewPluginRuntimeError("p1", "update", nil).WithCode(ErrCodePanic)
	if !errors.Is(coded, &EngineError{Kind: ErrorKindPluginRuntime, Code: ErrCodePanic}) {
		t.Error("expected coded match")
	}
	if errors.Is(coded, &EngineError{Kind: ErrorKindPluginRuntime, Code: ErrCodeTimeout}) {
		t.Error("did not expect match with different code")
	}

	cause := errors.New("root cause")
	wrapped := NewResourceLoadError("x", cause)
	if !errors.Is(wrapped, cause) {
		t.Error("expected Unwrap to expose cause")
	}
}

func TestEngineErrorMessage(t *testing.T) {
	err := NewAnchorNotOwnedError("a1", "p2")
	want := "[anchor_not_owned] anchor belongs to another owner (origin=p2) (anchor=a1)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
