package audio

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"
)

// LogBackend is a Backend that writes cue activity to a zerolog logger.
// It is used when no audio device is attached.
type LogBackend struct {
	Logger zerolog.Logger
}

// Start logs the cue start.
func (b LogBackend) Start(id CueID, cue Cue, position mgl64.Vec3) error {
	b.Logger.Debug().
		Str("cue", string(id)).
		Str("owner", cue.Owner).
		Str("url", cue.Buffer.Descriptor.URL).
		Bool("loop", cue.Loop).
		Floats64("position", position[:]).
		Msg("cue started")
	return nil
}

// SetPosition logs the new position.
func (b LogBackend) SetPosition(id CueID, position mgl64.Vec3) error {
	b.Logger.Trace().
		Str("cue", string(id)).
		Floats64("position", position[:]).
		Msg("cue moved")
	return nil
}

// Stop logs the cue stop.
func (b LogBackend) Stop(id CueID) error {
	b.Logger.Debug().Str("cue", string(id)).Msg("cue stopped")
	return nil
}

// NopBackend discards every cue.
type NopBackend struct{}

// Start does nothing.
func (NopBackend) Start(CueID, Cue, mgl64.Vec3) error { return nil }

// SetPosition does nothing.
func (NopBackend) SetPosition(CueID, mgl64.Vec3) error { return nil }

// Stop does nothing.
func (NopBackend) Stop(CueID) error { return nil }
