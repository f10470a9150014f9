// Package audio plays spatial audio cues positioned in tracked space.
package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/loader"
	"github.com/openfroyo/arkit/pkg/telemetry"
	"github.com/openfroyo/arkit/pkg/xform"
)

// CueID identifies a playing cue.
type CueID string

// Cue describes a sound to play.
type Cue struct {
	// Owner is the plugin that started the cue.
	Owner string

	// Buffer is the loaded audio resource.
	Buffer loader.Resource

	// Position is the fixed world position, used when FollowAnchor is empty.
	Position mgl64.Vec3

	// FollowAnchor makes the cue track an anchor's world position every frame.
	FollowAnchor engine.AnchorID

	// Loop keeps the cue playing until explicitly stopped.
	Loop bool

	// Ambient marks background cues.
	Ambient bool
}

// Playing is a snapshot of an active cue.
type Playing struct {
	ID        CueID
	Cue       Cue
	Position  mgl64.Vec3
	StartedAt time.Time
}

// Predicate selects cues for StopAll.
type Predicate func(Playing) bool

// NonLooping matches cues that are not looping. The session stops these on tracking loss.
func NonLooping(p Playing) bool { return !p.Cue.Loop }

// All matches every cue.
func All(Playing) bool { return true }

// ByOwner matches cues started by owner.
func ByOwner(owner string) Predicate {
	return func(p Playing) bool { return p.Cue.Owner == owner }
}

// And matches cues accepted by every predicate.
func And(preds ...Predicate) Predicate {
	return func(p Playing) bool {
		for _, pred := range preds {
			if !pred(p) {
				return false
			}
		}
		return true
	}
}

// Backend is the external audio output.
type Backend interface {
	Start(id CueID, cue Cue, position mgl64.Vec3) error
	SetPosition(id CueID, position mgl64.Vec3) error
	Stop(id CueID) error
}

// Subsystem tracks playing cues and keeps anchored cues positioned.
type Subsystem struct {
	mu      sync.Mutex
	backend Backend
	anchors engine.AnchorResolver
	playing []*Playing

	reporter engine.Reporter
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewSubsystem creates an audio subsystem. reporter and tel may be nil.
func NewSubsystem(backend Backend, anchors engine.AnchorResolver, reporter engine.Reporter, tel *telemetry.Telemetry) *Subsystem {
	tel = telemetry.OrNop(tel)
	return &Subsystem{
		backend:  backend,
		anchors:  anchors,
		reporter: reporter,
		logger:   tel.Logger.NewComponentLogger("audio"),
		metrics:  tel.Metrics,
	}
}

// Play starts a cue. A cue following an unknown anchor is rejected.
func (s *Subsystem) Play(cue Cue) (CueID, error) {
	pos := cue.Position
	if cue.FollowAnchor != "" {
		world, err := s.anchors.WorldTransform(cue.FollowAnchor)
		if err != nil {
			return "", err
		}
		pos = xform.Translation(world)
	}

	id := CueID(uuid.New().String())
	if err := s.backend.Start(id, cue, pos); err != nil {
		return "", fmt.Errorf("failed to start cue: %w", err)
	}

	s.mu.Lock()
	s.playing = append(s.playing, &Playing{ID: id, Cue: cue, Position: pos, StartedAt: time.Now()})
	n := len(s.playing)
	s.mu.Unlock()

	s.metrics.RecordCueStarted(cue.Loop)
	s.metrics.SetActiveCues(n)
	return id, nil
}

// Stop stops one cue.
func (s *Subsystem) Stop(id CueID) error {
	stopped := s.stopWhere(func(p Playing) bool { return p.ID == id })
	if stopped == 0 {
		return fmt.Errorf("cue %s is not playing", id)
	}
	return nil
}

// StopAll stops every cue matched by pred and returns how many were stopped.
func (s *Subsystem) StopAll(pred Predicate) int {
	if pred == nil {
		pred = All
	}
	return s.stopWhere(pred)
}

func (s *Subsystem) stopWhere(pred Predicate) int {
	s.mu.Lock()
	var stopped []CueID
	kept := s.playing[:0]
	for _, p := range s.playing {
		if pred(*p) {
			stopped = append(stopped, p.ID)
			continue
		}
		kept = append(kept, p)
	}
	s.playing = kept
	n := len(s.playing)
	s.mu.Unlock()

	for _, id := range stopped {
		if err := s.backend.Stop(id); err != nil {
			s.report(fmt.Errorf("failed to stop cue %s: %w", id, err))
		}
	}
	if len(stopped) > 0 {
		s.metrics.SetActiveCues(n)
	}
	return len(stopped)
}

// Refresh repositions anchored cues from their anchors' current world
// transforms. A cue whose anchor no longer exists is stopped.
func (s *Subsystem) Refresh() {
	s.mu.Lock()
	var moved []*Playing
	var orphaned []CueID
	for _, p := range s.playing {
		if p.Cue.FollowAnchor == "" {
			continue
		}
		world, err := s.anchors.WorldTransform(p.Cue.FollowAnchor)
		if err != nil {
			orphaned = append(orphaned, p.ID)
			continue
		}
		pos := xform.Translation(world)
		if pos != p.Position {
			p.Position = pos
			moved = append(moved, p)
		}
	}
	s.mu.Unlock()

	for _, p := range moved {
		if err := s.backend.SetPosition(p.ID, p.Position); err != nil {
			s.report(fmt.Errorf("failed to position cue %s: %w", p.ID, err))
		}
	}
	if len(orphaned) > 0 {
		set := make(map[CueID]bool, len(orphaned))
		for _, id := range orphaned {
			set[id] = true
		}
		s.stopWhere(func(p Playing) bool { return set[p.ID] })
		s.logger.Debugf("stopped %d cues whose anchors were removed", len(orphaned))
	}
}

// Active returns a snapshot of the playing cues in start order.
func (s *Subsystem) Active() []Playing {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Playing, 0, len(s.playing))
	for _, p := range s.playing {
		out = append(out, *p)
	}
	return out
}

// Len returns the number of playing cues.
func (s *Subsystem) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.playing)
}

func (s *Subsystem) report(err error) {
	if s.reporter != nil {
		s.reporter.Report("audio", err)
		return
	}
	s.logger.WithError(err).Warn("audio backend error")
}

// ForOwner returns an owner-scoped facade handed to plugins.
func (s *Subsystem) ForOwner(owner string) *OwnerAudio {
	return &OwnerAudio{s: s, owner: owner}
}

// OwnerAudio stamps its owner on every cue and only stops the owner's cues.
type OwnerAudio struct {
	s     *Subsystem
	owner string
}

// Play starts a cue owned by the facade's owner.
func (o *OwnerAudio) Play(cue Cue) (CueID, error) {
	cue.Owner = o.owner
	return o.s.Play(cue)
}

// StopAll stops the owner's cues matched by pred.
func (o *OwnerAudio) StopAll(pred Predicate) int {
	if pred == nil {
		pred = All
	}
	return o.s.StopAll(And(ByOwner(o.owner), pred))
}
