package audio

import (
	"errors"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/scene"
)

type fakeBackend struct {
	started   []CueID
	stopped   []CueID
	positions map[CueID]mgl64.Vec3
	failStart bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{positions: make(map[CueID]mgl64.Vec3)}
}

func (b *fakeBackend) Start(id CueID, _ Cue, pos mgl64.Vec3) error {
	if b.failStart {
		return errors.New("device busy")
	}
	b.started = append(b.started, id)
	b.positions[id] = pos
	return nil
}

func (b *fakeBackend) SetPosition(id CueID, pos mgl64.Vec3) error {
	b.positions[id] = pos
	return nil
}

func (b *fakeBackend) Stop(id CueID) error {
	b.stopped = append(b.stopped, id)
	return nil
}

func TestStopAllNonLooping(t *testing.T) {
	backend := newFakeBackend()
	s := NewSubsystem(backend, scene.NewManager(nil, nil), nil, nil)

	oneShot, err := s.Play(Cue{Owner: "p1", Position: mgl64.Vec3{1, 0, 0}})
	require.NoError(t, err)
	loop, err := s.Play(Cue{Owner: "p1", Loop: true, Ambient: true})
	require.NoError(t, err)

	assert.Equal(t, 1, s.StopAll(NonLooping))
	assert.Equal(t, []CueID{oneShot}, backend.stopped)

	active := s.Active()
	require.Len(t, active, 1)
	assert.Equal(t, loop, active[0].ID)

	assert.Equal(t, 1, s.StopAll(nil))
	assert.Equal(t, 0, s.Len())
}

func TestFollowAnchorRefresh(t *testing.T) {
	backend := newFakeBackend()
	sm := scene.NewManager(nil, nil)
	s := NewSubsystem(backend, sm, nil, nil)

	anchor, err := sm.CreateAnchor("p1", "speaker", mgl64.Translate3D(0, 1, 0))
	require.NoError(t, err)

	fixed, err := s.Play(Cue{Position: mgl64.Vec3{5, 5, 5}})
	require.NoError(t, err)
	follow, err := s.Play(Cue{FollowAnchor: anchor})
	require.NoError(t, err)
	assert.Equal(t, mgl64.Vec3{0, 1, 0}, backend.positions[follow])

	sm.Recompute(mgl64.Translate3D(2, 0, 0))
	s.Refresh()

	assert.True(t, backend.positions[follow].ApproxEqual(mgl64.Vec3{2, 1, 0}))
	assert.Equal(t, mgl64.Vec3{5, 5, 5}, backend.positions[fixed], "fixed cues never move")

	require.NoError(t, sm.RemoveAnchor("p1", anchor))
	s.Refresh()
	assert.Equal(t, []CueID{follow}, backend.stopped, "orphaned cue is stopped")
	assert.Equal(t, 1, s.Len())
}

func TestPlayUnknownAnchor(t *testing.T) {
	s := NewSubsystem(newFakeBackend(), scene.NewManager(nil, nil), nil, nil)

	_, err := s.Play(Cue{FollowAnchor: "missing"})
	assert.True(t, engine.IsUnknownAnchor(err))
	assert.Equal(t, 0, s.Len())
}

func TestPlayBackendFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.failStart = true
	s := NewSubsystem(backend, scene.NewManager(nil, nil), nil, nil)

	_, err := s.Play(Cue{})
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestOwnerAudioScopesStop(t *testing.T) {
	backend := newFakeBackend()
	s := NewSubsystem(backend, scene.NewManager(nil, nil), nil, nil)
	p1 := s.ForOwner("p1")
	p2 := s.ForOwner("p2")

	_, err := p1.Play(Cue{Owner: "spoofed"})
	require.NoError(t, err)
	_, err = p2.Play(Cue{})
	require.NoError(t, err)

	assert.Equal(t, "p1", s.Active()[0].Cue.Owner)
	assert.Equal(t, 1, p2.StopAll(nil))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.StopAll(ByOwner("p1")))
}

func TestStopUnknownCue(t *testing.T) {
	s := NewSubsystem(newFakeBackend(), scene.NewManager(nil, nil), nil, nil)
	assert.Error(t, s.Stop("nope"))

	id, err := s.Play(Cue{})
	require.NoError(t, err)
	assert.NoError(t, s.Stop(id))
}
