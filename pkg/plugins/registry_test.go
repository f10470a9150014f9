package plugins

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/policy"
	"github.com/openfroyo/arkit/pkg/scene"
)

// fakePlugin records lifecycle calls into a shared journal.
type fakePlugin struct {
	id      string
	caps    []engine.Capability
	journal *journal

	mountErr  error
	updateErr func(n int) error
	onMount   func(h *Host) error

	updates []engine.Pose
	dts     []time.Duration
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (p *fakePlugin) ID() string                        { return p.id }
func (p *fakePlugin) Capabilities() []engine.Capability { return p.caps }

func (p *fakePlugin) Mount(h *Host) error {
	p.journal.add("mount " + p.id)
	if p.onMount != nil {
		return p.onMount(h)
	}
	return p.mountErr
}

func (p *fakePlugin) Update(pose engine.Pose, dt time.Duration) error {
	p.updates = append(p.updates, pose)
	p.dts = append(p.dts, dt)
	if p.updateErr != nil {
		return p.updateErr(len(p.updates))
	}
	return nil
}

func (p *fakePlugin) Unmount() error {
	p.journal.add("unmount " + p.id)
	return nil
}

type recordingReporter struct {
	mu   sync.Mutex
	errs map[string][]error
}

func (r *recordingReporter) Report(origin string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errs == nil {
		r.errs = make(map[string][]error)
	}
	r.errs[origin] = append(r.errs[origin], err)
}

func (r *recordingReporter) count(origin string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs[origin])
}

func newTestRegistry(t *testing.T, cfg Config, svc Services, opts ...Option) (*Registry, *recordingReporter) {
	t.Helper()
	rep := &recordingReporter{}
	r, err := NewRegistry(cfg, svc, rep, nil, opts...)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r, rep
}

func pose(x float64) engine.Pose {
	p := engine.IdentityPose()
	p.Position = mgl64.Vec3{x, 0, 0}
	return p
}

var allCaps = []engine.Capability{engine.CapabilityCameraPose}

func TestFailingPluginDoesNotStopOthers(t *testing.T) {
	j := &journal{}
	r, rep := newTestRegistry(t, DefaultConfig(), Services{})

	good1 := &fakePlugin{id: "a", caps: allCaps, journal: j}
	bad := &fakePlugin{id: "b", caps: allCaps, journal: j, updateErr: func(int) error { return errors.New("boom") }}
	panicky := &fakePlugin{id: "c", caps: allCaps, journal: j, updateErr: func(int) error { panic("nil deref") }}
	good2 := &fakePlugin{id: "d", caps: allCaps, journal: j}

	ctx := context.Background()
	for _, p := range []Plugin{good1, bad, panicky, good2} {
		if err := r.Register(ctx, p); err != nil {
			t.Fatalf("Register %s: %v", p.ID(), err)
		}
	}
	if err := r.MountPending(ctx); err != nil {
		t.Fatalf("MountPending: %v", err)
	}

	if err := r.DispatchFrame(pose(1), 16*time.Millisecond); err != nil {
		t.Fatalf("DispatchFrame: %v", err)
	}

	for _, p := range []*fakePlugin{good1, good2} {
		if len(p.updates) != 1 || p.updates[0].Position.X() != 1 || p.dts[0] != 16*time.Millisecond {
			t.Errorf("plugin %s: unexpected updates %v %v", p.id, p.updates, p.dts)
		}
	}
	if rep.count("b") != 1 || rep.count("c") != 1 {
		t.Errorf("Expected one report each for b and c, got %v", rep.errs)
	}
	if !engine.IsPluginRuntime(rep.errs["c"][0]) {
		t.Errorf("Panic should be reported as plugin runtime error: %v", rep.errs["c"][0])
	}
	var ee *engine.EngineError
	if !errors.As(rep.errs["c"][0], &ee) || ee.Code != engine.ErrCodePanic {
		t.Errorf("Expected panic code, got %v", rep.errs["c"][0])
	}
}

func TestDisabledAfterConsecutiveFailures(t *testing.T) {
	j := &journal{}
	r, rep := newTestRegistry(t, DefaultConfig(), Services{})
	bad := &fakePlugin{id: "bad", caps: allCaps, journal: j, updateErr: func(int) error { return errors.New("boom") }}

	ctx := context.Background()
	_ = r.Register(ctx, bad)
	_ = r.MountPending(ctx)

	for i := 0; i < 5; i++ {
		_ = r.DispatchFrame(pose(0), time.Millisecond)
	}

	if len(bad.updates) != 3 {
		t.Errorf("Expected 3 updates before disabling, got %d", len(bad.updates))
	}
	st, err := r.Status("bad")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != engine.PluginStateDisabled {
		t.Errorf("Expected disabled, got %s", st.State)
	}
	if rep.count("bad") != 3 {
		t.Errorf("Expected 3 reports, got %d", rep.count("bad"))
	}
	want := []string{"mount bad", "unmount bad"}
	if got := j.list(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("journal = %v, want %v", got, want)
	}

	// Disabled plugins are never mounted again automatically.
	_ = r.MountPending(ctx)
	if st, _ := r.Status("bad"); st.State != engine.PluginStateDisabled {
		t.Errorf("Disabled plugin was remounted: %s", st.State)
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	j := &journal{}
	r, _ := newTestRegistry(t, DefaultConfig(), Services{})
	// fail, fail, succeed, fail, fail, succeed
	flaky := &fakePlugin{id: "flaky", caps: allCaps, journal: j, updateErr: func(n int) error {
		if n%3 == 0 {
			return nil
		}
		return errors.New("flaky")
	}}

	ctx := context.Background()
	_ = r.Register(ctx, flaky)
	_ = r.MountPending(ctx)
	for i := 0; i < 6; i++ {
		_ = r.DispatchFrame(pose(0), time.Millisecond)
	}

	st, _ := r.Status("flaky")
	if st.State != engine.PluginStateMounted {
		t.Errorf("Expected mounted, got %s", st.State)
	}
	if st.ConsecutiveFailures != 0 || st.TotalFailures != 4 || st.Updates != 6 {
		t.Errorf("Unexpected counters: %+v", st)
	}
}

func TestMountFailureDisablesPlugin(t *testing.T) {
	j := &journal{}
	r, rep := newTestRegistry(t, DefaultConfig(), Services{})
	broken := &fakePlugin{id: "broken", journal: j, mountErr: errors.New("no shader")}
	ok := &fakePlugin{id: "ok", journal: j}

	ctx := context.Background()
	_ = r.Register(ctx, broken)
	_ = r.Register(ctx, ok)
	_ = r.MountPending(ctx)
	_ = r.DispatchFrame(pose(0), 0)

	if st, _ := r.Status("broken"); st.State != engine.PluginStateDisabled {
		t.Errorf("Expected disabled, got %s", st.State)
	}
	if len(broken.updates) != 0 {
		t.Error("Plugin that failed to mount must not be updated")
	}
	if len(ok.updates) != 1 {
		t.Error("Healthy plugin should be updated")
	}
	if rep.count("broken") != 1 {
		t.Errorf("Expected mount failure report, got %d", rep.count("broken"))
	}
}

func TestUnmountAllReverseOrder(t *testing.T) {
	j := &journal{}
	r, _ := newTestRegistry(t, DefaultConfig(), Services{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = r.Register(ctx, &fakePlugin{id: id, journal: j})
	}
	_ = r.MountPending(ctx)
	r.UnmountAll()

	want := []string{"mount a", "mount b", "mount c", "unmount c", "unmount b", "unmount a"}
	got := j.list()
	if len(got) != len(want) {
		t.Fatalf("journal = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("journal[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	for _, st := range r.List() {
		if st.State != engine.PluginStateRegistered {
			t.Errorf("%s: expected registered, got %s", st.ID, st.State)
		}
	}
}

func TestRegisterWhileActiveMountsImmediately(t *testing.T) {
	j := &journal{}
	r, _ := newTestRegistry(t, DefaultConfig(), Services{})
	ctx := context.Background()
	_ = r.MountPending(ctx)

	if err := r.Register(ctx, &fakePlugin{id: "late", journal: j}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if st, _ := r.Status("late"); st.State != engine.PluginStateMounted {
		t.Errorf("Expected mounted, got %s", st.State)
	}
}

func TestPauseDefersMountWithoutUnmounting(t *testing.T) {
	j := &journal{}
	r, _ := newTestRegistry(t, DefaultConfig(), Services{})
	ctx := context.Background()
	_ = r.Register(ctx, &fakePlugin{id: "early", journal: j})
	_ = r.MountPending(ctx)

	r.Pause()
	_ = r.Register(ctx, &fakePlugin{id: "late", journal: j})

	if st, _ := r.Status("early"); st.State != engine.PluginStateMounted {
		t.Errorf("Expected early to stay mounted, got %s", st.State)
	}
	if st, _ := r.Status("late"); st.State != engine.PluginStateRegistered {
		t.Errorf("Expected late to wait, got %s", st.State)
	}

	_ = r.MountPending(ctx)
	if st, _ := r.Status("late"); st.State != engine.PluginStateMounted {
		t.Errorf("Expected late mounted on resume, got %s", st.State)
	}
}

func TestRegisterValidation(t *testing.T) {
	j := &journal{}
	r, _ := newTestRegistry(t, Config{AllowedCapabilities: []engine.Capability{engine.CapabilityCameraPose}}, Services{})
	ctx := context.Background()

	tests := []struct {
		name   string
		plugin Plugin
		kind   engine.ErrorKind
	}{
		{"empty id", &fakePlugin{journal: j}, engine.ErrorKindInvalidConfig},
		{"not allowlisted", &fakePlugin{id: "x", journal: j, caps: []engine.Capability{engine.CapabilityAudio}}, engine.ErrorKindCapabilityDenied},
		{"unknown capability", &fakePlugin{id: "y", journal: j, caps: []engine.Capability{"gps"}}, engine.ErrorKindCapabilityDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(ctx, tt.plugin)
			if engine.KindOf(err) != tt.kind {
				t.Errorf("Expected %s, got %v", tt.kind, err)
			}
		})
	}

	if err := r.Register(ctx, &fakePlugin{id: "dup", journal: j}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(ctx, &fakePlugin{id: "dup", journal: j}); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 plugin, got %d", r.Len())
	}
}

func TestRegisterPolicyDenied(t *testing.T) {
	ctx := context.Background()
	gate, err := policy.NewGate(ctx, nil, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	r, _ := newTestRegistry(t, DefaultConfig(), Services{}, WithAuthorizer(gate))

	err = r.Register(ctx, &fakePlugin{id: "Bad_ID", journal: &journal{}})
	if engine.KindOf(err) != engine.ErrorKindCapabilityDenied {
		t.Errorf("Expected policy denial, got %v", err)
	}
	if err := r.Register(ctx, &fakePlugin{id: "good", journal: &journal{}}); err != nil {
		t.Errorf("Expected allow, got %v", err)
	}
}

func TestCloseRejectsFurtherCalls(t *testing.T) {
	j := &journal{}
	r, _ := newTestRegistry(t, DefaultConfig(), Services{})
	ctx := context.Background()
	_ = r.Register(ctx, &fakePlugin{id: "a", journal: j})
	_ = r.MountPending(ctx)

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := j.list(); got[len(got)-1] != "unmount a" {
		t.Errorf("Close should unmount, journal = %v", got)
	}

	checks := map[string]error{
		"register": r.Register(ctx, &fakePlugin{id: "b", journal: j}),
		"dispatch": r.DispatchFrame(pose(0), 0),
		"mount":    r.MountPending(ctx),
	}
	for name, err := range checks {
		if !engine.IsSessionInactive(err) {
			t.Errorf("%s after close: expected session inactive, got %v", name, err)
		}
	}
}

func TestHostCapabilityGating(t *testing.T) {
	sm := scene.NewManager(nil, nil)
	r, _ := newTestRegistry(t, DefaultConfig(), Services{Scene: sm})
	ctx := context.Background()

	var denied error
	noCaps := &fakePlugin{id: "nocaps", journal: &journal{}, onMount: func(h *Host) error {
		_, denied = h.CreateAnchor("x", mgl64.Ident4())
		return nil
	}}
	anchors := &fakePlugin{id: "anchors", journal: &journal{}, caps: []engine.Capability{engine.CapabilityAnchors},
		onMount: func(h *Host) error {
			_, err := h.CreateAnchor("marker", mgl64.Translate3D(0, 0, -1))
			return err
		}}

	_ = r.Register(ctx, noCaps)
	_ = r.Register(ctx, anchors)
	_ = r.MountPending(ctx)

	if engine.KindOf(denied) != engine.ErrorKindCapabilityDenied {
		t.Errorf("Expected capability denied, got %v", denied)
	}
	if sm.Len() != 1 || sm.Anchors()[0].Owner != "anchors" {
		t.Fatalf("Expected one anchor owned by the plugin, got %v", sm.Anchors())
	}

	// Unregister releases what the plugin holds.
	if err := r.Unregister("anchors"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if sm.Len() != 0 {
		t.Errorf("Expected anchors released, got %d", sm.Len())
	}
}

func TestPoseRedactedWithoutCameraCapability(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig(), Services{})
	ctx := context.Background()
	blind := &fakePlugin{id: "blind", journal: &journal{}}
	seeing := &fakePlugin{id: "seeing", journal: &journal{}, caps: allCaps}
	_ = r.Register(ctx, blind)
	_ = r.Register(ctx, seeing)
	_ = r.MountPending(ctx)

	p := pose(3)
	p.Confidence = 0.9
	_ = r.DispatchFrame(p, 0)

	if blind.updates[0].Position != (mgl64.Vec3{}) || blind.updates[0].Confidence != 0.9 {
		t.Errorf("Expected redacted pose, got %+v", blind.updates[0])
	}
	if seeing.updates[0].Position.X() != 3 {
		t.Errorf("Expected full pose, got %+v", seeing.updates[0])
	}
}
