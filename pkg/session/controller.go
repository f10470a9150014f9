// Package session drives the AR frame loop: it follows the pose provider
// through the tracking state machine and, for every tracked pose, runs the
// scene, audio and plugin stages in a fixed order.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/arkit/pkg/audio"
	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/loader"
	"github.com/openfroyo/arkit/pkg/plugins"
	"github.com/openfroyo/arkit/pkg/scene"
	"github.com/openfroyo/arkit/pkg/telemetry"
	"github.com/openfroyo/arkit/pkg/xform"
)

// Dependencies are the collaborators a Controller drives. Provider is
// required. A nil Scene is created on the Surface's root node, a nil Audio
// logs cues, and a nil Registry is created over the other services. Loader
// may be nil when no plugin loads resources.
type Dependencies struct {
	Provider  engine.PoseProvider
	Surface   engine.Surface
	Scene     *scene.Manager
	Audio     *audio.Subsystem
	Loader    *loader.Adapter
	Registry  *plugins.Registry
	Reporter  engine.Reporter
	Telemetry *telemetry.Telemetry
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now, used for frame deltas and the loss timeout.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithID sets the session id instead of a random one.
func WithID(id string) Option {
	return func(c *Controller) { c.id = id }
}

// Controller owns the session state machine.
type Controller struct {
	id  string
	cfg Config
	now func() time.Time

	provider engine.PoseProvider
	surface  engine.Surface
	scene    *scene.Manager
	audio    *audio.Subsystem
	loader   *loader.Adapter
	registry *plugins.Registry
	reporter engine.Reporter
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger

	mu          sync.Mutex
	state       engine.SessionState
	unsubscribe func()
	ctx         context.Context
	span        trace.Span
	startedAt   time.Time
	lastPose    time.Time
	lastFrame   time.Time
	frames      uint64
}

// New creates a controller in the Initializing state.
func New(cfg Config, deps Dependencies, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Provider == nil {
		return nil, engine.NewInvalidConfigError("pose provider is required", nil)
	}

	tel := telemetry.OrNop(deps.Telemetry)
	c := &Controller{
		id:       uuid.New().String(),
		cfg:      cfg,
		now:      time.Now,
		provider: deps.Provider,
		surface:  deps.Surface,
		scene:    deps.Scene,
		audio:    deps.Audio,
		loader:   deps.Loader,
		registry: deps.Registry,
		reporter: deps.Reporter,
		tel:      tel,
		state:    engine.SessionStateInitializing,
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = tel.Logger.NewComponentLogger("session").WithSessionID(c.id)

	if c.scene == nil {
		var root engine.RootNode
		if c.surface != nil {
			root = c.surface.Root()
		}
		c.scene = scene.NewManager(root, tel)
	}
	if c.audio == nil {
		c.audio = audio.NewSubsystem(audio.LogBackend{Logger: *c.logger.Zerolog()}, c.scene, c.reporter, tel)
	}
	if c.registry == nil {
		reg, err := plugins.NewRegistry(plugins.DefaultConfig(),
			plugins.Services{Scene: c.scene, Audio: c.audio, Loader: c.loader}, c.reporter, tel)
		if err != nil {
			return nil, err
		}
		c.registry = reg
	}
	return c, nil
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// State returns the current state.
func (c *Controller) State() engine.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Frame returns the number of frames processed.
func (c *Controller) Frame() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Registry returns the plugin registry.
func (c *Controller) Registry() *plugins.Registry { return c.registry }

// Scene returns the scene manager.
func (c *Controller) Scene() *scene.Manager { return c.scene }

// Audio returns the audio subsystem.
func (c *Controller) Audio() *audio.Subsystem { return c.audio }

// Loader returns the resource loader, which may be nil.
func (c *Controller) Loader() *loader.Adapter { return c.loader }

// Start subscribes to the pose provider and begins searching for a pose.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case engine.SessionStateInitializing:
	case engine.SessionStateTerminated:
		return engine.NewSessionInactiveError("session terminated")
	default:
		return engine.NewInvalidTransitionError(c.state, engine.SessionStateSearching)
	}

	unsubscribe, err := c.provider.Subscribe(c.deliver)
	if err != nil {
		return engine.NewSessionStartError("failed to subscribe to pose provider", err)
	}
	c.unsubscribe = unsubscribe

	c.ctx, c.span = c.tel.Tracer.StartSessionSpan(ctx, c.id)
	c.startedAt = c.now()
	c.injectBackdrop()
	_ = c.tel.Events.PublishSessionStarted(c.id)
	c.logger.Info("session started")

	return c.transition(engine.SessionStateSearching)
}

// injectBackdrop adds the configured decorative elements to the host
// container. A missing container is not an error.
func (c *Controller) injectBackdrop() {
	if c.surface == nil || c.cfg.ContainerID == "" || len(c.cfg.Backdrop) == 0 {
		return
	}
	container, ok := c.surface.Container(c.cfg.ContainerID)
	if !ok || container == nil {
		c.logger.Debugf("container %s not present, skipping backdrop", c.cfg.ContainerID)
		return
	}
	for _, el := range c.cfg.Backdrop {
		container.Inject(el)
	}
}

// deliver is the provider callback.
func (c *Controller) deliver(pose engine.Pose) {
	if err := c.OnPose(pose); err != nil && !engine.IsSessionInactive(err) {
		c.report(err)
	}
}

// OnPose advances the state machine with pose and, while tracking, runs one frame.
func (c *Controller) OnPose(pose engine.Pose) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.IsActive() {
		return engine.NewSessionInactiveError(fmt.Sprintf("session is %s", c.state))
	}

	now := c.now()
	c.lastPose = now

	confident := pose.Confidence >= c.cfg.ConfidenceThreshold
	switch c.state {
	case engine.SessionStateSearching, engine.SessionStateLost:
		if !confident {
			return nil
		}
		if err := c.transition(engine.SessionStateTracking); err != nil {
			return err
		}
	case engine.SessionStateTracking:
		if !confident {
			return c.transition(engine.SessionStateLost)
		}
	}

	var dt time.Duration
	if !c.lastFrame.IsZero() {
		dt = now.Sub(c.lastFrame)
	}
	c.lastFrame = now
	c.frame(pose, dt)
	return nil
}

// frame runs the per-frame stages in order.
func (c *Controller) frame(pose engine.Pose, dt time.Duration) {
	timer := telemetry.NewTimer()

	if c.loader != nil {
		c.loader.Drain()
	}
	c.scene.Recompute(xform.FromPose(pose))
	c.audio.Refresh()
	if err := c.registry.DispatchFrame(pose, dt); err != nil {
		c.logger.WithFrame(c.frames).WithError(err).Debug("dispatch failed")
		c.report(err)
	}

	c.frames++
	c.tel.Metrics.RecordFrame(timer.Duration())
}

// Tick is the rendering scheduler hook. It applies finished loads and moves
// Tracking to Lost once no pose has arrived for LossTimeout.
func (c *Controller) Tick(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.IsActive() {
		return engine.NewSessionInactiveError(fmt.Sprintf("session is %s", c.state))
	}
	if c.loader != nil {
		c.loader.Drain()
	}
	if c.state == engine.SessionStateTracking && now.Sub(c.lastPose) > c.cfg.LossTimeout {
		c.logger.Warnf("no pose for %s, tracking lost", now.Sub(c.lastPose))
		return c.transition(engine.SessionStateLost)
	}
	return nil
}

// Stop terminates the session and releases everything it holds.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == engine.SessionStateTerminated {
		c.mu.Unlock()
		return engine.NewSessionInactiveError("session already terminated")
	}
	if err := c.transition(engine.SessionStateTerminated); err != nil {
		c.mu.Unlock()
		return err
	}
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	frames := c.frames
	startedAt := c.startedAt
	span := c.span
	c.mu.Unlock()

	// The provider may be blocked delivering to OnPose; unsubscribe unlocked.
	if unsubscribe != nil {
		unsubscribe()
	}

	var errs []error
	if err := c.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.loader != nil {
		c.loader.CancelAll()
	}
	c.audio.StopAll(audio.All)
	c.scene.ReleaseAll()

	var elapsed time.Duration
	if !startedAt.IsZero() {
		elapsed = c.now().Sub(startedAt)
	}
	_ = c.tel.Events.PublishSessionStopped(c.id, frames, elapsed)
	if span != nil {
		span.End()
	}
	c.logger.WithField("frames", frames).Info("session stopped")

	if len(errs) > 0 {
		return fmt.Errorf("session stop: %w", errs[0])
	}
	return nil
}

// transition moves to next and runs its entry actions. Callers hold c.mu.
func (c *Controller) transition(next engine.SessionState) error {
	prev := c.state
	if !prev.CanTransitionTo(next) {
		return engine.NewInvalidTransitionError(prev, next)
	}
	c.state = next

	c.tel.Metrics.RecordTransition(string(prev), string(next))
	if c.span != nil {
		telemetry.AddTransitionEvent(c.span, string(prev), string(next))
	}
	_ = c.tel.Events.PublishTransition(c.id, string(prev), string(next))
	c.logger.Debugf("session %s -> %s", prev, next)

	switch next {
	case engine.SessionStateTracking:
		if err := c.registry.MountPending(c.ctx); err != nil {
			c.report(err)
		}
	case engine.SessionStateLost:
		c.registry.Pause()
		c.audio.StopAll(audio.NonLooping)
	}
	return nil
}

func (c *Controller) report(err error) {
	if c.reporter != nil {
		c.reporter.Report("session", err)
		return
	}
	c.logger.WithError(err).Warn("session error")
}

// LivenessCheck fails once the session has terminated.
func (c *Controller) LivenessCheck() error {
	if s := c.State(); s.IsTerminal() {
		return fmt.Errorf("session %s is %s", c.id, s)
	}
	return nil
}

// ReadinessCheck fails unless the session is tracking.
func (c *Controller) ReadinessCheck() error {
	if s := c.State(); s != engine.SessionStateTracking {
		return fmt.Errorf("session %s is %s", c.id, s)
	}
	return nil
}

// RegisterHealth adds the session's checks to h.
func (c *Controller) RegisterHealth(h *telemetry.Health) {
	h.Register("session", c.LivenessCheck, c.ReadinessCheck)
}
