package plugins

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/policy"
	"github.com/openfroyo/arkit/pkg/telemetry"
)

// DefaultMaxConsecutiveFailures is how many failed updates in a row disable a plugin.
const DefaultMaxConsecutiveFailures = 3

// Config configures a Registry.
type Config struct {
	// MaxConsecutiveFailures disables a plugin after this many failed updates in a row.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" json:"max_consecutive_failures" env:"MAX_CONSECUTIVE_FAILURES" validate:"min=1"`

	// AllowedCapabilities restricts what plugins may declare. Empty allows every known capability.
	AllowedCapabilities []engine.Capability `yaml:"allowed_capabilities" json:"allowed_capabilities" env:"ALLOWED_CAPABILITIES" envSeparator:","`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{MaxConsecutiveFailures: DefaultMaxConsecutiveFailures}
}

// Authorizer decides whether a plugin may be granted its declared capabilities.
type Authorizer interface {
	Authorize(ctx context.Context, plugin policy.PluginInfo) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithAuthorizer checks every registration against a capability policy.
func WithAuthorizer(a Authorizer) Option {
	return func(r *Registry) { r.authorizer = a }
}

type entry struct {
	plugin       Plugin
	enforcer     *CapabilityEnforcer
	state        engine.PluginState
	failures     int
	total        int
	updates      uint64
	lastErr      error
	registeredAt time.Time
}

// Registry owns plugins for their whole lifetime. Plugins are mounted,
// updated and unmounted in registration order (unmount in reverse), each
// call isolated so one plugin's failure never reaches another.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	allowed map[engine.Capability]bool
	svc     Services

	entries map[string]*entry
	order   []string
	active  bool
	closed  bool

	authorizer Authorizer
	reporter   engine.Reporter
	tel        *telemetry.Telemetry
	logger     *telemetry.Logger
}

// NewRegistry creates a registry. reporter receives every isolated failure; tel may be nil.
func NewRegistry(cfg Config, svc Services, reporter engine.Reporter, tel *telemetry.Telemetry, opts ...Option) (*Registry, error) {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	allowed := make(map[engine.Capability]bool, len(cfg.AllowedCapabilities))
	for _, c := range cfg.AllowedCapabilities {
		if err := c.Validate(); err != nil {
			return nil, engine.NewInvalidConfigError("invalid allowed capability", err)
		}
		allowed[c] = true
	}

	tel = telemetry.OrNop(tel)
	r := &Registry{
		cfg:      cfg,
		allowed:  allowed,
		svc:      svc,
		entries:  make(map[string]*entry),
		reporter: reporter,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("plugins"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register adds a plugin after checking its capabilities against the
// allowlist and the authorizer. If the registry is active the plugin is
// mounted immediately.
func (r *Registry) Register(ctx context.Context, p Plugin) error {
	id := p.ID()
	if id == "" {
		return engine.NewInvalidConfigError("plugin id is required", nil)
	}
	caps := p.Capabilities()
	if err := r.checkCapabilities(ctx, p, caps); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return engine.NewSessionInactiveError("plugin registry is closed")
	}
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return engine.NewInvalidConfigError(fmt.Sprintf("plugin %s already registered", id), nil).
			WithOrigin(id).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	e := &entry{
		plugin:       p,
		enforcer:     NewCapabilityEnforcer(id, caps),
		state:        engine.PluginStateRegistered,
		registeredAt: time.Now(),
	}
	r.entries[id] = e
	r.order = append(r.order, id)
	active := r.active
	r.mu.Unlock()

	r.logger.WithPluginID(id).Infof("plugin registered with %d capabilities", len(caps))

	if active {
		r.mount(ctx, e)
	}
	return nil
}

func (r *Registry) checkCapabilities(ctx context.Context, p Plugin, caps []engine.Capability) error {
	var denied []engine.Capability
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, string(c))
		if err := c.Validate(); err != nil {
			denied = append(denied, c)
			continue
		}
		if len(r.allowed) > 0 && !r.allowed[c] {
			denied = append(denied, c)
		}
	}
	if len(denied) > 0 {
		return engine.NewCapabilityDeniedError(p.ID(), denied...)
	}

	if r.authorizer == nil {
		return nil
	}
	info := policy.PluginInfo{ID: p.ID(), Capabilities: names}
	if d, ok := p.(Described); ok {
		if m := d.Manifest(); m != nil {
			info.Kind = string(m.Kind)
			info.Version = m.Version
			info.Verified = m.Verified
		}
	}
	return r.authorizer.Authorize(ctx, info)
}

// Unregister unmounts the plugin if needed and releases its anchors, cues and loads.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin %s not registered", id)
	}
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	mounted := e.state == engine.PluginStateMounted
	r.mu.Unlock()

	if mounted {
		r.unmount(e)
	}
	r.svc.release(id)
	r.updateMountedGauge()
	return nil
}

// MountPending mounts every plugin still in the Registered state and marks
// the registry active so later registrations mount immediately.
func (r *Registry) MountPending(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return engine.NewSessionInactiveError("plugin registry is closed")
	}
	r.active = true
	var pending []*entry
	for _, id := range r.order {
		if e := r.entries[id]; e.state == engine.PluginStateRegistered {
			pending = append(pending, e)
		}
	}
	r.mu.Unlock()

	for _, e := range pending {
		r.mount(ctx, e)
	}
	return nil
}

func (r *Registry) mount(ctx context.Context, e *entry) {
	id := e.plugin.ID()
	spanCtx, span := r.tel.Tracer.StartPluginSpan(ctx, id, "mount")
	defer span.End()

	host := newHost(spanCtx, id, e.enforcer, r.svc, r.tel.Logger)
	err := r.isolate(id, "mount", func() error { return e.plugin.Mount(host) })

	r.mu.Lock()
	if err != nil {
		e.state = engine.PluginStateDisabled
		e.lastErr = err
		e.total++
	} else {
		e.state = engine.PluginStateMounted
	}
	r.mu.Unlock()

	if err != nil {
		telemetry.RecordError(span, err)
		r.fail(id, "mount", err)
		r.svc.release(id)
		r.tel.Metrics.RecordPluginDisabled(id)
		_ = r.tel.Events.PublishPluginDisabled(id, 1)
	} else {
		telemetry.RecordSuccess(span)
		_ = r.tel.Events.PublishPluginMounted(id)
		r.logger.WithPluginID(id).Info("plugin mounted")
	}
	r.updateMountedGauge()
}

// DispatchFrame calls Update on every mounted plugin in registration order.
// Failures are reported and counted per plugin; they never stop the frame.
func (r *Registry) DispatchFrame(pose engine.Pose, dt time.Duration) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return engine.NewSessionInactiveError("plugin registry is closed")
	}
	mounted := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		if e := r.entries[id]; e.state == engine.PluginStateMounted {
			mounted = append(mounted, e)
		}
	}
	r.mu.Unlock()

	for _, e := range mounted {
		r.update(e, pose, dt)
	}
	return nil
}

func (r *Registry) update(e *entry, pose engine.Pose, dt time.Duration) {
	id := e.plugin.ID()
	if !e.enforcer.HasCapability(engine.CapabilityCameraPose) {
		pose = redactPose(pose)
	}

	start := time.Now()
	err := r.isolate(id, "update", func() error { return e.plugin.Update(pose, dt) })
	elapsed := time.Since(start)

	r.mu.Lock()
	e.updates++
	if err == nil {
		e.failures = 0
		r.mu.Unlock()
		r.tel.Metrics.RecordPluginUpdate(id, "success", elapsed)
		return
	}
	e.failures++
	e.total++
	e.lastErr = err
	failures := e.failures
	disable := failures >= r.cfg.MaxConsecutiveFailures && e.state == engine.PluginStateMounted
	if disable {
		e.state = engine.PluginStateDisabled
	}
	r.mu.Unlock()

	r.tel.Metrics.RecordPluginUpdate(id, "failure", elapsed)
	r.fail(id, "update", err)

	if disable {
		r.logger.WithPluginID(id).Warnf("plugin disabled after %d consecutive failures", failures)
		r.unmount(e)
		r.svc.release(id)
		r.tel.Metrics.RecordPluginDisabled(id)
		_ = r.tel.Events.PublishPluginDisabled(id, failures)
		r.updateMountedGauge()
	}
}

// Pause stops mounting new registrations immediately without unmounting what
// is already mounted. The next MountPending resumes.
func (r *Registry) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
}

// UnmountAll unmounts every mounted plugin in reverse registration order
// and releases what they hold. Plugins return to Registered; disabled
// plugins stay disabled.
func (r *Registry) UnmountAll() {
	r.mu.Lock()
	r.active = false
	var mounted []*entry
	for i := len(r.order) - 1; i >= 0; i-- {
		e := r.entries[r.order[i]]
		if e.state == engine.PluginStateMounted {
			e.state = engine.PluginStateRegistered
			mounted = append(mounted, e)
		}
	}
	r.mu.Unlock()

	for _, e := range mounted {
		r.unmount(e)
		r.svc.release(e.plugin.ID())
	}
	r.updateMountedGauge()
}

func (r *Registry) unmount(e *entry) {
	id := e.plugin.ID()
	if err := r.isolate(id, "unmount", e.plugin.Unmount); err != nil {
		r.fail(id, "unmount", err)
	}
}

// Close unmounts everything; afterwards Register, MountPending and
// DispatchFrame fail with SessionInactive.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.UnmountAll()

	r.mu.Lock()
	r.closed = true
	var closers []Closer
	for _, id := range r.order {
		if c, ok := r.entries[id].plugin.(Closer); ok {
			closers = append(closers, c)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// isolate runs fn, converting an error or panic into a PluginRuntimeError.
func (r *Registry) isolate(id, op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = engine.NewPluginRuntimeError(id, op, fmt.Errorf("panic: %v", rec)).
				WithCode(engine.ErrCodePanic).
				WithDetail("stack", string(debug.Stack()))
		}
	}()

	if err := fn(); err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) && ee.Kind == engine.ErrorKindPluginRuntime {
			return err
		}
		return engine.NewPluginRuntimeError(id, op, err)
	}
	return nil
}

func (r *Registry) fail(id, op string, err error) {
	r.tel.Metrics.RecordPluginFailure(id, op)
	if r.reporter != nil {
		r.reporter.Report(id, err)
		return
	}
	r.logger.WithPluginID(id).WithError(err).Warnf("plugin %s failed", op)
}

func (r *Registry) updateMountedGauge() {
	r.mu.Lock()
	n := 0
	for _, e := range r.entries {
		if e.state == engine.PluginStateMounted {
			n++
		}
	}
	r.mu.Unlock()
	r.tel.Metrics.SetPluginsMounted(n)
}

// Status returns a snapshot of one plugin.
func (r *Registry) Status(id string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Status{}, fmt.Errorf("plugin %s not registered", id)
	}
	return e.status(), nil
}

// List returns every plugin in registration order.
func (r *Registry) List() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].status())
	}
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (e *entry) status() Status {
	s := Status{
		ID:                  e.plugin.ID(),
		State:               e.state,
		Capabilities:        e.enforcer.Granted(),
		ConsecutiveFailures: e.failures,
		TotalFailures:       e.total,
		Updates:             e.updates,
		RegisteredAt:        e.registeredAt,
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}
