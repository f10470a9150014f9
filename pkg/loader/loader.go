// Package loader performs asynchronous, cancellable resource loads and posts
// their results back to the frame loop.
//
// Fetches run on a bounded worker pool; loads beyond the pool size wait in a
// bounded backlog instead of failing. Results are queued and only applied
// when the session calls Drain on its frame tick, so load callbacks never run
// concurrently with scene recompute or plugin dispatch.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	queue "github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/telemetry"
)

// Config configures the loader.
type Config struct {
	// Workers is the size of the fetch worker pool.
	Workers int `yaml:"workers" json:"workers" env:"WORKERS" validate:"min=1,max=256"`

	// Timeout bounds a single fetch attempt. Zero means no timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`

	// RetryDelay is the pause before the single automatic retry.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay" env:"RETRY_DELAY"`

	// Backlog caps loads waiting for a free worker. A load past the backlog
	// fails through the usual OnError and placeholder path.
	Backlog int `yaml:"backlog" json:"backlog" env:"BACKLOG" validate:"min=0"`

	// QueueHint sizes the completion queue.
	QueueHint int64 `yaml:"queue_hint" json:"queue_hint"`

	// Placeholders maps a resource kind to the bytes delivered when a load fails.
	Placeholders map[engine.ResourceKind][]byte `yaml:"-" json:"-"`
}

// DefaultConfig returns the default loader configuration.
func DefaultConfig() Config {
	return Config{
		Workers:    8,
		Timeout:    30 * time.Second,
		RetryDelay: 100 * time.Millisecond,
		Backlog:    256,
		QueueHint:  64,
	}
}

// Resource is a loaded asset.
type Resource struct {
	Descriptor engine.ResourceDescriptor
	Data       []byte

	// Placeholder is set when Data is the configured fallback for a failed load.
	Placeholder bool
}

// Request describes one load.
type Request struct {
	// Owner is the plugin ID that owns the handle. CancelOwner cancels by it.
	Owner string

	// Descriptor identifies the asset.
	Descriptor engine.ResourceDescriptor

	// OnLoad is called on the frame loop with the loaded or placeholder resource.
	OnLoad func(Resource)

	// OnError is called on the frame loop with a ResourceLoadFailed error.
	OnError func(error)
}

// Handle tracks an in-flight load.
type Handle struct {
	id     string
	owner  string
	desc   engine.ResourceDescriptor
	cancel context.CancelFunc

	cancelled atomic.Bool
	done      atomic.Bool
}

// ID returns the handle identifier.
func (h *Handle) ID() string { return h.id }

// Owner returns the owning plugin ID.
func (h *Handle) Owner() string { return h.owner }

// Descriptor returns the requested descriptor.
func (h *Handle) Descriptor() engine.ResourceDescriptor { return h.desc }

// Cancelled reports whether the handle was cancelled.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Done reports whether the result was applied or dropped.
func (h *Handle) Done() bool { return h.done.Load() }

type completion struct {
	handle  *Handle
	req     Request
	data    []byte
	err     error
	elapsed time.Duration
}

// Adapter is the resource loader.
type Adapter struct {
	cfg         Config
	fetcher     Fetcher
	pool        *ants.Pool
	inflight    cmap.ConcurrentMap[string, *Handle]
	completions *queue.Queue
	validate    *validator.Validate
	reporter    engine.Reporter
	tel         *telemetry.Telemetry
	logger      *telemetry.Logger
	closed      atomic.Bool
}

// New creates a loader. reporter and tel may be nil.
func New(cfg Config, fetcher Fetcher, reporter engine.Reporter, tel *telemetry.Telemetry) (*Adapter, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultConfig().Backlog
	}
	if cfg.QueueHint <= 0 {
		cfg.QueueHint = DefaultConfig().QueueHint
	}

	tel = telemetry.OrNop(tel)
	logger := tel.Logger.NewComponentLogger("loader")

	pool, err := ants.NewPool(cfg.Workers,
		ants.WithMaxBlockingTasks(cfg.Backlog),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Errorf("fetch worker panic: %v", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &Adapter{
		cfg:         cfg,
		fetcher:     fetcher,
		pool:        pool,
		inflight:    cmap.New[*Handle](),
		completions: queue.New(cfg.QueueHint),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		reporter:    reporter,
		tel:         tel,
		logger:      logger,
	}, nil
}

// Load starts an asynchronous load. It never blocks on the fetch itself.
func (a *Adapter) Load(ctx context.Context, req Request) (*Handle, error) {
	if a.closed.Load() {
		return nil, engine.NewSessionInactiveError("loader closed")
	}
	if err := a.validate.Struct(req.Descriptor); err != nil {
		return nil, engine.NewResourceLoadError(req.Descriptor.URL, err).WithCode(engine.ErrCodeValidation)
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		id:     uuid.New().String(),
		owner:  req.Owner,
		desc:   req.Descriptor,
		cancel: cancel,
	}
	a.inflight.Set(h.id, h)
	a.tel.Metrics.SetPendingLoads(a.inflight.Count())

	// Submit blocks while every worker is busy, so it runs off the caller.
	go a.submit(hctx, h, req)

	return h, nil
}

func (a *Adapter) submit(ctx context.Context, h *Handle, req Request) {
	err := a.pool.Submit(func() { a.fetch(ctx, h, req) })
	if err == nil {
		return
	}
	if errors.Is(err, ants.ErrPoolClosed) {
		return
	}
	a.logger.WithField("url", req.Descriptor.URL).WithError(err).Warn("load backlog full")
	_ = a.completions.Put(completion{handle: h, req: req, err: err})
}

// fetch runs on a worker: one attempt plus one retry, then posts the outcome.
func (a *Adapter) fetch(ctx context.Context, h *Handle, req Request) {
	ctx, span := a.tel.Tracer.StartLoadSpan(ctx, req.Descriptor.URL, string(req.Descriptor.Kind))
	defer span.End()

	start := time.Now()
	attempt := func() (data []byte, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("fetcher panic: %v", r)
			}
		}()
		if h.Cancelled() {
			return nil, backoff.Permanent(context.Canceled)
		}
		actx := ctx
		if a.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
			defer cancel()
		}
		return a.fetcher.Fetch(actx, req.Descriptor)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(a.cfg.RetryDelay), 1),
		ctx,
	)
	data, err := backoff.RetryWithData(attempt, policy)
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}

	// A disposed queue means the loader closed; the result is dropped.
	_ = a.completions.Put(completion{
		handle:  h,
		req:     req,
		data:    data,
		err:     err,
		elapsed: time.Since(start),
	})
}

// Drain applies every posted completion on the calling goroutine and returns
// how many callbacks ran. Completions of cancelled handles are dropped without
// invoking any callback.
func (a *Adapter) Drain() int {
	n := a.completions.Len()
	if n == 0 || a.completions.Disposed() {
		return 0
	}
	// Get blocks on an empty queue; n > 0 and Drain is the only consumer.
	items, err := a.completions.Get(n)
	if err != nil {
		return 0
	}

	applied := 0
	for _, item := range items {
		c, ok := item.(completion)
		if !ok {
			continue
		}
		if a.apply(c) {
			applied++
		}
	}
	a.tel.Metrics.SetPendingLoads(a.inflight.Count())
	return applied
}

func (a *Adapter) apply(c completion) bool {
	h := c.handle
	h.cancel()
	a.inflight.Remove(h.id)
	defer h.done.Store(true)

	kind := string(h.desc.Kind)
	if h.Cancelled() {
		a.tel.Metrics.RecordResourceLoad(kind, "cancelled", c.elapsed)
		a.logger.WithField("url", h.desc.URL).Debug("dropping result of cancelled load")
		return false
	}

	if c.err == nil {
		a.tel.Metrics.RecordResourceLoad(kind, "ok", c.elapsed)
		a.invoke(h.owner, func() {
			if c.req.OnLoad != nil {
				c.req.OnLoad(Resource{Descriptor: h.desc, Data: c.data})
			}
		})
		return true
	}

	a.tel.Metrics.RecordResourceLoad(kind, "failed", c.elapsed)
	loadErr := engine.NewResourceLoadError(h.desc.URL, c.err).
		WithOrigin(h.owner).
		WithCode(engine.ErrCodeRetryExhausted)
	_ = a.tel.Events.PublishResourceFailed(h.owner, h.desc.URL, c.err.Error())
	if a.reporter != nil {
		a.reporter.Report(originOf(h.owner), loadErr)
	}

	a.invoke(h.owner, func() {
		if c.req.OnError != nil {
			c.req.OnError(loadErr)
		}
	})
	if ph, ok := a.cfg.Placeholders[h.desc.Kind]; ok && c.req.OnLoad != nil {
		a.invoke(h.owner, func() {
			c.req.OnLoad(Resource{Descriptor: h.desc, Data: ph, Placeholder: true})
		})
	}
	return true
}

// invoke runs a plugin callback, converting a panic into a reported plugin error.
func (a *Adapter) invoke(owner string, fn func()) {
	defer func() {
		if r := recover(); r != nil && a.reporter != nil {
			err := engine.NewPluginRuntimeError(owner, "load callback", fmt.Errorf("panic: %v", r)).
				WithCode(engine.ErrCodePanic)
			a.reporter.Report(originOf(owner), err)
		}
	}()
	fn()
}

// Cancel marks h cancelled. A result that arrives later is dropped at Drain.
// It returns false if h was already done or cancelled.
func (a *Adapter) Cancel(h *Handle) bool {
	if h == nil || h.Done() {
		return false
	}
	if !h.cancelled.CompareAndSwap(false, true) {
		return false
	}
	h.cancel()
	a.inflight.Remove(h.id)
	a.tel.Metrics.SetPendingLoads(a.inflight.Count())
	return true
}

// CancelOwner cancels every in-flight handle owned by owner.
func (a *Adapter) CancelOwner(owner string) int {
	return a.cancelWhere(func(h *Handle) bool { return h.owner == owner })
}

// CancelAll cancels every in-flight handle.
func (a *Adapter) CancelAll() int {
	return a.cancelWhere(func(*Handle) bool { return true })
}

func (a *Adapter) cancelWhere(match func(*Handle) bool) int {
	n := 0
	for _, h := range a.inflight.Items() {
		if match(h) && a.Cancel(h) {
			n++
		}
	}
	return n
}

// Pending returns the number of in-flight, uncancelled handles.
func (a *Adapter) Pending() int {
	return a.inflight.Count()
}

// Queued returns the number of completions waiting for Drain.
func (a *Adapter) Queued() int64 {
	return a.completions.Len()
}

// Close cancels all handles, stops the worker pool and discards queued results.
func (a *Adapter) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.CancelAll()
	a.pool.Release()
	a.completions.Dispose()
	return nil
}

// OwnerLoader is an owner-scoped facade handed to plugins.
type OwnerLoader struct {
	a     *Adapter
	owner string
}

// ForOwner returns a loader that stamps owner on every request.
func (a *Adapter) ForOwner(owner string) *OwnerLoader {
	return &OwnerLoader{a: a, owner: owner}
}

// Load starts a load owned by the facade's owner.
func (o *OwnerLoader) Load(ctx context.Context, desc engine.ResourceDescriptor, onLoad func(Resource), onError func(error)) (*Handle, error) {
	return o.a.Load(ctx, Request{Owner: o.owner, Descriptor: desc, OnLoad: onLoad, OnError: onError})
}

// Cancel cancels one of the owner's handles.
func (o *OwnerLoader) Cancel(h *Handle) bool {
	if h == nil || h.owner != o.owner {
		return false
	}
	return o.a.Cancel(h)
}

func originOf(owner string) string {
	if owner == "" {
		return "loader"
	}
	return owner
}
