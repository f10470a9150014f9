package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/scene"
	"github.com/openfroyo/arkit/pkg/xform"
)

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func texture(url string) engine.ResourceDescriptor {
	return engine.ResourceDescriptor{URL: url, Kind: engine.ResourceKindTexture}
}

func newTestAdapter(t *testing.T, f Fetcher, rep engine.Reporter, mutate func(*Config)) *Adapter {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg, f, rep, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// drainUntil drains until n callbacks ran or the deadline passes.
func drainUntil(t *testing.T, a *Adapter, n int) {
	t.Helper()
	total := 0
	require.Eventually(t, func() bool {
		total += a.Drain()
		return total >= n
	}, 2*time.Second, time.Millisecond)
}

func TestLoadSuccessAppliedOnDrain(t *testing.T) {
	fsys := fstest.MapFS{"textures/wall.png": {Data: []byte("png")}}
	a := newTestAdapter(t, NewFSFetcher(fsys), nil, nil)

	var got []Resource
	h, err := a.Load(context.Background(), Request{
		Owner:      "p1",
		Descriptor: texture("file:///textures/wall.png"),
		OnLoad:     func(r Resource) { got = append(got, r) },
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", h.Owner())

	// Nothing is applied until the frame loop drains.
	require.Eventually(t, func() bool { return a.Queued() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, got)

	assert.Equal(t, 1, a.Drain())
	require.Len(t, got, 1)
	assert.Equal(t, []byte("png"), got[0].Data)
	assert.False(t, got[0].Placeholder)
	assert.True(t, h.Done())
	assert.Equal(t, 0, a.Pending())
}

func TestLoadRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	f := FetcherFunc(func(context.Context, engine.ResourceDescriptor) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	})
	a := newTestAdapter(t, f, nil, nil)

	var loaded atomic.Bool
	_, err := a.Load(context.Background(), Request{
		Descriptor: texture("a.png"),
		OnLoad:     func(Resource) { loaded.Store(true) },
		OnError:    func(error) { t.Error("OnError should not run after a successful retry") },
	})
	require.NoError(t, err)

	drainUntil(t, a, 1)
	assert.True(t, loaded.Load())
	assert.Equal(t, int32(2), calls.Load())
}

func TestLoadFailureSurfacesWithPlaceholder(t *testing.T) {
	var calls atomic.Int32
	f := FetcherFunc(func(context.Context, engine.ResourceDescriptor) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("404")
	})
	rep := &recordingReporter{}
	a := newTestAdapter(t, f, rep, func(c *Config) {
		c.Placeholders = map[engine.ResourceKind][]byte{engine.ResourceKindTexture: []byte("checker")}
	})

	var order []string
	var loadErr error
	var placeholder Resource
	_, err := a.Load(context.Background(), Request{
		Owner:      "p1",
		Descriptor: texture("missing.png"),
		OnError: func(err error) {
			order = append(order, "error")
			loadErr = err
		},
		OnLoad: func(r Resource) {
			order = append(order, "load")
			placeholder = r
		},
	})
	require.NoError(t, err)

	drainUntil(t, a, 1)
	assert.Equal(t, int32(2), calls.Load(), "one attempt plus one retry")
	assert.Equal(t, []string{"error", "load"}, order)
	assert.True(t, engine.IsResourceLoadFailed(loadErr))
	assert.True(t, placeholder.Placeholder)
	assert.Equal(t, []byte("checker"), placeholder.Data)
	assert.Equal(t, 1, rep.count())
}

func blockingFetcher(release <-chan struct{}) Fetcher {
	return FetcherFunc(func(ctx context.Context, desc engine.ResourceDescriptor) ([]byte, error) {
		select {
		case <-release:
			return []byte(desc.URL), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func TestLoadsBeyondWorkersWaitForAWorker(t *testing.T) {
	release := make(chan struct{})
	a := newTestAdapter(t, blockingFetcher(release), nil, func(c *Config) { c.Workers = 2 })

	var mu sync.Mutex
	var loaded []string
	for _, url := range []string{"a.png", "b.png", "c.png", "d.png", "e.png"} {
		_, err := a.Load(context.Background(), Request{
			Descriptor: texture(url),
			OnLoad: func(r Resource) {
				mu.Lock()
				loaded = append(loaded, r.Descriptor.URL)
				mu.Unlock()
			},
			OnError: func(err error) { t.Errorf("unexpected load error: %v", err) },
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 5, a.Pending())

	close(release)
	drainUntil(t, a, 5)
	assert.ElementsMatch(t, []string{"a.png", "b.png", "c.png", "d.png", "e.png"}, loaded)
	assert.Equal(t, 0, a.Pending())
}

func TestLoadPastBacklogFailsWithPlaceholder(t *testing.T) {
	release := make(chan struct{})
	rep := &recordingReporter{}
	a := newTestAdapter(t, blockingFetcher(release), rep, func(c *Config) {
		c.Workers = 1
		c.Backlog = 1
		c.Placeholders = map[engine.ResourceKind][]byte{engine.ResourceKindTexture: []byte("checker")}
	})

	var mu sync.Mutex
	var errs []error
	var placeholders, real int
	for _, url := range []string{"a.png", "b.png", "c.png"} {
		_, err := a.Load(context.Background(), Request{
			Descriptor: texture(url),
			OnLoad: func(r Resource) {
				mu.Lock()
				defer mu.Unlock()
				if r.Placeholder {
					placeholders++
				} else {
					real++
				}
			},
			OnError: func(err error) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			},
		})
		require.NoError(t, err, "Load must not fail synchronously")
	}

	// The overflow surfaces while the other two are still fetching.
	drainUntil(t, a, 1)
	require.Len(t, errs, 1)
	assert.True(t, engine.IsResourceLoadFailed(errs[0]))
	assert.Equal(t, 1, placeholders)
	assert.Equal(t, 1, rep.count())

	close(release)
	drainUntil(t, a, 2)
	assert.Equal(t, 2, real)
	assert.Len(t, errs, 1)
}

func TestCancelledLoadNeverMutatesScene(t *testing.T) {
	release := make(chan struct{})
	// The fetcher ignores ctx and resolves successfully after release.
	f := FetcherFunc(func(context.Context, engine.ResourceDescriptor) ([]byte, error) {
		<-release
		return []byte("late"), nil
	})
	a := newTestAdapter(t, f, nil, nil)
	sm := scene.NewManager(nil, nil)

	called := false
	h, err := a.Load(context.Background(), Request{
		Owner:      "p1",
		Descriptor: texture("slow.png"),
		OnLoad: func(Resource) {
			called = true
			_, _ = sm.CreateAnchor("p1", "from-load", xform.Identity())
		},
	})
	require.NoError(t, err)

	assert.True(t, a.Cancel(h))
	assert.False(t, a.Cancel(h), "second cancel is a no-op")
	assert.Equal(t, 0, a.Pending())

	close(release)
	require.Eventually(t, func() bool { return a.Queued() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 0, a.Drain())
	assert.False(t, called)
	assert.Equal(t, 0, sm.Len())
	assert.True(t, h.Done())
}

func TestCancelOwner(t *testing.T) {
	block := make(chan struct{})
	f := FetcherFunc(func(ctx context.Context, _ engine.ResourceDescriptor) ([]byte, error) {
		select {
		case <-block:
			return []byte("x"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	a := newTestAdapter(t, f, nil, nil)
	defer close(block)

	for _, owner := range []string{"p1", "p1", "p2"} {
		_, err := a.Load(context.Background(), Request{Owner: owner, Descriptor: texture("x.png")})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, a.Pending())

	assert.Equal(t, 2, a.CancelOwner("p1"))
	assert.Equal(t, 1, a.Pending())
	assert.Equal(t, 1, a.CancelAll())
	assert.Equal(t, 0, a.Pending())
}

func TestLoadValidatesDescriptor(t *testing.T) {
	a := newTestAdapter(t, NewFSFetcher(fstest.MapFS{}), nil, nil)

	tests := []struct {
		name string
		desc engine.ResourceDescriptor
	}{
		{"missing url", engine.ResourceDescriptor{Kind: engine.ResourceKindAudio}},
		{"missing kind", engine.ResourceDescriptor{URL: "a.ogg"}},
		{"unknown kind", engine.ResourceDescriptor{URL: "a.obj", Kind: "mesh"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Load(context.Background(), Request{Descriptor: tt.desc})
			require.Error(t, err)
			assert.True(t, engine.IsResourceLoadFailed(err))
		})
	}
}

func TestLoadAfterClose(t *testing.T) {
	a := newTestAdapter(t, NewFSFetcher(fstest.MapFS{}), nil, nil)
	require.NoError(t, a.Close())

	_, err := a.Load(context.Background(), Request{Descriptor: texture("a.png")})
	assert.True(t, engine.IsSessionInactive(err))
	assert.Equal(t, 0, a.Drain())
}

func TestCallbackPanicIsReported(t *testing.T) {
	fsys := fstest.MapFS{"a.png": {Data: []byte("a")}}
	rep := &recordingReporter{}
	a := newTestAdapter(t, NewFSFetcher(fsys), rep, nil)

	_, err := a.Load(context.Background(), Request{
		Owner:      "p1",
		Descriptor: texture("a.png"),
		OnLoad:     func(Resource) { panic("bad callback") },
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() { drainUntil(t, a, 1) })
	require.Equal(t, 1, rep.count())
	assert.True(t, engine.IsPluginRuntime(rep.errs[0]))
}

func TestOwnerLoader(t *testing.T) {
	fsys := fstest.MapFS{"a.png": {Data: []byte("a")}}
	a := newTestAdapter(t, NewFSFetcher(fsys), nil, nil)

	p1 := a.ForOwner("p1")
	p2 := a.ForOwner("p2")

	h, err := p1.Load(context.Background(), texture("a.png"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", h.Owner())
	assert.False(t, p2.Cancel(h), "cannot cancel another owner's handle")
}
