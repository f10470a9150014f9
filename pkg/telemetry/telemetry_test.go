package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"development", func(c *Config) { *c = *DevelopmentConfig() }, false},
		{"missing service", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" }, true},
		{"zero buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordFrame(time.Millisecond)
	m.RecordTransition("searching", "tracking")
	m.RecordPluginUpdate("p", "ok", time.Millisecond)
	m.RecordPluginFailure("p", "update")
	m.RecordPluginDisabled("p")
	m.RecordResourceLoad("texture", "ok", time.Millisecond)
	m.RecordDiagnostic("", false)

	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}

	var nilMetrics *Metrics
	nilMetrics.RecordFrame(time.Millisecond)
}

func TestMetricsHandler(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true

	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordFrame(2 * time.Millisecond)
	m.RecordTransition("searching", "tracking")
	m.RecordPluginDisabled("compass")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"arkit_frames_processed_total 1",
		`arkit_session_transitions_total{from="searching",to="tracking"} 1`,
		`arkit_plugins_disabled_total{plugin="compass"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByLevel(EventLevelWarning))
	ep.Subscribe(func(Event) { panic("subscriber bug") }, nil)

	_ = ep.PublishTransition("s1", "searching", "tracking")
	_ = ep.PublishTransition("s1", "tracking", "lost")
	_ = ep.PublishPluginDisabled("p1", 3)

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != EventTypeSessionTransition || got[0].Level != EventLevelWarning {
		t.Errorf("unexpected first event: %+v", got[0])
	}
	if got[1].PluginID != "p1" || got[1].ID == "" {
		t.Errorf("unexpected second event: %+v", got[1])
	}
}

func TestEventPublisherAsyncShutdownDelivers(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, MaxBatchSize: 4, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 5; i++ {
		if err := ep.PublishPluginMounted("p"); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Errorf("expected 5 delivered events, got %d", count)
	}

	if err := ep.PublishPluginMounted("p"); err == nil {
		t.Error("expected error publishing after shutdown")
	}
}

func TestHealth(t *testing.T) {
	h := NewHealth()
	ready := false
	h.Register("session", func() error { return nil }, func() error {
		if !ready {
			return context.DeadlineExceeded
		}
		return nil
	})

	rec := httptest.NewRecorder()
	h.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("live status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want 503", rec.Code)
	}

	ready = true
	rec = httptest.NewRecorder()
	h.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready status = %d, want 200", rec.Code)
	}
}

func TestNopTelemetry(t *testing.T) {
	tel := OrNop(nil)
	tel.Logger.Info("discarded")
	tel.Metrics.RecordFrame(time.Millisecond)
	if err := tel.Events.PublishSessionStarted("s"); err != nil {
		t.Errorf("nop publish error = %v", err)
	}
	if srv := tel.StartServer(NewHealth()); srv != nil {
		t.Error("nop telemetry should not start a server")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
