// Package telemetry provides observability instrumentation for arkit.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), event publishing and health checks into a
// single bundle shared by the session, plugin registry, loader and diagnostics bridge.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	health := telemetry.NewHealth()
//	health.Register("session", ctrl.LivenessCheck, ctrl.ReadinessCheck)
//	if srv := tel.StartServer(health); srv != nil {
//	    defer srv.Close()
//	}
//
// Components that accept a *Telemetry treat nil as "no telemetry" via OrNop.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("plugins")
//	logger.WithPluginID("compass").WithError(err).Warn("update failed")
//
// Log levels: trace, debug, info, warn, error, fatal. Per-frame logs use debug or
// trace and can be sampled with Logging.EnableSampling.
//
// # Tracing
//
// The session lifetime is one span; plugin mounts and resource fetches are child
// spans. Exporters: stdout, otlp (gRPC) or none.
//
// # Metrics
//
// Disabled metrics turn every recorder into a no-op, so callers never branch:
//
//	tel.Metrics.RecordFrame(elapsed)
//	tel.Metrics.RecordPluginFailure("compass", "update")
//
// The metrics server also serves /live and /ready when given a Health handler.
//
// # Events
//
// The publisher emits session transitions, plugin disables, resource failures and
// diagnostics to in-process subscribers:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
