// Package diagnostics routes engine errors to the presentation layer, logs and metrics.
package diagnostics

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/telemetry"
)

// Sink is the presentation-layer receiver; engine.DiagnosticsSink.
type Sink = engine.DiagnosticsSink

// Bridge implements engine.Reporter. Report never panics and buffers nothing:
// each diagnostic is forwarded synchronously to the sink, the log, the metrics
// and the event stream. Failures inside any of those are swallowed.
type Bridge struct {
	sink   Sink
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	mu     sync.Mutex
	counts map[string]int
}

var _ engine.Reporter = (*Bridge)(nil)

// NewBridge creates a bridge forwarding to sink. sink and tel may be nil.
func NewBridge(sink Sink, tel *telemetry.Telemetry) *Bridge {
	tel = telemetry.OrNop(tel)
	return &Bridge{
		sink:   sink,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("diagnostics"),
		counts: make(map[string]int),
	}
}

// Report forwards err as a diagnostic from origin. A nil err is ignored.
func (b *Bridge) Report(origin string, err error) {
	if b == nil || err == nil {
		return
	}
	defer func() { _ = recover() }()

	kind := engine.KindOf(err)
	fatal := engine.IsFatal(err)
	message := err.Error()

	b.mu.Lock()
	b.counts[origin]++
	b.mu.Unlock()

	b.log(origin, kind, fatal, err)
	b.tel.Metrics.RecordDiagnostic(string(kind), fatal)
	_ = b.tel.Events.PublishDiagnostic(origin, string(kind), message, fatal)
	b.forward(origin, message, fatal)
}

// Reportf formats a message and reports it as a non-fatal diagnostic.
func (b *Bridge) Reportf(origin, format string, args ...interface{}) {
	b.Report(origin, fmt.Errorf(format, args...))
}

// Count returns how many diagnostics origin has reported.
func (b *Bridge) Count(origin string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[origin]
}

// Total returns how many diagnostics have been reported from every origin.
func (b *Bridge) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.counts {
		n += c
	}
	return n
}

func (b *Bridge) log(origin string, kind engine.ErrorKind, fatal bool, err error) {
	defer func() { _ = recover() }()
	l := b.logger.WithFields(map[string]interface{}{
		"origin": origin,
		"kind":   string(kind),
		"fatal":  fatal,
	}).WithError(err)
	if fatal {
		l.Error("fatal diagnostic")
		return
	}
	l.Warn("diagnostic")
}

func (b *Bridge) forward(origin, message string, fatal bool) {
	if b.sink == nil {
		return
	}
	defer func() { _ = recover() }()
	b.sink.Report(origin, message, fatal)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(origin, message string, isFatal bool)

// Report calls f.
func (f SinkFunc) Report(origin, message string, isFatal bool) {
	f(origin, message, isFatal)
}

// MultiSink fans a diagnostic out to several sinks. A panicking sink does not
// prevent delivery to the others.
type MultiSink []Sink

// Report forwards to every sink.
func (m MultiSink) Report(origin, message string, isFatal bool) {
	for _, s := range m {
		if s == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			s.Report(origin, message, isFatal)
		}()
	}
}

// LogSink writes diagnostics to a zerolog logger, standing in for a toast UI.
type LogSink struct {
	Logger zerolog.Logger
}

// Report logs the diagnostic.
func (s LogSink) Report(origin, message string, isFatal bool) {
	ev := s.Logger.Warn()
	if isFatal {
		ev = s.Logger.Error()
	}
	ev.Str("origin", origin).Bool("fatal", isFatal).Msg(message)
}
