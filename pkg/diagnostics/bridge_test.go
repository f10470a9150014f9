package diagnostics

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/telemetry"
)

type report struct {
	origin  string
	message string
	fatal   bool
}

func recordingSink(out *[]report) SinkFunc {
	return func(origin, message string, isFatal bool) {
		*out = append(*out, report{origin, message, isFatal})
	}
}

func TestBridgeForwardsToSink(t *testing.T) {
	var got []report
	b := NewBridge(recordingSink(&got), nil)

	b.Report("compass", engine.NewPluginRuntimeError("compass", "update", errors.New("nil heading")))
	b.Report("session", engine.NewSessionStartError("no surface", nil))
	b.Report("ignored", nil)

	require.Len(t, got, 2)
	assert.Equal(t, "compass", got[0].origin)
	assert.Contains(t, got[0].message, "nil heading")
	assert.False(t, got[0].fatal)
	assert.True(t, got[1].fatal)
	assert.Equal(t, 1, b.Count("compass"))
	assert.Equal(t, 0, b.Count("ignored"))
}

func TestBridgeNeverPanics(t *testing.T) {
	b := NewBridge(SinkFunc(func(string, string, bool) { panic("toast crashed") }), nil)

	assert.NotPanics(t, func() {
		b.Report("p", errors.New("boom"))
	})

	var nilBridge *Bridge
	assert.NotPanics(t, func() {
		nilBridge.Report("p", errors.New("boom"))
	})
}

func TestBridgePublishesEvents(t *testing.T) {
	tel := telemetry.NewNop()
	events, err := telemetry.NewEventPublisher(telemetry.TestConfig().Events)
	require.NoError(t, err)
	tel.Events = events

	var kinds []interface{}
	events.Subscribe(func(e telemetry.Event) {
		kinds = append(kinds, e.Data["kind"])
	}, telemetry.FilterByType(telemetry.EventTypeDiagnostic))

	b := NewBridge(nil, tel)
	b.Report("loader", engine.NewResourceLoadError("a.png", errors.New("404")))

	assert.Equal(t, []interface{}{string(engine.ErrorKindResourceLoad)}, kinds)
}

func TestMultiSinkIsolatesPanics(t *testing.T) {
	var got []report
	m := MultiSink{
		SinkFunc(func(string, string, bool) { panic("first") }),
		nil,
		recordingSink(&got),
	}

	assert.NotPanics(t, func() { m.Report("p", "msg", false) })
	require.Len(t, got, 1)
	assert.Equal(t, "msg", got[0].message)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := LogSink{Logger: zerolog.New(&buf)}

	s.Report("compass", "heading unavailable", false)

	assert.Contains(t, buf.String(), `"origin":"compass"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "heading unavailable")
}
