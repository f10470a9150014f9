// Package posetrace reads recorded pose traces and replays them as an
// engine.PoseProvider on a virtual clock.
//
// A trace file looks like:
//
//	name: walk-around
//	frame_interval: 16ms
//	samples:
//	  - at: 0s
//	    position: [0, 1.6, 0]
//	    confidence: 0.9
//	  - at: 100ms
//	    position: [0.1, 1.6, 0]
//	    orientation: [0.996, 0, 0.087, 0]   # w, x, y, z
//	    confidence: 0.95
package posetrace

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/arkit/pkg/engine"
)

// DefaultFrameInterval is the replay step when the trace sets none.
const DefaultFrameInterval = 16 * time.Millisecond

// Trace is a recorded sequence of poses.
type Trace struct {
	Name          string        `yaml:"name"`
	FrameInterval time.Duration `yaml:"frame_interval" validate:"gte=0"`
	Samples       []Sample      `yaml:"samples" validate:"required,min=1,dive"`
}

// Sample is one recorded pose at an offset from the start of the trace.
type Sample struct {
	At          time.Duration `yaml:"at" validate:"gte=0"`
	Position    [3]float64    `yaml:"position"`
	Orientation *[4]float64   `yaml:"orientation,omitempty"`
	Confidence  float64       `yaml:"confidence" validate:"gte=0,lte=1"`
}

// Load reads and validates a trace file.
func Load(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse decodes and validates a trace. Samples are sorted by offset.
func Parse(data []byte) (*Trace, error) {
	var t Trace
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse trace: %w", err)
	}
	if err := validator.New().Struct(t); err != nil {
		return nil, fmt.Errorf("invalid trace: %w", err)
	}
	if t.FrameInterval == 0 {
		t.FrameInterval = DefaultFrameInterval
	}
	sort.SliceStable(t.Samples, func(i, j int) bool { return t.Samples[i].At < t.Samples[j].At })
	return &t, nil
}

// Duration is the offset of the last sample.
func (t *Trace) Duration() time.Duration {
	return t.Samples[len(t.Samples)-1].At
}

// Pose converts the sample to a pose stamped at start + At.
func (s Sample) Pose(start time.Time) engine.Pose {
	q := mgl64.QuatIdent()
	if o := s.Orientation; o != nil {
		q = mgl64.Quat{W: o[0], V: mgl64.Vec3{o[1], o[2], o[3]}}.Normalize()
	}
	return engine.Pose{
		Position:    mgl64.Vec3{s.Position[0], s.Position[1], s.Position[2]},
		Orientation: q,
		Confidence:  s.Confidence,
		Timestamp:   start.Add(s.At),
	}
}
