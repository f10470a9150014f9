package wasm

import (
	"github.com/openfroyo/arkit/pkg/engine"
)

// MountInput is the JSON passed to plugin_mount.
type MountInput struct {
	ID           string              `json:"id"`
	Capabilities []engine.Capability `json:"capabilities"`
	Config       map[string]string   `json:"config,omitempty"`
}

// PoseInput is the pose as seen by a wasm plugin.
type PoseInput struct {
	Position    [3]float64 `json:"position"`
	Orientation [4]float64 `json:"orientation"` // w, x, y, z
	Confidence  float64    `json:"confidence"`
	Timestamp   int64      `json:"timestamp_ms"`
}

// LoadResult reports a finished load requested with a "load" command.
type LoadResult struct {
	Ref         string `json:"ref,omitempty"`
	URL         string `json:"url"`
	Kind        string `json:"kind"`
	Size        int    `json:"size"`
	Placeholder bool   `json:"placeholder,omitempty"`
	Error       string `json:"error,omitempty"`
}

// UpdateInput is the JSON passed to plugin_update.
type UpdateInput struct {
	Pose PoseInput `json:"pose"`
	DtMS float64   `json:"dt_ms"`

	// Anchors maps each anchor ref the plugin created to its world position.
	Anchors map[string][3]float64 `json:"anchors,omitempty"`

	// Loaded lists loads that finished since the previous update.
	Loaded []LoadResult `json:"loaded,omitempty"`
}

// Response is what every lifecycle export returns. An empty output is an
// empty response.
type Response struct {
	Error    string    `json:"error,omitempty"`
	Commands []Command `json:"commands,omitempty"`
}

// Command is a host action requested by the plugin.
//
//	create_anchor: Ref, Name, Position
//	remove_anchor: Ref
//	play_cue:      URL, Position or Follow (anchor ref), Loop, Ambient
//	stop_cues:     Loop (true stops looping cues too)
//	load:          Ref, URL, Kind
//	log:           Message
type Command struct {
	Op       string      `json:"op"`
	Ref      string      `json:"ref,omitempty"`
	Name     string      `json:"name,omitempty"`
	Position *[3]float64 `json:"position,omitempty"`
	URL      string      `json:"url,omitempty"`
	Kind     string      `json:"kind,omitempty"`
	Follow   string      `json:"follow,omitempty"`
	Loop     bool        `json:"loop,omitempty"`
	Ambient  bool        `json:"ambient,omitempty"`
	Message  string      `json:"message,omitempty"`
}

func poseInput(p engine.Pose) PoseInput {
	q := p.Orientation
	in := PoseInput{
		Position:    [3]float64{p.Position[0], p.Position[1], p.Position[2]},
		Orientation: [4]float64{q.W, q.V[0], q.V[1], q.V[2]},
		Confidence:  p.Confidence,
	}
	if !p.Timestamp.IsZero() {
		in.Timestamp = p.Timestamp.UnixMilli()
	}
	return in
}
