package posetrace

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/arkit/pkg/engine"
)

// Replayer plays a Trace to its subscribers. Its clock only advances while
// Run steps through the trace, so sessions using Now see trace time.
type Replayer struct {
	trace *Trace
	start time.Time
	speed float64

	mu     sync.Mutex
	now    time.Time
	nextID int
	subs   map[int]func(engine.Pose)
}

var _ engine.PoseProvider = (*Replayer)(nil)

// ReplayOption configures a Replayer.
type ReplayOption func(*Replayer)

// WithSpeed paces the replay against the wall clock: 1 is real time, 2 is
// twice as fast. Zero, the default, replays as fast as possible.
func WithSpeed(speed float64) ReplayOption {
	return func(r *Replayer) { r.speed = speed }
}

// WithStart sets the virtual time of the first frame.
func WithStart(t time.Time) ReplayOption {
	return func(r *Replayer) { r.start = t }
}

// NewReplayer creates a replayer for t.
func NewReplayer(t *Trace, opts ...ReplayOption) *Replayer {
	r := &Replayer{
		trace: t,
		start: time.Unix(0, 0).UTC(),
		subs:  make(map[int]func(engine.Pose)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.now = r.start
	return r
}

// Subscribe implements engine.PoseProvider.
func (r *Replayer) Subscribe(fn func(engine.Pose)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}, nil
}

// Now returns the current virtual time.
func (r *Replayer) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

// Run steps the virtual clock by the trace's frame interval from the first
// to the last sample. At each step it emits the samples that fell due and
// then calls tick with the step's time. It returns ctx.Err() if cancelled.
func (r *Replayer) Run(ctx context.Context, tick func(now time.Time)) error {
	step := r.trace.FrameInterval
	end := r.trace.Duration()
	samples := r.trace.Samples
	next := 0

	for offset := time.Duration(0); ; offset += step {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		r.now = r.start.Add(offset)
		now := r.now
		r.mu.Unlock()

		for next < len(samples) && samples[next].At <= offset {
			r.emit(samples[next].Pose(r.start))
			next++
		}
		if tick != nil {
			tick(now)
		}

		if offset >= end {
			return nil
		}
		if r.speed > 0 {
			timer := time.NewTimer(time.Duration(float64(step) / r.speed))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (r *Replayer) emit(p engine.Pose) {
	r.mu.Lock()
	fns := make([]func(engine.Pose), 0, len(r.subs))
	for id := 0; id < r.nextID; id++ {
		if fn, ok := r.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}
