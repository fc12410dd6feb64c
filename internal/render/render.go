// Package render drives a headless export: it walks a timeline frame by frame,
// composites every visible layer and feeds the result to an encoder.
package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/heimdex/heimdex-render/internal/timeline"
)

// ErrCancelled is the cause of every export stopped by its caller or by the
// render timeout.
var ErrCancelled = errors.New("render cancelled")

// Phase is a state of an export.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseLoading      Phase = "loading"
	PhaseRendering    Phase = "rendering"
	PhaseSaving       Phase = "saving"
	PhaseComplete     Phase = "complete"
	PhaseFailed       Phase = "failed"
)

// Progress is a point-in-time report. Value never decreases during an export.
type Progress struct {
	Value   float64 `json:"progress"`
	Phase   Phase   `json:"phase"`
	Message string  `json:"message,omitempty"`
	Frame   int     `json:"frame,omitempty"`
	Frames  int     `json:"frames,omitempty"`
}

// EventType distinguishes export events.
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is delivered to observers. OutputPath is set on complete, Err on
// error. The progress fields encode inline.
type Event struct {
	Type EventType `json:"type"`
	Progress
	OutputPath string `json:"outputPath,omitempty"`
	Err        error  `json:"-"`
}

// Error reports the phase an export failed in.
type Error struct {
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("render failed while %s: %v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options tune a single export.
type Options struct {
	Headless bool             `json:"headless"`
	Timeout  timeline.Seconds `json:"timeout,omitempty"`
	// CRF overrides the encoder's default quality.
	CRF int `json:"crf,omitempty"`
}

// Config selects what to render and where. Exactly one of Timeline,
// Composition and CompositionPath is used, in that order.
type Config struct {
	Composition     *timeline.Composition `json:"composition,omitempty"`
	CompositionPath string                `json:"compositionPath,omitempty"`
	OutputPath      string                `json:"outputPath"`
	// BaseDir resolves relative source paths. It defaults to the directory of
	// CompositionPath.
	BaseDir string  `json:"baseDir,omitempty"`
	Options Options `json:"options"`

	Timeline *timeline.Timeline `json:"-"`
}

// DecodeConfig reads a JSON render configuration. Unknown fields are ignored.
func DecodeConfig(r io.Reader) (*Config, error) {
	var cfg Config
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode render config: %w", err)
	}
	return &cfg, nil
}

// Observer receives every event of a synchronous export.
type Observer func(Event)

// tracker keeps progress monotonic and remembers the current phase.
type tracker struct {
	obs    Observer
	phase  Phase
	value  float64
	frames int
}

func (t *tracker) emit(phase Phase, value float64, msg string, frame int) {
	t.phase = phase
	t.value = max(t.value, min(value, 1))
	if t.obs == nil {
		return
	}
	t.obs(Event{Type: EventProgress, Progress: Progress{
		Value:   t.value,
		Phase:   phase,
		Message: msg,
		Frame:   frame,
		Frames:  t.frames,
	}})
}

func (t *tracker) complete(path string) {
	t.phase = PhaseComplete
	t.value = 1
	if t.obs != nil {
		t.obs(Event{Type: EventComplete, OutputPath: path, Progress: Progress{Value: 1, Phase: PhaseComplete, Frames: t.frames}})
	}
}

func (t *tracker) fail(err error) {
	if t.obs != nil {
		t.obs(Event{Type: EventError, Err: err, Progress: Progress{Value: t.value, Phase: PhaseFailed, Message: err.Error(), Frames: t.frames}})
	}
}

// Export is a render started with Start.
type Export struct {
	id     string
	events chan Event
	cancel func()
	done   chan struct{}
	path   string
	err    error

	mu        sync.Mutex
	queue     []queued
	lastPhase Phase
	ended     bool
	wake      chan struct{}
}

// queued is an event waiting for the reader. The first event of a phase is
// never replaced.
type queued struct {
	ev      Event
	opening bool
}

func newExport(id string, cancel func()) *Export {
	e := &Export{
		id:     id,
		events: make(chan Event, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	go e.forward()
	return e
}

// ID identifies the export in logs and temp file names.
func (e *Export) ID() string { return e.id }

// Events delivers progress and exactly one complete or error event, then
// closes. A reader that falls behind sees every phase change and the latest
// frame count of each phase; intermediate frame ticks are merged. The channel
// must be drained to release the export.
func (e *Export) Events() <-chan Event { return e.events }

// Cancel stops the export. It is safe to call more than once.
func (e *Export) Cancel() { e.cancel() }

// Wait blocks until the export ends and returns the output path. Events may
// still be pending on the channel when it returns.
func (e *Export) Wait() (string, error) {
	<-e.done
	return e.path, e.err
}

const eventBuffer = 64

// push queues ev without blocking the render on a slow reader.
func (e *Export) push(ev Event) {
	e.mu.Lock()
	n := len(e.queue)
	if ev.Type == EventProgress && n > 0 && !e.queue[n-1].opening &&
		e.queue[n-1].ev.Type == EventProgress && e.queue[n-1].ev.Phase == ev.Phase {
		e.queue[n-1].ev = ev
	} else {
		e.queue = append(e.queue, queued{ev: ev, opening: ev.Phase != e.lastPhase})
	}
	e.lastPhase = ev.Phase
	e.mu.Unlock()
	e.signal()
}

// finish marks the end of the event stream.
func (e *Export) finish() {
	e.mu.Lock()
	e.ended = true
	e.mu.Unlock()
	e.signal()
}

func (e *Export) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// forward moves queued events to the channel in order and closes it after
// the last one.
func (e *Export) forward() {
	defer close(e.events)
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			ended := e.ended
			e.mu.Unlock()
			if ended {
				return
			}
			<-e.wake
			continue
		}
		next := e.queue[0].ev
		e.queue[0] = queued{}
		e.queue = e.queue[1:]
		e.mu.Unlock()
		e.events <- next
	}
}

func elapsed(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
