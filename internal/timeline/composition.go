package timeline

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/heimdex/heimdex-render/internal/chromakey"
	"github.com/heimdex/heimdex-render/internal/shader"
)

const (
	DefaultWidth      = 1280
	DefaultHeight     = 720
	DefaultFPS        = 30.0
	DefaultBackground = "#000000"
)

// Seconds is a duration in JSON given either as a number of seconds or as a
// Go duration string such as "1.5s".
type Seconds time.Duration

func (s *Seconds) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		str, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		d, err := time.ParseDuration(str)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", str, err)
		}
		*s = Seconds(d)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*s = Seconds(f * float64(time.Second))
	return nil
}

func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(s).Seconds())
}

func (s Seconds) D() time.Duration { return time.Duration(s) }

// Composition is the JSON description of a timeline.
type Composition struct {
	Settings    Settings         `json:"settings"`
	Tracks      []TrackSpec      `json:"tracks"`
	Transitions []TransitionSpec `json:"transitions,omitempty"`
}

type Settings struct {
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	Background string  `json:"background,omitempty"`
	Duration   Seconds `json:"duration,omitempty"`
}

type TrackSpec struct {
	Kind  Kind       `json:"kind"`
	Clips []ClipSpec `json:"clips"`
}

// Span is an alternative way to give a clip's timeline range.
type Span struct {
	From Seconds `json:"from"`
	To   Seconds `json:"to"`
}

type Trim struct {
	Start Seconds `json:"start"`
}

type ClipSpec struct {
	ID            string             `json:"id"`
	Source        Source             `json:"source"`
	Start         Seconds            `json:"start"`
	End           Seconds            `json:"end"`
	Display       *Span              `json:"display,omitempty"`
	SourceOffset  Seconds            `json:"sourceOffset,omitempty"`
	Trim          *Trim              `json:"trim,omitempty"`
	PlaybackRate  float64            `json:"playbackRate,omitempty"`
	Effects       []EffectSpec       `json:"effects,omitempty"`
	TransitionIn  *TransitionRefSpec `json:"transitionIn,omitempty"`
	TransitionOut *TransitionRefSpec `json:"transitionOut,omitempty"`
	Chromakey     *chromakey.Spec    `json:"chromakey,omitempty"`
	Layout        *Layout            `json:"layout,omitempty"`
	Muted         bool               `json:"muted,omitempty"`
}

type EffectSpec struct {
	Name     string         `json:"name"`
	Params   map[string]any `json:"params,omitempty"`
	Start    Seconds        `json:"start,omitempty"`
	Duration Seconds        `json:"duration,omitempty"`
}

type TransitionRefSpec struct {
	Name     string         `json:"name"`
	Duration Seconds        `json:"duration"`
	Params   map[string]any `json:"params,omitempty"`
}

// TransitionSpec declares a transition between two clips by id. It becomes
// the incoming transition of the To clip.
type TransitionSpec struct {
	From     string         `json:"from"`
	To       string         `json:"to"`
	Name     string         `json:"name"`
	Duration Seconds        `json:"duration"`
	Params   map[string]any `json:"params,omitempty"`
}

// DecodeComposition reads a composition. Unknown fields are ignored.
func DecodeComposition(r io.Reader) (*Composition, error) {
	var c Composition
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode composition: %w", err)
	}
	return &c, nil
}

func (r *TransitionRefSpec) ref() *TransitionRef {
	if r == nil {
		return nil
	}
	return &TransitionRef{Name: r.Name, Duration: r.Duration.D(), Params: r.Params}
}

// Clip converts the spec for the given track.
func (cs *ClipSpec) Clip(track int) Clip {
	c := Clip{
		ID:            cs.ID,
		Source:        cs.Source,
		Track:         track,
		Start:         cs.Start.D(),
		End:           cs.End.D(),
		SourceOffset:  cs.SourceOffset.D(),
		Rate:          cs.PlaybackRate,
		TransitionIn:  cs.TransitionIn.ref(),
		TransitionOut: cs.TransitionOut.ref(),
		Chromakey:     cs.Chromakey,
		Muted:         cs.Muted,
	}
	if cs.Display != nil {
		c.Start, c.End = cs.Display.From.D(), cs.Display.To.D()
	}
	if cs.Trim != nil && c.SourceOffset == 0 {
		c.SourceOffset = cs.Trim.Start.D()
	}
	if cs.Layout != nil {
		c.Layout = *cs.Layout
	}
	for _, e := range cs.Effects {
		c.Effects = append(c.Effects, EffectRef{
			Name:     e.Name,
			Params:   e.Params,
			Start:    e.Start.D(),
			Duration: e.Duration.D(),
		})
	}
	return c
}

// Build validates the composition and returns a populated timeline.
func (c *Composition) Build() (*Timeline, error) {
	st := c.Settings
	if st.Width == 0 {
		st.Width = DefaultWidth
	}
	if st.Height == 0 {
		st.Height = DefaultHeight
	}
	if st.FPS == 0 {
		st.FPS = DefaultFPS
	}
	if st.Background == "" {
		st.Background = DefaultBackground
	}
	if st.Width < 0 || st.Height < 0 || st.FPS < 0 {
		return nil, fmt.Errorf("composition: invalid settings %dx%d@%v", st.Width, st.Height, st.FPS)
	}
	if _, err := shader.ParseHex(st.Background); err != nil {
		return nil, fmt.Errorf("composition: background: %w", err)
	}

	tl := New(st.Width, st.Height, st.FPS)
	tl.SetBackground(st.Background)
	tl.SetDuration(st.Duration.D())

	clips := make(map[string]*Clip)
	var order []*Clip
	for _, ts := range c.Tracks {
		kind := ts.Kind
		if kind == "" {
			kind = KindVideo
		}
		if kind != KindVideo && kind != KindAudio {
			return nil, fmt.Errorf("composition: unknown track kind %q", ts.Kind)
		}
		ti := tl.AddTrack(kind)
		for i := range ts.Clips {
			clip := ts.Clips[i].Clip(ti)
			if _, dup := clips[clip.ID]; dup {
				return nil, fmt.Errorf("composition: %w: %q", ErrDuplicateClip, clip.ID)
			}
			clips[clip.ID] = &clip
			order = append(order, &clip)
		}
	}

	for _, tr := range c.Transitions {
		from, ok := clips[tr.From]
		if !ok {
			return nil, fmt.Errorf("composition: transition %q: %w: %q", tr.Name, ErrClipNotFound, tr.From)
		}
		to, ok := clips[tr.To]
		if !ok {
			return nil, fmt.Errorf("composition: transition %q: %w: %q", tr.Name, ErrClipNotFound, tr.To)
		}
		if from.Track != to.Track {
			return nil, fmt.Errorf("composition: transition %q: %w: clips are on different tracks",
				tr.Name, ErrInvalidTransition)
		}
		to.TransitionIn = &TransitionRef{Name: tr.Name, Duration: tr.Duration.D(), Params: tr.Params}
	}

	for _, clip := range order {
		if err := tl.InsertClip(*clip); err != nil {
			return nil, fmt.Errorf("composition: %w", err)
		}
	}
	return tl, nil
}
