// Package timeline holds the track and clip graph of a composition and answers
// which clips make up the frame at a given time.
package timeline

import (
	"maps"
	"slices"
	"time"

	"github.com/heimdex/heimdex-render/internal/chromakey"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// SourceType names what a clip draws from.
type SourceType string

const (
	SourceVideo     SourceType = "video"
	SourceImage     SourceType = "image"
	SourceAudio     SourceType = "audio"
	SourceColor     SourceType = "color"
	SourceText      SourceType = "text"
	SourceSubtitles SourceType = "subtitles"
)

// Visual reports whether the source produces frames.
func (s SourceType) Visual() bool {
	return s != SourceAudio
}

// Audible reports whether the source can carry sound.
func (s SourceType) Audible() bool {
	return s == SourceAudio || s == SourceVideo
}

// Source references the media a clip plays. Src is a local path or http(s)
// URL; Color and Text serve the generated kinds.
type Source struct {
	Type  SourceType `json:"type"`
	Src   string     `json:"src,omitempty"`
	Color string     `json:"color,omitempty"`
	Text  string     `json:"text,omitempty"`
	Style *TextStyle `json:"style,omitempty"`
}

// TextStyle controls text and subtitle rendering.
type TextStyle struct {
	Font       string  `json:"font,omitempty"`
	Size       float64 `json:"size,omitempty"`
	Color      string  `json:"color,omitempty"`
	Background string  `json:"background,omitempty"`
	Position   string  `json:"position,omitempty"` // top, center or bottom
}

// Fit controls how a frame is scaled into its layout box.
type Fit string

const (
	FitContain Fit = "contain"
	FitCover   Fit = "cover"
	FitFill    Fit = "fill"
)

// Layout places a clip on the canvas. A zero Width or Height means the full
// canvas.
type Layout struct {
	X       float64  `json:"x,omitempty"`
	Y       float64  `json:"y,omitempty"`
	Width   float64  `json:"width,omitempty"`
	Height  float64  `json:"height,omitempty"`
	Opacity *float64 `json:"opacity,omitempty"`
	Fit     Fit      `json:"fit,omitempty"`
	FlipX   bool     `json:"flipX,omitempty"`
	FlipY   bool     `json:"flipY,omitempty"`
}

// Alpha returns the layer opacity, 1 when unset.
func (l Layout) Alpha() float64 {
	if l.Opacity == nil {
		return 1
	}
	return *l.Opacity
}

// Box returns the destination rectangle on a canvas of the given size.
func (l Layout) Box(canvasW, canvasH int) (x, y, w, h float64) {
	w, h = l.Width, l.Height
	if w <= 0 || h <= 0 {
		return 0, 0, float64(canvasW), float64(canvasH)
	}
	return l.X, l.Y, w, h
}

// EffectRef applies a named effect to part of a clip. Start is relative to the
// clip start; a zero Duration runs to the end of the clip.
type EffectRef struct {
	Name     string         `json:"name"`
	Params   map[string]any `json:"params,omitempty"`
	Start    time.Duration  `json:"start,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
}

// TransitionRef declares a transition on a clip boundary.
type TransitionRef struct {
	Name     string         `json:"name"`
	Duration time.Duration  `json:"duration"`
	Params   map[string]any `json:"params,omitempty"`
}

// Clip places one source on a track over [Start, End).
type Clip struct {
	ID            string          `json:"id"`
	Source        Source          `json:"source"`
	Track         int             `json:"track"`
	Start         time.Duration   `json:"start"`
	End           time.Duration   `json:"end"`
	SourceOffset  time.Duration   `json:"sourceOffset,omitempty"`
	Rate          float64         `json:"rate,omitempty"`
	Effects       []EffectRef     `json:"effects,omitempty"`
	TransitionIn  *TransitionRef  `json:"transitionIn,omitempty"`
	TransitionOut *TransitionRef  `json:"transitionOut,omitempty"`
	Chromakey     *chromakey.Spec `json:"chromakey,omitempty"`
	Layout        Layout          `json:"layout"`
	Muted         bool            `json:"muted,omitempty"`
}

func (c *Clip) Duration() time.Duration {
	return c.End - c.Start
}

// Contains reports whether t falls in [Start, End).
func (c *Clip) Contains(t time.Duration) bool {
	return t >= c.Start && t < c.End
}

// LocalTime maps timeline time to source time. Times before the clip start
// map to the source offset.
func (c *Clip) LocalTime(t time.Duration) time.Duration {
	if t < c.Start {
		return c.SourceOffset
	}
	return c.SourceOffset + scale(t-c.Start, c.rate())
}

// SourceDuration is the length of source media the clip consumes.
func (c *Clip) SourceDuration() time.Duration {
	return scale(c.Duration(), c.rate())
}

func (c *Clip) rate() float64 {
	if c.Rate <= 0 {
		return 1
	}
	return c.Rate
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}

func (c Clip) clone() Clip {
	out := c
	if c.Source.Style != nil {
		s := *c.Source.Style
		out.Source.Style = &s
	}
	out.Effects = slices.Clone(c.Effects)
	for i := range out.Effects {
		out.Effects[i].Params = maps.Clone(out.Effects[i].Params)
	}
	out.TransitionIn = c.TransitionIn.clone()
	out.TransitionOut = c.TransitionOut.clone()
	if c.Chromakey != nil {
		k := *c.Chromakey
		out.Chromakey = &k
	}
	if c.Layout.Opacity != nil {
		o := *c.Layout.Opacity
		out.Layout.Opacity = &o
	}
	return out
}

func (r *TransitionRef) clone() *TransitionRef {
	if r == nil {
		return nil
	}
	out := *r
	out.Params = maps.Clone(r.Params)
	return &out
}
