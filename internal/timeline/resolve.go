package timeline

import (
	"math"
	"time"
)

// Layer is one clip to composite for a frame.
type Layer struct {
	Track     int
	Clip      *Clip
	LocalTime time.Duration
	// Progress is how far t is through the clip, in [0,1].
	Progress   float64
	Effects    []AppliedEffect
	Transition *ActiveTransition
}

// AppliedEffect is an effect active at the resolved time. Progress runs from 0
// to 1 over the effect's span.
type AppliedEffect struct {
	Name     string
	Params   map[string]any
	Progress float64
}

// ActiveTransition is shared by the outgoing and incoming layers of a window.
type ActiveTransition struct {
	Name       string
	Params     map[string]any
	FromClipID string
	ToClipID   string
	Progress   float64
	Start      time.Duration
	End        time.Duration
}

type transitionWindow struct {
	start, end time.Duration
	ref        *TransitionRef
}

// window returns the transition window between p and its successor n. The
// incoming clip's declaration wins over the outgoing one. Clips separated by a
// gap have no window.
func window(p, n *Clip) (transitionWindow, bool) {
	ref := n.TransitionIn
	if ref == nil {
		ref = p.TransitionOut
	}
	if ref == nil || n.Start > p.End {
		return transitionWindow{}, false
	}
	return transitionWindow{start: p.End - ref.Duration, end: p.End, ref: ref}, true
}

func resolve(tracks []Track, t time.Duration) []Layer {
	var layers []Layer
	for ti := range tracks {
		if tracks[ti].Kind != KindVideo {
			continue
		}
		layers = append(layers, resolveTrack(ti, tracks[ti].Clips, t)...)
	}
	return layers
}

func resolveTrack(track int, clips []Clip, t time.Duration) []Layer {
	for i := 0; i+1 < len(clips); i++ {
		w, ok := window(&clips[i], &clips[i+1])
		if !ok || t < w.start || t >= w.end {
			continue
		}
		at := &ActiveTransition{
			Name:       w.ref.Name,
			Params:     w.ref.Params,
			FromClipID: clips[i].ID,
			ToClipID:   clips[i+1].ID,
			Progress:   fraction(t-w.start, w.end-w.start),
			Start:      w.start,
			End:        w.end,
		}
		return []Layer{
			layerAt(track, &clips[i], t, at),
			layerAt(track, &clips[i+1], t, at),
		}
	}
	for i := range clips {
		if clips[i].Contains(t) {
			return []Layer{layerAt(track, &clips[i], t, nil)}
		}
		if clips[i].Start > t {
			break
		}
	}
	return nil
}

func layerAt(track int, c *Clip, t time.Duration, at *ActiveTransition) Layer {
	rel := max(t-c.Start, 0)
	l := Layer{
		Track:      track,
		Clip:       c,
		LocalTime:  c.LocalTime(t),
		Progress:   fraction(rel, c.Duration()),
		Transition: at,
	}
	for _, e := range c.Effects {
		span := e.Duration
		if span == 0 {
			span = c.Duration() - e.Start
		}
		if span <= 0 || rel < e.Start || rel >= e.Start+span {
			continue
		}
		l.Effects = append(l.Effects, AppliedEffect{
			Name:     e.Name,
			Params:   e.Params,
			Progress: fraction(rel-e.Start, span),
		})
	}
	return l
}

func fraction(num, den time.Duration) float64 {
	if den <= 0 {
		return 0
	}
	return math.Max(0, math.Min(1, float64(num)/float64(den)))
}

// Snapshot is an immutable copy of a timeline taken for export. All methods
// are safe for concurrent use.
type Snapshot struct {
	Width      int
	Height     int
	FPS        float64
	Background string
	duration   time.Duration
	tracks     []Track
}

// ResolveFrame returns the layers visible at t, bottom to top. Inside a
// transition window the outgoing and incoming clips are both returned and
// share one ActiveTransition. Audio tracks contribute no layers.
func (s *Snapshot) ResolveFrame(t time.Duration) []Layer {
	return resolve(s.tracks, t)
}

// Duration is the fixed export length if one was set, otherwise the end of the
// last clip on any track.
func (s *Snapshot) Duration() time.Duration {
	if s.duration > 0 {
		return s.duration
	}
	var end time.Duration
	for _, tr := range s.tracks {
		for i := range tr.Clips {
			end = max(end, tr.Clips[i].End)
		}
	}
	return end
}

// FrameCount is the number of output frames covering Duration.
func (s *Snapshot) FrameCount() int {
	if s.FPS <= 0 {
		return 0
	}
	return int(math.Ceil(s.Duration().Seconds()*s.FPS - 1e-9))
}

// FrameTime is the timeline time of frame i.
func (s *Snapshot) FrameTime(i int) time.Duration {
	return time.Duration(float64(i) / s.FPS * float64(time.Second))
}

// Tracks returns the number of tracks.
func (s *Snapshot) Tracks() int {
	return len(s.tracks)
}

// Clips returns pointers to every clip on video tracks, ordered by track then
// start. The clips must not be modified.
func (s *Snapshot) Clips() []*Clip {
	return s.collect(func(tr *Track, c *Clip) bool { return tr.Kind == KindVideo })
}

// AudioClips returns every clip that contributes sound: clips on audio tracks
// and unmuted video sources on video tracks.
func (s *Snapshot) AudioClips() []*Clip {
	return s.collect(func(tr *Track, c *Clip) bool {
		return !c.Muted && c.Source.Type.Audible()
	})
}

func (s *Snapshot) collect(keep func(*Track, *Clip) bool) []*Clip {
	var out []*Clip
	for ti := range s.tracks {
		tr := &s.tracks[ti]
		for i := range tr.Clips {
			if keep(tr, &tr.Clips[i]) {
				out = append(out, &tr.Clips[i])
			}
		}
	}
	return out
}
