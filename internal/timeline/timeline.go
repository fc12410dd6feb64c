package timeline

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Track is an ordered run of clips sharing a kind and z-order. Clips are sorted
// by start time.
type Track struct {
	Kind  Kind
	Clips []Clip
}

// Timeline is the mutable composition graph. It follows a single-writer model:
// mutations take the write lock and replace a track's clip slice wholesale, so
// readers holding an older slice keep a consistent view.
type Timeline struct {
	mu         sync.RWMutex
	width      int
	height     int
	fps        float64
	background string
	duration   time.Duration
	tracks     []Track
}

// New returns an empty timeline for a width×height canvas at fps.
func New(width, height int, fps float64) *Timeline {
	return &Timeline{width: width, height: height, fps: fps, background: "#000000"}
}

// SetBackground sets the canvas colour as a hex string.
func (tl *Timeline) SetBackground(hex string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.background = hex
}

// SetDuration fixes the export length; zero means the end of the last clip.
func (tl *Timeline) SetDuration(d time.Duration) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.duration = d
}

// AddTrack appends a track and returns its index. Higher indexes draw on top.
func (tl *Timeline) AddTrack(kind Kind) int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.tracks = append(tl.tracks, Track{Kind: kind})
	return len(tl.tracks) - 1
}

// Clip returns a copy of the clip with the given id.
func (tl *Timeline) Clip(id string) (Clip, bool) {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	ti, i, ok := tl.find(id)
	if !ok {
		return Clip{}, false
	}
	return tl.tracks[ti].Clips[i].clone(), true
}

// InsertClip adds c to track c.Track.
func (tl *Timeline) InsertClip(c Clip) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	c = c.clone()
	if c.Rate == 0 {
		c.Rate = 1
	}
	if err := tl.checkTrack(c.Track); err != nil {
		return err
	}
	if err := validateClip(&c, tl.tracks[c.Track].Kind); err != nil {
		return err
	}
	if _, _, ok := tl.find(c.ID); ok {
		return fmt.Errorf("%w: %q", ErrDuplicateClip, c.ID)
	}

	next := append(slices.Clone(tl.tracks[c.Track].Clips), c)
	return tl.commit(c.Track, next)
}

// RemoveClip deletes the clip with the given id.
func (tl *Timeline) RemoveClip(id string) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	ti, i, ok := tl.find(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrClipNotFound, id)
	}
	return tl.commit(ti, slices.Delete(slices.Clone(tl.tracks[ti].Clips), i, i+1))
}

// MoveClip moves a clip to another track and start time, keeping its length.
func (tl *Timeline) MoveClip(id string, track int, start time.Duration) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	ti, i, ok := tl.find(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrClipNotFound, id)
	}
	if err := tl.checkTrack(track); err != nil {
		return err
	}

	c := tl.tracks[ti].Clips[i]
	length := c.Duration()
	c.Track = track
	c.Start = start
	c.End = start + length
	if err := validateClip(&c, tl.tracks[track].Kind); err != nil {
		return err
	}

	if track == ti {
		next := slices.Clone(tl.tracks[ti].Clips)
		next[i] = c
		return tl.commit(ti, next)
	}

	src := slices.Delete(slices.Clone(tl.tracks[ti].Clips), i, i+1)
	dst := append(slices.Clone(tl.tracks[track].Clips), c)
	sortClips(dst)
	if err := validateTrack(track, dst); err != nil {
		return err
	}
	if err := validateTrack(ti, src); err != nil {
		return err
	}
	tl.tracks[ti].Clips = src
	tl.tracks[track].Clips = dst
	return nil
}

// TrimClip changes a clip's range. Moving the start shifts the source offset
// by the same amount of source time, so the remaining frames stay in place.
func (tl *Timeline) TrimClip(id string, start, end time.Duration) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	ti, i, ok := tl.find(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrClipNotFound, id)
	}
	c := tl.tracks[ti].Clips[i]
	c.SourceOffset += scale(start-c.Start, c.rate())
	c.Start = start
	c.End = end
	if err := validateClip(&c, tl.tracks[ti].Kind); err != nil {
		return err
	}

	next := slices.Clone(tl.tracks[ti].Clips)
	next[i] = c
	return tl.commit(ti, next)
}

// ResolveFrame returns the layers to composite at t. See Snapshot.ResolveFrame.
func (tl *Timeline) ResolveFrame(t time.Duration) []Layer {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return resolve(tl.tracks, t)
}

// Snapshot returns a deep copy for export. Later edits are not visible in it.
func (tl *Timeline) Snapshot() *Snapshot {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	tracks := make([]Track, len(tl.tracks))
	for i, tr := range tl.tracks {
		clips := make([]Clip, len(tr.Clips))
		for j, c := range tr.Clips {
			clips[j] = c.clone()
		}
		tracks[i] = Track{Kind: tr.Kind, Clips: clips}
	}
	return &Snapshot{
		Width:      tl.width,
		Height:     tl.height,
		FPS:        tl.fps,
		Background: tl.background,
		duration:   tl.duration,
		tracks:     tracks,
	}
}

func (tl *Timeline) commit(track int, clips []Clip) error {
	sortClips(clips)
	if err := validateTrack(track, clips); err != nil {
		return err
	}
	tl.tracks[track].Clips = clips
	return nil
}

func (tl *Timeline) checkTrack(track int) error {
	if track < 0 || track >= len(tl.tracks) {
		return fmt.Errorf("%w: %d", ErrTrackNotFound, track)
	}
	return nil
}

func (tl *Timeline) find(id string) (track, index int, ok bool) {
	for ti, tr := range tl.tracks {
		for i := range tr.Clips {
			if tr.Clips[i].ID == id {
				return ti, i, true
			}
		}
	}
	return 0, 0, false
}

func sortClips(clips []Clip) {
	slices.SortStableFunc(clips, func(a, b Clip) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.End, b.End)
	})
}

func validateClip(c *Clip, kind Kind) error {
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidClip)
	case c.Start < 0 || c.Start >= c.End:
		return fmt.Errorf("%w: %q: start %v must be before end %v", ErrInvalidClip, c.ID, c.Start, c.End)
	case c.SourceOffset < 0:
		return fmt.Errorf("%w: %q: negative source offset", ErrInvalidClip, c.ID)
	case c.Rate < 0:
		return fmt.Errorf("%w: %q: negative playback rate", ErrInvalidClip, c.ID)
	}

	switch c.Source.Type {
	case SourceVideo, SourceImage, SourceAudio, SourceSubtitles:
		if c.Source.Src == "" {
			return fmt.Errorf("%w: %q: %s source needs src", ErrInvalidClip, c.ID, c.Source.Type)
		}
	case SourceColor, SourceText:
	default:
		return fmt.Errorf("%w: %q: unknown source type %q", ErrInvalidClip, c.ID, c.Source.Type)
	}
	if kind == KindAudio && !c.Source.Type.Audible() {
		return fmt.Errorf("%w: %q: %s source on an audio track", ErrInvalidClip, c.ID, c.Source.Type)
	}
	if kind == KindVideo && !c.Source.Type.Visual() {
		return fmt.Errorf("%w: %q: audio source on a video track", ErrInvalidClip, c.ID)
	}

	for _, e := range c.Effects {
		if e.Name == "" || e.Start < 0 || e.Duration < 0 {
			return fmt.Errorf("%w: %q: bad effect reference %q", ErrInvalidClip, c.ID, e.Name)
		}
	}
	for _, r := range []*TransitionRef{c.TransitionIn, c.TransitionOut} {
		if r != nil && (r.Name == "" || r.Duration <= 0) {
			return fmt.Errorf("%w: %q: transition needs a name and a positive duration", ErrInvalidTransition, c.ID)
		}
	}
	if c.Chromakey != nil {
		if err := c.Chromakey.Validate(); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidClip, c.ID, err)
		}
	}
	if a := c.Layout.Alpha(); a < 0 || a > 1 {
		return fmt.Errorf("%w: %q: opacity %v outside [0,1]", ErrInvalidClip, c.ID, a)
	}
	return nil
}

// validateTrack checks a sorted clip list: clips may only overlap their direct
// neighbour, inside the transition window between them, and windows must fit
// inside the outgoing clip without touching its incoming window.
func validateTrack(track int, clips []Clip) error {
	for i := range clips {
		for j := i + 1; j < len(clips) && clips[j].Start < clips[i].End; j++ {
			overlap := &OverlapError{Track: track, ClipID: clips[j].ID, OtherID: clips[i].ID}
			if j != i+1 {
				return overlap
			}
			w, ok := window(&clips[i], &clips[j])
			if !ok || clips[j].Start < w.start || clips[j].End <= clips[i].End {
				return overlap
			}
		}
	}

	var prev *transitionWindow
	for i := 0; i+1 < len(clips); i++ {
		w, ok := window(&clips[i], &clips[i+1])
		if !ok {
			prev = nil
			continue
		}
		if w.ref.Duration > clips[i].Duration() {
			return fmt.Errorf("%w: %q: %v window is longer than clip %q",
				ErrInvalidTransition, w.ref.Name, w.ref.Duration, clips[i].ID)
		}
		if prev != nil && prev.end > w.start {
			return fmt.Errorf("%w: windows around clip %q overlap", ErrInvalidTransition, clips[i].ID)
		}
		prev = &w
	}
	return nil
}
