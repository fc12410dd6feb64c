package timeline

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

const sec = time.Second

func colorClip(id string, track int, start, end time.Duration) Clip {
	return Clip{
		ID:     id,
		Source: Source{Type: SourceColor, Color: "#ff0000"},
		Track:  track,
		Start:  start,
		End:    end,
	}
}

// abTimeline builds A [0,5) and B [5,10) with a one second transition into B.
func abTimeline(t *testing.T) *Timeline {
	t.Helper()
	tl := New(640, 360, 30)
	tl.AddTrack(KindVideo)

	a := colorClip("A", 0, 0, 5*sec)
	b := colorClip("B", 0, 5*sec, 10*sec)
	b.TransitionIn = &TransitionRef{Name: "fade", Duration: sec}
	for _, c := range []Clip{a, b} {
		if err := tl.InsertClip(c); err != nil {
			t.Fatalf("InsertClip(%s): %v", c.ID, err)
		}
	}
	return tl
}

func ids(layers []Layer) string {
	var s []string
	for _, l := range layers {
		s = append(s, l.Clip.ID)
	}
	return strings.Join(s, ",")
}

func TestResolveFrame_TransitionWindow(t *testing.T) {
	tl := abTimeline(t)

	layers := tl.ResolveFrame(4500 * time.Millisecond)
	if got := ids(layers); got != "A,B" {
		t.Fatalf("layers at 4.5s = %s, want A,B", got)
	}
	at := layers[0].Transition
	if at == nil || layers[1].Transition != at {
		t.Fatal("both layers must share one active transition")
	}
	if at.Name != "fade" || at.FromClipID != "A" || at.ToClipID != "B" {
		t.Errorf("transition = %+v", at)
	}
	if math.Abs(at.Progress-0.5) > 1e-9 {
		t.Errorf("progress = %v, want 0.5", at.Progress)
	}
	if layers[1].LocalTime != 0 {
		t.Errorf("incoming local time = %v, want clamped to 0", layers[1].LocalTime)
	}

	layers = tl.ResolveFrame(2 * sec)
	if got := ids(layers); got != "A" || layers[0].Transition != nil {
		t.Errorf("layers at 2s = %s (transition %v), want A alone", got, layers[0].Transition)
	}

	layers = tl.ResolveFrame(5 * sec)
	if got := ids(layers); got != "B" || layers[0].Transition != nil {
		t.Errorf("layers at 5s = %s, want B alone", got)
	}

	if layers := tl.ResolveFrame(10 * sec); len(layers) != 0 {
		t.Errorf("layers at end = %s, want none", ids(layers))
	}
}

func TestResolveFrame_ProgressStatelessUnderBackwardSeeks(t *testing.T) {
	tl := abTimeline(t)
	for _, ms := range []int{4900, 4100, 4500, 4000, 4999} {
		layers := tl.ResolveFrame(time.Duration(ms) * time.Millisecond)
		want := float64(ms-4000) / 1000
		if got := layers[0].Transition.Progress; math.Abs(got-want) > 1e-9 {
			t.Errorf("progress at %dms = %v, want %v", ms, got, want)
		}
	}
}

func TestResolveFrame_OutgoingDeclaration(t *testing.T) {
	tl := New(640, 360, 30)
	tl.AddTrack(KindVideo)
	a := colorClip("A", 0, 0, 5*sec)
	a.TransitionOut = &TransitionRef{Name: "wipeLeft", Duration: 2 * sec}
	b := colorClip("B", 0, 5*sec, 10*sec)
	if err := tl.InsertClip(a); err != nil {
		t.Fatal(err)
	}
	if err := tl.InsertClip(b); err != nil {
		t.Fatal(err)
	}

	layers := tl.ResolveFrame(3500 * time.Millisecond)
	if len(layers) != 2 || layers[0].Transition.Name != "wipeLeft" {
		t.Fatalf("layers = %s", ids(layers))
	}
	if p := layers[0].Transition.Progress; math.Abs(p-0.25) > 1e-9 {
		t.Errorf("progress = %v, want 0.25", p)
	}
}

func TestResolveFrame_IncomingDeclarationWins(t *testing.T) {
	tl := New(640, 360, 30)
	tl.AddTrack(KindVideo)
	a := colorClip("A", 0, 0, 5*sec)
	a.TransitionOut = &TransitionRef{Name: "wipeLeft", Duration: 2 * sec}
	b := colorClip("B", 0, 5*sec, 10*sec)
	b.TransitionIn = &TransitionRef{Name: "fade", Duration: sec}
	for _, c := range []Clip{a, b} {
		if err := tl.InsertClip(c); err != nil {
			t.Fatal(err)
		}
	}
	if got := ids(tl.ResolveFrame(3500 * time.Millisecond)); got != "A" {
		t.Errorf("layers at 3.5s = %s, want A alone", got)
	}
	if l := tl.ResolveFrame(4500 * time.Millisecond); l[0].Transition.Name != "fade" {
		t.Errorf("transition = %s, want fade", l[0].Transition.Name)
	}
}

func TestResolveFrame_GapMakesTransitionInactive(t *testing.T) {
	tl := New(640, 360, 30)
	tl.AddTrack(KindVideo)
	a := colorClip("A", 0, 0, 5*sec)
	b := colorClip("B", 0, 6*sec, 10*sec)
	b.TransitionIn = &TransitionRef{Name: "fade", Duration: sec}
	for _, c := range []Clip{a, b} {
		if err := tl.InsertClip(c); err != nil {
			t.Fatal(err)
		}
	}
	if l := tl.ResolveFrame(4500 * time.Millisecond); ids(l) != "A" || l[0].Transition != nil {
		t.Errorf("layers = %s, want A without transition", ids(l))
	}
	if l := tl.ResolveFrame(5500 * time.Millisecond); len(l) != 0 {
		t.Errorf("gap resolved to %s", ids(l))
	}
}

func TestResolveFrame_TracksBottomToTop(t *testing.T) {
	tl := New(640, 360, 30)
	tl.AddTrack(KindVideo)
	tl.AddTrack(KindAudio)
	tl.AddTrack(KindVideo)

	clips := []Clip{
		colorClip("bg", 0, 0, 10*sec),
		{ID: "music", Source: Source{Type: SourceAudio, Src: "a.m4a"}, Track: 1, Start: 0, End: 10 * sec},
		colorClip("title", 2, sec, 3*sec),
	}
	for _, c := range clips {
		if err := tl.InsertClip(c); err != nil {
			t.Fatalf("InsertClip(%s): %v", c.ID, err)
		}
	}
	if got := ids(tl.ResolveFrame(2 * sec)); got != "bg,title" {
		t.Errorf("layers = %s, want bg,title", got)
	}
	if got := ids(tl.ResolveFrame(5 * sec)); got != "bg" {
		t.Errorf("layers = %s, want bg", got)
	}
}

func TestResolveFrame_LocalTimeAndEffects(t *testing.T) {
	tl := New(640, 360, 30)
	tl.AddTrack(KindVideo)
	c := Clip{
		ID:           "v",
		Source:       Source{Type: SourceVideo, Src: "in.mp4"},
		Start:        2 * sec,
		End:          6 * sec,
		SourceOffset: 10 * sec,
		Rate:         2,
		Effects: []EffectRef{
			{Name: "grayscale"},
			{Name: "vignette", Start: sec, Duration: 2 * sec},
		},
	}
	if err := tl.InsertClip(c); err != nil {
		t.Fatal(err)
	}

	l := tl.ResolveFrame(4 * sec)[0]
	if l.LocalTime != 14*sec {
		t.Errorf("local time = %v, want 14s", l.LocalTime)
	}
	if math.Abs(l.Progress-0.5) > 1e-9 {
		t.Errorf("clip progress = %v", l.Progress)
	}
	if len(l.Effects) != 2 || l.Effects[1].Name != "vignette" || math.Abs(l.Effects[1].Progress-0.5) > 1e-9 {
		t.Errorf("effects = %+v", l.Effects)
	}

	l = tl.ResolveFrame(2500 * time.Millisecond)[0]
	if len(l.Effects) != 1 || l.Effects[0].Name != "grayscale" {
		t.Errorf("effects before vignette = %+v", l.Effects)
	}
}

func TestInsertClip_OverlapRejectedAndStateUnchanged(t *testing.T) {
	tl := abTimeline(t)
	before := tl.Snapshot()

	err := tl.InsertClip(colorClip("C", 0, 3*sec, 7*sec))
	var oe *OverlapError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v, want *OverlapError", err)
	}
	if oe.Track != 0 {
		t.Errorf("overlap track = %d", oe.Track)
	}
	if !reflect.DeepEqual(before, tl.Snapshot()) {
		t.Error("timeline changed after a rejected insert")
	}
}

func TestInsertClip_OverlapWindow(t *testing.T) {
	tests := []struct {
		name    string
		bStart  time.Duration
		bEnd    time.Duration
		overlap bool
	}{
		{"adjacent", 5 * sec, 10 * sec, false},
		{"inside window", 4500 * time.Millisecond, 10 * sec, false},
		{"whole window", 4 * sec, 10 * sec, false},
		{"before window", 3900 * time.Millisecond, 10 * sec, true},
		{"contained", 4500 * time.Millisecond, 4900 * time.Millisecond, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := New(640, 360, 30)
			tl.AddTrack(KindVideo)
			a := colorClip("A", 0, 0, 5*sec)
			a.TransitionOut = &TransitionRef{Name: "fade", Duration: sec}
			if err := tl.InsertClip(a); err != nil {
				t.Fatal(err)
			}
			err := tl.InsertClip(colorClip("B", 0, tt.bStart, tt.bEnd))
			var oe *OverlapError
			if got := errors.As(err, &oe); got != tt.overlap {
				t.Errorf("err = %v, overlap want %v", err, tt.overlap)
			}
		})
	}
}

func TestInsertClip_OverlapWithoutTransition(t *testing.T) {
	tl := New(640, 360, 30)
	tl.AddTrack(KindVideo)
	if err := tl.InsertClip(colorClip("A", 0, 0, 5*sec)); err != nil {
		t.Fatal(err)
	}
	err := tl.InsertClip(colorClip("B", 0, 4900*time.Millisecond, 6*sec))
	var oe *OverlapError
	if !errors.As(err, &oe) {
		t.Errorf("err = %v, want *OverlapError", err)
	}
}

func TestInsertClip_Invalid(t *testing.T) {
	longFade := colorClip("B", 0, 5*sec, 10*sec)
	longFade.TransitionIn = &TransitionRef{Name: "fade", Duration: 6 * sec}

	zeroFade := colorClip("B", 0, 5*sec, 10*sec)
	zeroFade.TransitionIn = &TransitionRef{Name: "fade"}

	tests := []struct {
		name string
		clip Clip
		want error
	}{
		{"empty range", colorClip("B", 0, 6*sec, 6*sec), ErrInvalidClip},
		{"negative start", colorClip("B", 0, -sec, sec), ErrInvalidClip},
		{"missing id", colorClip("", 0, 6*sec, 7*sec), ErrInvalidClip},
		{"missing src", Clip{ID: "B", Source: Source{Type: SourceVideo}, Start: 6 * sec, End: 7 * sec}, ErrInvalidClip},
		{"unknown source", Clip{ID: "B", Source: Source{Type: "hologram"}, Start: 6 * sec, End: 7 * sec}, ErrInvalidClip},
		{"audio on video track", Clip{ID: "B", Source: Source{Type: SourceAudio, Src: "x"}, Start: 6 * sec, End: 7 * sec}, ErrInvalidClip},
		{"missing track", colorClip("B", 3, 6*sec, 7*sec), ErrTrackNotFound},
		{"duplicate id", colorClip("A", 0, 6*sec, 7*sec), ErrDuplicateClip},
		{"window longer than clip", longFade, ErrInvalidTransition},
		{"zero duration transition", zeroFade, ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := New(640, 360, 30)
			tl.AddTrack(KindVideo)
			if err := tl.InsertClip(colorClip("A", 0, 0, 5*sec)); err != nil {
				t.Fatal(err)
			}
			if err := tl.InsertClip(tt.clip); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInsertClip_AdjacentWindowsMustNotOverlap(t *testing.T) {
	tests := []struct {
		name string
		out  time.Duration
		ok   bool
	}{
		// B's incoming window is [4,5); its outgoing window is [6-out, 6).
		{"disjoint", 500 * time.Millisecond, true},
		{"touching", sec, true},
		{"overlapping", 1200 * time.Millisecond, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := New(640, 360, 30)
			tl.AddTrack(KindVideo)
			a := colorClip("A", 0, 0, 5*sec)
			b := colorClip("B", 0, 4500*time.Millisecond, 6*sec)
			b.TransitionIn = &TransitionRef{Name: "fade", Duration: sec}
			b.TransitionOut = &TransitionRef{Name: "fade", Duration: tt.out}
			for _, clip := range []Clip{a, b} {
				if err := tl.InsertClip(clip); err != nil {
					t.Fatalf("InsertClip(%s): %v", clip.ID, err)
				}
			}
			err := tl.InsertClip(colorClip("C", 0, 6*sec, 9*sec))
			if tt.ok && err != nil {
				t.Errorf("InsertClip(C): %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("err = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestMoveClip(t *testing.T) {
	tl := abTimeline(t)
	tl.AddTrack(KindVideo)

	if err := tl.MoveClip("B", 0, 3*sec); err == nil {
		t.Error("moving B over A should fail")
	}
	if c, _ := tl.Clip("B"); c.Start != 5*sec || c.Track != 0 {
		t.Errorf("B after failed move = %v on %d", c.Start, c.Track)
	}

	if err := tl.MoveClip("B", 1, 3*sec); err != nil {
		t.Fatalf("MoveClip to track 1: %v", err)
	}
	c, _ := tl.Clip("B")
	if c.Track != 1 || c.Start != 3*sec || c.End != 8*sec {
		t.Errorf("B = track %d [%v,%v)", c.Track, c.Start, c.End)
	}
	if got := ids(tl.ResolveFrame(4 * sec)); got != "A,B" {
		t.Errorf("layers = %s", got)
	}

	if err := tl.MoveClip("missing", 0, 0); !errors.Is(err, ErrClipNotFound) {
		t.Errorf("err = %v, want ErrClipNotFound", err)
	}
	if err := tl.MoveClip("B", 7, 0); !errors.Is(err, ErrTrackNotFound) {
		t.Errorf("err = %v, want ErrTrackNotFound", err)
	}
}

func TestTrimClip_ShiftsSourceOffset(t *testing.T) {
	tl := New(640, 360, 30)
	tl.AddTrack(KindVideo)
	v := Clip{ID: "v", Source: Source{Type: SourceVideo, Src: "in.mp4"}, Start: 0, End: 10 * sec, Rate: 2}
	if err := tl.InsertClip(v); err != nil {
		t.Fatal(err)
	}
	if err := tl.TrimClip("v", 2*sec, 8*sec); err != nil {
		t.Fatalf("TrimClip: %v", err)
	}
	c, _ := tl.Clip("v")
	if c.SourceOffset != 4*sec {
		t.Errorf("source offset = %v, want 4s", c.SourceOffset)
	}
	if err := tl.TrimClip("v", -sec, 8*sec); !errors.Is(err, ErrInvalidClip) {
		t.Errorf("err = %v, want ErrInvalidClip", err)
	}
}

func TestRemoveClip(t *testing.T) {
	tl := abTimeline(t)
	if err := tl.RemoveClip("A"); err != nil {
		t.Fatalf("RemoveClip: %v", err)
	}
	if got := ids(tl.ResolveFrame(4500 * time.Millisecond)); got != "" {
		t.Errorf("layers = %s, want none", got)
	}
	if err := tl.RemoveClip("A"); !errors.Is(err, ErrClipNotFound) {
		t.Errorf("err = %v, want ErrClipNotFound", err)
	}
}

func TestSnapshot_IsolatedFromEdits(t *testing.T) {
	tl := abTimeline(t)
	snap := tl.Snapshot()

	if err := tl.RemoveClip("B"); err != nil {
		t.Fatal(err)
	}
	if got := ids(snap.ResolveFrame(4500 * time.Millisecond)); got != "A,B" {
		t.Errorf("snapshot layers = %s, want A,B", got)
	}
	if snap.Duration() != 10*sec || snap.FrameCount() != 300 {
		t.Errorf("duration = %v frames = %d", snap.Duration(), snap.FrameCount())
	}
	if snap.FrameTime(15) != 500*time.Millisecond {
		t.Errorf("FrameTime(15) = %v", snap.FrameTime(15))
	}
}

func TestSnapshot_ConcurrentResolve(t *testing.T) {
	snap := abTimeline(t).Snapshot()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < snap.FrameCount(); i++ {
				if layers := snap.ResolveFrame(snap.FrameTime(i)); len(layers) == 0 {
					t.Errorf("goroutine %d: frame %d resolved to nothing", g, i)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}

func TestSnapshot_AudioClips(t *testing.T) {
	tl := New(640, 360, 30)
	tl.AddTrack(KindVideo)
	tl.AddTrack(KindAudio)
	clips := []Clip{
		{ID: "v1", Source: Source{Type: SourceVideo, Src: "a.mp4"}, Track: 0, Start: 0, End: sec},
		{ID: "v2", Source: Source{Type: SourceVideo, Src: "b.mp4"}, Track: 0, Start: sec, End: 2 * sec, Muted: true},
		colorClip("c", 0, 2*sec, 3*sec),
		{ID: "m", Source: Source{Type: SourceAudio, Src: "m.mp3"}, Track: 1, Start: 0, End: 3 * sec},
	}
	for _, c := range clips {
		if err := tl.InsertClip(c); err != nil {
			t.Fatalf("InsertClip(%s): %v", c.ID, err)
		}
	}
	snap := tl.Snapshot()

	var audio []string
	for _, c := range snap.AudioClips() {
		audio = append(audio, c.ID)
	}
	if strings.Join(audio, ",") != "v1,m" {
		t.Errorf("audio clips = %v", audio)
	}
	if n := len(snap.Clips()); n != 3 {
		t.Errorf("visual clips = %d, want 3", n)
	}
}
