package render

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/gg"

	"github.com/heimdex/heimdex-render/internal/effect"
	"github.com/heimdex/heimdex-render/internal/encode"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

const threeClips = `{
  "settings": {"width": 32, "height": 18, "fps": 10},
  "tracks": [{"kind": "video", "clips": [
    {"id": "red",   "source": {"type": "color", "color": "#ff0000"}, "start": 0,   "end": 1.2},
    {"id": "green", "source": {"type": "color", "color": "#00ff00"}, "start": 1.0, "end": 2.2},
    {"id": "blue",  "source": {"type": "color", "color": "#0000ff"}, "start": 2.0, "end": 3.0,
     "effects": [{"name": "invert"}]}
  ]}],
  "transitions": [
    {"from": "red",   "to": "green", "name": "fade",      "duration": 0.2},
    {"from": "green", "to": "blue",  "name": "wipeRight", "duration": 0.2}
  ]
}`

func composition(t *testing.T, js string) *timeline.Composition {
	t.Helper()
	c, err := timeline.DecodeComposition(strings.NewReader(js))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func framePixel(t *testing.T, dir string, i, x, y int) color.NRGBA {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, encode.FrameName(i)))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}

func near(a, b color.NRGBA, tol int) bool {
	d := func(x, y uint8) bool { v := int(x) - int(y); return v <= tol && v >= -tol }
	return d(a.R, b.R) && d(a.G, b.G) && d(a.B, b.B) && d(a.A, b.A)
}

func TestRender_ThreeClipsTwoTransitions(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "frames")
	r := New(Deps{})

	var events []Event
	path, err := r.Render(context.Background(), Config{
		Composition: composition(t, threeClips),
		OutputPath:  out,
	}, func(e Event) { events = append(events, e) })
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if path != out {
		t.Errorf("path = %q, want %q", path, out)
	}

	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 30 {
		t.Fatalf("frames = %d, want 30", len(entries))
	}
	if siblings, _ := os.ReadDir(dir); len(siblings) != 1 {
		t.Errorf("temp output left behind: %v", siblings)
	}

	tests := []struct {
		frame int
		want  color.NRGBA
	}{
		{0, color.NRGBA{255, 0, 0, 255}},
		{10, color.NRGBA{255, 0, 0, 255}},
		{11, color.NRGBA{128, 128, 0, 255}},
		{15, color.NRGBA{0, 255, 0, 255}},
		{25, color.NRGBA{255, 255, 0, 255}},
		{29, color.NRGBA{255, 255, 0, 255}},
	}
	for _, tt := range tests {
		if got := framePixel(t, out, tt.frame, 16, 9); !near(got, tt.want, 3) {
			t.Errorf("frame %d = %v, want %v", tt.frame, got, tt.want)
		}
	}

	last := -1.0
	for i, e := range events {
		if e.Progress.Value < last {
			t.Errorf("event %d progress %v went backwards from %v", i, e.Progress.Value, last)
		}
		last = e.Progress.Value
	}
	if events[0].Progress.Phase != PhaseInitializing {
		t.Errorf("first phase = %s", events[0].Progress.Phase)
	}
	final := events[len(events)-1]
	if final.Type != EventComplete || final.OutputPath != out || final.Progress.Value != 1 {
		t.Errorf("final event = %+v", final)
	}
	seen := map[Phase]bool{}
	for _, e := range events {
		seen[e.Progress.Phase] = true
	}
	for _, p := range []Phase{PhaseLoading, PhaseRendering, PhaseSaving, PhaseComplete} {
		if !seen[p] {
			t.Errorf("phase %s never reported", p)
		}
	}
}

func TestStart_EventsCloseAfterComplete(t *testing.T) {
	out := filepath.Join(t.TempDir(), "frames")
	exp := New(Deps{}).Start(context.Background(), Config{Composition: composition(t, threeClips), OutputPath: out})

	var terminal []Event
	for e := range exp.Events() {
		if e.Type != EventProgress {
			terminal = append(terminal, e)
		}
	}
	if len(terminal) != 1 || terminal[0].Type != EventComplete {
		t.Fatalf("terminal events = %+v", terminal)
	}
	path, err := exp.Wait()
	if err != nil || path != out {
		t.Errorf("Wait = %q, %v", path, err)
	}
	exp.Cancel()
}

func TestStart_SlowReaderSeesEveryPhase(t *testing.T) {
	out := filepath.Join(t.TempDir(), "frames")
	long := `{
	  "settings": {"width": 8, "height": 8, "fps": 100},
	  "tracks": [{"clips": [{"id": "c", "source": {"type": "color", "color": "#224466"}, "start": 0, "end": 20}]}]
	}`
	exp := New(Deps{}).Start(context.Background(), Config{Composition: composition(t, long), OutputPath: out})
	if _, err := exp.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	var events []Event
	for e := range exp.Events() {
		events = append(events, e)
	}
	var order []Phase
	last := -1.0
	for _, e := range events {
		if n := len(order); n == 0 || order[n-1] != e.Phase {
			order = append(order, e.Phase)
		}
		if e.Value < last {
			t.Errorf("progress went backwards: %v after %v", e.Value, last)
		}
		last = e.Value
	}
	want := []Phase{PhaseInitializing, PhaseLoading, PhaseRendering, PhaseSaving, PhaseComplete}
	if len(order) != len(want) {
		t.Fatalf("phases = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("phase %d = %s, want %s", i, order[i], want[i])
		}
	}
	if final := events[len(events)-1]; final.Type != EventComplete || final.OutputPath != out {
		t.Errorf("final event = %+v", final)
	}
	var lastRender Event
	for _, e := range events {
		if e.Phase == PhaseRendering {
			lastRender = e
		}
	}
	if lastRender.Frame != 2000 {
		t.Errorf("last rendering frame = %d, want 2000", lastRender.Frame)
	}
}

func TestEvent_JSON(t *testing.T) {
	data, err := json.Marshal(Event{Type: EventProgress, Progress: Progress{Value: 0.5, Phase: PhaseRendering, Message: "rendering frames"}})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["progress"] != 0.5 || got["phase"] != "rendering" || got["message"] != "rendering frames" || got["type"] != "progress" {
		t.Errorf("event json = %s", data)
	}
	if _, ok := got["value"]; ok {
		t.Errorf("event json has a value field: %s", data)
	}
}

func TestRender_Cancel(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "frames")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var errEvents int
	_, err := New(Deps{}).Render(ctx, Config{Composition: composition(t, threeClips), OutputPath: out}, func(e Event) {
		if e.Progress.Phase == PhaseRendering && e.Progress.Frame >= 3 {
			cancel()
		}
		if e.Type == EventError {
			errEvents++
		}
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Phase != PhaseRendering {
		t.Errorf("err = %#v, want *Error in rendering", err)
	}
	if errEvents != 1 {
		t.Errorf("error events = %d, want 1", errEvents)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("cancelled render left files: %v", entries)
	}
}

func TestRender_Timeout(t *testing.T) {
	out := filepath.Join(t.TempDir(), "frames")
	_, err := New(Deps{}).Render(context.Background(), Config{
		Composition: composition(t, threeClips),
		OutputPath:  out,
		Options:     Options{Timeout: timeline.Seconds(time.Nanosecond)},
	}, nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestRender_UnknownEffectKeepsExistingOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "frames")
	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(out, "keep.txt")
	os.WriteFile(marker, []byte("previous render"), 0o644)

	js := strings.Replace(threeClips, `"name": "invert"`, `"name": "doesNotExist"`, 1)
	_, err := New(Deps{}).Render(context.Background(), Config{Composition: composition(t, js), OutputPath: out}, nil)

	var unknown *effect.UnknownEffectError
	if !errors.As(err, &unknown) || unknown.Name != "doesNotExist" {
		t.Fatalf("err = %v, want UnknownEffectError", err)
	}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Phase != PhaseLoading {
		t.Errorf("phase = %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("existing output damaged: %v", err)
	}
}

func TestRender_ConfigErrors(t *testing.T) {
	r := New(Deps{})
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no composition", Config{OutputPath: "out"}},
		{"no output", Config{Composition: composition(t, threeClips)}},
		{"bad extension", Config{Composition: composition(t, threeClips), OutputPath: "out.gif"}},
		{"missing file", Config{CompositionPath: filepath.Join(t.TempDir(), "nope.json"), OutputPath: "out"}},
		{"empty timeline", Config{Composition: composition(t, `{"tracks": []}`), OutputPath: filepath.Join(t.TempDir(), "out")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Render(context.Background(), tt.cfg, nil)
			var rerr *Error
			if !errors.As(err, &rerr) {
				t.Errorf("err = %v, want *Error", err)
			}
		})
	}
}

func TestDecodeConfig(t *testing.T) {
	cfg, err := DecodeConfig(strings.NewReader(`{
	  "compositionPath": "comp.json",
	  "outputPath": "out.mp4",
	  "options": {"headless": true, "timeout": "10m"},
	  "extra": 1
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CompositionPath != "comp.json" || cfg.OutputPath != "out.mp4" || !cfg.Options.Headless || cfg.Options.Timeout.D() != 10*time.Minute {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestOutputPath_KindFollowsOutput(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		output string
		want   encode.Kind
	}{
		{filepath.Join(dir, "frames"), encode.KindImageSequence},
		{filepath.Join(dir, "out.mp4"), encode.KindVideo},
		{filepath.Join(dir, "clip.webm"), encode.KindVideo},
	}
	for _, tt := range tests {
		out, kind, err := outputPath(tt.output)
		if err != nil {
			t.Fatalf("outputPath(%q): %v", tt.output, err)
		}
		if kind != tt.want {
			t.Errorf("outputPath(%q) kind = %q, want %q", tt.output, kind, tt.want)
		}
		tmp := tempPath(out, "0123456789abcdef")
		if tk, err := encode.KindOf(tmp); err == nil && tk != kind {
			t.Errorf("temp %q reads as %q, output is %q", tmp, tk, kind)
		}
	}

	seq := filepath.Join(dir, "seq")
	enc, err := encode.NewFactory(nil, nil).OpenAs(context.Background(), encode.KindImageSequence, tempPath(seq, "0123456789abcdef"), encode.Settings{Width: 2, Height: 2, FPS: 5})
	if err != nil {
		t.Fatalf("open sequence temp: %v", err)
	}
	enc.Abort()

	if _, _, err := outputPath(filepath.Join(dir, "out.gif")); !errors.Is(err, encode.ErrUnsupportedFormat) {
		t.Errorf("gif err = %v", err)
	}
}

func TestTempPath(t *testing.T) {
	id := "0123456789abcdef"
	if got := tempPath("/a/b/out.mp4", id); got != "/a/b/.out.01234567.partial.mp4" {
		t.Errorf("tempPath = %q", got)
	}
	if got := tempPath("/a/frames", id); got != "/a/.frames.01234567.partial" {
		t.Errorf("tempPath dir = %q", got)
	}
}

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestPlace_Contain(t *testing.T) {
	dc := gg.NewContext(20, 10)
	defer dc.Close()
	dc.ClearWithColor(gg.RGBA{A: 1})
	place(dc, solid(10, 10, color.NRGBA{255, 0, 0, 255}), timeline.Layout{})

	img := dc.Image()
	at := func(x, y int) color.NRGBA { return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA) }
	if got := at(2, 5); !near(got, color.NRGBA{0, 0, 0, 255}, 2) {
		t.Errorf("letterbox pixel = %v", got)
	}
	if got := at(10, 5); !near(got, color.NRGBA{255, 0, 0, 255}, 2) {
		t.Errorf("centre pixel = %v", got)
	}
}

func TestPlace_TransparentLayoutSkipped(t *testing.T) {
	dc := gg.NewContext(4, 4)
	defer dc.Close()
	dc.Clear()
	zero := 0.0
	place(dc, solid(4, 4, color.NRGBA{255, 255, 255, 255}), timeline.Layout{Opacity: &zero})
	if _, _, _, a := dc.Image().At(1, 1).RGBA(); a != 0 {
		t.Errorf("zero opacity layer drew alpha %d", a)
	}
}

func TestFlip(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	if got := flip(img, true, false).NRGBAAt(1, 0); got.R != 255 {
		t.Errorf("flipX moved pixel to %v", got)
	}
	if got := flip(img, false, true).NRGBAAt(0, 1); got.R != 255 {
		t.Errorf("flipY moved pixel to %v", got)
	}
}
