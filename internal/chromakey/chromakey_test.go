package chromakey

import (
	"bytes"
	"image"
	"image/color"
	"testing"
)

var (
	green = color.NRGBA{0, 255, 0, 255}
	red   = color.NRGBA{255, 0, 0, 255}
	blue  = color.NRGBA{0, 0, 255, 255}
)

// greenScreen has a green left half and a red right half.
func greenScreen(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.SetNRGBA(x, y, green)
			} else {
				img.SetNRGBA(x, y, red)
			}
		}
	}
	return img
}

func TestKey_DefaultKeyIsFirstPixel(t *testing.T) {
	out := Key(greenScreen(8, 4), Spec{})

	if out.Bounds() != image.Rect(0, 0, 8, 4) {
		t.Fatalf("bounds = %v", out.Bounds())
	}
	if a := out.NRGBAAt(1, 1).A; a != 0 {
		t.Errorf("keyed alpha = %d, want 0", a)
	}
	if got := out.NRGBAAt(6, 1); got != red {
		t.Errorf("non-matching pixel = %v, want %v", got, red)
	}
}

func TestKey_ExplicitKeyColor(t *testing.T) {
	img := greenScreen(4, 2)
	img.SetNRGBA(0, 0, blue)

	out := Key(img, Spec{KeyColor: "#00ff00"})
	if got := out.NRGBAAt(0, 0); got != blue {
		t.Errorf("first pixel = %v, want untouched blue", got)
	}
	if a := out.NRGBAAt(1, 0).A; a != 0 {
		t.Errorf("green alpha = %d, want 0", a)
	}
}

func TestKey_IdempotentOnNonMatchingRegions(t *testing.T) {
	img := greenScreen(16, 8)
	once := Key(img, Spec{})
	twice := Key(once, Spec{KeyColor: "#00ff00"})

	for y := 0; y < 8; y++ {
		for x := 8; x < 16; x++ {
			if once.NRGBAAt(x, y) != twice.NRGBAAt(x, y) {
				t.Fatalf("pixel (%d,%d) changed on second pass", x, y)
			}
		}
	}
	if !bytes.Equal(once.Pix[8*4:16*4], img.Pix[8*4:16*4]) {
		t.Error("first pass changed non-matching pixels")
	}
}

func TestKey_RekeyWholeFrame(t *testing.T) {
	// green screen with a soft boundary column between the halves
	img := greenScreen(16, 8)
	for y := 0; y < 8; y++ {
		img.SetNRGBA(7, y, color.NRGBA{128, 128, 0, 255})
		img.SetNRGBA(8, y, color.NRGBA{200, 60, 0, 255})
	}
	spec := Spec{KeyColor: "#00ff00"}
	once := Key(img, spec)
	twice := Key(once, spec)

	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			orig, a, b := img.NRGBAAt(x, y), once.NRGBAAt(x, y), twice.NRGBAAt(x, y)
			switch {
			case a == orig && b != a:
				t.Errorf("untouched pixel (%d,%d) changed on second pass: %v -> %v", x, y, a, b)
			case a.A == 0 && b.A != 0:
				t.Errorf("keyed pixel (%d,%d) regained alpha %d", x, y, b.A)
			case b.A > a.A:
				t.Errorf("pixel (%d,%d) alpha rose from %d to %d", x, y, a.A, b.A)
			}
		}
	}
	for _, x := range []int{0, 15} {
		for _, y := range []int{0, 7} {
			if once.NRGBAAt(x, y) != twice.NRGBAAt(x, y) {
				t.Errorf("corner (%d,%d) changed on second pass", x, y)
			}
		}
	}
}

func TestKey_SpillDesaturatesNearKey(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, green)
	// close enough to the key to sit inside the spill band
	img.SetNRGBA(1, 0, color.NRGBA{90, 230, 90, 255})

	out := Key(img, Spec{Similarity: 0.05, Smoothness: 0.01, Spill: 0.5})
	px := out.NRGBAAt(1, 0)
	if px.A != 255 {
		t.Errorf("alpha = %d, want opaque", px.A)
	}
	if int(px.G)-int(px.R) >= 230-90 {
		t.Errorf("pixel %v was not desaturated", px)
	}
}

func TestKey_EmptyImage(t *testing.T) {
	out := Key(image.NewNRGBA(image.Rect(0, 0, 0, 0)), Spec{})
	if !out.Bounds().Empty() {
		t.Errorf("bounds = %v", out.Bounds())
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		spec Spec
		ok   bool
	}{
		{Spec{}, true},
		{Spec{KeyColor: "#0f0", Similarity: 0.2}, true},
		{Spec{KeyColor: "green"}, false},
		{Spec{Spill: -1}, false},
	}
	for _, tt := range tests {
		if err := tt.spec.Validate(); (err == nil) != tt.ok {
			t.Errorf("Validate(%+v) = %v", tt.spec, err)
		}
	}
}
