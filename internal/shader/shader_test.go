package shader

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync/atomic"
	"testing"
)

func checker(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 40), G: uint8(y * 40), B: 200, A: 255})
		}
	}
	return img
}

func TestRender_IdentitySampleReproducesImage(t *testing.T) {
	src := checker(5, 4)
	tex := NewTexture(src)

	out, err := Render(context.Background(), 5, 4, func(uv Vec2, _, _ int) Color {
		return tex.Sample(uv)
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for i := range src.Pix {
		if out.Pix[i] != src.Pix[i] {
			t.Fatalf("pixel byte %d = %d, want %d", i, out.Pix[i], src.Pix[i])
		}
	}
}

func TestRender_PixelCoordinatesMatchUV(t *testing.T) {
	out, err := Render(context.Background(), 4, 2, func(uv Vec2, x, y int) Color {
		// top row has uv.y > 0.5 and x grows with uv.x
		if uv.Y > 0.5 != (y == 0) {
			return Black
		}
		if int(uv.X*4) != x {
			return Black
		}
		return White
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for i := 0; i < len(out.Pix); i += 4 {
		if out.Pix[i] != 255 {
			t.Fatalf("pixel %d saw mismatched coordinates", i/4)
		}
	}
}

func TestTexture_SampleClampsToEdge(t *testing.T) {
	tex := NewTexture(checker(3, 3))
	got := tex.Sample(Vec2{-2, 5}).NRGBA()
	want := tex.At(0, 0).NRGBA()
	if got != want {
		t.Errorf("Sample outside = %v, want top-left %v", got, want)
	}
}

func TestToNRGBA_NonZeroOrigin(t *testing.T) {
	src := checker(4, 4).SubImage(image.Rect(1, 1, 3, 3))
	out := ToNRGBA(src)
	if out.Bounds() != image.Rect(0, 0, 2, 2) {
		t.Fatalf("bounds = %v", out.Bounds())
	}
	if got := out.NRGBAAt(0, 0); got.R != 40 || got.G != 40 {
		t.Errorf("origin pixel = %v, want source (1,1)", got)
	}
}

func TestParallel_VisitsEveryRowOnce(t *testing.T) {
	var seen [97]atomic.Int32
	if err := Parallel(context.Background(), len(seen), func(y int) { seen[y].Add(1) }); err != nil {
		t.Fatalf("Parallel: %v", err)
	}
	for i := range seen {
		if n := seen[i].Load(); n != 1 {
			t.Fatalf("row %d visited %d times", i, n)
		}
	}
}

func TestParallel_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Parallel(ctx, 10, func(int) {})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestParseHex(t *testing.T) {
	tests := []struct {
		in   string
		want color.NRGBA
		ok   bool
	}{
		{"#ff0000", color.NRGBA{255, 0, 0, 255}, true},
		{"0f0", color.NRGBA{0, 255, 0, 255}, true},
		{"#0000ff80", color.NRGBA{0, 0, 255, 128}, true},
		{"#12345", color.NRGBA{}, false},
		{"#gggggg", color.NRGBA{}, false},
	}
	for _, tt := range tests {
		c, err := ParseHex(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseHex(%q) err = %v", tt.in, err)
			continue
		}
		if tt.ok && c.NRGBA() != tt.want {
			t.Errorf("ParseHex(%q) = %v, want %v", tt.in, c.NRGBA(), tt.want)
		}
	}
}

func TestBind(t *testing.T) {
	specs := []Param{
		{Name: "amount", Type: TypeNumber, Default: 1.0},
		{Name: "slices", Type: TypeInt, Default: 12},
		{Name: "dir", Type: TypeVec2, Default: Vec2{1, 0}},
		{Name: "tint", Type: TypeColor, Default: White},
		{Name: "label", Type: TypeString, Default: "x"},
	}

	v, err := Bind(specs, map[string]any{
		"amount":  0.25,
		"slices":  float64(4),
		"dir":     []any{0.0, 1.0},
		"tint":    "#000000",
		"ignored": true,
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if v.Float("amount") != 0.25 || v.Int("slices") != 4 || v.Vec2("dir") != (Vec2{0, 1}) {
		t.Errorf("bound = %v", v)
	}
	if v.Color("tint") != Black || v.String("label") != "x" {
		t.Errorf("bound = %v", v)
	}
	if _, ok := v["ignored"]; ok {
		t.Error("undeclared key was bound")
	}

	bad := []map[string]any{
		{"amount": "lots"},
		{"slices": 1.5},
		{"dir": []any{1.0}},
		{"tint": "#zz"},
		{"label": 3.0},
	}
	for _, raw := range bad {
		_, err := Bind(specs, raw)
		var pe *ParamError
		if !errors.As(err, &pe) {
			t.Errorf("Bind(%v) err = %v, want *ParamError", raw, err)
		}
	}
}

func TestTemplate_Assemble(t *testing.T) {
	body := `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    // mix by a parameterised edge
    return mix(getFromColor(uv), getToColor(uv), step(uv.x, u.progress * u.edge));
}`
	p, err := TransitionTemplate.Assemble("edge", "", body, []Param{
		{Name: "edge", Type: TypeNumber, Default: 1.0},
		{Name: "note", Type: TypeString, Default: ""},
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(p.Source, "    edge: f32,") {
		t.Error("uniform field for edge missing")
	}
	if strings.Contains(p.Source, "note") {
		t.Error("string parameter leaked into uniforms")
	}
	if strings.Contains(p.Source, "{{") {
		t.Error("insertion point left unfilled")
	}
}

func TestTemplate_ValidateRejects(t *testing.T) {
	tests := []struct {
		name      string
		helpers   string
		body      string
		undefined []string
		fields    []string
		noEntry   bool
	}{
		{
			name:      "undefined helper",
			body:      `fn transition(uv: vec2<f32>) -> vec4<f32> { return getMidColor(uv); }`,
			undefined: []string{"getMidColor"},
		},
		{
			name:   "undeclared uniform",
			body:   `fn transition(uv: vec2<f32>) -> vec4<f32> { return getFromColor(uv) * u.strength; }`,
			fields: []string{"strength"},
		},
		{
			name:    "missing entry",
			body:    `fn other(uv: vec2<f32>) -> vec4<f32> { return getFromColor(uv); }`,
			noEntry: true,
		},
		{
			name:      "helper calling unknown",
			helpers:   `fn wobble(x: f32) -> f32 { return noise(x); }`,
			body:      `fn transition(uv: vec2<f32>) -> vec4<f32> { return getFromColor(uv) * wobble(uv.x); }`,
			undefined: []string{"noise"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := TransitionTemplate.Validate(tt.name, tt.helpers, tt.body, nil)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if strings.Join(verr.Undefined, ",") != strings.Join(tt.undefined, ",") {
				t.Errorf("Undefined = %v, want %v", verr.Undefined, tt.undefined)
			}
			if strings.Join(verr.UnknownFields, ",") != strings.Join(tt.fields, ",") {
				t.Errorf("UnknownFields = %v, want %v", verr.UnknownFields, tt.fields)
			}
			if (verr.MissingEntry != "") != tt.noEntry {
				t.Errorf("MissingEntry = %q", verr.MissingEntry)
			}
		})
	}
}

func TestTemplate_CommentsIgnored(t *testing.T) {
	body := `
/* getMidColor(uv) would be nice */
fn effect(uv: vec2<f32>) -> vec4<f32> {
    // u.unknown stays in the comment
    return getColor(uv);
}`
	if err := EffectTemplate.Validate("plain", "", body, nil); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

type fakeCompiler struct {
	err error
	src string
}

func (f *fakeCompiler) Compile(src string) ([]byte, error) {
	f.src = src
	if f.err != nil {
		return nil, f.err
	}
	return []byte{0x03, 0x02, 0x23, 0x07}, nil
}

func TestProgram_Compile(t *testing.T) {
	p, err := EffectTemplate.Assemble("id", "", `fn effect(uv: vec2<f32>) -> vec4<f32> { return getColor(uv); }`, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	fc := &fakeCompiler{}
	if err := p.Compile(fc); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !p.Compiled() || fc.src != p.Source {
		t.Error("compiler did not receive the assembled source")
	}

	boom := errors.New("boom")
	err = p.Compile(&fakeCompiler{err: boom})
	var cerr *CompileError
	if !errors.As(err, &cerr) || !errors.Is(err, boom) {
		t.Errorf("err = %v, want *CompileError wrapping boom", err)
	}
}
