package effect

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/heimdex/heimdex-render/internal/shader"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 90, A: 255})
		}
	}
	return img
}

func near(a, b uint8) bool {
	d := int(a) - int(b)
	return d >= -1 && d <= 1
}

func defaultRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewDefaultRegistry()
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	return r
}

func TestDefaultRegistry_Builtins(t *testing.T) {
	r := defaultRegistry(t)
	names := r.Names()
	if len(names) != len(Builtins()) {
		t.Fatalf("registered %d effects, want %d", len(names), len(Builtins()))
	}
	for _, want := range []string{"grayscale", "sepia", "invert", "blur", "vignette", "glitch", "wave"} {
		if _, ok := r.Lookup(want); !ok {
			t.Errorf("built-in %q missing", want)
		}
	}
	for _, n := range names {
		p, err := r.Program(n)
		if err != nil || p == nil || p.Source == "" {
			t.Errorf("program for %q: %v", n, err)
		}
	}
	if d := r.Describe(); len(d) != len(names) || d[0].GPU {
		t.Errorf("Describe = %+v", d)
	}
}

func TestApply_EveryBuiltinKeepsDimensions(t *testing.T) {
	r := defaultRegistry(t)
	src := gradient(7, 5)
	for _, n := range r.Names() {
		out, err := r.Apply(context.Background(), src, n, nil, 0.3)
		if err != nil {
			t.Errorf("Apply(%s): %v", n, err)
			continue
		}
		if out.Bounds() != src.Bounds() {
			t.Errorf("Apply(%s) bounds = %v", n, out.Bounds())
		}
	}
}

func TestApply_IdentityParameters(t *testing.T) {
	r := defaultRegistry(t)
	src := gradient(6, 6)
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"brightness", map[string]any{"amount": 0.0}},
		{"contrast", map[string]any{"amount": 1.0}},
		{"saturation", map[string]any{"amount": 1.0}},
		{"grayscale", map[string]any{"amount": 0.0}},
		{"invert", map[string]any{"amount": 0.0}},
		{"tint", map[string]any{"amount": 0.0}},
		{"vignette", map[string]any{"intensity": 0.0}},
		{"chromatic", map[string]any{"intensity": 0.0}},
	}
	for _, tt := range tests {
		out, err := r.Apply(context.Background(), src, tt.name, tt.params, 0.5)
		if err != nil {
			t.Fatalf("Apply(%s): %v", tt.name, err)
		}
		for i := range src.Pix {
			if !near(out.Pix[i], src.Pix[i]) {
				t.Errorf("%s: byte %d = %d, want %d", tt.name, i, out.Pix[i], src.Pix[i])
				break
			}
		}
	}
}

func TestApply_Grayscale(t *testing.T) {
	r := defaultRegistry(t)
	out, err := r.Apply(context.Background(), solid(2, 2, color.NRGBA{200, 40, 10, 128}), "grayscale", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	px := out.NRGBAAt(1, 1)
	if px.R != px.G || px.G != px.B || px.A != 128 {
		t.Errorf("grayscale pixel = %v", px)
	}
}

func TestChain_AppliesLeftToRight(t *testing.T) {
	r := defaultRegistry(t)
	src := solid(2, 2, color.NRGBA{100, 100, 100, 255})
	brighten := timeline.AppliedEffect{Name: "brightness", Params: map[string]any{"amount": 0.2}}
	invert := timeline.AppliedEffect{Name: "invert"}

	out, err := r.Chain(context.Background(), src, []timeline.AppliedEffect{brighten, invert})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.NRGBAAt(0, 0).R; !near(got, 104) {
		t.Errorf("brighten then invert = %d, want 104", got)
	}

	out, err = r.Chain(context.Background(), src, []timeline.AppliedEffect{invert, brighten})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.NRGBAAt(0, 0).R; !near(got, 206) {
		t.Errorf("invert then brighten = %d, want 206", got)
	}

	if out, err := r.Chain(context.Background(), src, nil); err != nil || out != src {
		t.Errorf("empty chain = %v, %v", out, err)
	}
}

func TestApply_Errors(t *testing.T) {
	r := defaultRegistry(t)
	src := solid(2, 2, color.NRGBA{A: 255})

	_, err := r.Apply(context.Background(), src, "melt", nil, 0)
	var ue *UnknownEffectError
	if !errors.As(err, &ue) || ue.Name != "melt" {
		t.Errorf("err = %v, want *UnknownEffectError", err)
	}

	_, err = r.Apply(context.Background(), src, "grayscale", map[string]any{"amount": "full"}, 0)
	var pe *InvalidEffectParameterError
	if !errors.As(err, &pe) || pe.Param != "amount" || pe.Type != shader.TypeNumber {
		t.Errorf("err = %v, want *InvalidEffectParameterError", err)
	}

	if err := r.Validate("grayscale", map[string]any{"unknown": 1.0}); err != nil {
		t.Errorf("unknown keys should be ignored: %v", err)
	}
	if err := r.Validate("melt", nil); !errors.As(err, &ue) {
		t.Errorf("Validate err = %v", err)
	}
}

func TestApply_Cancelled(t *testing.T) {
	r := defaultRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Apply(ctx, gradient(4, 4), "blur", nil, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func identity() Effect {
	return Effect{
		Name:   "identity",
		WGSL:   `fn effect(uv: vec2<f32>) -> vec4<f32> { return getColor(uv); }`,
		Kernel: func(f *Frame, uv shader.Vec2, _ shader.Values) shader.Color { return f.Src.Sample(uv) },
	}
}

func TestRegister_Validation(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(identity()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(identity()); !errors.Is(err, ErrDuplicateEffect) {
		t.Errorf("err = %v, want ErrDuplicateEffect", err)
	}

	bad := identity()
	bad.Name = "broken"
	bad.WGSL = `fn effect(uv: vec2<f32>) -> vec4<f32> { return glow(getColor(uv)); }`
	var verr *shader.ValidationError
	if err := r.Register(bad); !errors.As(err, &verr) {
		t.Errorf("err = %v, want *shader.ValidationError", err)
	}

	noKernel := identity()
	noKernel.Name = "nokernel"
	noKernel.Kernel = nil
	if err := r.Register(noKernel); err == nil {
		t.Error("effect without kernel registered")
	}
}

type stubCompiler struct{ err error }

func (s stubCompiler) Compile(string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte{1, 2, 3, 4}, nil
}

func TestRegister_Compiler(t *testing.T) {
	r := NewRegistry(WithCompiler(stubCompiler{}))
	if err := r.Register(identity()); err != nil {
		t.Fatal(err)
	}
	if d := r.Describe(); !d[0].GPU {
		t.Error("compiled effect not reported as GPU ready")
	}

	r = NewRegistry(WithCompiler(stubCompiler{err: errors.New("unsupported")}))
	if err := r.Register(identity()); err != nil {
		t.Fatalf("compile failure should not reject the effect: %v", err)
	}
	if d := r.Describe(); d[0].GPU {
		t.Error("failed compile reported as GPU ready")
	}
}
