// Package shader is the CPU pixel pipeline behind effects and transitions. A
// kernel is a function from a normalized fragment coordinate to a colour,
// evaluated for every output pixel in parallel, mirroring a fragment shader.
package shader

import (
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"
)

// Vec2 is a 2D vector; fragment coordinates use it with (0,0) at the bottom-left.
type Vec2 struct {
	X, Y float64
}

func (v Vec2) Add(o Vec2) Vec2 { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{v.X - o.X, v.Y - o.Y} }
func (v Vec2) Mul(o Vec2) Vec2 { return Vec2{v.X * o.X, v.Y * o.Y} }
func (v Vec2) Scale(s float64) Vec2 { return Vec2{v.X * s, v.Y * s} }
func (v Vec2) Len() float64 { return math.Hypot(v.X, v.Y) }
func (v Vec2) Dist(o Vec2) float64 { return v.Sub(o).Len() }
func (v Vec2) Dot(o Vec2) float64 { return v.X*o.X + v.Y*o.Y }
func (v Vec2) Floor() Vec2 { return Vec2{math.Floor(v.X), math.Floor(v.Y)} }
func (v Vec2) Clamp(lo, hi float64) Vec2 {
	return Vec2{Clamp(v.X, lo, hi), Clamp(v.Y, lo, hi)}
}

// Center is the canvas centre in normalized coordinates.
var Center = Vec2{0.5, 0.5}

// Color is a straight-alpha RGBA colour with channels in [0,1].
type Color struct {
	R, G, B, A float64
}

var (
	Transparent = Color{}
	Black       = Color{0, 0, 0, 1}
	White       = Color{1, 1, 1, 1}
)

// RGB returns an opaque colour.
func RGB(r, g, b float64) Color {
	return Color{r, g, b, 1}
}

func (c Color) Add(o Color) Color { return Color{c.R + o.R, c.G + o.G, c.B + o.B, c.A + o.A} }
func (c Color) Scale(s float64) Color { return Color{c.R * s, c.G * s, c.B * s, c.A * s} }
func (c Color) ScaleRGB(s float64) Color {
	return Color{c.R * s, c.G * s, c.B * s, c.A}
}

// WithRGB keeps the alpha of c and replaces its colour channels.
func (c Color) WithRGB(r, g, b float64) Color {
	return Color{r, g, b, c.A}
}

// Luma returns the Rec. 709 luminance.
func (c Color) Luma() float64 {
	return 0.2126*c.R + 0.7152*c.G + 0.0722*c.B
}

// Clamped clamps every channel to [0,1].
func (c Color) Clamped() Color {
	return Color{Clamp01(c.R), Clamp01(c.G), Clamp01(c.B), Clamp01(c.A)}
}

// NRGBA converts to an 8-bit straight-alpha colour.
func (c Color) NRGBA() color.NRGBA {
	return color.NRGBA{R: to8(c.R), G: to8(c.G), B: to8(c.B), A: to8(c.A)}
}

// FromNRGBA converts an 8-bit colour.
func FromNRGBA(c color.NRGBA) Color {
	return Color{float64(c.R) / 255, float64(c.G) / 255, float64(c.B) / 255, float64(c.A) / 255}
}

func to8(v float64) uint8 {
	return uint8(math.Round(Clamp01(v) * 255))
}

// Mix linearly interpolates every channel, like GLSL mix.
func Mix(a, b Color, t float64) Color {
	return Color{
		MixF(a.R, b.R, t),
		MixF(a.G, b.G, t),
		MixF(a.B, b.B, t),
		MixF(a.A, b.A, t),
	}
}

// MixF linearly interpolates scalars.
func MixF(a, b, t float64) float64 {
	return a*(1-t) + b*t
}

func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func Clamp01(v float64) float64 {
	return Clamp(v, 0, 1)
}

// Smoothstep is the GLSL smoothstep; edges may be given in either order.
func Smoothstep(e0, e1, x float64) float64 {
	if e0 == e1 {
		return Step(e0, x)
	}
	t := Clamp01((x - e0) / (e1 - e0))
	return t * t * (3 - 2*t)
}

// Step returns 0 when x < edge and 1 otherwise.
func Step(edge, x float64) float64 {
	if x < edge {
		return 0
	}
	return 1
}

func Fract(v float64) float64 {
	return v - math.Floor(v)
}

// Hash is the usual fract(sin(dot(p, k)) * 43758.5453) shader noise.
func Hash(p Vec2) float64 {
	return Fract(math.Sin(p.Dot(Vec2{12.9898, 78.233})) * 43758.5453)
}

// ParseHex parses #rgb, #rrggbb or #rrggbbaa.
func ParseHex(s string) (Color, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(h) {
	case 3:
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	case 6, 8:
	default:
		return Color{}, fmt.Errorf("invalid hex colour %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return Color{}, fmt.Errorf("invalid hex colour %q: %w", s, err)
	}
	if len(h) == 6 {
		v = v<<8 | 0xff
	}
	return Color{
		R: float64(v>>24&0xff) / 255,
		G: float64(v>>16&0xff) / 255,
		B: float64(v>>8&0xff) / 255,
		A: float64(v&0xff) / 255,
	}, nil
}
