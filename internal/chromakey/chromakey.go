// Package chromakey removes a key colour from frames using chroma distance in
// UV space, with a soft edge and spill desaturation.
package chromakey

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/heimdex/heimdex-render/internal/shader"
)

const (
	DefaultSimilarity = 0.4
	DefaultSmoothness = 0.08
	DefaultSpill      = 0.1
)

// Spec configures keying. Zero numeric fields take the defaults and an empty
// KeyColor keys out the colour of the first pixel.
type Spec struct {
	KeyColor   string  `json:"keyColor,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
	Smoothness float64 `json:"smoothness,omitempty"`
	Spill      float64 `json:"spill,omitempty"`
}

// Validate checks the key colour and ranges.
func (s Spec) Validate() error {
	if s.KeyColor != "" {
		if _, err := shader.ParseHex(s.KeyColor); err != nil {
			return fmt.Errorf("chromakey: %w", err)
		}
	}
	if s.Similarity < 0 || s.Smoothness < 0 || s.Spill < 0 {
		return fmt.Errorf("chromakey: similarity, smoothness and spill must not be negative")
	}
	return nil
}

func (s Spec) withDefaults() Spec {
	if s.Similarity == 0 {
		s.Similarity = DefaultSimilarity
	}
	if s.Smoothness == 0 {
		s.Smoothness = DefaultSmoothness
	}
	if s.Spill == 0 {
		s.Spill = DefaultSpill
	}
	return s
}

func chromaUV(c shader.Color) shader.Vec2 {
	return shader.Vec2{
		X: c.R*-0.169 + c.G*-0.331 + c.B*0.5 + 0.5,
		Y: c.R*0.5 + c.G*-0.419 + c.B*-0.081 + 0.5,
	}
}

// Key returns a keyed copy of src with the same dimensions. Pixels far enough
// from the key colour are copied unchanged, so keying twice leaves them as
// they were. An unparseable key colour falls back to the first pixel.
func Key(src image.Image, spec Spec) *image.NRGBA {
	in := shader.ToNRGBA(src)
	w, h := in.Rect.Dx(), in.Rect.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return out
	}
	spec = spec.withDefaults()
	tex := shader.NewTexture(in)

	key := tex.At(0, 0)
	if spec.KeyColor != "" {
		if c, err := shader.ParseHex(spec.KeyColor); err == nil {
			key = c
		}
	}
	keyUV := chromaUV(key)

	_ = shader.Parallel(context.Background(), h, func(y int) {
		for x := 0; x < w; x++ {
			i := y*in.Stride + x*4
			px := tex.At(x, y)

			base := chromaUV(px).Dist(keyUV) - spec.Similarity
			full := math.Pow(shader.Clamp01(base/spec.Smoothness), 1.5)
			spill := math.Pow(shader.Clamp01(base/spec.Spill), 1.5)
			if full >= 1 && spill >= 1 {
				copy(out.Pix[i:i+4], in.Pix[i:i+4])
				continue
			}

			desat := shader.Clamp01(px.Luma())
			c := shader.Color{
				R: shader.MixF(desat, px.R, spill),
				G: shader.MixF(desat, px.G, spill),
				B: shader.MixF(desat, px.B, spill),
				A: px.A * full,
			}.NRGBA()
			out.Pix[i+0] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			out.Pix[i+3] = c.A
		}
	})
	return out
}
