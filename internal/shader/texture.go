package shader

import (
	"context"
	"image"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/image/draw"
)

// Sampler reads a source image in normalized coordinates.
type Sampler interface {
	Sample(uv Vec2) Color
	Aspect() float64
}

// Texture is a clamp-to-edge, bilinear sampler over an NRGBA image. uv (0,0)
// is the bottom-left corner and (1,1) the top-right, as in GL.
type Texture struct {
	img  *image.NRGBA
	w, h int
}

// NewTexture wraps img without copying.
func NewTexture(img *image.NRGBA) *Texture {
	b := img.Bounds()
	return &Texture{img: img, w: b.Dx(), h: b.Dy()}
}

// Image returns the underlying image.
func (t *Texture) Image() *image.NRGBA {
	return t.img
}

func (t *Texture) Aspect() float64 {
	if t.h == 0 {
		return 1
	}
	return float64(t.w) / float64(t.h)
}

// At returns the pixel at (x, y) in image space, clamped to the edges.
func (t *Texture) At(x, y int) Color {
	if t.w == 0 || t.h == 0 {
		return Transparent
	}
	x = min(max(x, 0), t.w-1)
	y = min(max(y, 0), t.h-1)
	b := t.img.Rect.Min
	i := t.img.PixOffset(b.X+x, b.Y+y)
	p := t.img.Pix[i : i+4 : i+4]
	return Color{float64(p[0]) / 255, float64(p[1]) / 255, float64(p[2]) / 255, float64(p[3]) / 255}
}

// Sample reads the image at uv with bilinear filtering between pixel centres.
func (t *Texture) Sample(uv Vec2) Color {
	fx := uv.X*float64(t.w) - 0.5
	fy := (1-uv.Y)*float64(t.h) - 0.5
	x0 := math.Floor(fx)
	y0 := math.Floor(fy)
	ax := fx - x0
	ay := fy - y0
	ix, iy := int(x0), int(y0)

	c00 := t.At(ix, iy)
	if ax < 1e-9 && ay < 1e-9 {
		return c00
	}
	c10 := t.At(ix+1, iy)
	c01 := t.At(ix, iy+1)
	c11 := t.At(ix+1, iy+1)
	return Mix(Mix(c00, c10, ax), Mix(c01, c11, ax), ay)
}

// ToNRGBA returns img as an NRGBA image with a zero origin, copying only when
// the input is not already in that form.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Kernel computes the colour of one fragment. uv is the fragment centre in
// normalized coordinates; x and y are the pixel position in image space.
type Kernel func(uv Vec2, x, y int) Color

// Render evaluates k for every pixel of a w×h image.
func Render(ctx context.Context, w, h int, k Kernel) (*image.NRGBA, error) {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	fw, fh := float64(w), float64(h)
	err := Parallel(ctx, h, func(y int) {
		v := 1 - (float64(y)+0.5)/fh
		row := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			c := k(Vec2{(float64(x) + 0.5) / fw, v}, x, y).NRGBA()
			row[x*4+0] = c.R
			row[x*4+1] = c.G
			row[x*4+2] = c.B
			row[x*4+3] = c.A
		}
	})
	if err != nil {
		return nil, err
	}
	return dst, nil
}

// Parallel calls fn for every row in [0, rows) across GOMAXPROCS workers and
// stops handing out rows once ctx is done.
func Parallel(ctx context.Context, rows int, fn func(y int)) error {
	workers := min(runtime.GOMAXPROCS(0), rows)
	if workers <= 0 {
		return ctx.Err()
	}
	var next atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				y := int(next.Add(1) - 1)
				if y >= rows {
					return
				}
				fn(y)
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}
