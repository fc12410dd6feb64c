package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/gogpu/gg"
	"golang.org/x/sync/errgroup"

	"github.com/heimdex/heimdex-render/internal/chromakey"
	"github.com/heimdex/heimdex-render/internal/effect"
	"github.com/heimdex/heimdex-render/internal/media"
	"github.com/heimdex/heimdex-render/internal/shader"
	"github.com/heimdex/heimdex-render/internal/timeline"
	"github.com/heimdex/heimdex-render/internal/transition"
)

var errNoSource = errors.New("layer has no frame source")

// compositor builds output frames for one export.
type compositor struct {
	snap          *timeline.Snapshot
	width, height int
	background    gg.RGBA
	sources       map[string]media.FrameSource
	effects       *effect.Registry
	transitions   *transition.Registry
	parallelism   int
	logger        *slog.Logger
}

func newCompositor(snap *timeline.Snapshot, sources map[string]media.FrameSource, fx *effect.Registry, tx *transition.Registry, parallelism int, logger *slog.Logger) *compositor {
	bg := gg.RGBA{A: 1}
	if c, err := shader.ParseHex(snap.Background); err == nil {
		bg = gg.RGBA{R: c.R, G: c.G, B: c.B, A: c.A}
	}
	return &compositor{
		snap:        snap,
		width:       snap.Width,
		height:      snap.Height,
		background:  bg,
		sources:     sources,
		effects:     fx,
		transitions: tx,
		parallelism: parallelism,
		logger:      logger,
	}
}

// frame resolves the layers at t, decodes them concurrently, then composites
// them bottom to top.
func (c *compositor) frame(ctx context.Context, t time.Duration) (*image.NRGBA, error) {
	layers := c.snap.ResolveFrame(t)
	imgs, err := c.decode(ctx, layers)
	if err != nil {
		return nil, err
	}

	dc := gg.NewContext(c.width, c.height)
	defer dc.Close()
	dc.ClearWithColor(c.background)

	for i := 0; i < len(layers); i++ {
		l := layers[i]
		img, err := c.process(ctx, l, imgs[i])
		if err != nil {
			return nil, err
		}
		if l.Transition != nil && i+1 < len(layers) && layers[i+1].Transition == l.Transition {
			next, err := c.process(ctx, layers[i+1], imgs[i+1])
			if err != nil {
				return nil, err
			}
			mixed, err := c.transition(ctx, l, img, layers[i+1], next)
			if err != nil {
				return nil, err
			}
			place(dc, mixed, timeline.Layout{Fit: timeline.FitFill})
			i++
			continue
		}
		place(dc, img, l.Clip.Layout)
	}
	return shader.ToNRGBA(dc.Image()), nil
}

// decode fetches every layer's source frame, bounded by the parallelism.
func (c *compositor) decode(ctx context.Context, layers []timeline.Layer) ([]*image.NRGBA, error) {
	srcs := make([]media.FrameSource, len(layers))
	for i, l := range layers {
		src, ok := c.sources[l.Clip.ID]
		if !ok {
			return nil, fmt.Errorf("%w: clip %q", errNoSource, l.Clip.ID)
		}
		srcs[i] = src
	}

	out := make([]*image.NRGBA, len(layers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for i, l := range layers {
		src := srcs[i]
		g.Go(func() error {
			img, err := src.FrameAt(gctx, l.LocalTime)
			if err != nil {
				return err
			}
			out[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// process runs a layer's effect chain and chromakey. A failing effect chain
// leaves the frame unprocessed.
func (c *compositor) process(ctx context.Context, l timeline.Layer, img *image.NRGBA) (*image.NRGBA, error) {
	if len(l.Effects) > 0 {
		out, err := c.effects.Chain(ctx, img, l.Effects)
		switch {
		case err == nil:
			img = out
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			c.logger.Warn("effect chain failed, using unprocessed frame", "clip_id", l.Clip.ID, "error", err)
		}
	}
	if l.Clip.Chromakey != nil {
		img = chromakey.Key(img, *l.Clip.Chromakey)
	}
	if l.Clip.Layout.FlipX || l.Clip.Layout.FlipY {
		img = flip(img, l.Clip.Layout.FlipX, l.Clip.Layout.FlipY)
	}
	return img, nil
}

// transition places both layers on canvas-sized planes and mixes them. A
// failing kernel cuts at the midpoint.
func (c *compositor) transition(ctx context.Context, from timeline.Layer, fromImg *image.NRGBA, to timeline.Layer, toImg *image.NRGBA) (*image.NRGBA, error) {
	a := c.plane(fromImg, from.Clip.Layout)
	b := c.plane(toImg, to.Clip.Layout)
	at := from.Transition
	ratio := float64(c.width) / float64(c.height)
	out, err := c.transitions.Apply(ctx, at.Name, a, b, at.Progress, ratio, at.Params)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c.logger.Warn("transition failed, cutting", "transition", at.Name, "from", at.FromClipID, "to", at.ToClipID, "error", err)
	if at.Progress < 0.5 {
		return a, nil
	}
	return b, nil
}

// plane draws img at its layout on a transparent canvas.
func (c *compositor) plane(img *image.NRGBA, layout timeline.Layout) *image.NRGBA {
	dc := gg.NewContext(c.width, c.height)
	defer dc.Close()
	dc.Clear()
	place(dc, img, layout)
	return shader.ToNRGBA(dc.Image())
}

// place scales img into the layout box according to its fit mode.
func place(dc *gg.Context, img *image.NRGBA, layout timeline.Layout) {
	alpha := layout.Alpha()
	iw, ih := float64(img.Rect.Dx()), float64(img.Rect.Dy())
	if alpha <= 0 || iw == 0 || ih == 0 {
		return
	}
	x, y, bw, bh := layout.Box(dc.Width(), dc.Height())
	opts := gg.DrawImageOptions{
		X:             x,
		Y:             y,
		DstWidth:      bw,
		DstHeight:     bh,
		Interpolation: gg.InterpBilinear,
		Opacity:       alpha,
		BlendMode:     gg.BlendNormal,
	}
	switch layout.Fit {
	case timeline.FitFill:
	case timeline.FitCover:
		s := math.Max(bw/iw, bh/ih)
		cw, ch := bw/s, bh/s
		src := image.Rect(0, 0, int(math.Round(cw)), int(math.Round(ch))).
			Add(image.Pt(int((iw-cw)/2), int((ih-ch)/2)))
		opts.SrcRect = &src
	default:
		s := math.Min(bw/iw, bh/ih)
		opts.DstWidth, opts.DstHeight = iw*s, ih*s
		opts.X = x + (bw-opts.DstWidth)/2
		opts.Y = y + (bh-opts.DstHeight)/2
	}
	dc.DrawImageEx(gg.ImageBufFromImage(img), opts)
}

func flip(img *image.NRGBA, fx, fy bool) *image.NRGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := y
		if fy {
			sy = h - 1 - y
		}
		for x := 0; x < w; x++ {
			sx := x
			if fx {
				sx = w - 1 - x
			}
			si := sy*img.Stride + sx*4
			di := y*out.Stride + x*4
			copy(out.Pix[di:di+4], img.Pix[si:si+4])
		}
	}
	return out
}
