package media

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/heimdex/heimdex-render/internal/shader"
	"github.com/heimdex/heimdex-render/internal/subtitle"
)

// staticSource shows the same frame at every time.
type staticSource struct {
	img *image.NRGBA
}

func (s *staticSource) FrameAt(ctx context.Context, _ time.Duration) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.img, nil
}

func (s *staticSource) Close() error { return nil }

func newColorSource(hex string, w, h int) (FrameSource, error) {
	if hex == "" {
		hex = "#000000"
	}
	c, err := shader.ParseHex(hex)
	if err != nil {
		return nil, fmt.Errorf("color source: %w", err)
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("color source: invalid size %dx%d", w, h)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c.NRGBA()), image.Point{}, draw.Src)
	return &staticSource{img: img}, nil
}

func (l *Loader) openImage(ctx context.Context, loc string) (FrameSource, error) {
	rc, err := l.fetch(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	img, format, err := image.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	l.logger.Debug("image source opened", "format", format, "width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	return &staticSource{img: shader.ToNRGBA(img)}, nil
}

// subtitleSource renders the cue active at t over a transparent canvas.
type subtitleSource struct {
	captions *subtitle.Renderer
	segs     []subtitle.Segment
	style    subtitle.Style
	w, h     int

	mu      sync.Mutex
	blank   *image.NRGBA
	current subtitle.Segment
	frame   *image.NRGBA
}

func (l *Loader) openSubtitles(ctx context.Context, loc string, style subtitle.Style, opts Options) (FrameSource, error) {
	if l.captions == nil {
		return nil, fmt.Errorf("subtitle source: %w: no caption renderer", ErrUnsupportedSource)
	}
	rc, err := l.fetch(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	segs, err := subtitle.ParseSRT(rc)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("subtitle source opened", "segments", len(segs))
	return &subtitleSource{
		captions: l.captions,
		segs:     segs,
		style:    style,
		w:        opts.Width,
		h:        opts.Height,
		blank:    image.NewNRGBA(image.Rect(0, 0, opts.Width, opts.Height)),
	}, nil
}

func (s *subtitleSource) FrameAt(ctx context.Context, t time.Duration) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seg, ok := subtitle.At(s.segs, t)
	if !ok {
		return s.blank, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame != nil && seg == s.current {
		return s.frame, nil
	}
	img, err := s.captions.Render(s.w, s.h, seg.Text, s.style)
	if err != nil {
		return nil, err
	}
	s.current, s.frame = seg, img
	return img, nil
}

func (s *subtitleSource) Close() error { return nil }
