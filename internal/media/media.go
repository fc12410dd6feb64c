// Package media opens the frame sources clips draw from: generated colours and
// text, still images, subtitle files and videos.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/pipelines"
	"github.com/heimdex/heimdex-render/internal/subtitle"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

var (
	ErrUnsupportedSource = errors.New("unsupported source type")
	ErrNoVideoTrack      = errors.New("container has no video track")
	ErrNoDecoder         = errors.New("no decoder for codec")
)

// FrameSource yields the frame a clip shows at a source-local time. Returned
// images are shared and must not be modified. A source serves one caller at a
// time.
type FrameSource interface {
	FrameAt(ctx context.Context, t time.Duration) (*image.NRGBA, error)
	Close() error
}

// Options describe the output a source is opened for.
type Options struct {
	Width, Height int     // canvas size, used by generated sources
	FPS           float64 // rate at which the source will be sampled
	BaseDir       string  // resolves relative local paths
}

// Loader opens frame sources. It is safe for concurrent use.
type Loader struct {
	client    *http.Client
	runner    pipelines.Runner
	captions  *subtitle.Renderer
	chunkSize int
	logger    *slog.Logger
}

type LoaderOption func(*Loader)

func WithHTTPClient(c *http.Client) LoaderOption {
	return func(l *Loader) { l.client = c }
}

// WithRunner enables decoding of non-intra video codecs through ffmpeg.
func WithRunner(r pipelines.Runner) LoaderOption {
	return func(l *Loader) { l.runner = r }
}

// WithCaptions enables text and subtitle sources.
func WithCaptions(r *subtitle.Renderer) LoaderOption {
	return func(l *Loader) { l.captions = r }
}

// WithChunkSize sets the read size used when demuxing containers.
func WithChunkSize(n int) LoaderOption {
	return func(l *Loader) { l.chunkSize = n }
}

func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{client: &http.Client{Timeout: 5 * time.Minute}}
	for _, o := range opts {
		o(l)
	}
	l.logger = logging.WithComponent(logging.OrDiscard(l.logger), "media")
	return l
}

// Open returns a frame source for src.
func (l *Loader) Open(ctx context.Context, src timeline.Source, opts Options) (FrameSource, error) {
	switch src.Type {
	case timeline.SourceColor:
		return newColorSource(src.Color, opts.Width, opts.Height)
	case timeline.SourceImage:
		return l.openImage(ctx, l.locate(src.Src, opts))
	case timeline.SourceText:
		if l.captions == nil {
			return nil, fmt.Errorf("text source: %w: no caption renderer", ErrUnsupportedSource)
		}
		img, err := l.captions.Render(opts.Width, opts.Height, src.Text, captionStyle(src.Style))
		if err != nil {
			return nil, fmt.Errorf("text source: %w", err)
		}
		return &staticSource{img: img}, nil
	case timeline.SourceSubtitles:
		return l.openSubtitles(ctx, l.locate(src.Src, opts), captionStyle(src.Style), opts)
	case timeline.SourceVideo:
		return l.openVideo(ctx, l.locate(src.Src, opts), opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, src.Type)
	}
}

func captionStyle(st *timeline.TextStyle) subtitle.Style {
	if st == nil {
		return subtitle.Style{}
	}
	return subtitle.Style{
		Font:       st.Font,
		Size:       st.Size,
		Color:      st.Color,
		Background: st.Background,
		Position:   st.Position,
	}
}

func isRemote(loc string) bool {
	return strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://")
}

func (l *Loader) locate(loc string, opts Options) string {
	if loc == "" || isRemote(loc) || filepath.IsAbs(loc) || opts.BaseDir == "" {
		return loc
	}
	return filepath.Join(opts.BaseDir, loc)
}

// fetch opens a local path or downloads an http(s) URL.
func (l *Loader) fetch(ctx context.Context, loc string) (io.ReadCloser, error) {
	if loc == "" {
		return nil, errors.New("source has no src")
	}
	if !isRemote(loc) {
		f, err := os.Open(loc)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", logging.SanitizePath(loc), err)
		}
		return f, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", loc, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", loc, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d", loc, resp.StatusCode)
	}
	return resp.Body, nil
}
