// Package encode turns rendered frames into output files.
package encode

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/pipelines"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported output format")
	ErrFrameSize         = errors.New("frame size does not match encoder")
)

// Kind is the family of encoder an output path selects.
type Kind string

const (
	KindVideo         Kind = "video"
	KindImageSequence Kind = "image-sequence"
)

// AudioInput is one audible clip to mix under the video. Start is its
// position on the output timeline; Offset and Duration select the source
// range it plays.
type AudioInput struct {
	Path     string
	Start    time.Duration
	Offset   time.Duration
	Duration time.Duration
	Rate     float64
}

// Settings describe the stream an encoder receives.
type Settings struct {
	Width    int
	Height   int
	FPS      float64
	Duration time.Duration
	Audio    []AudioInput
	// CRF overrides the default quality of lossy video codecs.
	CRF int
}

// Encoder consumes frames in order. Close finalizes the output; Abort stops
// early and removes whatever was written. Exactly one of them must be called.
type Encoder interface {
	WriteFrame(ctx context.Context, img *image.NRGBA) error
	Close() error
	Abort() error
}

var videoExts = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
}

// KindOf picks the encoder family for an output path. Paths without an
// extension and paths ending in a separator are frame directories.
func KindOf(path string) (Kind, error) {
	if strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(filepath.Separator)) {
		return KindImageSequence, nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == "":
		return KindImageSequence, nil
	case videoExts[ext]:
		return KindVideo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// RequiredEncoders names the ffmpeg video encoder an output needs. Image
// sequences and unknown formats need none.
func RequiredEncoders(path string) []string {
	if kind, err := KindOf(path); err != nil || kind != KindVideo {
		return nil
	}
	if strings.ToLower(filepath.Ext(path)) == ".webm" {
		return []string{"libvpx-vp9"}
	}
	return []string{"libx264"}
}

// Factory opens encoders by output extension.
type Factory struct {
	runner pipelines.Runner
	logger *slog.Logger
}

// NewFactory returns a factory. runner may be nil, in which case only frame
// directories can be written.
func NewFactory(runner pipelines.Runner, logger *slog.Logger) *Factory {
	return &Factory{
		runner: runner,
		logger: logging.WithComponent(logging.OrDiscard(logger), "encode"),
	}
}

// Open starts an encoder writing to path. The extension of path selects the
// encoder and, for video, the muxer.
func (f *Factory) Open(ctx context.Context, path string, s Settings) (Encoder, error) {
	kind, err := KindOf(path)
	if err != nil {
		return nil, err
	}
	return f.OpenAs(ctx, kind, path, s)
}

// OpenAs starts an encoder of the given kind writing to path, whatever path
// looks like. Renders use it to write a temp name chosen for the final output.
func (f *Factory) OpenAs(ctx context.Context, kind Kind, path string, s Settings) (Encoder, error) {
	if s.Width <= 0 || s.Height <= 0 || s.FPS <= 0 {
		return nil, fmt.Errorf("encode: invalid stream %dx%d@%v", s.Width, s.Height, s.FPS)
	}
	switch kind {
	case KindVideo:
		if f.runner == nil {
			return nil, fmt.Errorf("encode %s: %w", filepath.Ext(path), pipelines.ErrNotInstalled)
		}
		return newFFmpegEncoder(ctx, f.runner, path, s, f.logger)
	case KindImageSequence:
		return newImageSequenceEncoder(path, s, f.logger)
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedFormat, kind)
	}
}

func checkSize(img *image.NRGBA, s Settings) error {
	if img.Rect.Dx() != s.Width || img.Rect.Dy() != s.Height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrFrameSize, img.Rect.Dx(), img.Rect.Dy(), s.Width, s.Height)
	}
	return nil
}
