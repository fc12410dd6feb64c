package encode

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
)

// ImageSequenceEncoder writes each frame as a numbered PNG in a directory.
// Audio inputs are not written.
type ImageSequenceEncoder struct {
	dir      string
	settings Settings
	enc      png.Encoder
	logger   *slog.Logger
	frames   int
}

func newImageSequenceEncoder(dir string, s Settings, logger *slog.Logger) (*ImageSequenceEncoder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create frame directory: %w", err)
	}
	if len(s.Audio) > 0 {
		logger.Warn("image sequence output drops audio", "audio_inputs", len(s.Audio))
	}
	return &ImageSequenceEncoder{
		dir:      dir,
		settings: s,
		enc:      png.Encoder{CompressionLevel: png.BestSpeed},
		logger:   logger,
	}, nil
}

// FrameName is the file name of frame i inside a sequence directory.
func FrameName(i int) string {
	return fmt.Sprintf("frame_%06d.png", i)
}

func (e *ImageSequenceEncoder) WriteFrame(ctx context.Context, img *image.NRGBA) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkSize(img, e.settings); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(e.dir, FrameName(e.frames)))
	if err != nil {
		return fmt.Errorf("create frame: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := e.enc.Encode(w, img); err != nil {
		f.Close()
		return fmt.Errorf("encode frame %d: %w", e.frames, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write frame %d: %w", e.frames, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close frame %d: %w", e.frames, err)
	}
	e.frames++
	return nil
}

func (e *ImageSequenceEncoder) Close() error {
	e.logger.Info("image sequence written", "frames", e.frames)
	return nil
}

func (e *ImageSequenceEncoder) Abort() error {
	if err := os.RemoveAll(e.dir); err != nil {
		return fmt.Errorf("remove partial frames: %w", err)
	}
	return nil
}
