package render

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/heimdex/heimdex-render/internal/encode"
	"github.com/heimdex/heimdex-render/internal/media"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

// job holds what an export opened during loading.
type job struct {
	sources map[string]media.FrameSource
	audio   []encode.AudioInput
}

func (j *job) close(logger *slog.Logger) {
	for id, src := range j.sources {
		if err := src.Close(); err != nil {
			logger.Warn("close frame source", "clip_id", id, "error", err)
		}
	}
}

// load validates every effect and transition reference, opens one frame
// source per visual clip and collects the audio inputs.
func (r *Renderer) load(ctx context.Context, snap *timeline.Snapshot, baseDir string, tr *tracker) (*job, error) {
	clips := snap.Clips()
	for _, c := range clips {
		if err := r.validate(c); err != nil {
			return nil, err
		}
	}

	j := &job{sources: make(map[string]media.FrameSource, len(clips))}
	for i, c := range clips {
		if err := ctx.Err(); err != nil {
			return j, err
		}
		_, _, bw, bh := c.Layout.Box(snap.Width, snap.Height)
		src, err := r.loader.Open(ctx, c.Source, media.Options{
			Width:   int(bw + 0.5),
			Height:  int(bh + 0.5),
			FPS:     snap.FPS * clipRate(c),
			BaseDir: baseDir,
		})
		if err != nil {
			return j, fmt.Errorf("clip %q: %w", c.ID, err)
		}
		j.sources[c.ID] = src
		tr.emit(PhaseLoading, 0.1*float64(i+1)/float64(len(clips)), "opened "+c.ID, 0)
	}

	for _, c := range snap.AudioClips() {
		j.audio = append(j.audio, encode.AudioInput{
			Path:     resolve(c.Source.Src, baseDir),
			Start:    c.Start,
			Offset:   c.SourceOffset,
			Duration: c.Duration(),
			Rate:     c.Rate,
		})
	}
	return j, nil
}

func (r *Renderer) validate(c *timeline.Clip) error {
	for _, e := range c.Effects {
		if err := r.effects.Validate(e.Name, e.Params); err != nil {
			return fmt.Errorf("clip %q: %w", c.ID, err)
		}
	}
	for _, ref := range []*timeline.TransitionRef{c.TransitionIn, c.TransitionOut} {
		if ref == nil {
			continue
		}
		if err := r.transitions.Validate(ref.Name, ref.Params); err != nil {
			return fmt.Errorf("clip %q: %w", c.ID, err)
		}
	}
	return nil
}

func clipRate(c *timeline.Clip) float64 {
	if c.Rate <= 0 {
		return 1
	}
	return c.Rate
}

func resolve(src, baseDir string) string {
	if src == "" || baseDir == "" || filepath.IsAbs(src) ||
		strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return src
	}
	return filepath.Join(baseDir, src)
}
