package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-render/internal/effect"
	"github.com/heimdex/heimdex-render/internal/encode"
	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/media"
	"github.com/heimdex/heimdex-render/internal/subtitle"
	"github.com/heimdex/heimdex-render/internal/timeline"
	"github.com/heimdex/heimdex-render/internal/transition"
)

// Deps are the collaborators of a Renderer. Nil registries get the built-in
// set; a nil Loader gets one with caption support from Fonts.
type Deps struct {
	Effects     *effect.Registry
	Transitions *transition.Registry
	Fonts       *subtitle.FontRegistry
	Loader      *media.Loader
	Encoders    *encode.Factory
	Logger      *slog.Logger
	// Parallelism bounds concurrent frame decodes; 0 means GOMAXPROCS.
	Parallelism int
}

// Renderer runs exports. It holds no per-export state and may run several
// exports at once.
type Renderer struct {
	effects     *effect.Registry
	transitions *transition.Registry
	loader      *media.Loader
	encoders    *encode.Factory
	logger      *slog.Logger
	parallelism int
}

func New(d Deps) *Renderer {
	logger := logging.WithComponent(logging.OrDiscard(d.Logger), "render")
	r := &Renderer{
		effects:     d.Effects,
		transitions: d.Transitions,
		loader:      d.Loader,
		encoders:    d.Encoders,
		logger:      logger,
		parallelism: d.Parallelism,
	}
	if r.effects == nil {
		reg, err := effect.NewDefaultRegistry(effect.WithLogger(d.Logger))
		if err != nil {
			logger.Error("built-in effects failed to register", "error", err)
			reg = effect.NewRegistry(effect.WithLogger(d.Logger))
		}
		r.effects = reg
	}
	if r.transitions == nil {
		reg, err := transition.NewDefaultRegistry(transition.WithLogger(d.Logger))
		if err != nil {
			logger.Error("built-in transitions failed to register", "error", err)
			reg = transition.NewRegistry(transition.WithLogger(d.Logger))
		}
		r.transitions = reg
	}
	if r.loader == nil {
		var opts []media.LoaderOption
		if d.Fonts != nil {
			opts = append(opts, media.WithCaptions(subtitle.NewRenderer(d.Fonts)))
		}
		r.loader = media.NewLoader(append(opts, media.WithLogger(d.Logger))...)
	}
	if r.encoders == nil {
		r.encoders = encode.NewFactory(nil, d.Logger)
	}
	if r.parallelism <= 0 {
		r.parallelism = runtime.GOMAXPROCS(0)
	}
	return r
}

// Start runs an export in the background.
func (r *Renderer) Start(ctx context.Context, cfg Config) *Export {
	ctx, cancel := context.WithCancel(ctx)
	e := newExport(uuid.NewString(), cancel)
	go func() {
		defer close(e.done)
		defer e.finish()
		defer cancel()
		e.path, e.err = r.render(ctx, e.id, cfg, e.push)
	}()
	return e
}

// Render runs an export synchronously, reporting to obs, which may be nil.
func (r *Renderer) Render(ctx context.Context, cfg Config, obs Observer) (string, error) {
	return r.render(ctx, uuid.NewString(), cfg, obs)
}

func (r *Renderer) render(ctx context.Context, id string, cfg Config, obs Observer) (string, error) {
	logger := logging.WithRenderID(r.logger, id)
	tr := &tracker{obs: obs}
	started := time.Now()

	timeout := cfg.Options.Timeout.D()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	path, err := r.run(ctx, id, cfg, tr, logger)
	if err != nil {
		if ctx.Err() != nil {
			cause := ErrCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				cause = fmt.Errorf("%w: timeout after %v", ErrCancelled, timeout)
			}
			err = cause
		}
		var rerr *Error
		if !errors.As(err, &rerr) {
			err = &Error{Phase: tr.phase, Err: err}
		}
		logger.Error("render failed", "phase", tr.phase, "error", err, "elapsed", elapsed(started))
		tr.fail(err)
		return "", err
	}
	logger.Info("render complete", "output", logging.SanitizePath(path), "frames", tr.frames, "elapsed", elapsed(started))
	tr.complete(path)
	return path, nil
}

func (r *Renderer) run(ctx context.Context, id string, cfg Config, tr *tracker, logger *slog.Logger) (string, error) {
	tr.emit(PhaseInitializing, 0, "preparing timeline", 0)

	tl, baseDir, err := loadTimeline(cfg)
	if err != nil {
		return "", err
	}
	output, kind, err := outputPath(cfg.OutputPath)
	if err != nil {
		return "", err
	}
	snap := tl.Snapshot()
	frames := snap.FrameCount()
	if frames == 0 {
		return "", errors.New("timeline is empty")
	}
	tr.frames = frames

	tr.emit(PhaseLoading, 0, "opening sources", 0)
	job, err := r.load(ctx, snap, baseDir, tr)
	if job != nil {
		defer job.close(logger)
	}
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	tmp := tempPath(output, id)
	enc, err := r.encoders.OpenAs(ctx, kind, tmp, encode.Settings{
		Width:    snap.Width,
		Height:   snap.Height,
		FPS:      snap.FPS,
		Duration: snap.Duration(),
		Audio:    job.audio,
		CRF:      cfg.Options.CRF,
	})
	if err != nil {
		return "", err
	}
	finished := false
	defer func() {
		if !finished {
			if err := enc.Abort(); err != nil {
				logger.Warn("abort encoder", "error", err)
			}
		}
	}()

	tr.emit(PhaseRendering, 0.1, "rendering frames", 0)
	comp := newCompositor(snap, job.sources, r.effects, r.transitions, r.parallelism, logger)
	step := max(frames/100, 1)
	for i := 0; i < frames; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		frame, err := comp.frame(ctx, snap.FrameTime(i))
		if err != nil {
			return "", fmt.Errorf("frame %d: %w", i, err)
		}
		if err := enc.WriteFrame(ctx, frame); err != nil {
			return "", fmt.Errorf("encode frame %d: %w", i, err)
		}
		if (i+1)%step == 0 || i+1 == frames {
			tr.emit(PhaseRendering, 0.1+0.8*float64(i+1)/float64(frames), "", i+1)
		}
	}

	tr.emit(PhaseSaving, 0.9, "finalizing output", frames)
	finished = true
	if err := enc.Close(); err != nil {
		enc.Abort()
		return "", err
	}
	if err := ctx.Err(); err != nil {
		enc.Abort()
		return "", err
	}
	if err := replace(tmp, output); err != nil {
		enc.Abort()
		return "", err
	}
	tr.emit(PhaseSaving, 1, "saved", frames)
	return output, nil
}

func loadTimeline(cfg Config) (*timeline.Timeline, string, error) {
	baseDir := cfg.BaseDir
	switch {
	case cfg.Timeline != nil:
		return cfg.Timeline, baseDir, nil
	case cfg.Composition != nil:
		tl, err := cfg.Composition.Build()
		return tl, baseDir, err
	case cfg.CompositionPath != "":
		f, err := os.Open(cfg.CompositionPath)
		if err != nil {
			return nil, "", fmt.Errorf("open composition: %w", err)
		}
		defer f.Close()
		comp, err := timeline.DecodeComposition(f)
		if err != nil {
			return nil, "", err
		}
		if baseDir == "" {
			baseDir = filepath.Dir(cfg.CompositionPath)
		}
		tl, err := comp.Build()
		return tl, baseDir, err
	default:
		return nil, "", errors.New("config has no composition")
	}
}

// outputPath resolves p and picks the encoder kind from it. The temp name
// written during rendering does not carry the kind reliably.
func outputPath(p string) (string, encode.Kind, error) {
	if p == "" {
		return "", "", errors.New("config has no output path")
	}
	kind, err := encode.KindOf(p)
	if err != nil {
		return "", "", err
	}
	abs, err := filepath.Abs(filepath.Clean(p))
	return abs, kind, err
}

// tempPath is a hidden sibling of output with the same extension.
func tempPath(output, id string) string {
	dir, base := filepath.Split(output)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf(".%s.%s.partial%s", stem, id[:8], ext))
}

// replace moves tmp over output. A frame directory replaces an existing one.
func replace(tmp, output string) error {
	if info, err := os.Stat(tmp); err == nil && info.IsDir() {
		if err := os.RemoveAll(output); err != nil {
			return fmt.Errorf("replace output: %w", err)
		}
	}
	if err := os.Rename(tmp, output); err != nil {
		return fmt.Errorf("move output into place: %w", err)
	}
	return nil
}
