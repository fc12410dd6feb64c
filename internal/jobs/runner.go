package jobs

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/render"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

const pausedSettingKey = "runner.paused"

// Renderer runs one export to completion.
type Renderer interface {
	Render(ctx context.Context, cfg render.Config, obs render.Observer) (string, error)
}

// Active describes the job the runner is executing.
type Active struct {
	JobID    string       `json:"job_id"`
	Phase    render.Phase `json:"phase"`
	Progress int          `json:"progress"`
	Started  time.Time    `json:"started_at"`
}

// Runner executes pending jobs one at a time, oldest first.
type Runner struct {
	repo           Repository
	renderer       Renderer
	logger         *slog.Logger
	pollInterval   time.Duration
	defaultTimeout time.Duration
	wake           chan struct{}
	running        atomic.Bool
	paused         atomic.Bool

	mu            sync.Mutex
	active        *Active
	cancelActive  context.CancelFunc
	userCancelled bool
}

func NewRunner(repo Repository, renderer Renderer, logger *slog.Logger) *Runner {
	return &Runner{
		repo:         repo,
		renderer:     renderer,
		logger:       logging.WithComponent(logging.OrDiscard(logger), "runner"),
		pollInterval: 2 * time.Second,
		wake:         make(chan struct{}, 1),
	}
}

// SetPollInterval changes how often the queue is checked without a wake-up.
func (r *Runner) SetPollInterval(d time.Duration) {
	if d > 0 {
		r.pollInterval = d
	}
}

// SetDefaultTimeout bounds jobs that carry no timeout of their own.
func (r *Runner) SetDefaultTimeout(d time.Duration) {
	r.defaultTimeout = d
}

// Start processes jobs until ctx is done. The paused flag is restored from
// settings first.
func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}
	defer r.running.Store(false)

	if v, err := r.repo.GetSetting(ctx, pausedSettingKey); err == nil && v == "true" {
		r.paused.Store(true)
	}
	r.logger.Info("job runner started", "paused", r.paused.Load())

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if !r.paused.Load() {
			for r.ProcessNext(ctx) {
				if ctx.Err() != nil || r.paused.Load() {
					break
				}
			}
		}
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopping")
			return
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Wake makes a started runner look at the queue now.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.persistPaused("true")
	r.logger.Info("job runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.persistPaused("false")
	r.logger.Info("job runner resumed")
	r.Wake()
}

func (r *Runner) persistPaused(v string) {
	if err := r.repo.SetSetting(context.Background(), pausedSettingKey, v); err != nil {
		r.logger.Warn("failed to persist runner state", "error", err)
	}
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// Current returns a copy of the active job, or nil when idle.
func (r *Runner) Current() *Active {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	a := *r.active
	return &a
}

// CancelRunning cancels the active render when it is job id.
func (r *Runner) CancelRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.JobID != id || r.cancelActive == nil {
		return false
	}
	r.userCancelled = true
	r.cancelActive()
	return true
}

// ProcessNext runs the oldest pending job. It reports whether a job was
// taken from the queue.
func (r *Runner) ProcessNext(ctx context.Context) bool {
	job, err := r.repo.NextPendingJob(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("failed to load next job", "error", err)
		}
		return false
	}
	if job == nil {
		return false
	}
	ok, err := r.repo.MarkRunning(ctx, job.ID)
	if err != nil {
		r.logger.Error("failed to claim job", "job_id", job.ID, "error", err)
		return false
	}
	if !ok {
		return true
	}
	r.execute(ctx, job)
	return true
}

func (r *Runner) execute(ctx context.Context, job *RenderJob) {
	logger := logging.WithJobID(r.logger, job.ID)
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.active = &Active{JobID: job.ID, Phase: render.PhaseInitializing, Started: time.Now()}
	r.cancelActive = cancel
	r.userCancelled = false
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active = nil
		r.cancelActive = nil
		r.mu.Unlock()
	}()

	cfg := job.Config()
	if cfg.Options.Timeout == 0 && r.defaultTimeout > 0 {
		cfg.Options.Timeout = timeline.Seconds(r.defaultTimeout)
	}

	logger.Info("render job started", "output", logging.SanitizePath(job.OutputPath))
	lastPct, lastPhase := -1, render.Phase("")
	path, err := r.renderer.Render(jobCtx, cfg, func(e render.Event) {
		if e.Type != render.EventProgress {
			return
		}
		pct := int(math.Floor(e.Progress.Value * 100))
		if pct == lastPct && e.Progress.Phase == lastPhase {
			return
		}
		lastPct, lastPhase = pct, e.Progress.Phase
		r.mu.Lock()
		if r.active != nil {
			r.active.Phase, r.active.Progress = lastPhase, pct
		}
		r.mu.Unlock()
		if err := r.repo.UpdateJobProgress(ctx, job.ID, lastPhase, pct); err != nil {
			logger.Warn("failed to record progress", "error", err)
		}
	})

	r.mu.Lock()
	userCancelled := r.userCancelled
	r.mu.Unlock()

	finishCtx := context.WithoutCancel(ctx)
	switch {
	case err != nil && !userCancelled && ctx.Err() != nil:
		// Left running; the next start marks it interrupted.
		logger.Warn("render job interrupted by shutdown")
	case err == nil:
		size := outputSize(path)
		if ferr := r.repo.FinishJob(finishCtx, job.ID, StatusCompleted, "", size); ferr != nil {
			logger.Error("failed to record completion", "error", ferr)
		}
		logger.Info("render job completed",
			"output", logging.SanitizePath(path),
			"size", humanize.Bytes(uint64(size)),
		)
	case userCancelled && errors.Is(err, render.ErrCancelled):
		if ferr := r.repo.FinishJob(finishCtx, job.ID, StatusCancelled, err.Error(), 0); ferr != nil {
			logger.Error("failed to record cancellation", "error", ferr)
		}
		logger.Info("render job cancelled")
	default:
		if ferr := r.repo.FinishJob(finishCtx, job.ID, StatusFailed, err.Error(), 0); ferr != nil {
			logger.Error("failed to record failure", "error", ferr)
		}
		logger.Error("render job failed", "error", err)
	}
}

// outputSize is the size of a file, or the summed size of an image
// sequence directory.
func outputSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}
