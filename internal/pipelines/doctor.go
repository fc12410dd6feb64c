package pipelines

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/heimdex/heimdex-render/internal/logging"
)

const defaultCacheTTL = 5 * time.Minute

// ErrMissingEncoder is matched by MissingEncoderError.
var ErrMissingEncoder = errors.New("ffmpeg encoder not available")

// MissingEncoderError lists the encoders the local ffmpeg cannot provide.
type MissingEncoderError struct {
	Names []string
}

func (e *MissingEncoderError) Error() string {
	return fmt.Sprintf("ffmpeg encoder not available: %s", strings.Join(e.Names, ", "))
}

func (e *MissingEncoderError) Is(target error) bool {
	return target == ErrMissingEncoder
}

// CachedDoctor wraps a Runner to cache toolchain probes with a TTL, so the
// status endpoint and every render do not each spawn ffmpeg.
type CachedDoctor struct {
	runner Runner
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

// NewCachedDoctor creates a caching wrapper around doctor probes.
func NewCachedDoctor(runner Runner, logger *slog.Logger) *CachedDoctor {
	return &CachedDoctor{
		runner: runner,
		ttl:    defaultCacheTTL,
		logger: logging.WithComponent(logging.OrDiscard(logger), "doctor"),
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := d.cached
		d.mu.RUnlock()
		return caps, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

// Peek returns the last probe without running a new one.
func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a new probe. On failure the stale result is returned if any.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps, err := d.runner.RunDoctor(ctx)
	if err != nil {
		d.logger.Warn("doctor probe failed", "error", err)
		if d.cached != nil {
			d.logger.Info("returning stale capabilities cache")
			return d.cached, nil
		}
		return nil, err
	}

	d.cached = caps
	return caps, nil
}

// Invalidate clears the cached capabilities.
func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

// Require checks the named encoders against the cached probe. When no probe
// has ever succeeded nothing is refused and the render reports the failure.
func (d *CachedDoctor) Require(ctx context.Context, encoders ...string) error {
	if len(encoders) == 0 {
		return nil
	}
	caps, err := d.Get(ctx)
	if err != nil || caps == nil {
		return nil
	}
	var missing []string
	for _, name := range encoders {
		if !caps.Encoders[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingEncoderError{Names: missing}
	}
	return nil
}
