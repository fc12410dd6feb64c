package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/heimdex/heimdex-render/internal/encode"
	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/render"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

var (
	ErrNotFound           = errors.New("render job not found")
	ErrInvalidComposition = errors.New("invalid composition")
	ErrNotCancellable     = errors.New("render job already finished")
	ErrInvalidOutput      = errors.New("invalid output path")
)

// SubmitRequest is a render to queue. Exactly one of Composition and
// CompositionPath is set. A relative OutputPath is placed in the output
// directory; an empty one becomes <id>.mp4 there. BaseDir resolves relative
// media paths and defaults to the composition file's directory.
type SubmitRequest struct {
	Composition     *timeline.Composition
	CompositionPath string
	OutputPath      string
	BaseDir         string
	Options         render.Options
	Origin          Origin
}

// EncoderChecker refuses outputs the local toolchain cannot encode.
type EncoderChecker interface {
	Require(ctx context.Context, encoders ...string) error
}

// Dispatcher is the part of the runner the service drives.
type Dispatcher interface {
	Wake()
	CancelRunning(id string) bool
}

type Service struct {
	repo       Repository
	dataDir    string
	outputDir  string
	dispatcher Dispatcher
	encoders   EncoderChecker
	logger     *slog.Logger
}

// NewService stores inline compositions under dataDir and places relative
// outputs in outputDir.
func NewService(repo Repository, dataDir, outputDir string, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		dataDir:   dataDir,
		outputDir: outputDir,
		logger:    logging.WithComponent(logging.OrDiscard(logger), "jobs"),
	}
}

func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

func (s *Service) SetEncoderChecker(c EncoderChecker) {
	s.encoders = c
}

// Submit validates the composition and queues a job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*RenderJob, error) {
	id := NewID()

	comp := req.Composition
	compPath := req.CompositionPath
	switch {
	case comp == nil && compPath == "":
		return nil, fmt.Errorf("%w: no composition given", ErrInvalidComposition)
	case comp == nil:
		abs, err := filepath.Abs(compPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidComposition, err)
		}
		compPath = abs
		data, err := os.ReadFile(compPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidComposition, err)
		}
		if comp, err = timeline.DecodeComposition(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidComposition, err)
		}
	}
	if _, err := comp.Build(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidComposition, err)
	}
	out, err := s.outputPath(id, req.OutputPath)
	if err != nil {
		return nil, err
	}
	if s.encoders != nil {
		if err := s.encoders.Require(ctx, encode.RequiredEncoders(out)...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
		}
	}

	if req.Composition != nil {
		p, err := s.storeComposition(id, req.Composition)
		if err != nil {
			return nil, err
		}
		compPath = p
	}

	origin := req.Origin
	if origin == "" {
		origin = OriginAPI
	}
	now := time.Now()
	job := &RenderJob{
		ID:              id,
		Status:          StatusPending,
		Origin:          origin,
		CompositionPath: compPath,
		OutputPath:      out,
		BaseDir:         req.BaseDir,
		Options:         req.Options,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create render job: %w", err)
	}
	logging.WithJobID(s.logger, id).Info("render job queued",
		"origin", origin,
		"output", logging.SanitizePath(out),
	)
	if s.dispatcher != nil {
		s.dispatcher.Wake()
	}
	return job, nil
}

// outputPath resolves a requested output against the output directory.
// Paths that climb out with ".." are refused, as are unknown extensions.
func (s *Service) outputPath(id, requested string) (string, error) {
	out := requested
	if out == "" {
		out = id + ".mp4"
	}
	for _, part := range strings.Split(filepath.ToSlash(out), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: path traversal", ErrInvalidOutput)
		}
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(s.outputDir, out)
	}
	if info, err := os.Stat(out); err == nil && !info.IsDir() && filepath.Ext(out) == "" {
		return "", fmt.Errorf("%w: %s is a file", ErrInvalidOutput, out)
	}
	if _, err := encode.KindOf(out); err != nil {
		return "", err
	}
	return out, nil
}

func (s *Service) storeComposition(id string, comp *timeline.Composition) (string, error) {
	dir := filepath.Join(s.dataDir, "compositions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create composition directory: %w", err)
	}
	data, err := json.MarshalIndent(comp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode composition: %w", err)
	}
	path := filepath.Join(dir, id+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("store composition: %w", err)
	}
	return path, nil
}

func (s *Service) Get(ctx context.Context, id string) (*RenderJob, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNotFound
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, limit int) ([]*RenderJob, error) {
	return s.repo.ListJobs(ctx, limit)
}

func (s *Service) Counts(ctx context.Context) (Counts, error) {
	return s.repo.CountJobs(ctx)
}

// Cancel stops a queued or running job.
func (s *Service) Cancel(ctx context.Context, id string) (*RenderJob, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case StatusPending:
		ok, err := s.repo.CancelPendingJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok && (s.dispatcher == nil || !s.dispatcher.CancelRunning(id)) {
			return nil, ErrNotCancellable
		}
	case StatusRunning:
		if s.dispatcher == nil || !s.dispatcher.CancelRunning(id) {
			return nil, ErrNotCancellable
		}
	default:
		return nil, ErrNotCancellable
	}
	logging.WithJobID(s.logger, id).Info("render job cancel requested", "status", job.Status)
	return s.Get(ctx, id)
}

// Config is the render configuration for a job.
func (j *RenderJob) Config() render.Config {
	return render.Config{
		CompositionPath: j.CompositionPath,
		OutputPath:      j.OutputPath,
		BaseDir:         j.BaseDir,
		Options:         j.Options,
	}
}
