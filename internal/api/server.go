package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/heimdex/heimdex-render/internal/assets"
	"github.com/heimdex/heimdex-render/internal/effect"
	"github.com/heimdex/heimdex-render/internal/jobs"
	"github.com/heimdex/heimdex-render/internal/pipelines"
	"github.com/heimdex/heimdex-render/internal/playback"
	"github.com/heimdex/heimdex-render/internal/transition"
)

// RenderService is the part of the job service the API drives.
type RenderService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.RenderJob, error)
	Get(ctx context.Context, id string) (*jobs.RenderJob, error)
	List(ctx context.Context, limit int) ([]*jobs.RenderJob, error)
	Counts(ctx context.Context) (jobs.Counts, error)
	Cancel(ctx context.Context, id string) (*jobs.RenderJob, error)
}

// RunnerControl is the part of the job runner the API reports on and drives.
type RunnerControl interface {
	IsPaused() bool
	Pause()
	Resume()
	Current() *jobs.Active
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port        int
	Version     string
	Renders     RenderService
	Runner      RunnerControl
	Tokens      TokenStore
	Playback    playback.OutputService
	Effects     *effect.Registry
	Transitions *transition.Registry
	Assets      assets.Searcher
	Doctor      *pipelines.CachedDoctor
	Logger      *slog.Logger
	StartTime   time.Time
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
