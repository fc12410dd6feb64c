package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-render/internal/assets"
	"github.com/heimdex/heimdex-render/internal/encode"
	"github.com/heimdex/heimdex-render/internal/export"
	"github.com/heimdex/heimdex-render/internal/jobs"
	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

const maxRenderRequestBytes = 8 << 20

func NewRouter(cfg ServerConfig) *chi.Mux {
	cfg.Logger = logging.OrDiscard(cfg.Logger)
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(LoopbackGuard())

		r.Get("/renders/{id}/output", outputHandler(cfg))
		r.Head("/renders/{id}/output", outputHandler(cfg))
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Tokens, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Get("/effects", effectsHandler(cfg))
		r.Get("/transitions", transitionsHandler(cfg))
		r.Post("/runner/pause", pauseHandler(cfg, true))
		r.Post("/runner/resume", pauseHandler(cfg, false))
		r.Post("/renders", createRenderHandler(cfg))
		r.Get("/renders", listRendersHandler(cfg))
		r.Get("/renders/{id}", getRenderHandler(cfg))
		r.Post("/renders/{id}/cancel", cancelRenderHandler(cfg))
		r.Get("/renders/{id}/edl", edlHandler(cfg))
		r.Get("/assets/search", assetSearchHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := cfg.Version
		if version == "" {
			version = "dev"
		}
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		resp := StatusResponse{State: "idle", Jobs: map[string]int{}}

		counts, err := cfg.Renders.Counts(ctx)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to count renders", "INTERNAL_ERROR")
			return
		}
		for status, n := range counts {
			resp.Jobs[string(status)] = n
		}

		recent, _ := cfg.Renders.List(ctx, 10)
		for _, j := range recent {
			if j.Status == jobs.StatusFailed {
				resp.LastError = j.Error
				break
			}
			if j.Status == jobs.StatusCompleted {
				break
			}
		}
		if resp.LastError != "" {
			resp.State = "error"
		}

		if cfg.Runner != nil {
			if a := cfg.Runner.Current(); a != nil {
				resp.State = "rendering"
				resp.ActiveJob = &ActiveJobResponse{
					ID:       a.JobID,
					Phase:    string(a.Phase),
					Progress: a.Progress,
					Elapsed:  time.Since(a.Started).Round(time.Second).String(),
				}
			}
			if cfg.Runner.IsPaused() {
				resp.Paused = true
				if resp.ActiveJob == nil {
					resp.State = "paused"
				}
			}
		}

		if cfg.Doctor != nil {
			if caps := cfg.Doctor.Peek(); caps != nil {
				resp.Toolchain = &ToolchainResponse{
					FFmpeg:      caps.FFmpeg.Available,
					FFprobe:     caps.FFprobe.Available,
					Version:     caps.FFmpeg.Version,
					H264:        caps.HasH264,
					AAC:         caps.HasAAC,
					VideoDecode: caps.HasVideoDecode,
				}
				if !caps.ProbedAt.IsZero() {
					resp.Toolchain.LastProbeAt = caps.ProbedAt.Format(time.RFC3339)
				}
			}
		}
		if cfg.Effects != nil {
			resp.Effects = len(cfg.Effects.Names())
		}
		if cfg.Transitions != nil {
			resp.Transitions = len(cfg.Transitions.Names())
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func effectsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := EffectsResponse{}
		if cfg.Effects != nil {
			resp.Effects = cfg.Effects.Describe()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func transitionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := TransitionsResponse{}
		if cfg.Transitions != nil {
			resp.Transitions = cfg.Transitions.Describe()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func pauseHandler(cfg ServerConfig, pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "runner not available", "UNAVAILABLE")
			return
		}
		if pause {
			cfg.Runner.Pause()
		} else {
			cfg.Runner.Resume()
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"paused": cfg.Runner.IsPaused()})
	}
}

func createRenderHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RenderRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRenderRequestBytes)).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		submit := jobs.SubmitRequest{
			CompositionPath: req.CompositionPath,
			OutputPath:      req.OutputPath,
			Options:         req.Options,
			Origin:          jobs.OriginAPI,
		}
		if len(req.Composition) > 0 && string(req.Composition) != "null" {
			comp, err := timeline.DecodeComposition(bytes.NewReader(req.Composition))
			if err != nil {
				WriteError(w, http.StatusBadRequest, err.Error(), "INVALID_COMPOSITION")
				return
			}
			submit.Composition = comp
			submit.CompositionPath = ""
		}
		if submit.Composition == nil && submit.CompositionPath == "" {
			WriteError(w, http.StatusBadRequest, "composition or composition_path is required", "BAD_REQUEST")
			return
		}

		job, err := cfg.Renders.Submit(r.Context(), submit)
		switch {
		case err == nil:
		case errors.Is(err, jobs.ErrInvalidComposition):
			WriteError(w, http.StatusBadRequest, err.Error(), "INVALID_COMPOSITION")
			return
		case errors.Is(err, jobs.ErrInvalidOutput), errors.Is(err, encode.ErrUnsupportedFormat):
			WriteError(w, http.StatusBadRequest, err.Error(), "INVALID_OUTPUT")
			return
		default:
			cfg.Logger.Error("failed to submit render", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to submit render", "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusAccepted, RenderJobToResponse(job))
	}
}

func listRendersHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 500 {
				WriteError(w, http.StatusBadRequest, "limit must be between 1 and 500", "BAD_REQUEST")
				return
			}
			limit = n
		}

		list, err := cfg.Renders.List(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list renders", "INTERNAL_ERROR")
			return
		}

		resp := RenderJobsResponse{Renders: make([]RenderJobResponse, len(list))}
		for i, j := range list {
			resp.Renders[i] = RenderJobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// lookupJob loads the job named in the URL, writing the error response
// itself when it cannot.
func lookupJob(cfg ServerConfig, w http.ResponseWriter, r *http.Request) *jobs.RenderJob {
	job, err := cfg.Renders.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		WriteError(w, http.StatusNotFound, "render not found", "NOT_FOUND")
		return nil
	case err != nil:
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return nil
	}
	return job
}

func getRenderHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if job := lookupJob(cfg, w, r); job != nil {
			WriteJSON(w, http.StatusOK, RenderJobToResponse(job))
		}
	}
}

func cancelRenderHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Renders.Cancel(r.Context(), chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			WriteError(w, http.StatusNotFound, "render not found", "NOT_FOUND")
		case errors.Is(err, jobs.ErrNotCancellable):
			WriteError(w, http.StatusConflict, err.Error(), "CONFLICT")
		case err != nil:
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		default:
			WriteJSON(w, http.StatusAccepted, RenderJobToResponse(job))
		}
	}
}

func outputHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(cfg, w, r)
		if job == nil {
			return
		}
		if job.Status != jobs.StatusCompleted {
			WriteError(w, http.StatusConflict, "render has no output yet", "NOT_READY")
			return
		}
		if cfg.Playback == nil {
			WriteError(w, http.StatusServiceUnavailable, "output serving not available", "UNAVAILABLE")
			return
		}
		if err := cfg.Playback.ServeOutput(w, r, job.OutputPath); err != nil {
			cfg.Logger.Error("output serving error", "error", err, "job_id", job.ID)
		}
	}
}

func assetSearchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Assets == nil {
			WriteError(w, http.StatusServiceUnavailable, assets.ErrNotConfigured.Error(), "NOT_CONFIGURED")
			return
		}
		q := r.URL.Query()
		query := assets.Query{
			Query: strings.TrimSpace(q.Get("query")),
			Type:  assets.Type(q.Get("type")),
		}
		query.Page, _ = strconv.Atoi(q.Get("page"))
		query.PerPage, _ = strconv.Atoi(q.Get("per_page"))

		res, err := cfg.Assets.Search(r.Context(), query)
		var se *assets.SearchError
		switch {
		case err == nil:
		case errors.Is(err, assets.ErrNotConfigured):
			WriteError(w, http.StatusServiceUnavailable, err.Error(), "NOT_CONFIGURED")
			return
		case errors.As(err, &se):
			WriteError(w, http.StatusBadGateway, err.Error(), "UPSTREAM_ERROR")
			return
		default:
			WriteError(w, http.StatusBadGateway, err.Error(), "UPSTREAM_ERROR")
			return
		}

		resp := AssetSearchResponse{Items: res.Items, Total: res.Total, Page: res.Page}
		if resp.Items == nil {
			resp.Items = []assets.Item{}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func readComposition(path string) (*timeline.Timeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	comp, err := timeline.DecodeComposition(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return comp.Build()
}

func outputStem(path string) string {
	base := filepath.Base(strings.TrimRight(path, `/\`))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func edlHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(cfg, w, r)
		if job == nil {
			return
		}
		tl, err := readComposition(job.CompositionPath)
		if err != nil {
			WriteError(w, http.StatusUnprocessableEntity, err.Error(), "INVALID_COMPOSITION")
			return
		}
		snap := tl.Snapshot()

		title := export.SanitizeName(outputStem(job.OutputPath), 64)
		if title == "" {
			title = job.ID
		}
		edl := export.GenerateEDL(export.Events(snap), title, snap.FPS)

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.edl"`, title))
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, edl)
	}
}
