package api

import (
	"encoding/json"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/heimdex/heimdex-render/internal/assets"
	"github.com/heimdex/heimdex-render/internal/effect"
	"github.com/heimdex/heimdex-render/internal/jobs"
	"github.com/heimdex/heimdex-render/internal/render"
	"github.com/heimdex/heimdex-render/internal/transition"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State       string             `json:"state"`
	LastError   string             `json:"last_error,omitempty"`
	Paused      bool               `json:"paused"`
	Jobs        map[string]int     `json:"jobs"`
	ActiveJob   *ActiveJobResponse `json:"active_job,omitempty"`
	Toolchain   *ToolchainResponse `json:"toolchain,omitempty"`
	Effects     int                `json:"effects"`
	Transitions int                `json:"transitions"`
}

type ActiveJobResponse struct {
	ID       string `json:"id"`
	Phase    string `json:"phase"`
	Progress int    `json:"progress"`
	Elapsed  string `json:"elapsed"`
}

type ToolchainResponse struct {
	FFmpeg      bool   `json:"ffmpeg"`
	FFprobe     bool   `json:"ffprobe"`
	Version     string `json:"version,omitempty"`
	H264        bool   `json:"h264"`
	AAC         bool   `json:"aac"`
	VideoDecode bool   `json:"video_decode"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
}

// RenderRequest submits a render. Composition is an inline composition
// document; CompositionPath names one on disk.
type RenderRequest struct {
	Composition     json.RawMessage `json:"composition,omitempty"`
	CompositionPath string          `json:"composition_path,omitempty"`
	OutputPath      string          `json:"output_path,omitempty"`
	Options         render.Options  `json:"options"`
}

type RenderJobResponse struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Origin          string `json:"origin"`
	CompositionPath string `json:"composition_path"`
	OutputPath      string `json:"output_path"`
	Phase           string `json:"phase,omitempty"`
	Progress        int    `json:"progress"`
	Error           string `json:"error,omitempty"`
	OutputSize      int64  `json:"output_size,omitempty"`
	OutputSizeHuman string `json:"output_size_human,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	StartedAt       string `json:"started_at,omitempty"`
	FinishedAt      string `json:"finished_at,omitempty"`
}

type RenderJobsResponse struct {
	Renders []RenderJobResponse `json:"renders"`
}

type EffectsResponse struct {
	Effects []effect.Descriptor `json:"effects"`
}

type TransitionsResponse struct {
	Transitions []transition.Descriptor `json:"transitions"`
}

type AssetSearchResponse struct {
	Items []assets.Item `json:"items"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func RenderJobToResponse(j *jobs.RenderJob) RenderJobResponse {
	resp := RenderJobResponse{
		ID:              j.ID,
		Status:          string(j.Status),
		Origin:          string(j.Origin),
		CompositionPath: j.CompositionPath,
		OutputPath:      j.OutputPath,
		Phase:           string(j.Phase),
		Progress:        j.Progress,
		Error:           j.Error,
		OutputSize:      j.OutputSize,
		CreatedAt:       j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       j.UpdatedAt.Format(time.RFC3339),
	}
	if j.OutputSize > 0 {
		resp.OutputSizeHuman = humanize.Bytes(uint64(j.OutputSize))
	}
	if j.StartedAt != nil {
		resp.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if j.FinishedAt != nil {
		resp.FinishedAt = j.FinishedAt.Format(time.RFC3339)
	}
	return resp
}
