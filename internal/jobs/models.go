// Package jobs is the render job ledger: queued, running and finished
// exports persisted in sqlite and executed one at a time by a Runner.
package jobs

import (
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-render/internal/render"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in this status will never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Origin records what submitted a job.
type Origin string

const (
	OriginAPI   Origin = "api"
	OriginInbox Origin = "inbox"
)

type RenderJob struct {
	ID              string         `json:"id"`
	Status          Status         `json:"status"`
	Origin          Origin         `json:"origin"`
	CompositionPath string         `json:"composition_path"`
	OutputPath      string         `json:"output_path"`
	BaseDir         string         `json:"base_dir,omitempty"`
	Options         render.Options `json:"options"`
	Phase           render.Phase   `json:"phase,omitempty"`
	Progress        int            `json:"progress"`
	Error           string         `json:"error,omitempty"`
	OutputSize      int64          `json:"output_size,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
}

// Counts is the number of jobs per status.
type Counts map[Status]int

func NewID() string {
	return uuid.NewString()
}
