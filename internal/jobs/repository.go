package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/heimdex/heimdex-render/internal/render"
)

type Repository interface {
	CreateJob(ctx context.Context, job *RenderJob) error
	GetJob(ctx context.Context, id string) (*RenderJob, error)
	ListJobs(ctx context.Context, limit int) ([]*RenderJob, error)
	NextPendingJob(ctx context.Context) (*RenderJob, error)
	CountJobs(ctx context.Context) (Counts, error)
	MarkRunning(ctx context.Context, id string) (bool, error)
	UpdateJobProgress(ctx context.Context, id string, phase render.Phase, progress int) error
	FinishJob(ctx context.Context, id string, status Status, errMsg string, outputSize int64) error
	CancelPendingJob(ctx context.Context, id string) (bool, error)

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const jobColumns = `id, status, origin, composition_path, output_path, base_dir, options, phase, progress,
	error, output_size, created_at, updated_at, started_at, finished_at`

func (r *SQLiteRepository) CreateJob(ctx context.Context, j *RenderJob) error {
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("encode job options: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO render_jobs (id, status, origin, composition_path, output_path, base_dir, options, phase, progress, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Status, j.Origin, j.CompositionPath, j.OutputPath, nullString(j.BaseDir), string(opts),
		nullString(string(j.Phase)), j.Progress, nullString(j.Error),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	return err
}

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*RenderJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM render_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*RenderJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM render_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RenderJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) NextPendingJob(ctx context.Context) (*RenderJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM render_jobs
		WHERE status = 'pending' ORDER BY created_at ASC, rowid ASC LIMIT 1`)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (r *SQLiteRepository) CountJobs(ctx context.Context) (Counts, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM render_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := Counts{}
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

// MarkRunning claims a pending job. It reports false when the job was
// cancelled or claimed in the meantime.
func (r *SQLiteRepository) MarkRunning(ctx context.Context, id string) (bool, error) {
	now := formatTime(time.Now())
	res, err := r.db.ExecContext(ctx, `
		UPDATE render_jobs SET status = 'running', phase = ?, progress = 0, updated_at = ?, started_at = ?
		WHERE id = ? AND status = 'pending'
	`, render.PhaseInitializing, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *SQLiteRepository) UpdateJobProgress(ctx context.Context, id string, phase render.Phase, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE render_jobs SET phase = ?, progress = ?, updated_at = ? WHERE id = ? AND status = 'running'
	`, phase, progress, formatTime(time.Now()), id)
	return err
}

func (r *SQLiteRepository) FinishJob(ctx context.Context, id string, status Status, errMsg string, outputSize int64) error {
	phase := render.PhaseFailed
	progress := "progress"
	if status == StatusCompleted {
		phase = render.PhaseComplete
		progress = "100"
	}
	now := formatTime(time.Now())
	_, err := r.db.ExecContext(ctx, `
		UPDATE render_jobs SET status = ?, phase = ?, progress = `+progress+`, error = ?, output_size = ?, updated_at = ?, finished_at = ?
		WHERE id = ?
	`, status, phase, nullString(errMsg), outputSize, now, now, id)
	return err
}

func (r *SQLiteRepository) CancelPendingJob(ctx context.Context, id string) (bool, error) {
	now := formatTime(time.Now())
	res, err := r.db.ExecContext(ctx, `
		UPDATE render_jobs SET status = 'cancelled', phase = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND status = 'pending'
	`, render.PhaseFailed, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *SQLiteRepository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*RenderJob, error) {
	var j RenderJob
	var baseDir, opts, phase, errMsg, startedAt, finishedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&j.ID, &j.Status, &j.Origin, &j.CompositionPath, &j.OutputPath, &baseDir, &opts, &phase,
		&j.Progress, &errMsg, &j.OutputSize, &createdAt, &updatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if opts.Valid && opts.String != "" {
		if err := json.Unmarshal([]byte(opts.String), &j.Options); err != nil {
			return nil, fmt.Errorf("decode options of job %s: %w", j.ID, err)
		}
	}
	j.BaseDir = baseDir.String
	j.Phase = render.Phase(phase.String)
	j.Error = errMsg.String
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	j.StartedAt = parseNullTime(startedAt)
	j.FinishedAt = parseNullTime(finishedAt)
	return &j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.DateTime, s)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
