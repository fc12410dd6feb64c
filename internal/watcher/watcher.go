// Package watcher turns composition files dropped into an inbox directory
// into queued render jobs.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/heimdex/heimdex-render/internal/jobs"
	"github.com/heimdex/heimdex-render/internal/logging"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Watcher reports what happened to each inbox file it picks up.
type Watcher interface {
	Watch(ctx context.Context, path string) error
	Stop() error
	OnChange(callback func(path string, event EventType))
}

type EventType int

const (
	EventQueued EventType = iota
	EventRejected
)

func (e EventType) String() string {
	if e == EventQueued {
		return "queued"
	}
	return "rejected"
}

// Submitter queues a render job.
type Submitter interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.RenderJob, error)
}

// Inbox watches one directory for *.json compositions. A picked-up file is
// moved to processed/ and rendered to <stem>.mp4 in the output directory;
// a file the job service refuses goes to failed/ next to a .error note.
// Relative media paths resolve against the inbox directory.
type Inbox struct {
	submitter    Submitter
	logger       *slog.Logger
	pollInterval time.Duration
	settle       time.Duration

	mu       sync.Mutex
	callback func(path string, event EventType)
	stop     chan struct{}
	stopOnce sync.Once
}

func NewInbox(submitter Submitter, logger *slog.Logger) *Inbox {
	return &Inbox{
		submitter:    submitter,
		logger:       logging.WithComponent(logging.OrDiscard(logger), "inbox"),
		pollInterval: 5 * time.Second,
		settle:       time.Second,
		stop:         make(chan struct{}),
	}
}

// SetPollInterval sets how often the directory is swept when no
// notification arrives.
func (w *Inbox) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// SetSettle sets how long a file must go unmodified before it is picked up.
func (w *Inbox) SetSettle(d time.Duration) {
	if d >= 0 {
		w.settle = d
	}
}

func (w *Inbox) OnChange(callback func(path string, event EventType)) {
	w.mu.Lock()
	w.callback = callback
	w.mu.Unlock()
}

// Watch blocks until ctx is done or Stop is called.
func (w *Inbox) Watch(ctx context.Context, dir string) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := ensureDirs(dir); err != nil {
		return err
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	fw, err := fsnotify.NewWatcher()
	if err == nil {
		err = fw.Add(dir)
	}
	if err != nil {
		w.logger.Warn("file notifications unavailable, polling only", "error", err)
	} else {
		defer fw.Close()
		events, errs = fw.Events, fw.Errors
	}

	w.logger.Info("watching inbox", "dir", logging.SanitizePath(dir), "poll_interval", w.pollInterval)
	w.Scan(ctx, dir)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var due <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) && isCandidate(filepath.Base(ev.Name)) {
				due = time.After(w.settle)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("inbox notification error", "error", err)
		case <-due:
			due = nil
			w.Scan(ctx, dir)
		case <-ticker.C:
			w.Scan(ctx, dir)
		}
	}
}

func (w *Inbox) Stop() error {
	w.stopOnce.Do(func() { close(w.stop) })
	return nil
}

// Scan submits every settled composition in dir and returns how many were
// queued.
func (w *Inbox) Scan(ctx context.Context, dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Error("failed to read inbox", "error", err)
		return 0
	}
	if err := ensureDirs(dir); err != nil {
		w.logger.Error("failed to prepare inbox", "error", err)
		return 0
	}

	queued := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if e.IsDir() || !isCandidate(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < w.settle {
			continue
		}
		if w.process(ctx, dir, e.Name()) {
			queued++
		}
	}
	return queued
}

func (w *Inbox) process(ctx context.Context, dir, name string) bool {
	logger := w.logger.With("file", name)

	claimed, err := uniquePath(filepath.Join(dir, processedDir), name)
	if err == nil {
		err = os.Rename(filepath.Join(dir, name), claimed)
	}
	if err != nil {
		logger.Error("failed to claim inbox file", "error", err)
		return false
	}

	stem := strings.TrimSuffix(name, filepath.Ext(name))
	job, err := w.submitter.Submit(ctx, jobs.SubmitRequest{
		CompositionPath: claimed,
		OutputPath:      stem + ".mp4",
		BaseDir:         dir,
		Origin:          jobs.OriginInbox,
	})
	if err != nil {
		logger.Warn("inbox composition rejected", "error", err)
		w.reject(dir, claimed, err)
		w.notify(name, EventRejected)
		return false
	}

	logging.WithJobID(logger, job.ID).Info("inbox composition queued")
	w.notify(name, EventQueued)
	return true
}

func (w *Inbox) reject(dir, claimed string, cause error) {
	dest, err := uniquePath(filepath.Join(dir, failedDir), filepath.Base(claimed))
	if err == nil {
		err = os.Rename(claimed, dest)
	}
	if err != nil {
		w.logger.Error("failed to move rejected file", "error", err)
		return
	}
	if err := os.WriteFile(dest+".error", []byte(cause.Error()+"\n"), 0o644); err != nil {
		w.logger.Warn("failed to write rejection note", "error", err)
	}
}

// ensureDirs creates dir and the processed/ and failed/ directories inside it.
func ensureDirs(dir string) error {
	for _, d := range []string{dir, filepath.Join(dir, processedDir), filepath.Join(dir, failedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create inbox directory: %w", err)
		}
	}
	return nil
}

func (w *Inbox) notify(name string, event EventType) {
	w.mu.Lock()
	cb := w.callback
	w.mu.Unlock()
	if cb != nil {
		cb(name, event)
	}
}

func isCandidate(name string) bool {
	return !strings.HasPrefix(name, ".") && strings.EqualFold(filepath.Ext(name), ".json")
}

// uniquePath returns dir/name, or a timestamped variant when that is taken.
func uniquePath(dir, name string) (string, error) {
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	stamp := time.Now().UTC().Format("20060102T150405")
	for i := 0; i < 100; i++ {
		candidate := fmt.Sprintf("%s-%s%s", stem, stamp, ext)
		if i > 0 {
			candidate = fmt.Sprintf("%s-%s-%d%s", stem, stamp, i, ext)
		}
		p = filepath.Join(dir, candidate)
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
	}
	return "", fmt.Errorf("no free name for %s in %s", name, dir)
}
