package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/getlantern/systray"

	"github.com/heimdex/heimdex-render/internal/jobs"
	"github.com/heimdex/heimdex-render/internal/logging"
)

// Runner is the part of the job runner the tray shows and toggles.
type Runner interface {
	IsPaused() bool
	Pause()
	Resume()
	Current() *jobs.Active
}

// JobCounter reports queue totals.
type JobCounter interface {
	Counts(ctx context.Context) (jobs.Counts, error)
}

type Tray struct {
	jobs    JobCounter
	runner  Runner
	logger  *slog.Logger
	refresh time.Duration

	statusItem *systray.MenuItem
	queueItem  *systray.MenuItem
	pauseItem  *systray.MenuItem

	mu   sync.Mutex
	done chan struct{}

	onOpenOutput func() error
	onQuit       func()
}

type TrayConfig struct {
	Jobs         JobCounter
	Runner       Runner
	Logger       *slog.Logger
	OnOpenOutput func() error
	OnQuit       func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		jobs:         cfg.Jobs,
		runner:       cfg.Runner,
		logger:       logging.WithComponent(logging.OrDiscard(cfg.Logger), "tray"),
		refresh:      2 * time.Second,
		done:         make(chan struct{}),
		onOpenOutput: cfg.OnOpenOutput,
		onQuit:       cfg.OnQuit,
	}
}

// Run blocks on the platform event loop until Quit.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	if icon := trayIcon(); icon != nil {
		systray.SetIcon(icon)
	}
	systray.SetTitle("Heimdex")
	systray.SetTooltip("Heimdex Render")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current render")
	t.statusItem.Disable()

	t.queueItem = systray.AddMenuItem(queueTitle(nil), "Render queue")
	t.queueItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Pause", "Stop starting new renders")
	if t.runner != nil && t.runner.IsPaused() {
		t.pauseItem.SetTitle("Resume")
	}
	openItem := systray.AddMenuItem("Open Output Folder", "Show finished renders")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Heimdex Render")

	go t.refreshLoop()
	go func() {
		for {
			select {
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-openItem.ClickedCh:
				t.handleOpenOutput()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	close(t.done)
	t.logger.Info("system tray exiting")
}

func (t *Tray) refreshLoop() {
	ticker := time.NewTicker(t.refresh)
	defer ticker.Stop()
	for {
		t.update()
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
	}
}

func (t *Tray) update() {
	var counts jobs.Counts
	if t.jobs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		c, err := t.jobs.Counts(ctx)
		cancel()
		if err != nil {
			t.logger.Debug("failed to read queue counts", "error", err)
		}
		counts = c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runner != nil {
		t.statusItem.SetTitle(statusTitle(t.runner.Current(), t.runner.IsPaused()))
	}
	t.queueItem.SetTitle(queueTitle(counts))
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runner == nil {
		return
	}

	if t.runner.IsPaused() {
		t.runner.Resume()
		t.pauseItem.SetTitle("Pause")
	} else {
		t.runner.Pause()
		t.pauseItem.SetTitle("Resume")
	}
	t.statusItem.SetTitle(statusTitle(t.runner.Current(), t.runner.IsPaused()))
}

func (t *Tray) handleOpenOutput() {
	if t.onOpenOutput != nil {
		if err := t.onOpenOutput(); err != nil {
			t.logger.Error("failed to open output folder", "error", err)
		}
	}
}

func (t *Tray) Quit() {
	systray.Quit()
}

func statusTitle(active *jobs.Active, paused bool) string {
	if active != nil {
		s := fmt.Sprintf("Status: Rendering %d%% (%s, started %s)", active.Progress, active.Phase, humanize.Time(active.Started))
		if paused {
			s += ", pausing"
		}
		return s
	}
	if paused {
		return "Status: Paused"
	}
	return "Status: Idle"
}

func queueTitle(c jobs.Counts) string {
	return fmt.Sprintf("Queued: %s  Done: %s  Failed: %s",
		humanize.Comma(int64(c[jobs.StatusPending])),
		humanize.Comma(int64(c[jobs.StatusCompleted])),
		humanize.Comma(int64(c[jobs.StatusFailed])),
	)
}
