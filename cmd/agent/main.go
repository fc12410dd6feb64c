package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/heimdex/heimdex-render/internal/api"
	"github.com/heimdex/heimdex-render/internal/assets"
	"github.com/heimdex/heimdex-render/internal/config"
	"github.com/heimdex/heimdex-render/internal/db"
	"github.com/heimdex/heimdex-render/internal/effect"
	"github.com/heimdex/heimdex-render/internal/encode"
	"github.com/heimdex/heimdex-render/internal/jobs"
	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/media"
	"github.com/heimdex/heimdex-render/internal/pipelines"
	"github.com/heimdex/heimdex-render/internal/playback"
	"github.com/heimdex/heimdex-render/internal/render"
	"github.com/heimdex/heimdex-render/internal/shader"
	"github.com/heimdex/heimdex-render/internal/subtitle"
	"github.com/heimdex/heimdex-render/internal/timeline"
	"github.com/heimdex/heimdex-render/internal/transition"
	"github.com/heimdex/heimdex-render/internal/ui"
	"github.com/heimdex/heimdex-render/internal/watcher"
)

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "render" {
		err = runRender(os.Args[2:])
	} else {
		err = run()
	}
	if err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

// engine is everything a render needs, shared by the agent and the CLI.
type engine struct {
	renderer    *render.Renderer
	effects     *effect.Registry
	transitions *transition.Registry
	doctor      *pipelines.CachedDoctor
}

func newEngine(cfg *config.EnvConfig, logger *slog.Logger) (*engine, error) {
	effects, err := effect.NewDefaultRegistry(effect.WithCompiler(shader.NagaCompiler{}), effect.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to load effects: %w", err)
	}
	transitions, err := transition.NewDefaultRegistry(transition.WithCompiler(shader.NagaCompiler{}), transition.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to load transitions: %w", err)
	}
	fonts, err := subtitle.NewFontRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to load fonts: %w", err)
	}

	pipeCfg := pipelines.DefaultConfig(logger)
	pipeCfg.FFmpegPath = cfg.FFmpegPath()
	pipeCfg.FFprobePath = cfg.FFprobePath()
	pipeCfg.DoctorTimeout = cfg.ToolchainTimeout()

	var pipeRunner pipelines.Runner
	var doctor *pipelines.CachedDoctor

	pr, err := pipelines.NewRunner(pipeCfg)
	if err != nil {
		logger.Warn("ffmpeg unavailable, only frame directory output and intra-coded video input will work", "error", err)
	} else {
		pipeRunner = pr
		doctor = pipelines.NewCachedDoctor(pr, logger)

		initCtx, initCancel := context.WithTimeout(context.Background(), pipeCfg.DoctorTimeout)
		defer initCancel()
		if caps, err := doctor.Refresh(initCtx); err != nil {
			logger.Warn("initial toolchain probe failed", "error", err)
		} else {
			logger.Info("toolchain detected",
				"ffmpeg", caps.FFmpeg.Version,
				"ffprobe", caps.FFprobe.Available,
				"h264", caps.HasH264,
				"aac", caps.HasAAC,
			)
		}
	}

	loader := media.NewLoader(
		media.WithRunner(pipeRunner),
		media.WithCaptions(subtitle.NewRenderer(fonts)),
		media.WithChunkSize(cfg.DemuxChunkSize()),
		media.WithLogger(logger),
	)

	return &engine{
		renderer: render.New(render.Deps{
			Effects:     effects,
			Transitions: transitions,
			Fonts:       fonts,
			Loader:      loader,
			Encoders:    encode.NewFactory(pipeRunner, logger),
			Logger:      logger,
			Parallelism: cfg.DecodeWorkers(),
		}),
		effects:     effects,
		transitions: transitions,
		doctor:      doctor,
	}, nil
}

func run() error {
	startTime := time.Now()

	envFiles, err := config.LoadEnvFiles(config.DefaultEnvFiles()...)
	if err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	for _, dir := range []string{cfg.DataDir(), cfg.OutputDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting heimdex render agent",
		"version", config.Version,
		"commit", config.GitCommit,
		"data_dir", cfg.DataDir(),
		"env_files", envFiles,
	)

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := jobs.NewRepository(database.Conn())

	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                HEIMDEX RENDER v%-27s║\n", config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken[:16]+"...")
	fmt.Printf("║  Outputs:    %-45s ║\n", logging.SanitizePath(cfg.OutputDir()))
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	service := jobs.NewService(repo, cfg.DataDir(), cfg.OutputDir(), logger)
	runner := jobs.NewRunner(repo, eng.renderer, logger)
	runner.SetPollInterval(config.DefaultJobPollInterval)
	runner.SetDefaultTimeout(cfg.RenderTimeout())
	service.SetDispatcher(runner)
	if eng.doctor != nil {
		service.SetEncoderChecker(eng.doctor)
	}

	var searcher assets.Searcher
	if cfg.AssetsBaseURL() != "" {
		searcher = assets.NewClient(cfg.AssetsBaseURL(), cfg.AssetsAPIKey(), config.DefaultAssetsTimeout, logger)
		logger.Info("asset search enabled", "base_url", cfg.AssetsBaseURL())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Start(ctx)
	}()

	var inbox *watcher.Inbox
	if dir := cfg.InboxDir(); dir != "" {
		inbox = watcher.NewInbox(service, logger)
		inbox.SetPollInterval(config.DefaultInboxPollInterval)
		go func() {
			if err := inbox.Watch(ctx, dir); err != nil {
				logger.Error("inbox watcher stopped", "error", err)
			}
		}()
	}

	apiServer := api.NewServer(api.ServerConfig{
		Port:        cfg.Port(),
		Version:     config.Version,
		Renders:     service,
		Runner:      runner,
		Tokens:      repo,
		Playback:    playback.NewServer(logger),
		Effects:     eng.effects,
		Transitions: eng.transitions,
		Assets:      searcher,
		Doctor:      eng.doctor,
		Logger:      logger,
		StartTime:   startTime,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})
	var tray *ui.Tray

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray = ui.NewTray(ui.TrayConfig{
			Jobs:   service,
			Runner: runner,
			Logger: logger,
			OnOpenOutput: func() error {
				return openFolder(cfg.OutputDir())
			},
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		if tray != nil {
			tray.Quit()
		}
	case <-quitCh:
	}

	logger.Info("initiating graceful shutdown")
	if inbox != nil {
		inbox.Stop()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		logger.Warn("job runner did not stop in time")
	}

	logger.Info("shutdown complete")
	return nil
}

// runRender renders one composition file and exits, without the job ledger.
func runRender(args []string) error {
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	compPath := fs.String("composition", "", "composition JSON file")
	output := fs.String("output", "", "output file (.mp4, .mov, .webm) or frame directory")
	timeout := fs.Duration("timeout", 0, "wall-clock budget (default from "+config.EnvRenderTimeout+")")
	crf := fs.Int("crf", 0, "encoder quality override")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *compPath == "" || *output == "" {
		fs.Usage()
		return errors.New("-composition and -output are required")
	}

	envFiles, err := config.LoadEnvFiles(config.DefaultEnvFiles()...)
	if err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel())
	if len(envFiles) > 0 {
		logger.Debug("loaded env files", "files", envFiles)
	}

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	budget := *timeout
	if budget == 0 {
		budget = cfg.RenderTimeout()
	}

	start := time.Now()
	lastStep, lastPhase := -1, render.Phase("")
	path, err := eng.renderer.Render(ctx, render.Config{
		CompositionPath: *compPath,
		OutputPath:      *output,
		Options:         render.Options{Headless: true, Timeout: timeline.Seconds(budget), CRF: *crf},
	}, func(e render.Event) {
		if e.Type != render.EventProgress {
			return
		}
		step := int(e.Progress.Value * 20)
		if step == lastStep && e.Progress.Phase == lastPhase {
			return
		}
		lastStep, lastPhase = step, e.Progress.Phase
		logger.Info("render progress",
			"phase", e.Progress.Phase,
			"progress", fmt.Sprintf("%d%%", step*5),
			"frame", e.Progress.Frame,
			"frames", e.Progress.Frames,
		)
	})
	if err != nil {
		return err
	}

	var size uint64
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		size = uint64(info.Size())
	}
	logger.Info("render complete",
		"output", path,
		"size", humanize.Bytes(size),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func ensureAuthToken(repo jobs.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetSetting(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetSetting(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}

	return token, nil
}

func openFolder(dir string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", dir)
	case "windows":
		cmd = exec.Command("explorer", dir)
	default:
		cmd = exec.Command("xdg-open", dir)
	}
	return cmd.Start()
}
