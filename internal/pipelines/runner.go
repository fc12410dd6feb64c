package pipelines

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/heimdex/heimdex-render/internal/logging"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
)

// ErrNotInstalled is returned when a required executable is not on PATH.
var ErrNotInstalled = errors.New("executable not installed")

// Runner executes the ffmpeg toolchain. It is the single implementation of
// subprocess execution used by decoders and encoders.
type Runner interface {
	// RunDoctor checks ffmpeg and ffprobe and lists the available encoders.
	RunDoctor(ctx context.Context) (*Capabilities, error)

	// Probe runs ffprobe on a local path or URL.
	Probe(ctx context.Context, input string) (*ProbeResult, error)

	// FFmpeg prepares a long-running ffmpeg process. The caller wires stdin
	// and stdout before starting it.
	FFmpeg(ctx context.Context, args ...string) *Process
}

// Config holds the runner's configuration.
type Config struct {
	FFmpegPath    string // empty = look up "ffmpeg" on PATH
	FFprobePath   string // empty = look up "ffprobe" on PATH
	DoctorTimeout time.Duration
	ProbeTimeout  time.Duration
	Logger        *slog.Logger
	DebugPaths    bool // if true, log full file paths; otherwise sanitise
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig(logger *slog.Logger) Config {
	return Config{
		DoctorTimeout: 15 * time.Second,
		ProbeTimeout:  30 * time.Second,
		Logger:        logger,
	}
}

// SubprocessRunner is the production implementation of Runner.
type SubprocessRunner struct {
	cfg     Config
	ffmpeg  string
	ffprobe string // may be empty; Probe then fails
}

// NewRunner resolves the ffmpeg binaries. ffmpeg is required, ffprobe is not.
func NewRunner(cfg Config) (*SubprocessRunner, error) {
	cfg.Logger = logging.WithComponent(logging.OrDiscard(cfg.Logger), "pipelines")
	ffmpeg, err := resolveBinary(cfg.FFmpegPath, "ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("cannot locate ffmpeg: %w", err)
	}
	ffprobe, err := resolveBinary(cfg.FFprobePath, "ffprobe")
	if err != nil {
		cfg.Logger.Warn("ffprobe not found, probing disabled", "error", err)
	}

	cfg.Logger.Info("ffmpeg runner initialised",
		"ffmpeg", ffmpeg,
		"ffprobe", ffprobe,
	)
	return &SubprocessRunner{cfg: cfg, ffmpeg: ffmpeg, ffprobe: ffprobe}, nil
}

// RunDoctor probes the installed toolchain.
func (r *SubprocessRunner) RunDoctor(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DoctorTimeout)
	defer cancel()

	caps := &Capabilities{Encoders: make(map[string]bool)}

	res := r.exec(ctx, r.ffmpeg, "-hide_banner", "-version")
	if !res.IsSuccess() {
		return nil, fmt.Errorf("ffmpeg -version exited %d: %s", res.ExitCode, res.StderrTail)
	}
	caps.FFmpeg = DepInfo{Available: true, Path: r.ffmpeg, Version: parseVersion(res.Stdout)}

	if r.ffprobe == "" {
		caps.FFprobe = DepInfo{Error: ErrNotInstalled.Error()}
	} else if res := r.exec(ctx, r.ffprobe, "-hide_banner", "-version"); res.IsSuccess() {
		caps.FFprobe = DepInfo{Available: true, Path: r.ffprobe, Version: parseVersion(res.Stdout)}
	} else {
		caps.FFprobe = DepInfo{Path: r.ffprobe, Error: truncate(res.StderrTail, 256)}
	}

	res = r.exec(ctx, r.ffmpeg, "-hide_banner", "-encoders")
	if res.IsSuccess() {
		caps.Encoders = parseEncoders(res.Stdout)
	}

	// Derive capability flags
	caps.HasVideoDecode = caps.FFmpeg.Available
	caps.HasH264 = caps.Encoders["libx264"]
	caps.HasAAC = caps.Encoders["aac"]
	caps.ProbedAt = time.Now()

	r.cfg.Logger.Info("doctor probe complete",
		"ffmpeg", caps.FFmpeg.Version,
		"ffprobe", caps.FFprobe.Available,
		"h264", caps.HasH264,
		"aac", caps.HasAAC,
		"encoders", len(caps.Encoders),
	)
	return caps, nil
}

// Probe reads stream metadata with ffprobe.
func (r *SubprocessRunner) Probe(ctx context.Context, input string) (*ProbeResult, error) {
	if r.ffprobe == "" {
		return nil, fmt.Errorf("probe: ffprobe: %w", ErrNotInstalled)
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	res := r.exec(ctx, r.ffprobe, "-v", "error", "-print_format", "json", "-show_format", "-show_streams", input)
	if !res.IsSuccess() {
		return nil, fmt.Errorf("ffprobe %s exited %d: %s", r.safePath(input), res.ExitCode, truncate(res.StderrTail, 512))
	}
	var out probeOutput
	if err := json.Unmarshal(res.Stdout, &out); err != nil {
		return nil, fmt.Errorf("cannot parse ffprobe JSON: %w", err)
	}
	return out.result(), nil
}

// FFmpeg prepares an ffmpeg process whose stderr is kept as a bounded tail.
func (r *SubprocessRunner) FFmpeg(ctx context.Context, args ...string) *Process {
	cmdArgs := append([]string{"-hide_banner", "-nostdin", "-loglevel", "error"}, args...)
	cmd := exec.CommandContext(ctx, r.ffmpeg, cmdArgs...)
	p := &Process{Cmd: cmd, stderr: &limitedWriter{w: &bytes.Buffer{}, limit: maxStderrBytes}}
	cmd.Stderr = p.stderr
	cmd.WaitDelay = 5 * time.Second

	r.cfg.Logger.Debug("starting ffmpeg", "args_count", len(cmdArgs))
	return p
}

// Process is a running or prepared ffmpeg invocation.
type Process struct {
	*exec.Cmd
	stderr *limitedWriter
}

// StderrTail returns the last bytes ffmpeg wrote to stderr.
func (p *Process) StderrTail() string {
	return p.stderr.w.String()
}

// Wait waits for exit and attaches the stderr tail to any failure.
func (p *Process) Wait() error {
	if err := p.Cmd.Wait(); err != nil {
		return p.wrap(err)
	}
	return nil
}

// Run starts the process and waits for it.
func (p *Process) Run() error {
	if err := p.Cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	return p.Wait()
}

func (p *Process) wrap(err error) error {
	tail := strings.TrimSpace(p.StderrTail())
	if tail == "" {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return fmt.Errorf("ffmpeg: %w: %s", err, truncate(tail, 512))
}

// exec is the core subprocess execution helper for short commands.
func (r *SubprocessRunner) exec(ctx context.Context, bin string, args ...string) RunResult {
	start := time.Now()

	cmd := exec.CommandContext(ctx, bin, args...)

	// Capture stderr with bounded buffer
	var stdout, stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	cmd.Stdout = &stdout

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			if stderrBuf.Len() == 0 {
				stderrBuf.WriteString(err.Error())
			}
		}
	}

	if exitCode != 0 {
		r.cfg.Logger.Warn("command failed",
			"command", filepath.Base(bin),
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrBuf.String(), 512),
		)
	}

	return RunResult{
		ExitCode:   exitCode,
		Stdout:     stdout.Bytes(),
		StderrTail: stderrBuf.String(),
		Duration:   elapsed,
	}
}

func (r *SubprocessRunner) safePath(path string) string {
	if r.cfg.DebugPaths {
		return path
	}
	return logging.SanitizePath(path)
}

// resolveBinary finds an executable, preferring an explicit path.
func resolveBinary(preferred, name string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured %s %q: %w", name, preferred, ErrNotInstalled)
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, ErrNotInstalled)
	}
	return p, nil
}

// parseVersion extracts "6.1.1" from "ffmpeg version 6.1.1 Copyright ...".
func parseVersion(out []byte) string {
	line, _, _ := strings.Cut(string(out), "\n")
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// parseEncoders reads the encoder table printed by `ffmpeg -encoders`.
func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	table := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "------") {
			table = true
			continue
		}
		if !table {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			encoders[fields[1]] = true
		}
	}
	return encoders
}

// LookPath reports whether ffmpeg can be found, for tests and the doctor CLI.
func LookPath() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
