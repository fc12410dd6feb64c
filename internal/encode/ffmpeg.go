package encode

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/heimdex/heimdex-render/internal/pipelines"
)

const (
	audioSampleRate = 48000
	defaultCRF      = 20
)

// FFmpegEncoder pipes rgba frames into an ffmpeg process.
type FFmpegEncoder struct {
	path     string
	settings Settings
	proc     *pipelines.Process
	stdin    io.WriteCloser
	cancel   context.CancelFunc
	logger   *slog.Logger
	frames   int
	started  time.Time
	done     bool
}

func newFFmpegEncoder(ctx context.Context, runner pipelines.Runner, path string, s Settings, logger *slog.Logger) (*FFmpegEncoder, error) {
	// The process outlives the caller's context until Close or Abort.
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	proc := runner.FFmpeg(pctx, ffmpegArgs(path, s)...)
	stdin, err := proc.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg encode pipe: %w", err)
	}
	if err := proc.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg encode: %w", err)
	}
	logger.Info("ffmpeg encoder started",
		"output_ext", filepath.Ext(path),
		"size", fmt.Sprintf("%dx%d", s.Width, s.Height),
		"fps", s.FPS,
		"audio_inputs", len(s.Audio),
	)
	return &FFmpegEncoder{
		path:     path,
		settings: s,
		proc:     proc,
		stdin:    stdin,
		cancel:   cancel,
		logger:   logger,
		started:  time.Now(),
	}, nil
}

// ffmpegArgs builds the command line: the raw video pipe is input 0 and each
// audio clip is a trimmed input mixed at its timeline position.
func ffmpegArgs(path string, s Settings) []string {
	fps := strconv.FormatFloat(s.FPS, 'f', -1, 64)
	args := []string{
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", s.Width, s.Height),
		"-r", fps,
		"-i", "pipe:0",
	}

	var audio []AudioInput
	for _, a := range s.Audio {
		if a.Path == "" || a.Duration <= 0 {
			continue
		}
		audio = append(audio, a)
	}
	for _, a := range audio {
		args = append(args,
			"-ss", seconds(a.Offset),
			"-t", seconds(time.Duration(float64(a.Duration)*rate(a.Rate))),
			"-i", a.Path,
		)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if len(audio) > 0 {
		var chains, labels []string
		for i, a := range audio {
			delay := a.Start.Milliseconds()
			chain := fmt.Sprintf("[%d:a]aresample=%d", i+1, audioSampleRate)
			if r := rate(a.Rate); r != 1 {
				chain += ",atempo=" + strconv.FormatFloat(clampTempo(r), 'f', -1, 64)
			}
			chain += fmt.Sprintf(",adelay=%d:all=1[a%d]", delay, i)
			chains = append(chains, chain)
			labels = append(labels, fmt.Sprintf("[a%d]", i))
		}
		mix := strings.Join(labels, "") + fmt.Sprintf("amix=inputs=%d:normalize=0[aout]", len(audio))
		args = append(args,
			"-filter_complex", strings.Join(append(chains, mix), ";"),
			"-map", "0:v",
			"-map", "[aout]",
		)
		args = append(args, audioCodec(ext)...)
	} else {
		args = append(args, "-an")
	}

	args = append(args, videoCodec(ext, s.CRF)...)
	if s.Duration > 0 {
		args = append(args, "-t", seconds(s.Duration))
	}
	if ext == ".mp4" || ext == ".mov" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, path)
}

func videoCodec(ext string, crf int) []string {
	if crf <= 0 {
		crf = defaultCRF
	}
	if ext == ".webm" {
		return []string{"-c:v", "libvpx-vp9", "-pix_fmt", "yuv420p", "-crf", strconv.Itoa(crf + 11), "-b:v", "0"}
	}
	return []string{"-c:v", "libx264", "-pix_fmt", "yuv420p", "-preset", "veryfast", "-crf", strconv.Itoa(crf)}
}

func audioCodec(ext string) []string {
	if ext == ".webm" {
		return []string{"-c:a", "libopus", "-b:a", "160k"}
	}
	return []string{"-c:a", "aac", "-b:a", "192k"}
}

func rate(r float64) float64 {
	if r <= 0 {
		return 1
	}
	return r
}

// clampTempo keeps atempo inside the range every ffmpeg release accepts.
func clampTempo(r float64) float64 {
	return min(max(r, 0.5), 2)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// WriteFrame writes one frame to ffmpeg's stdin.
func (e *FFmpegEncoder) WriteFrame(ctx context.Context, img *image.NRGBA) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkSize(img, e.settings); err != nil {
		return err
	}
	rowBytes := img.Rect.Dx() * 4
	if img.Stride == rowBytes {
		if _, err := e.stdin.Write(img.Pix[:rowBytes*img.Rect.Dy()]); err != nil {
			return e.writeErr(err)
		}
	} else {
		for y := 0; y < img.Rect.Dy(); y++ {
			row := img.Pix[y*img.Stride : y*img.Stride+rowBytes]
			if _, err := e.stdin.Write(row); err != nil {
				return e.writeErr(err)
			}
		}
	}
	e.frames++
	return nil
}

// writeErr reaps the process so the error carries ffmpeg's own message.
func (e *FFmpegEncoder) writeErr(err error) error {
	e.stdin.Close()
	if werr := e.proc.Wait(); werr != nil {
		e.done = true
		return werr
	}
	e.done = true
	return fmt.Errorf("write frame %d: %w", e.frames, err)
}

// Close flushes stdin and waits for ffmpeg to finish the file.
func (e *FFmpegEncoder) Close() error {
	if e.done {
		return nil
	}
	e.done = true
	defer e.cancel()
	if err := e.stdin.Close(); err != nil {
		e.logger.Warn("close ffmpeg stdin", "error", err)
	}
	if err := e.proc.Wait(); err != nil {
		return err
	}
	attrs := []any{"frames", e.frames, "elapsed", time.Since(e.started).Round(time.Millisecond)}
	if info, err := os.Stat(e.path); err == nil {
		attrs = append(attrs, "size", humanize.Bytes(uint64(info.Size())))
	}
	e.logger.Info("ffmpeg encoder finished", attrs...)
	return nil
}

// Abort kills ffmpeg and removes the partial file.
func (e *FFmpegEncoder) Abort() error {
	if !e.done {
		e.done = true
		e.cancel()
		e.stdin.Close()
		_ = e.proc.Wait()
	}
	e.cancel()
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove partial output: %w", err)
	}
	return nil
}
