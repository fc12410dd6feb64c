package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/heimdex/heimdex-render/internal/container"
	"github.com/heimdex/heimdex-render/internal/pipelines"
	"github.com/heimdex/heimdex-render/internal/shader"
)

// intraCodecs are sample entry types whose samples are standalone images.
var intraCodecs = map[string]bool{
	"jpeg": true,
	"mjpg": true,
	"mjpa": true,
	"png ": true,
}

// videoIndex is the video track of a demuxed container. samples is only
// filled for intra codecs.
type videoIndex struct {
	track   container.TrackInfo
	samples []container.Sample
}

// indexContainer demuxes r and collects the samples of its first video track.
// For codecs that need an external decoder it stops after the movie box.
func indexContainer(ctx context.Context, r io.Reader, chunkSize int, logger *slog.Logger) (*videoIndex, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d := container.NewDemuxer(container.WithLogger(logger))
	errc := make(chan error, 1)
	go func() { errc <- container.Pump(ctx, r, d, chunkSize) }()

	var (
		idx     *videoIndex
		stopErr error
	)
	for ev := range d.Events() {
		switch ev.Type {
		case container.EventReady:
			tr, ok := ev.Info.FirstTrack(container.KindVideo)
			if !ok {
				stopErr = ErrNoVideoTrack
				d.Cancel()
				continue
			}
			idx = &videoIndex{track: tr}
			if !intraCodecs[tr.Codec] {
				d.Cancel()
			}
		case container.EventSamples:
			if idx != nil && ev.TrackID == idx.track.ID {
				idx.samples = append(idx.samples, ev.Samples...)
			}
		case container.EventTrackError:
			logger.Warn("container track error", "track_id", ev.TrackID, "error", ev.Err)
		}
	}
	err := <-errc
	if stopErr != nil {
		return nil, stopErr
	}
	if errors.Is(err, container.ErrCancelled) && idx != nil {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, ErrNoVideoTrack
	}
	sort.SliceStable(idx.samples, func(i, j int) bool {
		return idx.samples[i].PresentationTime() < idx.samples[j].PresentationTime()
	})
	return idx, nil
}

func (l *Loader) openVideo(ctx context.Context, loc string, opts Options) (FrameSource, error) {
	rc, err := l.fetch(ctx, loc)
	if err != nil {
		return nil, err
	}
	idx, demuxErr := indexContainer(ctx, rc, l.chunkSize, l.logger)
	rc.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if demuxErr == nil && intraCodecs[idx.track.Codec] && len(idx.samples) > 0 {
		var total int
		for _, s := range idx.samples {
			total += len(s.Payload)
		}
		l.logger.Info("intra video source opened",
			"codec", idx.track.Codec,
			"samples", len(idx.samples),
			"size", humanize.Bytes(uint64(total)),
		)
		return &intraSource{samples: idx.samples, current: -1}, nil
	}

	if l.runner == nil {
		if demuxErr != nil {
			return nil, fmt.Errorf("video %s: %w", loc, demuxErr)
		}
		if len(idx.samples) == 0 && intraCodecs[idx.track.Codec] {
			return nil, fmt.Errorf("video %s: no samples in fragments", loc)
		}
		return nil, fmt.Errorf("video %s: %w %q", loc, ErrNoDecoder, idx.track.Codec)
	}

	w, h := 0, 0
	if demuxErr == nil {
		w, h = idx.track.Width, idx.track.Height
	} else {
		l.logger.Debug("container not demuxable, handing to ffmpeg", "error", demuxErr)
	}
	if w <= 0 || h <= 0 {
		probe, err := l.runner.Probe(ctx, loc)
		if err != nil {
			return nil, fmt.Errorf("video %s: %w", loc, err)
		}
		w, h = probe.Width, probe.Height
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("video %s: unknown frame size", loc)
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = 30
	}
	return &ffmpegSource{runner: l.runner, input: loc, w: w, h: h, fps: fps, logger: l.logger, lastIdx: -1}, nil
}

// intraSource decodes self-contained image samples on demand.
type intraSource struct {
	samples []container.Sample

	mu      sync.Mutex
	current int
	frame   *image.NRGBA
}

func (s *intraSource) FrameAt(ctx context.Context, t time.Duration) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i := sort.Search(len(s.samples), func(i int) bool { return s.samples[i].PresentationTime() > t }) - 1
	if i < 0 {
		i = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if i == s.current {
		return s.frame, nil
	}
	img, _, err := image.Decode(bytes.NewReader(s.samples[i].Payload))
	if err != nil {
		return nil, fmt.Errorf("decode sample at %v: %w", s.samples[i].PresentationTime(), err)
	}
	s.current, s.frame = i, shader.ToNRGBA(img)
	return s.frame, nil
}

func (s *intraSource) Close() error {
	s.mu.Lock()
	s.samples, s.frame = nil, nil
	s.mu.Unlock()
	return nil
}

// ffmpegSource streams rgba frames from an ffmpeg rawvideo pipe. Sequential
// forward reads reuse the running process; seeking backwards or far ahead
// restarts it at the requested time.
type ffmpegSource struct {
	runner pipelines.Runner
	input  string
	w, h   int
	fps    float64
	logger *slog.Logger

	mu      sync.Mutex
	proc    *pipelines.Process
	out     io.ReadCloser
	stop    context.CancelFunc
	start   time.Duration
	next    int
	last    *image.NRGBA
	lastIdx int
	ended   bool
}

func (s *ffmpegSource) FrameAt(ctx context.Context, t time.Duration) (*image.NRGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := int(math.Round((t - s.start).Seconds() * s.fps))
	if s.ended && s.last != nil && idx >= s.lastIdx {
		return s.last, nil
	}
	restartGap := int(2 * s.fps)
	if s.proc == nil || idx < s.lastIdx || idx-s.next > restartGap {
		if err := s.restart(t); err != nil {
			return nil, err
		}
		idx = 0
	}
	if s.stop != nil {
		release := context.AfterFunc(ctx, s.stop)
		defer release()
	}
	if idx == s.lastIdx && s.last != nil {
		return s.last, nil
	}
	for s.next <= idx {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := s.read()
		if errors.Is(err, io.EOF) && s.last != nil {
			// past the end of the stream: hold the final frame
			s.ended = true
			return s.last, nil
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			return nil, err
		}
		s.last, s.lastIdx = frame, s.next
		s.next++
	}
	return s.last, nil
}

func (s *ffmpegSource) restart(t time.Duration) error {
	s.shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	proc := s.runner.FFmpeg(ctx,
		"-ss", strconv.FormatFloat(t.Seconds(), 'f', 3, 64),
		"-i", s.input,
		"-an", "-sn",
		"-vf", "fps="+strconv.FormatFloat(s.fps, 'f', -1, 64),
		"-s", fmt.Sprintf("%dx%d", s.w, s.h),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)
	out, err := proc.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg decode pipe: %w", err)
	}
	if err := proc.Start(); err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg decode: %w", err)
	}
	s.proc, s.out, s.stop = proc, out, cancel
	s.start, s.next, s.last, s.lastIdx, s.ended = t, 0, nil, -1, false
	s.logger.Debug("ffmpeg decode started", "at", t, "fps", s.fps)
	return nil
}

func (s *ffmpegSource) read() (*image.NRGBA, error) {
	img := image.NewNRGBA(image.Rect(0, 0, s.w, s.h))
	if _, err := io.ReadFull(s.out, img.Pix); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			if werr := s.proc.Wait(); werr != nil {
				s.proc = nil
				return nil, werr
			}
			s.proc = nil
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read ffmpeg frame: %w", err)
	}
	return img, nil
}

func (s *ffmpegSource) shutdown() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	if s.out != nil {
		s.out.Close()
		s.out = nil
	}
	if s.proc != nil {
		_ = s.proc.Wait()
		s.proc = nil
	}
}

func (s *ffmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown()
	s.last = nil
	return nil
}
