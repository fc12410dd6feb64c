// Package pipelines runs the external ffmpeg toolchain: capability probes,
// media probes and long-running encode/decode processes with bounded stderr.
package pipelines

import (
	"strconv"
	"strings"
	"time"
)

// Capabilities is what the installed toolchain can do, as found by the doctor.
type Capabilities struct {
	FFmpeg   DepInfo         `json:"ffmpeg"`
	FFprobe  DepInfo         `json:"ffprobe"`
	Encoders map[string]bool `json:"encoders"`

	HasVideoDecode bool      `json:"has_video_decode"`
	HasH264        bool      `json:"has_h264"`
	HasAAC         bool      `json:"has_aac"`
	ProbedAt       time.Time `json:"probed_at"`
}

// DepInfo represents the availability status of a single executable.
type DepInfo struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunResult is the structured outcome of a finished subprocess.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	Stdout     []byte        `json:"-"`
	StderrTail string        `json:"stderr_tail,omitempty"` // last N bytes of stderr
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// ProbeResult is the subset of ffprobe output the renderer needs.
type ProbeResult struct {
	Duration    time.Duration
	Width       int
	Height      int
	Codec       string
	FrameRate   float64
	AudioCodec  string
	AudioSample int
	HasAudio    bool
}

// probeOutput mirrors `ffprobe -print_format json -show_format -show_streams`.
type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		SampleRate   string `json:"sample_rate"`
	} `json:"streams"`
}

func (p probeOutput) result() *ProbeResult {
	res := &ProbeResult{}
	if d, err := strconv.ParseFloat(p.Format.Duration, 64); err == nil {
		res.Duration = time.Duration(d * float64(time.Second))
	}
	for _, s := range p.Streams {
		switch s.CodecType {
		case "video":
			if res.Codec != "" {
				continue
			}
			res.Codec = s.CodecName
			res.Width, res.Height = s.Width, s.Height
			res.FrameRate = parseRate(s.AvgFrameRate)
			if res.FrameRate == 0 {
				res.FrameRate = parseRate(s.RFrameRate)
			}
		case "audio":
			if res.HasAudio {
				continue
			}
			res.HasAudio = true
			res.AudioCodec = s.CodecName
			res.AudioSample, _ = strconv.Atoi(s.SampleRate)
		}
	}
	return res
}

// parseRate parses ffprobe rationals such as "30000/1001".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
