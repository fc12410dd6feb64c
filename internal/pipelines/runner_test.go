package pipelines

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestRunResult_IsSuccess(t *testing.T) {
	tests := []struct {
		exitCode int
		want     bool
	}{
		{0, true},
		{1, false},
		{-1, false},
		{127, false},
	}
	for _, tt := range tests {
		r := RunResult{ExitCode: tt.exitCode}
		if got := r.IsSuccess(); got != tt.want {
			t.Errorf("RunResult{ExitCode: %d}.IsSuccess() = %v, want %v", tt.exitCode, got, tt.want)
		}
	}
}

func TestLimitedWriter_KeepsOnlyTail(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 10}

	lw.Write([]byte("hello"))
	if buf.String() != "hello" {
		t.Errorf("after short write got %q, want %q", buf.String(), "hello")
	}

	lw.Write([]byte(" world of test data"))
	got := buf.String()
	if len(got) > 10 {
		t.Errorf("buffer length %d exceeds limit 10", len(got))
	}
	if want := " test data"; got != want {
		t.Errorf("after overflow got %q, want %q", got, want)
	}
}

func TestLimitedWriter_ExactLimit(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 5}

	n, err := lw.Write([]byte("12345"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != 5 || buf.String() != "12345" {
		t.Errorf("Write = %d, buffer %q", n, buf.String())
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "...world"},
	}
	for _, tt := range tests {
		if got := truncate(tt.input, tt.maxLen); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}

func TestResolveBinary(t *testing.T) {
	_, err := resolveBinary("/nonexistent/ffmpeg999", "ffmpeg")
	if !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("err = %v, want ErrNotInstalled", err)
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not on PATH")
	}
	p, err := resolveBinary("", "ffmpeg")
	if err != nil || p == "" {
		t.Errorf("resolveBinary = %q, %v", p, err)
	}
}

func TestParseVersion(t *testing.T) {
	out := []byte("ffmpeg version 6.1.1-3ubuntu5 Copyright (c) 2000-2023 the FFmpeg developers\nbuilt with gcc\n")
	if got := parseVersion(out); got != "6.1.1-3ubuntu5" {
		t.Errorf("parseVersion = %q", got)
	}
	if got := parseVersion([]byte("garbage")); got != "" {
		t.Errorf("parseVersion(garbage) = %q", got)
	}
}

func TestParseEncoders(t *testing.T) {
	out := []byte(`Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC
 V....D png                  PNG (Portable Network Graphics) image
 A....D aac                  AAC (Advanced Audio Coding)
`)
	enc := parseEncoders(out)
	for _, name := range []string{"libx264", "png", "aac"} {
		if !enc[name] {
			t.Errorf("encoder %q missing from %v", name, enc)
		}
	}
	if enc["="] || len(enc) != 3 {
		t.Errorf("legend parsed as encoders: %v", enc)
	}
}

func TestProbeOutput_Result(t *testing.T) {
	raw := `{
	  "format": {"duration": "12.500000"},
	  "streams": [
	    {"codec_type": "audio", "codec_name": "aac", "sample_rate": "48000"},
	    {"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080,
	     "avg_frame_rate": "30000/1001", "r_frame_rate": "30/1"}
	  ]
	}`
	var out probeOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatal(err)
	}
	res := out.result()
	if res.Duration != 12500*time.Millisecond || res.Width != 1920 || res.Height != 1080 || res.Codec != "h264" {
		t.Errorf("video = %+v", res)
	}
	if res.FrameRate < 29.96 || res.FrameRate > 29.98 {
		t.Errorf("frame rate = %v", res.FrameRate)
	}
	if !res.HasAudio || res.AudioCodec != "aac" || res.AudioSample != 48000 {
		t.Errorf("audio = %+v", res)
	}
}

func TestParseRate(t *testing.T) {
	tests := map[string]float64{"25/1": 25, "24": 24, "0/0": 0, "": 0, "x/1": 0}
	for in, want := range tests {
		if got := parseRate(in); got != want {
			t.Errorf("parseRate(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCachedDoctor_TTL(t *testing.T) {
	calls := 0
	fake := &fakeRunner{
		doctorFn: func(ctx context.Context) (*Capabilities, error) {
			calls++
			return &Capabilities{HasH264: true, ProbedAt: time.Now()}, nil
		},
	}

	doc := NewCachedDoctor(fake, nil)
	doc.ttl = 100 * time.Millisecond
	ctx := context.Background()

	caps1, err := doc.Get(ctx)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if !caps1.HasH264 {
		t.Error("expected HasH264=true")
	}

	caps2, err := doc.Get(ctx)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if caps2.ProbedAt != caps1.ProbedAt || calls != 1 {
		t.Errorf("expected cached result on second call, calls=%d", calls)
	}

	time.Sleep(150 * time.Millisecond)

	if _, err := doc.Get(ctx); err != nil {
		t.Fatalf("third Get (after TTL): %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls after TTL expiry, got %d", calls)
	}
}

func TestCachedDoctor_StaleOnFailure(t *testing.T) {
	fail := false
	fake := &fakeRunner{
		doctorFn: func(ctx context.Context) (*Capabilities, error) {
			if fail {
				return nil, errors.New("ffmpeg vanished")
			}
			return &Capabilities{HasAAC: true, ProbedAt: time.Now()}, nil
		},
	}
	doc := NewCachedDoctor(fake, nil)
	ctx := context.Background()

	if _, err := doc.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	fail = true
	caps, err := doc.Refresh(ctx)
	if err != nil || !caps.HasAAC {
		t.Errorf("stale refresh = %+v, %v", caps, err)
	}

	doc.Invalidate()
	if doc.Peek() != nil {
		t.Error("Peek after Invalidate should be nil")
	}
	if _, err := doc.Refresh(ctx); err == nil {
		t.Error("refresh without cache should fail")
	}
}

func TestCachedDoctor_Require(t *testing.T) {
	probeErr := error(nil)
	fake := &fakeRunner{
		doctorFn: func(ctx context.Context) (*Capabilities, error) {
			if probeErr != nil {
				return nil, probeErr
			}
			return &Capabilities{
				Encoders: map[string]bool{"libx264": true, "aac": true},
				ProbedAt: time.Now(),
			}, nil
		},
	}
	ctx := context.Background()

	doc := NewCachedDoctor(fake, nil)
	if err := doc.Require(ctx, "libx264", "aac"); err != nil {
		t.Errorf("Require(libx264, aac) = %v", err)
	}
	if err := doc.Require(ctx); err != nil {
		t.Errorf("Require() = %v", err)
	}
	err := doc.Require(ctx, "libx264", "libvpx-vp9")
	if !errors.Is(err, ErrMissingEncoder) {
		t.Fatalf("err = %v, want ErrMissingEncoder", err)
	}
	var missing *MissingEncoderError
	if !errors.As(err, &missing) || len(missing.Names) != 1 || missing.Names[0] != "libvpx-vp9" {
		t.Errorf("missing = %+v", missing)
	}

	probeErr = errors.New("no ffmpeg")
	unprobed := NewCachedDoctor(fake, nil)
	if err := unprobed.Require(ctx, "libvpx-vp9"); err != nil {
		t.Errorf("Require without a probe = %v, want nil", err)
	}
}

func TestSafePath_DebugMode(t *testing.T) {
	r := &SubprocessRunner{cfg: Config{DebugPaths: true}}
	path := "/Users/test/secret/file.mp4"
	if got := r.safePath(path); got != path {
		t.Errorf("debug mode: safePath(%q) = %q, want full path", path, got)
	}
}

func TestSafePath_ProductionMode(t *testing.T) {
	r := &SubprocessRunner{cfg: Config{DebugPaths: false}}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home dir")
	}
	path := filepath.Join(home, ".heimdex", "renders", "out.mp4")
	if got := r.safePath(path); got != "~/.heimdex/renders/out.mp4" {
		t.Errorf("safePath() = %q", got)
	}
}

func TestRunner_Doctor(t *testing.T) {
	r, err := NewRunner(DefaultConfig(nil))
	if err != nil {
		t.Skipf("ffmpeg not available: %v", err)
	}
	caps, err := r.RunDoctor(context.Background())
	if err != nil {
		t.Fatalf("RunDoctor: %v", err)
	}
	if !caps.FFmpeg.Available || caps.ProbedAt.IsZero() {
		t.Errorf("caps = %+v", caps)
	}
}

type fakeRunner struct {
	doctorFn func(ctx context.Context) (*Capabilities, error)
}

func (f *fakeRunner) RunDoctor(ctx context.Context) (*Capabilities, error) {
	return f.doctorFn(ctx)
}

func (f *fakeRunner) Probe(ctx context.Context, input string) (*ProbeResult, error) {
	return &ProbeResult{}, nil
}

func (f *fakeRunner) FFmpeg(ctx context.Context, args ...string) *Process {
	return nil
}
