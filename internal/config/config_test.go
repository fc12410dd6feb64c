package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	for _, key := range []string{EnvPort, EnvHeadless, EnvRenderTimeout, EnvDecodeWorkers, EnvDemuxChunkSize, EnvFFmpegPath, EnvInboxDir} {
		t.Setenv(key, "")
	}
	t.Setenv(EnvDataDir, t.TempDir())

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port(), DefaultPort)
	}
	if cfg.FFmpegPath() != DefaultFFmpegPath {
		t.Errorf("FFmpegPath = %q, want %q", cfg.FFmpegPath(), DefaultFFmpegPath)
	}
	if cfg.RenderTimeout() != time.Hour {
		t.Errorf("RenderTimeout = %v, want 1h", cfg.RenderTimeout())
	}
	if cfg.Headless() {
		t.Error("Headless should default to false")
	}
	if cfg.InboxDir() != "" {
		t.Errorf("InboxDir = %q, want empty", cfg.InboxDir())
	}
	if cfg.DemuxChunkSize() != DefaultDemuxChunkSize {
		t.Errorf("DemuxChunkSize = %d, want %d", cfg.DemuxChunkSize(), DefaultDemuxChunkSize)
	}
	if got, want := cfg.DBPath(), filepath.Join(cfg.DataDir(), DBFilename); got != want {
		t.Errorf("DBPath = %q, want %q", got, want)
	}
}

func TestNew_Overrides(t *testing.T) {
	t.Setenv(EnvPort, "9100")
	t.Setenv(EnvHeadless, "true")
	t.Setenv(EnvRenderTimeout, "90s")
	t.Setenv(EnvDecodeWorkers, "4")
	t.Setenv(EnvAssetsBaseURL, "https://assets.example.com/")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Port())
	}
	if !cfg.Headless() {
		t.Error("Headless = false, want true")
	}
	if cfg.RenderTimeout() != 90*time.Second {
		t.Errorf("RenderTimeout = %v, want 90s", cfg.RenderTimeout())
	}
	if cfg.DecodeWorkers() != 4 {
		t.Errorf("DecodeWorkers = %d, want 4", cfg.DecodeWorkers())
	}
	if cfg.AssetsBaseURL() != "https://assets.example.com" {
		t.Errorf("AssetsBaseURL = %q, want trailing slash trimmed", cfg.AssetsBaseURL())
	}
}

func TestNew_RenderTimeoutSeconds(t *testing.T) {
	t.Setenv(EnvRenderTimeout, "120")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RenderTimeout() != 2*time.Minute {
		t.Errorf("RenderTimeout = %v, want 2m", cfg.RenderTimeout())
	}
}

func TestNew_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port not a number", EnvPort, "abc"},
		{"port out of range", EnvPort, "70000"},
		{"headless not a bool", EnvHeadless, "maybe"},
		{"timeout negative", EnvRenderTimeout, "-5"},
		{"timeout garbage", EnvRenderTimeout, "soon"},
		{"workers zero", EnvDecodeWorkers, "0"},
		{"workers too many", EnvDecodeWorkers, "1000"},
		{"chunk zero", EnvDemuxChunkSize, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := New(); err == nil {
				t.Fatalf("New() with %s=%q should fail", tt.key, tt.value)
			}
		})
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, EnvFilename)
	content := EnvPort + "=9200\n" + EnvAssetsBaseURL + "=https://assets.example.com\n# comment\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv(EnvPort, "9100")
	t.Setenv(EnvAssetsBaseURL, "")
	os.Unsetenv(EnvAssetsBaseURL)

	loaded, err := LoadEnvFiles(filepath.Join(dir, "missing.env"), envFile)
	if err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if len(loaded) != 1 || loaded[0] != envFile {
		t.Errorf("loaded = %v, want [%s]", loaded, envFile)
	}
	if got := os.Getenv(EnvPort); got != "9100" {
		t.Errorf("%s = %q, existing value should win", EnvPort, got)
	}
	if got := os.Getenv(EnvAssetsBaseURL); got != "https://assets.example.com" {
		t.Errorf("%s = %q", EnvAssetsBaseURL, got)
	}
}

func TestDefaultEnvFiles(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)
	files := DefaultEnvFiles()
	if len(files) != 2 || files[0] != ".env" || files[1] != filepath.Join(dir, EnvFilename) {
		t.Errorf("DefaultEnvFiles = %v", files)
	}
}
