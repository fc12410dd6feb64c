// Package config provides configuration management for the Heimdex render agent.
// Configuration is loaded from environment variables with sensible defaults.
// Optional dotenv files can seed the environment before New is called.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Default values
	DefaultPort     = 8788
	DefaultLogLevel = "info"
	DefaultDataDir  = ".heimdex-render"

	// Environment variable names
	EnvPort     = "HEIMDEX_PORT"
	EnvLogLevel = "HEIMDEX_LOG_LEVEL"
	EnvDataDir  = "HEIMDEX_DATA_DIR"
	EnvHeadless = "HEIMDEX_HEADLESS"

	// Render environment variable names
	EnvFFmpegPath     = "HEIMDEX_FFMPEG_PATH"
	EnvFFprobePath    = "HEIMDEX_FFPROBE_PATH"
	EnvRenderTimeout  = "HEIMDEX_RENDER_TIMEOUT"
	EnvDecodeWorkers  = "HEIMDEX_DECODE_WORKERS"
	EnvDemuxChunkSize = "HEIMDEX_DEMUX_CHUNK_SIZE"
	EnvInboxDir       = "HEIMDEX_INBOX_DIR"

	// Asset search environment variable names
	EnvAssetsBaseURL = "HEIMDEX_ASSETS_URL"
	EnvAssetsAPIKey  = "HEIMDEX_ASSETS_API_KEY"

	// Database filename
	DBFilename = "heimdex-render.db"

	// EnvFilename is the dotenv file read from the data directory
	EnvFilename = "render.env"

	// Render defaults
	DefaultFFmpegPath        = "ffmpeg"
	DefaultFFprobePath       = "ffprobe"
	DefaultRenderTimeout     = 3600 // seconds
	DefaultDemuxChunkSize    = 256 * 1024
	DefaultToolchainTimeout  = 30 // seconds
	DefaultJobPollInterval   = 2 * time.Second
	DefaultInboxPollInterval = 5 * time.Second
	DefaultMaxDecodeWorkers  = 16
	DefaultAssetsTimeout     = 15 * time.Second
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	OutputDir() string
	InboxDir() string
	Headless() bool
	FFmpegPath() string
	FFprobePath() string
	RenderTimeout() time.Duration
	DecodeWorkers() int
	DemuxChunkSize() int
	ToolchainTimeout() time.Duration
	AssetsBaseURL() string
	AssetsAPIKey() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port          int
	logLevel      string
	dataDir       string
	inboxDir      string
	headless      bool
	ffmpegPath    string
	ffprobePath   string
	renderTimeout time.Duration
	decodeWorkers int
	demuxChunk    int

	assetsBaseURL string
	assetsAPIKey  string
}

// LoadEnvFiles seeds the process environment from dotenv files. Missing
// files are skipped and variables already set are never overridden. It
// returns the files that were read.
func LoadEnvFiles(paths ...string) ([]string, error) {
	var loaded []string
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return loaded, fmt.Errorf("load %s: %w", p, err)
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}

// DefaultEnvFiles are the dotenv files the agent reads at startup: one in the
// working directory, then one in the data directory.
func DefaultEnvFiles() []string {
	dir := os.Getenv(EnvDataDir)
	if dir == "" {
		dir = defaultDataDir()
	}
	return []string{".env", filepath.Join(dir, EnvFilename)}
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:          DefaultPort,
		logLevel:      DefaultLogLevel,
		dataDir:       defaultDataDir(),
		ffmpegPath:    DefaultFFmpegPath,
		ffprobePath:   DefaultFFprobePath,
		renderTimeout: time.Duration(DefaultRenderTimeout) * time.Second,
		demuxChunk:    DefaultDemuxChunkSize,
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	cfg.inboxDir = os.Getenv(EnvInboxDir)

	if h := os.Getenv(EnvHeadless); h != "" {
		headless, err := strconv.ParseBool(h)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		cfg.headless = headless
	}

	if fp := os.Getenv(EnvFFmpegPath); fp != "" {
		cfg.ffmpegPath = fp
	}
	if fp := os.Getenv(EnvFFprobePath); fp != "" {
		cfg.ffprobePath = fp
	}

	// Render timeout accepts either seconds or a Go duration string
	if rt := os.Getenv(EnvRenderTimeout); rt != "" {
		d, err := parseSecondsOrDuration(rt)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvRenderTimeout, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid %s: timeout must be positive", EnvRenderTimeout)
		}
		cfg.renderTimeout = d
	}

	if dw := os.Getenv(EnvDecodeWorkers); dw != "" {
		n, err := strconv.Atoi(dw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvDecodeWorkers, err)
		}
		if n < 1 || n > DefaultMaxDecodeWorkers {
			return nil, fmt.Errorf("invalid %s: must be between 1 and %d", EnvDecodeWorkers, DefaultMaxDecodeWorkers)
		}
		cfg.decodeWorkers = n
	}

	if cs := os.Getenv(EnvDemuxChunkSize); cs != "" {
		n, err := strconv.Atoi(cs)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvDemuxChunkSize, err)
		}
		if n < 1 {
			return nil, fmt.Errorf("invalid %s: chunk size must be positive", EnvDemuxChunkSize)
		}
		cfg.demuxChunk = n
	}

	cfg.assetsBaseURL = strings.TrimRight(os.Getenv(EnvAssetsBaseURL), "/")
	cfg.assetsAPIKey = os.Getenv(EnvAssetsAPIKey)

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// OutputDir returns the default directory for rendered outputs
func (c *EnvConfig) OutputDir() string {
	return filepath.Join(c.dataDir, "renders")
}

// InboxDir returns the composition inbox directory, or "" when the inbox is disabled
func (c *EnvConfig) InboxDir() string {
	return c.inboxDir
}

// Headless reports whether the tray UI is disabled
func (c *EnvConfig) Headless() bool {
	return c.headless
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

// RenderTimeout is the wall-clock budget of a single render
func (c *EnvConfig) RenderTimeout() time.Duration {
	return c.renderTimeout
}

// DecodeWorkers returns the per-frame decode parallelism; 0 means one worker per CPU
func (c *EnvConfig) DecodeWorkers() int {
	return c.decodeWorkers
}

func (c *EnvConfig) DemuxChunkSize() int {
	return c.demuxChunk
}

func (c *EnvConfig) ToolchainTimeout() time.Duration {
	return time.Duration(DefaultToolchainTimeout) * time.Second
}

func (c *EnvConfig) AssetsBaseURL() string {
	return c.assetsBaseURL
}

func (c *EnvConfig) AssetsAPIKey() string {
	return c.assetsAPIKey
}

func parseSecondsOrDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
