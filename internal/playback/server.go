package playback

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/heimdex/heimdex-render/internal/encode"
	"github.com/heimdex/heimdex-render/internal/logging"
)

var ErrFrameNotFound = errors.New("frame not found")

// videoTypes covers containers the stdlib mime table may not know.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
}

type OutputService interface {
	ServeOutput(w http.ResponseWriter, r *http.Request, path string) error
}

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logging.WithComponent(logging.OrDiscard(logger), "playback")}
}

// ServeOutput streams a render output. For an image sequence directory the
// frame query parameter picks the frame, defaulting to the first.
func (s *Server) ServeOutput(w http.ResponseWriter, r *http.Request, path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		http.Error(w, "output not found", http.StatusNotFound)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}
	if info.IsDir() {
		frame := 0
		if v := r.URL.Query().Get("frame"); v != "" {
			if frame, err = strconv.Atoi(v); err != nil || frame < 0 {
				http.Error(w, "invalid frame", http.StatusBadRequest)
				return nil
			}
		}
		path = filepath.Join(path, encode.FrameName(frame))
		if info, err = os.Stat(path); err != nil {
			http.Error(w, ErrFrameNotFound.Error(), http.StatusNotFound)
			return nil
		}
	}
	return s.serveFile(w, r, path, info)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string, info fs.FileInfo) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer file.Close()

	size := info.Size()
	etag := fmt.Sprintf(`"%x-%x"`, size, info.ModTime().UnixNano())
	ext := strings.ToLower(filepath.Ext(path))
	contentType := videoTypes[ext]
	if contentType == "" {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType)
	h.Set("ETag", etag)
	h.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	rangeHeader := r.Header.Get("Range")
	if ir := r.Header.Get("If-Range"); ir != "" && ir != etag {
		rangeHeader = ""
	}
	rng, err := ParseRange(rangeHeader, size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case errors.Is(err, ErrInvalidRange):
		rng = nil
	}

	var body io.Reader = file
	if rng == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
	} else {
		if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
			return fmt.Errorf("seek output: %w", err)
		}
		body = io.LimitReader(file, rng.ContentLength())
		h.Set("Content-Length", strconv.FormatInt(rng.ContentLength(), 10))
		h.Set("Content-Range", rng.ContentRange(size))
		w.WriteHeader(http.StatusPartialContent)
	}
	if r.Method == http.MethodHead {
		return nil
	}

	start := time.Now()
	n, err := io.Copy(w, body)
	if err != nil {
		s.logger.Debug("output stream ended early", "path", logging.SanitizePath(path), "bytes", n, "error", err)
		return nil
	}
	s.logger.Debug("output served", "path", logging.SanitizePath(path), "bytes", n, "duration_ms", time.Since(start).Milliseconds())
	return nil
}
