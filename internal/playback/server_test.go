package playback

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/heimdex/heimdex-render/internal/encode"
)

func serve(t *testing.T, path string, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	if err := NewServer(nil).ServeOutput(rec, req, path); err != nil {
		t.Fatalf("ServeOutput() error = %v", err)
	}
	return rec
}

func TestServeOutput_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	os.WriteFile(path, []byte("0123456789"), 0o644)

	rec := serve(t, path, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "0123456789" {
		t.Fatalf("full = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "video/mp4" || rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Errorf("headers = %v", rec.Header())
	}
	etag := rec.Header().Get("ETag")

	tests := []struct {
		name     string
		method   string
		headers  map[string]string
		wantCode int
		wantBody string
		wantCR   string
	}{
		{"range", http.MethodGet, map[string]string{"Range": "bytes=2-5"}, http.StatusPartialContent, "2345", "bytes 2-5/10"},
		{"suffix", http.MethodGet, map[string]string{"Range": "bytes=-3"}, http.StatusPartialContent, "789", "bytes 7-9/10"},
		{"unsatisfiable", http.MethodGet, map[string]string{"Range": "bytes=20-"}, http.StatusRequestedRangeNotSatisfiable, "", "bytes */10"},
		{"malformed range ignored", http.MethodGet, map[string]string{"Range": "items=1-2"}, http.StatusOK, "0123456789", ""},
		{"stale if-range", http.MethodGet, map[string]string{"Range": "bytes=2-5", "If-Range": `"old"`}, http.StatusOK, "0123456789", ""},
		{"not modified", http.MethodGet, map[string]string{"If-None-Match": etag}, http.StatusNotModified, "", ""},
		{"head", http.MethodHead, nil, http.StatusOK, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, path, tt.method, "/", tt.headers)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if got := rec.Header().Get("Content-Range"); got != tt.wantCR {
				t.Errorf("Content-Range = %q, want %q", got, tt.wantCR)
			}
		})
	}
}

func TestServeOutput_Sequence(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, encode.FrameName(0)), []byte("first"), 0o644)
	os.WriteFile(filepath.Join(dir, encode.FrameName(1)), []byte("second"), 0o644)

	if rec := serve(t, dir, http.MethodGet, "/", nil); rec.Body.String() != "first" || rec.Header().Get("Content-Type") != "image/png" {
		t.Errorf("default frame = %q %v", rec.Body.String(), rec.Header())
	}
	if rec := serve(t, dir, http.MethodGet, "/?frame=1", nil); rec.Body.String() != "second" {
		t.Errorf("frame 1 = %q", rec.Body.String())
	}
	if rec := serve(t, dir, http.MethodGet, "/?frame=9", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing frame code = %d", rec.Code)
	}
	if rec := serve(t, dir, http.MethodGet, "/?frame=x", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad frame code = %d", rec.Code)
	}
}

func TestServeOutput_Missing(t *testing.T) {
	rec := serve(t, filepath.Join(t.TempDir(), "gone.mp4"), http.MethodGet, "/", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", rec.Code)
	}
}
