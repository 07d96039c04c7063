// Package hls serves the transcoder output directory over HTTP together with
// a small read-only JSON API describing the streams found in it.
package hls

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/go-chi/chi/v5"
)

const (
	manifestExt = ".m3u8"
	segmentExt  = ".ts"

	PlaylistContentType = "application/vnd.apple.mpegurl"
	SegmentContentType  = "video/mp2t"
	defaultContentType  = "application/octet-stream"
)

var contentTypes = map[string]string{
	manifestExt: PlaylistContentType,
	segmentExt:  SegmentContentType,
	".m4s":      "video/iso.segment",
	".mp4":      "video/mp4",
}

var errForbidden = errors.New("path escapes output root")

// ContentType maps a file name to the type it is served with.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return defaultContentType
}

// Server serves files under a single root directory. Every listing is read
// from the directory at request time; segment files churn too fast to index.
type Server struct {
	root    string
	port    int
	baseURL string
	log     *slog.Logger
}

// NewServer creates a Server for root. baseURL is the public origin used in
// generated URLs, e.g. http://localhost:8080.
func NewServer(root string, port int, baseURL string, log *slog.Logger) *Server {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Server{root: root, port: port, baseURL: strings.TrimRight(baseURL, "/"), log: log}
}

// Root is the served directory.
func (s *Server) Root() string { return s.root }

// HLSBaseURL is the URL prefix under which manifests are served.
func (s *Server) HLSBaseURL() string { return s.baseURL + "/hls" }

// Mount registers the file and API routes on r.
func (s *Server) Mount(r chi.Router) {
	r.Get("/api/streams", s.ListStreams)
	r.Get("/api/stream/{id}", s.GetStream)
	r.Get("/api/stream/{id}/manifest", s.GetManifest)
	r.Get("/api/health", s.Health)
	r.HandleFunc("/api/*", s.apiNotFound)

	r.Get("/hls/*", s.ServeFile)
	r.Head("/hls/*", s.ServeFile)
	r.Get("/*", s.ServeFile)
	r.Head("/*", s.ServeFile)
}

// ServeFile handles GET /hls/<file> and GET /<file>.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/hls/")
	rel = strings.TrimPrefix(rel, "/")

	path, err := s.resolve(rel)
	if err != nil {
		s.fileError(w, r, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		s.fileError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.fileError(w, r, err)
		return
	}
	if info.IsDir() {
		s.fileError(w, r, fs.ErrNotExist)
		return
	}

	w.Header().Set("Content-Type", ContentType(path))
	if strings.EqualFold(filepath.Ext(path), manifestExt) {
		// Live manifests change every segment.
		w.Header().Set("Cache-Control", "no-cache")
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) fileError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errForbidden):
		s.log.Warn("rejected path outside output root", slog.String("path", r.URL.Path))
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		// ENOTDIR: a path component is a regular file.
		http.Error(w, "File not found", http.StatusNotFound)
	default:
		s.log.Error("serve file failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		http.Error(w, "Server error", http.StatusInternalServerError)
	}
}

// resolve maps a request-relative path to a file under the root, rejecting
// anything that escapes it lexically or through a symlink.
func (s *Server) resolve(rel string) (string, error) {
	root := s.realRoot()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if !within(root, full) {
		return "", errForbidden
	}

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return "", err
	}
	if !within(root, resolved) {
		return "", errForbidden
	}
	return resolved, nil
}

func (s *Server) realRoot() string {
	if resolved, err := filepath.EvalSymlinks(s.root); err == nil {
		return resolved
	}
	return s.root
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// StreamInfo is one manifest found in the output root.
type StreamInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Path string `json:"path"`
}

// ListStreams handles GET /api/streams.
func (s *Server) ListStreams(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Error("list output root failed", slog.String("root", s.root), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("Failed to list streams"))
		return
	}

	streams := make([]StreamInfo, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || filepath.Ext(name) != manifestExt {
			continue
		}
		id := strings.TrimSuffix(name, manifestExt)
		streams = append(streams, StreamInfo{
			ID:   id,
			Name: id,
			URL:  s.manifestURL(id),
			Path: "/hls/" + url.PathEscape(name),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

// GetStream handles GET /api/stream/{id}.
func (s *Server) GetStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.manifestPath(id); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody("Stream not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        id,
		"url":       s.manifestURL(id),
		"available": true,
	})
}

// ManifestSegment is one segment of a parsed manifest.
type ManifestSegment struct {
	URI             string  `json:"uri"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// ManifestSummary is the parsed view of a stream's media playlist.
type ManifestSummary struct {
	ID             string            `json:"id"`
	TargetDuration int               `json:"targetDuration"`
	MediaSequence  int               `json:"mediaSequence"`
	Ended          bool              `json:"ended"`
	Segments       []ManifestSegment `json:"segments"`
}

// GetManifest handles GET /api/stream/{id}/manifest.
func (s *Server) GetManifest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path, err := s.manifestPath(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody("Stream not found"))
		return
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeJSON(w, http.StatusNotFound, errorBody("Stream not found"))
			return
		}
		s.log.Error("read manifest failed", slog.String("stream_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("Server error"))
		return
	}

	summary, err := summarize(id, buf)
	if err != nil {
		s.log.Debug("manifest not parseable", slog.String("stream_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("Manifest is not a valid media playlist"))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func summarize(id string, buf []byte) (ManifestSummary, error) {
	pl, err := playlist.Unmarshal(buf)
	if err != nil {
		return ManifestSummary{}, err
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return ManifestSummary{}, errors.New("multivariant playlist")
	}

	out := ManifestSummary{
		ID:             id,
		TargetDuration: media.TargetDuration,
		MediaSequence:  media.MediaSequence,
		Ended:          media.Endlist,
		Segments:       make([]ManifestSegment, 0, len(media.Segments)),
	}
	for _, seg := range media.Segments {
		out.Segments = append(out.Segments, ManifestSegment{
			URI:             seg.URI,
			DurationSeconds: seg.Duration.Seconds(),
		})
	}
	return out, nil
}

// Health handles GET /api/health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "port": s.port})
}

func (s *Server) apiNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody("API endpoint not found"))
}

// manifestPath returns the manifest of id when it exists as a regular file.
func (s *Server) manifestPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", fs.ErrNotExist
	}
	path, err := s.resolve(id + manifestExt)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fs.ErrNotExist
	}
	return path, nil
}

func (s *Server) manifestURL(id string) string {
	return s.HLSBaseURL() + "/" + url.PathEscape(id+manifestExt)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
