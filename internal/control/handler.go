// Package control exposes the operations the UI drives: starting and
// stopping streams, status and error queries, tool detection, persisted
// configuration and a server-sent event stream of status changes.
package control

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"rtsp2hls/internal/settings"
	"rtsp2hls/internal/supervisor"
)

// Options carries the collaborators that live outside this package.
type Options struct {
	Port    int
	BaseURL string // public origin, e.g. http://localhost:8080

	// Shutdown runs the process-wide shutdown. Called asynchronously.
	Shutdown func(reason string)
	// CleanOutput removes manifest and segment files after a stop-all.
	CleanOutput func()
	// OnSettingsChanged is called after settings were stored.
	OnSettingsChanged func(settings.AppSettings)
}

// Handler serves /api/control.
type Handler struct {
	sup  *supervisor.Supervisor
	repo *settings.Repository
	log  *slog.Logger
	opts Options

	closeOnce sync.Once
	closed    chan struct{}
}

// NewHandler returns a Handler over sup and repo.
func NewHandler(sup *supervisor.Supervisor, repo *settings.Repository, log *slog.Logger, opts Options) *Handler {
	return &Handler{sup: sup, repo: repo, log: log, opts: opts, closed: make(chan struct{})}
}

// Routes returns the router to mount under /api/control.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/streams", h.GetAllStatus)
	r.Post("/streams", h.StartStream)
	r.Route("/streams/{id}", func(r chi.Router) {
		r.Get("/", h.GetStatus)
		r.Post("/start", h.StartConfigured)
		r.Post("/stop", h.StopStream)
		r.Get("/error", h.GetError)
		r.Delete("/error", h.ClearError)
		r.Get("/url", h.GetStreamURL)
	})
	r.Post("/stop-all", h.StopAll)
	r.Post("/shutdown", h.Shutdown)

	r.Get("/tool", h.CheckTool)
	r.Get("/server", h.ServerInfo)
	r.Get("/events", h.Events)

	r.Get("/settings", h.GetSettings)
	r.Put("/settings", h.UpdateSettings)
	r.Delete("/settings", h.ResetSettings)
	r.Get("/configs", h.ListConfigs)
	r.Post("/configs", h.CreateConfig)
	r.Put("/configs/{id}", h.UpdateConfig)
	r.Delete("/configs/{id}", h.DeleteConfig)

	return r
}

// StartResult is the reply to a start request.
type StartResult struct {
	Success     bool                  `json:"success"`
	OutputPath  string                `json:"outputPath,omitempty"`
	PlaybackURL string                `json:"playbackUrl,omitempty"`
	Error       string                `json:"error,omitempty"`
	ErrorClass  supervisor.ErrorClass `json:"errorClass,omitempty"`
}

// StartStream handles POST /streams with a supervisor.StreamRequest body.
// The call returns once the stream is ready or has failed.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	var req supervisor.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid start body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, StartResult{Error: "invalid request body"})
		return
	}
	h.start(w, r, req)
}

// StartConfigured handles POST /streams/{id}/start for a stored configuration.
func (h *Handler) StartConfigured(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, ok := h.repo.GetConfig(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, StartResult{Error: settings.ErrConfigNotFound.Error()})
		return
	}
	req, err := cfg.Request(h.repo.Settings())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, StartResult{Error: err.Error()})
		return
	}
	h.start(w, r, req)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request, req supervisor.StreamRequest) {
	info, err := h.sup.Start(r.Context(), req)
	if err != nil {
		res := StartResult{Error: err.Error()}
		var se *supervisor.StartError
		if errors.As(err, &se) {
			res.Error = se.Message
			res.ErrorClass = se.Class
		}
		writeJSON(w, startStatus(err), res)
		return
	}
	writeJSON(w, http.StatusOK, StartResult{
		Success:     true,
		OutputPath:  info.ManifestPath,
		PlaybackURL: info.PlaybackURL,
	})
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrTooManyStreams):
		return http.StatusTooManyRequests
	case errors.Is(err, supervisor.ErrToolUnavailable), errors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

// StopStream handles POST /streams/{id}/stop.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	id := supervisor.StreamID(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"success": h.sup.Stop(id)})
}

// ProcessStatus is the reply of GetStatus and an element of GetAllStatus.
type ProcessStatus struct {
	Running        bool             `json:"running"`
	PID            int              `json:"pid,omitempty"`
	Phase          supervisor.Phase `json:"phase,omitempty"`
	CPUPercent     *float64         `json:"cpuPercent,omitempty"`
	MemoryRSSBytes *uint64          `json:"memoryRssBytes,omitempty"`
}

// GetStatus handles GET /streams/{id}.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := supervisor.StreamID(chi.URLParam(r, "id"))
	st := h.sup.Status(id)
	running, pid := h.sup.ProcessInfo(id)

	out := ProcessStatus{Running: running, PID: pid, Phase: st.Phase}
	if running {
		if stats, err := h.sup.Stats(r.Context(), id); err == nil {
			out.CPUPercent = &stats.CPUPercent
			out.MemoryRSSBytes = &stats.MemoryRSSBytes
		} else {
			h.log.Debug("process stats unavailable", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAllStatus handles GET /streams.
func (h *Handler) GetAllStatus(w http.ResponseWriter, r *http.Request) {
	all := h.sup.StatusAll()
	out := make(map[supervisor.StreamID]ProcessStatus, len(all))
	for _, st := range all {
		out[st.ID] = ProcessStatus{Running: true, PID: st.PID, Phase: st.Phase}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetError handles GET /streams/{id}/error. No error is JSON null.
func (h *Handler) GetError(w http.ResponseWriter, r *http.Request) {
	id := supervisor.StreamID(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, h.sup.LastError(id))
}

// ClearError handles DELETE /streams/{id}/error.
func (h *Handler) ClearError(w http.ResponseWriter, r *http.Request) {
	h.sup.ClearError(supervisor.StreamID(chi.URLParam(r, "id")))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetStreamURL handles GET /streams/{id}/url.
func (h *Handler) GetStreamURL(w http.ResponseWriter, r *http.Request) {
	id := supervisor.StreamID(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{
		"url":     h.sup.PlaybackURL(id),
		"baseUrl": h.opts.BaseURL,
	})
}

// StopAll handles POST /stop-all: every stream is stopped and the output
// files are removed, but the process keeps running.
func (h *Handler) StopAll(w http.ResponseWriter, r *http.Request) {
	n := h.sup.StopAll(r.Context())
	if h.opts.CleanOutput != nil {
		h.opts.CleanOutput()
	}
	h.log.Info("all streams stopped", slog.Int("stopped", n))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stopped": n})
}

// Shutdown handles POST /shutdown. The reply is sent before shutdown starts.
func (h *Handler) Shutdown(w http.ResponseWriter, r *http.Request) {
	if h.opts.Shutdown == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"success": false})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
	go h.opts.Shutdown("ui-close")
}

// CheckTool handles GET /tool.
func (h *Handler) CheckTool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sup.CheckTool(r.Context()))
}

// ServerInfo handles GET /server.
func (h *Handler) ServerInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"port":    h.opts.Port,
		"baseUrl": h.opts.BaseURL,
		"hlsUrl":  h.opts.BaseURL + "/hls/",
		"apiUrl":  h.opts.BaseURL + "/api/",
		"running": !h.sup.ShuttingDown(),
	})
}

// GetSettings handles GET /settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.repo.Settings())
}

// UpdateSettings handles PUT /settings.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var s settings.AppSettings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	saved, err := h.repo.UpdateSettings(s)
	if err != nil {
		h.log.Info("settings rejected", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.opts.OnSettingsChanged != nil {
		h.opts.OnSettingsChanged(saved)
	}
	writeJSON(w, http.StatusOK, saved)
}

// ResetSettings handles DELETE /settings, restoring the defaults.
func (h *Handler) ResetSettings(w http.ResponseWriter, r *http.Request) {
	saved, err := h.repo.ResetSettings()
	if err != nil {
		h.log.Error("settings reset failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	if h.opts.OnSettingsChanged != nil {
		h.opts.OnSettingsChanged(saved)
	}
	writeJSON(w, http.StatusOK, saved)
}

// ListConfigs handles GET /configs.
func (h *Handler) ListConfigs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"streams": h.repo.ListConfigs()})
}

// CreateConfig handles POST /configs.
func (h *Handler) CreateConfig(w http.ResponseWriter, r *http.Request) {
	var c settings.StreamConfig
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := h.repo.CreateConfig(c)
	if err != nil {
		h.configError(w, err)
		return
	}
	h.log.Info("stream configuration created", slog.String("config_id", created.ID))
	writeJSON(w, http.StatusCreated, created)
}

// UpdateConfig handles PUT /configs/{id}.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var c settings.StreamConfig
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := h.repo.UpdateConfig(chi.URLParam(r, "id"), c)
	if err != nil {
		h.configError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteConfig handles DELETE /configs/{id}. A running stream for the
// configuration is stopped first.
func (h *Handler) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.DeleteConfig(id); err != nil {
		h.configError(w, err)
		return
	}
	h.sup.Stop(supervisor.StreamID(id))
	h.log.Info("stream configuration deleted", slog.String("config_id", id))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) configError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settings.ErrConfigNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, settings.ErrConfigFixed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, settings.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("stream configuration update failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to save configuration")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
