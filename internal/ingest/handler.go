package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	durationSuffix = "video-duration/"
	pingSuffix     = "video-ping/"

	csrfHeader   = "X-CSRFToken"
	viewerHeader = "X-Viewer-ID"

	maxReportBytes = 1 << 20
)

// Endpoint labels passed to RequestHook.
const (
	EndpointDuration    = "video_duration"
	EndpointPing        = "video_ping"
	EndpointProgress    = "progress"
	EndpointRecalculate = "recalculate"
)

// RequestHook observes each handled request by endpoint and response status.
type RequestHook func(endpoint string, status int)

// Handler is the receiving side of the tracker's two report endpoints.
type Handler struct {
	svc       *Service
	logger    *slog.Logger
	onRequest RequestHook
}

func NewHandler(svc *Service, logger *slog.Logger, hook RequestHook) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger.With("component", "ingest"), onRequest: hook}
}

// Mount registers the ingest routes. Report routes match any path that ends
// in one of the two endpoint suffixes.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/v1/ingest/progress", h.handleProgress)
	r.Post("/v1/ingest/recalculate", h.handleRecalculate)
	r.Post("/*", h.handleReport)
}

type durationRequest struct {
	VideoDuration *float64 `json:"video_duration"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	var endpoint, resource string
	switch {
	case strings.HasSuffix(path, "/"+durationSuffix):
		endpoint, resource = EndpointDuration, strings.TrimSuffix(path, durationSuffix)
	case strings.HasSuffix(path, "/"+pingSuffix):
		endpoint, resource = EndpointPing, strings.TrimSuffix(path, pingSuffix)
	default:
		http.NotFound(w, r)
		return
	}

	if strings.TrimSpace(r.Header.Get(csrfHeader)) == "" {
		h.respondError(w, endpoint, http.StatusForbidden, "csrf_missing", "CSRF token missing")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportBytes))
	if err != nil {
		h.respondError(w, endpoint, http.StatusBadRequest, "invalid_body", "could not read request body")
		return
	}

	if endpoint == EndpointDuration {
		var req durationRequest
		if err := json.Unmarshal(body, &req); err != nil || req.VideoDuration == nil {
			h.respondError(w, endpoint, http.StatusBadRequest, "invalid_request", "video_duration is required")
			return
		}
		if err := h.svc.SaveDuration(r.Context(), resource, *req.VideoDuration); err != nil {
			if errors.Is(err, ErrInvalidDuration) {
				h.respondError(w, endpoint, http.StatusBadRequest, "invalid_duration", err.Error())
				return
			}
			h.logger.Error("save duration failed", "resource", resource, "error", err)
			h.respondError(w, endpoint, http.StatusInternalServerError, "store_failed", "failed to save duration")
			return
		}
		h.respond(w, endpoint, http.StatusOK, map[string]string{"Duration": "Saved"})
		return
	}

	viewer := viewerFromRequest(r)
	sub, err := h.svc.RecordWatched(r.Context(), resource, viewer, body)
	if err != nil {
		if errors.Is(err, ErrUnknownRangeKey) {
			h.respondError(w, endpoint, http.StatusBadRequest, "unknown_range_key", err.Error())
			return
		}
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			h.respondError(w, endpoint, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.logger.Error("record watched ranges failed", "resource", resource, "viewer", viewer, "error", err)
		h.respondError(w, endpoint, http.StatusInternalServerError, "store_failed", "failed to save watched ranges")
		return
	}
	h.logger.Debug("watched ranges merged",
		"resource", resource,
		"viewer", viewer,
		"ranges", len(sub.Watched),
		"watched_seconds", sub.Watched.WatchedSeconds(),
	)
	h.respond(w, endpoint, http.StatusOK, map[string]string{"Data": "Saved"})
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	if resource == "" {
		h.respondError(w, EndpointProgress, http.StatusBadRequest, "invalid_request", "resource is required")
		return
	}
	viewer := strings.TrimSpace(r.URL.Query().Get("viewer"))
	sub, ok, err := h.svc.Progress(r.Context(), resource, viewer)
	if err != nil {
		h.logger.Error("load progress failed", "resource", resource, "error", err)
		h.respondError(w, EndpointProgress, http.StatusInternalServerError, "store_failed", "failed to load progress")
		return
	}
	if !ok {
		h.respondError(w, EndpointProgress, http.StatusNotFound, "not_found", "no progress recorded")
		return
	}
	sub.Watched = sub.Watched.Clone()
	h.respond(w, EndpointProgress, http.StatusOK, sub)
}

func (h *Handler) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	if resource == "" {
		h.respondError(w, EndpointRecalculate, http.StatusBadRequest, "invalid_request", "resource is required")
		return
	}
	n, err := h.svc.Recalculate(r.Context(), resource)
	if err != nil {
		h.logger.Error("recalculate failed", "resource", resource, "error", err)
		h.respondError(w, EndpointRecalculate, http.StatusInternalServerError, "store_failed", "failed to recalculate")
		return
	}
	h.respond(w, EndpointRecalculate, http.StatusOK, map[string]int{"updated": n})
}

func viewerFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(viewerHeader)); v != "" {
		return v
	}
	return DefaultViewer
}

func (h *Handler) respond(w http.ResponseWriter, endpoint string, status int, v any) {
	if h.onRequest != nil {
		h.onRequest(endpoint, status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) respondError(w http.ResponseWriter, endpoint string, status int, code, message string) {
	h.respond(w, endpoint, status, errorResponse{Error: message, Code: code})
}
