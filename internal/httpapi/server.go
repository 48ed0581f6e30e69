package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/watchtrack/internal/config"
	"github.com/ent0n29/watchtrack/internal/ingest"
	"github.com/ent0n29/watchtrack/internal/observability"
	"github.com/ent0n29/watchtrack/internal/player"
	"github.com/ent0n29/watchtrack/internal/protocol"
	"github.com/ent0n29/watchtrack/internal/reliability"
	"github.com/ent0n29/watchtrack/internal/session"
	"github.com/ent0n29/watchtrack/internal/syncclient"
	"github.com/ent0n29/watchtrack/internal/tracker"
	"github.com/ent0n29/watchtrack/internal/watch"
)

const (
	helloTimeout      = 10 * time.Second
	errorWriteTimeout = 5 * time.Second
)

type Server struct {
	cfg        config.Config
	sessions   *session.Manager
	metrics    *observability.Metrics
	ingest     *ingest.Handler
	httpClient *http.Client
	// base is the unscoped logger; per-session components add their own keys.
	base     *slog.Logger
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New builds the API server. ingestHandler may be nil when the reference
// backend is disabled.
func New(cfg config.Config, sessions *session.Manager, metrics *observability.Metrics, ingestHandler *ingest.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		ingest:   ingestHandler,
		base:     logger,
		logger:   logger.With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only the page served from this host may open a bridge.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients (watchreplay) often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// SetHTTPClient overrides the client used for report delivery.
func (s *Server) SetHTTPClient(c *http.Client) {
	s.httpClient = c
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/player/ws", s.handlePlayerWS)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)

	if s.ingest != nil {
		s.ingest.Mount(r)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"ingest_enabled": s.ingest != nil,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"ingest_enabled":  s.ingest != nil,
		"active_sessions": s.sessions.ActiveCount(),
		"backend_url":     s.cfg.BackendURL,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.List()
	out := make([]session.Snapshot, 0, len(list))
	for _, sess := range list {
		out = append(out, s.sessions.Snapshot(sess))
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.sessions.Snapshot(sess))
}

// handlePlayerWS runs one tracking session for the page on the other end of
// the socket. The page must open with page_hello; the session lasts until the
// page disconnects or the session expires for inactivity.
func (s *Server) handlePlayerWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	defer s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()

	hello, err := readHello(conn)
	if err != nil {
		s.writeErrorEvent(conn, protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "invalid_page_hello",
			Detail: err.Error(),
		})
		return
	}
	s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypePageHello)).Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_, durationKnown, _ := watch.ParseDuration(hello.VideoDuration)
	sess := s.sessions.Create(hello.ResourcePath, durationKnown, cancel)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	logger := s.logger.With("session_id", sess.ID, "resource", hello.ResourcePath)
	sessionBase := s.base.With("session_id", sess.ID)

	defer func() {
		if _, err := s.sessions.End(sess.ID); err == nil {
			s.metrics.SessionEvents.WithLabelValues("ended").Inc()
		}
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	}()

	client, err := syncclient.New(syncclient.Config{
		BaseURL:      s.cfg.BackendURL,
		ResourcePath: hello.ResourcePath,
		CSRFToken:    hello.CSRFToken,
		HTTPClient:   s.httpClient,
		Logger:       sessionBase,
		OnComplete:   s.observeDelivery,
	})
	if err != nil {
		logger.Warn("sync client rejected page", "error", err)
		s.writeErrorEvent(conn, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      "invalid_resource",
			Detail:    err.Error(),
		})
		return
	}

	// Pongs count as inbound traffic, so a paused page stays active while its
	// socket is alive.
	bridge := player.NewBridgePlayer(conn, sessionBase.With("resource", hello.ResourcePath), func(direction string, msgType protocol.MessageType) {
		s.metrics.WSMessages.WithLabelValues(direction, string(msgType)).Inc()
		if direction == "inbound" {
			_ = s.sessions.Touch(sess.ID)
		}
	}, player.WithPingInterval(s.pingInterval()))
	defer bridge.Close()

	if err := bridge.Send(protocol.SessionReady{
		Type:           protocol.TypeSessionReady,
		SessionID:      sess.ID,
		DurationKnown:  durationKnown,
		ThrottleMS:     s.throttleInterval().Milliseconds(),
		ReportEndpoint: client.PingEndpoint(),
	}, protocol.TypeSessionReady); err != nil {
		logger.Debug("session_ready not sent", "error", err)
		return
	}

	t := tracker.New(bridge, client, tracker.Config{
		SessionID:        sess.ID,
		ResourcePath:     hello.ResourcePath,
		PageDuration:     hello.VideoDuration,
		ThrottleInterval: s.throttleInterval(),
		Logger:           s.base,
		Hooks:            s.trackerHooks(sess.ID),
	})

	if err := t.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("tracking ended with error", "error", err)
	}
}

func (s *Server) trackerHooks(sessionID string) tracker.Hooks {
	return tracker.Hooks{
		OnStateChange: func(_, to tracker.State) {
			_ = s.sessions.SetState(sessionID, string(to))
		},
		OnReport: func(kind string) {
			s.metrics.ReportsHandedOff.WithLabelValues(kind).Inc()
			switch kind {
			case tracker.ReportKindDuration:
				_ = s.sessions.RecordDurationReport(sessionID)
			case tracker.ReportKindWatchRange:
				_ = s.sessions.RecordRangeReport(sessionID)
			}
		},
		OnThrottled: func() {
			s.metrics.ThrottledUpdates.Inc()
			_ = s.sessions.RecordDropped(sessionID)
		},
		OnQueryError: func(query string, _ error) {
			s.metrics.QueryErrors.WithLabelValues(query).Inc()
			_ = s.sessions.RecordQueryError(sessionID)
		},
	}
}

func (s *Server) observeDelivery(res syncclient.Result, err error) {
	var outcome string
	var statusErr *syncclient.StatusError
	switch {
	case errors.As(err, &statusErr):
		outcome = reliability.ClassifyStatus(statusErr.StatusCode)
	case err != nil:
		outcome = reliability.ClassifyError(err)
	default:
		outcome = reliability.ClassifyStatus(res.StatusCode)
	}
	s.metrics.ObserveDelivery(string(res.Kind), outcome, res.Elapsed)
}

func (s *Server) throttleInterval() time.Duration {
	if s.cfg.ThrottleInterval > 0 {
		return s.cfg.ThrottleInterval
	}
	return tracker.DefaultThrottleInterval
}

// pingInterval keeps bridge pings well inside the inactivity window.
func (s *Server) pingInterval() time.Duration {
	interval := s.cfg.WSPingInterval
	if interval <= 0 {
		interval = player.DefaultPingInterval
	}
	if limit := s.sessions.InactivityTimeout() / 3; limit > 0 && interval > limit {
		interval = limit
	}
	return interval
}

func (s *Server) writeErrorEvent(conn *websocket.Conn, ev protocol.ErrorEvent) {
	_ = conn.SetWriteDeadline(time.Now().Add(errorWriteTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		return
	}
	s.metrics.WSMessages.WithLabelValues("outbound", string(protocol.TypeErrorEvent)).Inc()
}

func readHello(conn *websocket.Conn) (protocol.PageHello, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.PageHello{}, fmt.Errorf("read page_hello: %w", err)
	}
	if msgType != websocket.TextMessage {
		return protocol.PageHello{}, errors.New("page_hello must be a text message")
	}
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return protocol.PageHello{}, err
	}
	hello, ok := parsed.(protocol.PageHello)
	if !ok {
		return protocol.PageHello{}, errors.New("first message must be page_hello")
	}
	return hello, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
