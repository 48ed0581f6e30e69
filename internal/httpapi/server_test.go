package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/watchtrack/internal/config"
	"github.com/ent0n29/watchtrack/internal/ingest"
	"github.com/ent0n29/watchtrack/internal/logging"
	"github.com/ent0n29/watchtrack/internal/observability"
	"github.com/ent0n29/watchtrack/internal/protocol"
	"github.com/ent0n29/watchtrack/internal/session"
	"github.com/ent0n29/watchtrack/internal/watch"
)

type testEnv struct {
	daemon   *httptest.Server
	backend  *httptest.Server
	ingest   *ingest.Service
	sessions *session.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil, nil)
}

// newTestEnvWith builds the daemon with an optional logger and config tweaks.
func newTestEnvWith(t *testing.T, logger *slog.Logger, tune func(*config.Config)) *testEnv {
	t.Helper()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")

	svc := ingest.NewService(ingest.NewInMemoryStore())
	backendRouter := chi.NewRouter()
	ingest.NewHandler(svc, nil, metrics.ObserveIngest).Mount(backendRouter)
	backend := httptest.NewServer(backendRouter)
	t.Cleanup(backend.Close)

	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		BackendURL:               backend.URL,
		ThrottleInterval:         50 * time.Millisecond,
	}
	if tune != nil {
		tune(&cfg)
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	srv := New(cfg, sessions, metrics, nil, logger)
	daemon := httptest.NewServer(srv.Router())
	t.Cleanup(daemon.Close)

	return &testEnv{daemon: daemon, backend: backend, ingest: svc, sessions: sessions}
}

func (e *testEnv) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.daemon.URL, "http") + "/v1/player/ws"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestPlayerBridgeEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, nil)
	resource := "/courses/go/lecture-1/"

	require.NoError(t, conn.WriteJSON(protocol.PageHello{
		Type:         protocol.TypePageHello,
		ResourcePath: resource,
		CSRFToken:    "tok",
	}))
	ready := readJSON(t, conn)
	require.Equal(t, string(protocol.TypeSessionReady), ready["type"])
	require.Equal(t, false, ready["duration_known"])
	require.Equal(t, float64(50), ready["throttle_ms"])
	require.Equal(t, env.backend.URL+resource+"video-ping/", ready["report_endpoint"])
	sessionID, _ := ready["session_id"].(string)
	require.NotEmpty(t, sessionID)

	require.NoError(t, conn.WriteJSON(protocol.PlayerEvent{Type: protocol.TypePlayerEvent, Event: "play"}))
	query := readJSON(t, conn)
	require.Equal(t, string(protocol.TypePlayerQuery), query["type"])
	require.Equal(t, protocol.MethodGetDuration, query["method"])
	duration := 125.5
	require.NoError(t, conn.WriteJSON(protocol.QueryResult{
		Type:      protocol.TypeQueryResult,
		RequestID: query["request_id"].(string),
		Duration:  &duration,
	}))

	require.Eventually(t, func() bool {
		snap, err := env.sessions.Get(sessionID)
		return err == nil && snap.DurationReported && snap.State == "tracking"
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		d, ok, err := env.ingest.Duration(testContext(t), resource)
		return err == nil && ok && d == duration
	}, 3*time.Second, 10*time.Millisecond)

	// Step past the throttle window before the first timeupdate.
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(protocol.PlayerEvent{Type: protocol.TypePlayerEvent, Event: "timeupdate", Seconds: 10.8}))
	query = readJSON(t, conn)
	require.Equal(t, protocol.MethodGetPlayed, query["method"])
	require.NoError(t, conn.WriteJSON(protocol.QueryResult{
		Type:      protocol.TypeQueryResult,
		RequestID: query["request_id"].(string),
		Played:    watch.RangeSet{{0, 10.8}},
	}))

	require.Eventually(t, func() bool {
		sub, ok, err := env.ingest.Progress(testContext(t), resource, "")
		return err == nil && ok && sub.WatchedPercent != nil && *sub.WatchedPercent == 8.6
	}, 3*time.Second, 10*time.Millisecond)

	res, err := http.Get(env.daemon.URL + "/v1/sessions/" + sessionID)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	require.Equal(t, resource, snap.ResourcePath)
	require.Equal(t, 1, snap.RangeReports)
	require.True(t, snap.DurationReported)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		s, err := env.sessions.Get(sessionID)
		return err == nil && s.Status == session.StatusEnded
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPlayerBridgeKnownDurationSkipsDurationQuery(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, nil)

	require.NoError(t, conn.WriteJSON(protocol.PageHello{
		Type:          protocol.TypePageHello,
		ResourcePath:  "/courses/go/lecture-2",
		VideoDuration: "300",
		CSRFToken:     "tok",
	}))
	ready := readJSON(t, conn)
	require.Equal(t, true, ready["duration_known"])

	// play is not observed when the page already knew the duration; the next
	// query the page sees must be the played-range query.
	require.NoError(t, conn.WriteJSON(protocol.PlayerEvent{Type: protocol.TypePlayerEvent, Event: "play"}))
	require.NoError(t, conn.WriteJSON(protocol.PlayerEvent{Type: protocol.TypePlayerEvent, Event: "timeupdate", Seconds: 1}))
	query := readJSON(t, conn)
	require.Equal(t, protocol.MethodGetPlayed, query["method"])
}

func TestPlayerBridgePausedPageOutlivesInactivityTimeout(t *testing.T) {
	env := newTestEnvWith(t, nil, func(cfg *config.Config) {
		cfg.SessionInactivityTimeout = 300 * time.Millisecond
		cfg.WSPingInterval = 50 * time.Millisecond
	})
	env.sessions.StartJanitor(testContext(t), 50*time.Millisecond)
	conn := env.dial(t, nil)
	resource := "/courses/go/lecture-3/"

	require.NoError(t, conn.WriteJSON(protocol.PageHello{
		Type:          protocol.TypePageHello,
		ResourcePath:  resource,
		VideoDuration: "100",
		CSRFToken:     "tok",
	}))
	ready := readJSON(t, conn)
	sessionID, _ := ready["session_id"].(string)
	require.NotEmpty(t, sessionID)

	// A browser answers pings as long as the socket is open; gorilla does so
	// only while the connection is being read.
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	inbound := make(chan map[string]any, 8)
	go func() {
		defer close(inbound)
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			inbound <- msg
		}
	}()

	// Paused video: no page messages for twice the inactivity timeout.
	time.Sleep(600 * time.Millisecond)
	snap, err := env.sessions.Get(sessionID)
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, snap.Status)

	require.NoError(t, conn.WriteJSON(protocol.PlayerEvent{Type: protocol.TypePlayerEvent, Event: "timeupdate", Seconds: 12}))
	var query map[string]any
	select {
	case msg, ok := <-inbound:
		require.True(t, ok, "bridge closed while the page was paused")
		query = msg
	case <-time.After(3 * time.Second):
		t.Fatal("no played query after resuming")
	}
	require.Equal(t, string(protocol.TypePlayerQuery), query["type"])
	require.Equal(t, protocol.MethodGetPlayed, query["method"])
	require.NoError(t, conn.WriteJSON(protocol.QueryResult{
		Type:      protocol.TypeQueryResult,
		RequestID: query["request_id"].(string),
		Played:    watch.RangeSet{{0, 12}},
	}))

	require.Eventually(t, func() bool {
		s, err := env.sessions.Get(sessionID)
		return err == nil && s.RangeReports == 1 && s.Status == session.StatusActive
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPlayerBridgeUnresponsivePageExpires(t *testing.T) {
	env := newTestEnvWith(t, nil, func(cfg *config.Config) {
		cfg.SessionInactivityTimeout = 300 * time.Millisecond
		cfg.WSPingInterval = 50 * time.Millisecond
	})
	env.sessions.StartJanitor(testContext(t), 50*time.Millisecond)
	conn := env.dial(t, nil)

	require.NoError(t, conn.WriteJSON(protocol.PageHello{
		Type:          protocol.TypePageHello,
		ResourcePath:  "/courses/go/lecture-4/",
		VideoDuration: "100",
		CSRFToken:     "tok",
	}))
	ready := readJSON(t, conn)
	sessionID, _ := ready["session_id"].(string)
	require.NotEmpty(t, sessionID)

	// Nothing reads the page side from here on, so pings go unanswered.
	require.Eventually(t, func() bool {
		s, err := env.sessions.Get(sessionID)
		return err == nil && s.Status == session.StatusEnded
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPlayerBridgeRejectsUnusableBackend(t *testing.T) {
	env := newTestEnvWith(t, nil, func(cfg *config.Config) {
		cfg.BackendURL = ""
	})
	conn := env.dial(t, nil)

	require.NoError(t, conn.WriteJSON(protocol.PageHello{
		Type:         protocol.TypePageHello,
		ResourcePath: "/courses/go/lecture-5/",
		CSRFToken:    "tok",
	}))
	msg := readJSON(t, conn)
	require.Equal(t, string(protocol.TypeErrorEvent), msg["type"])
	require.Equal(t, "invalid_resource", msg["code"])
	sessionID, _ := msg["session_id"].(string)
	require.NotEmpty(t, sessionID)

	require.Eventually(t, func() bool {
		s, err := env.sessions.Get(sessionID)
		return err == nil && s.Status == session.StatusEnded
	}, 3*time.Second, 10*time.Millisecond)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPlayerBridgeSessionLogsCarryEachKeyOnce(t *testing.T) {
	var out syncBuffer
	env := newTestEnvWith(t, logging.NewWithWriter(&out, "watchtrack", slog.LevelDebug), nil)
	conn := env.dial(t, nil)

	require.NoError(t, conn.WriteJSON(protocol.PageHello{
		Type:         protocol.TypePageHello,
		ResourcePath: "/courses/go/lecture-6/",
		CSRFToken:    "tok",
	}))
	readJSON(t, conn)
	require.NoError(t, conn.WriteJSON(protocol.PlayerEvent{Type: protocol.TypePlayerEvent, Event: "play"}))
	query := readJSON(t, conn)
	duration := 90.0
	require.NoError(t, conn.WriteJSON(protocol.QueryResult{
		Type:      protocol.TypeQueryResult,
		RequestID: query["request_id"].(string),
		Duration:  &duration,
	}))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"component":"sync_client"`)
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"msg":"tracking stopped"`)
	}, 3*time.Second, 10*time.Millisecond)

	logs := out.String()
	require.Contains(t, logs, `"component":"tracker"`)
	for _, line := range strings.Split(strings.TrimSpace(logs), "\n") {
		for _, key := range []string{`"component":`, `"session_id":`, `"resource":`, `"service":`} {
			require.LessOrEqual(t, strings.Count(line, key), 1, "duplicate %s in %s", key, line)
		}
	}
}

func TestPlayerBridgeRejectsBadHello(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, nil)

	require.NoError(t, conn.WriteJSON(protocol.PlayerEvent{Type: protocol.TypePlayerEvent, Event: "play"}))
	msg := readJSON(t, conn)
	require.Equal(t, string(protocol.TypeErrorEvent), msg["type"])
	require.Equal(t, "invalid_page_hello", msg["code"])
	require.Empty(t, env.sessions.List())
}

func TestPlayerBridgeRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.daemon.URL, "http") + "/v1/player/ws"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"https://elsewhere.example"}})
	require.Error(t, err)
	require.NotNil(t, res)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestHealthAndSessionRoutes(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/sessions"} {
		res, err := http.Get(env.daemon.URL + path)
		require.NoError(t, err)
		_ = res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode, path)
	}

	res, err := http.Get(env.daemon.URL + "/v1/sessions/missing")
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestIngestMountedWhenEnabled(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	svc := ingest.NewService(ingest.NewInMemoryStore())
	srv := New(config.Config{}, session.NewManager(time.Minute), metrics, ingest.NewHandler(svc, nil, metrics.ObserveIngest), nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/lec/video-ping/", "application/json", strings.NewReader(`{"watched_video_time_range": []}`))
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	res, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, true, body["ingest_enabled"])
}
