package ingest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/watchtrack/internal/watch"
)

type requestLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *requestLog) hook(endpoint string, status int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, endpoint+":"+http.StatusText(status))
}

func newTestRouter(t *testing.T) (http.Handler, *Service, *requestLog) {
	t.Helper()
	svc := NewService(NewInMemoryStore())
	log := &requestLog{}
	r := chi.NewRouter()
	NewHandler(svc, nil, log.hook).Mount(r)
	return r, svc, log
}

func post(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var csrf = map[string]string{"X-CSRFToken": "tok"}

func TestHandlerDurationReport(t *testing.T) {
	h, svc, log := newTestRouter(t)

	rec := post(t, h, "/courses/go/lecture-1/video-duration/", `{"video_duration": 125.5}`, csrf)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"Duration": "Saved"}`, rec.Body.String())

	d, ok, err := svc.store.Duration(testContext(t), "/courses/go/lecture-1/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 125.5, d)
	require.Equal(t, []string{"video_duration:OK"}, log.calls)
}

func TestHandlerPingReport(t *testing.T) {
	h, svc, _ := newTestRouter(t)
	require.NoError(t, svc.SaveDuration(testContext(t), "/courses/go/lecture-1/", 125.5))

	rec := post(t, h, "/courses/go/lecture-1/video-ping/", `{"watched_video_time_range": [[0, 10.8]]}`,
		map[string]string{"X-CSRFToken": "tok", "X-Viewer-ID": "ada"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"Data": "Saved"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/v1/ingest/progress?resource=/courses/go/lecture-1/&viewer=ada", nil)
	got := httptest.NewRecorder()
	h.ServeHTTP(got, req)
	require.Equal(t, http.StatusOK, got.Code)

	var sub Submission
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &sub))
	require.Equal(t, watch.RangeSet{{0, 10.8}}, sub.Watched)
	require.Equal(t, 8.6, *sub.WatchedPercent)
}

func TestHandlerRejectsMissingCSRF(t *testing.T) {
	h, _, log := newTestRouter(t)
	rec := post(t, h, "/lec/video-ping/", `{"watched_video_time_range": []}`, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, []string{"video_ping:Forbidden"}, log.calls)
}

func TestHandlerBadRequests(t *testing.T) {
	h, _, _ := newTestRouter(t)

	cases := []struct {
		name string
		path string
		body string
	}{
		{name: "unknown range key", path: "/lec/video-ping/", body: `{"ranges": []}`},
		{name: "malformed ping", path: "/lec/video-ping/", body: `{"watched_video_time_range": [[0,`},
		{name: "missing duration", path: "/lec/video-duration/", body: `{}`},
		{name: "zero duration", path: "/lec/video-duration/", body: `{"video_duration": 0}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(t, h, tc.path, tc.body, csrf)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestHandlerUnknownPath(t *testing.T) {
	h, _, _ := newTestRouter(t)
	rec := post(t, h, "/lec/video-other/", `{}`, csrf)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerRecalculate(t *testing.T) {
	h, svc, _ := newTestRouter(t)
	rec := post(t, h, "/lec/video-ping/", `{"watched_video_time_range": [[0, 50]]}`, csrf)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, svc.SaveDuration(testContext(t), "/lec/", 100))

	rec = post(t, h, "/v1/ingest/recalculate?resource=/lec/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"updated": 1}`, rec.Body.String())

	sub, ok, err := svc.Progress(testContext(t), "/lec/", "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 50.0, *sub.WatchedPercent)
}
