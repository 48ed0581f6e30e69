package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/watchtrack/internal/config"
)

func baseConfig() config.Config {
	return config.Config{
		SessionInactivityTimeout: time.Minute,
		MetricsNamespace:         "test",
		BackendURL:               "http://localhost:8080",
		ThrottleInterval:         10 * time.Second,
	}
}

func TestBuildWithoutIngest(t *testing.T) {
	res, err := build(context.Background(), baseConfig(), nil, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, res.Cleanup()) })

	require.Equal(t, "disabled", res.IngestMode)
	require.Nil(t, res.Ingest)

	rec := httptest.NewRecorder()
	res.API.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/lec/video-ping/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildWithSQLiteIngest(t *testing.T) {
	cfg := baseConfig()
	cfg.IngestEnabled = true
	cfg.IngestSQLitePath = filepath.Join(t.TempDir(), "ingest.db")

	res, err := build(context.Background(), cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, res.Cleanup()) })

	require.Equal(t, "sqlite", res.IngestMode)
	require.NotNil(t, res.Ingest)
	require.Equal(t, 0, res.Sessions.ActiveCount())
}
