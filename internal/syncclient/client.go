package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/watchtrack/internal/watch"
)

const (
	DurationSuffix = "video-duration/"
	PingSuffix     = "video-ping/"

	CSRFHeader = "X-CSRFToken"

	maxLoggedBody = 4 << 10
)

// Kind names a report type; it doubles as a metrics label.
type Kind string

const (
	KindDuration   Kind = "duration"
	KindWatchRange Kind = "watch_range"
)

// DurationReport is the video-duration/ payload.
type DurationReport struct {
	VideoDuration float64 `json:"video_duration"`
}

// WatchRangeReport is the video-ping/ payload.
type WatchRangeReport struct {
	WatchedVideoTimeRange watch.RangeSet `json:"watched_video_time_range"`
}

// Result describes one completed delivery.
type Result struct {
	Kind       Kind
	Endpoint   string
	StatusCode int
	Body       string
	Elapsed    time.Duration
}

// CompletionHook is invoked after every delivery attempt, successful or not.
type CompletionHook func(res Result, err error)

type Config struct {
	// BaseURL is the backend origin, e.g. "https://courses.example.com".
	BaseURL string
	// ResourcePath is the page path the report endpoints hang off.
	ResourcePath string
	CSRFToken    string
	HTTPClient   *http.Client
	Logger       *slog.Logger
	OnComplete   CompletionHook
}

// Client delivers progress reports to the per-resource endpoints. Reports are
// best-effort telemetry: nothing is retried and failures never reach callers
// of the fire-and-forget methods.
type Client struct {
	durationURL string
	pingURL     string
	token       string
	client      *http.Client
	logger      *slog.Logger
	onComplete  CompletionHook
	now         func() time.Time
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("sync backend base url required")
	}
	resource := strings.TrimSpace(cfg.ResourcePath)
	if !strings.HasPrefix(resource, "/") {
		return nil, fmt.Errorf("resource path %q must be absolute", cfg.ResourcePath)
	}
	if !strings.HasSuffix(resource, "/") {
		resource += "/"
	}
	client := cfg.HTTPClient
	if client == nil {
		// No client timeout: a stalled request simply never completes.
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		durationURL: base + resource + DurationSuffix,
		pingURL:     base + resource + PingSuffix,
		token:       strings.TrimSpace(cfg.CSRFToken),
		client:      client,
		logger:      logger.With("component", "sync_client", "resource", resource),
		onComplete:  cfg.OnComplete,
		now:         time.Now,
	}, nil
}

func (c *Client) DurationEndpoint() string { return c.durationURL }
func (c *Client) PingEndpoint() string     { return c.pingURL }

// ReportDuration sends a DurationReport in the background.
func (c *Client) ReportDuration(ctx context.Context, seconds float64) {
	c.fire(ctx, KindDuration, c.durationURL, DurationReport{VideoDuration: seconds})
}

// ReportWatchRange sends the snapshot verbatim in the background.
func (c *Client) ReportWatchRange(ctx context.Context, played watch.RangeSet) {
	c.fire(ctx, KindWatchRange, c.pingURL, WatchRangeReport{WatchedVideoTimeRange: played.Clone()})
}

func (c *Client) fire(ctx context.Context, kind Kind, endpoint string, payload any) {
	// In-flight sends outlive the session that issued them.
	ctx = context.WithoutCancel(ctx)
	go func() {
		_, _ = c.Deliver(ctx, kind, endpoint, payload)
	}()
}

// Deliver performs one POST synchronously. Only status 200 counts as success;
// the response body is read and logged as opaque text.
func (c *Client) Deliver(ctx context.Context, kind Kind, endpoint string, payload any) (Result, error) {
	res := Result{Kind: kind, Endpoint: endpoint}
	start := c.now()
	err := c.deliver(ctx, payload, &res)
	res.Elapsed = c.now().Sub(start)
	if c.onComplete != nil {
		c.onComplete(res, err)
	}
	if err != nil {
		c.logger.Debug("report not delivered", "kind", kind, "status", res.StatusCode, "error", err)
		return res, err
	}
	c.logger.Info("report delivered", "kind", kind, "response", res.Body, "elapsed", res.Elapsed)
	return res, nil
}

func (c *Client) deliver(ctx context.Context, payload any, res *Result) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s report: %w", res.Kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, res.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", res.Kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(CSRFHeader, c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s report: %w", res.Kind, err)
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxLoggedBody))
		return &StatusError{StatusCode: resp.StatusCode}
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	if err != nil {
		return fmt.Errorf("read %s response: %w", res.Kind, err)
	}
	res.Body = strings.TrimSpace(string(buf))
	return nil
}

// StatusError reports a completed request with a status other than 200.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sync endpoint returned status %d", e.StatusCode)
}
