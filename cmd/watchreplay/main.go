package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/watchtrack/internal/protocol"
	"github.com/ent0n29/watchtrack/internal/reliability"
	"github.com/ent0n29/watchtrack/internal/watch"
)

type options struct {
	baseURL       string
	backendURL    string
	resourcePath  string
	pageDuration  string
	csrfToken     string
	mediaDuration float64
	timeline      []segment
	tick          float64
	realtime      float64
	grace         time.Duration
	verbose       bool
}

// segment is one continuous stretch of playback; a gap between segments is a seek.
type segment struct {
	from float64
	to   float64
}

type summary struct {
	SessionID       string
	EventsSent      int
	QueriesAnswered int
	Played          watch.RangeSet
	Progress        *progress
}

type progress struct {
	Watched        watch.RangeSet `json:"video_watched_time_range"`
	WatchedPercent *float64       `json:"video_watched_percent"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "watchreplay: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	sum, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watchreplay: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, sum)
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("watchreplay", flag.ContinueOnError)
	var cfg options
	var timelineRaw string
	var graceMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "watchtrack base URL")
	fs.StringVar(&cfg.backendURL, "backend-url", "", "ingest backend URL for the progress summary; defaults to base-url")
	fs.StringVar(&cfg.resourcePath, "resource", "/courses/demo/lecture-1/", "resource path of the simulated page")
	fs.StringVar(&cfg.pageDuration, "page-duration", "", "server-rendered video duration; empty simulates an unknown duration")
	fs.StringVar(&cfg.csrfToken, "csrf-token", "watchreplay", "CSRF token the page would embed")
	fs.Float64Var(&cfg.mediaDuration, "media-duration", 125.5, "duration the simulated player reports, in seconds")
	fs.StringVar(&timelineRaw, "timeline", "0-60", "comma separated playback segments in media seconds, e.g. 0-30,90-120")
	fs.Float64Var(&cfg.tick, "tick", 0.25, "media seconds between timeupdate events")
	fs.Float64Var(&cfg.realtime, "realtime", 10, "playback speed multiplier (1.0=realtime)")
	fs.IntVar(&graceMS, "grace-ms", 1000, "time to keep the page open after the timeline ends, in milliseconds")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, errors.New("base-url is required")
	}
	cfg.backendURL = strings.TrimRight(strings.TrimSpace(cfg.backendURL), "/")
	if cfg.backendURL == "" {
		cfg.backendURL = cfg.baseURL
	}
	if !strings.HasPrefix(cfg.resourcePath, "/") {
		return options{}, fmt.Errorf("resource must be an absolute path, got %q", cfg.resourcePath)
	}
	if cfg.mediaDuration <= 0 {
		return options{}, errors.New("media-duration must be > 0")
	}
	if cfg.tick <= 0 {
		return options{}, errors.New("tick must be > 0")
	}
	if cfg.realtime <= 0 {
		return options{}, errors.New("realtime must be > 0")
	}
	if graceMS < 0 {
		graceMS = 0
	}
	cfg.grace = time.Duration(graceMS) * time.Millisecond

	timeline, err := parseTimeline(timelineRaw, cfg.mediaDuration)
	if err != nil {
		return options{}, err
	}
	cfg.timeline = timeline
	return cfg, nil
}

func parseTimeline(raw string, mediaDuration float64) ([]segment, error) {
	var out []segment
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bounds := strings.SplitN(part, "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("timeline segment %q must look like from-to", part)
		}
		from, err := strconv.ParseFloat(strings.TrimSpace(bounds[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("timeline segment %q: %w", part, err)
		}
		to, err := strconv.ParseFloat(strings.TrimSpace(bounds[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("timeline segment %q: %w", part, err)
		}
		if from < 0 || to <= from {
			return nil, fmt.Errorf("timeline segment %q must satisfy 0 <= from < to", part)
		}
		if to > mediaDuration {
			to = mediaDuration
		}
		if from >= to {
			continue
		}
		out = append(out, segment{from: from, to: to})
	}
	if len(out) == 0 {
		return nil, errors.New("timeline produced no playable segments")
	}
	return out, nil
}

// playhead is the simulated player's played-range state, shared between the
// timeline driver and the query responder.
type playhead struct {
	mu     sync.Mutex
	played watch.RangeSet
}

func (p *playhead) seek(at float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, watch.Range{at, at})
}

func (p *playhead) advance(to float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.played) == 0 {
		p.played = append(p.played, watch.Range{0, 0})
	}
	p.played[len(p.played)-1][1] = to
}

// snapshot returns the played ranges the way a browser reports them: sorted
// and coalesced.
func (p *playhead) snapshot() watch.RangeSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return watch.Merge(p.played)
}

// page is the synthetic browser page on one bridge connection.
type page struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	head    *playhead
	media   float64
	out     io.Writer
	verbose bool

	mu       sync.Mutex
	answered int
}

func (pg *page) send(msg any) error {
	pg.writeMu.Lock()
	defer pg.writeMu.Unlock()
	_ = pg.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return pg.conn.WriteJSON(msg)
}

func (pg *page) event(name string, seconds float64) error {
	pct := 0.0
	if pg.media > 0 {
		pct = seconds / pg.media
	}
	return pg.send(protocol.PlayerEvent{
		Type:     protocol.TypePlayerEvent,
		Event:    name,
		Seconds:  seconds,
		Duration: pg.media,
		Percent:  pct,
	})
}

// respond answers player queries until the connection closes.
func (pg *page) respond(readErrCh chan<- error) {
	for {
		_, data, err := pg.conn.ReadMessage()
		if err != nil {
			readErrCh <- err
			return
		}
		var env struct {
			Type      protocol.MessageType `json:"type"`
			RequestID string               `json:"request_id"`
			Method    string               `json:"method"`
			Code      string               `json:"code"`
			Detail    string               `json:"detail"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypePlayerQuery:
			res := protocol.QueryResult{Type: protocol.TypeQueryResult, RequestID: env.RequestID}
			switch env.Method {
			case protocol.MethodGetDuration:
				d := pg.media
				res.Duration = &d
			case protocol.MethodGetPlayed:
				res.Played = pg.head.snapshot()
			default:
				res.Error = "unsupported method " + env.Method
			}
			if err := pg.send(res); err != nil {
				readErrCh <- err
				return
			}
			pg.mu.Lock()
			pg.answered++
			pg.mu.Unlock()
		case protocol.TypeErrorEvent:
			if pg.verbose {
				fmt.Fprintf(pg.out, "watchreplay: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

func run(ctx context.Context, cfg options, out io.Writer) (summary, error) {
	wsURL, err := wsURLForBridge(cfg.baseURL)
	if err != nil {
		return summary{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return summary{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	pg := &page{conn: conn, head: &playhead{}, media: cfg.mediaDuration, out: out, verbose: cfg.verbose}

	if err := pg.send(protocol.PageHello{
		Type:          protocol.TypePageHello,
		ResourcePath:  cfg.resourcePath,
		VideoDuration: cfg.pageDuration,
		CSRFToken:     cfg.csrfToken,
	}); err != nil {
		return summary{}, fmt.Errorf("send page_hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ready protocol.SessionReady
	if err := conn.ReadJSON(&ready); err != nil {
		return summary{}, fmt.Errorf("read session_ready: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if ready.Type != protocol.TypeSessionReady {
		return summary{}, fmt.Errorf("expected session_ready, got %q", ready.Type)
	}
	if cfg.verbose {
		fmt.Fprintf(out, "watchreplay: session=%s duration_known=%t throttle_ms=%d endpoint=%s\n",
			ready.SessionID, ready.DurationKnown, ready.ThrottleMS, ready.ReportEndpoint)
	}

	readErrCh := make(chan error, 1)
	go pg.respond(readErrCh)

	sum := summary{SessionID: ready.SessionID}
	emit := func(name string, at float64) error {
		select {
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		default:
		}
		if err := pg.event(name, at); err != nil {
			return fmt.Errorf("send %s: %w", name, err)
		}
		sum.EventsSent++
		return nil
	}
	pause := time.Duration(cfg.tick / cfg.realtime * float64(time.Second))

	for i, seg := range cfg.timeline {
		pg.head.seek(seg.from)
		if i > 0 {
			if err := emit("seeked", seg.from); err != nil {
				return sum, err
			}
		}
		if err := emit("play", seg.from); err != nil {
			return sum, err
		}
		for at := seg.from; at < seg.to; {
			at += cfg.tick
			if at > seg.to {
				at = seg.to
			}
			if err := sleepCtx(ctx, pause); err != nil {
				return sum, err
			}
			pg.head.advance(at)
			if err := emit("timeupdate", at); err != nil {
				return sum, err
			}
		}
		if err := emit("pause", seg.to); err != nil {
			return sum, err
		}
		if cfg.verbose {
			fmt.Fprintf(out, "watchreplay: played %.2f-%.2f\n", seg.from, seg.to)
		}
	}

	if err := sleepCtx(ctx, cfg.grace); err != nil {
		return sum, err
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replay done"),
		time.Now().Add(time.Second))

	pg.mu.Lock()
	sum.QueriesAnswered = pg.answered
	pg.mu.Unlock()
	sum.Played = pg.head.snapshot()

	client := &http.Client{Timeout: 10 * time.Second}
	if p, err := fetchProgress(ctx, client, cfg.backendURL, cfg.resourcePath); err == nil {
		sum.Progress = p
	} else if cfg.verbose {
		fmt.Fprintf(out, "watchreplay: progress unavailable: %v\n", err)
	}
	return sum, nil
}

func fetchProgress(ctx context.Context, client *http.Client, baseURL, resource string) (*progress, error) {
	if !strings.HasSuffix(resource, "/") {
		resource += "/"
	}
	q := url.Values{}
	q.Set("resource", resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/ingest/progress?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return nil, fmt.Errorf("backend unavailable: status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var p progress
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func wsURLForBridge(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/player/ws"
	return u.String(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func printSummary(w io.Writer, s summary) {
	fmt.Fprintf(w, "session:          %s\n", s.SessionID)
	fmt.Fprintf(w, "events sent:      %d\n", s.EventsSent)
	fmt.Fprintf(w, "queries answered: %d\n", s.QueriesAnswered)
	fmt.Fprintf(w, "played:           %v (%.2fs)\n", s.Played, s.Played.WatchedSeconds())
	if s.Progress == nil {
		fmt.Fprintf(w, "backend progress: n/a\n")
		return
	}
	pct := "unknown"
	if s.Progress.WatchedPercent != nil {
		pct = strconv.FormatFloat(*s.Progress.WatchedPercent, 'f', 1, 64) + "%"
	}
	fmt.Fprintf(w, "backend progress: %v (%s)\n", s.Progress.Watched, pct)
}
