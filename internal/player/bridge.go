package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/watchtrack/internal/protocol"
	"github.com/ent0n29/watchtrack/internal/watch"
)

const (
	bridgeWriteTimeout = 10 * time.Second
	bridgeReadTimeout  = 120 * time.Second
	bridgeEventBuffer  = 256
)

// DefaultPingInterval is how often the bridge pings an otherwise quiet page.
const DefaultPingInterval = 30 * time.Second

// MessageHook observes bridge traffic by direction ("inbound"/"outbound") and type.
// Pong frames from the page are reported as inbound protocol.TypePong.
type MessageHook func(direction string, msgType protocol.MessageType)

// BridgeOption tunes a BridgePlayer.
type BridgeOption func(*BridgePlayer)

// WithPingInterval sets the keepalive ping period. Values <= 0 keep the default.
func WithPingInterval(d time.Duration) BridgeOption {
	return func(p *BridgePlayer) {
		if d > 0 {
			p.pingInterval = d
		}
	}
}

// BridgePlayer drives a player that lives in a browser page. The page relays
// SDK events as player_event messages and answers player_query messages with
// query_result, correlated by request id.
type BridgePlayer struct {
	conn   *websocket.Conn
	logger *slog.Logger
	hook   MessageHook

	pingInterval time.Duration
	readTimeout  time.Duration

	writeMu sync.Mutex

	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]chan protocol.QueryResult
	closed  bool
}

// NewBridgePlayer takes ownership of conn and starts reading from it. The
// page_hello handshake must already have been consumed by the caller.
//
// A paused video produces no page traffic, so the bridge pings the page and
// treats each pong as activity. A page that stops answering is dropped once
// the read deadline passes.
func NewBridgePlayer(conn *websocket.Conn, logger *slog.Logger, hook MessageHook, opts ...BridgeOption) *BridgePlayer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &BridgePlayer{
		conn:         conn,
		logger:       logger.With("component", "player_bridge"),
		hook:         hook,
		pingInterval: DefaultPingInterval,
		events:       make(chan Event, bridgeEventBuffer),
		done:         make(chan struct{}),
		pending:      make(map[string]chan protocol.QueryResult),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.readTimeout = bridgeReadTimeout
	if floor := 3 * p.pingInterval; floor > p.readTimeout {
		p.readTimeout = floor
	}
	go p.readLoop()
	go p.pingLoop()
	return p
}

func (p *BridgePlayer) Events() <-chan Event { return p.events }

// Done is closed once the connection has stopped reading.
func (p *BridgePlayer) Done() <-chan struct{} { return p.done }

func (p *BridgePlayer) Duration(ctx context.Context) (float64, error) {
	res, err := p.query(ctx, protocol.MethodGetDuration)
	if err != nil {
		return 0, err
	}
	if res.Duration == nil {
		return 0, &QueryError{Method: protocol.MethodGetDuration, Message: "missing duration"}
	}
	return *res.Duration, nil
}

func (p *BridgePlayer) Played(ctx context.Context) (watch.RangeSet, error) {
	res, err := p.query(ctx, protocol.MethodGetPlayed)
	if err != nil {
		return nil, err
	}
	return res.Played.Clone(), nil
}

// Send writes a server message to the page.
func (p *BridgePlayer) Send(msg any, msgType protocol.MessageType) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
	if err := p.conn.WriteJSON(msg); err != nil {
		return err
	}
	if p.hook != nil {
		p.hook("outbound", msgType)
	}
	return nil
}

// Close drops the connection; pending queries fail with ErrBridgeClosed.
func (p *BridgePlayer) Close() error {
	return p.conn.Close()
}

func (p *BridgePlayer) query(ctx context.Context, method string) (protocol.QueryResult, error) {
	id := uuid.NewString()
	ch := make(chan protocol.QueryResult, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return protocol.QueryResult{}, ErrBridgeClosed
	}
	p.pending[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	err := p.Send(protocol.PlayerQuery{
		Type:      protocol.TypePlayerQuery,
		RequestID: id,
		Method:    method,
	}, protocol.TypePlayerQuery)
	if err != nil {
		return protocol.QueryResult{}, errors.Join(ErrBridgeClosed, err)
	}

	select {
	case <-ctx.Done():
		return protocol.QueryResult{}, ctx.Err()
	case <-p.done:
		return protocol.QueryResult{}, ErrBridgeClosed
	case res := <-ch:
		if res.Error != "" {
			return protocol.QueryResult{}, &QueryError{Method: method, Message: res.Error}
		}
		return res, nil
	}
}

func (p *BridgePlayer) readLoop() {
	defer func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
		close(p.events)
	}()

	p.conn.SetReadLimit(1 << 20)
	_ = p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
	p.conn.SetPongHandler(func(string) error {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
		p.observe(protocol.TypePong)
		return nil
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("bridge read stopped", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			_ = p.Send(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			}, protocol.TypeErrorEvent)
			continue
		}

		switch m := parsed.(type) {
		case protocol.PlayerEvent:
			p.observe(m.Type)
			ev := Event{Name: m.Event, Seconds: m.Seconds, Duration: m.Duration, Percent: m.Percent}
			select {
			case p.events <- ev:
			default:
				// Consumer stalled; later timeupdates carry the full played state anyway.
				p.logger.Debug("player event dropped", "event", m.Event)
			}
		case protocol.QueryResult:
			p.observe(m.Type)
			p.mu.Lock()
			ch, ok := p.pending[m.RequestID]
			p.mu.Unlock()
			if !ok {
				p.logger.Debug("query result for unknown request", "request_id", m.RequestID)
				continue
			}
			select {
			case ch <- m:
			default:
			}
		case protocol.PageHello:
			p.logger.Debug("duplicate page_hello ignored")
		}
	}
}

func (p *BridgePlayer) pingLoop() {
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(bridgeWriteTimeout))
			p.writeMu.Unlock()
			if err != nil {
				p.logger.Debug("bridge ping failed", "error", err)
				return
			}
		}
	}
}

func (p *BridgePlayer) observe(t protocol.MessageType) {
	if p.hook != nil {
		p.hook("inbound", t)
	}
}
