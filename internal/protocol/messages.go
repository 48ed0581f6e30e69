package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/watchtrack/internal/watch"
)

// MessageType identifies websocket payload variants exchanged with the hosting page.
type MessageType string

const (
	TypePageHello    MessageType = "page_hello"
	TypePlayerEvent  MessageType = "player_event"
	TypeQueryResult  MessageType = "query_result"
	TypeSessionReady MessageType = "session_ready"
	TypePlayerQuery  MessageType = "player_query"
	TypeErrorEvent   MessageType = "error_event"

	// TypePong labels websocket pong control frames; it never appears in a JSON envelope.
	TypePong MessageType = "pong"
)

const (
	MethodGetDuration = "getDuration"
	MethodGetPlayed   = "getPlayed"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// PageHello carries the page-embedded state the tracker needs: the resource
// path the endpoints hang off, the server-rendered duration ("" when unknown)
// and the CSRF token.
type PageHello struct {
	Type          MessageType `json:"type"`
	ResourcePath  string      `json:"resource_path"`
	VideoDuration string      `json:"video_duration"`
	CSRFToken     string      `json:"csrf_token"`
}

type PlayerEvent struct {
	Type     MessageType `json:"type"`
	Event    string      `json:"event"`
	Seconds  float64     `json:"seconds"`
	Duration float64     `json:"duration"`
	Percent  float64     `json:"percent"`
}

type QueryResult struct {
	Type      MessageType    `json:"type"`
	RequestID string         `json:"request_id"`
	Duration  *float64       `json:"duration,omitempty"`
	Played    watch.RangeSet `json:"played,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type SessionReady struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	DurationKnown  bool        `json:"duration_known"`
	ThrottleMS     int64       `json:"throttle_ms"`
	ReportEndpoint string      `json:"report_endpoint"`
}

type PlayerQuery struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Method    string      `json:"method"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypePageHello:
		var msg PageHello
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.ResourcePath) == "" || !strings.HasPrefix(msg.ResourcePath, "/") {
			return nil, errors.New("invalid page_hello: resource_path must be an absolute path")
		}
		return msg, nil
	case TypePlayerEvent:
		var msg PlayerEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Event == "" {
			return nil, errors.New("invalid player_event")
		}
		return msg, nil
	case TypeQueryResult:
		var msg QueryResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RequestID == "" {
			return nil, errors.New("invalid query_result")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
