package reliability

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Delivery outcomes used as metrics labels.
const (
	OutcomeOK          = "ok"
	OutcomeUnexpected  = "unexpected_status"
	OutcomeClientError = "client_error"
	OutcomeRateLimited = "rate_limited"
	OutcomeServerError = "server_error"
	OutcomeTimeout     = "timeout"
	OutcomeTransport   = "transport_error"
)

// ClassifyStatus maps a completed response status to an outcome label. Only
// 200 counts as delivered; other 2xx/3xx codes are tracked separately.
func ClassifyStatus(code int) string {
	switch {
	case code == http.StatusOK:
		return OutcomeOK
	case code == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case code >= 500:
		return OutcomeServerError
	case code >= 400:
		return OutcomeClientError
	default:
		return OutcomeUnexpected
	}
}

// ClassifyError maps a delivery that never produced a response.
func ClassifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeTransport
}

// IsRetryableHTTPStatus reports statuses a caller could safely retry. Progress
// reports are never retried; the replay tool uses this to flag backend trouble.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
