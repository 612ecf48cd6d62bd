package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
)

// httpStatusError is implemented by errors carrying an HTTP status code,
// such as webhook.StatusError and taskqueue.APIError.
type httpStatusError interface {
	HTTPStatus() int
}

// ClassifyError returns the error weight used for breaker tracking.
//
// Weights:
//   - timeouts (deadline exceeded, 408) -> 1.5
//   - 5xx -> 1.0
//   - 429 -> 0.5
//   - other 4xx -> 0.0 (the request was bad, the endpoint is healthy)
//   - network and other errors -> 1.0
//   - nil, context.Canceled -> 0.0
func ClassifyError(err error) float64 {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}

	// Check for timeout errors first (highest weight).
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}

	var he httpStatusError
	if errors.As(err, &he) {
		return classifyStatus(he.HTTPStatus())
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return 1.0
	}

	// Generic errors (e.g. connection refused) -> treat as endpoint fault.
	return 1.0
}

// classifyStatus returns the error weight for an HTTP status code.
func classifyStatus(code int) float64 {
	switch {
	case code == http.StatusRequestTimeout:
		return 1.5
	case code == http.StatusTooManyRequests:
		return 0.5
	case code >= 500 && code <= 599:
		return 1.0
	default:
		return 0.0
	}
}
