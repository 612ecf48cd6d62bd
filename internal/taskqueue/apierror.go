package taskqueue

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	leaseq "github.com/eugener/leaseq/internal"
)

// APIError represents a non-2xx response from the queue API.
type APIError struct {
	Op         string
	StatusCode int
	// Status is the canonical error status (e.g. "FAILED_PRECONDITION").
	Status  string
	Message string
	Body    string
}

// Error returns a formatted error string including op, status, and message.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	return fmt.Sprintf("taskqueue: %s: HTTP %d: %s", e.Op, e.StatusCode, msg)
}

// HTTPStatus returns the HTTP status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Unwrap maps the response onto leaseq sentinels so callers can use
// errors.Is(err, leaseq.ErrNotFound) and errors.Is(err, leaseq.ErrStaleLease).
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return leaseq.ErrNotFound
	case e.StatusCode == http.StatusConflict, e.StatusCode == http.StatusPreconditionFailed:
		return leaseq.ErrStaleLease
	case e.StatusCode == http.StatusBadRequest &&
		(e.Status == "FAILED_PRECONDITION" || strings.Contains(strings.ToLower(e.Message), "schedule")):
		return leaseq.ErrStaleLease
	}
	return nil
}

// parseAPIError reads up to 4KB from the response body and returns an APIError.
func parseAPIError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e := &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	if gjson.ValidBytes(body) {
		r := gjson.GetManyBytes(body, "error.status", "error.message")
		e.Status, e.Message = r[0].String(), r[1].String()
	}
	return e
}
