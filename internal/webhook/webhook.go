// Package webhook implements a leaseq worker that delivers each payload to
// an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	leaseq "github.com/eugener/leaseq/internal"
	"github.com/eugener/leaseq/internal/circuitbreaker"
	"github.com/eugener/leaseq/internal/telemetry"
)

// Request headers set on every delivery.
const (
	HeaderTaskIndex = "X-Leaseq-Task-Index"
	HeaderBatchID   = "X-Leaseq-Batch-Id"
)

// maxErrorBody bounds how much of a failed response body is kept in the error.
const maxErrorBody = 1 << 12

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook: status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook: status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Config configures a Worker.
type Config struct {
	URL         string
	Timeout     time.Duration // per delivery; 0 = none
	Concurrency int           // parallel deliveries per batch; <1 = sequential
	Headers     map[string]string
	HTTPClient  *http.Client            // nil = http.DefaultClient
	Breaker     *circuitbreaker.Breaker // nil = no breaker
	Metrics     *telemetry.Metrics
}

// Worker POSTs each payload of a batch to a fixed URL.
type Worker struct {
	url         string
	timeout     time.Duration
	concurrency int
	headers     http.Header
	client      *http.Client
	breaker     *circuitbreaker.Breaker
	metrics     *telemetry.Metrics
}

// New validates cfg and returns a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook: url is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	hdr := make(http.Header, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		hdr.Set(k, v)
	}
	hdr.Set("Content-Type", "application/json")
	return &Worker{
		url:         cfg.URL,
		timeout:     cfg.Timeout,
		concurrency: max(1, cfg.Concurrency),
		headers:     hdr,
		client:      client,
		breaker:     cfg.Breaker,
		metrics:     cfg.Metrics,
	}, nil
}

// Handle delivers every payload and returns one error per payload. It has
// the leaseq.Worker signature and never fails as a whole.
func (w *Worker) Handle(ctx context.Context, payloads []any) ([]error, error) {
	errs := make([]error, len(payloads))
	if w.concurrency == 1 {
		for i, p := range payloads {
			errs[i] = w.deliver(ctx, i, p)
		}
		return errs, nil
	}

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for i, p := range payloads {
		g.Go(func() error {
			errs[i] = w.deliver(ctx, i, p)
			return nil
		})
	}
	_ = g.Wait()
	return errs, nil
}

// deliver sends one payload and maps the result to a leaseq outcome:
// 2xx succeeds, 4xx other than 408 and 429 fails fast, everything else
// (including an open breaker) is retryable.
func (w *Worker) deliver(ctx context.Context, index int, payload any) error {
	body, err := encode(payload)
	if err != nil {
		w.metrics.ObserveWebhook(leaseq.OutcomeFailFast.String())
		return leaseq.FailFast(fmt.Errorf("webhook: encode payload %d: %w", index, err))
	}

	send := func() error { return w.post(ctx, index, body) }
	if w.breaker != nil {
		err = w.breaker.Call(send)
	} else {
		err = send()
	}

	var se *StatusError
	switch {
	case err == nil:
		w.metrics.ObserveWebhook(leaseq.OutcomeSuccess.String())
		return nil
	case errors.Is(err, circuitbreaker.ErrOpen):
		w.metrics.ObserveWebhook("circuit_open")
		return fmt.Errorf("webhook: %w", err)
	case errors.As(err, &se) && permanent(se.StatusCode):
		w.metrics.ObserveWebhook(leaseq.OutcomeFailFast.String())
		return leaseq.FailFast(err)
	default:
		slog.LogAttrs(ctx, slog.LevelWarn, "webhook delivery failed",
			slog.Int("index", index),
			slog.String("batch_id", leaseq.BatchIDFromContext(ctx)),
			slog.String("error", err.Error()),
		)
		w.metrics.ObserveWebhook(leaseq.OutcomeRetry.String())
		return err
	}
}

func permanent(code int) bool {
	return code >= 400 && code < 500 &&
		code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

func (w *Worker) post(ctx context.Context, index int, body []byte) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header = w.headers.Clone()
	req.Header.Set(HeaderTaskIndex, strconv.Itoa(index))
	if id := leaseq.BatchIDFromContext(ctx); id != "" {
		req.Header.Set(HeaderBatchID, id)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

// encode passes raw bytes through and JSON-encodes anything else.
func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
