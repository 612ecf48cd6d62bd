// Package taskqueue is a REST client for Cloud Tasks v2beta2 pull queues,
// plus a serializing decorator and a drain helper that work on any
// leaseq.Queue.
package taskqueue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	leaseq "github.com/eugener/leaseq/internal"
)

const (
	// DefaultBaseURL is the public Cloud Tasks v2beta2 endpoint.
	DefaultBaseURL = "https://cloudtasks.googleapis.com/v2beta2"

	responseView    = "FULL"
	maxResponseBody = 32 << 20
)

var _ leaseq.Queue = (*Client)(nil)

// Config identifies the queue and tunes the client.
type Config struct {
	Project  string
	Location string
	Queue    string
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// Filter restricts leased tasks, e.g. `tag="reports"`.
	Filter string
	// HTTPClient carries auth and transport. Defaults to a client using
	// NewTransport(nil).
	HTTPClient *http.Client
}

// Client talks to a single pull queue. It is safe for concurrent use.
type Client struct {
	baseURL string
	queue   string
	filter  string
	http    *http.Client
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Project == "" || cfg.Location == "" || cfg.Queue == "" {
		return nil, fmt.Errorf("taskqueue: project, location and queue are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: NewTransport(nil), Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		queue:   fmt.Sprintf("projects/%s/locations/%s/queues/%s", cfg.Project, cfg.Location, cfg.Queue),
		filter:  cfg.Filter,
		http:    hc,
	}, nil
}

// QueueName returns the full queue resource name.
func (c *Client) QueueName() string { return c.queue }

// --- wire types ---

type wirePullMessage struct {
	Payload string `json:"payload,omitempty"`
	Tag     string `json:"tag,omitempty"`
}

type wireStatus struct {
	AttemptDispatchCount int `json:"attemptDispatchCount"`
}

type wireTask struct {
	Name         string           `json:"name,omitempty"`
	PullMessage  *wirePullMessage `json:"pullMessage,omitempty"`
	ScheduleTime string           `json:"scheduleTime,omitempty"`
	CreateTime   string           `json:"createTime,omitempty"`
	Status       *wireStatus      `json:"status,omitempty"`
}

type leaseRequest struct {
	MaxTasks      int    `json:"maxTasks"`
	LeaseDuration string `json:"leaseDuration"`
	ResponseView  string `json:"responseView"`
	Filter        string `json:"filter,omitempty"`
}

type leaseResponse struct {
	Tasks []wireTask `json:"tasks"`
}

type scheduleRequest struct {
	ScheduleTime  string `json:"scheduleTime"`
	LeaseDuration string `json:"leaseDuration,omitempty"`
	ResponseView  string `json:"responseView,omitempty"`
}

type createRequest struct {
	Task         wireTask `json:"task"`
	ResponseView string   `json:"responseView"`
}

type listResponse struct {
	Tasks         []wireTask `json:"tasks"`
	NextPageToken string     `json:"nextPageToken"`
}

// --- operations ---

// Lease claims up to maxTasks tasks for d.
func (c *Client) Lease(ctx context.Context, maxTasks int, d time.Duration) ([]leaseq.Task, error) {
	req := leaseRequest{
		MaxTasks:      max(maxTasks, 1),
		LeaseDuration: formatDuration(d),
		ResponseView:  responseView,
		Filter:        c.filter,
	}
	var resp leaseResponse
	if err := c.do(ctx, "lease", http.MethodPost, c.queue+"/tasks:lease", req, &resp); err != nil {
		return nil, err
	}
	tasks := make([]leaseq.Task, 0, len(resp.Tasks))
	for _, wt := range resp.Tasks {
		t := fromWire(ctx, wt)
		t.LeaseDuration = d
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Ack acknowledges t. The API returns no body, so the returned Task is t.
func (c *Client) Ack(ctx context.Context, t leaseq.Task) (leaseq.Task, error) {
	req := scheduleRequest{ScheduleTime: t.ScheduleTime}
	if err := c.do(ctx, "acknowledge", http.MethodPost, t.Name+":acknowledge", req, nil); err != nil {
		return leaseq.Task{}, err
	}
	return t, nil
}

// Cancel releases the lease of t.
func (c *Client) Cancel(ctx context.Context, t leaseq.Task) (leaseq.Task, error) {
	req := scheduleRequest{ScheduleTime: t.ScheduleTime, ResponseView: responseView}
	return c.taskCall(ctx, "cancelLease", t.Name+":cancelLease", req)
}

// Renew extends the lease of t by d and returns the task with its new
// schedule time.
func (c *Client) Renew(ctx context.Context, t leaseq.Task, d time.Duration) (leaseq.Task, error) {
	req := scheduleRequest{
		ScheduleTime:  t.ScheduleTime,
		LeaseDuration: formatDuration(d),
		ResponseView:  responseView,
	}
	nt, err := c.taskCall(ctx, "renewLease", t.Name+":renewLease", req)
	if err != nil {
		return leaseq.Task{}, err
	}
	nt.LeaseDuration = d
	return nt, nil
}

// Delete removes the named task.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.do(ctx, "delete", http.MethodDelete, name, nil, nil)
}

// Get fetches a single task.
func (c *Client) Get(ctx context.Context, name string) (leaseq.Task, error) {
	var wt wireTask
	if err := c.do(ctx, "get", http.MethodGet, name+"?responseView="+responseView, nil, &wt); err != nil {
		return leaseq.Task{}, err
	}
	return fromWire(ctx, wt), nil
}

// Insert creates a pull task with the given payload and tag.
func (c *Client) Insert(ctx context.Context, payload []byte, tag string) (leaseq.Task, error) {
	req := createRequest{
		Task: wireTask{PullMessage: &wirePullMessage{
			Payload: base64.StdEncoding.EncodeToString(payload),
			Tag:     tag,
		}},
		ResponseView: responseView,
	}
	return c.taskCall(ctx, "create", c.queue+"/tasks", req)
}

// List returns one page of tasks.
func (c *Client) List(ctx context.Context, pageSize int, pageToken string) (leaseq.TaskPage, error) {
	q := url.Values{"responseView": {responseView}}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	var resp listResponse
	if err := c.do(ctx, "list", http.MethodGet, c.queue+"/tasks?"+q.Encode(), nil, &resp); err != nil {
		return leaseq.TaskPage{}, err
	}
	page := leaseq.TaskPage{NextPageToken: resp.NextPageToken}
	for _, wt := range resp.Tasks {
		page.Tasks = append(page.Tasks, fromWire(ctx, wt))
	}
	return page, nil
}

func (c *Client) taskCall(ctx context.Context, op, path string, body any) (leaseq.Task, error) {
	var wt wireTask
	if err := c.do(ctx, op, http.MethodPost, path, body, &wt); err != nil {
		return leaseq.Task{}, err
	}
	return fromWire(ctx, wt), nil
}

// do sends one request. A nil body sends no payload; a nil out discards the
// response body.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("taskqueue: %s: marshal request: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, rdr)
	if err != nil {
		return fmt.Errorf("taskqueue: %s: create request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("taskqueue: %s: do request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("taskqueue: %s: read response: %w", op, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("taskqueue: %s: decode response: %w", op, err)
	}
	return nil
}

// fromWire converts a wire task. A payload that is not valid base64 is
// logged and dropped; the empty payload then fails decoding in the manager
// and the task is dead-lettered instead of being lost.
func fromWire(ctx context.Context, wt wireTask) leaseq.Task {
	t := leaseq.Task{
		Name:         wt.Name,
		ScheduleTime: wt.ScheduleTime,
		CreateTime:   wt.CreateTime,
	}
	if wt.Status != nil {
		t.Attempts = wt.Status.AttemptDispatchCount
	}
	if wt.PullMessage != nil {
		t.Tag = wt.PullMessage.Tag
		p, err := decodePayload(wt.PullMessage.Payload)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "task payload is not valid base64",
				slog.String("task", wt.Name),
				slog.String("error", err.Error()),
			)
		}
		t.Payload = p
	}
	return t
}

// decodePayload accepts standard or URL-safe base64, padded or not.
func decodePayload(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// formatDuration renders d as a protobuf JSON Duration ("60s", "1.5s").
func formatDuration(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
}
