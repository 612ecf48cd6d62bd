package taskqueue

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	leaseq "github.com/eugener/leaseq/internal"
)

const testQueue = "projects/p/locations/l/queues/q"

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

// apiServer records requests and answers with the response registered for
// "METHOD path".
type apiServer struct {
	mu        sync.Mutex
	requests  []capturedRequest
	responses map[string]func(w http.ResponseWriter)
}

func newAPIServer(t *testing.T) (*apiServer, *Client) {
	t.Helper()
	s := &apiServer{responses: make(map[string]func(w http.ResponseWriter))}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(srv.Close)

	c, err := New(Config{Project: "p", Location: "l", Queue: "q", BaseURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	return s, c
}

func (s *apiServer) on(method, path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[method+" "+path] = func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func (s *apiServer) handle(w http.ResponseWriter, r *http.Request) {
	cr := capturedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &cr.Body)
	}
	s.mu.Lock()
	s.requests = append(s.requests, cr)
	h, ok := s.responses[r.Method+" "+r.URL.Path]
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":{"code":404,"message":"no route","status":"NOT_FOUND"}}`, http.StatusNotFound)
		return
	}
	h(w)
}

func (s *apiServer) last() capturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Project: "p", Location: "l"}); err == nil {
		t.Error("expected error without queue")
	}
	c, err := New(Config{Project: "p", Location: "l", Queue: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if c.baseURL != DefaultBaseURL {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if c.QueueName() != testQueue {
		t.Errorf("QueueName = %q", c.QueueName())
	}
}

func TestLease(t *testing.T) {
	t.Parallel()

	s, c := newAPIServer(t)
	payload := base64.StdEncoding.EncodeToString([]byte(`{"id":1}`))
	s.on(http.MethodPost, "/"+testQueue+"/tasks:lease", http.StatusOK, `{"tasks":[{
		"name":"`+testQueue+`/tasks/t1",
		"pullMessage":{"payload":"`+payload+`","tag":"reports"},
		"scheduleTime":"2026-01-01T00:01:00.000001Z",
		"createTime":"2026-01-01T00:00:00Z",
		"status":{"attemptDispatchCount":2}
	}]}`)

	tasks, err := c.Lease(t.Context(), 10, 90*time.Second)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks", len(tasks))
	}
	got := tasks[0]
	if got.Name != testQueue+"/tasks/t1" || string(got.Payload) != `{"id":1}` || got.Tag != "reports" {
		t.Errorf("task = %+v", got)
	}
	if got.ScheduleTime != "2026-01-01T00:01:00.000001Z" || got.Attempts != 2 || got.LeaseDuration != 90*time.Second {
		t.Errorf("task = %+v", got)
	}

	req := s.last()
	if req.Body["maxTasks"] != float64(10) || req.Body["leaseDuration"] != "90s" || req.Body["responseView"] != "FULL" {
		t.Errorf("lease body = %v", req.Body)
	}
}

func TestLeaseEmpty(t *testing.T) {
	t.Parallel()

	s, c := newAPIServer(t)
	s.on(http.MethodPost, "/"+testQueue+"/tasks:lease", http.StatusOK, `{}`)

	tasks, err := c.Lease(t.Context(), 0, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("got %d tasks, want 0", len(tasks))
	}
	if s.last().Body["maxTasks"] != float64(1) {
		t.Errorf("maxTasks should be clamped to 1, body = %v", s.last().Body)
	}
}

func TestLeaseFilter(t *testing.T) {
	t.Parallel()

	s := &apiServer{responses: make(map[string]func(w http.ResponseWriter))}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	defer srv.Close()
	c, err := New(Config{Project: "p", Location: "l", Queue: "q", BaseURL: srv.URL, Filter: `tag="reports"`, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	s.on(http.MethodPost, "/"+testQueue+"/tasks:lease", http.StatusOK, `{}`)

	if _, err := c.Lease(t.Context(), 1, time.Minute); err != nil {
		t.Fatal(err)
	}
	if s.last().Body["filter"] != `tag="reports"` {
		t.Errorf("filter = %v", s.last().Body["filter"])
	}
}

func TestAckCancelRenew(t *testing.T) {
	t.Parallel()

	s, c := newAPIServer(t)
	name := testQueue + "/tasks/t1"
	task := leaseq.Task{Name: name, ScheduleTime: "st-1"}

	s.on(http.MethodPost, "/"+name+":acknowledge", http.StatusOK, `{}`)
	s.on(http.MethodPost, "/"+name+":cancelLease", http.StatusOK, `{"name":"`+name+`","scheduleTime":"st-2"}`)
	s.on(http.MethodPost, "/"+name+":renewLease", http.StatusOK, `{"name":"`+name+`","scheduleTime":"st-3"}`)

	acked, err := c.Ack(t.Context(), task)
	if err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if acked.ScheduleTime != "st-1" {
		t.Errorf("Ack should return the input task, got %+v", acked)
	}
	if s.last().Body["scheduleTime"] != "st-1" {
		t.Errorf("ack body = %v", s.last().Body)
	}

	cancelled, err := c.Cancel(t.Context(), task)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.ScheduleTime != "st-2" {
		t.Errorf("Cancel schedule time = %q", cancelled.ScheduleTime)
	}

	renewed, err := c.Renew(t.Context(), task, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if renewed.ScheduleTime != "st-3" || renewed.LeaseDuration != 1500*time.Millisecond {
		t.Errorf("Renew = %+v", renewed)
	}
	if body := s.last().Body; body["leaseDuration"] != "1.5s" || body["scheduleTime"] != "st-1" {
		t.Errorf("renew body = %v", body)
	}
}

func TestDeleteGetInsertList(t *testing.T) {
	t.Parallel()

	s, c := newAPIServer(t)
	name := testQueue + "/tasks/t1"
	encoded := base64.StdEncoding.EncodeToString([]byte("hello"))

	s.on(http.MethodDelete, "/"+name, http.StatusOK, `{}`)
	s.on(http.MethodGet, "/"+name, http.StatusOK, `{"name":"`+name+`","pullMessage":{"payload":"`+encoded+`"}}`)
	s.on(http.MethodPost, "/"+testQueue+"/tasks", http.StatusOK, `{"name":"`+name+`","pullMessage":{"payload":"`+encoded+`","tag":"x"}}`)
	s.on(http.MethodGet, "/"+testQueue+"/tasks", http.StatusOK, `{"tasks":[{"name":"`+name+`"}],"nextPageToken":"next"}`)

	if err := c.Delete(t.Context(), name); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.last().Method != http.MethodDelete {
		t.Errorf("method = %s", s.last().Method)
	}

	got, err := c.Get(t.Context(), name)
	if err != nil || string(got.Payload) != "hello" {
		t.Errorf("Get = %+v, %v", got, err)
	}
	if s.last().Query != "responseView=FULL" {
		t.Errorf("get query = %q", s.last().Query)
	}

	created, err := c.Insert(t.Context(), []byte("hello"), "x")
	if err != nil || created.Name != name || created.Tag != "x" {
		t.Errorf("Insert = %+v, %v", created, err)
	}
	msg := s.last().Body["task"].(map[string]any)["pullMessage"].(map[string]any)
	if msg["payload"] != encoded || msg["tag"] != "x" {
		t.Errorf("insert body = %v", s.last().Body)
	}

	page, err := c.List(t.Context(), 50, "tok")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Tasks) != 1 || page.NextPageToken != "next" {
		t.Errorf("page = %+v", page)
	}
	if q := s.last().Query; q != "pageSize=50&pageToken=tok&responseView=FULL" {
		t.Errorf("list query = %q", q)
	}
}

func TestAPIErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{"not found", http.StatusNotFound, `{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND"}}`, leaseq.ErrNotFound},
		{"precondition", http.StatusBadRequest, `{"error":{"code":400,"message":"The task's schedule time does not match","status":"FAILED_PRECONDITION"}}`, leaseq.ErrStaleLease},
		{"conflict", http.StatusConflict, `{}`, leaseq.ErrStaleLease},
		{"server error", http.StatusServiceUnavailable, `unavailable`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, c := newAPIServer(t)
			name := testQueue + "/tasks/t1"
			s.on(http.MethodPost, "/"+name+":acknowledge", tt.status, tt.body)

			_, err := c.Ack(t.Context(), leaseq.Task{Name: name, ScheduleTime: "st"})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.HTTPStatus() != tt.status {
				t.Errorf("HTTPStatus = %d, want %d", apiErr.HTTPStatus(), tt.status)
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.target)
			}
			if tt.target == nil && (errors.Is(err, leaseq.ErrNotFound) || errors.Is(err, leaseq.ErrStaleLease)) {
				t.Errorf("%v should not map to a sentinel", err)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	t.Parallel()

	raw := []byte{0xfb, 0xff, 0xfe, 'a'}
	tests := []struct {
		name string
		in   string
	}{
		{"standard padded", base64.StdEncoding.EncodeToString(raw)},
		{"standard unpadded", base64.RawStdEncoding.EncodeToString(raw)},
		{"url-safe padded", base64.URLEncoding.EncodeToString(raw)},
		{"url-safe unpadded", base64.RawURLEncoding.EncodeToString(raw)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodePayload(tt.in)
			if err != nil {
				t.Fatalf("decodePayload(%q): %v", tt.in, err)
			}
			if string(got) != string(raw) {
				t.Errorf("decodePayload(%q) = %v, want %v", tt.in, got, raw)
			}
		})
	}

	if _, err := decodePayload("!!not base64!!"); err == nil {
		t.Error("expected error for invalid input")
	}
}

func TestInvalidPayloadIsDropped(t *testing.T) {
	t.Parallel()

	s, c := newAPIServer(t)
	s.on(http.MethodPost, "/"+testQueue+"/tasks:lease", http.StatusOK,
		`{"tasks":[{"name":"`+testQueue+`/tasks/t1","scheduleTime":"st","pullMessage":{"payload":"%%%"}}]}`)

	tasks, err := c.Lease(t.Context(), 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Payload != nil {
		t.Errorf("tasks = %+v, want one task with nil payload", tasks)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := map[time.Duration]string{
		time.Minute:             "60s",
		1500 * time.Millisecond: "1.5s",
		0:                       "0s",
	}
	for d, want := range tests {
		if got := formatDuration(d); got != want {
			t.Errorf("formatDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
