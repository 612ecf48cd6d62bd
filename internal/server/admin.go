package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	leaseq "github.com/eugener/leaseq/internal"
	"github.com/eugener/leaseq/internal/deadletter"
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	return e
}

// jsonCT is a pre-allocated header value slice for direct map assignment.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, leaseq.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}
	slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
		slog.String("error", err.Error()),
		slog.String("request_id", leaseq.RequestIDFromContext(r.Context())),
	)
	writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any         `json:"data"`
	Pagination *pagination `json:"pagination,omitempty"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// --- Dispositions ---

func (s *server) handleListDispositions(w http.ResponseWriter, r *http.Request) {
	_, limit := parsePagination(r)
	ds := s.deps.History.Recent(limit)
	if ds == nil {
		ds = []leaseq.Disposition{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: ds})
}

func (s *server) handlePurgeDispositions(w http.ResponseWriter, r *http.Request) {
	s.deps.History.Purge()
	slog.LogAttrs(r.Context(), slog.LevelInfo, "disposition history purged",
		slog.String("request_id", leaseq.RequestIDFromContext(r.Context())),
	)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetTask looks up a task by its full resource name, which contains
// slashes and is therefore matched as a wildcard.
func (s *server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("task name required"))
		return
	}
	d, ok := s.deps.History.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// --- Deadletters ---

func (s *server) handleListDeadletters(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	q := r.URL.Query()
	recs, err := s.deps.Deadletters.List(r.Context(), deadletter.Filter{
		Name:    q.Get("name"),
		Outcome: q.Get("outcome"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	total, err := s.deps.Deadletters.Count(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if recs == nil {
		recs = []deadletter.Record{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       recs,
		Pagination: &pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func (s *server) handleGetDeadletter(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Deadletters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
