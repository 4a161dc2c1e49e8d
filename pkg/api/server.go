// Package api is the HTTP surface over the orchestrator: request
// lifecycle, print tasks, queue introspection and the SSE event stream.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fabrica3d/fabrica/internal/core/domain"
	"github.com/fabrica3d/fabrica/internal/core/services"
	"github.com/fabrica3d/fabrica/pkg/stream"
)

// userHeader carries the already-authenticated caller identity; an
// upstream gateway owns authentication itself.
const userHeader = "X-User-Id"

type Server struct {
	logger   *slog.Logger
	requests *services.RequestService
	stream   *stream.Handler
}

func NewServer(logger *slog.Logger, requests *services.RequestService, stream *stream.Handler) *Server {
	return &Server{logger: logger, requests: requests, stream: stream}
}

// Handler returns the http.Handler for the server. The SSE endpoint
// takes priority over the JSON routes.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.stream.Matches(r) {
			s.stream.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}

		switch {
		case r.Method == "POST" && r.URL.Path == "/v1/requests":
			s.handleCreateRequest(w, r)
		case r.Method == "GET" && r.URL.Path == "/v1/requests":
			s.handleListRequests(w, r)
		case r.Method == "GET" && isRequestPath(r.URL.Path):
			s.handleGetRequest(w, r)
		case r.Method == "DELETE" && isRequestPath(r.URL.Path):
			s.handleDeleteRequest(w, r)
		case r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/select") && strings.HasPrefix(r.URL.Path, "/v1/requests/"):
			s.handleSelectImage(w, r)
		case r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/print") && strings.HasPrefix(r.URL.Path, "/v1/models/"):
			s.handleSubmitPrint(w, r)
		case r.Method == "GET" && strings.HasSuffix(r.URL.Path, "/print") && strings.HasPrefix(r.URL.Path, "/v1/models/"):
			s.handleGetPrintStatus(w, r)
		case r.Method == "GET" && r.URL.Path == "/v1/queues/dead-letters":
			s.handleDeadLetters(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// isRequestPath matches /v1/requests/{id} with no trailing segment.
func isRequestPath(path string) bool {
	id := strings.TrimPrefix(path, "/v1/requests/")
	return id != path && id != "" && !strings.Contains(id, "/")
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req, err := s.requests.CreateRequest(r.Context(), userID, body.Prompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	reqs, err := s.requests.ListRequests(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if reqs == nil {
		reqs = []domain.Request{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"requests": reqs, "count": len(reqs)})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	id := domain.RequestID(strings.TrimPrefix(r.URL.Path, "/v1/requests/"))
	snap, err := s.requests.GetRequest(r.Context(), userID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	id := domain.RequestID(strings.TrimPrefix(r.URL.Path, "/v1/requests/"))
	summary, err := s.requests.DeleteRequest(r.Context(), userID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSelectImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	withoutPrefix := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	id := domain.RequestID(strings.TrimSuffix(withoutPrefix, "/select"))
	if id == "" {
		http.Error(w, "missing request id", http.StatusBadRequest)
		return
	}
	var body struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	m, err := s.requests.SelectImageAndGenerateModel(r.Context(), userID, id, body.Index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleSubmitPrint(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	withoutPrefix := strings.TrimPrefix(r.URL.Path, "/v1/models/")
	modelID := domain.ModelID(strings.TrimSuffix(withoutPrefix, "/print"))
	view, err := s.requests.SubmitPrintTask(r.Context(), userID, modelID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleGetPrintStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	withoutPrefix := strings.TrimPrefix(r.URL.Path, "/v1/models/")
	modelID := domain.ModelID(strings.TrimSuffix(withoutPrefix, "/print"))
	view, err := s.requests.GetPrintStatus(r.Context(), userID, modelID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	dead, err := s.requests.DeadLetters(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dead)
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		http.Error(w, "missing "+userHeader+" header", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.Classify(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindForbidden:
		status = http.StatusForbidden
	case domain.KindInvalidState:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
