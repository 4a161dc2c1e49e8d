// Package stream serves the per-request progress event stream over SSE.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/fabrica3d/fabrica/internal/core/domain"
	"github.com/fabrica3d/fabrica/internal/core/services"
)

// Registry is the attach surface of the subscription registry.
type Registry interface {
	Attach(ctx context.Context, requestID domain.RequestID, sink services.Sink) (func(), error)
}

// Handler streams request events. It implements GET
// /v1/requests/{id}/events with the classic raw SSE contract:
// event: <type>\ndata: <json>\n\n per event.
type Handler struct {
	logger   *slog.Logger
	registry Registry
}

func NewHandler(logger *slog.Logger, registry Registry) *Handler {
	return &Handler{logger: logger, registry: registry}
}

// sseSink writes events straight to the client connection. Sends are
// serialized; the registry and the heartbeat loop both write here.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(e domain.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// requestIDFromPath matches /v1/requests/{id}/events.
func requestIDFromPath(path string) (domain.RequestID, bool) {
	const prefix = "/v1/requests/"
	const suffix = "/events"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	middle := path[len(prefix) : len(path)-len(suffix)]
	if middle == "" || strings.Contains(middle, "/") {
		return "", false
	}
	return domain.RequestID(middle), true
}

// Matches reports whether the handler owns this request path.
func (h *Handler) Matches(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	_, ok := requestIDFromPath(r.URL.Path)
	return ok
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID, ok := requestIDFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "missing request id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sink := &sseSink{w: w, flusher: flusher}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Attach pushes task:init through the sink before any live event.
	detach, err := h.registry.Attach(r.Context(), requestID, sink)
	if err != nil {
		if domain.IsNotFound(err) {
			// Headers are already out; signal the miss in-band.
			_ = sink.Send(domain.Event{
				TaskID: string(requestID),
				Type:   domain.EventError,
				Data:   map[string]any{"errorMessage": "request not found"},
			})
			return
		}
		h.logger.Error("failed to attach event stream", "request_id", requestID, "error", err)
		return
	}
	defer detach()

	<-r.Context().Done()
}
