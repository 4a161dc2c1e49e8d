package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fabrica3d/fabrica/internal/core/domain"
)

// Sink is one attached event consumer, typically an SSE connection.
// Send must be safe for concurrent use; a returned error means the
// consumer is gone and the registry drops it.
type Sink interface {
	Send(e domain.Event) error
}

// Snapshotter provides the initial state pushed to a new subscriber.
type Snapshotter interface {
	Snapshot(ctx context.Context, id domain.RequestID) (RequestSnapshot, error)
}

type subscriber struct {
	sink   Sink
	cancel context.CancelFunc
}

// SubscriptionRegistry fans bus events out to the subscribers of each
// request. It is purely in-memory: cross-process delivery is the bus's
// job, the registry only bridges bus to attached connections in this
// process.
type SubscriptionRegistry struct {
	logger    *slog.Logger
	snapshots Snapshotter
	heartbeat time.Duration

	mu   sync.Mutex
	subs map[domain.RequestID]map[*subscriber]struct{}
}

func NewSubscriptionRegistry(logger *slog.Logger, snapshots Snapshotter, heartbeat time.Duration) *SubscriptionRegistry {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &SubscriptionRegistry{
		logger:    logger,
		snapshots: snapshots,
		heartbeat: heartbeat,
		subs:      make(map[domain.RequestID]map[*subscriber]struct{}),
	}
}

// Attach registers sink for the request's events, pushes the task:init
// snapshot and starts the per-subscriber heartbeat. The returned detach
// func is idempotent; it also runs when ctx is cancelled.
func (r *SubscriptionRegistry) Attach(ctx context.Context, requestID domain.RequestID, sink Sink) (func(), error) {
	snap, err := r.snapshots.Snapshot(ctx, requestID)
	if err != nil {
		return nil, err
	}

	init := domain.Event{
		TaskID: string(requestID),
		Type:   domain.EventTaskInit,
		Data: map[string]any{
			"request": snap.Request,
			"images":  snap.Images,
			"model":   snap.Model,
		},
	}
	if err := sink.Send(init); err != nil {
		return nil, err
	}

	hbCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{sink: sink, cancel: cancel}

	r.mu.Lock()
	set, ok := r.subs[requestID]
	if !ok {
		set = make(map[*subscriber]struct{})
		r.subs[requestID] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()

	go r.heartbeatLoop(hbCtx, requestID, sub)

	var once sync.Once
	detach := func() {
		once.Do(func() { r.remove(requestID, sub) })
	}
	context.AfterFunc(ctx, detach)
	return detach, nil
}

// HandleEvent delivers one bus event to every subscriber of its request.
// Sends happen outside the lock; a failed send evicts the subscriber.
func (r *SubscriptionRegistry) HandleEvent(e domain.Event) {
	requestID := domain.RequestID(e.TaskID)

	r.mu.Lock()
	set := r.subs[requestID]
	targets := make([]*subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	r.mu.Unlock()

	for _, sub := range targets {
		if err := sub.sink.Send(e); err != nil {
			r.logger.Debug("dropping dead subscriber", "request_id", requestID, "error", err)
			r.remove(requestID, sub)
		}
	}
}

// SubscriberCount reports how many sinks are attached to the request.
func (r *SubscriptionRegistry) SubscriberCount(requestID domain.RequestID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[requestID])
}

func (r *SubscriptionRegistry) heartbeatLoop(ctx context.Context, requestID domain.RequestID, sub *subscriber) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sub.sink.Send(domain.HeartbeatEvent(requestID)); err != nil {
				r.remove(requestID, sub)
				return
			}
		}
	}
}

func (r *SubscriptionRegistry) remove(requestID domain.RequestID, sub *subscriber) {
	r.mu.Lock()
	if set, ok := r.subs[requestID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.subs, requestID)
		}
	}
	r.mu.Unlock()
	sub.cancel()
}
