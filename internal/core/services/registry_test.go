package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrica3d/fabrica/internal/core/domain"
)

type fakeSnapshotter struct {
	snap RequestSnapshot
	err  error
}

func (f *fakeSnapshotter) Snapshot(ctx context.Context, id domain.RequestID) (RequestSnapshot, error) {
	if f.err != nil {
		return RequestSnapshot{}, f.err
	}
	return f.snap, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
	fail   bool
}

func (s *recordingSink) Send(e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("client gone")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) all() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out
}

func newTestRegistry(snap *fakeSnapshotter, heartbeat time.Duration) *SubscriptionRegistry {
	return NewSubscriptionRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), snap, heartbeat)
}

func TestRegistry_AttachSendsInitSnapshot(t *testing.T) {
	snap := &fakeSnapshotter{snap: RequestSnapshot{
		Request: domain.Request{ID: "req-1", Status: domain.RequestStatusImagePending},
	}}
	reg := newTestRegistry(snap, time.Hour)

	sink := &recordingSink{}
	detach, err := reg.Attach(context.Background(), "req-1", sink)
	require.NoError(t, err)
	defer detach()

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTaskInit, events[0].Type)
	assert.Equal(t, "req-1", events[0].TaskID)
	assert.Equal(t, 1, reg.SubscriberCount("req-1"))
}

func TestRegistry_AttachFailsWhenRequestMissing(t *testing.T) {
	snap := &fakeSnapshotter{err: domain.ErrRequestNotFound}
	reg := newTestRegistry(snap, time.Hour)

	_, err := reg.Attach(context.Background(), "nope", &recordingSink{})
	assert.ErrorIs(t, err, domain.ErrRequestNotFound)
	assert.Equal(t, 0, reg.SubscriberCount("nope"))
}

func TestRegistry_FanOutPerRequest(t *testing.T) {
	snap := &fakeSnapshotter{}
	reg := newTestRegistry(snap, time.Hour)

	a1 := &recordingSink{}
	a2 := &recordingSink{}
	b := &recordingSink{}
	detachA1, err := reg.Attach(context.Background(), "req-a", a1)
	require.NoError(t, err)
	defer detachA1()
	detachA2, err := reg.Attach(context.Background(), "req-a", a2)
	require.NoError(t, err)
	defer detachA2()
	detachB, err := reg.Attach(context.Background(), "req-b", b)
	require.NoError(t, err)
	defer detachB()

	reg.HandleEvent(domain.Event{TaskID: "req-a", Type: domain.EventImageCompleted})

	// Both req-a subscribers got init + the event, req-b only init.
	assert.Len(t, a1.all(), 2)
	assert.Len(t, a2.all(), 2)
	assert.Len(t, b.all(), 1)
	assert.Equal(t, domain.EventImageCompleted, a1.all()[1].Type)
}

func TestRegistry_DeadSinkIsEvicted(t *testing.T) {
	snap := &fakeSnapshotter{}
	reg := newTestRegistry(snap, time.Hour)

	sink := &recordingSink{}
	_, err := reg.Attach(context.Background(), "req-1", sink)
	require.NoError(t, err)
	require.Equal(t, 1, reg.SubscriberCount("req-1"))

	sink.mu.Lock()
	sink.fail = true
	sink.mu.Unlock()

	reg.HandleEvent(domain.Event{TaskID: "req-1", Type: domain.EventModelProgress})
	assert.Equal(t, 0, reg.SubscriberCount("req-1"))
}

func TestRegistry_DetachIsIdempotent(t *testing.T) {
	snap := &fakeSnapshotter{}
	reg := newTestRegistry(snap, time.Hour)

	detach, err := reg.Attach(context.Background(), "req-1", &recordingSink{})
	require.NoError(t, err)

	detach()
	detach()
	assert.Equal(t, 0, reg.SubscriberCount("req-1"))
}

func TestRegistry_ContextCancelDetaches(t *testing.T) {
	snap := &fakeSnapshotter{}
	reg := newTestRegistry(snap, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := reg.Attach(ctx, "req-1", &recordingSink{})
	require.NoError(t, err)
	require.Equal(t, 1, reg.SubscriberCount("req-1"))

	cancel()
	require.Eventually(t, func() bool {
		return reg.SubscriberCount("req-1") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRegistry_HeartbeatsFlow(t *testing.T) {
	snap := &fakeSnapshotter{}
	reg := newTestRegistry(snap, 20*time.Millisecond)

	sink := &recordingSink{}
	detach, err := reg.Attach(context.Background(), "req-1", sink)
	require.NoError(t, err)
	defer detach()

	require.Eventually(t, func() bool {
		for _, e := range sink.all() {
			if e.Type == domain.EventHeartbeat {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
