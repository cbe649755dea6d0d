package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/carequeue/servicequeues/internal/application/services"
	"github.com/carequeue/servicequeues/internal/domain/entities"
	"github.com/carequeue/servicequeues/internal/domain/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEventBus is an in-process EventBus
type fakeEventBus struct {
	mu          sync.Mutex
	published   []*entities.QueueEntryEvent
	subscribers map[string][]chan *entities.QueueEntryEvent
	publishErr  error
}

func newFakeEventBus() *fakeEventBus {
	return &fakeEventBus{subscribers: make(map[string][]chan *entities.QueueEntryEvent)}
}

func (b *fakeEventBus) Publish(ctx context.Context, channel string, event *entities.QueueEntryEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, event)
	for _, ch := range b.subscribers[channel] {
		ch <- event
	}
	return nil
}

func (b *fakeEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.QueueEntryEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *entities.QueueEntryEvent, 10)
	b.subscribers[channel] = append(b.subscribers[channel], ch)
	return ch, nil
}

func (b *fakeEventBus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers[channel] {
		close(ch)
	}
	delete(b.subscribers, channel)
	return nil
}

func (b *fakeEventBus) Close() error {
	return nil
}

func (b *fakeEventBus) Published() []*entities.QueueEntryEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*entities.QueueEntryEvent(nil), b.published...)
}

type invalidation struct {
	PatientID string
	VisitID   string
	CtxErr    error
}

// recordingInvalidator records InvalidateQueueEntries calls
type recordingInvalidator struct {
	mu    sync.Mutex
	calls []invalidation
	err   error
}

func (r *recordingInvalidator) InvalidateQueueEntries(ctx context.Context, patientID, visitID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, invalidation{PatientID: patientID, VisitID: visitID, CtxErr: ctx.Err()})
	return r.err
}

func (r *recordingInvalidator) Calls() []invalidation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]invalidation(nil), r.calls...)
}

func TestCacheInvalidationService(t *testing.T) {
	t.Run("refreshes on events from other instances", func(t *testing.T) {
		bus := newFakeEventBus()
		invalidator := &recordingInvalidator{}
		svc := services.NewCacheInvalidationService(invalidator, bus, "instance-a")
		require.NoError(t, svc.Start())
		defer svc.Stop()

		event := entities.NewQueueEntryEvent(entities.QueueEntryEventTypeMoved, "instance-b", "p1", "v1", "e1")
		require.NoError(t, bus.Publish(context.Background(), providers.EventChannelQueueEntries, event))

		require.Eventually(t, func() bool {
			return len(invalidator.Calls()) == 1
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, "p1", invalidator.Calls()[0].PatientID)
		assert.Equal(t, "v1", invalidator.Calls()[0].VisitID)
	})

	t.Run("skips its own events", func(t *testing.T) {
		bus := newFakeEventBus()
		invalidator := &recordingInvalidator{}
		svc := services.NewCacheInvalidationService(invalidator, bus, "instance-a")
		require.NoError(t, svc.Start())
		defer svc.Stop()

		own := entities.NewQueueEntryEvent(entities.QueueEntryEventTypeMoved, "instance-a", "p1", "v1", "e1")
		other := entities.NewQueueEntryEvent(entities.QueueEntryEventTypeClosed, "instance-b", "p2", "v2", "e2")
		require.NoError(t, bus.Publish(context.Background(), providers.EventChannelQueueEntries, own))
		require.NoError(t, bus.Publish(context.Background(), providers.EventChannelQueueEntries, other))

		require.Eventually(t, func() bool {
			return len(invalidator.Calls()) == 1
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, "p2", invalidator.Calls()[0].PatientID)
	})

	t.Run("keeps running after a failed refresh", func(t *testing.T) {
		bus := newFakeEventBus()
		invalidator := &recordingInvalidator{err: errors.New("upstream down")}
		svc := services.NewCacheInvalidationService(invalidator, bus, "instance-a")
		require.NoError(t, svc.Start())
		defer svc.Stop()

		for _, patient := range []string{"p1", "p2"} {
			event := entities.NewQueueEntryEvent(entities.QueueEntryEventTypeMoved, "instance-b", patient, "v", "e")
			require.NoError(t, bus.Publish(context.Background(), providers.EventChannelQueueEntries, event))
		}

		require.Eventually(t, func() bool {
			return len(invalidator.Calls()) == 2
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("stops when the subscription closes", func(t *testing.T) {
		bus := newFakeEventBus()
		svc := services.NewCacheInvalidationService(&recordingInvalidator{}, bus, "instance-a")
		require.NoError(t, svc.Start())

		require.NoError(t, bus.Unsubscribe(context.Background(), providers.EventChannelQueueEntries))

		done := make(chan struct{})
		go func() {
			svc.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Stop did not return")
		}
	})
}
