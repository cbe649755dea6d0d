package events

import (
	"context"
	"sync"

	"github.com/carequeue/servicequeues/internal/domain/entities"
	"github.com/carequeue/servicequeues/internal/domain/providers"
	"github.com/carequeue/servicequeues/internal/infrastructure/observability"
)

// MemoryEventBus delivers events inside one process. It backs the event
// stream when Redis is disabled.
type MemoryEventBus struct {
	mu sync.RWMutex
	// each subscription maps to the channel that stops its ctx watcher
	subscribers map[string]map[chan *entities.QueueEntryEvent]chan struct{}
	closed      bool
	watchers    sync.WaitGroup
}

// NewMemoryEventBus creates an in-process event bus
func NewMemoryEventBus() providers.EventBus {
	return &MemoryEventBus{
		subscribers: make(map[string]map[chan *entities.QueueEntryEvent]chan struct{}),
	}
}

// Publish delivers event to every current subscriber of channel. Slow
// subscribers miss the event rather than block the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, channel string, event *entities.QueueEntryEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subscriber := range b.subscribers[channel] {
		select {
		case subscriber <- event:
		default:
			observability.LoggerFromContext(ctx).Warn().
				Str("channel", channel).
				Str("event_id", event.ID).
				Msg("subscriber channel full, skipping event")
		}
	}
	return nil
}

// Subscribe subscribes to events on a channel until ctx is done
func (b *MemoryEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.QueueEntryEvent, error) {
	eventChan := make(chan *entities.QueueEntryEvent, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(eventChan)
		return eventChan, nil
	}
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[chan *entities.QueueEntryEvent]chan struct{})
	}
	stop := make(chan struct{})
	b.subscribers[channel][eventChan] = stop
	b.watchers.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.watchers.Done()
		select {
		case <-ctx.Done():
			b.remove(channel, eventChan)
		case <-stop:
		}
	}()
	return eventChan, nil
}

func (b *MemoryEventBus) remove(channel string, eventChan chan *entities.QueueEntryEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stop, ok := b.subscribers[channel][eventChan]
	if !ok {
		return
	}
	delete(b.subscribers[channel], eventChan)
	close(stop)
	close(eventChan)
	if len(b.subscribers[channel]) == 0 {
		delete(b.subscribers, channel)
	}
}

// Unsubscribe closes every subscriber of channel
func (b *MemoryEventBus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subscriber, stop := range b.subscribers[channel] {
		close(stop)
		close(subscriber)
	}
	delete(b.subscribers, channel)
	return nil
}

// Close closes every subscription
func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, subscribers := range b.subscribers {
		for subscriber, stop := range subscribers {
			close(stop)
			close(subscriber)
		}
		delete(b.subscribers, channel)
	}
	b.closed = true
	return nil
}
