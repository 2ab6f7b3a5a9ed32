package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/filemonitor/filemon/internal/event"
)

// EventBus fans delivered events out to any number of subscribers. Publish
// never blocks: a subscriber whose buffer is full misses the event.
type EventBus struct {
	bufSize int
	logger  *slog.Logger

	// mu is held for reading while sending so that a channel is never
	// closed under a concurrent Publish.
	mu     sync.RWMutex
	subs   map[chan event.Event]struct{}
	closed bool
}

// NewEventBus returns an EventBus whose subscriber channels hold bufSize
// events. bufSize ≤ 0 defaults to 64.
func NewEventBus(logger *slog.Logger, bufSize int) *EventBus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &EventBus{
		bufSize: bufSize,
		logger:  logger,
		subs:    make(map[chan event.Event]struct{}),
	}
}

// Subscribe returns a channel receiving every later event. The channel is
// closed when ctx is done or the bus is closed.
func (b *EventBus) Subscribe(ctx context.Context) <-chan event.Event {
	ch := make(chan event.Event, b.bufSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}()
	return ch
}

// Len returns the number of live subscribers.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev to every subscriber.
func (b *EventBus) Publish(ev event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("service: subscriber buffer full, dropping event",
				slog.String("kind", ev.Kind.String()),
				slog.String("path", ev.Path))
		}
	}
}

// Close closes every subscriber channel. Later Publish calls are no-ops and
// later subscriptions receive a closed channel.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
