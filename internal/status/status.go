// Package status holds the foreground status indicator: the short
// human-readable text that tells a user whether monitoring is running.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status texts published on every watch state transition.
const (
	Enabled  = "monitoring enabled"
	Disabled = "monitoring disabled"
)

// Sink accepts status text updates.
type Sink interface {
	SetStatus(text string)
}

// Indicator is a Sink that remembers the latest text and fans every update
// out to subscribers. It is safe for concurrent use.
type Indicator struct {
	logger *slog.Logger

	mu      sync.RWMutex
	text    string
	changed time.Time
	subs    map[chan string]struct{}
	bufSize int
}

// NewIndicator returns an Indicator with no status set. bufSize is the
// per-subscriber buffer depth; values ≤ 0 use 8.
func NewIndicator(logger *slog.Logger, bufSize int) *Indicator {
	if bufSize <= 0 {
		bufSize = 8
	}
	return &Indicator{
		logger:  logger,
		subs:    make(map[chan string]struct{}),
		bufSize: bufSize,
	}
}

// SetStatus records text and delivers it to subscribers without blocking.
// A subscriber whose buffer is full misses the update.
func (i *Indicator) SetStatus(text string) {
	i.mu.Lock()
	i.text = text
	i.changed = time.Now().UTC()
	for ch := range i.subs {
		select {
		case ch <- text:
		default:
			i.logger.Warn("status: subscriber buffer full, dropping update",
				slog.String("status", text))
		}
	}
	i.mu.Unlock()

	i.logger.Info("status: updated", slog.String("status", text))
}

// Current returns the latest text and when it was set.
func (i *Indicator) Current() (string, time.Time) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.text, i.changed
}

// Subscribe returns a channel receiving every later update. The channel is
// closed when ctx is done.
func (i *Indicator) Subscribe(ctx context.Context) <-chan string {
	ch := make(chan string, i.bufSize)

	i.mu.Lock()
	i.subs[ch] = struct{}{}
	i.mu.Unlock()

	go func() {
		<-ctx.Done()
		i.mu.Lock()
		delete(i.subs, ch)
		close(ch)
		i.mu.Unlock()
	}()

	return ch
}
