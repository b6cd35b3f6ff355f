// ABOUTME: Bus combines the in-process broadcaster with optional external sinks
// ABOUTME: Emit never blocks the caller on a slow or absent sink

package events

import (
	"log/slog"
	"sync"
)

// Sink receives events in addition to local subscribers.
type Sink interface {
	Publish(evt Event) error
}

// Bus is the single entry point components use to emit fleet events.
type Bus struct {
	*Broadcaster

	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
}

// NewBus creates a bus with a fresh broadcaster.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		Broadcaster: NewBroadcaster(logger),
		logger:      logger.With("component", "events"),
	}
}

// AddSink attaches an external sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Emit publishes to subscribers and sinks. A nil bus discards the event.
func (b *Bus) Emit(evt Event) {
	if b == nil {
		return
	}
	if evt.ID == "" {
		stamped := New(evt.Kind)
		evt.ID, evt.Time = stamped.ID, stamped.Time
	}
	b.Publish(evt)

	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Publish(evt); err != nil {
			b.logger.Debug("sink publish failed", "kind", evt.Kind, "error", err)
		}
	}
}
