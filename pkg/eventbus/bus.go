// Package eventbus provides the publish/subscribe transport between the
// coordinator, the reminder scheduler, and the external producer and
// notifier components. Every published event is appended to a durable
// log, then fanned out to in-process subscribers of its channel.
package eventbus

import (
	"context"
	"sync"
)

// Bus wraps a Log with per-channel in-process fan-out. Publishing
// persists the event first; a subscriber that falls behind has events
// dropped from its buffer rather than blocking the publisher, and can
// catch up from the log.
type Bus struct {
	Log
	mu   sync.RWMutex
	subs map[string]map[chan *Event]struct{}
}

// NewBus creates a Bus wrapping the given log.
func NewBus(log Log) *Bus {
	return &Bus{
		Log:  log,
		subs: make(map[string]map[chan *Event]struct{}),
	}
}

// Publish appends the event to the log, then fans out to all
// subscribers of the channel.
func (b *Bus) Publish(ctx context.Context, channel, kind, source string, payload map[string]any) (*Event, error) {
	e, err := b.Log.Append(ctx, channel, kind, source, payload)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	for ch := range b.subs[channel] {
		select {
		case ch <- e:
		default:
			// subscriber is behind; drop to avoid blocking Publish
		}
	}
	b.mu.RUnlock()

	return e, nil
}

// Subscribe returns a buffered channel that receives all events
// published to the named channel.
func (b *Bus) Subscribe(channel string) chan *Event {
	ch := make(chan *Event, 64)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan *Event]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(channel string, ch chan *Event) {
	b.mu.Lock()
	if subs, ok := b.subs[channel]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
	}
	b.mu.Unlock()
}
