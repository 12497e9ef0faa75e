// Package events provides a publish/subscribe event bus for change
// notification. Events flow from the device mirrors (applied snapshots,
// dispatched commands, thumbnail updates) to subscribers (the WebSocket
// stream in the web server, future metrics collector). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceMirror identifies events from a device mirror.
	SourceMirror = "mirror"
	// SourceMQTT identifies events from the broker connection.
	SourceMQTT = "mqtt"
)

// Kind constants describe the type of event within a source.
const (
	// KindSnapshotApplied signals an inbound agent snapshot was merged
	// into the mirror. Data: device, state, volume, muted.
	KindSnapshotApplied = "snapshot_applied"
	// KindCommandSent signals an outbound command was published to the
	// agent. Data: device, command.
	KindCommandSent = "command_sent"
	// KindThumbnailUpdated signals new thumbnail bytes were received.
	// Data: device, bytes.
	KindThumbnailUpdated = "thumbnail_updated"
	// KindMirrorClosed signals a mirror was torn down and will ignore
	// further traffic. Data: device.
	KindMirrorClosed = "mirror_closed"

	// KindConnected signals the broker connection came up.
	// Data: broker.
	KindConnected = "connected"
	// KindConnectionLost signals the broker connection dropped.
	// Data: broker, error.
	KindConnectionLost = "connection_lost"
)

// Event represents a single change notification published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
