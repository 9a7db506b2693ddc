// Package eventstore defines the contract a handler runtime uses to talk to
// the durable event store: subscribe, receive ordered batches, acknowledge
// progress, reset a durable cursor, and back off between reconnect attempts.
//
// The store, not the handler, owns the cursor (spec §6): Subscribe always
// replays from whatever position the store last recorded for the given
// durable name, never from client-supplied state.
package eventstore

import (
	"context"
	"errors"
	"time"
)

// RecordedEvent is the domain-agnostic unit of delivery. Concrete stores
// (memstore, esdbstore) translate their native wire formats into this shape
// before handing events to a subscriber.
type RecordedEvent struct {
	EventID        string
	StreamID       string
	Type           string
	GlobalPosition uint64
	StreamVersion  uint64
	Data           []byte
	Metadata       map[string]string
	CreatedAt      time.Time
}

// StartFrom selects where a brand-new durable subscription begins reading.
// It has no effect once the store has recorded a cursor for the name.
type StartFrom int

const (
	// StartFromBeginning replays the entire stream on first subscribe.
	StartFromBeginning StartFrom = iota
	// StartFromEnd skips history and delivers only events recorded after
	// the subscription is created.
	StartFromEnd
	// StartFromOffset begins at the explicit global position carried in
	// StreamFilter.StartOffset.
	StartFromOffset
)

// StreamFilter narrows which streams a subscription observes. An empty
// Prefix matches every stream.
type StreamFilter struct {
	Prefix string
	// StartFrom selects where a brand-new durable subscription begins.
	StartFrom StartFrom
	// StartOffset is consulted only when StartFrom is StartFromOffset.
	StartOffset uint64
}

// Matches reports whether the filter accepts the given stream id.
func (f StreamFilter) Matches(streamID string) bool {
	if f.Prefix == "" {
		return true
	}
	if len(streamID) < len(f.Prefix) {
		return false
	}
	return streamID[:len(f.Prefix)] == f.Prefix
}

// Subscribed is delivered once, immediately after a subscription attaches
// successfully, before any Events batches.
type Subscribed struct {
	DurableName string
}

// EventsBatch carries one or more ordered, contiguous RecordedEvent values
// ready for sequential delivery to a single handler.
type EventsBatch struct {
	Events []RecordedEvent
}

// Down signals that the store-side subscription has dropped and will not
// recover on its own. The handler runtime terminates when it receives Down.
type Down struct {
	Err error
}

// Message is the sum of values a Subscriber may push down its channel.
// Exactly one of Subscribed, EventsBatch, or Down is non-zero per value.
type Message struct {
	Subscribed  *Subscribed
	EventsBatch *EventsBatch
	Down        *Down
}

// ErrUnknownSubscription is returned by Ack/Reset for a durable name the
// store has never seen subscribed.
var ErrUnknownSubscription = errors.New("eventstore: unknown durable subscription")

// ErrClosed is returned by operations attempted after the store has shut
// down.
var ErrClosed = errors.New("eventstore: closed")

// Subscriber is the contract a handler runtime depends on. Implementations
// must deliver events for a single durable name strictly in order. Delivery
// is not held back until earlier batches are acknowledged: memstore and
// esdbstore push each event onto the channel as soon as it is available.
type Subscriber interface {
	// Subscribe attaches durableName to the stream(s) matching filter and
	// returns a channel of Message values. esdbstore closes the channel
	// when ctx is cancelled or after delivering Down; memstore closes it,
	// without a Down, only when it detaches a reader whose buffer is full.
	Subscribe(ctx context.Context, durableName string, filter StreamFilter) (<-chan Message, error)

	// Ack advances the store-owned cursor for durableName past eventNumber.
	// Acks must be applied in the order events were delivered.
	Ack(ctx context.Context, durableName string, eventNumber uint64) error

	// Reset discards the store-owned cursor for durableName so a future
	// Subscribe call replays from filter.StartFrom again.
	Reset(ctx context.Context, durableName string) error

	// Backoff returns how long to wait before the (attempt+1)-th
	// resubscribe attempt after a failed Subscribe call, including jitter.
	Backoff(attempt int) time.Duration
}
