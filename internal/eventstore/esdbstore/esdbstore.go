// Package esdbstore is a production eventstore.Subscriber backed by a real
// KurrentDB / EventStoreDB cluster via persistent subscriptions, so the
// store itself owns durable-name cursors and replay across process
// restarts.
package esdbstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"

	"github.com/arborq/eventhandler/internal/eventstore"
	"github.com/arborq/eventhandler/internal/logging"
)

// Store adapts a KurrentDB client to eventstore.Subscriber by mapping each
// durable name onto a persistent subscription group against $all. Ack is
// deferred until the handler runtime calls it: events delivered to the
// channel are held in pending until Store.Ack acknowledges them against
// KurrentDB, so a handler crash between delivery and a successful handle
// leaves the event un-acked and eligible for redelivery on reconnect.
type Store struct {
	db      *esdb.Client
	log     *logging.Logger
	backoff eventstore.Backoff

	mu      sync.Mutex
	subs    map[string]*esdb.PersistentSubscription
	pending map[string]map[uint64]*esdb.ResolvedEvent
}

// Config sets the bounds of the reconnect backoff that Store.Backoff returns.
type Config struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// New wraps an already-connected esdb.Client.
func New(db *esdb.Client, log *logging.Logger, cfg Config) *Store {
	base := cfg.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	max := cfg.MaxBackoff
	if max <= 0 {
		max = 60 * time.Second
	}
	return &Store{
		db:      db,
		log:     log,
		backoff: eventstore.NewBackoff(base, max),
		subs:    make(map[string]*esdb.PersistentSubscription),
		pending: make(map[string]map[uint64]*esdb.ResolvedEvent),
	}
}

// Subscribe implements eventstore.Subscriber by creating (if absent) and
// attaching to a persistent subscription to $all named after durableName.
func (s *Store) Subscribe(ctx context.Context, durableName string, filter eventstore.StreamFilter) (<-chan eventstore.Message, error) {
	if durableName == "" {
		return nil, fmt.Errorf("esdbstore: durable name required")
	}

	settings := esdb.SubscriptionSettingsDefault()
	settings.ResolveLinkTos = true

	startFrom := esdb.AllPosition(esdb.Start{})
	if filter.StartFrom == eventstore.StartFromEnd {
		startFrom = esdb.AllPosition(esdb.End{})
	}

	err := s.db.CreatePersistentSubscriptionToAll(ctx, durableName, esdb.PersistentAllSubscriptionOptions{
		Settings:  &settings,
		StartFrom: startFrom,
		Filter:    streamFilterFor(filter),
	})
	if err != nil {
		if esdbErr, ok := esdb.FromError(err); !ok || esdbErr.Code() != esdb.ErrorCodeResourceAlreadyExists {
			return nil, fmt.Errorf("esdbstore: create persistent subscription %s: %w", durableName, err)
		}
	}

	sub, err := s.db.SubscribeToPersistentSubscriptionToAll(ctx, durableName, esdb.SubscribeToPersistentSubscriptionOptions{})
	if err != nil {
		return nil, fmt.Errorf("esdbstore: subscribe %s: %w", durableName, err)
	}

	s.mu.Lock()
	s.subs[durableName] = sub
	s.pending[durableName] = make(map[uint64]*esdb.ResolvedEvent)
	s.mu.Unlock()

	ch := make(chan eventstore.Message, 64)
	go s.pump(ctx, durableName, sub, ch)
	return ch, nil
}

func (s *Store) pump(ctx context.Context, durableName string, sub *esdb.PersistentSubscription, ch chan<- eventstore.Message) {
	defer close(ch)
	defer sub.Close()
	defer func() {
		s.mu.Lock()
		delete(s.subs, durableName)
		delete(s.pending, durableName)
		s.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return
	case ch <- eventstore.Message{Subscribed: &eventstore.Subscribed{DurableName: durableName}}:
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		received := sub.Recv()
		if received.SubscriptionDropped != nil {
			s.logf("persistent subscription %s dropped: %v", durableName, received.SubscriptionDropped.Error)
			select {
			case ch <- eventstore.Message{Down: &eventstore.Down{Err: received.SubscriptionDropped.Error}}:
			case <-ctx.Done():
			}
			return
		}
		if received.EventAppeared == nil {
			continue
		}

		resolved := received.EventAppeared.Event
		if resolved == nil || resolved.Event == nil {
			continue
		}
		raw := resolved.Event

		//1.- $-prefixed system events (checkpoints, stream metadata) never
		// reach handler code; ack them immediately so the subscription
		// keeps moving.
		if strings.HasPrefix(raw.EventType, "$") {
			sub.Ack(resolved)
			continue
		}

		event, err := toRecordedEvent(raw)
		if err != nil {
			s.logf("esdbstore: drop unconvertible event %s: %v", raw.EventID, err)
			sub.Nack("conversion error", esdb.NackActionPark, resolved)
			continue
		}

		s.mu.Lock()
		if byPosition, ok := s.pending[durableName]; ok {
			byPosition[event.GlobalPosition] = resolved
		}
		s.mu.Unlock()

		select {
		case ch <- eventstore.Message{EventsBatch: &eventstore.EventsBatch{Events: []eventstore.RecordedEvent{event}}}:
		case <-ctx.Done():
			return
		}
	}
}

func toRecordedEvent(raw *esdb.RecordedEvent) (eventstore.RecordedEvent, error) {
	metadata := map[string]string{}
	if len(raw.UserMetadata) > 0 {
		var decoded map[string]string
		if err := json.Unmarshal(raw.UserMetadata, &decoded); err == nil {
			metadata = decoded
		}
	}
	return eventstore.RecordedEvent{
		EventID:        raw.EventID.String(),
		StreamID:       raw.StreamID,
		Type:           raw.EventType,
		GlobalPosition: raw.Position.Commit,
		StreamVersion:  raw.EventNumber + 1,
		Data:           append([]byte(nil), raw.Data...),
		Metadata:       metadata,
		CreatedAt:      raw.CreatedDate,
	}, nil
}

func streamFilterFor(filter eventstore.StreamFilter) *esdb.SubscriptionFilter {
	if filter.Prefix == "" {
		return nil
	}
	return &esdb.SubscriptionFilter{
		Type:     esdb.StreamFilterType,
		Prefixes: []string{filter.Prefix},
	}
}

// Ack implements eventstore.Subscriber by acknowledging the held
// *esdb.ResolvedEvent for eventNumber against KurrentDB's persistent
// subscription, matching spec §4.2's Confirm-Receipt contract: the store is
// only told an event is done once the handler's handle callback has
// succeeded.
func (s *Store) Ack(ctx context.Context, durableName string, eventNumber uint64) error {
	s.mu.Lock()
	sub, subOK := s.subs[durableName]
	byPosition, pendingOK := s.pending[durableName]
	var resolved *esdb.ResolvedEvent
	if pendingOK {
		resolved = byPosition[eventNumber]
		delete(byPosition, eventNumber)
	}
	s.mu.Unlock()

	if !subOK || resolved == nil {
		return eventstore.ErrUnknownSubscription
	}
	sub.Ack(resolved)
	return nil
}

// Reset implements eventstore.Subscriber by deleting the persistent
// subscription group, which discards KurrentDB's server-side cursor for
// durableName; the next Subscribe recreates the group.
func (s *Store) Reset(ctx context.Context, durableName string) error {
	if err := s.db.DeletePersistentSubscriptionToAll(ctx, durableName, esdb.DeletePersistentSubscriptionOptions{}); err != nil {
		if esdbErr, ok := esdb.FromError(err); !ok || esdbErr.Code() != esdb.ErrorCodeResourceNotFound {
			return fmt.Errorf("esdbstore: delete persistent subscription %s: %w", durableName, err)
		}
	}
	return nil
}

// Backoff implements eventstore.Subscriber.
func (s *Store) Backoff(attempt int) time.Duration {
	return s.backoff.Duration(attempt)
}

func (s *Store) logf(format string, args ...any) {
	if s.log == nil {
		return
	}
	s.log.Warn(fmt.Sprintf(format, args...))
}
