// Package memstore is a reference eventstore.Subscriber backed by an
// in-process append log with an optional on-disk durable log, used for
// tests and single-node deployments that do not need a networked store.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arborq/eventhandler/internal/eventstore"
)

// Config controls retention and backoff for a Store.
type Config struct {
	// Retain bounds how many fully-acknowledged-by-everyone events are kept
	// in the in-memory log. Zero selects a sane default.
	Retain int
	// BaseBackoff and MaxBackoff configure the exponential backoff returned
	// by Backoff. Zero selects a one-second base and a 60-second cap.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Dir, when non-empty, persists the append log and every durable
	// subscription's cursor to disk so a process restart resumes cleanly.
	Dir string
}

const defaultRetention = 4096

// Store is an ordered, in-memory append log with per-durable-name cursors.
// It implements eventstore.Subscriber.
type Store struct {
	mu             sync.Mutex
	retention      int
	backoff        eventstore.Backoff
	log            []eventstore.RecordedEvent
	subscribers    map[string]*subscription
	journal        *journal
	streamVersions map[string]uint64
}

type subscription struct {
	name     string
	filter   eventstore.StreamFilter
	lastAck  uint64
	cursor   uint64
	pending  []uint64
	ch       chan eventstore.Message
	attached bool
}

// New constructs a Store. If cfg.Dir is non-empty the append log and cursors
// are persisted there and reloaded on startup.
func New(cfg Config) (*Store, error) {
	retention := cfg.Retain
	if retention <= 0 {
		retention = defaultRetention
	}
	base := cfg.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	max := cfg.MaxBackoff
	if max <= 0 {
		max = 60 * time.Second
	}

	s := &Store{
		retention:      retention,
		backoff:        eventstore.NewBackoff(base, max),
		subscribers:    make(map[string]*subscription),
		streamVersions: make(map[string]uint64),
	}

	if cfg.Dir != "" {
		j, events, cursors, err := openJournal(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("memstore: open journal: %w", err)
		}
		s.journal = j
		s.log = events
		for _, event := range events {
			if event.StreamVersion > s.streamVersions[event.StreamID] {
				s.streamVersions[event.StreamID] = event.StreamVersion
			}
		}
		for name, cursor := range cursors {
			s.subscribers[name] = &subscription{name: name, lastAck: cursor, cursor: cursor}
		}
	}

	return s, nil
}

// Close releases the on-disk journal, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}

// Append records a new event at the end of the log, delivering it to every
// attached subscription whose filter matches.
func (s *Store) Append(streamID, eventType string, data []byte, metadata map[string]string) (eventstore.RecordedEvent, error) {
	if streamID == "" {
		return eventstore.RecordedEvent{}, errors.New("memstore: stream id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	position := uint64(len(s.log)) + 1
	streamVersion := s.streamVersions[streamID] + 1
	event := eventstore.RecordedEvent{
		EventID:        uuid.NewString(),
		StreamID:       streamID,
		Type:           eventType,
		GlobalPosition: position,
		StreamVersion:  streamVersion,
		Data:           append([]byte(nil), data...),
		Metadata:       cloneMetadata(metadata),
		CreatedAt:      time.Now().UTC(),
	}

	if s.journal != nil {
		if err := s.journal.AppendEvent(event); err != nil {
			return eventstore.RecordedEvent{}, fmt.Errorf("memstore: persist event: %w", err)
		}
	}

	s.log = append(s.log, event)
	s.streamVersions[streamID] = streamVersion
	s.deliverLocked(event)
	s.enforceRetentionLocked()

	return event, nil
}

func (s *Store) deliverLocked(event eventstore.RecordedEvent) {
	for _, sub := range s.subscribers {
		if !sub.attached || sub.ch == nil {
			continue
		}
		if !sub.filter.Matches(event.StreamID) {
			continue
		}
		sub.pending = append(sub.pending, event.GlobalPosition)
		select {
		case sub.ch <- eventstore.Message{EventsBatch: &eventstore.EventsBatch{Events: []eventstore.RecordedEvent{event}}}:
		default:
			//1.- A slow reader drops its channel; no Down is sent, the
			// caller observes the closed channel on its next receive, and
			// a later Subscribe replays from its last acknowledged cursor.
			sub.attached = false
			close(sub.ch)
			sub.ch = nil
		}
	}
}

// Subscribe implements eventstore.Subscriber.
func (s *Store) Subscribe(ctx context.Context, durableName string, filter eventstore.StreamFilter) (<-chan eventstore.Message, error) {
	if durableName == "" {
		return nil, errors.New("memstore: durable name required")
	}

	s.mu.Lock()
	sub, ok := s.subscribers[durableName]
	if !ok {
		sub = &subscription{name: durableName}
		s.subscribers[durableName] = sub
		switch filter.StartFrom {
		case eventstore.StartFromEnd:
			sub.lastAck = uint64(len(s.log))
			sub.cursor = sub.lastAck
		case eventstore.StartFromOffset:
			sub.lastAck = filter.StartOffset
			sub.cursor = filter.StartOffset
		}
	}
	sub.filter = filter
	sub.attached = true
	ch := make(chan eventstore.Message, 64)
	sub.ch = ch

	replay := make([]eventstore.RecordedEvent, 0)
	for _, event := range s.log {
		if event.GlobalPosition <= sub.lastAck {
			continue
		}
		if !filter.Matches(event.StreamID) {
			continue
		}
		replay = append(replay, event)
		sub.pending = append(sub.pending, event.GlobalPosition)
	}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			return
		case ch <- eventstore.Message{Subscribed: &eventstore.Subscribed{DurableName: durableName}}:
		}
		for _, event := range replay {
			select {
			case <-ctx.Done():
				return
			case ch <- eventstore.Message{EventsBatch: &eventstore.EventsBatch{Events: []eventstore.RecordedEvent{event}}}:
			}
		}
	}()

	return ch, nil
}

// Ack implements eventstore.Subscriber.
func (s *Store) Ack(ctx context.Context, durableName string, eventNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[durableName]
	if !ok {
		return eventstore.ErrUnknownSubscription
	}

	sub.lastAck = eventNumber
	sub.cursor = eventNumber
	if idx := indexOf(sub.pending, eventNumber); idx >= 0 {
		sub.pending = append(sub.pending[:idx], sub.pending[idx+1:]...)
	}

	if s.journal != nil {
		if err := s.journal.SaveCursor(durableName, eventNumber); err != nil {
			return fmt.Errorf("memstore: persist cursor: %w", err)
		}
	}

	s.enforceRetentionLocked()
	return nil
}

// Reset implements eventstore.Subscriber.
func (s *Store) Reset(ctx context.Context, durableName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[durableName]
	if !ok {
		return eventstore.ErrUnknownSubscription
	}
	//1.- Rewind to where the subscription's StartFrom places a brand-new
	// subscriber, mirroring Subscribe.
	var position uint64
	switch sub.filter.StartFrom {
	case eventstore.StartFromEnd:
		position = uint64(len(s.log))
	case eventstore.StartFromOffset:
		position = sub.filter.StartOffset
	}
	sub.lastAck = position
	sub.cursor = position
	sub.pending = nil

	if s.journal != nil {
		if err := s.journal.SaveCursor(durableName, position); err != nil {
			return fmt.Errorf("memstore: persist cursor reset: %w", err)
		}
	}
	return nil
}

// Backoff implements eventstore.Subscriber.
func (s *Store) Backoff(attempt int) time.Duration {
	return s.backoff.Duration(attempt)
}

func (s *Store) enforceRetentionLocked() {
	if len(s.log) <= s.retention {
		return
	}
	minAck := s.log[len(s.log)-1].GlobalPosition
	for _, sub := range s.subscribers {
		if sub.lastAck < minAck {
			minAck = sub.lastAck
		}
	}
	cutoff := s.log[len(s.log)-s.retention].GlobalPosition
	pruneBefore := minAck
	if cutoff < pruneBefore {
		pruneBefore = cutoff
	}
	if pruneBefore == 0 {
		return
	}
	idx := sort.Search(len(s.log), func(i int) bool { return s.log[i].GlobalPosition > pruneBefore })
	s.log = append([]eventstore.RecordedEvent(nil), s.log[idx:]...)
}

func indexOf(values []uint64, target uint64) int {
	for i, v := range values {
		if v == target {
			return i
		}
	}
	return -1
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
