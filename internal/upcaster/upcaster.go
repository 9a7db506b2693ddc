// Package upcaster implements the event upcaster (C3): a pure transform
// that migrates a recorded event's payload to its current schema and merges
// in additional metadata, without changing delivery order or batch arity.
package upcaster

import (
	"fmt"

	"github.com/arborq/eventhandler/internal/eventstore"
)

// MigrateFunc upgrades a single event's payload to its latest shape. It must
// be a pure function of its input: same data in, same data out, no side
// effects.
type MigrateFunc func(data []byte) ([]byte, error)

// Upcaster holds one migration function per event type. Event types with no
// registered migration pass through unchanged.
type Upcaster struct {
	migrations map[string]MigrateFunc
}

// New constructs an empty Upcaster.
func New() *Upcaster {
	return &Upcaster{migrations: make(map[string]MigrateFunc)}
}

// Register binds a migration function to an event type. Registering the
// same type twice replaces the previous function.
func (u *Upcaster) Register(eventType string, fn MigrateFunc) {
	if u == nil || fn == nil {
		return
	}
	u.migrations[eventType] = fn
}

// Upcast applies the registered migrations in order, merging extra into each
// event's metadata (extra values win on key collision). A migration failure
// for one event aborts the whole batch — the caller treats this the same as
// a handle failure for that event, per the spec's batch-abort-on-migration-
// error behavior.
func (u *Upcaster) Upcast(events []eventstore.RecordedEvent, extra map[string]string) ([]eventstore.RecordedEvent, error) {
	out := make([]eventstore.RecordedEvent, len(events))
	for i, event := range events {
		migrated, err := u.UpcastOne(event, extra)
		if err != nil {
			return nil, err
		}
		out[i] = migrated
	}
	return out, nil
}

// UpcastOne applies the registered migration (if any) to a single event and
// merges in extra metadata. The handler runtime calls this per-event rather
// than batching so a migration failure on one event can be routed through
// the error policy for that event alone, without losing the ones before it.
func (u *Upcaster) UpcastOne(event eventstore.RecordedEvent, extra map[string]string) (eventstore.RecordedEvent, error) {
	migrated := event
	if u != nil {
		if fn, ok := u.migrations[event.Type]; ok {
			data, err := fn(event.Data)
			if err != nil {
				return event, fmt.Errorf("upcaster: migrate %s (event %d): %w", event.Type, event.GlobalPosition, err)
			}
			migrated.Data = data
		}
	}
	migrated.Metadata = mergeMetadata(event.Metadata, extra)
	return migrated, nil
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
