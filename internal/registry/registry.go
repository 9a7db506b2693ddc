// Package registry implements the consistency registry (spec C4): a
// process-wide map tracking how far each handler has acknowledged events,
// so a command dispatcher can block until a strongly-consistent handler has
// caught up to a given position before returning to its caller.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arborq/eventhandler/internal/metrics"
)

// Key identifies a single handler instance within an application.
type Key struct {
	Application string
	HandlerName string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Application, k.HandlerName)
}

// Consistency selects whether wait_for blocks for a handler.
type Consistency string

const (
	// Strong handlers participate in wait_for: a command dispatcher blocks
	// until the handler has acknowledged at least the requested position.
	Strong Consistency = "strong"
	// Eventual handlers are tracked the same way, for observability.
	// WaitForAll never waits on them; WaitFor does not check consistency
	// and waits on whatever key it is given.
	Eventual Consistency = "eventual"
)

type entry struct {
	consistency Consistency
	lastAck     uint64
	notify      chan struct{}
}

func newEntry(consistency Consistency) *entry {
	return &entry{consistency: consistency, notify: make(chan struct{})}
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[Key]*entry)}
}

// Register records a handler's declared consistency mode and returns an
// unregister function the caller must invoke when the handler terminates.
// If ctx is cancelled first, Register deregisters the entry itself — this
// is the liveness watch (spec §9's re-architecture of BEAM process monitors
// onto context.Context cancellation).
func (r *Registry) Register(ctx context.Context, key Key, consistency Consistency) (unregister func()) {
	r.mu.Lock()
	r.entries[key] = newEntry(consistency)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.deregister(key)
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			r.deregister(key)
		})
	}
}

func (r *Registry) deregister(key Key) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Ack records that key has processed up through position, waking any
// goroutine blocked in WaitFor on a position at or before it.
func (r *Registry) Ack(key Key, position uint64) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if position > e.lastAck {
		e.lastAck = position
	}
	notify := e.notify
	e.notify = make(chan struct{})
	r.mu.Unlock()
	close(notify)
}

// WaitFor blocks until key has acknowledged at least position, ctx is
// cancelled, or timeout elapses, whichever comes first. A key that is not
// registered counts as not yet caught up until it registers. A zero timeout
// disables the timeout and relies solely on ctx.
func (r *Registry) WaitFor(ctx context.Context, key Key, position uint64, timeout time.Duration) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RegistryWaitDuration.WithLabelValues(key.Application, key.HandlerName))

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		r.mu.Lock()
		e, ok := r.entries[key]
		if !ok {
			r.mu.Unlock()
			//1.- Poll until the handler registers or ctx ends.
			select {
			case <-time.After(10 * time.Millisecond):
				continue
			case <-ctx.Done():
				return fmt.Errorf("registry: %s is not registered: %w", key, ctx.Err())
			}
		}
		if e.lastAck >= position {
			r.mu.Unlock()
			return nil
		}
		notify := e.notify
		r.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForAll blocks until every handler named in names has acknowledged at
// least position within app, ctx is cancelled, or timeout elapses. It is the
// C4 operation a command dispatcher calls as
// wait_for(app, strong_handler_names, target_event_number, timeout): on
// success it returns (nil, nil); on timeout or cancellation it returns the
// subset of names still lagging (or unregistered) alongside the error, so a
// caller can report exactly which strong handlers held it up. Names
// registered with Eventual consistency are not waited on.
func (r *Registry) WaitForAll(ctx context.Context, app string, names []string, position uint64, timeout time.Duration) (pending []string, err error) {
	r.mu.Lock()
	waitOn := make([]string, 0, len(names))
	for _, name := range names {
		if e, ok := r.entries[Key{Application: app, HandlerName: name}]; ok && e.consistency == Eventual {
			continue
		}
		waitOn = append(waitOn, name)
	}
	r.mu.Unlock()
	if len(waitOn) == 0 {
		return nil, nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range waitOn {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			key := Key{Application: app, HandlerName: name}
			//1.- Delegate to WaitFor with no inner timeout; the outer ctx
			// above already carries the deadline for the whole set.
			if waitErr := r.WaitFor(ctx, key, position, 0); waitErr != nil {
				mu.Lock()
				pending = append(pending, name)
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()

	if len(pending) == 0 {
		return nil, nil
	}
	sort.Strings(pending)
	return pending, fmt.Errorf("registry: timed out waiting for %v to reach position %d", pending, position)
}

// Status is a point-in-time snapshot of a registered handler.
type Status struct {
	Key         Key
	Consistency Consistency
	LastAck     uint64
}

// ListStrong returns a snapshot of every currently-registered
// strong-consistency handler, ordered by key string for deterministic
// output.
func (r *Registry) ListStrong() []Status {
	return r.list(Strong)
}

// List returns a snapshot of every currently-registered handler.
func (r *Registry) List() []Status {
	return r.list("")
}

func (r *Registry) list(filter Consistency) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.entries))
	for key, e := range r.entries {
		if filter != "" && e.consistency != filter {
			continue
		}
		out = append(out, Status{Key: key, Consistency: e.consistency, LastAck: e.lastAck})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}
