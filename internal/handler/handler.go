// Package handler implements the Handler Runtime (C2): a per-handler
// long-lived agent that owns a Subscription Handle, drives the delivery
// state machine, invokes user callbacks, enforces retry/skip/stop policy,
// and tracks the local last-seen offset.
package handler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/arborq/eventhandler/internal/eventstore"
	"github.com/arborq/eventhandler/internal/logging"
	"github.com/arborq/eventhandler/internal/metrics"
	"github.com/arborq/eventhandler/internal/registry"
	"github.com/arborq/eventhandler/internal/resolver"
	"github.com/arborq/eventhandler/internal/upcaster"
)

// Runtime is a single handler agent. It is not safe for concurrent use by
// multiple goroutines beyond its Reset and Key methods; its
// internal state is touched only by the goroutine running Run.
type Runtime struct {
	app         string
	name        string
	consistency registry.Consistency
	filter      eventstore.StreamFilter

	store     eventstore.Subscriber
	registry  *registry.Registry
	upcaster  *upcaster.Upcaster
	callbacks Callbacks
	log       *logging.Logger

	hasLastSeen bool
	lastSeen    uint64

	resetCh chan struct{}
}

// Config constructs a Runtime from a resolver.Resolved identity plus its
// collaborators. Use resolver.Resolve to produce Resolved from a raw option
// bag before calling New.
type Config struct {
	Resolved  resolver.Resolved
	Store     eventstore.Subscriber
	Registry  *registry.Registry
	Upcaster  *upcaster.Upcaster
	Callbacks Callbacks
	Log       *logging.Logger
}

// New constructs a Runtime ready to Run. Construction never touches the
// store or registry; those happen once Run starts the agent.
func New(cfg Config) *Runtime {
	log := cfg.Log
	if log == nil {
		log = logging.NewTestLogger()
	}
	up := cfg.Upcaster
	if up == nil {
		up = upcaster.New()
	}
	return &Runtime{
		app:         cfg.Resolved.Application,
		name:        cfg.Resolved.Name,
		consistency: cfg.Resolved.Consistency,
		filter:      cfg.Resolved.Filter,
		store:       cfg.Store,
		registry:    cfg.Registry,
		upcaster:    up,
		callbacks:   cfg.Callbacks.withDefaults(),
		log: log.With(
			logging.String("application", cfg.Resolved.Application),
			logging.String("handler_name", cfg.Resolved.Name),
		),
		resetCh: make(chan struct{}, 1),
	}
}

// Key returns the registry key this runtime registers itself under.
func (r *Runtime) Key() registry.Key {
	return registry.Key{Application: r.app, HandlerName: r.name}
}

// Reset asynchronously signals the agent to run the reset path (spec
// §4.2's Running -reset-> Subscribing transition). It is safe to call from
// any goroutine; a pending reset already queued is not duplicated.
func (r *Runtime) Reset() {
	select {
	case r.resetCh <- struct{}{}:
	default:
	}
}

// Run drives the handler's state machine until ctx is cancelled or the
// agent terminates (stop/fatal/DOWN). The caller — typically
// internal/supervisor — decides whether termination warrants a restart.
func (r *Runtime) Run(ctx context.Context) error {
	if r.registry != nil {
		unregister := r.registry.Register(ctx, r.Key(), r.consistency)
		defer unregister()
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ch, err := r.store.Subscribe(ctx, r.name, r.filter)
		if err != nil {
			delay := r.store.Backoff(attempt)
			attempt++
			r.log.Info("subscribe failed, backing off",
				logging.Error(err), logging.Int("attempt", attempt),
				logging.Int64("delay_ms", delay.Milliseconds()))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		attempt = 0

		resubscribe, err := r.serve(ctx, ch)
		if err != nil {
			r.log.Warn("handler terminating", logging.Error(err))
			return err
		}
		if !resubscribe {
			return nil
		}
		metrics.ResubscribesTotal.WithLabelValues(r.app, r.name).Inc()
		//1.- A reset was processed; loop back to Subscribing with a fresh
		// durable subscription that replays from start_from again.
	}
}

// serve implements the AwaitingConfirm and Running states for one live
// subscription. It returns (true, nil) when a reset was processed and the
// caller should resubscribe; (false, err) on any terminal condition
// (ctx cancellation, DOWN, stop, fatal).
func (r *Runtime) serve(ctx context.Context, ch <-chan eventstore.Message) (resubscribe bool, err error) {
	confirmed := false

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case <-r.resetCh:
			if err := r.callbacks.BeforeReset(ctx); err != nil {
				return false, fmt.Errorf("before_reset: %w", err)
			}
			if err := r.store.Reset(ctx, r.name); err != nil {
				return false, fmt.Errorf("reset: %w", err)
			}
			r.hasLastSeen = false
			r.lastSeen = 0
			return true, nil

		case msg, ok := <-ch:
			if !ok {
				return false, errors.New("handler: subscription channel closed unexpectedly")
			}

			switch {
			case msg.Subscribed != nil:
				if confirmed {
					//1.- A stray duplicate confirmation; ignore rather than
					// re-run init() a second time.
					continue
				}
				if err := r.callbacks.Init(ctx); err != nil {
					return false, fmt.Errorf("init: %w", err)
				}
				confirmed = true

			case msg.EventsBatch != nil:
				if !confirmed {
					r.log.Error("events delivered before subscribed confirmation; dropping")
					continue
				}
				for _, raw := range msg.EventsBatch.Events {
					terminal, err := r.processEvent(ctx, raw)
					if terminal {
						return false, err
					}
				}

			case msg.Down != nil:
				reason := msg.Down.Err
				if reason == nil {
					reason = errors.New("handler: subscription terminated (DOWN)")
				}
				return false, reason

			default:
				r.log.Error("unknown message on subscription channel, ignoring")
			}
		}
	}
}

// processEvent runs one Recorded Event through local dedupe, upcast,
// delegation, and the error policy until it reaches a terminal per-event
// outcome (ack/skip) or a terminal per-agent outcome (stop/fatal).
func (r *Runtime) processEvent(ctx context.Context, raw eventstore.RecordedEvent) (terminal bool, err error) {
	if r.hasLastSeen && raw.GlobalPosition > r.lastSeen {
		metrics.HandlerLag.WithLabelValues(r.app, r.name).Set(float64(raw.GlobalPosition - r.lastSeen))
	}
	if r.hasLastSeen && raw.GlobalPosition <= r.lastSeen {
		if err := r.confirmReceipt(ctx, raw); err != nil {
			return true, err
		}
		return false, nil
	}

	userCtx := map[string]any{}
	for {
		event, _, hErr := r.upcastAndHandle(ctx, raw, userCtx)
		if hErr == nil || errors.Is(hErr, ErrAlreadySeenEvent) {
			if err := r.confirmReceipt(ctx, raw); err != nil {
				return true, err
			}
			return false, nil
		}

		var stack string
		var pe *panicError
		if errors.As(hErr, &pe) {
			stack = pe.stack
		}
		failure := FailureContext{
			Application: r.app,
			HandlerName: r.name,
			Event:       event,
			UserContext: userCtx,
			Err:         hErr,
			Stack:       stack,
		}
		outcome := r.callbacks.Error(ctx, hErr, event, failure)
		metrics.ErrorOutcomesTotal.WithLabelValues(r.app, r.name, decisionLabel(outcome.Decision)).Inc()
		r.log.Info("handle failed",
			logging.Error(hErr), logging.String("decision", decisionLabel(outcome.Decision)))

		switch outcome.Decision {
		case DecisionRetry:
			userCtx = outcome.Context
			continue
		case DecisionRetryAfter:
			select {
			case <-time.After(outcome.Delay):
				userCtx = outcome.Context
				continue
			case <-ctx.Done():
				return true, ctx.Err()
			}
		case DecisionSkip:
			if err := r.confirmReceipt(ctx, raw); err != nil {
				return true, err
			}
			return false, nil
		case DecisionStop:
			return true, outcome.Reason
		default:
			return true, hErr
		}
	}
}

func decisionLabel(d Decision) string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionRetryAfter:
		return "retry_after"
	case DecisionSkip:
		return "skip"
	case DecisionStop:
		return "stop"
	default:
		return "unknown"
	}
}

func (r *Runtime) upcastAndHandle(ctx context.Context, raw eventstore.RecordedEvent, userCtx map[string]any) (eventstore.RecordedEvent, map[string]string, error) {
	event, err := r.upcaster.UpcastOne(raw, map[string]string{"application": r.app})
	if err != nil {
		return raw, nil, err
	}
	metadata := r.enrichMetadata(event)
	err = r.invokeHandle(ctx, event, metadata)
	return event, metadata, err
}

func (r *Runtime) invokeHandle(ctx context.Context, event eventstore.RecordedEvent, metadata map[string]string) (err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HandleDuration.WithLabelValues(r.app, r.name))
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p, stack: string(debug.Stack())}
		}
	}()
	return r.callbacks.Handle(ctx, event.Data, metadata)
}

func (r *Runtime) enrichMetadata(event eventstore.RecordedEvent) map[string]string {
	metadata := make(map[string]string, len(event.Metadata)+5)
	for k, v := range event.Metadata {
		metadata[k] = v
	}
	metadata["application"] = r.app
	metadata["handler_name"] = r.name
	metadata["event_id"] = event.EventID
	metadata["event_number"] = strconv.FormatUint(event.GlobalPosition, 10)
	metadata["stream_id"] = event.StreamID
	metadata["stream_version"] = strconv.FormatUint(event.StreamVersion, 10)
	metadata["created_at"] = event.CreatedAt.Format(time.RFC3339Nano)
	//1.- A producer that didn't set correlation/causation metadata is, by
	// convention, the start of its own causal chain: the event correlates
	// and causes itself.
	if metadata["correlation_id"] == "" {
		metadata["correlation_id"] = event.EventID
	}
	if metadata["causation_id"] == "" {
		metadata["causation_id"] = event.EventID
	}
	return metadata
}

// confirmReceipt implements Confirm Receipt: ack the store, then the
// registry, then advance the local dedupe hint — in that order, per the
// spec's testable property that ack(store) precedes ack(registry) precedes
// the last_seen_event update.
func (r *Runtime) confirmReceipt(ctx context.Context, event eventstore.RecordedEvent) error {
	if err := r.store.Ack(ctx, r.name, event.GlobalPosition); err != nil {
		return fmt.Errorf("ack store: %w", err)
	}
	if r.registry != nil {
		r.registry.Ack(r.Key(), event.GlobalPosition)
	}
	r.lastSeen = event.GlobalPosition
	r.hasLastSeen = true
	metrics.EventsProcessedTotal.WithLabelValues(r.app, r.name).Inc()
	metrics.HandlerLag.WithLabelValues(r.app, r.name).Set(0)
	return nil
}
