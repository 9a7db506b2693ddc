package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arborq/eventhandler/internal/eventstore"
	"github.com/arborq/eventhandler/internal/resolver"
)

// ErrAlreadySeenEvent is a sentinel a user's Handle callback may return to
// indicate the event was already applied by some out-of-band means; it is
// treated identically to a nil error (Confirm Receipt runs, no retry).
var ErrAlreadySeenEvent = errors.New("handler: already seen event")

// ErrPanicked wraps a recovered panic from a user callback.
var ErrPanicked = errors.New("handler: callback panicked")

// panicError carries the recovered panic value's stack trace alongside
// ErrPanicked so processEvent can attach it to the FailureContext it builds
// for the error callback (spec §4.2 bullet 3, §7 error kind 4).
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%s: %v", ErrPanicked, e.value)
}

func (e *panicError) Unwrap() error {
	return ErrPanicked
}

// FailureContext is threaded verbatim across retries of a single event, per
// spec §4.2.
type FailureContext struct {
	Application string
	HandlerName string
	Event       eventstore.RecordedEvent
	UserContext map[string]any
	Err         error
	Stack       string
}

// Decision is the user error callback's classification of how to proceed.
type Decision int

const (
	// DecisionRetry re-invokes handle immediately with the new context.
	DecisionRetry Decision = iota
	// DecisionRetryAfter sleeps Delay, cooperatively, then retries.
	DecisionRetryAfter
	// DecisionSkip confirms receipt without invoking handle again.
	DecisionSkip
	// DecisionStop terminates the agent with Reason.
	DecisionStop
)

// ErrorOutcome is the explicit sum-typed return from the error callback,
// replacing the source's non-local-exit control flow (spec §9).
type ErrorOutcome struct {
	Decision Decision
	Context  map[string]any
	Delay    time.Duration
	Reason   error
}

// Retry re-invokes handle for the same event with ctx as its new user context.
func Retry(ctx map[string]any) ErrorOutcome {
	return ErrorOutcome{Decision: DecisionRetry, Context: ctx}
}

// RetryAfter sleeps delay before re-invoking handle with ctx.
func RetryAfter(delay time.Duration, ctx map[string]any) ErrorOutcome {
	return ErrorOutcome{Decision: DecisionRetryAfter, Context: ctx, Delay: delay}
}

// Skip confirms receipt of the event without invoking handle again.
func Skip() ErrorOutcome {
	return ErrorOutcome{Decision: DecisionSkip}
}

// Stop terminates the agent with reason.
func Stop(reason error) ErrorOutcome {
	return ErrorOutcome{Decision: DecisionStop, Reason: reason}
}

// Callbacks is the explicit capability record of user-supplied function
// pointers, replacing the source's dynamically-injected default methods
// (spec §9). New fills in the defaults from withDefaults for any field left
// nil.
type Callbacks struct {
	Init        func(ctx context.Context) error
	InitConfig  resolver.InitConfigFunc
	Handle      func(ctx context.Context, payload []byte, metadata map[string]string) error
	Error       func(ctx context.Context, err error, event eventstore.RecordedEvent, failure FailureContext) ErrorOutcome
	BeforeReset func(ctx context.Context) error
}

// withDefaults returns a copy of c with every nil field replaced by its
// default implementation (spec §4.2's "default callbacks" table).
func (c Callbacks) withDefaults() Callbacks {
	if c.Init == nil {
		c.Init = func(context.Context) error { return nil }
	}
	if c.InitConfig == nil {
		c.InitConfig = resolver.DefaultInitConfig
	}
	if c.Handle == nil {
		c.Handle = func(context.Context, []byte, map[string]string) error { return nil }
	}
	if c.Error == nil {
		c.Error = func(_ context.Context, err error, _ eventstore.RecordedEvent, _ FailureContext) ErrorOutcome {
			return Stop(err)
		}
	}
	if c.BeforeReset == nil {
		c.BeforeReset = func(context.Context) error { return nil }
	}
	return c
}
