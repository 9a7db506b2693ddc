package handler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arborq/eventhandler/internal/eventstore"
	"github.com/arborq/eventhandler/internal/eventstore/memstore"
	"github.com/arborq/eventhandler/internal/registry"
	"github.com/arborq/eventhandler/internal/resolver"
)

func newTestRuntime(t *testing.T, store *memstore.Store, callbacks Callbacks) (*Runtime, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	resolved, err := resolver.Resolve(resolver.Options{
		"application": "ledger",
		"name":        "projector",
	}, nil, registry.Eventual)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	rt := New(Config{
		Resolved:  resolved,
		Store:     store,
		Registry:  reg,
		Callbacks: callbacks,
	})
	return rt, reg
}

func TestHandlerRetryThenSucceed(t *testing.T) {
	store, err := memstore.New(memstore.Config{Retain: 8})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Append("accounts-1", "Deposited", []byte("100"), nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	var mu sync.Mutex
	attempts := 0
	flakyErr := errors.New("flaky")

	callbacks := Callbacks{
		Handle: func(ctx context.Context, payload []byte, metadata map[string]string) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 3 {
				return flakyErr
			}
			return nil
		},
		Error: func(ctx context.Context, err error, event eventstore.RecordedEvent, failure FailureContext) ErrorOutcome {
			count, _ := failure.UserContext["failures"].(int)
			return Retry(map[string]any{"failures": count + 1})
		},
	}

	rt, reg := newTestRuntime(t, store, callbacks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitForAck(t, reg, rt.Key(), 1)

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 3 {
		t.Fatalf("expected exactly 3 handle invocations, got %d", got)
	}
}

func TestHandlerSkipAfterThreshold(t *testing.T) {
	store, err := memstore.New(memstore.Config{Retain: 8})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Append("accounts-1", "Deposited", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Append("accounts-1", "Withdrawn", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	var mu sync.Mutex
	handleCalls := 0

	callbacks := Callbacks{
		Handle: func(ctx context.Context, payload []byte, metadata map[string]string) error {
			mu.Lock()
			handleCalls++
			mu.Unlock()
			if metadata["event_number"] == "1" {
				return errors.New("always fails")
			}
			return nil
		},
		Error: func(ctx context.Context, err error, event eventstore.RecordedEvent, failure FailureContext) ErrorOutcome {
			count, _ := failure.UserContext["attempts"].(int)
			if count >= 2 {
				return Skip()
			}
			return Retry(map[string]any{"attempts": count + 1})
		},
	}

	rt, reg := newTestRuntime(t, store, callbacks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	//1.- Both events must eventually ack: the failing one via skip, the
	// second because delivery continues past it.
	waitForAck(t, reg, rt.Key(), 2)
}

func TestHandlerResetClearsLastSeenAndReplays(t *testing.T) {
	store, err := memstore.New(memstore.Config{Retain: 8})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Append("accounts-1", "Deposited", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	var mu sync.Mutex
	deliveries := 0

	callbacks := Callbacks{
		Handle: func(ctx context.Context, payload []byte, metadata map[string]string) error {
			mu.Lock()
			deliveries++
			mu.Unlock()
			return nil
		},
	}

	rt, reg := newTestRuntime(t, store, callbacks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitForAck(t, reg, rt.Key(), 1)

	rt.Reset()

	//1.- After reset the store replays from the beginning, so the event is
	// delivered to handle a second time.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := deliveries
		mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected reset to cause the event to be redelivered")
}

func TestHandlerCapturesPanicStackInFailureContext(t *testing.T) {
	store, err := memstore.New(memstore.Config{Retain: 8})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Append("accounts-1", "Deposited", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	var gotStack string
	callbacks := Callbacks{
		Handle: func(ctx context.Context, payload []byte, metadata map[string]string) error {
			panic("boom")
		},
		Error: func(ctx context.Context, err error, event eventstore.RecordedEvent, failure FailureContext) ErrorOutcome {
			gotStack = failure.Stack
			return Stop(err)
		},
	}

	rt, _ := newTestRuntime(t, store, callbacks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the panicking handler to stop the agent")
	}

	if gotStack == "" {
		t.Fatal("expected FailureContext.Stack to carry the recovered panic's stack trace")
	}
}

func waitForAck(t *testing.T, reg *registry.Registry, key registry.Key, position uint64) {
	t.Helper()
	if err := reg.WaitFor(context.Background(), key, position, 2*time.Second); err != nil {
		t.Fatalf("waiting for ack %d: %v", position, err)
	}
}
