package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arborq/eventhandler/internal/eventstore"
	"github.com/arborq/eventhandler/internal/eventstore/memstore"
	"github.com/arborq/eventhandler/internal/handler"
	"github.com/arborq/eventhandler/internal/registry"
	"github.com/arborq/eventhandler/internal/resolver"
)

func TestSupervisorRestartsOnFailure(t *testing.T) {
	store, err := memstore.New(memstore.Config{Retain: 8})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Append("accounts-1", "Deposited", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	alwaysFails := errors.New("always fails")
	resolved, err := resolver.Resolve(resolver.Options{
		"application": "ledger",
		"name":        "projector",
	}, nil, registry.Eventual)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	rt := handler.New(handler.Config{
		Resolved: resolved,
		Store:    store,
		Callbacks: handler.Callbacks{
			Handle: func(ctx context.Context, payload []byte, metadata map[string]string) error {
				return alwaysFails
			},
		},
	})

	sup := New(rt, eventstore.NewBackoff(5*time.Millisecond, 20*time.Millisecond), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup.Stats().Restarts >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sup.Stats().Restarts < 2 {
		t.Fatalf("expected at least 2 restarts, got %d", sup.Stats().Restarts)
	}
	if !errors.Is(sup.Stats().LastErr, alwaysFails) {
		t.Fatalf("expected last error to wrap alwaysFails, got %v", sup.Stats().LastErr)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
}
