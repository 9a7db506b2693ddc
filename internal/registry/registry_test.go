package registry

import (
	"context"
	"testing"
	"time"
)

func TestWaitForUnblocksOnAck(t *testing.T) {
	//1.- Arrange a registered strong handler and a goroutine waiting for position 3.
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := Key{Application: "ledger", HandlerName: "projector"}
	unregister := r.Register(ctx, key, Strong)
	defer unregister()

	done := make(chan error, 1)
	go func() {
		done <- r.WaitFor(context.Background(), key, 3, time.Second)
	}()

	select {
	case <-done:
		t.Fatal("expected WaitFor to block before the ack arrives")
	case <-time.After(20 * time.Millisecond):
	}

	r.Ack(key, 1)
	r.Ack(key, 3)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected WaitFor to succeed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for WaitFor to unblock")
	}
}

func TestWaitForTimesOut(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := Key{Application: "ledger", HandlerName: "projector"}
	unregister := r.Register(ctx, key, Strong)
	defer unregister()

	err := r.WaitFor(context.Background(), key, 1, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestUnknownKeyReturnsError(t *testing.T) {
	r := New()
	err := r.WaitFor(context.Background(), Key{Application: "ledger", HandlerName: "ghost"}, 1, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected error for unregistered key")
	}
}

func TestCancellationDeregisters(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	key := Key{Application: "ledger", HandlerName: "projector"}
	r.Register(ctx, key, Strong)

	cancel()
	//1.- Give the liveness-watch goroutine a moment to observe cancellation.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(r.List()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected registry entry to be removed after context cancellation")
}

func TestWaitForAllUnblocksOnceEveryHandlerAcks(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	projector := Key{Application: "ledger", HandlerName: "projector"}
	indexer := Key{Application: "ledger", HandlerName: "indexer"}
	r.Register(ctx, projector, Strong)
	r.Register(ctx, indexer, Strong)

	done := make(chan error, 1)
	go func() {
		_, err := r.WaitForAll(context.Background(), "ledger", []string{"projector", "indexer"}, 3, time.Second)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("expected WaitForAll to block until both handlers ack")
	case <-time.After(20 * time.Millisecond):
	}

	r.Ack(projector, 3)
	r.Ack(indexer, 3)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected WaitForAll to succeed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for WaitForAll to unblock")
	}
}

func TestWaitForAllReportsPendingHandlersOnTimeout(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	projector := Key{Application: "ledger", HandlerName: "projector"}
	indexer := Key{Application: "ledger", HandlerName: "indexer"}
	r.Register(ctx, projector, Strong)
	r.Register(ctx, indexer, Strong)

	r.Ack(projector, 3)

	pending, err := r.WaitForAll(context.Background(), "ledger", []string{"projector", "indexer"}, 3, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if len(pending) != 1 || pending[0] != "indexer" {
		t.Fatalf("expected only indexer reported pending, got %+v", pending)
	}
}

func TestListStrongFiltersByConsistency(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	strongKey := Key{Application: "ledger", HandlerName: "strong-projector"}
	eventualKey := Key{Application: "ledger", HandlerName: "eventual-projector"}
	r.Register(ctx, strongKey, Strong)
	r.Register(ctx, eventualKey, Eventual)

	strong := r.ListStrong()
	if len(strong) != 1 || strong[0].Key != strongKey {
		t.Fatalf("expected only the strong handler listed, got %+v", strong)
	}

	all := r.List()
	if len(all) != 2 {
		t.Fatalf("expected both handlers in the full listing, got %+v", all)
	}
}
