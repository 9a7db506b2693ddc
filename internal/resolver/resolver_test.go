package resolver

import (
	"testing"

	"github.com/arborq/eventhandler/internal/eventstore"
	"github.com/arborq/eventhandler/internal/registry"
)

func TestResolveAppliesDefaults(t *testing.T) {
	resolved, err := Resolve(Options{
		"application": "ledger",
		"name":        "balance-projector",
	}, nil, registry.Eventual)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Application != "ledger" || resolved.Name != "balance-projector" {
		t.Fatalf("unexpected resolved identity: %+v", resolved)
	}
	if resolved.Consistency != registry.Eventual {
		t.Fatalf("expected default consistency eventual, got %v", resolved.Consistency)
	}
	if resolved.Filter.StartFrom != eventstore.StartFromBeginning {
		t.Fatalf("expected default start_from origin, got %v", resolved.Filter.StartFrom)
	}
}

func TestResolveStringifiesStructuredName(t *testing.T) {
	resolved, err := Resolve(Options{
		"application": "ledger",
		"name":        stringerName("balance-projector-v2"),
	}, nil, registry.Eventual)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Name != "balance-projector-v2" {
		t.Fatalf("expected stringified name, got %q", resolved.Name)
	}
}

func TestResolveRejectsUnknownOptions(t *testing.T) {
	_, err := Resolve(Options{
		"application": "ledger",
		"name":        "p",
		"bogus":       true,
	}, nil, registry.Eventual)
	if err == nil {
		t.Fatal("expected unknown option to be rejected")
	}
}

func TestResolveRejectsMissingApplication(t *testing.T) {
	_, err := Resolve(Options{"name": "p"}, nil, registry.Eventual)
	if err == nil {
		t.Fatal("expected missing application to be rejected")
	}
}

func TestResolveParsesExplicitOffset(t *testing.T) {
	resolved, err := Resolve(Options{
		"application": "ledger",
		"name":        "p",
		"start_from":  "42",
	}, nil, registry.Eventual)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Filter.StartFrom != eventstore.StartFromOffset || resolved.Filter.StartOffset != 42 {
		t.Fatalf("expected explicit offset 42, got %+v", resolved.Filter)
	}
}

func TestResolveUsesInitConfigHook(t *testing.T) {
	hook := func(opts Options) (Options, error) {
		merged := Options{}
		for k, v := range opts {
			merged[k] = v
		}
		merged["consistency"] = "strong"
		return merged, nil
	}
	resolved, err := Resolve(Options{"application": "ledger", "name": "p"}, hook, registry.Eventual)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Consistency != registry.Strong {
		t.Fatalf("expected init_config override to apply, got %v", resolved.Consistency)
	}
}

type stringerName string

func (s stringerName) String() string { return string(s) }
