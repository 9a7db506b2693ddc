// Package resolver implements the handler configuration resolver (C5):
// defaulting, validation, and deterministic normalization of the option bag
// a handler is declared with, before the runtime ever spawns an agent.
package resolver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arborq/eventhandler/internal/eventstore"
	"github.com/arborq/eventhandler/internal/registry"
)

// Options is the raw, merged option bag a handler is declared with:
// compile-time defaults overlaid with runtime overrides. Keys not named in
// knownKeys cause resolution to fail fast.
type Options map[string]any

var knownKeys = map[string]struct{}{
	"application": {},
	"name":        {},
	"start_from":  {},
	"subscribe_to": {},
	"consistency": {},
}

// Resolved is the validated, normalized configuration the runtime consumes.
type Resolved struct {
	Application string
	Name        string
	Consistency registry.Consistency
	Filter      eventstore.StreamFilter
}

// InitConfigFunc is the user-supplied `init_config` hook: given the merged
// bag it may further adjust it before validation runs, or reject it.
type InitConfigFunc func(Options) (Options, error)

// DefaultInitConfig is used when a handler does not override init_config.
func DefaultInitConfig(opts Options) (Options, error) { return opts, nil }

// Resolve validates and normalizes opts, calling initConfig first. defaultConsistency
// is the process-wide fallback (spec §9: injected configuration, never a
// hidden global) applied when opts omits "consistency".
func Resolve(opts Options, initConfig InitConfigFunc, defaultConsistency registry.Consistency) (Resolved, error) {
	if initConfig == nil {
		initConfig = DefaultInitConfig
	}
	merged, err := initConfig(opts)
	if err != nil {
		return Resolved{}, fmt.Errorf("resolver: init_config: %w", err)
	}

	var problems []string

	for key := range merged {
		if _, ok := knownKeys[key]; !ok {
			problems = append(problems, fmt.Sprintf("unrecognized option %q", key))
		}
	}

	application, _ := merged["application"].(string)
	application = strings.TrimSpace(application)
	if application == "" {
		problems = append(problems, "application is required")
	}

	name := stringifyName(merged["name"])
	if name == "" {
		problems = append(problems, "name must be a non-empty string (or stringify to one)")
	}

	consistency := defaultConsistency
	if consistency == "" {
		consistency = registry.Eventual
	}
	if raw, ok := merged["consistency"]; ok {
		s, _ := raw.(string)
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "strong":
			consistency = registry.Strong
		case "eventual":
			consistency = registry.Eventual
		default:
			problems = append(problems, fmt.Sprintf("consistency must be %q or %q, got %v", "eventual", "strong", raw))
		}
	}

	filter, startFromProblem := resolveFilter(merged)
	if startFromProblem != "" {
		problems = append(problems, startFromProblem)
	}

	if len(problems) > 0 {
		return Resolved{}, fmt.Errorf("resolver: %s", strings.Join(problems, "; "))
	}

	return Resolved{
		Application: application,
		Name:        name,
		Consistency: consistency,
		Filter:      filter,
	}, nil
}

func resolveFilter(opts Options) (eventstore.StreamFilter, string) {
	filter := eventstore.StreamFilter{StartFrom: eventstore.StartFromBeginning}

	if raw, ok := opts["subscribe_to"]; ok {
		s, _ := raw.(string)
		s = strings.TrimSpace(s)
		if s != "" && s != "all" {
			filter.Prefix = s
		}
	}

	raw, ok := opts["start_from"]
	if !ok {
		return filter, ""
	}
	switch v := raw.(type) {
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "", "origin":
			filter.StartFrom = eventstore.StartFromBeginning
		case "current":
			filter.StartFrom = eventstore.StartFromEnd
		default:
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return filter, fmt.Sprintf("start_from must be %q, %q, or a non-negative integer, got %v", "origin", "current", raw)
			}
			filter.StartFrom = eventstore.StartFromOffset
			filter.StartOffset = n
		}
	case int:
		if v < 0 {
			return filter, fmt.Sprintf("start_from must be a non-negative integer, got %v", raw)
		}
		filter.StartFrom = eventstore.StartFromOffset
		filter.StartOffset = uint64(v)
	case uint64:
		filter.StartFrom = eventstore.StartFromOffset
		filter.StartOffset = v
	default:
		return filter, fmt.Sprintf("start_from has unsupported type %T", raw)
	}
	return filter, ""
}

// stringifyName deterministically normalizes structured identifiers to a
// stable string, per spec §9's "structured identifiers as names" note.
func stringifyName(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}
