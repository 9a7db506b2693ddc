// Package supervisor restarts a crashed Handler Runtime agent with
// exponential backoff, so a transient store or handler failure does not
// require operator intervention to recover.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arborq/eventhandler/internal/eventstore"
	"github.com/arborq/eventhandler/internal/handler"
	"github.com/arborq/eventhandler/internal/logging"
	"github.com/arborq/eventhandler/internal/metrics"
)

// Status is a point-in-time snapshot of a supervised agent.
type Status struct {
	Restarts    int
	LastErr     error
	LastRestart time.Time
	Running     bool
}

// Supervisor restarts one Handler Runtime whenever Run returns a non-nil,
// non-context error, backing off between attempts the same way a
// subscription resubscribe does.
type Supervisor struct {
	mu      sync.RWMutex
	agent   *handler.Runtime
	backoff eventstore.Backoff
	log     *logging.Logger
	stats   Status
}

// New constructs a Supervisor for agent. backoff controls the delay between
// restarts; the zero value selects a one-second base capped at one minute.
func New(agent *handler.Runtime, backoff eventstore.Backoff, log *logging.Logger) *Supervisor {
	if log == nil {
		log = logging.NewTestLogger()
	}
	if backoff.Base == 0 {
		backoff = eventstore.NewBackoff(time.Second, time.Minute)
	}
	return &Supervisor{
		agent:   agent,
		backoff: backoff,
		log:     log.With(logging.String("component", "supervisor")),
	}
}

// Run drives the supervised agent, restarting it with backoff whenever its
// Run returns a non-nil, non-context error. It always returns nil: it exits
// when ctx is cancelled or when the agent's Run returns nil or a context
// error.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.mu.Lock()
		s.stats.Running = true
		s.mu.Unlock()

		err := s.agent.Run(ctx)

		s.mu.Lock()
		s.stats.Running = false
		s.mu.Unlock()

		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}

		s.mu.Lock()
		s.stats.Restarts++
		s.stats.LastErr = err
		s.stats.LastRestart = time.Now().UTC()
		s.mu.Unlock()

		key := s.agent.Key()
		metrics.RestartsTotal.WithLabelValues(key.Application, key.HandlerName).Inc()

		delay := s.backoff.Duration(attempt)
		attempt++
		s.log.Warn("handler agent crashed, restarting",
			logging.Error(err), logging.Int("attempt", attempt))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// Stats returns a snapshot of the supervisor's restart bookkeeping.
func (s *Supervisor) Stats() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
