// Package scheduler drives the periodic resilience evaluation loop.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeguard/resilience/internal/resilience"
)

// Scheduler calls Evaluate on a fixed interval. Evaluation failures are
// logged and the loop keeps going; a transient registry error must not
// stall mode arbitration.
type Scheduler struct {
	machine  *resilience.StateMachine
	interval time.Duration
}

func New(machine *resilience.StateMachine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{machine: machine, interval: interval}
}

// Run blocks until ctx is cancelled. One evaluation runs immediately so a
// restart converges without waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("evaluation loop started")

	s.evaluate(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("evaluation loop stopped")
			return
		case <-ticker.C:
			s.evaluate(ctx)
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context) {
	if _, err := s.machine.Evaluate(ctx); err != nil {
		log.Warn().Err(err).Msg("scheduled evaluation failed, mode unchanged")
	}
}
