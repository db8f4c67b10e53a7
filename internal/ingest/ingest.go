// Package ingest accepts the two push feeds the core consumes: provider
// probe outcomes and portfolio snapshots. Both sinks decouple producers
// from storage with a buffered channel and a coalescing worker, so a burst
// of samples costs one read-modify-write per provider per flush instead of
// one per sample.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tradeguard/resilience/internal/domain"
	"github.com/tradeguard/resilience/internal/provider"
	"github.com/tradeguard/resilience/internal/resilience"
	"github.com/tradeguard/resilience/internal/risk"
	"github.com/tradeguard/resilience/internal/telemetry"
)

const (
	defaultBuffer   = 1024
	defaultFlushMax = 4 // flushes per second
	drainTick       = 100 * time.Millisecond
)

// SampleSink ingests provider probe outcomes. Samples are coalesced into
// per-provider counter batches and applied atomically; when a batch drops a
// provider's health score under the trip threshold and auto-trip is on,
// the breaker opens and the mode is re-evaluated in the same flush.
type SampleSink struct {
	registry *provider.Registry
	machine  *resilience.StateMachine
	metrics  *telemetry.Metrics

	samples chan domain.HealthSample
	limiter *rate.Limiter

	mu      sync.Mutex
	dropped uint64
}

func NewSampleSink(registry *provider.Registry, machine *resilience.StateMachine, metrics *telemetry.Metrics) *SampleSink {
	return &SampleSink{
		registry: registry,
		machine:  machine,
		metrics:  metrics,
		samples:  make(chan domain.HealthSample, defaultBuffer),
		limiter:  rate.NewLimiter(rate.Limit(defaultFlushMax), 1),
	}
}

// Offer enqueues a sample without blocking. A full buffer drops the sample
// and reports false; probe tasks must never stall on the core.
func (s *SampleSink) Offer(sample domain.HealthSample) bool {
	select {
	case s.samples <- sample:
		return true
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return false
	}
}

// Dropped reports how many samples were shed due to backpressure.
func (s *SampleSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run consumes the buffer until ctx is cancelled, then applies whatever is
// still pending. Flush cadence is bounded by the rate limiter.
func (s *SampleSink) Run(ctx context.Context) {
	pending := make(map[string]provider.OutcomeBatch)
	ticker := time.NewTicker(drainTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain(pending)
			s.flush(context.Background(), pending)
			return
		case sample := <-s.samples:
			coalesce(pending, sample)
		case <-ticker.C:
			s.drain(pending)
			if len(pending) == 0 || !s.limiter.Allow() {
				continue
			}
			s.flush(ctx, pending)
		}
	}
}

// drain moves everything currently buffered into the pending batches.
func (s *SampleSink) drain(pending map[string]provider.OutcomeBatch) {
	for {
		select {
		case sample := <-s.samples:
			coalesce(pending, sample)
		default:
			return
		}
	}
}

func coalesce(pending map[string]provider.OutcomeBatch, sample domain.HealthSample) {
	batch := pending[sample.Provider]
	if sample.Success {
		batch.Successes++
	} else {
		batch.Failures++
	}
	pending[sample.Provider] = batch
}

// flush applies every pending batch, auto-trips breakers on proposals, and
// triggers one mode re-evaluation. Applied batches are removed from
// pending; conflicted ones stay for the next flush.
func (s *SampleSink) flush(ctx context.Context, pending map[string]provider.OutcomeBatch) {
	tripped := false
	for name, batch := range pending {
		rec, proposal, err := s.registry.RecordOutcomes(ctx, name, batch)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			log.Warn().Str("provider", name).Msg("ingest: samples for unknown provider dropped")
			delete(pending, name)
			continue
		case errors.Is(err, domain.ErrConflict):
			// Keep the batch; counters are deltas so retrying next flush is safe.
			continue
		case err != nil:
			log.Error().Err(err).Str("provider", name).Msg("ingest: flush failed")
			continue
		}
		delete(pending, name)

		if s.metrics != nil {
			s.metrics.IncSamples(true, int(batch.Successes))
			s.metrics.IncSamples(false, int(batch.Failures))
			s.metrics.SetHealthScore(name, rec.HealthScore)
		}

		if proposal != nil && s.registry.Policy().AutoTrip {
			s.trip(ctx, *proposal)
			tripped = true
		}
	}

	if _, err := s.machine.Evaluate(ctx); err != nil {
		log.Warn().Err(err).Bool("after_trip", tripped).Msg("ingest: evaluation after flush failed")
	}
}

func (s *SampleSink) trip(ctx context.Context, p provider.TripProposal) {
	reason := fmt.Sprintf("health score %.2f below threshold %.2f", p.HealthScore, p.Threshold)
	if _, err := s.registry.OpenBreaker(ctx, p.Provider, reason); err != nil {
		log.Error().Err(err).Str("provider", p.Provider).Msg("ingest: auto-trip failed")
		return
	}
	info := domain.BreakerInfo{Provider: p.Provider, HealthScore: p.HealthScore}
	if err := s.machine.RecordBreakerEvent(ctx, domain.EventBreakerTripped, reason, info, true, domain.SystemActor); err != nil {
		log.Error().Err(err).Str("provider", p.Provider).Msg("ingest: breaker trip audit failed")
	}
	if s.metrics != nil {
		s.metrics.IncBreakerTrip(p.Provider, true)
	}
}

// PortfolioSink ingests portfolio snapshots. Only the most recent snapshot
// matters for the killswitch decision, so the worker keeps latest-wins
// semantics instead of a queue.
type PortfolioSink struct {
	killswitch *risk.Killswitch

	snapshots chan domain.PortfolioSnapshot
}

func NewPortfolioSink(killswitch *risk.Killswitch) *PortfolioSink {
	return &PortfolioSink{
		killswitch: killswitch,
		snapshots:  make(chan domain.PortfolioSnapshot, 16),
	}
}

// Offer enqueues a snapshot without blocking. When the buffer is full the
// oldest snapshot is discarded; stale observations have no decision value.
func (p *PortfolioSink) Offer(snap domain.PortfolioSnapshot) bool {
	for {
		select {
		case p.snapshots <- snap:
			return true
		default:
			select {
			case <-p.snapshots:
			default:
			}
		}
	}
}

// Run evaluates snapshots until ctx is cancelled.
func (p *PortfolioSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-p.snapshots:
			// Collapse any backlog down to the newest observation.
			for {
				select {
				case next := <-p.snapshots:
					if next.Timestamp.After(snap.Timestamp) {
						snap = next
					}
					continue
				default:
				}
				break
			}

			a := risk.Assess(snap)
			if _, activated, err := p.killswitch.EvaluateRisk(ctx, a); err != nil {
				log.Error().Err(err).Str("level", string(a.Level)).Msg("ingest: risk evaluation failed")
			} else if activated {
				log.Error().
					Float64("pnl_pct", a.PnLPct).
					Float64("var_pct", a.VaRPct).
					Bool("alert", a.AlertTriggered).
					Msg("ingest: extreme risk, killswitch engaged")
			}
		}
	}
}
