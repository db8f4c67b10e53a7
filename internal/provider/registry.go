// Package provider implements the registry of upstream data providers:
// per-provider health counters, derived health scores and the per-provider
// circuit breaker latch.
package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeguard/resilience/internal/domain"
	"github.com/tradeguard/resilience/internal/persistence"
)

// casRetries bounds transparent retries of a lost read-modify-write race.
const casRetries = 3

// BreakerPolicy controls when the registry proposes opening a breaker.
// The registry itself never trips a breaker; callers apply the proposal so
// threshold policy stays visible and testable.
type BreakerPolicy struct {
	TripThreshold float64 `yaml:"trip_threshold"` // health score below which a trip is proposed
	AutoTrip      bool    `yaml:"auto_trip"`      // whether the ingest path applies proposals
}

// DefaultBreakerPolicy matches the documented defaults.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{TripThreshold: 0.5, AutoTrip: true}
}

// TripProposal asks the caller to open a provider's breaker because its
// health score crossed the policy threshold while the provider was enabled.
type TripProposal struct {
	Provider    string
	HealthScore float64
	Threshold   float64
}

// Snapshot is the aggregate provider tally consumed by the resilience
// state machine. A provider counts as up when it is enabled, active and its
// breaker is closed.
type Snapshot struct {
	ProvidersUp    int `json:"providers_up"`
	ProvidersTotal int `json:"providers_total"`
}

// Stats aggregates registry-wide health for dashboards.
type Stats struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	BreakersOpen   int            `json:"breakers_open"`
	AvgHealthScore float64        `json:"avg_health_score"`
	SuccessRate    float64        `json:"success_rate"`
}

// Registry owns ProviderRecord mutation. All writes go through a bounded
// CAS retry loop so concurrent outcome recording never loses an increment.
type Registry struct {
	store  persistence.ProviderStore
	policy BreakerPolicy
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store persistence.ProviderStore, policy BreakerPolicy) *Registry {
	return &Registry{store: store, policy: policy}
}

// Policy returns the configured breaker policy.
func (r *Registry) Policy() BreakerPolicy { return r.policy }

// Register creates the record for a provider name on first sight. Registering
// an existing name is a no-op that returns the current record.
func (r *Registry) Register(ctx context.Context, name string, priority int) (*persistence.ProviderRecord, error) {
	if strings.TrimSpace(name) == "" {
		return nil, domain.NewValidationError("provider_name", "must not be empty")
	}

	rec := &persistence.ProviderRecord{
		Name:        name,
		Enabled:     true,
		Priority:    priority,
		Status:      domain.StatusActive,
		HealthScore: 1.0, // optimistic until evidence
	}
	err := r.store.PutProvider(ctx, rec)
	if errors.Is(err, domain.ErrConflict) {
		return r.store.GetProvider(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("provider", name).Int("priority", priority).Msg("provider registered")
	return rec, nil
}

// Get returns the record for one provider.
func (r *Registry) Get(ctx context.Context, name string) (*persistence.ProviderRecord, error) {
	return r.store.GetProvider(ctx, name)
}

// List returns all provider records, highest priority first.
func (r *Registry) List(ctx context.Context) ([]persistence.ProviderRecord, error) {
	return r.store.ListProviders(ctx)
}

// RecordOutcome increments the matching counter and recomputes the health
// score. When the score falls below the policy threshold on an enabled
// provider with a closed breaker, a TripProposal is returned alongside.
func (r *Registry) RecordOutcome(ctx context.Context, name string, success bool) (*persistence.ProviderRecord, *TripProposal, error) {
	return r.RecordOutcomes(ctx, name, OutcomeBatch{Successes: b2u(success), Failures: b2u(!success)})
}

// OutcomeBatch is a coalesced set of outcome deltas for one provider.
type OutcomeBatch struct {
	Successes uint64
	Failures  uint64
}

// RecordOutcomes applies a coalesced batch of outcome deltas in one atomic
// update, preserving per-batch atomicity under concurrent ingestion.
func (r *Registry) RecordOutcomes(ctx context.Context, name string, batch OutcomeBatch) (*persistence.ProviderRecord, *TripProposal, error) {
	rec, err := r.update(ctx, name, func(rec *persistence.ProviderRecord) error {
		rec.SuccessCount += batch.Successes
		rec.ErrorCount += batch.Failures
		rec.HealthScore = healthScore(rec.SuccessCount, rec.ErrorCount)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var proposal *TripProposal
	if rec.Enabled && !rec.BreakerOpen && rec.HealthScore < r.policy.TripThreshold {
		proposal = &TripProposal{
			Provider:    name,
			HealthScore: rec.HealthScore,
			Threshold:   r.policy.TripThreshold,
		}
	}
	return rec, proposal, nil
}

// SetEnabled toggles a provider. Enabling does not clear an open breaker;
// callers must CloseBreaker explicitly, so an enabled record behind an open
// breaker still counts as down.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) (*persistence.ProviderRecord, error) {
	rec, err := r.update(ctx, name, func(rec *persistence.ProviderRecord) error {
		if rec.BreakerOpen {
			// breaker keeps the provider forced off until explicitly closed
			rec.Enabled = false
			return nil
		}
		rec.Enabled = enabled
		if !enabled {
			rec.Status = domain.StatusInactive
		} else if rec.Status == domain.StatusInactive {
			rec.Status = domain.StatusActive
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("provider", name).Bool("enabled", rec.Enabled).Msg("provider toggled")
	return rec, nil
}

// SetPriority updates the provider's selection priority. Pure update, no
// side effects; consumers of health decide fallback order.
func (r *Registry) SetPriority(ctx context.Context, name string, priority int) (*persistence.ProviderRecord, error) {
	return r.update(ctx, name, func(rec *persistence.ProviderRecord) error {
		rec.Priority = priority
		return nil
	})
}

// SetStatus moves a provider between lifecycle statuses (e.g. maintenance).
func (r *Registry) SetStatus(ctx context.Context, name string, status domain.ProviderStatus) (*persistence.ProviderRecord, error) {
	if !status.Valid() {
		return nil, domain.NewValidationError("status", "unknown provider status")
	}
	return r.update(ctx, name, func(rec *persistence.ProviderRecord) error {
		rec.Status = status
		return nil
	})
}

// OpenBreaker latches the provider's breaker: disabled, degraded, timestamped.
// Re-opening an open breaker is a no-op that still refreshes the reason.
func (r *Registry) OpenBreaker(ctx context.Context, name, reason string) (*persistence.ProviderRecord, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, domain.NewValidationError("reason", "must not be empty")
	}
	rec, err := r.update(ctx, name, func(rec *persistence.ProviderRecord) error {
		if rec.BreakerOpen {
			rec.BreakerReason = reason
			return nil
		}
		now := time.Now().UTC()
		rec.BreakerOpen = true
		rec.BreakerReason = reason
		rec.BreakerOpenedAt = &now
		rec.Enabled = false
		rec.Status = domain.StatusDegraded
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Warn().Str("provider", name).Str("reason", reason).Msg("circuit breaker opened")
	return rec, nil
}

// CloseBreaker clears the latch and re-enables the provider. The error
// counter resets to zero; the success counter is retained as history.
func (r *Registry) CloseBreaker(ctx context.Context, name string) (*persistence.ProviderRecord, error) {
	rec, err := r.update(ctx, name, func(rec *persistence.ProviderRecord) error {
		rec.BreakerOpen = false
		rec.BreakerReason = ""
		rec.BreakerOpenedAt = nil
		rec.Enabled = true
		rec.Status = domain.StatusActive
		rec.ErrorCount = 0
		rec.HealthScore = healthScore(rec.SuccessCount, rec.ErrorCount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("provider", name).Msg("circuit breaker closed")
	return rec, nil
}

// Snapshot tallies up/total across all providers. A failed read surfaces to
// the caller so evaluation can be skipped instead of guessing.
func (r *Registry) Snapshot(ctx context.Context) (Snapshot, error) {
	recs, err := r.store.ListProviders(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{ProvidersTotal: len(recs)}
	for _, rec := range recs {
		if rec.Enabled && rec.Status == domain.StatusActive && !rec.BreakerOpen {
			snap.ProvidersUp++
		}
	}
	return snap, nil
}

// Stats aggregates registry-wide health for the read surface.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	recs, err := r.store.ListProviders(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Total: len(recs), ByStatus: make(map[string]int)}
	var scoreSum float64
	var successes, total uint64
	for _, rec := range recs {
		stats.ByStatus[string(rec.Status)]++
		if rec.BreakerOpen {
			stats.BreakersOpen++
		}
		scoreSum += rec.HealthScore
		successes += rec.SuccessCount
		total += rec.SuccessCount + rec.ErrorCount
	}
	if len(recs) > 0 {
		stats.AvgHealthScore = scoreSum / float64(len(recs))
	}
	if total > 0 {
		stats.SuccessRate = float64(successes) / float64(total)
	} else {
		stats.SuccessRate = 1.0
	}
	return stats, nil
}

// update runs a bounded CAS retry loop around a single record mutation.
func (r *Registry) update(ctx context.Context, name string, mutate func(*persistence.ProviderRecord) error) (*persistence.ProviderRecord, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, err := r.store.GetProvider(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := mutate(rec); err != nil {
			return nil, err
		}
		err = r.store.PutProvider(ctx, rec)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, domain.ErrConflict
}

// healthScore derives the score from the monotonic counters, clamped to
// [0,1], defaulting to 1.0 when no outcomes have been recorded.
func healthScore(successes, errors uint64) float64 {
	total := successes + errors
	if total == 0 {
		return 1.0
	}
	score := float64(successes) / float64(total)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
