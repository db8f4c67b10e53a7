// Package resilience arbitrates the system-wide operating mode from
// aggregate provider health. Mode transitions happen automatically on
// evaluation passes unless an operator holds a manual override; every
// transition lands in the append-only event log.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeguard/resilience/internal/domain"
	"github.com/tradeguard/resilience/internal/notify"
	"github.com/tradeguard/resilience/internal/persistence"
	"github.com/tradeguard/resilience/internal/provider"
	"github.com/tradeguard/resilience/internal/telemetry"
)

const casRetries = 3

// Thresholds of the recommended-mode function. healthPct below partialBelow
// recommends partial mode; below shadowBelow recommends the shadow data path.
const (
	partialBelow = 0.5
	shadowBelow  = 0.7
)

// Snapshotter yields the provider tally the mode decision is computed from.
type Snapshotter interface {
	Snapshot(ctx context.Context) (provider.Snapshot, error)
}

// StateMachine owns the resilience singleton. Providers are read-only from
// its point of view; it never mutates the registry.
type StateMachine struct {
	store     persistence.ResilienceStore
	providers Snapshotter
	publisher notify.Publisher
	metrics   *telemetry.Metrics
}

func NewStateMachine(store persistence.ResilienceStore, providers Snapshotter, publisher notify.Publisher, metrics *telemetry.Metrics) *StateMachine {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &StateMachine{store: store, providers: providers, publisher: publisher, metrics: metrics}
}

// RecommendMode is the pure mode decision: zero providers up is always
// degraded, under half up is partial, otherwise normal.
func RecommendMode(up, total int) domain.Mode {
	if up == 0 {
		return domain.ModeDegraded
	}
	if HealthPct(up, total) < partialBelow {
		return domain.ModePartial
	}
	return domain.ModeNormal
}

// ShadowRecommended reports whether the fallback data path should engage.
func ShadowRecommended(up, total int) bool {
	return HealthPct(up, total) < shadowBelow
}

// HealthPct is up/total, 0 when no providers are registered.
func HealthPct(up, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(up) / float64(total)
}

// State returns the current resilience singleton, seeding the default on
// first access.
func (m *StateMachine) State(ctx context.Context) (*persistence.ResilienceRecord, error) {
	return m.load(ctx)
}

// load reads the singleton, substituting a fresh default (normal mode,
// auto recovery on, Version 0 so the next Put inserts) when none exists.
func (m *StateMachine) load(ctx context.Context) (*persistence.ResilienceRecord, error) {
	rec, err := m.store.GetResilienceState(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return &persistence.ResilienceRecord{
			CurrentMode:         domain.ModeNormal,
			AutoRecoveryEnabled: true,
			LastModeChange:      time.Now().UTC(),
		}, nil
	}
	return rec, err
}

// Events reads the resilience audit log, newest first.
func (m *StateMachine) Events(ctx context.Context, f persistence.EventFilter) ([]persistence.ResilienceEvent, error) {
	return m.store.ListResilienceEvents(ctx, f)
}

// Evaluate recomputes the mode from a fresh provider snapshot. While a
// manual override is held, or auto recovery is disabled, only the health
// tally fields move; the mode stays put and no transition event is written.
// A failed snapshot leaves state untouched so transient registry errors
// cannot flap the mode.
func (m *StateMachine) Evaluate(ctx context.Context) (*persistence.ResilienceRecord, error) {
	started := time.Now()

	snap, err := m.providers.Snapshot(ctx)
	if err != nil {
		log.Error().Err(err).Msg("resilience: provider snapshot unavailable, mode unchanged")
		return nil, domain.NewDependencyError("provider-registry", err)
	}

	recommended := RecommendMode(snap.ProvidersUp, snap.ProvidersTotal)
	shadow := ShadowRecommended(snap.ProvidersUp, snap.ProvidersTotal)

	var transition *persistence.ResilienceEvent
	rec, err := m.update(ctx, func(rec *persistence.ResilienceRecord) ([]persistence.ResilienceEvent, error) {
		transition = nil
		rec.ProvidersUp = snap.ProvidersUp
		rec.ProvidersTotal = snap.ProvidersTotal
		rec.ShadowModeActive = shadow

		if rec.ManualOverride || !rec.AutoRecoveryEnabled || recommended == rec.CurrentMode {
			return nil, nil
		}

		ev := persistence.ResilienceEvent{
			EventType: domain.EventAutoRecovery,
			FromMode:  rec.CurrentMode,
			ToMode:    recommended,
			Reason:    "aggregate provider health changed",
			Automatic: true,
			EventData: domain.HealthSnapshot{
				ProvidersUp:    snap.ProvidersUp,
				ProvidersTotal: snap.ProvidersTotal,
				HealthPct:      HealthPct(snap.ProvidersUp, snap.ProvidersTotal),
			},
		}
		rec.CurrentMode = recommended
		rec.LastModeChange = time.Now().UTC()
		transition = &ev
		return []persistence.ResilienceEvent{ev}, nil
	})
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.SetMode(rec.CurrentMode)
		m.metrics.SetProviders(rec.ProvidersUp, rec.ProvidersTotal)
		m.metrics.ObserveEvaluation(time.Since(started))
	}
	if transition != nil {
		log.Info().
			Str("from", string(transition.FromMode)).
			Str("to", string(transition.ToMode)).
			Int("providers_up", snap.ProvidersUp).
			Int("providers_total", snap.ProvidersTotal).
			Msg("resilience mode transition")
		m.publisher.PublishResilienceEvent(ctx, *transition)
	}
	return rec, nil
}

// OverrideMode pins the mode to an operator choice. Automatic evaluation
// keeps updating the health tally but cannot move the mode until the
// override is cleared.
func (m *StateMachine) OverrideMode(ctx context.Context, mode domain.Mode, reason, operatorID string) (*persistence.ResilienceRecord, error) {
	if !mode.Valid() {
		return nil, domain.NewValidationError("mode", "unknown mode "+string(mode))
	}
	if reason == "" {
		return nil, domain.NewValidationError("reason", "must not be empty")
	}
	if operatorID == "" {
		return nil, domain.NewValidationError("operator_id", "must not be empty")
	}

	var ev persistence.ResilienceEvent
	rec, err := m.update(ctx, func(rec *persistence.ResilienceRecord) ([]persistence.ResilienceEvent, error) {
		ev = persistence.ResilienceEvent{
			EventType:   domain.EventManualOverride,
			FromMode:    rec.CurrentMode,
			ToMode:      mode,
			Reason:      reason,
			Automatic:   false,
			TriggeredBy: operatorID,
		}
		rec.ManualOverride = true
		rec.OverrideReason = reason
		rec.OverrideBy = operatorID
		if rec.CurrentMode != mode {
			rec.CurrentMode = mode
			rec.LastModeChange = time.Now().UTC()
		}
		return []persistence.ResilienceEvent{ev}, nil
	})
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.SetMode(rec.CurrentMode)
	}
	log.Warn().Str("mode", string(mode)).Str("operator", operatorID).Str("reason", reason).
		Msg("resilience mode manually overridden")
	m.publisher.PublishResilienceEvent(ctx, ev)
	return rec, nil
}

// ClearOverride releases the manual pin. The mode itself does not move;
// the next evaluation pass is free to change it again.
func (m *StateMachine) ClearOverride(ctx context.Context, operatorID string) (*persistence.ResilienceRecord, error) {
	if operatorID == "" {
		return nil, domain.NewValidationError("operator_id", "must not be empty")
	}

	var ev persistence.ResilienceEvent
	rec, err := m.update(ctx, func(rec *persistence.ResilienceRecord) ([]persistence.ResilienceEvent, error) {
		ev = persistence.ResilienceEvent{
			EventType:   domain.EventOverrideCleared,
			FromMode:    rec.CurrentMode,
			ToMode:      rec.CurrentMode,
			Reason:      "manual override cleared",
			Automatic:   false,
			TriggeredBy: operatorID,
		}
		rec.ManualOverride = false
		rec.OverrideReason = ""
		rec.OverrideBy = ""
		return []persistence.ResilienceEvent{ev}, nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("operator", operatorID).Msg("resilience override cleared")
	m.publisher.PublishResilienceEvent(ctx, ev)
	return rec, nil
}

// SetAutoRecovery toggles automatic mode transitions.
func (m *StateMachine) SetAutoRecovery(ctx context.Context, enabled bool, operatorID string) (*persistence.ResilienceRecord, error) {
	if operatorID == "" {
		return nil, domain.NewValidationError("operator_id", "must not be empty")
	}

	var ev persistence.ResilienceEvent
	rec, err := m.update(ctx, func(rec *persistence.ResilienceRecord) ([]persistence.ResilienceEvent, error) {
		reason := "auto recovery disabled"
		if enabled {
			reason = "auto recovery enabled"
		}
		ev = persistence.ResilienceEvent{
			EventType:   domain.EventAutoRecoveryToggled,
			FromMode:    rec.CurrentMode,
			ToMode:      rec.CurrentMode,
			Reason:      reason,
			Automatic:   false,
			TriggeredBy: operatorID,
		}
		rec.AutoRecoveryEnabled = enabled
		return []persistence.ResilienceEvent{ev}, nil
	})
	if err != nil {
		return nil, err
	}

	m.publisher.PublishResilienceEvent(ctx, ev)
	return rec, nil
}

// RecordBreakerEvent appends a breaker audit entry. The mode does not move;
// fromMode == toMode marks the entry as informational in the log.
func (m *StateMachine) RecordBreakerEvent(ctx context.Context, eventType, reason string, info domain.BreakerInfo, automatic bool, triggeredBy string) error {
	var ev persistence.ResilienceEvent
	_, err := m.update(ctx, func(rec *persistence.ResilienceRecord) ([]persistence.ResilienceEvent, error) {
		ev = persistence.ResilienceEvent{
			EventType:   eventType,
			FromMode:    rec.CurrentMode,
			ToMode:      rec.CurrentMode,
			Reason:      reason,
			Automatic:   automatic,
			TriggeredBy: triggeredBy,
			EventData:   info,
		}
		return []persistence.ResilienceEvent{ev}, nil
	})
	if err != nil {
		return err
	}
	m.publisher.PublishResilienceEvent(ctx, ev)
	return nil
}

// update runs a read-modify-write against the singleton, retrying a
// bounded number of times when a concurrent writer bumps the version.
func (m *StateMachine) update(ctx context.Context, mutate func(*persistence.ResilienceRecord) ([]persistence.ResilienceEvent, error)) (*persistence.ResilienceRecord, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, err := m.load(ctx)
		if err != nil {
			return nil, err
		}
		events, err := mutate(rec)
		if err != nil {
			return nil, err
		}
		if err := m.store.PutResilienceState(ctx, rec, events...); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return rec, nil
	}
	return nil, lastErr
}
