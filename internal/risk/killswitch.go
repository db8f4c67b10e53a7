package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeguard/resilience/internal/domain"
	"github.com/tradeguard/resilience/internal/notify"
	"github.com/tradeguard/resilience/internal/persistence"
	"github.com/tradeguard/resilience/internal/telemetry"
)

const casRetries = 3

// DefaultLimits seed the killswitch configuration before an operator tunes it.
var DefaultLimits = persistence.RiskLimits{
	MaxDailyLoss:         50000,
	MaxDrawdownPct:       10,
	MaxPositionSize:      100000,
	RecoveryDelayMinutes: 30,
}

// Killswitch owns the risk controller singleton. KillswitchEnabled == true
// means trading is halted; nothing else stores that fact.
type Killswitch struct {
	store     persistence.RiskStore
	publisher notify.Publisher
	metrics   *telemetry.Metrics
	now       func() time.Time
}

func NewKillswitch(store persistence.RiskStore, publisher notify.Publisher, metrics *telemetry.Metrics) *Killswitch {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Killswitch{store: store, publisher: publisher, metrics: metrics, now: time.Now}
}

// State returns the controller singleton, seeding defaults on first access.
func (k *Killswitch) State(ctx context.Context) (*persistence.RiskControllerRecord, error) {
	return k.load(ctx)
}

// IsTradingHalted is the one sanctioned read of the inverted flag. After a
// deactivation with auto recovery off, trading stays halted until the
// recovery delay has elapsed.
func (k *Killswitch) IsTradingHalted(ctx context.Context) (bool, error) {
	rec, err := k.load(ctx)
	if err != nil {
		return false, err
	}
	if rec.KillswitchEnabled {
		return true, nil
	}
	if rec.RecoveryEligibleAt != nil && k.now().UTC().Before(*rec.RecoveryEligibleAt) {
		return true, nil
	}
	return false, nil
}

// Events reads the risk audit log, newest first.
func (k *Killswitch) Events(ctx context.Context, f persistence.EventFilter) ([]persistence.RiskEvent, error) {
	return k.store.ListRiskEvents(ctx, f)
}

// ResolveEvent marks an audit entry as acknowledged by an operator.
func (k *Killswitch) ResolveEvent(ctx context.Context, id, operatorID string) error {
	if operatorID == "" {
		return domain.NewValidationError("operator_id", "must not be empty")
	}
	return k.store.ResolveRiskEvent(ctx, id, operatorID)
}

// Activate halts trading. Re-activating an already-active switch refreshes
// the reason and timestamp; the halt itself happens once.
func (k *Killswitch) Activate(ctx context.Context, reason, actor string) (*persistence.RiskControllerRecord, error) {
	return k.activate(ctx, reason, actor, nil)
}

func (k *Killswitch) activate(ctx context.Context, reason, actor string, details any) (*persistence.RiskControllerRecord, error) {
	if reason == "" {
		return nil, domain.NewValidationError("reason", "must not be empty")
	}
	if actor == "" {
		return nil, domain.NewValidationError("actor", "must not be empty")
	}

	var ev persistence.RiskEvent
	rec, err := k.update(ctx, func(rec *persistence.RiskControllerRecord) ([]persistence.RiskEvent, error) {
		already := rec.KillswitchEnabled
		now := k.now().UTC()
		rec.KillswitchEnabled = true
		rec.TriggeredAt = &now
		rec.TriggerReason = reason
		rec.RecoveryEligibleAt = nil

		desc := fmt.Sprintf("killswitch activated by %s: %s", actor, reason)
		if already {
			desc = fmt.Sprintf("killswitch reason updated by %s: %s", actor, reason)
		}
		ev = persistence.RiskEvent{
			EventType:   domain.EventKillswitchActivated,
			Severity:    domain.SeverityCritical,
			Description: desc,
			Details:     details,
		}
		return []persistence.RiskEvent{ev}, nil
	})
	if err != nil {
		return nil, err
	}

	if k.metrics != nil {
		k.metrics.SetKillswitch(true)
	}
	log.Error().Str("actor", actor).Str("reason", reason).Msg("killswitch activated, trading halted")
	k.publisher.PublishRiskEvent(ctx, ev)
	return rec, nil
}

// Deactivate resumes trading. Deactivating an inactive switch is a no-op
// that still leaves an informational audit entry. With auto recovery off,
// RecoveryEligibleAt marks when downstream consumers may resume.
func (k *Killswitch) Deactivate(ctx context.Context, reason, actor string) (*persistence.RiskControllerRecord, error) {
	if reason == "" {
		return nil, domain.NewValidationError("reason", "must not be empty")
	}
	if actor == "" {
		return nil, domain.NewValidationError("actor", "must not be empty")
	}

	var ev persistence.RiskEvent
	rec, err := k.update(ctx, func(rec *persistence.RiskControllerRecord) ([]persistence.RiskEvent, error) {
		if !rec.KillswitchEnabled {
			ev = persistence.RiskEvent{
				EventType:   domain.EventKillswitchNoop,
				Severity:    domain.SeverityInfo,
				Description: fmt.Sprintf("deactivation by %s ignored, killswitch not active: %s", actor, reason),
			}
			return []persistence.RiskEvent{ev}, nil
		}

		now := k.now().UTC()
		rec.KillswitchEnabled = false
		if rec.AutoRecoveryEnabled {
			rec.RecoveryEligibleAt = nil
		} else {
			eligible := now.Add(time.Duration(rec.Limits.RecoveryDelayMinutes) * time.Minute)
			rec.RecoveryEligibleAt = &eligible
		}
		ev = persistence.RiskEvent{
			EventType:   domain.EventKillswitchDeactivated,
			Severity:    domain.SeverityWarning,
			Description: fmt.Sprintf("killswitch deactivated by %s: %s", actor, reason),
		}
		return []persistence.RiskEvent{ev}, nil
	})
	if err != nil {
		return nil, err
	}

	if k.metrics != nil {
		k.metrics.SetKillswitch(rec.KillswitchEnabled)
	}
	log.Warn().Str("actor", actor).Str("reason", reason).
		Bool("was_active", ev.EventType == domain.EventKillswitchDeactivated).
		Msg("killswitch deactivation requested")
	k.publisher.PublishRiskEvent(ctx, ev)
	return rec, nil
}

// EvaluateRisk applies an assessment: extreme risk activates the killswitch
// once, on behalf of the system actor. Repeat extreme assessments while the
// switch is already engaged are no-ops.
func (k *Killswitch) EvaluateRisk(ctx context.Context, a Assessment) (*persistence.RiskControllerRecord, bool, error) {
	if k.metrics != nil {
		k.metrics.SetRiskLevel(a.Level)
	}

	rec, err := k.load(ctx)
	if err != nil {
		return nil, false, err
	}
	if a.Level != domain.RiskExtreme || rec.KillswitchEnabled {
		return rec, false, nil
	}

	trigger := domain.RiskTrigger{
		Level:      a.Level,
		PnLPct:     a.PnLPct,
		VaRPct:     a.VaRPct,
		AlertFired: a.AlertTriggered,
	}
	rec, err = k.activate(ctx, "risk threshold exceeded", domain.SystemActor, trigger)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// UpdateConfiguration replaces the risk limits after range validation.
func (k *Killswitch) UpdateConfiguration(ctx context.Context, limits persistence.RiskLimits, operatorID string) (*persistence.RiskControllerRecord, error) {
	if operatorID == "" {
		return nil, domain.NewValidationError("operator_id", "must not be empty")
	}
	if limits.MaxDailyLoss <= 0 {
		return nil, domain.NewValidationError("max_daily_loss", "must be positive")
	}
	if limits.MaxDrawdownPct <= 0 || limits.MaxDrawdownPct > 100 {
		return nil, domain.NewValidationError("max_drawdown_pct", "must be in (0, 100]")
	}
	if limits.MaxPositionSize <= 0 {
		return nil, domain.NewValidationError("max_position_size", "must be positive")
	}
	if limits.RecoveryDelayMinutes < 0 {
		return nil, domain.NewValidationError("recovery_delay_minutes", "must not be negative")
	}

	var ev persistence.RiskEvent
	rec, err := k.update(ctx, func(rec *persistence.RiskControllerRecord) ([]persistence.RiskEvent, error) {
		rec.Limits = limits
		ev = persistence.RiskEvent{
			EventType:   domain.EventRiskConfigUpdated,
			Severity:    domain.SeverityInfo,
			Description: fmt.Sprintf("risk limits updated by %s", operatorID),
			Details:     limits,
		}
		return []persistence.RiskEvent{ev}, nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("operator", operatorID).
		Float64("max_daily_loss", limits.MaxDailyLoss).
		Float64("max_drawdown_pct", limits.MaxDrawdownPct).
		Msg("risk limits updated")
	k.publisher.PublishRiskEvent(ctx, ev)
	return rec, nil
}

// SetAutoRecovery toggles immediate recovery on deactivation.
func (k *Killswitch) SetAutoRecovery(ctx context.Context, enabled bool, operatorID string) (*persistence.RiskControllerRecord, error) {
	if operatorID == "" {
		return nil, domain.NewValidationError("operator_id", "must not be empty")
	}
	return k.update(ctx, func(rec *persistence.RiskControllerRecord) ([]persistence.RiskEvent, error) {
		rec.AutoRecoveryEnabled = enabled
		return nil, nil
	})
}

func (k *Killswitch) load(ctx context.Context) (*persistence.RiskControllerRecord, error) {
	rec, err := k.store.GetRiskController(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return &persistence.RiskControllerRecord{
			Limits:              DefaultLimits,
			AutoRecoveryEnabled: true,
		}, nil
	}
	return rec, err
}

func (k *Killswitch) update(ctx context.Context, mutate func(*persistence.RiskControllerRecord) ([]persistence.RiskEvent, error)) (*persistence.RiskControllerRecord, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, err := k.load(ctx)
		if err != nil {
			return nil, err
		}
		events, err := mutate(rec)
		if err != nil {
			return nil, err
		}
		if err := k.store.PutRiskController(ctx, rec, events...); err != nil {
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
