// Package persistence defines the storage contracts for the resilience core.
// Implementations must provide per-entity atomic read-modify-write via a
// version field (compare-and-swap): Put calls fail with domain.ErrConflict
// when the stored version no longer matches the one that was read.
package persistence

import (
	"context"
	"time"

	"github.com/tradeguard/resilience/internal/domain"
)

// ProviderRecord is the persisted state of one upstream data provider.
type ProviderRecord struct {
	Name            string                `db:"provider_name" json:"provider_name"`
	Enabled         bool                  `db:"enabled" json:"enabled"`
	Priority        int                   `db:"priority" json:"priority"`
	Status          domain.ProviderStatus `db:"status" json:"status"`
	SuccessCount    uint64                `db:"success_count" json:"success_count"`
	ErrorCount      uint64                `db:"error_count" json:"error_count"`
	HealthScore     float64               `db:"health_score" json:"health_score"`
	BreakerOpen     bool                  `db:"circuit_breaker_open" json:"circuit_breaker_open"`
	BreakerReason   string                `db:"circuit_breaker_reason" json:"circuit_breaker_reason,omitempty"`
	BreakerOpenedAt *time.Time            `db:"circuit_breaker_opened_at" json:"circuit_breaker_opened_at,omitempty"`
	Version         int64                 `db:"version" json:"version"`
	UpdatedAt       time.Time             `db:"updated_at" json:"updated_at"`
}

// ResilienceRecord is the persisted process-wide resilience singleton.
type ResilienceRecord struct {
	CurrentMode         domain.Mode `db:"current_mode" json:"current_mode"`
	ProvidersUp         int         `db:"providers_up" json:"providers_up"`
	ProvidersTotal      int         `db:"providers_total" json:"providers_total"`
	ShadowModeActive    bool        `db:"shadow_mode_active" json:"shadow_mode_active"`
	AutoRecoveryEnabled bool        `db:"auto_recovery_enabled" json:"auto_recovery_enabled"`
	ManualOverride      bool        `db:"manual_override" json:"manual_override"`
	OverrideReason      string      `db:"override_reason" json:"override_reason,omitempty"`
	OverrideBy          string      `db:"override_by" json:"override_by,omitempty"`
	LastModeChange      time.Time   `db:"last_mode_change" json:"last_mode_change"`
	Version             int64       `db:"version" json:"version"`
}

// RiskLimits are the configured risk boundaries consumed by the killswitch.
type RiskLimits struct {
	MaxDailyLoss         float64 `yaml:"max_daily_loss" json:"max_daily_loss"`
	MaxDrawdownPct       float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`
	MaxPositionSize      float64 `yaml:"max_position_size" json:"max_position_size"`
	RecoveryDelayMinutes int     `yaml:"recovery_delay_minutes" json:"recovery_delay_minutes"`
}

// RiskControllerRecord is the persisted killswitch singleton.
// KillswitchEnabled == true means trading is HALTED; call sites should go
// through risk.Killswitch.IsTradingHalted rather than reading the raw flag.
type RiskControllerRecord struct {
	KillswitchEnabled   bool       `db:"killswitch_enabled" json:"killswitch_enabled"`
	Limits              RiskLimits `db:"-" json:"configuration"`
	TriggeredAt         *time.Time `db:"triggered_at" json:"triggered_at,omitempty"`
	TriggerReason       string     `db:"trigger_reason" json:"trigger_reason,omitempty"`
	AutoRecoveryEnabled bool       `db:"auto_recovery_enabled" json:"auto_recovery_enabled"`
	RecoveryEligibleAt  *time.Time `db:"recovery_eligible_at" json:"recovery_eligible_at,omitempty"`
	Version             int64      `db:"version" json:"version"`
}

// ResilienceEvent is one append-only entry of the resilience audit log.
type ResilienceEvent struct {
	ID          string      `db:"id" json:"id"`
	EventType   string      `db:"event_type" json:"event_type"`
	FromMode    domain.Mode `db:"from_mode" json:"from_mode,omitempty"`
	ToMode      domain.Mode `db:"to_mode" json:"to_mode,omitempty"`
	Reason      string      `db:"reason" json:"reason"`
	Automatic   bool        `db:"automatic" json:"automatic"`
	TriggeredBy string      `db:"triggered_by" json:"triggered_by,omitempty"`
	EventData   any         `db:"-" json:"event_data,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}

// RiskEvent is one append-only entry of the risk audit log.
type RiskEvent struct {
	ID          string          `db:"id" json:"id"`
	EventType   string          `db:"event_type" json:"event_type"`
	Severity    domain.Severity `db:"severity" json:"severity"`
	Description string          `db:"description" json:"description"`
	Details     any             `db:"-" json:"details,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	ResolvedAt  *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy  string          `db:"resolved_by" json:"resolved_by,omitempty"`
}

// EventFilter narrows event log reads. Zero values mean "no constraint".
type EventFilter struct {
	EventType string
	Automatic *bool
	Since     time.Time
	Limit     int
}

// ProviderStore persists per-provider records. Put performs CAS on Version.
type ProviderStore interface {
	GetProvider(ctx context.Context, name string) (*ProviderRecord, error)
	PutProvider(ctx context.Context, rec *ProviderRecord) error
	ListProviders(ctx context.Context) ([]ProviderRecord, error)
}

// ResilienceStore persists the resilience singleton and its event log.
// AppendResilienceEvent must be ordered with the state write that caused it.
type ResilienceStore interface {
	GetResilienceState(ctx context.Context) (*ResilienceRecord, error)
	PutResilienceState(ctx context.Context, rec *ResilienceRecord, events ...ResilienceEvent) error
	ListResilienceEvents(ctx context.Context, f EventFilter) ([]ResilienceEvent, error)
}

// RiskStore persists the killswitch singleton and its event log.
type RiskStore interface {
	GetRiskController(ctx context.Context) (*RiskControllerRecord, error)
	PutRiskController(ctx context.Context, rec *RiskControllerRecord, events ...RiskEvent) error
	ListRiskEvents(ctx context.Context, f EventFilter) ([]RiskEvent, error)
	ResolveRiskEvent(ctx context.Context, id, resolvedBy string) error
}

// Store aggregates all entity stores behind one injection point.
type Store interface {
	ProviderStore
	ResilienceStore
	RiskStore
}
