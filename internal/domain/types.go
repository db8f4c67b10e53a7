// Package domain holds the shared types of the resilience and risk-control
// core: operating modes, provider statuses, risk levels, event records and
// the error taxonomy used across components.
package domain

import "time"

// Mode represents the system-wide operating posture derived from
// aggregate provider health.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModePartial  Mode = "partial"
	ModeDegraded Mode = "degraded"
)

// Valid reports whether m is one of the three known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeNormal, ModePartial, ModeDegraded:
		return true
	}
	return false
}

// ProviderStatus represents the lifecycle status of an upstream data provider.
type ProviderStatus string

const (
	StatusActive      ProviderStatus = "active"
	StatusInactive    ProviderStatus = "inactive"
	StatusDegraded    ProviderStatus = "degraded"
	StatusMaintenance ProviderStatus = "maintenance"
)

// Valid reports whether s is a known provider status.
func (s ProviderStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusDegraded, StatusMaintenance:
		return true
	}
	return false
}

// RiskLevel classifies portfolio risk from P&L and VaR magnitudes.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskExtreme RiskLevel = "extreme"
)

// Severity grades risk events for the audit log.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Resilience event types appended by the state machine and the registry.
const (
	EventAutoRecovery        = "auto_recovery"
	EventManualOverride      = "manual_override"
	EventOverrideCleared     = "override_cleared"
	EventAutoRecoveryToggled = "auto_recovery_toggled"
	EventBreakerTripped      = "breaker_tripped"
	EventBreakerOpened       = "breaker_opened"
	EventBreakerClosed       = "breaker_closed"
)

// Risk event types appended by the killswitch controller.
const (
	EventKillswitchActivated   = "killswitch_activated"
	EventKillswitchDeactivated = "killswitch_deactivated"
	EventKillswitchNoop        = "killswitch_noop"
	EventRiskConfigUpdated     = "risk_config_updated"
)

// SystemActor identifies automatic (non-operator) transitions in the audit log.
const SystemActor = "system"

// HealthSnapshot is the typed event payload attached to automatic mode
// transitions: the provider tally that produced the decision.
type HealthSnapshot struct {
	ProvidersUp    int     `json:"providers_up"`
	ProvidersTotal int     `json:"providers_total"`
	HealthPct      float64 `json:"health_pct"`
}

// BreakerInfo is the typed event payload attached to breaker audit entries.
type BreakerInfo struct {
	Provider    string  `json:"provider"`
	HealthScore float64 `json:"health_score,omitempty"`
}

// RiskTrigger is the typed event payload attached to automatic killswitch
// activations.
type RiskTrigger struct {
	Level      RiskLevel `json:"risk_level"`
	PnLPct     float64   `json:"pnl_pct"`
	VaRPct     float64   `json:"var_pct"`
	AlertFired bool      `json:"alert_fired"`
}

// HealthSample is one pushed provider probe outcome.
type HealthSample struct {
	Provider  string    `json:"provider"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// PortfolioSnapshot is one pushed portfolio risk observation. VaR99 is the
// externally computed 99% Value-at-Risk magnitude; AlertTriggered is set by
// the upstream VaR/CVaR breach detector and forces an extreme classification.
type PortfolioSnapshot struct {
	TotalValue     float64   `json:"total_value"`
	TotalPnL       float64   `json:"total_pnl"`
	VaR99          float64   `json:"var_99"`
	AlertTriggered bool      `json:"alert_triggered"`
	Timestamp      time.Time `json:"timestamp"`
}
