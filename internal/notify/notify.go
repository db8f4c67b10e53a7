// Package notify fans out committed audit events to external consumers
// (dashboards subscribe to the channels for live updates). Delivery is
// best-effort and post-commit: the persisted event log is the audit source
// of truth, so a publish failure is logged, never rolled back.
package notify

import (
	"context"

	"github.com/tradeguard/resilience/internal/persistence"
)

// Channel names events are published on.
const (
	ChannelResilience = "tradeguard:events:resilience"
	ChannelRisk       = "tradeguard:events:risk"
)

// Publisher delivers committed events to subscribers.
type Publisher interface {
	PublishResilienceEvent(ctx context.Context, ev persistence.ResilienceEvent)
	PublishRiskEvent(ctx context.Context, ev persistence.RiskEvent)
}

// Nop is a Publisher that drops everything. Default when no broker is
// configured, and the injection point for tests.
type Nop struct{}

func (Nop) PublishResilienceEvent(context.Context, persistence.ResilienceEvent) {}
func (Nop) PublishRiskEvent(context.Context, persistence.RiskEvent)             {}
