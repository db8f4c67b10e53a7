// Package risk classifies portfolio risk and owns the trading killswitch.
package risk

import (
	"math"

	"github.com/tradeguard/resilience/internal/domain"
)

// Classification thresholds, in percent of total portfolio value.
const (
	extremeAbove = 15.0
	highAbove    = 10.0
	mediumAbove  = 5.0
)

// Assessment is one evaluated portfolio observation.
type Assessment struct {
	Level          domain.RiskLevel `json:"level"`
	PnLPct         float64          `json:"pnl_pct"`
	VaRPct         float64          `json:"var_pct"`
	AlertTriggered bool             `json:"alert_triggered"`
}

// Level classifies risk from P&L and VaR magnitudes relative to total
// portfolio value. alertTriggered is the upstream VaR/CVaR breach signal
// and forces extreme regardless of the computed percentages.
func Level(pnl, totalValue, var99 float64, alertTriggered bool) domain.RiskLevel {
	if alertTriggered {
		return domain.RiskExtreme
	}
	maxRisk := math.Max(pct(pnl, totalValue), pct(var99, totalValue))
	switch {
	case maxRisk > extremeAbove:
		return domain.RiskExtreme
	case maxRisk > highAbove:
		return domain.RiskHigh
	case maxRisk > mediumAbove:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// Assess evaluates a portfolio snapshot into an Assessment.
func Assess(snap domain.PortfolioSnapshot) Assessment {
	return Assessment{
		Level:          Level(snap.TotalPnL, snap.TotalValue, snap.VaR99, snap.AlertTriggered),
		PnLPct:         pct(snap.TotalPnL, snap.TotalValue),
		VaRPct:         pct(snap.VaR99, snap.TotalValue),
		AlertTriggered: snap.AlertTriggered,
	}
}

func pct(value, total float64) float64 {
	if total == 0 {
		return 0
	}
	return math.Abs(value) / total * 100
}
