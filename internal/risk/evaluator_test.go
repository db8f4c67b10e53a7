package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tradeguard/resilience/internal/domain"
)

func TestLevel(t *testing.T) {
	cases := []struct {
		name       string
		pnl        float64
		totalValue float64
		var99      float64
		alert      bool
		want       domain.RiskLevel
	}{
		{"flat book", 0, 100000, 0, false, domain.RiskLow},
		{"small loss", -4000, 100000, 0, false, domain.RiskLow},
		{"moderate loss", -7500, 100000, 0, false, domain.RiskMedium},
		{"large loss", -12000, 100000, 0, false, domain.RiskHigh},
		{"severe loss", -20000, 100000, 0, false, domain.RiskExtreme},
		{"gain counts by magnitude", 20000, 100000, 0, false, domain.RiskExtreme},
		{"var dominates pnl", -1000, 100000, 16000, false, domain.RiskExtreme},
		{"boundary 5 pct is low", -5000, 100000, 0, false, domain.RiskLow},
		{"boundary 10 pct is medium", -10000, 100000, 0, false, domain.RiskMedium},
		{"boundary 15 pct is high", -15000, 100000, 0, false, domain.RiskHigh},
		{"zero total value", -5000, 0, 9000, false, domain.RiskLow},
		{"alert forces extreme", 0, 100000, 0, true, domain.RiskExtreme},
		{"alert with zero total value", 0, 0, 0, true, domain.RiskExtreme},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Level(tc.pnl, tc.totalValue, tc.var99, tc.alert))
		})
	}
}

func TestAssess(t *testing.T) {
	a := Assess(domain.PortfolioSnapshot{
		TotalValue: 200000,
		TotalPnL:   -14000,
		VaR99:      24000,
	})
	assert.Equal(t, domain.RiskHigh, a.Level)
	assert.InDelta(t, 7.0, a.PnLPct, 1e-9)
	assert.InDelta(t, 12.0, a.VaRPct, 1e-9)
	assert.False(t, a.AlertTriggered)
}
