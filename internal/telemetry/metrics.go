// Package telemetry exposes Prometheus metrics for the resilience core.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tradeguard/resilience/internal/domain"
)

// Metrics holds the instrument set registered against a single registry.
type Metrics struct {
	registry *prometheus.Registry

	mode           *prometheus.GaugeVec
	killswitch     prometheus.Gauge
	riskLevel      *prometheus.GaugeVec
	providersUp    prometheus.Gauge
	providersTotal prometheus.Gauge
	healthScore    *prometheus.GaugeVec
	breakerTrips   *prometheus.CounterVec
	samplesTotal   *prometheus.CounterVec
	evalDuration   prometheus.Histogram
}

// New builds and registers the instrument set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeguard_resilience_mode",
			Help: "Current operating mode (1 for the active mode, 0 otherwise)",
		}, []string{"mode"}),
		killswitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeguard_killswitch_engaged",
			Help: "1 when the killswitch is engaged and trading is halted",
		}),
		riskLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeguard_risk_level",
			Help: "Current risk level (1 for the active level, 0 otherwise)",
		}, []string{"level"}),
		providersUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeguard_providers_up",
			Help: "Providers currently enabled, active, and breaker-closed",
		}),
		providersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeguard_providers_total",
			Help: "Providers registered",
		}),
		healthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeguard_provider_health_score",
			Help: "Per-provider health score in [0,1]",
		}, []string{"provider"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_breaker_trips_total",
			Help: "Circuit breaker trips by provider and origin",
		}, []string{"provider", "automatic"}),
		samplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_health_samples_total",
			Help: "Health samples ingested by outcome",
		}, []string{"outcome"}),
		evalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradeguard_evaluation_duration_seconds",
			Help:    "Duration of resilience evaluation passes",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.mode, m.killswitch, m.riskLevel,
		m.providersUp, m.providersTotal, m.healthScore,
		m.breakerTrips, m.samplesTotal, m.evalDuration,
	)
	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetMode flips the mode gauge so exactly one label carries 1.
func (m *Metrics) SetMode(mode domain.Mode) {
	for _, candidate := range []domain.Mode{domain.ModeNormal, domain.ModePartial, domain.ModeDegraded} {
		v := 0.0
		if candidate == mode {
			v = 1.0
		}
		m.mode.WithLabelValues(string(candidate)).Set(v)
	}
}

// SetRiskLevel flips the risk level gauge so exactly one label carries 1.
func (m *Metrics) SetRiskLevel(level domain.RiskLevel) {
	for _, candidate := range []domain.RiskLevel{domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskExtreme} {
		v := 0.0
		if candidate == level {
			v = 1.0
		}
		m.riskLevel.WithLabelValues(string(candidate)).Set(v)
	}
}

func (m *Metrics) SetKillswitch(engaged bool) {
	if engaged {
		m.killswitch.Set(1)
	} else {
		m.killswitch.Set(0)
	}
}

func (m *Metrics) SetProviders(up, total int) {
	m.providersUp.Set(float64(up))
	m.providersTotal.Set(float64(total))
}

func (m *Metrics) SetHealthScore(provider string, score float64) {
	m.healthScore.WithLabelValues(provider).Set(score)
}

func (m *Metrics) IncBreakerTrip(provider string, automatic bool) {
	m.breakerTrips.WithLabelValues(provider, strconv.FormatBool(automatic)).Inc()
}

func (m *Metrics) IncSamples(success bool, n int) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.samplesTotal.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) ObserveEvaluation(d time.Duration) {
	m.evalDuration.Observe(d.Seconds())
}
