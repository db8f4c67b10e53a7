package resilience

import (
	"context"
	"time"

	"github.com/tradeguard/resilience/internal/domain"
	"github.com/tradeguard/resilience/internal/persistence"
)

// Stats summarizes the resilience event log.
type Stats struct {
	TotalEvents    int                          `json:"total_events"`
	Automatic      int                          `json:"automatic"`
	Manual         int                          `json:"manual"`
	ByType         map[string]int               `json:"by_type"`
	LastTransition *persistence.ResilienceEvent `json:"last_transition,omitempty"`
}

// Stats aggregates the event log under the given filter.
func (m *StateMachine) Stats(ctx context.Context, f persistence.EventFilter) (Stats, error) {
	events, err := m.store.ListResilienceEvents(ctx, f)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{ByType: make(map[string]int)}
	for i := range events {
		ev := events[i]
		stats.TotalEvents++
		if ev.Automatic {
			stats.Automatic++
		} else {
			stats.Manual++
		}
		stats.ByType[ev.EventType]++
		if ev.FromMode != ev.ToMode && stats.LastTransition == nil {
			// Events list newest-first, so the first real transition wins.
			stats.LastTransition = &events[i]
		}
	}
	return stats, nil
}

// UptimeStats is the share of a window spent in each mode. UptimePct counts
// any time not spent degraded as "up".
type UptimeStats struct {
	Window        time.Duration                 `json:"window"`
	Since         time.Time                     `json:"since"`
	ModeDurations map[domain.Mode]time.Duration `json:"mode_durations"`
	UptimePct     float64                       `json:"uptime_pct"`
	Transitions   int                           `json:"transitions"`
}

// UptimeStats replays mode transitions over the trailing window, treating
// the mode before the oldest in-window transition as whatever that
// transition departed from.
func (m *StateMachine) UptimeStats(ctx context.Context, window time.Duration) (UptimeStats, error) {
	now := time.Now().UTC()
	since := now.Add(-window)

	events, err := m.store.ListResilienceEvents(ctx, persistence.EventFilter{Since: since})
	if err != nil {
		return UptimeStats{}, err
	}

	stats := UptimeStats{
		Window: window,
		Since:  since,
		ModeDurations: map[domain.Mode]time.Duration{
			domain.ModeNormal:   0,
			domain.ModePartial:  0,
			domain.ModeDegraded: 0,
		},
	}

	// Collect real transitions oldest-first.
	var transitions []persistence.ResilienceEvent
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].FromMode != events[i].ToMode {
			transitions = append(transitions, events[i])
		}
	}
	stats.Transitions = len(transitions)

	if len(transitions) == 0 {
		rec, err := m.load(ctx)
		if err != nil {
			return UptimeStats{}, err
		}
		stats.ModeDurations[rec.CurrentMode] = window
		stats.UptimePct = uptimePct(stats.ModeDurations, window)
		return stats, nil
	}

	cursor := since
	mode := transitions[0].FromMode
	for _, tr := range transitions {
		at := tr.CreatedAt
		if at.Before(cursor) {
			at = cursor
		}
		stats.ModeDurations[mode] += at.Sub(cursor)
		cursor = at
		mode = tr.ToMode
	}
	stats.ModeDurations[mode] += now.Sub(cursor)

	stats.UptimePct = uptimePct(stats.ModeDurations, window)
	return stats, nil
}

func uptimePct(durations map[domain.Mode]time.Duration, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	up := durations[domain.ModeNormal] + durations[domain.ModePartial]
	return float64(up) / float64(window)
}
