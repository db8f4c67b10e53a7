package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeguard/resilience/internal/domain"
	"github.com/tradeguard/resilience/internal/persistence"
)

func TestProviderCAS(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec := &persistence.ProviderRecord{Name: "kraken", Enabled: true, HealthScore: 1.0}
	require.NoError(t, store.PutProvider(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	// Version 0 insert against an existing record conflicts.
	dup := &persistence.ProviderRecord{Name: "kraken"}
	assert.ErrorIs(t, store.PutProvider(ctx, dup), domain.ErrConflict)

	// Stale version conflicts.
	stale := *rec
	stale.Version = 99
	assert.ErrorIs(t, store.PutProvider(ctx, &stale), domain.ErrConflict)

	// Matching version commits and bumps.
	rec.Priority = 5
	require.NoError(t, store.PutProvider(ctx, rec))
	assert.Equal(t, int64(2), rec.Version)

	got, err := store.GetProvider(ctx, "kraken")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Priority)

	_, err = store.GetProvider(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetProviderReturnsCopy(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.PutProvider(ctx, &persistence.ProviderRecord{Name: "kraken"}))

	got, err := store.GetProvider(ctx, "kraken")
	require.NoError(t, err)
	got.Priority = 42

	again, err := store.GetProvider(ctx, "kraken")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Priority, "mutating a returned record must not touch the store")
}

func TestListProvidersOrdering(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	for _, p := range []struct {
		name     string
		priority int
	}{{"okx", 5}, {"kraken", 10}, {"binance", 5}} {
		require.NoError(t, store.PutProvider(ctx, &persistence.ProviderRecord{Name: p.name, Priority: p.priority}))
	}

	recs, err := store.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "kraken", recs[0].Name)
	assert.Equal(t, "binance", recs[1].Name, "name breaks priority ties")
	assert.Equal(t, "okx", recs[2].Name)
}

func TestResilienceSingletonAndEvents(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	_, err := store.GetResilienceState(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	rec := &persistence.ResilienceRecord{CurrentMode: domain.ModeNormal, AutoRecoveryEnabled: true}
	require.NoError(t, store.PutResilienceState(ctx, rec, persistence.ResilienceEvent{
		EventType: domain.EventAutoRecovery,
		FromMode:  domain.ModeNormal,
		ToMode:    domain.ModeDegraded,
		Automatic: true,
	}))
	assert.Equal(t, int64(1), rec.Version)

	events, err := store.ListResilienceEvents(ctx, persistence.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID, "event IDs are assigned on append")
	assert.False(t, events[0].CreatedAt.IsZero())
}

func TestEventFilters(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec := &persistence.ResilienceRecord{CurrentMode: domain.ModeNormal}
	require.NoError(t, store.PutResilienceState(ctx, rec,
		persistence.ResilienceEvent{EventType: domain.EventAutoRecovery, Automatic: true},
		persistence.ResilienceEvent{EventType: domain.EventManualOverride, Automatic: false},
		persistence.ResilienceEvent{EventType: domain.EventManualOverride, Automatic: false},
	))

	byType, err := store.ListResilienceEvents(ctx, persistence.EventFilter{EventType: domain.EventManualOverride})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	auto := true
	byAuto, err := store.ListResilienceEvents(ctx, persistence.EventFilter{Automatic: &auto})
	require.NoError(t, err)
	assert.Len(t, byAuto, 1)

	limited, err := store.ListResilienceEvents(ctx, persistence.EventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	since, err := store.ListResilienceEvents(ctx, persistence.EventFilter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, since)
}

func TestRiskControllerCAS(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec := &persistence.RiskControllerRecord{AutoRecoveryEnabled: true}
	require.NoError(t, store.PutRiskController(ctx, rec))

	stale := *rec
	stale.Version = 0
	assert.ErrorIs(t, store.PutRiskController(ctx, &stale), domain.ErrConflict)

	rec.KillswitchEnabled = true
	require.NoError(t, store.PutRiskController(ctx, rec))
	assert.Equal(t, int64(2), rec.Version)

	got, err := store.GetRiskController(ctx)
	require.NoError(t, err)
	assert.True(t, got.KillswitchEnabled)
}

func TestResolveRiskEventLifecycle(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec := &persistence.RiskControllerRecord{}
	require.NoError(t, store.PutRiskController(ctx, rec, persistence.RiskEvent{
		EventType:   domain.EventKillswitchActivated,
		Severity:    domain.SeverityCritical,
		Description: "killswitch activated",
	}))

	events, err := store.ListRiskEvents(ctx, persistence.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	id := events[0].ID

	assert.ErrorIs(t, store.ResolveRiskEvent(ctx, "missing", "op-1"), domain.ErrNotFound)
	assert.True(t, domain.IsValidation(store.ResolveRiskEvent(ctx, id, " ")))

	require.NoError(t, store.ResolveRiskEvent(ctx, id, "op-1"))
	assert.True(t, domain.IsValidation(store.ResolveRiskEvent(ctx, id, "op-2")))
}
