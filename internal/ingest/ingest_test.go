package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeguard/resilience/internal/domain"
	"github.com/tradeguard/resilience/internal/persistence"
	"github.com/tradeguard/resilience/internal/persistence/memory"
	"github.com/tradeguard/resilience/internal/provider"
	"github.com/tradeguard/resilience/internal/resilience"
)

func newSink(t *testing.T) (*SampleSink, *provider.Registry, *resilience.StateMachine) {
	t.Helper()
	store := memory.NewStore()
	registry := provider.NewRegistry(store, provider.DefaultBreakerPolicy())
	machine := resilience.NewStateMachine(store, registry, nil, nil)
	return NewSampleSink(registry, machine, nil), registry, machine
}

func TestCoalesce(t *testing.T) {
	pending := make(map[string]provider.OutcomeBatch)
	coalesce(pending, domain.HealthSample{Provider: "kraken", Success: true})
	coalesce(pending, domain.HealthSample{Provider: "kraken", Success: true})
	coalesce(pending, domain.HealthSample{Provider: "kraken", Success: false})
	coalesce(pending, domain.HealthSample{Provider: "okx", Success: false})

	assert.Equal(t, provider.OutcomeBatch{Successes: 2, Failures: 1}, pending["kraken"])
	assert.Equal(t, provider.OutcomeBatch{Failures: 1}, pending["okx"])
}

func TestFlushAppliesBatchAndAutoTrips(t *testing.T) {
	sink, registry, machine := newSink(t)
	ctx := context.Background()
	_, err := registry.Register(ctx, "kraken", 10)
	require.NoError(t, err)

	pending := map[string]provider.OutcomeBatch{
		"kraken": {Successes: 1, Failures: 9},
	}
	sink.flush(ctx, pending)
	assert.Empty(t, pending, "applied batches leave the pending set")

	rec, err := registry.Get(ctx, "kraken")
	require.NoError(t, err)
	assert.True(t, rec.BreakerOpen, "score 0.1 must auto-trip")
	assert.Equal(t, uint64(1), rec.SuccessCount)
	assert.Equal(t, uint64(9), rec.ErrorCount)

	events, err := machine.Events(ctx, persistence.EventFilter{EventType: domain.EventBreakerTripped})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Automatic)
	assert.Equal(t, domain.SystemActor, events[0].TriggeredBy)

	// The only provider is now down, so the same flush re-evaluated the mode.
	state, err := machine.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDegraded, state.CurrentMode)
}

func TestFlushHealthyBatchDoesNotTrip(t *testing.T) {
	sink, registry, machine := newSink(t)
	ctx := context.Background()
	_, err := registry.Register(ctx, "kraken", 10)
	require.NoError(t, err)

	pending := map[string]provider.OutcomeBatch{
		"kraken": {Successes: 9, Failures: 1},
	}
	sink.flush(ctx, pending)

	rec, err := registry.Get(ctx, "kraken")
	require.NoError(t, err)
	assert.False(t, rec.BreakerOpen)

	state, err := machine.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeNormal, state.CurrentMode)
}

func TestFlushDropsUnknownProvider(t *testing.T) {
	sink, _, _ := newSink(t)
	pending := map[string]provider.OutcomeBatch{
		"ghost": {Failures: 3},
	}
	sink.flush(context.Background(), pending)
	assert.Empty(t, pending)
}

func TestOfferBackpressure(t *testing.T) {
	sink, _, _ := newSink(t)
	for i := 0; i < defaultBuffer; i++ {
		require.True(t, sink.Offer(domain.HealthSample{Provider: "kraken", Success: true}))
	}
	assert.False(t, sink.Offer(domain.HealthSample{Provider: "kraken", Success: true}))
	assert.Equal(t, uint64(1), sink.Dropped())
}

func TestSampleSinkRunDrainsOnShutdown(t *testing.T) {
	sink, registry, _ := newSink(t)
	ctx := context.Background()
	_, err := registry.Register(ctx, "kraken", 10)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.True(t, sink.Offer(domain.HealthSample{Provider: "kraken", Success: true}))
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		sink.Run(runCtx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not stop")
	}

	rec, err := registry.Get(ctx, "kraken")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.SuccessCount, "buffered samples apply on shutdown")
}
