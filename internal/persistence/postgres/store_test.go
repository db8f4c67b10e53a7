package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeguard/resilience/internal/domain"
	"github.com/tradeguard/resilience/internal/persistence"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "postgres"), time.Second), mock
}

func TestGetProvider(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"provider_name", "enabled", "priority", "status", "success_count", "error_count",
		"health_score", "circuit_breaker_open", "circuit_breaker_reason", "circuit_breaker_opened_at",
		"version", "updated_at",
	}).AddRow("kraken", true, 10, "active", 42, 8, 0.84, false, "", nil, 3, now)
	mock.ExpectQuery(`SELECT .+ FROM provider_toggles WHERE provider_name = \$1`).
		WithArgs("kraken").WillReturnRows(rows)

	rec, err := store.GetProvider(context.Background(), "kraken")
	require.NoError(t, err)
	assert.Equal(t, "kraken", rec.Name)
	assert.Equal(t, uint64(42), rec.SuccessCount)
	assert.Equal(t, 0.84, rec.HealthScore)
	assert.Equal(t, int64(3), rec.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProviderNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM provider_toggles`).
		WithArgs("ghost").WillReturnRows(sqlmock.NewRows([]string{"provider_name"}))

	_, err := store.GetProvider(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutProviderCASConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE provider_toggles SET`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}))

	rec := &persistence.ProviderRecord{Name: "kraken", Version: 2}
	err := store.PutProvider(context.Background(), rec)
	assert.ErrorIs(t, err, domain.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutProviderInsert(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`INSERT INTO provider_toggles`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(1, now))

	rec := &persistence.ProviderRecord{Name: "kraken", Enabled: true, HealthScore: 1.0}
	require.NoError(t, store.PutProvider(context.Background(), rec))
	assert.Equal(t, int64(1), rec.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutResilienceStateCommitsEventInSameTx(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE resilience_state SET`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(5))
	mock.ExpectExec(`INSERT INTO resilience_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := &persistence.ResilienceRecord{
		CurrentMode:         domain.ModeDegraded,
		AutoRecoveryEnabled: true,
		LastModeChange:      time.Now().UTC(),
		Version:             4,
	}
	ev := persistence.ResilienceEvent{
		EventType: domain.EventAutoRecovery,
		FromMode:  domain.ModeNormal,
		ToMode:    domain.ModeDegraded,
		Automatic: true,
		EventData: domain.HealthSnapshot{ProvidersTotal: 5},
	}
	require.NoError(t, store.PutResilienceState(context.Background(), rec, ev))
	assert.Equal(t, int64(5), rec.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutResilienceStateConflictRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE resilience_state SET`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectRollback()

	rec := &persistence.ResilienceRecord{CurrentMode: domain.ModeNormal, Version: 9}
	err := store.PutResilienceState(context.Background(), rec,
		persistence.ResilienceEvent{EventType: domain.EventAutoRecovery})
	assert.ErrorIs(t, err, domain.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRiskControllerUnmarshalsLimits(t *testing.T) {
	store, mock := newMockStore(t)

	limits := persistence.RiskLimits{MaxDailyLoss: 25000, MaxDrawdownPct: 8, MaxPositionSize: 50000, RecoveryDelayMinutes: 20}
	configJSON, err := json.Marshal(limits)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{
		"killswitch_enabled", "configuration", "triggered_at", "trigger_reason",
		"auto_recovery_enabled", "recovery_eligible_at", "version",
	}).AddRow(true, configJSON, time.Now().UTC(), "risk threshold exceeded", true, nil, 7)
	mock.ExpectQuery(`SELECT .+ FROM risk_controller WHERE id = 1`).WillReturnRows(rows)

	rec, err := store.GetRiskController(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.KillswitchEnabled)
	assert.Equal(t, limits, rec.Limits)
	assert.Equal(t, int64(7), rec.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveRiskEvent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE risk_events SET resolved_at = now\(\), resolved_by = \$2`).
		WithArgs("ev-1", "op-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.ResolveRiskEvent(context.Background(), "ev-1", "op-2"))

	mock.ExpectExec(`UPDATE risk_events SET`).
		WithArgs("ev-1", "op-3").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.ResolveRiskEvent(context.Background(), "ev-1", "op-3")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = store.ResolveRiskEvent(context.Background(), "ev-1", "")
	assert.True(t, domain.IsValidation(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListResilienceEvents(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	payload, err := json.Marshal(domain.HealthSnapshot{ProvidersUp: 1, ProvidersTotal: 4, HealthPct: 0.25})
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{
		"id", "event_type", "from_mode", "to_mode", "reason", "automatic", "triggered_by", "event_data", "created_at",
	}).AddRow("ev-1", domain.EventAutoRecovery, "normal", "partial", "aggregate provider health changed", true, "", payload, now)
	mock.ExpectQuery(`SELECT .+ FROM resilience_events`).
		WillReturnRows(rows)

	events, err := store.ListResilienceEvents(context.Background(), persistence.EventFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.ModePartial, events[0].ToMode)
	data, ok := events[0].EventData.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(4), data["providers_total"])
	require.NoError(t, mock.ExpectationsWereMet())
}
