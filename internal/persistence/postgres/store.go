// Package postgres implements persistence.Store on PostgreSQL via sqlx.
// Optimistic concurrency uses a version column: updates carry
// "WHERE version = $n" and a zero-row result maps to domain.ErrConflict.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/tradeguard/resilience/internal/domain"
	"github.com/tradeguard/resilience/internal/persistence"
)

// Store is the PostgreSQL-backed persistence.Store.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStore wraps db with per-call timeouts applied to every query.
func NewStore(db *sqlx.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

// Open connects to dsn and pings the server.
func Open(dsn string, timeout time.Duration) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, domain.NewDependencyError("postgres", err)
	}
	return NewStore(db, timeout), nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

const providerColumns = `provider_name, enabled, priority, status, success_count, error_count,
	health_score, circuit_breaker_open, circuit_breaker_reason, circuit_breaker_opened_at,
	version, updated_at`

// GetProvider fetches one provider record by name.
func (s *Store) GetProvider(ctx context.Context, name string) (*persistence.ProviderRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rec persistence.ProviderRecord
	query := `SELECT ` + providerColumns + ` FROM provider_toggles WHERE provider_name = $1`
	if err := s.db.GetContext(ctx, &rec, query, name); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, domain.NewDependencyError("postgres", fmt.Errorf("get provider %s: %w", name, err))
	}
	return &rec, nil
}

// PutProvider inserts (Version 0) or CAS-updates a provider record.
func (s *Store) PutProvider(ctx context.Context, rec *persistence.ProviderRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if rec.Version == 0 {
		query := `
			INSERT INTO provider_toggles (` + providerColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, now())
			ON CONFLICT (provider_name) DO NOTHING
			RETURNING version, updated_at`
		err := s.db.QueryRowxContext(ctx, query,
			rec.Name, rec.Enabled, rec.Priority, rec.Status, rec.SuccessCount, rec.ErrorCount,
			rec.HealthScore, rec.BreakerOpen, rec.BreakerReason, rec.BreakerOpenedAt).
			Scan(&rec.Version, &rec.UpdatedAt)
		if err == sql.ErrNoRows {
			return domain.ErrConflict
		}
		if err != nil {
			return domain.NewDependencyError("postgres", fmt.Errorf("insert provider %s: %w", rec.Name, err))
		}
		return nil
	}

	query := `
		UPDATE provider_toggles SET
			enabled = $2, priority = $3, status = $4, success_count = $5, error_count = $6,
			health_score = $7, circuit_breaker_open = $8, circuit_breaker_reason = $9,
			circuit_breaker_opened_at = $10, version = version + 1, updated_at = now()
		WHERE provider_name = $1 AND version = $11
		RETURNING version, updated_at`
	err := s.db.QueryRowxContext(ctx, query,
		rec.Name, rec.Enabled, rec.Priority, rec.Status, rec.SuccessCount, rec.ErrorCount,
		rec.HealthScore, rec.BreakerOpen, rec.BreakerReason, rec.BreakerOpenedAt, rec.Version).
		Scan(&rec.Version, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.ErrConflict
	}
	if err != nil {
		return domain.NewDependencyError("postgres", fmt.Errorf("update provider %s: %w", rec.Name, err))
	}
	return nil
}

// ListProviders returns all providers ordered by descending priority.
func (s *Store) ListProviders(ctx context.Context) ([]persistence.ProviderRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out []persistence.ProviderRecord
	query := `SELECT ` + providerColumns + ` FROM provider_toggles ORDER BY priority DESC, provider_name ASC`
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, domain.NewDependencyError("postgres", fmt.Errorf("list providers: %w", err))
	}
	return out, nil
}

const resilienceColumns = `current_mode, providers_up, providers_total, shadow_mode_active,
	auto_recovery_enabled, manual_override, override_reason, override_by, last_mode_change, version`

// GetResilienceState fetches the resilience singleton row.
func (s *Store) GetResilienceState(ctx context.Context) (*persistence.ResilienceRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rec persistence.ResilienceRecord
	query := `SELECT ` + resilienceColumns + ` FROM resilience_state WHERE id = 1`
	if err := s.db.GetContext(ctx, &rec, query); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, domain.NewDependencyError("postgres", fmt.Errorf("get resilience state: %w", err))
	}
	return &rec, nil
}

// PutResilienceState commits the singleton and its events in one transaction
// so event order matches commit order.
func (s *Store) PutResilienceState(ctx context.Context, rec *persistence.ResilienceRecord, events ...persistence.ResilienceEvent) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.NewDependencyError("postgres", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if rec.Version == 0 {
		query := `
			INSERT INTO resilience_state (id, ` + resilienceColumns + `)
			VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
			ON CONFLICT (id) DO NOTHING
			RETURNING version`
		err = tx.QueryRowxContext(ctx, query,
			rec.CurrentMode, rec.ProvidersUp, rec.ProvidersTotal, rec.ShadowModeActive,
			rec.AutoRecoveryEnabled, rec.ManualOverride, rec.OverrideReason, rec.OverrideBy,
			rec.LastModeChange).Scan(&rec.Version)
	} else {
		query := `
			UPDATE resilience_state SET
				current_mode = $1, providers_up = $2, providers_total = $3, shadow_mode_active = $4,
				auto_recovery_enabled = $5, manual_override = $6, override_reason = $7,
				override_by = $8, last_mode_change = $9, version = version + 1
			WHERE id = 1 AND version = $10
			RETURNING version`
		err = tx.QueryRowxContext(ctx, query,
			rec.CurrentMode, rec.ProvidersUp, rec.ProvidersTotal, rec.ShadowModeActive,
			rec.AutoRecoveryEnabled, rec.ManualOverride, rec.OverrideReason, rec.OverrideBy,
			rec.LastModeChange, rec.Version).Scan(&rec.Version)
	}
	if err == sql.ErrNoRows {
		return domain.ErrConflict
	}
	if err != nil {
		return domain.NewDependencyError("postgres", fmt.Errorf("put resilience state: %w", err))
	}

	for _, ev := range events {
		if err := insertResilienceEvent(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.NewDependencyError("postgres", fmt.Errorf("commit resilience state: %w", err))
	}
	return nil
}

func insertResilienceEvent(ctx context.Context, tx *sqlx.Tx, ev persistence.ResilienceEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	payload, err := json.Marshal(ev.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	query := `
		INSERT INTO resilience_events (id, event_type, from_mode, to_mode, reason, automatic, triggered_by, event_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`
	if _, err := tx.ExecContext(ctx, query,
		ev.ID, ev.EventType, ev.FromMode, ev.ToMode, ev.Reason, ev.Automatic, ev.TriggeredBy, payload); err != nil {
		return domain.NewDependencyError("postgres", fmt.Errorf("append resilience event: %w", err))
	}
	return nil
}

// ListResilienceEvents returns matching events newest first.
func (s *Store) ListResilienceEvents(ctx context.Context, f persistence.EventFilter) ([]persistence.ResilienceEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, event_type, from_mode, to_mode, reason, automatic, triggered_by, event_data, created_at
		FROM resilience_events
		WHERE ($1 = '' OR event_type = $1)
		  AND ($2::boolean IS NULL OR automatic = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var since *time.Time
	if !f.Since.IsZero() {
		since = &f.Since
	}

	rows, err := s.db.QueryxContext(ctx, query, f.EventType, f.Automatic, since, limit)
	if err != nil {
		return nil, domain.NewDependencyError("postgres", fmt.Errorf("list resilience events: %w", err))
	}
	defer rows.Close()

	var out []persistence.ResilienceEvent
	for rows.Next() {
		var ev persistence.ResilienceEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.FromMode, &ev.ToMode, &ev.Reason,
			&ev.Automatic, &ev.TriggeredBy, &payload, &ev.CreatedAt); err != nil {
			return nil, domain.NewDependencyError("postgres", fmt.Errorf("scan resilience event: %w", err))
		}
		if len(payload) > 0 {
			var data map[string]any
			if err := json.Unmarshal(payload, &data); err == nil {
				ev.EventData = data
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDependencyError("postgres", fmt.Errorf("iterate resilience events: %w", err))
	}
	return out, nil
}

const riskColumns = `killswitch_enabled, configuration, triggered_at, trigger_reason,
	auto_recovery_enabled, recovery_eligible_at, version`

// GetRiskController fetches the killswitch singleton row.
func (s *Store) GetRiskController(ctx context.Context) (*persistence.RiskControllerRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + riskColumns + ` FROM risk_controller WHERE id = 1`
	row := s.db.QueryRowxContext(ctx, query)

	var rec persistence.RiskControllerRecord
	var configJSON []byte
	err := row.Scan(&rec.KillswitchEnabled, &configJSON, &rec.TriggeredAt, &rec.TriggerReason,
		&rec.AutoRecoveryEnabled, &rec.RecoveryEligibleAt, &rec.Version)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.NewDependencyError("postgres", fmt.Errorf("get risk controller: %w", err))
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &rec.Limits); err != nil {
			return nil, fmt.Errorf("unmarshal risk limits: %w", err)
		}
	}
	return &rec, nil
}

// PutRiskController commits the singleton and its events transactionally.
func (s *Store) PutRiskController(ctx context.Context, rec *persistence.RiskControllerRecord, events ...persistence.RiskEvent) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	configJSON, err := json.Marshal(rec.Limits)
	if err != nil {
		return fmt.Errorf("marshal risk limits: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.NewDependencyError("postgres", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if rec.Version == 0 {
		query := `
			INSERT INTO risk_controller (id, ` + riskColumns + `)
			VALUES (1, $1, $2, $3, $4, $5, $6, 1)
			ON CONFLICT (id) DO NOTHING
			RETURNING version`
		err = tx.QueryRowxContext(ctx, query,
			rec.KillswitchEnabled, configJSON, rec.TriggeredAt, rec.TriggerReason,
			rec.AutoRecoveryEnabled, rec.RecoveryEligibleAt).Scan(&rec.Version)
	} else {
		query := `
			UPDATE risk_controller SET
				killswitch_enabled = $1, configuration = $2, triggered_at = $3, trigger_reason = $4,
				auto_recovery_enabled = $5, recovery_eligible_at = $6, version = version + 1
			WHERE id = 1 AND version = $7
			RETURNING version`
		err = tx.QueryRowxContext(ctx, query,
			rec.KillswitchEnabled, configJSON, rec.TriggeredAt, rec.TriggerReason,
			rec.AutoRecoveryEnabled, rec.RecoveryEligibleAt, rec.Version).Scan(&rec.Version)
	}
	if err == sql.ErrNoRows {
		return domain.ErrConflict
	}
	if err != nil {
		return domain.NewDependencyError("postgres", fmt.Errorf("put risk controller: %w", err))
	}

	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		details, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		query := `
			INSERT INTO risk_events (id, event_type, severity, description, details, created_at)
			VALUES ($1, $2, $3, $4, $5, now())`
		if _, err := tx.ExecContext(ctx, query, ev.ID, ev.EventType, ev.Severity, ev.Description, details); err != nil {
			return domain.NewDependencyError("postgres", fmt.Errorf("append risk event: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.NewDependencyError("postgres", fmt.Errorf("commit risk controller: %w", err))
	}
	return nil
}

// ListRiskEvents returns matching events newest first.
func (s *Store) ListRiskEvents(ctx context.Context, f persistence.EventFilter) ([]persistence.RiskEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, event_type, severity, description, details, created_at, resolved_at, resolved_by
		FROM risk_events
		WHERE ($1 = '' OR event_type = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		ORDER BY created_at DESC
		LIMIT $3`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var since *time.Time
	if !f.Since.IsZero() {
		since = &f.Since
	}

	rows, err := s.db.QueryxContext(ctx, query, f.EventType, since, limit)
	if err != nil {
		return nil, domain.NewDependencyError("postgres", fmt.Errorf("list risk events: %w", err))
	}
	defer rows.Close()

	var out []persistence.RiskEvent
	for rows.Next() {
		var ev persistence.RiskEvent
		var details []byte
		var resolvedBy sql.NullString
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Severity, &ev.Description,
			&details, &ev.CreatedAt, &ev.ResolvedAt, &resolvedBy); err != nil {
			return nil, domain.NewDependencyError("postgres", fmt.Errorf("scan risk event: %w", err))
		}
		ev.ResolvedBy = resolvedBy.String
		if len(details) > 0 {
			var data map[string]any
			if err := json.Unmarshal(details, &data); err == nil {
				ev.Details = data
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDependencyError("postgres", fmt.Errorf("iterate risk events: %w", err))
	}
	return out, nil
}

// ResolveRiskEvent marks an open risk event as resolved.
func (s *Store) ResolveRiskEvent(ctx context.Context, id, resolvedBy string) error {
	if resolvedBy == "" {
		return domain.NewValidationError("resolved_by", "must not be empty")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE risk_events SET resolved_at = now(), resolved_by = $2
		WHERE id = $1 AND resolved_at IS NULL`, id, resolvedBy)
	if err != nil {
		return domain.NewDependencyError("postgres", fmt.Errorf("resolve risk event: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewDependencyError("postgres", fmt.Errorf("resolve risk event: %w", err))
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
