// Package memory provides an in-process Store with the same
// compare-and-swap semantics as the Postgres backend. It backs tests and
// single-node deployments that do not need durable state.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeguard/resilience/internal/domain"
	"github.com/tradeguard/resilience/internal/persistence"
)

// Store is a mutex-guarded in-memory implementation of persistence.Store.
type Store struct {
	mu sync.RWMutex

	providers map[string]persistence.ProviderRecord

	resilience       *persistence.ResilienceRecord
	resilienceEvents []persistence.ResilienceEvent

	risk       *persistence.RiskControllerRecord
	riskEvents []persistence.RiskEvent
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		providers: make(map[string]persistence.ProviderRecord),
	}
}

// GetProvider returns a copy of the named provider record.
func (s *Store) GetProvider(_ context.Context, name string) (*persistence.ProviderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.providers[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

// PutProvider stores rec, enforcing CAS on Version. A record with Version 0
// is treated as a first registration and must not already exist.
func (s *Store) PutProvider(_ context.Context, rec *persistence.ProviderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.providers[rec.Name]
	if rec.Version == 0 {
		if exists {
			return domain.ErrConflict
		}
	} else if !exists || current.Version != rec.Version {
		return domain.ErrConflict
	}

	stored := *rec
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	s.providers[rec.Name] = stored
	rec.Version = stored.Version
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

// ListProviders returns all provider records ordered by descending priority,
// name as tiebreak.
func (s *Store) ListProviders(_ context.Context) ([]persistence.ProviderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]persistence.ProviderRecord, 0, len(s.providers))
	for _, rec := range s.providers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// GetResilienceState returns a copy of the resilience singleton.
func (s *Store) GetResilienceState(_ context.Context) (*persistence.ResilienceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.resilience == nil {
		return nil, domain.ErrNotFound
	}
	rec := *s.resilience
	return &rec, nil
}

// PutResilienceState commits rec and appends events in the same critical
// section, which preserves per-entity event ordering.
func (s *Store) PutResilienceState(_ context.Context, rec *persistence.ResilienceRecord, events ...persistence.ResilienceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Version == 0 {
		if s.resilience != nil {
			return domain.ErrConflict
		}
	} else if s.resilience == nil || s.resilience.Version != rec.Version {
		return domain.ErrConflict
	}

	stored := *rec
	stored.Version++
	s.resilience = &stored
	rec.Version = stored.Version

	now := time.Now().UTC()
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		s.resilienceEvents = append(s.resilienceEvents, ev)
	}
	return nil
}

// ListResilienceEvents returns matching events, newest first.
func (s *Store) ListResilienceEvents(_ context.Context, f persistence.EventFilter) ([]persistence.ResilienceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]persistence.ResilienceEvent, 0, len(s.resilienceEvents))
	for i := len(s.resilienceEvents) - 1; i >= 0; i-- {
		ev := s.resilienceEvents[i]
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if f.Automatic != nil && ev.Automatic != *f.Automatic {
			continue
		}
		if !f.Since.IsZero() && ev.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// GetRiskController returns a copy of the killswitch singleton.
func (s *Store) GetRiskController(_ context.Context) (*persistence.RiskControllerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.risk == nil {
		return nil, domain.ErrNotFound
	}
	rec := *s.risk
	return &rec, nil
}

// PutRiskController commits rec and appends events under the same lock.
func (s *Store) PutRiskController(_ context.Context, rec *persistence.RiskControllerRecord, events ...persistence.RiskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Version == 0 {
		if s.risk != nil {
			return domain.ErrConflict
		}
	} else if s.risk == nil || s.risk.Version != rec.Version {
		return domain.ErrConflict
	}

	stored := *rec
	stored.Version++
	s.risk = &stored
	rec.Version = stored.Version

	now := time.Now().UTC()
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		s.riskEvents = append(s.riskEvents, ev)
	}
	return nil
}

// ListRiskEvents returns matching events, newest first.
func (s *Store) ListRiskEvents(_ context.Context, f persistence.EventFilter) ([]persistence.RiskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]persistence.RiskEvent, 0, len(s.riskEvents))
	for i := len(s.riskEvents) - 1; i >= 0; i-- {
		ev := s.riskEvents[i]
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if !f.Since.IsZero() && ev.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// ResolveRiskEvent marks an open risk event as resolved. Resolving an already
// resolved event fails validation so the audit trail stays single-writer.
func (s *Store) ResolveRiskEvent(_ context.Context, id, resolvedBy string) error {
	if strings.TrimSpace(resolvedBy) == "" {
		return domain.NewValidationError("resolved_by", "must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.riskEvents {
		if s.riskEvents[i].ID != id {
			continue
		}
		if s.riskEvents[i].ResolvedAt != nil {
			return domain.NewValidationError("id", "event already resolved")
		}
		now := time.Now().UTC()
		s.riskEvents[i].ResolvedAt = &now
		s.riskEvents[i].ResolvedBy = resolvedBy
		return nil
	}
	return domain.ErrNotFound
}
