package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tradeguard/resilience/internal/domain"
	"github.com/tradeguard/resilience/internal/persistence"
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	// State is "unknown" on dependency failures so clients never render a
	// safe-looking default off a 503.
	State string `json:"state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps the error taxonomy onto status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "concurrent update conflict, retry")
	case domain.IsDependency(err):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), State: "unknown"})
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// --- read surface ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, err := s.machine.State(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	halted, err := s.killswitch.IsTradingHalted(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"mode":            state.CurrentMode,
		"providers_up":    state.ProvidersUp,
		"providers_total": state.ProvidersTotal,
		"trading_halted":  halted,
		"timestamp":       time.Now().UTC(),
	})
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	recs, err := s.registry.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": recs})
}

func (s *Server) handleProviderStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Get(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResilienceState(w http.ResponseWriter, r *http.Request) {
	state, err := s.machine.State(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleResilienceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.machine.Stats(r.Context(), eventFilter(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUptime(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = parsed
	}

	stats, err := s.machine.UptimeStats(r.Context(), window)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRiskState(w http.ResponseWriter, r *http.Request) {
	rec, err := s.killswitch.State(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	halted, err := s.killswitch.IsTradingHalted(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"controller":     rec,
		"trading_halted": halted,
	})
}

func eventFilter(r *http.Request) persistence.EventFilter {
	q := r.URL.Query()
	f := persistence.EventFilter{EventType: q.Get("event_type")}
	if raw := q.Get("automatic"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			f.Automatic = &v
		}
	}
	if raw := q.Get("since"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			f.Since = ts
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			f.Limit = n
		}
	}
	return f
}

func (s *Server) handleResilienceEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.machine.Events(r.Context(), eventFilter(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRiskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.killswitch.Events(r.Context(), eventFilter(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// --- operator surface ---

func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority int `json:"priority"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := s.registry.Register(r.Context(), mux.Vars(r)["name"], body.Priority)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := s.registry.SetEnabled(r.Context(), mux.Vars(r)["name"], body.Enabled)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority int `json:"priority"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := s.registry.SetPriority(r.Context(), mux.Vars(r)["name"], body.Priority)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleOpenBreaker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason     string `json:"reason"`
		OperatorID string `json:"operator_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	name := mux.Vars(r)["name"]
	rec, err := s.registry.OpenBreaker(r.Context(), name, body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	info := domain.BreakerInfo{Provider: name, HealthScore: rec.HealthScore}
	if err := s.machine.RecordBreakerEvent(r.Context(), domain.EventBreakerOpened, body.Reason, info, false, body.OperatorID); err != nil {
		writeDomainError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.IncBreakerTrip(name, false)
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCloseBreaker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OperatorID string `json:"operator_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	name := mux.Vars(r)["name"]
	rec, err := s.registry.CloseBreaker(r.Context(), name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	info := domain.BreakerInfo{Provider: name, HealthScore: rec.HealthScore}
	if err := s.machine.RecordBreakerEvent(r.Context(), domain.EventBreakerClosed, "breaker closed by operator", info, false, body.OperatorID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode       string `json:"mode"`
		Reason     string `json:"reason"`
		OperatorID string `json:"operator_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := s.machine.OverrideMode(r.Context(), domain.Mode(body.Mode), body.Reason, body.OperatorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OperatorID string `json:"operator_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := s.machine.ClearOverride(r.Context(), body.OperatorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAutoRecovery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled    bool   `json:"enabled"`
		OperatorID string `json:"operator_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := s.machine.SetAutoRecovery(r.Context(), body.Enabled, body.OperatorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason     string `json:"reason"`
		OperatorID string `json:"operator_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := s.killswitch.Activate(r.Context(), body.Reason, body.OperatorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason     string `json:"reason"`
		OperatorID string `json:"operator_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := s.killswitch.Deactivate(r.Context(), body.Reason, body.OperatorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRiskConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limits     persistence.RiskLimits `json:"limits"`
		OperatorID string                 `json:"operator_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := s.killswitch.UpdateConfiguration(r.Context(), body.Limits, body.OperatorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResolveEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OperatorID string `json:"operator_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.killswitch.ResolveEvent(r.Context(), mux.Vars(r)["id"], body.OperatorID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// --- push surface ---

func (s *Server) handleSampleBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Samples []domain.HealthSample `json:"samples"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Samples) == 0 {
		writeError(w, http.StatusBadRequest, "samples must not be empty")
		return
	}

	accepted := 0
	for _, sample := range body.Samples {
		if sample.Provider == "" {
			continue
		}
		if s.samples.Offer(sample) {
			accepted++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{
		"accepted": accepted,
		"dropped":  len(body.Samples) - accepted,
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	var snap domain.PortfolioSnapshot
	if !decodeBody(w, r, &snap) {
		return
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	s.portfolio.Offer(snap)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
