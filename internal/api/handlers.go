package api

import (
	"cmp"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
)

const (
	defaultCycleLimit = 20
	maxCycleLimit     = 200
)

// latestCycle handles GET /v1/cycles/latest. It returns the last finished
// report, or 404 before the first cycle completes.
func (s *Server) latestCycle(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Cycles == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}
	report, ok := s.deps.Cycles.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no cycle has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// listCycles handles GET /v1/cycles?limit=. Running cycles are included with
// their partial counts.
func (s *Server) listCycles(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle history unavailable")
		return
	}
	limit, err := parseLimit(r, defaultCycleLimit, maxCycleLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": s.deps.History.List(limit)})
}

func (s *Server) getCycle(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle history unavailable")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "cycle_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cycle_id")
		return
	}
	cycle, ok := s.deps.History.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "cycle not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycle": cycle})
}

type sourceDTO struct {
	Name                string              `json:"name"`
	Configured          bool                `json:"configured"`
	Circuit             ingest.CircuitState `json:"circuit"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	RetryAt             time.Time           `json:"retry_at,omitzero"`
	Tokens              float64             `json:"tokens"`
}

// listSources handles GET /v1/sources. Guards that are not connectors (the
// embedding provider) are listed with configured=false.
func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Cycles == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}
	byName := make(map[string]*sourceDTO)
	for _, name := range s.deps.Cycles.Sources() {
		byName[name] = &sourceDTO{Name: name, Configured: true, Circuit: ingest.CircuitClosed}
	}
	if s.deps.States != nil {
		for _, st := range s.deps.States.Snapshot() {
			dto, ok := byName[st.Name]
			if !ok {
				dto = &sourceDTO{Name: st.Name}
				byName[st.Name] = dto
			}
			dto.Circuit = st.Circuit
			dto.ConsecutiveFailures = st.ConsecutiveFailures
			dto.RetryAt = st.RetryAt
			dto.Tokens = st.Tokens
		}
	}
	out := make([]sourceDTO, 0, len(byName))
	for _, dto := range byName {
		out = append(out, *dto)
	}
	slices.SortFunc(out, func(a, b sourceDTO) int { return cmp.Compare(a.Name, b.Name) })
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   s.deps.Cycles.State(),
		"sources": out,
	})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}
