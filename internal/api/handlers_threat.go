package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/org/authcore/internal/threat"
	"github.com/org/authcore/pkg/models"
)

// AuthEventHandler handles POST /v1/threat/auth-events. Services that
// authenticate users themselves report outcomes here.
func (s *Server) AuthEventHandler(w http.ResponseWriter, r *http.Request) {
	var ev models.AuthEvent
	if err := decodeJSON(r, &ev); err != nil || ev.ActorID == "" {
		writeError(w, http.StatusBadRequest, "actor_id is required")
		return
	}
	events, err := s.guard.RecordAuthEvent(r.Context(), ev)
	s.writeDetections(w, events, err)
}

// AccessEventHandler handles POST /v1/threat/access-events
func (s *Server) AccessEventHandler(w http.ResponseWriter, r *http.Request) {
	var ev models.AccessEvent
	if err := decodeJSON(r, &ev); err != nil || ev.ActorID == "" || ev.Action == "" {
		writeError(w, http.StatusBadRequest, "actor_id and action are required")
		return
	}
	events, err := s.guard.RecordAccessEvent(r.Context(), ev)
	s.writeDetections(w, events, err)
}

// writeDetections reports emitted events. A failed response action is
// logged; detection itself succeeded.
func (s *Server) writeDetections(w http.ResponseWriter, events []models.SecurityEvent, err error) {
	if err != nil {
		s.log.Warn().Err(err).Int("events", len(events)).Msg("response chain incomplete")
	}
	if events == nil {
		events = []models.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ThreatEventsHandler handles GET /v1/threat/events
func (s *Server) ThreatEventsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := threat.EventFilter{
		Category:       models.ThreatCategory(q.Get("category")),
		MinSeverity:    models.Severity(q.Get("min_severity")),
		ActorID:        q.Get("actor_id"),
		Address:        q.Get("address"),
		UnresolvedOnly: q.Get("unresolved") == "true",
		Limit:          100,
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	events := s.guard.Threat().Events(f)
	if events == nil {
		events = []models.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": events})
}

// ResolveEventHandler handles POST /v1/threat/events/{id}/resolve
func (s *Server) ResolveEventHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.guard.Threat().Resolve(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BlockedHandler handles GET /v1/threat/blocked
func (s *Server) BlockedHandler(w http.ResponseWriter, r *http.Request) {
	addrs, actors := s.guard.Threat().Blocked()
	if addrs == nil {
		addrs = []string{}
	}
	if actors == nil {
		actors = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"addresses": addrs, "actors": actors})
}

// UnblockHandler handles POST /v1/threat/unblock
func (s *Server) UnblockHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	changed := s.guard.Unblock(r.Context(), claimsFromCtx(r.Context()).Subject, req.Address)
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}

// EnableActorHandler handles POST /v1/threat/enable
func (s *Server) EnableActorHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "actor_id is required")
		return
	}
	changed := s.guard.EnableActor(r.Context(), claimsFromCtx(r.Context()).Subject, req.ActorID)
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}
