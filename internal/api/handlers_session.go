package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/pkg/models"
)

// SessionListHandler handles GET /v1/sessions: the caller's sessions.
func (s *Server) SessionListHandler(w http.ResponseWriter, r *http.Request) {
	list := s.guard.Sessions().ListByActor(claimsFromCtx(r.Context()).Subject)
	if list == nil {
		list = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

// SessionTouchHandler handles POST /v1/sessions/touch for the caller's session.
func (s *Server) SessionTouchHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	if c.SessionID == "" {
		writeError(w, http.StatusBadRequest, "credential is not bound to a session")
		return
	}
	sess, err := s.guard.TouchSession(r.Context(), c.SessionID, clientIP(r))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// SessionTerminateHandler handles DELETE /v1/sessions/{id}. Callers may end
// their own sessions; ending another actor's needs admin:security.
func (s *Server) SessionTerminateHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c := claimsFromCtx(ctx)
	id := chi.URLParam(r, "id")
	sess, err := s.guard.Sessions().Get(id)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	if sess.ActorID != c.Subject && !s.guard.HasPermission(ctx, c, permAdminSecurity) {
		writeCoreError(w, core.E(core.KindPermissionDenied, "", "not the session owner"))
		return
	}
	if err := s.guard.Logout(ctx, id, "terminated by "+c.Subject); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
