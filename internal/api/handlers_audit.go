package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/org/authcore/internal/audit"
	"github.com/org/authcore/pkg/models"
)

// auditFilter parses the shared query parameters of the audit routes.
func auditFilter(r *http.Request) (audit.Filter, string, bool) {
	q := r.URL.Query()
	f := audit.Filter{
		ActorID:    q.Get("actor_id"),
		SessionID:  q.Get("session_id"),
		Categories: audit.ParseCategories(q.Get("category")),
		Limit:      100,
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return f, "invalid limit", false
		}
		f.Limit = n
	}
	for name, dst := range map[string]*time.Time{"since": &f.From, "until": &f.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, "invalid " + name, false
			}
			*dst = t
		}
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, "invalid success", false
		}
		f.Success = &b
	}
	return f, "", true
}

// AuditQueryHandler handles GET /v1/audit/events. view=security or
// view=compliance selects the predefined views.
func (s *Server) AuditQueryHandler(w http.ResponseWriter, r *http.Request) {
	var events []models.AuditEvent
	switch r.URL.Query().Get("view") {
	case "security":
		events = s.guard.Audit().SecurityEventsOnly()
	case "compliance":
		events = s.guard.Audit().ComplianceEventsOnly()
	case "":
		f, msg, ok := auditFilter(r)
		if !ok {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		events = s.guard.Audit().Query(f)
	default:
		writeError(w, http.StatusBadRequest, "unknown view")
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": events})
}

// AuditExportHandler handles GET /v1/audit/export?format=jsonl|csv
func (s *Server) AuditExportHandler(w http.ResponseWriter, r *http.Request) {
	f, msg, ok := auditFilter(r)
	if !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if r.URL.Query().Get("limit") == "" {
		f.Limit = 0
	}
	format := r.URL.Query().Get("format")
	switch format {
	case "", audit.FormatJSONL:
		format = audit.FormatJSONL
		w.Header().Set("Content-Type", "application/x-ndjson")
	case audit.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	default:
		writeError(w, http.StatusBadRequest, "unknown format")
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=audit."+format)
	if err := s.guard.Audit().Export(w, format, f); err != nil {
		s.log.Error().Err(err).Msg("audit export failed")
	}
}
