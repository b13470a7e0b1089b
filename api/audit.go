package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fieldline/fieldline/audit"
	"github.com/fieldline/fieldline/tenant"
)

func (s *Server) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	tc, _ := tenant.FromContext(r.Context())
	q := r.URL.Query()
	f := audit.Filter{
		ResourceType: q.Get("resourceType"),
		ResourceID:   q.Get("resourceId"),
		EventType:    audit.EventType(q.Get("eventType")),
		AllTenants:   q.Get("allTenants") == "true",
		Limit:        100,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			respondBadRequest(w, "invalid limit")
			return
		}
		f.Limit = n
	}
	for param, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if raw := q.Get(param); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				respondBadRequest(w, "invalid "+param+", want RFC 3339")
				return
			}
			*dst = t
		}
	}
	events, err := s.opts.AuditLog.List(r.Context(), tc, f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
