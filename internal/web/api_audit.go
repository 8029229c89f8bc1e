package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kilnworks/fleetgate/internal/fleet"
	"github.com/kilnworks/fleetgate/internal/store"
)

// apiQueryAudit reads the audit log for one organization. The route's
// tenant guard already bound the organization; filters narrow from there.
func (s *Server) apiQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		OrganizationID: r.PathValue("organizationId"),
		ActorID:        q.Get("actor_id"),
		Action:         q.Get("action"),
		ResourceType:   q.Get("resource_type"),
		Outcome:        fleet.AuditOutcome(q.Get("outcome")),
	}

	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC 3339")
			return
		}
		filter.Until = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	entries, err := s.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
