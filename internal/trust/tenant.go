package trust

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/kilnworks/fleetgate/internal/logging"
)

// RequireTenantScope enforces the secondary authorization check: the
// caller's organization claim must match the route's organization path
// parameter. Routes without the parameter pass unconditionally, so the
// guard is reusable on non-tenant routes.
//
// Denials are deliberately opaque to the caller (plain 403); the specific
// mismatch is logged with identifiers for operators.
func RequireTenantScope(param string, log *logging.Logger) func(http.Handler) http.Handler {
	tlog := log.Component("tenant-guard")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			routeOrg := r.PathValue(param)
			if routeOrg == "" {
				// Non-tenant route: nothing to compare against.
				next.ServeHTTP(w, r)
				return
			}

			routeID, err := uuid.Parse(routeOrg)
			if err != nil {
				tlog.Warn("unparseable organization parameter", "param", routeOrg, "path", r.URL.Path)
				WriteForbidden(w, r)
				return
			}

			id := IdentityFrom(r.Context())
			if id == nil || id.OrganizationID == "" {
				tlog.Warn("missing organization claim", "path", r.URL.Path)
				WriteForbidden(w, r)
				return
			}
			claimID, err := uuid.Parse(id.OrganizationID)
			if err != nil {
				tlog.Warn("unparseable organization claim", "claim", id.OrganizationID, "nodeID", id.NodeID)
				WriteForbidden(w, r)
				return
			}

			if claimID != routeID {
				tlog.Warn("organization scope mismatch",
					"nodeID", id.NodeID,
					"claim", claimID.String(),
					"route", routeID.String(),
				)
				WriteForbidden(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
