package trust

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/kilnworks/fleetgate/internal/fleet"
	"github.com/kilnworks/fleetgate/internal/logging"
	"github.com/kilnworks/fleetgate/internal/metrics"
)

// Directory resolves a validated certificate identity to its stored node
// and certificate records. Implemented by the bbolt store.
type Directory interface {
	// NodeByID returns the node regardless of soft-delete state; the
	// middleware applies the active predicate itself so deletions surface
	// as unknown_node rather than an internal error.
	NodeByID(ctx context.Context, nodeID string) (*fleet.Node, error)

	// CertificateByThumbprint returns the stored certificate record, or
	// fleet.ErrNotFound when this thumbprint has never been registered.
	CertificateByThumbprint(ctx context.Context, thumbprint string) (*fleet.AgentCertificate, error)
}

// MiddlewareConfig carries the middleware's routing tunables.
type MiddlewareConfig struct {
	Enabled           bool
	RequireClientCert bool
	AgentPrefix       string
	ExemptPaths       map[string]bool // full paths under the prefix
}

// Middleware gatekeeps the fleet endpoint prefix. Requests outside the
// prefix or on an exempt path pass through unchanged; everything else must
// present a client certificate that survives the validator, after which the
// resolved node identity rides the request context.
func Middleware(v *Validator, dir Directory, cfg MiddlewareConfig, log *logging.Logger) func(http.Handler) http.Handler {
	mlog := log.Component("trust-middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Outside the guarded prefix: not a fleet endpoint.
			if !strings.HasPrefix(r.URL.Path, cfg.AgentPrefix) {
				next.ServeHTTP(w, r)
				return
			}

			// Enrollment and CA fetch use token credentials, not mTLS.
			if cfg.ExemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			// Development mode: enforcement globally off.
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				if cfg.RequireClientCert {
					metrics.CertValidations.WithLabelValues(string(CodeMissingCertificate)).Inc()
					WriteUnauthorized(w, r, CodeMissingCertificate, "a client certificate is required on fleet endpoints")
					return
				}
				// Migration period: pass through unauthenticated.
				mlog.Debug("no client certificate, lenient pass-through", "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}

			leaf := r.TLS.PeerCertificates[0]
			res, err := v.Validate(r.Context(), leaf)
			if err != nil {
				var verr *ValidationError
				if errors.As(err, &verr) {
					metrics.CertValidations.WithLabelValues(string(verr.Code)).Inc()
					mlog.Warn("certificate rejected",
						"code", verr.Code,
						"detail", verr.Detail,
						"path", r.URL.Path,
						"remote", r.RemoteAddr,
					)
					WriteUnauthorized(w, r, verr.Code, verr.Detail)
					return
				}
				// Infrastructure failure (CA unreachable, cancelled): fatal
				// for this request only.
				mlog.Error("certificate validation unavailable", "error", err, "path", r.URL.Path)
				http.Error(w, "certificate validation unavailable", http.StatusServiceUnavailable)
				return
			}

			id, vcode, err := resolveIdentity(r.Context(), dir, res)
			if err != nil {
				mlog.Error("identity resolution failed", "error", err, "nodeID", res.NodeID)
				http.Error(w, "identity resolution unavailable", http.StatusServiceUnavailable)
				return
			}
			if vcode != "" {
				metrics.CertValidations.WithLabelValues(string(vcode)).Inc()
				mlog.Warn("identity rejected", "code", vcode, "nodeID", res.NodeID, "thumbprint", res.Thumbprint)
				WriteUnauthorized(w, r, vcode, "node identity could not be established")
				return
			}

			metrics.CertValidations.WithLabelValues("success").Inc()
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// resolveIdentity looks up the node and certificate records behind a
// validated certificate. A missing or soft-deleted node yields
// unknown_node; a registered-but-revoked certificate yields
// certificate_revoked. A thumbprint the store has never seen is accepted:
// certificate registration happens on enrollment and rotation, and the
// validator has already established issuer trust.
func resolveIdentity(ctx context.Context, dir Directory, res *Result) (*Identity, Code, error) {
	node, err := dir.NodeByID(ctx, res.NodeID)
	if errors.Is(err, fleet.ErrNotFound) {
		return nil, CodeUnknownNode, nil
	}
	if err != nil {
		return nil, "", err
	}
	if !node.Active() {
		return nil, CodeUnknownNode, nil
	}

	cert, err := dir.CertificateByThumbprint(ctx, res.Thumbprint)
	if err != nil && !errors.Is(err, fleet.ErrNotFound) {
		return nil, "", err
	}
	if cert != nil && cert.Revoked {
		return nil, CodeRevoked, nil
	}

	return &Identity{
		NodeID:         node.ID,
		SPIFFEID:       res.SPIFFEID,
		Thumbprint:     res.Thumbprint,
		OrganizationID: node.OrganizationID,
	}, "", nil
}
