// Package web is the HTTPS surface of the control plane. Fleet endpoints
// live under the agent prefix behind the mTLS trust middleware; enrollment
// and the CA bundle are exempt; health and metrics sit outside the prefix.
package web

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilnworks/fleetgate/internal/audit"
	"github.com/kilnworks/fleetgate/internal/config"
	"github.com/kilnworks/fleetgate/internal/enroll"
	"github.com/kilnworks/fleetgate/internal/events"
	"github.com/kilnworks/fleetgate/internal/fleet"
	"github.com/kilnworks/fleetgate/internal/ledger"
	"github.com/kilnworks/fleetgate/internal/logging"
	"github.com/kilnworks/fleetgate/internal/node"
	"github.com/kilnworks/fleetgate/internal/trust"
)

// Dependencies defines what the web server needs from the rest of the
// application.
type Dependencies struct {
	Config    *config.Config
	Enroll    *enroll.Service
	Nodes     *node.Service
	Ledger    *ledger.Ledger
	Audit     *audit.Recorder
	Validator *trust.Validator
	Directory trust.Directory
	EventBus  *events.Bus
	Log       *logging.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	prefix := s.deps.Config.AgentPrefix
	log := s.deps.Log
	tenant := trust.RequireTenantScope("organizationId", log)

	// Exempt from mTLS: bootstrap surface.
	s.mux.HandleFunc("POST "+prefix+"enroll", s.apiEnroll)
	s.mux.HandleFunc("GET "+prefix+"ca-certificate", s.apiCACertificate)

	// Node self endpoints: the caller acts as the node its certificate names.
	s.mux.HandleFunc("POST "+prefix+"heartbeat", s.apiHeartbeat)
	s.mux.HandleFunc("POST "+prefix+"certificates", s.apiRotateCertificate)

	// Tenant-scoped operator/scheduler endpoints.
	s.mux.Handle("POST "+prefix+"organizations/{organizationId}/tokens", tenant(http.HandlerFunc(s.apiMintToken)))
	s.mux.Handle("DELETE "+prefix+"organizations/{organizationId}/tokens/{tokenId}", tenant(http.HandlerFunc(s.apiRevokeToken)))
	s.mux.Handle("GET "+prefix+"organizations/{organizationId}/nodes", tenant(http.HandlerFunc(s.apiListNodes)))
	s.mux.Handle("GET "+prefix+"organizations/{organizationId}/nodes/{nodeId}", tenant(http.HandlerFunc(s.apiGetNode)))
	s.mux.Handle("DELETE "+prefix+"organizations/{organizationId}/nodes/{nodeId}", tenant(http.HandlerFunc(s.apiDeleteNode)))
	s.mux.Handle("POST "+prefix+"organizations/{organizationId}/nodes/{nodeId}/drain", tenant(http.HandlerFunc(s.apiDrainNode)))
	s.mux.Handle("GET "+prefix+"organizations/{organizationId}/nodes/{nodeId}/health", tenant(http.HandlerFunc(s.apiNodeHealth)))
	s.mux.Handle("GET "+prefix+"organizations/{organizationId}/nodes/{nodeId}/certificates", tenant(http.HandlerFunc(s.apiListCertificates)))
	s.mux.Handle("POST "+prefix+"organizations/{organizationId}/nodes/{nodeId}/certificates/{thumbprint}/revoke", tenant(http.HandlerFunc(s.apiRevokeCertificate)))
	s.mux.Handle("GET "+prefix+"organizations/{organizationId}/nodes/{nodeId}/availability", tenant(http.HandlerFunc(s.apiAvailability)))
	s.mux.Handle("POST "+prefix+"organizations/{organizationId}/nodes/{nodeId}/reservations", tenant(http.HandlerFunc(s.apiReserve)))
	s.mux.Handle("GET "+prefix+"organizations/{organizationId}/audit", tenant(http.HandlerFunc(s.apiQueryAudit)))
	s.mux.Handle("GET "+prefix+"organizations/{organizationId}/events", tenant(http.HandlerFunc(s.apiEvents)))

	// Reservation lifecycle is keyed by the opaque token, not the tenant.
	s.mux.HandleFunc("GET "+prefix+"reservations/{token}", s.apiGetReservation)
	s.mux.HandleFunc("POST "+prefix+"reservations/{token}/claim", s.apiClaim)
	s.mux.HandleFunc("POST "+prefix+"reservations/{token}/release", s.apiRelease)

	// Operational surface, outside the guarded prefix.
	s.mux.HandleFunc("GET /healthz", s.apiHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the full middleware-wrapped handler chain.
func (s *Server) Handler() http.Handler {
	cfg := s.deps.Config
	mw := trust.Middleware(s.deps.Validator, s.deps.Directory, trust.MiddlewareConfig{
		Enabled:           cfg.TrustEnabled,
		RequireClientCert: cfg.RequireClientCert,
		AgentPrefix:       cfg.AgentPrefix,
		ExemptPaths:       cfg.ExemptPathSet(),
	}, s.deps.Log)
	return mw(s.mux)
}

// ListenAndServe starts the HTTPS listener. The TLS config requests client
// certificates without terminating handshakes that lack one; enforcement is
// the trust middleware's job, so exempt paths stay reachable for agents
// that have nothing to present yet.
func (s *Server) ListenAndServe() error {
	cfg := s.deps.Config

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ClientAuth: tls.VerifyClientCertIfGiven,
	}
	if cfg.CABundleFile != "" {
		pool := x509.NewCertPool()
		bundle, err := os.ReadFile(cfg.CABundleFile)
		if err != nil {
			return fmt.Errorf("read ca bundle: %w", err)
		}
		if !pool.AppendCertsFromPEM(bundle) {
			return fmt.Errorf("ca bundle %s holds no certificates", cfg.CABundleFile)
		}
		tlsCfg.ClientCAs = pool
	}

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Handler(),
		TLSConfig:    tlsCfg,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control plane listening", "addr", cfg.ListenAddr)
	return s.server.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) apiHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the shared sentinel errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fleet.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fleet.ErrCapacityExceeded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, fleet.ErrBadTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, fleet.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, fleet.ErrDuplicateName):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, fleet.ErrTokenUsed),
		errors.Is(err, fleet.ErrTokenExpired),
		errors.Is(err, fleet.ErrTokenRevoked),
		errors.Is(err, fleet.ErrInvalidToken):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
