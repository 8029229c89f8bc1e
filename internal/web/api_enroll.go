package web

import (
	"encoding/json"
	"net/http"

	"github.com/kilnworks/fleetgate/internal/enroll"
	"github.com/kilnworks/fleetgate/internal/trust"
)

// apiEnroll consumes a single-use token and registers the calling agent.
// Exempt from mTLS: the agent has no accepted certificate yet.
func (s *Server) apiEnroll(w http.ResponseWriter, r *http.Request) {
	var req enroll.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Token == "" || req.NodeName == "" || req.CertificatePEM == "" {
		writeError(w, http.StatusBadRequest, "token, node_name and certificate_pem are required")
		return
	}

	res, err := s.deps.Enroll.Enroll(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// apiCACertificate serves the PEM trust bundle agents pin. Exempt from mTLS.
func (s *Server) apiCACertificate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.deps.Enroll.CABundle())
}

// apiMintToken creates a single-use enrollment token for the organization.
// The plaintext appears in this response and nowhere else.
func (s *Server) apiMintToken(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("organizationId")

	plaintext, tok, err := s.deps.Enroll.Mint(r.Context(), orgID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      plaintext,
		"token_id":   tok.ID,
		"expires_at": tok.ExpiresAt,
	})
}

// apiRevokeToken invalidates an unused enrollment token.
func (s *Server) apiRevokeToken(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Enroll.Revoke(r.Context(), r.PathValue("organizationId"), r.PathValue("tokenId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// apiListCertificates returns a node's certificate records, current and
// superseded, so operators can see what the fleet will still accept.
func (s *Server) apiListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := s.deps.Enroll.Certificates(r.Context(), r.PathValue("organizationId"), r.PathValue("nodeId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"certificates": certs})
}

// apiRevokeCertificate marks one of a node's certificates revoked.
func (s *Server) apiRevokeCertificate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := s.deps.Enroll.RevokeCertificate(r.Context(),
		r.PathValue("organizationId"), r.PathValue("nodeId"), r.PathValue("thumbprint"), body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// apiRotateCertificate registers a replacement certificate for the calling
// node. The caller's current certificate authenticates the request; the new
// one rides the body.
func (s *Server) apiRotateCertificate(w http.ResponseWriter, r *http.Request) {
	id := trust.IdentityFrom(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "node identity required")
		return
	}

	var body struct {
		CertificatePEM string `json:"certificate_pem"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CertificatePEM == "" {
		writeError(w, http.StatusBadRequest, "certificate_pem is required")
		return
	}

	rec, err := s.deps.Enroll.Rotate(r.Context(), id.NodeID, body.CertificatePEM)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}
