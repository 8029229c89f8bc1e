package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/kilnworks/fleetgate/internal/fleet"
	"github.com/kilnworks/fleetgate/internal/ledger"
)

// apiReserve admits or refuses a capacity ask against one node. 201 carries
// the token; a refused ask comes back 409 with the blown dimension in the
// message and nothing persisted.
func (s *Server) apiReserve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resources     fleet.ResourceRequest `json:"resources"`
		CorrelationID string                `json:"correlation_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.deps.Ledger.Reserve(r.Context(), ledger.ReserveRequest{
		OrganizationID: r.PathValue("organizationId"),
		NodeID:         r.PathValue("nodeId"),
		Resources:      body.Resources,
		RequestedBy:    actorFrom(r),
		CorrelationID:  body.CorrelationID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) apiGetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Ledger.Get(r.Context(), r.PathValue("token"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) apiClaim(w http.ResponseWriter, r *http.Request) {
	// server_id is optional, so a bodyless claim is fine.
	var body struct {
		ServerID string `json:"server_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.deps.Ledger.Claim(r.Context(), r.PathValue("token"), body.ServerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) apiRelease(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Ledger.Release(r.Context(), r.PathValue("token"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) apiAvailability(w http.ResponseWriter, r *http.Request) {
	avail, err := s.deps.Ledger.Availability(r.Context(), r.PathValue("organizationId"), r.PathValue("nodeId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}
