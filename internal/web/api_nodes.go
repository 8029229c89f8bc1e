package web

import (
	"encoding/json"
	"net/http"

	"github.com/kilnworks/fleetgate/internal/node"
	"github.com/kilnworks/fleetgate/internal/trust"
)

// apiHeartbeat applies the calling node's liveness report. The node acts on
// itself: the target comes from the certificate identity, never the body.
func (s *Server) apiHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := trust.IdentityFrom(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "node identity required")
		return
	}

	var report node.HeartbeatReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	n, err := s.deps.Nodes.Heartbeat(r.Context(), id.NodeID, report)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) apiListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.Nodes.List(r.Context(), r.PathValue("organizationId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) apiGetNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Nodes.Get(r.Context(), r.PathValue("organizationId"), r.PathValue("nodeId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) apiDeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Nodes.Delete(r.Context(), r.PathValue("organizationId"), r.PathValue("nodeId"), actorFrom(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) apiDrainNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Nodes.Drain(r.Context(), r.PathValue("organizationId"), r.PathValue("nodeId"), actorFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) apiNodeHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.deps.Nodes.Health(r.Context(), r.PathValue("organizationId"), r.PathValue("nodeId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// actorFrom names the caller for the audit trail: the node identity when
// present, otherwise the scheduler header set by the upstream gateway.
func actorFrom(r *http.Request) string {
	if id := trust.IdentityFrom(r.Context()); id != nil {
		return id.NodeID
	}
	if actor := r.Header.Get("X-Requested-By"); actor != "" {
		return actor
	}
	return "unknown"
}
