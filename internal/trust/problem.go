package trust

import (
	"encoding/json"
	"net/http"
)

// Problem is the structured rejection body for trust failures, shaped after
// RFC 7807 with an extension member for the machine-readable code.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance"`
	ErrorCode string `json:"errorCode,omitempty"`
}

const problemType = "https://fleetgate.dev/problems/certificate-validation"

// WriteUnauthorized writes a 401 problem response carrying the rejection code.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, code Code, detail string) {
	writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", string(code), detail)
}

// WriteForbidden writes a 403 problem response. Authorization denials stay
// generic: the body names no tenant identifiers (those go to the log and the
// audit trail, not the caller).
func WriteForbidden(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, r, http.StatusForbidden, "Forbidden", "", "access to this organization is not permitted")
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, code, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		ErrorCode: code,
	})
}
