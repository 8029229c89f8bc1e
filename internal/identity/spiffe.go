// Package identity formats and parses the SPIFFE ids that name fleet nodes.
//
// A node identity has the fixed shape
//
//	spiffe://{trust-domain}/nodes/{node-guid}
//
// where the GUID is the 36-character canonical form. Parse is the
// left-inverse of Format: Parse(Format(domain, id)) always yields the
// original values for a valid GUID.
package identity

import (
	"crypto/x509"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const (
	// Scheme is the URI scheme of every SPIFFE id.
	Scheme = "spiffe"

	// nodePathPrefix is the path prefix under which node workloads live.
	nodePathPrefix = "/nodes/"
)

// ID is a parsed node SPIFFE identity.
type ID struct {
	TrustDomain string
	NodeID      string // canonical 36-char GUID
}

// String renders the identity in URI form.
func (id ID) String() string {
	return Format(id.TrustDomain, id.NodeID)
}

// Format builds the SPIFFE URI for a node. The trust domain is lowercased;
// SPIFFE trust domains are case-insensitive and the control plane compares
// them case-insensitively everywhere.
func Format(trustDomain, nodeID string) string {
	return fmt.Sprintf("spiffe://%s/nodes/%s", strings.ToLower(trustDomain), nodeID)
}

// Parse extracts the trust domain and node GUID from a SPIFFE URI string.
// The path must be exactly /nodes/{guid} with a valid 36-character GUID.
func Parse(raw string) (ID, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ID{}, fmt.Errorf("parse spiffe uri: %w", err)
	}
	return ParseURI(u)
}

// ParseURI is Parse for an already-parsed URI, as produced by structured
// SAN extraction from an X.509 certificate.
func ParseURI(u *url.URL) (ID, error) {
	if !strings.EqualFold(u.Scheme, Scheme) {
		return ID{}, fmt.Errorf("scheme %q is not spiffe", u.Scheme)
	}
	if u.Host == "" {
		return ID{}, fmt.Errorf("missing trust domain")
	}
	if u.User != nil || u.Port() != "" {
		return ID{}, fmt.Errorf("trust domain must not carry userinfo or port")
	}

	if !strings.HasPrefix(u.Path, nodePathPrefix) {
		return ID{}, fmt.Errorf("path %q is not under /nodes/", u.Path)
	}
	rest := strings.TrimPrefix(u.Path, nodePathPrefix)
	if rest == "" || strings.Contains(rest, "/") {
		return ID{}, fmt.Errorf("path %q does not name exactly one node", u.Path)
	}

	// The GUID must be the canonical 36-character form. uuid.Parse accepts
	// several alternate encodings (urn:, braces, raw hex), so length-check
	// first to keep Parse a strict inverse of Format.
	if len(rest) != 36 {
		return ID{}, fmt.Errorf("node id %q is not a 36-character guid", rest)
	}
	parsed, err := uuid.Parse(rest)
	if err != nil {
		return ID{}, fmt.Errorf("node id %q is not a valid guid: %w", rest, err)
	}

	return ID{
		TrustDomain: strings.ToLower(u.Host),
		NodeID:      parsed.String(),
	}, nil
}

// FromCertificate extracts the single node SPIFFE id from a certificate's
// SAN URIs. This reads the structured URI general names that the x509
// parser decoded from the extension bytes, never a human-readable
// rendering of the SAN, which is locale- and platform-sensitive.
//
// Returns (nil, nil) when the certificate carries no spiffe-scheme URI at
// all, so callers can distinguish "missing" from "malformed".
func FromCertificate(cert *x509.Certificate) (*ID, error) {
	var spiffeURI *url.URL
	for _, u := range cert.URIs {
		if strings.EqualFold(u.Scheme, Scheme) {
			if spiffeURI != nil {
				return nil, fmt.Errorf("certificate carries multiple spiffe ids")
			}
			spiffeURI = u
		}
	}
	if spiffeURI == nil {
		return nil, nil
	}

	id, err := ParseURI(spiffeURI)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
