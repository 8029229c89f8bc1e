// Package trust authenticates fleet nodes from their mTLS client
// certificates and authorizes them against tenant boundaries.
//
// The validator turns a raw X.509 certificate into a node identity or a
// typed failure with a machine-readable code; the middleware gates the
// agent endpoint prefix through it; the tenant guard is the secondary
// organization-scope check applied per route.
package trust

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/kilnworks/fleetgate/internal/authority"
	"github.com/kilnworks/fleetgate/internal/clock"
	"github.com/kilnworks/fleetgate/internal/identity"
	"github.com/kilnworks/fleetgate/internal/logging"
)

// Code is a machine-readable certificate rejection reason, surfaced to
// callers in the 401 problem body.
type Code string

const (
	CodeNotYetValid        Code = "certificate_not_yet_valid"
	CodeExpired            Code = "certificate_expired"
	CodeInvalidIssuer      Code = "invalid_issuer"
	CodeMissingClientEKU   Code = "missing_client_auth_eku"
	CodeMissingSPIFFEID    Code = "missing_spiffe_id"
	CodeInvalidSPIFFEID    Code = "invalid_spiffe_id"
	CodeDomainMismatch     Code = "trust_domain_mismatch"
	CodeMissingCertificate Code = "missing_client_certificate"
	CodeRevoked            Code = "certificate_revoked"
	CodeUnknownNode        Code = "unknown_node"
)

// ValidationError is an expected certificate rejection. It is a value the
// caller branches on, not an exceptional condition: infrastructure failures
// (CA unreachable, store down) are returned as ordinary wrapped errors
// instead.
type ValidationError struct {
	Code   Code
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("certificate rejected (%s): %s", e.Code, e.Detail)
}

// Result is a fully validated node identity extracted from a certificate.
type Result struct {
	NodeID     string
	SPIFFEID   string
	Thumbprint string // hex SHA-256 of the raw DER
	NotAfter   time.Time
}

// ValidatorConfig carries the validator's tunables.
type ValidatorConfig struct {
	TrustDomain  string
	AllowExpired bool // development only; every use is logged as a warning
}

// Validator runs the ordered certificate checks. First failure wins.
type Validator struct {
	authority authority.Authority
	cfg       ValidatorConfig
	clock     clock.Clock
	log       *logging.Logger
}

// NewValidator creates a Validator.
func NewValidator(auth authority.Authority, cfg ValidatorConfig, clk clock.Clock, log *logging.Logger) *Validator {
	return &Validator{
		authority: auth,
		cfg:       cfg,
		clock:     clk,
		log:       log.Component("trust"),
	}
}

// Validate checks the certificate in the fixed order: validity window,
// issuer trust, extended key usage, SPIFFE identity, trust domain. The
// first failing check determines the rejection code.
func (v *Validator) Validate(ctx context.Context, cert *x509.Certificate) (*Result, error) {
	now := v.clock.Now()

	if now.Before(cert.NotBefore) {
		return nil, &ValidationError{
			Code:   CodeNotYetValid,
			Detail: fmt.Sprintf("certificate not valid until %s", cert.NotBefore.UTC().Format(time.RFC3339)),
		}
	}

	if now.After(cert.NotAfter) {
		if !v.cfg.AllowExpired {
			return nil, &ValidationError{
				Code:   CodeExpired,
				Detail: fmt.Sprintf("certificate expired %s", cert.NotAfter.UTC().Format(time.RFC3339)),
			}
		}
		// Escape hatch for development environments. Never silent.
		v.log.Warn("accepting expired certificate",
			"serial", cert.SerialNumber.Text(16),
			"notAfter", cert.NotAfter.UTC().Format(time.RFC3339),
		)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	trusted, err := v.authority.ValidateCertificate(ctx, certPEM)
	if err != nil {
		return nil, fmt.Errorf("issuer trust check: %w", err)
	}
	if !trusted {
		return nil, &ValidationError{Code: CodeInvalidIssuer, Detail: "certificate was not issued by a trusted CA"}
	}

	if !hasClientAuthEKU(cert) {
		return nil, &ValidationError{Code: CodeMissingClientEKU, Detail: "certificate does not declare clientAuth extended key usage"}
	}

	// Structured SAN extraction: read the URI general names the x509 parser
	// decoded, never a string rendering of the extension.
	id, err := identity.FromCertificate(cert)
	if err != nil {
		return nil, &ValidationError{Code: CodeInvalidSPIFFEID, Detail: err.Error()}
	}
	if id == nil {
		return nil, &ValidationError{Code: CodeMissingSPIFFEID, Detail: "certificate SAN carries no spiffe URI"}
	}

	if !strings.EqualFold(id.TrustDomain, v.cfg.TrustDomain) {
		return nil, &ValidationError{
			Code:   CodeDomainMismatch,
			Detail: fmt.Sprintf("trust domain %q does not match expected %q", id.TrustDomain, strings.ToLower(v.cfg.TrustDomain)),
		}
	}

	return &Result{
		NodeID:     id.NodeID,
		SPIFFEID:   id.String(),
		Thumbprint: Thumbprint(cert),
		NotAfter:   cert.NotAfter,
	}, nil
}

// Thumbprint computes the hex SHA-256 digest of the certificate's raw DER
// bytes. Stable across PEM re-encodings, unlike serial numbers across CAs.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func hasClientAuthEKU(cert *x509.Certificate) bool {
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageClientAuth {
			return true
		}
	}
	return false
}
