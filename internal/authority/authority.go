// Package authority is the control plane's view of the external certificate
// authority. Issuance and signing stay with the CA service; the control
// plane only consumes a "does this certificate chain to our CA" capability.
package authority

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Authority answers issuer-trust questions about agent certificates.
type Authority interface {
	// ValidateCertificate reports whether the PEM-encoded certificate was
	// issued by a trusted CA. A false return with nil error is an expected
	// trust failure; a non-nil error means the check itself could not run.
	ValidateCertificate(ctx context.Context, certPEM []byte) (bool, error)

	// BundlePEM returns the CA certificate bundle agents pin.
	BundlePEM() []byte
}

// Pool validates certificates against a fixed CA bundle loaded at startup.
// It implements Authority with local chain verification, which is how the
// control plane runs when it shares a trust root with the CA service.
type Pool struct {
	roots  *x509.CertPool
	bundle []byte
}

// LoadPool reads a PEM bundle of CA certificates from disk.
func LoadPool(path string) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle %s: %w", path, err)
	}
	return NewPool(data)
}

// NewPool builds a Pool from an in-memory PEM bundle.
func NewPool(bundlePEM []byte) (*Pool, error) {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(bundlePEM) {
		return nil, fmt.Errorf("no CA certificates in bundle")
	}
	return &Pool{roots: roots, bundle: bundlePEM}, nil
}

// ValidateCertificate verifies the certificate chains to one of the pool's
// roots. Expiry is deliberately not checked here: the certificate validator
// owns the time checks (including the dev-only allow-expired escape hatch),
// so chain verification runs at the certificate's own NotBefore instant.
func (p *Pool) ValidateCertificate(ctx context.Context, certPEM []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return false, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false, nil
	}

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       p.roots,
		CurrentTime: cert.NotBefore,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageAny},
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

// BundlePEM returns the bundle exactly as loaded.
func (p *Pool) BundlePEM() []byte {
	return p.bundle
}
