package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestFormatParseRoundTrip(t *testing.T) {
	domains := []string{"fleet.example.com", "Fleet.Example.COM", "prod.kilnworks.io"}
	for _, domain := range domains {
		t.Run(domain, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				nodeID := uuid.NewString()
				id, err := Parse(Format(domain, nodeID))
				if err != nil {
					t.Fatalf("round trip failed for %s: %v", nodeID, err)
				}
				if id.NodeID != nodeID {
					t.Errorf("node id: got %q, want %q", id.NodeID, nodeID)
				}
				if id.TrustDomain != strings.ToLower(domain) {
					t.Errorf("trust domain: got %q, want %q", id.TrustDomain, strings.ToLower(domain))
				}
			}
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		uri  string
	}{
		{"wrong scheme", "https://fleet.example.com/nodes/" + uuid.NewString()},
		{"no trust domain", "spiffe:///nodes/" + uuid.NewString()},
		{"wrong path prefix", "spiffe://fleet.example.com/agents/" + uuid.NewString()},
		{"no node id", "spiffe://fleet.example.com/nodes/"},
		{"nested path", "spiffe://fleet.example.com/nodes/" + uuid.NewString() + "/extra"},
		{"not a guid", "spiffe://fleet.example.com/nodes/not-a-guid-but-36-characters-long-x"},
		{"short guid", "spiffe://fleet.example.com/nodes/abc123"},
		{"braced guid", "spiffe://fleet.example.com/nodes/{" + uuid.NewString()[:34] + "}"},
		{"port on domain", "spiffe://fleet.example.com:443/nodes/" + uuid.NewString()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.uri); err == nil {
				t.Errorf("expected error for %q", tc.uri)
			}
		})
	}
}

func TestParseNormalisesDomainCase(t *testing.T) {
	nodeID := uuid.NewString()
	id, err := Parse("spiffe://Fleet.Example.COM/nodes/" + nodeID)
	if err != nil {
		t.Fatal(err)
	}
	if id.TrustDomain != "fleet.example.com" {
		t.Errorf("got %q, want lowercased domain", id.TrustDomain)
	}
}

// selfSign builds a throwaway certificate carrying the given SAN URIs.
func selfSign(t *testing.T, uris []*url.URL) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		URIs:         uris,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestFromCertificate(t *testing.T) {
	nodeID := uuid.NewString()

	t.Run("extracts single spiffe uri", func(t *testing.T) {
		cert := selfSign(t, []*url.URL{mustURL(t, Format("fleet.example.com", nodeID))})
		id, err := FromCertificate(cert)
		if err != nil {
			t.Fatal(err)
		}
		if id == nil {
			t.Fatal("expected an identity")
		}
		if id.NodeID != nodeID {
			t.Errorf("got node %q, want %q", id.NodeID, nodeID)
		}
	})

	t.Run("no spiffe uri returns nil without error", func(t *testing.T) {
		cert := selfSign(t, []*url.URL{mustURL(t, "https://example.com/x")})
		id, err := FromCertificate(cert)
		if err != nil {
			t.Fatal(err)
		}
		if id != nil {
			t.Errorf("expected nil identity, got %v", id)
		}
	})

	t.Run("no uris at all returns nil without error", func(t *testing.T) {
		cert := selfSign(t, nil)
		id, err := FromCertificate(cert)
		if err != nil {
			t.Fatal(err)
		}
		if id != nil {
			t.Errorf("expected nil identity, got %v", id)
		}
	})

	t.Run("malformed spiffe uri is an error", func(t *testing.T) {
		cert := selfSign(t, []*url.URL{mustURL(t, "spiffe://fleet.example.com/agents/x")})
		if _, err := FromCertificate(cert); err == nil {
			t.Error("expected error for malformed spiffe id")
		}
	})

	t.Run("multiple spiffe uris is an error", func(t *testing.T) {
		cert := selfSign(t, []*url.URL{
			mustURL(t, Format("fleet.example.com", nodeID)),
			mustURL(t, Format("fleet.example.com", uuid.NewString())),
		})
		if _, err := FromCertificate(cert); err == nil {
			t.Error("expected error for multiple spiffe ids")
		}
	})
}
