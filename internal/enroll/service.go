// Package enroll bootstraps agents into the fleet. A single-use token
// proves the operator authorized the node; the node's first certificate
// (issued out of band by the platform CA) is checked against the trust
// bundle and registered so the mTLS middleware can resolve it afterwards.
package enroll

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/kilnworks/fleetgate/internal/authority"
	"github.com/kilnworks/fleetgate/internal/clock"
	"github.com/kilnworks/fleetgate/internal/events"
	"github.com/kilnworks/fleetgate/internal/fleet"
	"github.com/kilnworks/fleetgate/internal/identity"
	"github.com/kilnworks/fleetgate/internal/logging"
	"github.com/kilnworks/fleetgate/internal/trust"
)

// tokenIDLen is the public prefix of the plaintext used for lookup, so the
// full value never needs to be stored.
const tokenIDLen = 8

// Store is the persistence surface enrollment needs.
type Store interface {
	SaveEnrollmentToken(ctx context.Context, t *fleet.EnrollmentToken) error
	EnrollmentTokenByID(ctx context.Context, id string) (*fleet.EnrollmentToken, error)
	ConsumeEnrollmentToken(ctx context.Context, id, nodeID string, now time.Time) (*fleet.EnrollmentToken, error)
	RevokeEnrollmentToken(ctx context.Context, id string) error
	CreateNode(ctx context.Context, n *fleet.Node) error
	NodeByID(ctx context.Context, nodeID string) (*fleet.Node, error)
	RegisterCertificate(ctx context.Context, c *fleet.AgentCertificate) error
	CertificatesForNode(ctx context.Context, nodeID string) ([]*fleet.AgentCertificate, error)
	RevokeCertificate(ctx context.Context, thumbprint, reason string, now time.Time) error
}

// Recorder receives audit entries. Implementations must not block.
type Recorder interface {
	Record(entry fleet.AuditEntry)
}

// Service mints and consumes enrollment tokens and registers node
// certificates.
type Service struct {
	store     Store
	authority authority.Authority
	recorder  Recorder
	bus       *events.Bus
	clock     clock.Clock
	hmacKey   []byte
	ttl       time.Duration
	domain    string
	log       *logging.Logger
}

// New builds the enrollment service. The HMAC key is derived from the
// configured secret with HKDF-SHA256 so the raw secret never touches disk
// or the token records.
func New(store Store, auth authority.Authority, recorder Recorder, bus *events.Bus, clk clock.Clock, secret string, ttl time.Duration, trustDomain string, log *logging.Logger) (*Service, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("fleetgate enrollment token v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return &Service{
		store:     store,
		authority: auth,
		recorder:  recorder,
		bus:       bus,
		clock:     clk,
		hmacKey:   key,
		ttl:       ttl,
		domain:    trustDomain,
		log:       log,
	}, nil
}

// Mint creates a single-use enrollment token for the organization. The
// plaintext is returned exactly once; only its HMAC is persisted.
func (s *Service) Mint(ctx context.Context, orgID string) (plaintext string, tok *fleet.EnrollmentToken, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	plaintext = hex.EncodeToString(raw)

	now := s.clock.Now().UTC()
	tok = &fleet.EnrollmentToken{
		ID:             plaintext[:tokenIDLen],
		OrganizationID: orgID,
		Hash:           s.hmacToken(plaintext),
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if err := s.store.SaveEnrollmentToken(ctx, tok); err != nil {
		s.auditOp("token.mint", orgID, "enrollment_token", tok.ID, err)
		return "", nil, err
	}

	s.auditOp("token.mint", orgID, "enrollment_token", tok.ID, nil)
	s.log.Info("enrollment token minted", "token_id", tok.ID, "organization_id", orgID, "expires_at", tok.ExpiresAt)
	return plaintext, tok, nil
}

// Revoke invalidates an unused token by its public ID. Tokens owned by
// another organization read as invalid, not as present-but-forbidden.
func (s *Service) Revoke(ctx context.Context, orgID, tokenID string) error {
	tok, err := s.store.EnrollmentTokenByID(ctx, tokenID)
	if err != nil {
		s.auditOp("token.revoke", orgID, "enrollment_token", tokenID, err)
		return err
	}
	if tok.OrganizationID != orgID {
		err := fmt.Errorf("token %s: %w", tokenID, fleet.ErrInvalidToken)
		s.auditOp("token.revoke", orgID, "enrollment_token", tokenID, err)
		return err
	}
	if err := s.store.RevokeEnrollmentToken(ctx, tokenID); err != nil {
		s.auditOp("token.revoke", orgID, "enrollment_token", tokenID, err)
		return err
	}
	s.auditOp("token.revoke", orgID, "enrollment_token", tokenID, nil)
	s.log.Info("enrollment token revoked", "token_id", tokenID, "organization_id", orgID)
	return nil
}

// Request carries one enrollment attempt.
type Request struct {
	Token          string `json:"token"`
	NodeName       string `json:"node_name"`
	Platform       string `json:"platform,omitempty"`
	CertificatePEM string `json:"certificate_pem"`
}

// Result is what a successfully enrolled agent gets back.
type Result struct {
	Node     *fleet.Node `json:"node"`
	CABundle string      `json:"ca_bundle_pem"`
}

// Enroll consumes the token and registers the node. The node's identity is
// read from the certificate's SPIFFE id, so the GUID the CA issued is the
// GUID the fleet knows the node by. The token is burned before the node is
// created, matching the single-use guarantee even when registration fails.
func (s *Service) Enroll(ctx context.Context, req Request) (*Result, error) {
	if len(req.Token) < tokenIDLen {
		return nil, fmt.Errorf("token too short: %w", fleet.ErrInvalidToken)
	}
	if req.NodeName == "" {
		return nil, fmt.Errorf("node name is required")
	}

	tokenID := req.Token[:tokenIDLen]
	tok, err := s.store.EnrollmentTokenByID(ctx, tokenID)
	if err != nil {
		s.log.Warn("enrollment failed: token lookup", "token_id", tokenID, "error", err)
		return nil, err
	}
	if !hmac.Equal(s.hmacToken(req.Token), tok.Hash) {
		s.audit(tok.OrganizationID, req.NodeName, "", fleet.OutcomeDenied, "token mismatch")
		return nil, fmt.Errorf("token verification failed: %w", fleet.ErrInvalidToken)
	}

	cert, err := s.parseCertificate(ctx, req.CertificatePEM)
	if err != nil {
		s.audit(tok.OrganizationID, req.NodeName, "", fleet.OutcomeDenied, err.Error())
		return nil, err
	}
	id, err := identity.FromCertificate(cert)
	if err != nil {
		return nil, fmt.Errorf("certificate identity: %w", err)
	}
	if id == nil {
		return nil, fmt.Errorf("certificate carries no node identity")
	}
	if !strings.EqualFold(id.TrustDomain, s.domain) {
		return nil, fmt.Errorf("certificate trust domain %q does not match %q", id.TrustDomain, s.domain)
	}

	now := s.clock.Now().UTC()
	if _, err := s.store.ConsumeEnrollmentToken(ctx, tokenID, id.NodeID, now); err != nil {
		s.log.Warn("enrollment failed: token consume", "token_id", tokenID, "error", err)
		s.audit(tok.OrganizationID, req.NodeName, id.NodeID, fleet.OutcomeDenied, err.Error())
		return nil, err
	}

	node := &fleet.Node{
		ID:             id.NodeID,
		OrganizationID: tok.OrganizationID,
		Name:           req.NodeName,
		Status:         fleet.NodeOffline,
		Platform:       req.Platform,
		EnrolledAt:     now,
	}
	if err := s.store.CreateNode(ctx, node); err != nil {
		s.audit(tok.OrganizationID, req.NodeName, id.NodeID, fleet.OutcomeFailure, err.Error())
		return nil, err
	}

	if err := s.registerCert(ctx, node.ID, cert, now); err != nil {
		return nil, err
	}

	s.audit(tok.OrganizationID, req.NodeName, node.ID, fleet.OutcomeSuccess, "")
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:           events.EventNodeEnrolled,
			OrganizationID: node.OrganizationID,
			NodeID:         node.ID,
			Message:        node.Name,
			Timestamp:      now,
		})
	}
	s.log.Info("node enrolled",
		"node_id", node.ID, "name", node.Name, "organization_id", node.OrganizationID)
	return &Result{Node: node, CABundle: string(s.authority.BundlePEM())}, nil
}

// Rotate registers a replacement certificate for an already enrolled node.
// The new certificate must carry the node's own SPIFFE id.
func (s *Service) Rotate(ctx context.Context, nodeID, certPEM string) (*fleet.AgentCertificate, error) {
	node, err := s.store.NodeByID(ctx, nodeID)
	if err != nil {
		s.auditRotate("", nodeID, "", err)
		return nil, err
	}
	if !node.Active() {
		err := fmt.Errorf("node %s is deleted: %w", nodeID, fleet.ErrNotFound)
		s.auditRotate(node.OrganizationID, nodeID, "", err)
		return nil, err
	}

	cert, err := s.parseCertificate(ctx, certPEM)
	if err != nil {
		s.auditRotate(node.OrganizationID, nodeID, "", err)
		return nil, err
	}
	id, err := identity.FromCertificate(cert)
	if err != nil {
		err = fmt.Errorf("certificate identity: %w", err)
		s.auditRotate(node.OrganizationID, nodeID, "", err)
		return nil, err
	}
	if id == nil || id.NodeID != nodeID {
		err := fmt.Errorf("certificate identity does not match node %s", nodeID)
		s.auditRotate(node.OrganizationID, nodeID, "", err)
		return nil, err
	}

	now := s.clock.Now().UTC()
	rec := certRecord(nodeID, cert, now)
	if err := s.store.RegisterCertificate(ctx, rec); err != nil {
		s.auditRotate(node.OrganizationID, nodeID, rec.Thumbprint, err)
		return nil, err
	}
	s.auditRotate(node.OrganizationID, nodeID, rec.Thumbprint, nil)
	s.log.Info("certificate rotated", "node_id", nodeID, "thumbprint", rec.Thumbprint, "not_after", rec.NotAfter)
	return rec, nil
}

// Certificates lists the certificate records of a node in the organization.
func (s *Service) Certificates(ctx context.Context, orgID, nodeID string) ([]*fleet.AgentCertificate, error) {
	if err := s.nodeInOrg(ctx, orgID, nodeID); err != nil {
		return nil, err
	}
	return s.store.CertificatesForNode(ctx, nodeID)
}

// RevokeCertificate marks one of the node's certificates revoked, so the
// middleware refuses it even while it is still within its validity window.
func (s *Service) RevokeCertificate(ctx context.Context, orgID, nodeID, thumbprint, reason string) error {
	if err := s.nodeInOrg(ctx, orgID, nodeID); err != nil {
		s.auditOp("certificate.revoke", orgID, "certificate", thumbprint, err)
		return err
	}
	certs, err := s.store.CertificatesForNode(ctx, nodeID)
	if err != nil {
		s.auditOp("certificate.revoke", orgID, "certificate", thumbprint, err)
		return err
	}
	owned := false
	for _, c := range certs {
		if c.Thumbprint == thumbprint {
			owned = true
			break
		}
	}
	if !owned {
		err := fmt.Errorf("certificate %s: %w", thumbprint, fleet.ErrNotFound)
		s.auditOp("certificate.revoke", orgID, "certificate", thumbprint, err)
		return err
	}
	if err := s.store.RevokeCertificate(ctx, thumbprint, reason, s.clock.Now().UTC()); err != nil {
		s.auditOp("certificate.revoke", orgID, "certificate", thumbprint, err)
		return err
	}
	s.auditOp("certificate.revoke", orgID, "certificate", thumbprint, nil)
	s.log.Info("certificate revoked", "node_id", nodeID, "thumbprint", thumbprint, "reason", reason)
	return nil
}

func (s *Service) nodeInOrg(ctx context.Context, orgID, nodeID string) error {
	node, err := s.store.NodeByID(ctx, nodeID)
	if err != nil {
		return err
	}
	if !node.Active() || node.OrganizationID != orgID {
		return fmt.Errorf("node %s: %w", nodeID, fleet.ErrNotFound)
	}
	return nil
}

// CABundle returns the PEM trust bundle agents pin.
func (s *Service) CABundle() []byte {
	return s.authority.BundlePEM()
}

func (s *Service) parseCertificate(ctx context.Context, certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("request carries no PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	ok, err := s.authority.ValidateCertificate(ctx, []byte(certPEM))
	if err != nil {
		return nil, fmt.Errorf("verify certificate: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("certificate not issued by the platform CA")
	}
	return cert, nil
}

func (s *Service) registerCert(ctx context.Context, nodeID string, cert *x509.Certificate, now time.Time) error {
	return s.store.RegisterCertificate(ctx, certRecord(nodeID, cert, now))
}

func certRecord(nodeID string, cert *x509.Certificate, now time.Time) *fleet.AgentCertificate {
	return &fleet.AgentCertificate{
		ID:           uuid.NewString(),
		NodeID:       nodeID,
		Thumbprint:   trust.Thumbprint(cert),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Current:      true,
		CreatedAt:    now,
	}
}

func (s *Service) hmacToken(token string) []byte {
	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write([]byte(token))
	return mac.Sum(nil)
}

// auditOp records one operator-driven token or certificate operation,
// either outcome.
func (s *Service) auditOp(action, orgID, resourceType, resourceID string, opErr error) {
	if s.recorder == nil {
		return
	}
	entry := fleet.AuditEntry{
		ID:             uuid.NewString(),
		Timestamp:      s.clock.Now().UTC(),
		ActorType:      "operator",
		Action:         action,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		OrganizationID: orgID,
		Outcome:        fleet.OutcomeSuccess,
	}
	if opErr != nil {
		entry.Outcome = fleet.OutcomeFailure
		entry.FailureReason = opErr.Error()
	}
	s.recorder.Record(entry)
}

// auditRotate records a rotation attempt. The node rotating its own
// certificate is the actor.
func (s *Service) auditRotate(orgID, nodeID, thumbprint string, opErr error) {
	if s.recorder == nil {
		return
	}
	entry := fleet.AuditEntry{
		ID:             uuid.NewString(),
		Timestamp:      s.clock.Now().UTC(),
		ActorID:        nodeID,
		ActorType:      "node",
		Action:         "certificate.rotate",
		ResourceType:   "certificate",
		ResourceID:     thumbprint,
		OrganizationID: orgID,
		Outcome:        fleet.OutcomeSuccess,
	}
	if opErr != nil {
		entry.Outcome = fleet.OutcomeFailure
		entry.FailureReason = opErr.Error()
	}
	s.recorder.Record(entry)
}

func (s *Service) audit(orgID, nodeName, nodeID string, outcome fleet.AuditOutcome, reason string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(fleet.AuditEntry{
		ID:             uuid.NewString(),
		Timestamp:      s.clock.Now().UTC(),
		ActorID:        nodeID,
		ActorType:      "node",
		Action:         "node.enroll",
		ResourceType:   "node",
		ResourceID:     nodeID,
		ResourceName:   nodeName,
		OrganizationID: orgID,
		Outcome:        outcome,
		FailureReason:  reason,
	})
}
