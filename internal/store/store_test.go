package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kilnworks/fleetgate/internal/fleet"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testNode(orgID string) *fleet.Node {
	return &fleet.Node{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Name:           "node-" + uuid.NewString()[:8],
		Status:         fleet.NodeOnline,
		Platform:       "linux/amd64",
		EnrolledAt:     time.Now().UTC(),
	}
}

func TestNodeCreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n := testNode(uuid.NewString())
	if err := s.CreateNode(ctx, n); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if n.Version != 1 {
		t.Errorf("new node version = %d, want 1", n.Version)
	}

	got, err := s.NodeByID(ctx, n.ID)
	if err != nil {
		t.Fatalf("NodeByID: %v", err)
	}
	if got.Name != n.Name || got.OrganizationID != n.OrganizationID {
		t.Errorf("got %+v, want %+v", got, n)
	}

	if _, err := s.NodeByID(ctx, uuid.NewString()); !errors.Is(err, fleet.ErrNotFound) {
		t.Errorf("unknown node: err = %v, want ErrNotFound", err)
	}
}

func TestNodeNameUniquePerOrg(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	org := uuid.NewString()

	a := testNode(org)
	a.Name = "edge-01"
	if err := s.CreateNode(ctx, a); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	dup := testNode(org)
	dup.Name = "edge-01"
	if err := s.CreateNode(ctx, dup); !errors.Is(err, fleet.ErrDuplicateName) {
		t.Errorf("duplicate name in same org: err = %v, want ErrDuplicateName", err)
	}

	other := testNode(uuid.NewString())
	other.Name = "edge-01"
	if err := s.CreateNode(ctx, other); err != nil {
		t.Errorf("same name in different org: %v", err)
	}
}

func TestNodeUpdateOptimisticConcurrency(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n := testNode(uuid.NewString())
	if err := s.CreateNode(ctx, n); err != nil {
		t.Fatal(err)
	}

	stale := *n
	n.Status = fleet.NodeDraining
	if err := s.UpdateNode(ctx, n); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	if n.Version != 2 {
		t.Errorf("version after update = %d, want 2", n.Version)
	}

	stale.Status = fleet.NodeOffline
	if err := s.UpdateNode(ctx, &stale); !errors.Is(err, fleet.ErrVersionConflict) {
		t.Errorf("stale update: err = %v, want ErrVersionConflict", err)
	}

	got, err := s.NodeByID(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != fleet.NodeDraining {
		t.Errorf("status = %q, want %q (stale write must not land)", got.Status, fleet.NodeDraining)
	}
}

func TestNodeSoftDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	org := uuid.NewString()

	n := testNode(org)
	n.Name = "retired"
	if err := s.CreateNode(ctx, n); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	if err := s.SoftDeleteNode(ctx, n.ID, now); err != nil {
		t.Fatalf("SoftDeleteNode: %v", err)
	}
	// Idempotent.
	if err := s.SoftDeleteNode(ctx, n.ID, now.Add(time.Minute)); err != nil {
		t.Fatalf("second SoftDeleteNode: %v", err)
	}

	got, err := s.NodeByID(ctx, n.ID)
	if err != nil {
		t.Fatalf("NodeByID after delete: %v", err)
	}
	if got.Active() {
		t.Error("deleted node still reports Active")
	}

	list, err := s.ListNodes(ctx, org)
	if err != nil {
		t.Fatal(err)
	}
	for _, ln := range list {
		if ln.ID == n.ID {
			t.Error("deleted node still listed")
		}
	}

	// The name is free again.
	reuse := testNode(org)
	reuse.Name = "retired"
	if err := s.CreateNode(ctx, reuse); err != nil {
		t.Errorf("reusing name of deleted node: %v", err)
	}
}

func TestCapacityRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := &fleet.NodeCapacity{
		NodeID:             uuid.NewString(),
		MaxServers:         10,
		AvailableMemoryMB:  8192,
		AvailableDiskMB:    51200,
		AvailableCPUMillis: 4000,
		UpdatedAt:          time.Now().UTC(),
	}
	if err := s.UpsertCapacity(ctx, c); err != nil {
		t.Fatalf("UpsertCapacity: %v", err)
	}
	got, err := s.CapacityForNode(ctx, c.NodeID)
	if err != nil {
		t.Fatalf("CapacityForNode: %v", err)
	}
	if got.AvailableMemoryMB != 8192 || got.MaxServers != 10 {
		t.Errorf("got %+v", got)
	}
}

func TestEnrollmentTokenSingleUse(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tok := &fleet.EnrollmentToken{
		ID:             uuid.NewString()[:8],
		OrganizationID: uuid.NewString(),
		Hash:           []byte("hmac-of-plaintext"),
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
	if err := s.SaveEnrollmentToken(ctx, tok); err != nil {
		t.Fatalf("SaveEnrollmentToken: %v", err)
	}

	nodeID := uuid.NewString()
	used, err := s.ConsumeEnrollmentToken(ctx, tok.ID, nodeID, now)
	if err != nil {
		t.Fatalf("ConsumeEnrollmentToken: %v", err)
	}
	if used.UsedAt == nil || used.UsedByNodeID != nodeID {
		t.Errorf("consumed token not marked used: %+v", used)
	}

	if _, err := s.ConsumeEnrollmentToken(ctx, tok.ID, uuid.NewString(), now); !errors.Is(err, fleet.ErrTokenUsed) {
		t.Errorf("second consume: err = %v, want ErrTokenUsed", err)
	}
}

func TestEnrollmentTokenConcurrentConsume(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tok := &fleet.EnrollmentToken{
		ID:        uuid.NewString()[:8],
		Hash:      []byte("h"),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := s.SaveEnrollmentToken(ctx, tok); err != nil {
		t.Fatal(err)
	}

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nodeID := uuid.NewString()
			if _, err := s.ConsumeEnrollmentToken(ctx, tok.ID, nodeID, now); err == nil {
				wins <- nodeID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("token consumed by %d callers, want exactly 1", len(winners))
	}

	got, err := s.EnrollmentTokenByID(ctx, tok.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsedByNodeID != winners[0] {
		t.Errorf("UsedByNodeID = %q, want winner %q", got.UsedByNodeID, winners[0])
	}
}

func TestEnrollmentTokenExpiredAndRevoked(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("expired", func(t *testing.T) {
		tok := &fleet.EnrollmentToken{
			ID:        uuid.NewString()[:8],
			Hash:      []byte("h"),
			CreatedAt: now.Add(-2 * time.Hour),
			ExpiresAt: now.Add(-time.Hour),
		}
		if err := s.SaveEnrollmentToken(ctx, tok); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ConsumeEnrollmentToken(ctx, tok.ID, uuid.NewString(), now); !errors.Is(err, fleet.ErrTokenExpired) {
			t.Errorf("err = %v, want ErrTokenExpired", err)
		}
	})

	t.Run("revoked", func(t *testing.T) {
		tok := &fleet.EnrollmentToken{
			ID:        uuid.NewString()[:8],
			Hash:      []byte("h"),
			CreatedAt: now,
			ExpiresAt: now.Add(time.Hour),
		}
		if err := s.SaveEnrollmentToken(ctx, tok); err != nil {
			t.Fatal(err)
		}
		if err := s.RevokeEnrollmentToken(ctx, tok.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ConsumeEnrollmentToken(ctx, tok.ID, uuid.NewString(), now); !errors.Is(err, fleet.ErrTokenRevoked) {
			t.Errorf("err = %v, want ErrTokenRevoked", err)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := s.ConsumeEnrollmentToken(ctx, "nope", uuid.NewString(), now); !errors.Is(err, fleet.ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})
}

func TestCertificateRotation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	nodeID := uuid.NewString()
	now := time.Now().UTC()

	first := &fleet.AgentCertificate{
		ID: uuid.NewString(), NodeID: nodeID, Thumbprint: "aaaa",
		NotBefore: now, NotAfter: now.Add(24 * time.Hour), Current: true, CreatedAt: now,
	}
	if err := s.RegisterCertificate(ctx, first); err != nil {
		t.Fatalf("RegisterCertificate: %v", err)
	}

	second := &fleet.AgentCertificate{
		ID: uuid.NewString(), NodeID: nodeID, Thumbprint: "bbbb",
		NotBefore: now, NotAfter: now.Add(48 * time.Hour), Current: true, CreatedAt: now,
	}
	if err := s.RegisterCertificate(ctx, second); err != nil {
		t.Fatalf("RegisterCertificate (rotation): %v", err)
	}

	certs, err := s.CertificatesForNode(ctx, nodeID)
	if err != nil {
		t.Fatal(err)
	}
	if len(certs) != 2 {
		t.Fatalf("got %d certs, want 2", len(certs))
	}
	current := 0
	for _, c := range certs {
		if c.Current {
			current++
			if c.Thumbprint != "bbbb" {
				t.Errorf("current cert is %q, want the rotated-in one", c.Thumbprint)
			}
		}
	}
	if current != 1 {
		t.Errorf("%d current certs, want exactly 1", current)
	}
}

func TestRevokeCertificate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := &fleet.AgentCertificate{
		ID: uuid.NewString(), NodeID: uuid.NewString(), Thumbprint: "cccc",
		NotBefore: now, NotAfter: now.Add(time.Hour), Current: true, CreatedAt: now,
	}
	if err := s.RegisterCertificate(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := s.RevokeCertificate(ctx, "cccc", "key compromise", now); err != nil {
		t.Fatalf("RevokeCertificate: %v", err)
	}
	// Idempotent.
	if err := s.RevokeCertificate(ctx, "cccc", "again", now); err != nil {
		t.Fatalf("second RevokeCertificate: %v", err)
	}

	got, err := s.CertificateByThumbprint(ctx, "cccc")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Revoked || got.RevokedReason != "key compromise" {
		t.Errorf("got %+v, want revoked with original reason kept", got)
	}
}
