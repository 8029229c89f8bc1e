package node

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kilnworks/fleetgate/internal/fleet"
	"github.com/kilnworks/fleetgate/internal/logging"
	"github.com/kilnworks/fleetgate/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newService(t *testing.T) (*Service, *store.Store, *fakeClock, string, string) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := New(s, nil, nil, clk, logging.New(false))

	n := &fleet.Node{
		ID:             uuid.NewString(),
		OrganizationID: uuid.NewString(),
		Name:           "worker-01",
		Status:         fleet.NodeOffline,
		EnrolledAt:     clk.Now(),
	}
	if err := s.CreateNode(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	return svc, s, clk, n.OrganizationID, n.ID
}

func TestHeartbeatUpdatesNode(t *testing.T) {
	svc, s, clk, _, nodeID := newService(t)
	ctx := context.Background()

	clk.Advance(time.Minute)
	got, err := svc.Heartbeat(ctx, nodeID, HeartbeatReport{
		Status:   fleet.NodeOnline,
		Platform: "linux/arm64",
		Capacity: &CapacityReport{
			MaxServers:         5,
			AvailableMemoryMB:  4096,
			AvailableDiskMB:    20480,
			AvailableCPUMillis: 2000,
		},
	})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if got.Status != fleet.NodeOnline || got.Platform != "linux/arm64" {
		t.Errorf("node after heartbeat = %+v", got)
	}
	if !got.LastHeartbeat.Equal(clk.Now()) {
		t.Errorf("LastHeartbeat = %v, want %v", got.LastHeartbeat, clk.Now())
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}

	avail, err := s.CapacityForNode(ctx, nodeID)
	if err != nil {
		t.Fatalf("CapacityForNode: %v", err)
	}
	if avail.AvailableMemoryMB != 4096 || avail.MaxServers != 5 {
		t.Errorf("capacity = %+v", avail)
	}
}

func TestHeartbeatDerivesHealth(t *testing.T) {
	svc, _, clk, orgID, nodeID := newService(t)
	ctx := context.Background()

	_, err := svc.Heartbeat(ctx, nodeID, HeartbeatReport{
		Status: fleet.NodeOnline,
		Health: &HealthReport{CPUPercent: 50, MemoryPercent: 50, DiskPercent: 50},
	})
	if err != nil {
		t.Fatal(err)
	}

	h, err := svc.Health(ctx, orgID, nodeID)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Score != 50 || h.Trend != fleet.TrendStable {
		t.Errorf("first report: score = %d trend = %q", h.Score, h.Trend)
	}
	firstChange := h.LastScoreChange

	// Load drops sharply: trend flips to improving, change timestamp moves.
	clk.Advance(time.Minute)
	if _, err := svc.Heartbeat(ctx, nodeID, HeartbeatReport{
		Health: &HealthReport{CPUPercent: 5, MemoryPercent: 5, DiskPercent: 5},
	}); err != nil {
		t.Fatal(err)
	}
	h, err = svc.Health(ctx, orgID, nodeID)
	if err != nil {
		t.Fatal(err)
	}
	if h.Trend != fleet.TrendImproving {
		t.Errorf("trend = %q, want improving", h.Trend)
	}
	if !h.LastScoreChange.After(firstChange) {
		t.Error("LastScoreChange did not advance on a score change")
	}

	// Identical report: score unchanged, timestamp stays put.
	secondChange := h.LastScoreChange
	clk.Advance(time.Minute)
	if _, err := svc.Heartbeat(ctx, nodeID, HeartbeatReport{
		Health: &HealthReport{CPUPercent: 5, MemoryPercent: 5, DiskPercent: 5},
	}); err != nil {
		t.Fatal(err)
	}
	h, err = svc.Health(ctx, orgID, nodeID)
	if err != nil {
		t.Fatal(err)
	}
	if !h.LastScoreChange.Equal(secondChange) {
		t.Error("LastScoreChange moved without a score change")
	}
}

func TestHeartbeatRejectsBadStatus(t *testing.T) {
	svc, _, _, _, nodeID := newService(t)
	if _, err := svc.Heartbeat(context.Background(), nodeID, HeartbeatReport{Status: "rebooting"}); err == nil {
		t.Error("want error for unknown status")
	}
}

func TestHeartbeatDeletedNode(t *testing.T) {
	svc, s, clk, _, nodeID := newService(t)
	ctx := context.Background()

	if err := s.SoftDeleteNode(ctx, nodeID, clk.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Heartbeat(ctx, nodeID, HeartbeatReport{Status: fleet.NodeOnline}); !errors.Is(err, fleet.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestForeignOrganizationReadsAsNotFound(t *testing.T) {
	svc, _, _, _, nodeID := newService(t)
	ctx := context.Background()
	otherOrg := uuid.NewString()

	if _, err := svc.Get(ctx, otherOrg, nodeID); !errors.Is(err, fleet.ErrNotFound) {
		t.Errorf("Get: err = %v, want ErrNotFound", err)
	}
	if _, err := svc.Health(ctx, otherOrg, nodeID); !errors.Is(err, fleet.ErrNotFound) {
		t.Errorf("Health: err = %v, want ErrNotFound", err)
	}
	if _, err := svc.Drain(ctx, otherOrg, nodeID, "ops@example.com"); !errors.Is(err, fleet.ErrNotFound) {
		t.Errorf("Drain: err = %v, want ErrNotFound", err)
	}
	if err := svc.Delete(ctx, otherOrg, nodeID, "ops@example.com"); !errors.Is(err, fleet.ErrNotFound) {
		t.Errorf("Delete: err = %v, want ErrNotFound", err)
	}
}

func TestDrainAndDelete(t *testing.T) {
	svc, _, _, orgID, nodeID := newService(t)
	ctx := context.Background()

	n, err := svc.Drain(ctx, orgID, nodeID, "ops@example.com")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n.Status != fleet.NodeDraining {
		t.Errorf("status = %q, want draining", n.Status)
	}

	if err := svc.Delete(ctx, orgID, nodeID, "ops@example.com"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, orgID, nodeID); !errors.Is(err, fleet.ErrNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
	}
}
