package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/kilnworks/fleetgate/internal/fleet"
)

func declareCapacity(t *testing.T, s *Store, nodeID string, memMB, diskMB, cpuMillis int64) {
	t.Helper()
	err := s.UpsertCapacity(context.Background(), &fleet.NodeCapacity{
		NodeID:             nodeID,
		AvailableMemoryMB:  memMB,
		AvailableDiskMB:    diskMB,
		AvailableCPUMillis: cpuMillis,
		UpdatedAt:          time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertCapacity: %v", err)
	}
}

func newReservation(nodeID string, req fleet.ResourceRequest, ttl time.Duration) *fleet.Reservation {
	now := time.Now().UTC()
	return &fleet.Reservation{
		ID:          uuid.NewString(),
		NodeID:      nodeID,
		Token:       uuid.NewString(),
		Resources:   req,
		RequestedBy: "scheduler",
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestReserveClaimReleaseCycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	nodeID := uuid.NewString()
	declareCapacity(t, s, nodeID, 8192, 100_000, 100_000)

	// 4096 of 8192 MB fits.
	first := newReservation(nodeID, fleet.ResourceRequest{MemoryMB: 4096, DiskMB: 10, CPUMillis: 10}, 5*time.Minute)
	if err := s.ReserveCapacity(ctx, first); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if first.Status != fleet.ReservationPending {
		t.Errorf("status = %q, want pending", first.Status)
	}

	// 4096 committed + 5000 requested > 8192: refused, nothing written.
	over := newReservation(nodeID, fleet.ResourceRequest{MemoryMB: 5000}, 5*time.Minute)
	err := s.ReserveCapacity(ctx, over)
	if !errors.Is(err, fleet.ErrCapacityExceeded) {
		t.Fatalf("overcommit reserve: err = %v, want ErrCapacityExceeded", err)
	}
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("err %T does not carry dimension detail", err)
	}
	if capErr.Dimension != "memory" || capErr.Committed != 4096 || capErr.Requested != 5000 {
		t.Errorf("capacity error = %+v", capErr)
	}
	if _, err := s.ReservationByToken(ctx, over.Token); !errors.Is(err, fleet.ErrNotFound) {
		t.Errorf("refused reservation was persisted: err = %v", err)
	}

	// Claiming keeps the commitment, so the 5000 still does not fit.
	if _, err := s.TransitionReservation(ctx, first.Token, fleet.ReservationClaimed, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	retry := newReservation(nodeID, fleet.ResourceRequest{MemoryMB: 5000}, 5*time.Minute)
	if err := s.ReserveCapacity(ctx, retry); !errors.Is(err, fleet.ErrCapacityExceeded) {
		t.Fatalf("reserve against claimed commitment: err = %v, want ErrCapacityExceeded", err)
	}

	// Releasing returns the capacity; now the 5000 fits.
	released, err := s.TransitionReservation(ctx, first.Token, fleet.ReservationReleased, time.Now())
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.ReleasedAt == nil {
		t.Error("released reservation has no ReleasedAt")
	}
	if err := s.ReserveCapacity(ctx, retry); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestReserveParallelNeverOvercommits(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	nodeID := uuid.NewString()
	// Room for exactly one 1024 MB reservation.
	declareCapacity(t, s, nodeID, 1024, 100_000, 100_000)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var admitted int

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := newReservation(nodeID, fleet.ResourceRequest{MemoryMB: 1024}, 5*time.Minute)
			if err := s.ReserveCapacity(ctx, r); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			} else if !errors.Is(err, fleet.ErrCapacityExceeded) {
				t.Errorf("unexpected reserve error: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Fatalf("admitted %d concurrent reservations into capacity for 1, want exactly 1", admitted)
	}

	sum, count, err := s.CommittedForNode(ctx, nodeID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 || sum.MemoryMB != 1024 {
		t.Errorf("committed = %+v over %d reservations", sum, count)
	}
}

func TestReserveChecksEveryDimension(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  fleet.ResourceRequest
		dim  string
	}{
		{"memory", fleet.ResourceRequest{MemoryMB: 2000, DiskMB: 1, CPUMillis: 1}, "memory"},
		{"disk", fleet.ResourceRequest{MemoryMB: 1, DiskMB: 2000, CPUMillis: 1}, "disk"},
		{"cpu", fleet.ResourceRequest{MemoryMB: 1, DiskMB: 1, CPUMillis: 2000}, "cpu"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			nodeID := uuid.NewString()
			declareCapacity(t, s, nodeID, 1000, 1000, 1000)
			err := s.ReserveCapacity(ctx, newReservation(nodeID, tc.req, time.Minute))
			var capErr *CapacityError
			if !errors.As(err, &capErr) {
				t.Fatalf("err = %v, want CapacityError", err)
			}
			if capErr.Dimension != tc.dim {
				t.Errorf("dimension = %q, want %q", capErr.Dimension, tc.dim)
			}
		})
	}
}

func TestReserveWithoutDeclaredCapacity(t *testing.T) {
	s := testStore(t)
	r := newReservation(uuid.NewString(), fleet.ResourceRequest{MemoryMB: 1}, time.Minute)
	if err := s.ReserveCapacity(context.Background(), r); !errors.Is(err, fleet.ErrNotFound) {
		t.Errorf("reserve against undeclared node: err = %v, want ErrNotFound", err)
	}
}

func TestTransitionLegality(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	nodeID := uuid.NewString()
	declareCapacity(t, s, nodeID, 100_000, 100_000, 100_000)

	reserve := func(t *testing.T) *fleet.Reservation {
		t.Helper()
		r := newReservation(nodeID, fleet.ResourceRequest{MemoryMB: 1}, time.Minute)
		if err := s.ReserveCapacity(ctx, r); err != nil {
			t.Fatal(err)
		}
		return r
	}

	t.Run("pending to claimed", func(t *testing.T) {
		r := reserve(t)
		got, err := s.TransitionReservation(ctx, r.Token, fleet.ReservationClaimed, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if got.ClaimedAt == nil {
			t.Error("claimed reservation has no ClaimedAt")
		}
	})

	t.Run("pending to released", func(t *testing.T) {
		r := reserve(t)
		if _, err := s.TransitionReservation(ctx, r.Token, fleet.ReservationReleased, time.Now()); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("claim after release fails", func(t *testing.T) {
		r := reserve(t)
		if _, err := s.TransitionReservation(ctx, r.Token, fleet.ReservationReleased, time.Now()); err != nil {
			t.Fatal(err)
		}
		if _, err := s.TransitionReservation(ctx, r.Token, fleet.ReservationClaimed, time.Now()); !errors.Is(err, fleet.ErrBadTransition) {
			t.Errorf("err = %v, want ErrBadTransition", err)
		}
	})

	t.Run("double claim fails", func(t *testing.T) {
		r := reserve(t)
		if _, err := s.TransitionReservation(ctx, r.Token, fleet.ReservationClaimed, time.Now()); err != nil {
			t.Fatal(err)
		}
		if _, err := s.TransitionReservation(ctx, r.Token, fleet.ReservationClaimed, time.Now()); !errors.Is(err, fleet.ErrBadTransition) {
			t.Errorf("err = %v, want ErrBadTransition", err)
		}
	})

	t.Run("expire claimed fails", func(t *testing.T) {
		r := reserve(t)
		if _, err := s.TransitionReservation(ctx, r.Token, fleet.ReservationClaimed, time.Now()); err != nil {
			t.Fatal(err)
		}
		if _, err := s.TransitionReservation(ctx, r.Token, fleet.ReservationExpired, time.Now()); !errors.Is(err, fleet.ErrBadTransition) {
			t.Errorf("err = %v, want ErrBadTransition", err)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		if _, err := s.TransitionReservation(ctx, uuid.NewString(), fleet.ReservationClaimed, time.Now()); !errors.Is(err, fleet.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestExpireDueReservations(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	nodeID := uuid.NewString()
	declareCapacity(t, s, nodeID, 100_000, 100_000, 100_000)

	var due []*fleet.Reservation
	for i := 0; i < 5; i++ {
		r := newReservation(nodeID, fleet.ResourceRequest{MemoryMB: 10}, -time.Minute)
		if err := s.ReserveCapacity(ctx, r); err != nil {
			t.Fatal(err)
		}
		due = append(due, r)
	}
	fresh := newReservation(nodeID, fleet.ResourceRequest{MemoryMB: 10}, time.Hour)
	if err := s.ReserveCapacity(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	// One due reservation gets claimed before the sweep reaches it.
	if _, err := s.TransitionReservation(ctx, due[0].Token, fleet.ReservationClaimed, time.Now()); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	total := 0
	for {
		n, examined, err := s.ExpireDueReservations(ctx, now, 2)
		if err != nil {
			t.Fatalf("ExpireDueReservations: %v", err)
		}
		total += n
		if examined == 0 {
			break
		}
	}
	if total != 4 {
		t.Errorf("expired %d reservations, want 4 (one claimed, one not due)", total)
	}

	claimed, err := s.ReservationByToken(ctx, due[0].Token)
	if err != nil {
		t.Fatal(err)
	}
	if claimed.Status != fleet.ReservationClaimed {
		t.Errorf("claimed reservation flipped to %q by the sweep", claimed.Status)
	}
	kept, err := s.ReservationByToken(ctx, fresh.Token)
	if err != nil {
		t.Fatal(err)
	}
	if kept.Status != fleet.ReservationPending {
		t.Errorf("undue reservation flipped to %q", kept.Status)
	}

	// Expiry returned the capacity to the pool.
	sum, _, err := s.CommittedForNode(ctx, nodeID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.MemoryMB != 20 { // one claimed + one pending
		t.Errorf("committed memory = %d, want 20", sum.MemoryMB)
	}

	// A second sweep finds nothing.
	n, examined, err := s.ExpireDueReservations(ctx, now, 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || examined != 0 {
		t.Errorf("repeat sweep expired %d (examined %d), want 0", n, examined)
	}
}

func TestExpireDueReservationsReportsExamined(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	nodeID := uuid.NewString()
	declareCapacity(t, s, nodeID, 100_000, 100_000, 100_000)

	// Two claimed rows and one still-pending row, all past their deadline.
	stale := make([]*fleet.Reservation, 2)
	for i := range stale {
		r := newReservation(nodeID, fleet.ResourceRequest{MemoryMB: 10}, -2*time.Minute)
		if err := s.ReserveCapacity(ctx, r); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ClaimReservation(ctx, r.Token, "srv-1", time.Now()); err != nil {
			t.Fatal(err)
		}
		stale[i] = r
	}
	pending := newReservation(nodeID, fleet.ResourceRequest{MemoryMB: 10}, -time.Minute)
	if err := s.ReserveCapacity(ctx, pending); err != nil {
		t.Fatal(err)
	}

	// Plant index entries pointing at the claimed rows. They sort before the
	// pending row's entry, so a limit-2 batch is filled entirely with
	// entries that expire nothing.
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketResvExp)
		for _, r := range stale {
			if err := idx.Put(joinKey(timeKey(r.ExpiresAt), r.Token), []byte(r.Token)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	n, examined, err := s.ExpireDueReservations(ctx, now, 2)
	if err != nil {
		t.Fatalf("ExpireDueReservations: %v", err)
	}
	if n != 0 || examined != 2 {
		t.Fatalf("first pass expired %d examined %d, want 0 and 2", n, examined)
	}

	// A caller looping on examined entries reaches the pending row.
	n, examined, err = s.ExpireDueReservations(ctx, now, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || examined != 1 {
		t.Errorf("second pass expired %d examined %d, want 1 and 1", n, examined)
	}
	got, err := s.ReservationByToken(ctx, pending.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != fleet.ReservationExpired {
		t.Errorf("pending row status = %q, want expired", got.Status)
	}
}

func TestCountPendingReservations(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	nodeID := uuid.NewString()
	declareCapacity(t, s, nodeID, 100_000, 100_000, 100_000)

	for i := 0; i < 3; i++ {
		if err := s.ReserveCapacity(ctx, newReservation(nodeID, fleet.ResourceRequest{MemoryMB: 1}, time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	r := newReservation(nodeID, fleet.ResourceRequest{MemoryMB: 1}, time.Hour)
	if err := s.ReserveCapacity(ctx, r); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionReservation(ctx, r.Token, fleet.ReservationClaimed, time.Now()); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountPendingReservations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("pending count = %d, want 3", n)
	}
}

func TestReservationEventsLandInOutbox(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	nodeID := uuid.NewString()
	declareCapacity(t, s, nodeID, 100_000, 100_000, 100_000)

	r := newReservation(nodeID, fleet.ResourceRequest{MemoryMB: 1}, time.Hour)
	if err := s.ReserveCapacity(ctx, r); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionReservation(ctx, r.Token, fleet.ReservationClaimed, time.Now()); err != nil {
		t.Fatal(err)
	}

	recs, err := s.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("outbox holds %d records, want 2", len(recs))
	}
	if recs[0].Topic != "reservation" {
		t.Errorf("topic = %q", recs[0].Topic)
	}

	if err := s.MarkOutboxPublished(ctx, recs[0]); err != nil {
		t.Fatal(err)
	}
	left, err := s.CountOutboxPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if left != 1 {
		t.Errorf("pending after publish = %d, want 1", left)
	}
}
