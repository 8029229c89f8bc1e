package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kilnworks/fleetgate/internal/fleet"
)

// CapacityError reports which dimension an admission request blew through.
// It wraps fleet.ErrCapacityExceeded for errors.Is checks.
type CapacityError struct {
	NodeID    string
	Dimension string // "memory", "disk", "cpu", "servers"
	Committed int64
	Requested int64
	Available int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("node %s %s: committed %d + requested %d exceeds available %d",
		e.NodeID, e.Dimension, e.Committed, e.Requested, e.Available)
}

func (e *CapacityError) Unwrap() error { return fleet.ErrCapacityExceeded }

// ReserveCapacity is the admission-control transaction. Inside one bbolt
// write transaction it sums the resource requests of the node's Pending and
// Claimed reservations, compares every dimension against the declared
// capacity, and either inserts the new reservation or fails with a
// CapacityError without writing anything.
//
// bbolt admits a single write transaction at a time, so two Reserve calls
// racing on the same node are fully serialized by the store itself: the
// no-overcommit invariant cannot be violated by interleaving. The
// transaction reads one node's index plus a handful of reservation rows,
// so the writer lock is held for microseconds.
func (s *Store) ReserveCapacity(ctx context.Context, res *fleet.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		capData := tx.Bucket(bucketCapacity).Get([]byte(res.NodeID))
		if capData == nil {
			return fmt.Errorf("node %s has not declared capacity: %w", res.NodeID, fleet.ErrNotFound)
		}
		var declared fleet.NodeCapacity
		if err := json.Unmarshal(capData, &declared); err != nil {
			return err
		}

		committed, count, err := committedForNode(tx, res.NodeID)
		if err != nil {
			return err
		}

		if avail := declared.AvailableMemoryMB; committed.MemoryMB+res.Resources.MemoryMB > avail {
			return &CapacityError{NodeID: res.NodeID, Dimension: "memory",
				Committed: committed.MemoryMB, Requested: res.Resources.MemoryMB, Available: avail}
		}
		if avail := declared.AvailableDiskMB; committed.DiskMB+res.Resources.DiskMB > avail {
			return &CapacityError{NodeID: res.NodeID, Dimension: "disk",
				Committed: committed.DiskMB, Requested: res.Resources.DiskMB, Available: avail}
		}
		if avail := declared.AvailableCPUMillis; committed.CPUMillis+res.Resources.CPUMillis > avail {
			return &CapacityError{NodeID: res.NodeID, Dimension: "cpu",
				Committed: committed.CPUMillis, Requested: res.Resources.CPUMillis, Available: avail}
		}
		if declared.MaxServers > 0 {
			slots := int64(declared.MaxServers - declared.CurrentServers)
			if int64(count)+1 > slots {
				return &CapacityError{NodeID: res.NodeID, Dimension: "servers",
					Committed: int64(count), Requested: 1, Available: slots}
			}
		}

		res.Status = fleet.ReservationPending
		if err := putReservation(tx, res); err != nil {
			return err
		}
		if err := tx.Bucket(bucketResvNode).Put(joinKey(res.NodeID, res.Token), []byte(res.Status)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketResvExp).Put(joinKey(timeKey(res.ExpiresAt), res.Token), []byte(res.Token)); err != nil {
			return err
		}

		return appendOutbox(tx, "reservation", reservationEvent{
			Type:          "reservation.created",
			Token:         res.Token,
			NodeID:        res.NodeID,
			Status:        res.Status,
			Resources:     res.Resources,
			CorrelationID: res.CorrelationID,
			OccurredAt:    res.CreatedAt.UTC(),
		}, res.CreatedAt)
	})
}

// ReservationByToken returns the reservation the token references.
func (s *Store) ReservationByToken(ctx context.Context, token string) (*fleet.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var res *fleet.Reservation
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResv).Get([]byte(token))
		if data == nil {
			return fmt.Errorf("reservation %s: %w", token, fleet.ErrNotFound)
		}
		res = new(fleet.Reservation)
		return json.Unmarshal(data, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// TransitionReservation moves a reservation along the one-directional state
// machine: Pending→Claimed, Pending→Released, Claimed→Released,
// Pending→Expired. Any other transition fails with fleet.ErrBadTransition
// and writes nothing.
func (s *Store) TransitionReservation(ctx context.Context, token string, to fleet.ReservationStatus, now time.Time) (*fleet.Reservation, error) {
	return s.transition(ctx, token, to, "", now)
}

// ClaimReservation is TransitionReservation to Claimed with the server the
// capacity is now bound to recorded in the same transaction.
func (s *Store) ClaimReservation(ctx context.Context, token, serverID string, now time.Time) (*fleet.Reservation, error) {
	return s.transition(ctx, token, fleet.ReservationClaimed, serverID, now)
}

func (s *Store) transition(ctx context.Context, token string, to fleet.ReservationStatus, serverID string, now time.Time) (*fleet.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var res *fleet.Reservation
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResv).Get([]byte(token))
		if data == nil {
			return fmt.Errorf("reservation %s: %w", token, fleet.ErrNotFound)
		}
		var r fleet.Reservation
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}

		if !legalTransition(r.Status, to) {
			return fmt.Errorf("reservation %s: %s -> %s: %w", token, r.Status, to, fleet.ErrBadTransition)
		}

		ts := now.UTC()
		switch to {
		case fleet.ReservationClaimed:
			r.ClaimedAt = &ts
			if serverID != "" {
				r.ServerID = serverID
			}
		case fleet.ReservationReleased:
			r.ReleasedAt = &ts
		}

		wasPending := r.Status == fleet.ReservationPending
		r.Status = to
		if err := putReservation(tx, &r); err != nil {
			return err
		}
		if err := tx.Bucket(bucketResvNode).Put(joinKey(r.NodeID, r.Token), []byte(r.Status)); err != nil {
			return err
		}
		// Pending rows leave the expiry index on their first transition.
		if wasPending {
			if err := tx.Bucket(bucketResvExp).Delete(joinKey(timeKey(r.ExpiresAt), r.Token)); err != nil {
				return err
			}
		}

		res = &r
		return appendOutbox(tx, "reservation", reservationEvent{
			Type:          "reservation." + string(to),
			Token:         r.Token,
			NodeID:        r.NodeID,
			Status:        r.Status,
			Resources:     r.Resources,
			CorrelationID: r.CorrelationID,
			OccurredAt:    ts,
		}, now)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CommittedForNode reports the summed resources and count of the node's
// Pending and Claimed reservations, for capacity introspection endpoints.
func (s *Store) CommittedForNode(ctx context.Context, nodeID string) (fleet.ResourceRequest, int, error) {
	if err := ctx.Err(); err != nil {
		return fleet.ResourceRequest{}, 0, err
	}
	var sum fleet.ResourceRequest
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		sum, count, err = committedForNode(tx, nodeID)
		return err
	})
	return sum, count, err
}

// ExpireDueReservations transitions Pending reservations whose expiry has
// passed to Expired, at most limit index entries per call so the write lock
// is never held across an unbounded batch. Returns how many were expired and
// how many index entries the pass examined; the caller loops while a pass
// fills its batch, since a batch padded with stale entries can expire fewer
// rows than it examines. Idempotent: rows already transitioned by a
// concurrent claim/release are skipped and their stale index entries
// dropped.
func (s *Store) ExpireDueReservations(ctx context.Context, now time.Time, limit int) (expired, examined int, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		resv := tx.Bucket(bucketResv)
		byNode := tx.Bucket(bucketResvNode)
		expIdx := tx.Bucket(bucketResvExp)
		cutoff := timeKey(now)

		type due struct{ key, token []byte }
		var batch []due
		cur := expIdx.Cursor()
		for k, v := cur.First(); k != nil && len(batch) < limit; k, v = cur.Next() {
			if string(k[:len(cutoff)]) > cutoff {
				break
			}
			batch = append(batch, due{key: append([]byte(nil), k...), token: append([]byte(nil), v...)})
		}
		examined = len(batch)

		for _, d := range batch {
			if err := expIdx.Delete(d.key); err != nil {
				return err
			}
			data := resv.Get(d.token)
			if data == nil {
				continue
			}
			var r fleet.Reservation
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			if r.Status != fleet.ReservationPending {
				continue // already claimed or released; index entry was stale
			}

			r.Status = fleet.ReservationExpired
			if err := putReservation(tx, &r); err != nil {
				return err
			}
			if err := byNode.Put(joinKey(r.NodeID, r.Token), []byte(r.Status)); err != nil {
				return err
			}
			if err := appendOutbox(tx, "reservation", reservationEvent{
				Type:          "reservation.expired",
				Token:         r.Token,
				NodeID:        r.NodeID,
				Status:        r.Status,
				Resources:     r.Resources,
				CorrelationID: r.CorrelationID,
				OccurredAt:    now.UTC(),
			}, now); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return expired, examined, nil
}

// CountPendingReservations reports the size of the expiry index, which
// tracks exactly the Pending set.
func (s *Store) CountPendingReservations(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketResvExp).Stats().KeyN
		return nil
	})
	return count, err
}

// reservationEvent is the outbox payload for reservation lifecycle changes.
type reservationEvent struct {
	Type          string                  `json:"type"`
	Token         string                  `json:"token"`
	NodeID        string                  `json:"node_id"`
	Status        fleet.ReservationStatus `json:"status"`
	Resources     fleet.ResourceRequest   `json:"resources"`
	CorrelationID string                  `json:"correlation_id,omitempty"`
	OccurredAt    time.Time               `json:"occurred_at"`
}

func putReservation(tx *bolt.Tx, r *fleet.Reservation) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}
	return tx.Bucket(bucketResv).Put([]byte(r.Token), data)
}

// committedForNode sums the committed (Pending or Claimed) reservations of
// one node inside an open transaction.
func committedForNode(tx *bolt.Tx, nodeID string) (fleet.ResourceRequest, int, error) {
	var sum fleet.ResourceRequest
	count := 0

	resv := tx.Bucket(bucketResv)
	cur := tx.Bucket(bucketResvNode).Cursor()
	prefix := joinKey(nodeID, "")
	for k, v := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cur.Next() {
		if !fleet.ReservationStatus(v).Committed() {
			continue
		}
		token := k[len(prefix):]
		data := resv.Get(token)
		if data == nil {
			return sum, count, fmt.Errorf("reservation index points at missing token %s", token)
		}
		var r fleet.Reservation
		if err := json.Unmarshal(data, &r); err != nil {
			return sum, count, err
		}
		sum.MemoryMB += r.Resources.MemoryMB
		sum.DiskMB += r.Resources.DiskMB
		sum.CPUMillis += r.Resources.CPUMillis
		count++
	}
	return sum, count, nil
}

// legalTransition encodes the reservation state machine.
func legalTransition(from, to fleet.ReservationStatus) bool {
	switch from {
	case fleet.ReservationPending:
		return to == fleet.ReservationClaimed || to == fleet.ReservationReleased || to == fleet.ReservationExpired
	case fleet.ReservationClaimed:
		return to == fleet.ReservationReleased
	default:
		return false
	}
}
