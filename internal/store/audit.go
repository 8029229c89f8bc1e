package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kilnworks/fleetgate/internal/fleet"
)

// maxAuditResults caps a single query so a broad filter cannot drag the
// whole log through memory.
const maxAuditResults = 500

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	OrganizationID string
	ActorID        string
	Action         string
	ResourceType   string
	Outcome        fleet.AuditOutcome
	Since          time.Time
	Until          time.Time
	Limit          int
}

// AppendAuditEntries persists a batch in one transaction. Keys are
// timestamp-prefixed so a cursor scan walks chronologically.
func (s *Store) AppendAuditEntries(ctx context.Context, entries []fleet.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketAudit)
		for i := range entries {
			e := &entries[i]
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal audit entry %s: %w", e.ID, err)
			}
			if err := bkt.Put(joinKey(timeKey(e.Timestamp), e.ID), data); err != nil {
				return err
			}
		}
		// The whole batch rides the outbox as one record, so downstream
		// consumers see audit trails with the same atomicity they were
		// written with.
		return appendOutbox(tx, "audit", entries, entries[len(entries)-1].Timestamp)
	})
}

// QueryAudit returns matching entries newest first, capped at the filter's
// limit or maxAuditResults, whichever is smaller.
func (s *Store) QueryAudit(ctx context.Context, f AuditFilter) ([]fleet.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 || limit > maxAuditResults {
		limit = maxAuditResults
	}

	var out []fleet.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketAudit).Cursor()

		var k, v []byte
		if !f.Until.IsZero() {
			// Seek past the cutoff, then walk backwards.
			k, v = cur.Seek(joinKey(timeKey(f.Until), "\xff"))
			if k == nil {
				k, v = cur.Last()
			} else {
				k, v = cur.Prev()
			}
		} else {
			k, v = cur.Last()
		}

		var sinceKey []byte
		if !f.Since.IsZero() {
			sinceKey = []byte(timeKey(f.Since))
		}

		for ; k != nil && len(out) < limit; k, v = cur.Prev() {
			if sinceKey != nil && string(k[:len(sinceKey)]) < string(sinceKey) {
				break
			}
			var e fleet.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if !auditMatches(&e, &f) {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeAuditBefore deletes entries older than the cutoff, at most limit per
// call. Returns how many were removed; the retention job loops until zero.
func (s *Store) PurgeAuditBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketAudit)
		boundary := timeKey(cutoff)

		var victims [][]byte
		cur := bkt.Cursor()
		for k, _ := cur.First(); k != nil && len(victims) < limit; k, _ = cur.Next() {
			if string(k[:len(boundary)]) >= boundary {
				break
			}
			victims = append(victims, append([]byte(nil), k...))
		}
		for _, k := range victims {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func auditMatches(e *fleet.AuditEntry, f *AuditFilter) bool {
	if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	return true
}
