package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/kilnworks/fleetgate/internal/fleet"
)

// appendOutbox writes an event record in the same transaction as the state
// change it describes, so a crash can never produce a change without its
// event or an event without its change. The record ID doubles as the
// idempotency key carried to the broker.
func appendOutbox(tx *bolt.Tx, topic string, payload any, now time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	rec := fleet.OutboxRecord{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   body,
		CreatedAt: now.UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketOutbox).Put(joinKey(timeKey(rec.CreatedAt), rec.ID), data)
}

// PendingOutbox returns up to limit unpublished records, oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]fleet.OutboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []fleet.OutboxRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketOutbox).Cursor()
		for k, v := cur.First(); k != nil && len(out) < limit; k, v = cur.Next() {
			var rec fleet.OutboxRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkOutboxPublished removes a record after the broker acknowledged it.
// At-least-once: a crash between publish and this delete replays the
// record, and consumers deduplicate on the record ID.
func (s *Store) MarkOutboxPublished(ctx context.Context, rec fleet.OutboxRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).Delete(joinKey(timeKey(rec.CreatedAt), rec.ID))
	})
}

// MarkOutboxFailure bumps the attempt counter so operators can spot
// records the broker keeps rejecting.
func (s *Store) MarkOutboxFailure(ctx context.Context, rec fleet.OutboxRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketOutbox)
		key := joinKey(timeKey(rec.CreatedAt), rec.ID)
		data := bkt.Get(key)
		if data == nil {
			return nil
		}
		var stored fleet.OutboxRecord
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		stored.Attempts++
		updated, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return bkt.Put(key, updated)
	})
}

// CountOutboxPending reports the backlog size for the pending gauge.
func (s *Store) CountOutboxPending(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketOutbox).Stats().KeyN
		return nil
	})
	return count, err
}
