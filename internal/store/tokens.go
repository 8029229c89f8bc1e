package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kilnworks/fleetgate/internal/fleet"
)

// SaveEnrollmentToken persists a freshly minted token record. The plaintext
// never reaches the store; only the HMAC hash does.
func (s *Store) SaveEnrollmentToken(ctx context.Context, t *fleet.EnrollmentToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal enrollment token: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		if tokens.Get([]byte(t.ID)) != nil {
			return fmt.Errorf("enrollment token id %s already exists", t.ID)
		}
		return tokens.Put([]byte(t.ID), data)
	})
}

// EnrollmentTokenByID returns the stored token record.
func (s *Store) EnrollmentTokenByID(ctx context.Context, id string) (*fleet.EnrollmentToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var tok *fleet.EnrollmentToken
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTokens).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("enrollment token %s: %w", id, fleet.ErrInvalidToken)
		}
		tok = new(fleet.EnrollmentToken)
		return json.Unmarshal(data, tok)
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// ConsumeEnrollmentToken flips UsedAt from nil to now, exactly once. The
// check-and-set runs inside one write transaction, so two racing
// consumptions cannot both succeed: the loser sees UsedAt already set and
// fails with fleet.ErrTokenUsed. Expiry and revocation are checked here
// too, so a token cannot be consumed after either.
func (s *Store) ConsumeEnrollmentToken(ctx context.Context, id, nodeID string, now time.Time) (*fleet.EnrollmentToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var tok *fleet.EnrollmentToken
	err := s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		data := tokens.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("enrollment token %s: %w", id, fleet.ErrInvalidToken)
		}
		var t fleet.EnrollmentToken
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if t.Revoked {
			return fmt.Errorf("enrollment token %s: %w", id, fleet.ErrTokenRevoked)
		}
		if t.UsedAt != nil {
			return fmt.Errorf("enrollment token %s used at %s: %w", id, t.UsedAt.Format(time.RFC3339), fleet.ErrTokenUsed)
		}
		if now.After(t.ExpiresAt) {
			return fmt.Errorf("enrollment token %s: %w", id, fleet.ErrTokenExpired)
		}

		usedAt := now.UTC()
		t.UsedAt = &usedAt
		t.UsedByNodeID = nodeID
		out, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		if err := tokens.Put([]byte(id), out); err != nil {
			return err
		}
		tok = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// RevokeEnrollmentToken invalidates an unused token. Idempotent; revoking a
// consumed token is rejected because it no longer guards anything.
func (s *Store) RevokeEnrollmentToken(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		data := tokens.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("enrollment token %s: %w", id, fleet.ErrInvalidToken)
		}
		var t fleet.EnrollmentToken
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if t.UsedAt != nil {
			return fmt.Errorf("enrollment token %s: %w", id, fleet.ErrTokenUsed)
		}
		if t.Revoked {
			return nil
		}
		t.Revoked = true
		out, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		return tokens.Put([]byte(id), out)
	})
}
