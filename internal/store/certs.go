package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kilnworks/fleetgate/internal/fleet"
)

// RegisterCertificate records a certificate for a node and makes it the
// node's current one, demoting any predecessor in the same transaction
// (rotation bookkeeping). Thumbprints are globally unique.
func (s *Store) RegisterCertificate(ctx context.Context, c *fleet.AgentCertificate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		certs := tx.Bucket(bucketCerts)
		if certs.Get([]byte(c.Thumbprint)) != nil {
			return fmt.Errorf("certificate thumbprint %s already registered", c.Thumbprint)
		}

		// Demote the node's previous current certificate.
		byNode := tx.Bucket(bucketCertsNode)
		cur := byNode.Cursor()
		prefix := joinKey(c.NodeID, "")
		for k, v := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cur.Next() {
			data := certs.Get(v)
			if data == nil {
				continue
			}
			var prev fleet.AgentCertificate
			if err := json.Unmarshal(data, &prev); err != nil {
				return err
			}
			if !prev.Current {
				continue
			}
			prev.Current = false
			out, err := json.Marshal(&prev)
			if err != nil {
				return err
			}
			if err := certs.Put(v, out); err != nil {
				return err
			}
		}

		c.Current = true
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal certificate: %w", err)
		}
		if err := certs.Put([]byte(c.Thumbprint), data); err != nil {
			return err
		}
		return byNode.Put(joinKey(c.NodeID, c.ID), []byte(c.Thumbprint))
	})
}

// CertificateByThumbprint returns the stored certificate record.
func (s *Store) CertificateByThumbprint(ctx context.Context, thumbprint string) (*fleet.AgentCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cert *fleet.AgentCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCerts).Get([]byte(thumbprint))
		if data == nil {
			return fmt.Errorf("certificate %s: %w", thumbprint, fleet.ErrNotFound)
		}
		cert = new(fleet.AgentCertificate)
		return json.Unmarshal(data, cert)
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// CertificatesForNode returns every certificate the node has accumulated,
// current and historical.
func (s *Store) CertificatesForNode(ctx context.Context, nodeID string) ([]*fleet.AgentCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*fleet.AgentCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		certs := tx.Bucket(bucketCerts)
		cur := tx.Bucket(bucketCertsNode).Cursor()
		prefix := joinKey(nodeID, "")
		for k, v := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cur.Next() {
			data := certs.Get(v)
			if data == nil {
				continue
			}
			var c fleet.AgentCertificate
			if err := json.Unmarshal(data, &c); err != nil {
				return err
			}
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RevokeCertificate flags a certificate revoked with a reason. Idempotent.
func (s *Store) RevokeCertificate(ctx context.Context, thumbprint, reason string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		certs := tx.Bucket(bucketCerts)
		data := certs.Get([]byte(thumbprint))
		if data == nil {
			return fmt.Errorf("certificate %s: %w", thumbprint, fleet.ErrNotFound)
		}
		var c fleet.AgentCertificate
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if c.Revoked {
			return nil
		}
		revokedAt := now.UTC()
		c.Revoked = true
		c.RevokedReason = reason
		c.RevokedAt = &revokedAt
		c.Current = false
		out, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		return certs.Put([]byte(thumbprint), out)
	})
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}
