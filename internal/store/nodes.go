package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kilnworks/fleetgate/internal/fleet"
)

// CreateNode persists a new node. Name uniqueness is enforced per
// (organization, not-deleted) through the node_names index; a clash fails
// with fleet.ErrDuplicateName. The optimistic version starts at 1.
func (s *Store) CreateNode(ctx context.Context, n *fleet.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNodeNames)
		nameKey := joinKey(n.OrganizationID, n.Name)
		if names.Get(nameKey) != nil {
			return fmt.Errorf("node %q in organization %s: %w", n.Name, n.OrganizationID, fleet.ErrDuplicateName)
		}

		n.Version = 1
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshal node: %w", err)
		}
		if err := tx.Bucket(bucketNodes).Put([]byte(n.ID), data); err != nil {
			return err
		}
		return names.Put(nameKey, []byte(n.ID))
	})
}

// NodeByID returns the node, including soft-deleted ones. Callers that only
// want live nodes apply the Active predicate (ListNodes already does).
func (s *Store) NodeByID(ctx context.Context, nodeID string) (*fleet.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var node *fleet.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(nodeID))
		if data == nil {
			return fmt.Errorf("node %s: %w", nodeID, fleet.ErrNotFound)
		}
		node = new(fleet.Node)
		return json.Unmarshal(data, node)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// ListNodes returns the active nodes of one organization, applying the
// soft-delete predicate at the query boundary.
func (s *Store) ListNodes(ctx context.Context, orgID string) ([]*fleet.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var nodes []*fleet.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n fleet.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.OrganizationID == orgID && n.Active() {
				nodes = append(nodes, &n)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// UpdateNode applies an optimistic-concurrency update: the caller's Version
// must match the stored one, otherwise fleet.ErrVersionConflict is returned
// and the caller re-reads and retries (or surfaces the conflict). On
// success the stored version is incremented.
func (s *Store) UpdateNode(ctx context.Context, n *fleet.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		data := nodes.Get([]byte(n.ID))
		if data == nil {
			return fmt.Errorf("node %s: %w", n.ID, fleet.ErrNotFound)
		}
		var stored fleet.Node
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if stored.Version != n.Version {
			return fmt.Errorf("node %s: stored version %d, caller version %d: %w",
				n.ID, stored.Version, n.Version, fleet.ErrVersionConflict)
		}

		// Name changes re-point the uniqueness index.
		if stored.Name != n.Name || stored.OrganizationID != n.OrganizationID {
			names := tx.Bucket(bucketNodeNames)
			newKey := joinKey(n.OrganizationID, n.Name)
			if owner := names.Get(newKey); owner != nil && !bytes.Equal(owner, []byte(n.ID)) {
				return fmt.Errorf("node %q in organization %s: %w", n.Name, n.OrganizationID, fleet.ErrDuplicateName)
			}
			if err := names.Delete(joinKey(stored.OrganizationID, stored.Name)); err != nil {
				return err
			}
			if err := names.Put(newKey, []byte(n.ID)); err != nil {
				return err
			}
		}

		n.Version = stored.Version + 1
		out, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshal node: %w", err)
		}
		return nodes.Put([]byte(n.ID), out)
	})
}

// SoftDeleteNode marks the node deleted and frees its name for reuse. The
// row itself stays for the audit trail. Idempotent: deleting an already
// deleted node is a no-op.
func (s *Store) SoftDeleteNode(ctx context.Context, nodeID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		data := nodes.Get([]byte(nodeID))
		if data == nil {
			return fmt.Errorf("node %s: %w", nodeID, fleet.ErrNotFound)
		}
		var n fleet.Node
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if !n.Active() {
			return nil
		}

		if err := tx.Bucket(bucketNodeNames).Delete(joinKey(n.OrganizationID, n.Name)); err != nil {
			return err
		}
		deletedAt := now.UTC()
		n.DeletedAt = &deletedAt
		n.Version++
		out, err := json.Marshal(&n)
		if err != nil {
			return fmt.Errorf("marshal node: %w", err)
		}
		return nodes.Put([]byte(nodeID), out)
	})
}

// UpsertCapacity replaces the node's declared capacity ceiling.
func (s *Store) UpsertCapacity(ctx context.Context, c *fleet.NodeCapacity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal capacity: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCapacity).Put([]byte(c.NodeID), data)
	})
}

// CapacityForNode returns the node's declared capacity.
func (s *Store) CapacityForNode(ctx context.Context, nodeID string) (*fleet.NodeCapacity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var c *fleet.NodeCapacity
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCapacity).Get([]byte(nodeID))
		if data == nil {
			return fmt.Errorf("capacity for node %s: %w", nodeID, fleet.ErrNotFound)
		}
		c = new(fleet.NodeCapacity)
		return json.Unmarshal(data, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpsertHealth replaces the node's latest health report.
func (s *Store) UpsertHealth(ctx context.Context, h *fleet.NodeHealth) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHealth).Put([]byte(h.NodeID), data)
	})
}

// HealthForNode returns the node's latest health report, or
// fleet.ErrNotFound before the first heartbeat.
func (s *Store) HealthForNode(ctx context.Context, nodeID string) (*fleet.NodeHealth, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var h *fleet.NodeHealth
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHealth).Get([]byte(nodeID))
		if data == nil {
			return fmt.Errorf("health for node %s: %w", nodeID, fleet.ErrNotFound)
		}
		h = new(fleet.NodeHealth)
		return json.Unmarshal(data, h)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}
