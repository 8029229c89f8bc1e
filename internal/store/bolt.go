// Package store persists the fleet domain on BoltDB. One file, one writer:
// every Update transaction is serialized by bbolt itself, which is the
// property the capacity ledger leans on for race-free admission control
// (see reservations.go).
package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes     = []byte("nodes")         // nodeID -> Node JSON
	bucketNodeNames = []byte("node_names")    // orgID::name -> nodeID (active nodes only)
	bucketCerts     = []byte("certificates")  // thumbprint -> AgentCertificate JSON
	bucketCertsNode = []byte("certs_by_node") // nodeID::certID -> thumbprint
	bucketTokens    = []byte("enroll_tokens") // tokenID -> EnrollmentToken JSON
	bucketCapacity  = []byte("node_capacity") // nodeID -> NodeCapacity JSON
	bucketHealth    = []byte("node_health")   // nodeID -> NodeHealth JSON
	bucketResv      = []byte("reservations")  // token -> Reservation JSON
	bucketResvNode  = []byte("resv_by_node")  // nodeID::token -> status
	bucketResvExp   = []byte("resv_expiry")   // expiry::token -> token (Pending only)
	bucketAudit     = []byte("audit_log")     // timestamp::id -> AuditEntry JSON
	bucketOutbox    = []byte("outbox")        // created::id -> OutboxRecord JSON
)

// keyTimeLayout is a fixed-width UTC rendering (nanoseconds always printed)
// so lexical key order equals chronological order.
const keyTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Store wraps a BoltDB database for fleetgate persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketNodes, bucketNodeNames, bucketCerts, bucketCertsNode,
			bucketTokens, bucketCapacity, bucketHealth,
			bucketResv, bucketResvNode, bucketResvExp,
			bucketAudit, bucketOutbox,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// joinKey builds a composite bucket key. "::" never appears in the GUIDs
// and timestamps used as key components.
func joinKey(parts ...string) []byte {
	key := parts[0]
	for _, p := range parts[1:] {
		key += "::" + p
	}
	return []byte(key)
}

func timeKey(t time.Time) string {
	return t.UTC().Format(keyTimeLayout)
}
