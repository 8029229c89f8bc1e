// Package fleet holds the shared domain types of the control plane: nodes,
// certificates, enrollment tokens, capacity reservations, and audit entries.
// Persistence lives in internal/store; behaviour lives in the service
// packages that operate on these types.
package fleet

import (
	"errors"
	"time"
)

// Sentinel errors shared across the store and service layers.
// Callers compare with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrVersionConflict  = errors.New("version conflict")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrTokenUsed        = errors.New("enrollment token already used")
	ErrTokenExpired     = errors.New("enrollment token expired")
	ErrTokenRevoked     = errors.New("enrollment token revoked")
	ErrInvalidToken     = errors.New("invalid enrollment token")
	ErrBadTransition    = errors.New("illegal reservation transition")
	ErrDuplicateName    = errors.New("node name already in use")
)

// NodeStatus is the lifecycle state of an enrolled node.
type NodeStatus string

const (
	NodeOnline   NodeStatus = "online"
	NodeOffline  NodeStatus = "offline"
	NodeDraining NodeStatus = "draining" // no new reservations admitted
)

// Node is one enrolled agent host. Name is unique per (organization,
// not-deleted). Version is an optimistic-concurrency token: every successful
// update increments it, and updates carrying a stale version fail with
// ErrVersionConflict.
type Node struct {
	ID             string            `json:"id"` // 36-char GUID, embedded in the SPIFFE id
	OrganizationID string            `json:"organization_id"`
	Name           string            `json:"name"`
	Status         NodeStatus        `json:"status"`
	Platform       string            `json:"platform"` // e.g. "linux/amd64"
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	Tags           map[string]string `json:"tags,omitempty"`
	DeletedAt      *time.Time        `json:"deleted_at,omitempty"` // soft-delete marker
	Version        uint64            `json:"version"`
	EnrolledAt     time.Time         `json:"enrolled_at"`
}

// Active reports whether the node participates in scheduling and lookups.
// Soft-deleted nodes stay on disk for the audit trail but are filtered out
// by this predicate at the query boundary.
func (n *Node) Active() bool { return n.DeletedAt == nil }

// AgentCertificate records one certificate presented by a node. Rotation
// accumulates rows; at most one per node is current.
type AgentCertificate struct {
	ID            string     `json:"id"`
	NodeID        string     `json:"node_id"`
	Thumbprint    string     `json:"thumbprint"` // hex SHA-256 of the raw DER, unique
	SerialNumber  string     `json:"serial_number"`
	NotBefore     time.Time  `json:"not_before"`
	NotAfter      time.Time  `json:"not_after"`
	Current       bool       `json:"current"`
	Revoked       bool       `json:"revoked"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// EnrollmentToken is a single-use bootstrap credential. Only the HMAC hash
// of the plaintext is persisted; UsedAt transitions from nil to a timestamp
// exactly once.
type EnrollmentToken struct {
	ID             string     `json:"id"` // public prefix of the plaintext, for lookup
	OrganizationID string     `json:"organization_id"`
	Hash           []byte     `json:"hash"` // HMAC-SHA256 of the plaintext token
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	UsedByNodeID   string     `json:"used_by_node_id,omitempty"`
	Revoked        bool       `json:"revoked"`
}

// NodeCapacity is the node's declared ceiling, reported via heartbeat.
// It is the budget the capacity ledger arbitrates against, not a live view
// of outstanding reservations.
type NodeCapacity struct {
	NodeID             string    `json:"node_id"`
	MaxServers         int       `json:"max_servers"`
	CurrentServers     int       `json:"current_servers"`
	AvailableMemoryMB  int64     `json:"available_memory_mb"`
	AvailableDiskMB    int64     `json:"available_disk_mb"`
	AvailableCPUMillis int64     `json:"available_cpu_millis"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HealthTrend describes the direction of a node's recent health scores.
type HealthTrend string

const (
	TrendImproving HealthTrend = "improving"
	TrendStable    HealthTrend = "stable"
	TrendDegrading HealthTrend = "degrading"
)

// NodeHealth is the latest health report for a node, plus the derived score
// and trend (see internal/node/health.go for the formula).
type NodeHealth struct {
	NodeID          string      `json:"node_id"`
	CPUPercent      float64     `json:"cpu_percent"`
	MemoryPercent   float64     `json:"memory_percent"`
	DiskPercent     float64     `json:"disk_percent"`
	ActiveServers   int         `json:"active_servers"`
	Issues          []string    `json:"issues,omitempty"`
	Score           int         `json:"score"` // 0..100, higher is healthier
	Trend           HealthTrend `json:"trend"`
	LastScoreChange time.Time   `json:"last_score_change"`
	ReportedAt      time.Time   `json:"reported_at"`
}

// ReservationStatus is the admission-token state machine. Transitions are
// one-directional: Pending → Claimed → Released, Pending → Released, and
// Pending → Expired. Terminal rows are never deleted, only excluded from
// the committed-capacity sum.
type ReservationStatus string

const (
	ReservationPending  ReservationStatus = "pending"
	ReservationClaimed  ReservationStatus = "claimed"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// Terminal reports whether no further transition is legal from s.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationReleased || s == ReservationExpired
}

// Committed reports whether a reservation in this status counts against the
// node's declared capacity.
func (s ReservationStatus) Committed() bool {
	return s == ReservationPending || s == ReservationClaimed
}

// ResourceRequest is the three-dimensional resource ask of one reservation.
type ResourceRequest struct {
	MemoryMB  int64 `json:"memory_mb"`
	DiskMB    int64 `json:"disk_mb"`
	CPUMillis int64 `json:"cpu_millis"`
}

// Reservation is the admission-control unit: an accepted claim on a slice of
// one node's declared capacity, referenced by its unique token.
type Reservation struct {
	ID            string            `json:"id"`
	NodeID        string            `json:"node_id"`
	Token         string            `json:"token"` // unique caller-facing handle
	Resources     ResourceRequest   `json:"resources"`
	ServerID      string            `json:"server_id,omitempty"`
	RequestedBy   string            `json:"requested_by"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Status        ReservationStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	ClaimedAt     *time.Time        `json:"claimed_at,omitempty"`
	ReleasedAt    *time.Time        `json:"released_at,omitempty"`
}

// AuditOutcome classifies the result of a fleet-affecting action.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeDenied  AuditOutcome = "denied"
	OutcomeFailure AuditOutcome = "failure"
)

// AuditEntry is one append-only record of a fleet-affecting action. Entries
// are never updated; a retention sweep deletes them after a fixed window.
type AuditEntry struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	ActorID        string         `json:"actor_id"`
	ActorType      string         `json:"actor_type"` // "node", "operator", "system"
	Action         string         `json:"action"`     // e.g. "reservation.reserve"
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id,omitempty"`
	ResourceName   string         `json:"resource_name,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Outcome        AuditOutcome   `json:"outcome"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
	RemoteIP       string         `json:"remote_ip,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
}

// OutboxRecord is one domain event awaiting at-least-once delivery. It is
// written in the same store transaction as the state change it describes and
// marked published only after the broker acknowledges it. The record ID
// doubles as the consumer-side idempotency key.
type OutboxRecord struct {
	ID          string     `json:"id"`
	Topic       string     `json:"topic"`
	Payload     []byte     `json:"payload"` // JSON event body
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Attempts    int        `json:"attempts"`
}
