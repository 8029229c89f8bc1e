// Package ledger arbitrates node capacity. It owns the reservation
// lifecycle: Reserve admits or refuses a resource ask against the node's
// declared ceiling, Claim binds an admitted reservation to a server, and
// Release returns the capacity to the pool. The store serializes admission,
// so two ledgers never overcommit the same node.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kilnworks/fleetgate/internal/clock"
	"github.com/kilnworks/fleetgate/internal/events"
	"github.com/kilnworks/fleetgate/internal/fleet"
	"github.com/kilnworks/fleetgate/internal/logging"
	"github.com/kilnworks/fleetgate/internal/metrics"
)

// Store is the persistence surface the ledger needs.
type Store interface {
	NodeByID(ctx context.Context, nodeID string) (*fleet.Node, error)
	ReserveCapacity(ctx context.Context, res *fleet.Reservation) error
	ReservationByToken(ctx context.Context, token string) (*fleet.Reservation, error)
	ClaimReservation(ctx context.Context, token, serverID string, now time.Time) (*fleet.Reservation, error)
	TransitionReservation(ctx context.Context, token string, to fleet.ReservationStatus, now time.Time) (*fleet.Reservation, error)
	CommittedForNode(ctx context.Context, nodeID string) (fleet.ResourceRequest, int, error)
	CapacityForNode(ctx context.Context, nodeID string) (*fleet.NodeCapacity, error)
}

// Recorder receives audit entries. Implementations must not block.
type Recorder interface {
	Record(entry fleet.AuditEntry)
}

// ReserveRequest is one admission ask. OrganizationID pins the ask to the
// caller's tenant; a node owned elsewhere reads as not found.
type ReserveRequest struct {
	OrganizationID string
	NodeID         string
	Resources      fleet.ResourceRequest
	RequestedBy    string
	CorrelationID  string
}

// Ledger is the capacity-reservation service.
type Ledger struct {
	store    Store
	recorder Recorder
	bus      *events.Bus
	clock    clock.Clock
	ttl      time.Duration
	log      *logging.Logger
}

// New builds a Ledger. ttl bounds how long an unclaimed reservation holds
// capacity before the sweeper reclaims it.
func New(store Store, recorder Recorder, bus *events.Bus, clk clock.Clock, ttl time.Duration, log *logging.Logger) *Ledger {
	return &Ledger{store: store, recorder: recorder, bus: bus, clock: clk, ttl: ttl, log: log}
}

// Reserve admits or refuses a resource ask. On admission the returned
// reservation carries the token the caller later claims or releases with.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (*fleet.Reservation, error) {
	if err := validateRequest(req.Resources); err != nil {
		metrics.Reservations.WithLabelValues("reserve", "invalid").Inc()
		return nil, err
	}

	node, err := l.store.NodeByID(ctx, req.NodeID)
	if err != nil {
		metrics.Reservations.WithLabelValues("reserve", "error").Inc()
		return nil, err
	}
	if !node.Active() || node.OrganizationID != req.OrganizationID {
		metrics.Reservations.WithLabelValues("reserve", "denied").Inc()
		return nil, fmt.Errorf("node %s: %w", req.NodeID, fleet.ErrNotFound)
	}
	if node.Status == fleet.NodeDraining {
		metrics.Reservations.WithLabelValues("reserve", "denied").Inc()
		l.audit(req, node.OrganizationID, fleet.OutcomeDenied, "node draining", nil)
		return nil, fmt.Errorf("node %s is draining: %w", req.NodeID, fleet.ErrCapacityExceeded)
	}

	now := l.clock.Now().UTC()
	res := &fleet.Reservation{
		ID:            uuid.NewString(),
		NodeID:        req.NodeID,
		Token:         uuid.NewString(),
		Resources:     req.Resources,
		RequestedBy:   req.RequestedBy,
		CorrelationID: req.CorrelationID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(l.ttl),
	}

	if err := l.store.ReserveCapacity(ctx, res); err != nil {
		if errors.Is(err, fleet.ErrCapacityExceeded) {
			metrics.Reservations.WithLabelValues("reserve", "denied").Inc()
			l.audit(req, node.OrganizationID, fleet.OutcomeDenied, err.Error(), nil)
			l.publish(events.EventReservationDenied, node.OrganizationID, req.NodeID, "", err.Error())
			l.log.Info("reservation denied",
				"node_id", req.NodeID, "requested_by", req.RequestedBy, "reason", err)
			return nil, err
		}
		metrics.Reservations.WithLabelValues("reserve", "error").Inc()
		return nil, err
	}

	metrics.Reservations.WithLabelValues("reserve", "admitted").Inc()
	l.audit(req, node.OrganizationID, fleet.OutcomeSuccess, "", map[string]any{
		"token":      res.Token,
		"expires_at": res.ExpiresAt,
	})
	l.publish(events.EventReservationAdmitted, node.OrganizationID, req.NodeID, res.ID, "")
	l.log.Info("reservation admitted",
		"node_id", req.NodeID, "token", res.Token,
		"memory_mb", req.Resources.MemoryMB, "expires_at", res.ExpiresAt)
	return res, nil
}

// Claim binds an admitted reservation to the server it now backs. Capacity
// was checked at Reserve time and the commitment has not changed, so Claim
// performs no second admission check.
func (l *Ledger) Claim(ctx context.Context, token, serverID string) (*fleet.Reservation, error) {
	res, err := l.store.ClaimReservation(ctx, token, serverID, l.clock.Now())
	if err != nil {
		metrics.Reservations.WithLabelValues("claim", outcomeLabel(err)).Inc()
		l.auditTransition(ctx, "reservation.claim", token, nil, nil, err)
		return nil, err
	}
	metrics.Reservations.WithLabelValues("claim", "ok").Inc()
	l.auditTransition(ctx, "reservation.claim", token, res, map[string]any{"server_id": serverID}, nil)
	l.publish(events.EventReservationClaimed, l.orgOf(ctx, res.NodeID), res.NodeID, res.ID, "server "+serverID)
	l.log.Info("reservation claimed", "token", token, "server_id", serverID, "node_id", res.NodeID)
	return res, nil
}

// Release returns a reservation's capacity to the pool. Legal from both
// Pending and Claimed.
func (l *Ledger) Release(ctx context.Context, token string) (*fleet.Reservation, error) {
	res, err := l.store.TransitionReservation(ctx, token, fleet.ReservationReleased, l.clock.Now())
	if err != nil {
		metrics.Reservations.WithLabelValues("release", outcomeLabel(err)).Inc()
		l.auditTransition(ctx, "reservation.release", token, nil, nil, err)
		return nil, err
	}
	metrics.Reservations.WithLabelValues("release", "ok").Inc()
	l.auditTransition(ctx, "reservation.release", token, res, nil, nil)
	l.publish(events.EventReservationReleased, l.orgOf(ctx, res.NodeID), res.NodeID, res.ID, "")
	l.log.Info("reservation released", "token", token, "node_id", res.NodeID)
	return res, nil
}

// Get returns a reservation by token.
func (l *Ledger) Get(ctx context.Context, token string) (*fleet.Reservation, error) {
	return l.store.ReservationByToken(ctx, token)
}

// Availability reports the node's declared capacity alongside the committed
// slice, for scheduler placement decisions.
type Availability struct {
	Declared  fleet.NodeCapacity    `json:"declared"`
	Committed fleet.ResourceRequest `json:"committed"`
	Count     int                   `json:"committed_reservations"`
}

func (l *Ledger) Availability(ctx context.Context, orgID, nodeID string) (*Availability, error) {
	node, err := l.store.NodeByID(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !node.Active() || node.OrganizationID != orgID {
		return nil, fmt.Errorf("node %s: %w", nodeID, fleet.ErrNotFound)
	}
	declared, err := l.store.CapacityForNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	committed, count, err := l.store.CommittedForNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return &Availability{Declared: *declared, Committed: committed, Count: count}, nil
}

func (l *Ledger) audit(req ReserveRequest, orgID string, outcome fleet.AuditOutcome, reason string, details map[string]any) {
	if l.recorder == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["memory_mb"] = req.Resources.MemoryMB
	details["disk_mb"] = req.Resources.DiskMB
	details["cpu_millis"] = req.Resources.CPUMillis
	l.recorder.Record(fleet.AuditEntry{
		ID:             uuid.NewString(),
		Timestamp:      l.clock.Now().UTC(),
		ActorID:        req.RequestedBy,
		ActorType:      "operator",
		Action:         "reservation.reserve",
		ResourceType:   "reservation",
		ResourceID:     req.NodeID,
		OrganizationID: orgID,
		Outcome:        outcome,
		FailureReason:  reason,
		Details:        details,
		CorrelationID:  req.CorrelationID,
	})
}

// auditTransition records one claim or release attempt, either outcome. On
// failure the reservation may not exist, so the token stands in as the
// resource id.
func (l *Ledger) auditTransition(ctx context.Context, action, token string, res *fleet.Reservation, details map[string]any, opErr error) {
	if l.recorder == nil {
		return
	}
	entry := fleet.AuditEntry{
		ID:           uuid.NewString(),
		Timestamp:    l.clock.Now().UTC(),
		ActorType:    "operator",
		Action:       action,
		ResourceType: "reservation",
		ResourceID:   token,
		Outcome:      fleet.OutcomeSuccess,
		Details:      details,
	}
	if res != nil {
		entry.ActorID = res.RequestedBy
		entry.ResourceID = res.ID
		entry.OrganizationID = l.orgOf(ctx, res.NodeID)
		entry.CorrelationID = res.CorrelationID
	}
	if opErr != nil {
		entry.Outcome = fleet.OutcomeFailure
		entry.FailureReason = opErr.Error()
	}
	l.recorder.Record(entry)
}

func (l *Ledger) publish(typ events.EventType, orgID, nodeID, resID, msg string) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(events.Event{
		Type:           typ,
		OrganizationID: orgID,
		NodeID:         nodeID,
		ResourceID:     resID,
		Message:        msg,
		Timestamp:      l.clock.Now().UTC(),
	})
}

// orgOf resolves the owning organization for stream scoping. Best effort;
// claim and release have already committed by the time it runs.
func (l *Ledger) orgOf(ctx context.Context, nodeID string) string {
	node, err := l.store.NodeByID(ctx, nodeID)
	if err != nil {
		return ""
	}
	return node.OrganizationID
}

func validateRequest(r fleet.ResourceRequest) error {
	if r.MemoryMB <= 0 && r.DiskMB <= 0 && r.CPUMillis <= 0 {
		return fmt.Errorf("reservation must request at least one resource")
	}
	if r.MemoryMB < 0 || r.DiskMB < 0 || r.CPUMillis < 0 {
		return fmt.Errorf("resource requests must not be negative")
	}
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, fleet.ErrNotFound):
		return "not_found"
	case errors.Is(err, fleet.ErrBadTransition):
		return "bad_transition"
	default:
		return "error"
	}
}
