// Package node tracks enrolled agent hosts: heartbeat ingestion, declared
// capacity, derived health, and the soft-delete lifecycle.
package node

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

// Store is the persistence surface the node service needs.
type Store interface {
	NodeByID(ctx context.Context, nodeID string) (*fleet.Node, error)
	ListNodes(ctx context.Context, orgID string) ([]*fleet.Node, error)
	UpdateNode(ctx context.Context, n *fleet.Node) error
	SoftDeleteNode(ctx context.Context, nodeID string, now time.Time) error
	UpsertCapacity(ctx context.Context, c *fleet.NodeCapacity) error
	UpsertHealth(ctx context.Context, h *fleet.NodeHealth) error
	HealthForNode(ctx context.Context, nodeID string) (*fleet.NodeHealth, error)
}

// Recorder receives audit entries. Implementations must not block.
type Recorder interface {
	Record(entry fleet.AuditEntry)
}

// HeartbeatReport is what an agent sends on each heartbeat.
type HeartbeatReport struct {
	Status   fleet.NodeStatus  `json:"status"`
	Platform string            `json:"platform,omitempty"`
	Capacity *CapacityReport   `json:"capacity,omitempty"`
	Health   *HealthReport     `json:"health,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// CapacityReport is the node's declared ceiling as carried in a heartbeat.
type CapacityReport struct {
	MaxServers         int   `json:"max_servers"`
	CurrentServers     int   `json:"current_servers"`
	AvailableMemoryMB  int64 `json:"available_memory_mb"`
	AvailableDiskMB    int64 `json:"available_disk_mb"`
	AvailableCPUMillis int64 `json:"available_cpu_millis"`
}

// HealthReport is the raw utilization snapshot; the service derives score
// and trend from it.
type HealthReport struct {
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	DiskPercent   float64  `json:"disk_percent"`
	ActiveServers int      `json:"active_servers"`
	Issues        []string `json:"issues,omitempty"`
}

// heartbeatRetries bounds the optimistic-update retry loop. Conflicts only
// occur when an operator mutation races the heartbeat, so one or two
// retries settle it.
const heartbeatRetries = 3

// Service applies heartbeats and manages the node lifecycle.
type Service struct {
	store    Store
	recorder Recorder
	bus      *events.Bus
	clock    clock.Clock
	log      *logging.Logger
}

func New(store Store, recorder Recorder, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Service {
	return &Service{store: store, recorder: recorder, bus: bus, clock: clk, log: log}
}

// Heartbeat records a node's liveness report: last-seen timestamp, status,
// declared capacity, and derived health. The node update retries on version
// conflict with a fresh read.
func (s *Service) Heartbeat(ctx context.Context, nodeID string, report HeartbeatReport) (*fleet.Node, error) {
	if report.Status != "" && !validStatus(report.Status) {
		metrics.Heartbeats.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("unknown node status %q", report.Status)
	}

	now := s.clock.Now().UTC()
	var node *fleet.Node
	var prevStatus fleet.NodeStatus
	for attempt := 0; ; attempt++ {
		n, err := s.store.NodeByID(ctx, nodeID)
		if err != nil {
			metrics.Heartbeats.WithLabelValues("unknown_node").Inc()
			return nil, err
		}
		if !n.Active() {
			metrics.Heartbeats.WithLabelValues("deleted_node").Inc()
			return nil, fmt.Errorf("node %s is deleted: %w", nodeID, fleet.ErrNotFound)
		}

		prevStatus = n.Status
		n.LastHeartbeat = now
		if report.Status != "" {
			n.Status = report.Status
		}
		if report.Platform != "" {
			n.Platform = report.Platform
		}
		if report.Tags != nil {
			n.Tags = report.Tags
		}

		err = s.store.UpdateNode(ctx, n)
		if err == nil {
			node = n
			break
		}
		if !errors.Is(err, fleet.ErrVersionConflict) || attempt >= heartbeatRetries {
			metrics.Heartbeats.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	if report.Capacity != nil {
		err := s.store.UpsertCapacity(ctx, &fleet.NodeCapacity{
			NodeID:             nodeID,
			MaxServers:         report.Capacity.MaxServers,
			CurrentServers:     report.Capacity.CurrentServers,
			AvailableMemoryMB:  report.Capacity.AvailableMemoryMB,
			AvailableDiskMB:    report.Capacity.AvailableDiskMB,
			AvailableCPUMillis: report.Capacity.AvailableCPUMillis,
			UpdatedAt:          now,
		})
		if err != nil {
			metrics.Heartbeats.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	if report.Health != nil {
		if err := s.applyHealth(ctx, node, report.Health, now); err != nil {
			metrics.Heartbeats.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	if node.Status != prevStatus {
		s.publish(events.EventNodeStatus, node, string(node.Status))
	}

	metrics.Heartbeats.WithLabelValues("ok").Inc()
	return node, nil
}

func (s *Service) applyHealth(ctx context.Context, n *fleet.Node, hr *HealthReport, now time.Time) error {
	prev, err := s.store.HealthForNode(ctx, n.ID)
	if err != nil && !errors.Is(err, fleet.ErrNotFound) {
		return err
	}

	score := Score(hr.CPUPercent, hr.MemoryPercent, hr.DiskPercent, len(hr.Issues))
	health := &fleet.NodeHealth{
		NodeID:        n.ID,
		CPUPercent:    hr.CPUPercent,
		MemoryPercent: hr.MemoryPercent,
		DiskPercent:   hr.DiskPercent,
		ActiveServers: hr.ActiveServers,
		Issues:        hr.Issues,
		Score:         score,
		Trend:         Trend(prev, score),
		ReportedAt:    now,
	}
	if prev == nil || prev.Score != score {
		health.LastScoreChange = now
	} else {
		health.LastScoreChange = prev.LastScoreChange
	}

	if health.Trend == fleet.TrendDegrading {
		s.publish(events.EventHealthTrend, n, fmt.Sprintf("score=%d degrading", score))
		s.log.Warn("node health degrading",
			"node_id", n.ID, "score", score, "issues", hr.Issues)
	}
	return s.store.UpsertHealth(ctx, health)
}

// Get returns an active node in the organization. Soft-deleted nodes and
// nodes owned by another organization both read as not found, so a caller
// cannot probe for foreign node ids.
func (s *Service) Get(ctx context.Context, orgID, nodeID string) (*fleet.Node, error) {
	n, err := s.store.NodeByID(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !n.Active() || n.OrganizationID != orgID {
		return nil, fmt.Errorf("node %s: %w", nodeID, fleet.ErrNotFound)
	}
	return n, nil
}

// List returns the organization's active nodes.
func (s *Service) List(ctx context.Context, orgID string) ([]*fleet.Node, error) {
	return s.store.ListNodes(ctx, orgID)
}

// Health returns the node's latest derived health.
func (s *Service) Health(ctx context.Context, orgID, nodeID string) (*fleet.NodeHealth, error) {
	if _, err := s.Get(ctx, orgID, nodeID); err != nil {
		return nil, err
	}
	return s.store.HealthForNode(ctx, nodeID)
}

// Drain marks a node draining so the ledger admits no new reservations
// while existing ones run out.
func (s *Service) Drain(ctx context.Context, orgID, nodeID, actorID string) (*fleet.Node, error) {
	n, err := s.Get(ctx, orgID, nodeID)
	if err != nil {
		return nil, err
	}
	n.Status = fleet.NodeDraining
	if err := s.store.UpdateNode(ctx, n); err != nil {
		return nil, err
	}
	s.audit(actorID, "node.drain", n, fleet.OutcomeSuccess)
	s.publish(events.EventNodeStatus, n, string(fleet.NodeDraining))
	s.log.Info("node draining", "node_id", nodeID, "actor", actorID)
	return n, nil
}

// Delete soft-deletes a node. The row and its audit trail stay on disk;
// the name is freed for reuse.
func (s *Service) Delete(ctx context.Context, orgID, nodeID, actorID string) error {
	n, err := s.Get(ctx, orgID, nodeID)
	if err != nil {
		return err
	}
	if err := s.store.SoftDeleteNode(ctx, nodeID, s.clock.Now()); err != nil {
		return err
	}
	s.audit(actorID, "node.delete", n, fleet.OutcomeSuccess)
	s.publish(events.EventNodeDeleted, n, n.Name)
	s.log.Info("node deleted", "node_id", nodeID, "name", n.Name, "actor", actorID)
	return nil
}

func (s *Service) audit(actorID, action string, n *fleet.Node, outcome fleet.AuditOutcome) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(fleet.AuditEntry{
		ID:             uuid.NewString(),
		Timestamp:      s.clock.Now().UTC(),
		ActorID:        actorID,
		ActorType:      "operator",
		Action:         action,
		ResourceType:   "node",
		ResourceID:     n.ID,
		ResourceName:   n.Name,
		OrganizationID: n.OrganizationID,
		Outcome:        outcome,
	})
}

func (s *Service) publish(typ events.EventType, n *fleet.Node, msg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:           typ,
		OrganizationID: n.OrganizationID,
		NodeID:         n.ID,
		Message:        msg,
		Timestamp:      s.clock.Now().UTC(),
	})
}

func validStatus(st fleet.NodeStatus) bool {
	switch st {
	case fleet.NodeOnline, fleet.NodeOffline, fleet.NodeDraining:
		return true
	}
	return false
}
